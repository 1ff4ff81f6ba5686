package api

import "time"

// FlowStatus describes the lifecycle state of a flow.
type FlowStatus string

const (
	FlowReady        FlowStatus = "READY"
	FlowInitializing FlowStatus = "INITIALIZING"
	FlowRunning      FlowStatus = "RUNNING"
	FlowPaused       FlowStatus = "PAUSED"
	FlowCompleted    FlowStatus = "COMPLETED"
	FlowFailed       FlowStatus = "FAILED"
	FlowCancelled    FlowStatus = "CANCELLED"
)

// IsTerminal reports whether no further execution can happen without an
// explicit retry.
func (s FlowStatus) IsTerminal() bool {
	switch s {
	case FlowCompleted, FlowFailed, FlowCancelled:
		return true
	}
	return false
}

// RestorableStatuses are the statuses crash recovery looks for.
var RestorableStatuses = []FlowStatus{FlowInitializing, FlowReady, FlowRunning, FlowPaused}

// StepStatus describes the state of one step record.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepSkipped    StepStatus = "SKIPPED"
	StepPaused     StepStatus = "PAUSED"
	StepCompleted  StepStatus = "COMPLETED"
	StepFailed     StepStatus = "FAILED"
)

// Done reports whether the step reached a state that needs no re-run.
func (s StepStatus) Done() bool {
	return s == StepCompleted || s == StepSkipped
}

// StepResult is what a step body returns.
type StepResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Succeeded builds a successful result carrying data.
func Succeeded(data map[string]any) *StepResult {
	return &StepResult{Success: true, Data: data}
}

// Failed builds an unsuccessful result with a message.
func Failed(msg string) *StepResult {
	return &StepResult{Success: false, Message: msg}
}

// FlowState is the serializable runtime record of one flow. Steps is
// index-parallel to the definition's Steps.
type FlowState struct {
	FlowID        string `json:"flowId"`
	FlowType      string `json:"flowType"`
	CorrelationID string `json:"correlationId,omitempty"`
	ParentFlowID  string `json:"parentFlowId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	// StartTaskID is the id of the background task that created the flow.
	StartTaskID   string `json:"startTaskId,omitempty"`

	Status           FlowStatus      `json:"status"`
	CurrentStepIndex int             `json:"currentStepIndex"`
	Steps            []StepState     `json:"steps"`
	Data             map[string]any  `json:"data"`
	Events           []TimelineEvent `json:"events,omitempty"`

	PauseReason        string         `json:"pauseReason,omitempty"`
	PauseMessage       string         `json:"pauseMessage,omitempty"`
	PauseData          map[string]any `json:"pauseData,omitempty"`
	PausedAt           *time.Time     `json:"pausedAt,omitempty"`
	ActiveResumeConfig *ResumeConfig  `json:"activeResumeConfig,omitempty"`

	LastError string `json:"lastError,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	// Version increments on every persist.
	Version int64 `json:"version"`
}

// StepState is the runtime record of a step (or generated sub-step).
// ExternalPause marks a pause requested through Service.Pause rather than
// by the step's own PauseCondition.
type StepState struct {
	Name          string        `json:"name"`
	Status        StepStatus    `json:"status"`
	Result        *StepResult   `json:"result,omitempty"`
	CurrentJumps  int           `json:"currentJumps,omitempty"`
	PauseCleared  bool          `json:"pauseCleared,omitempty"`
	ExternalPause bool          `json:"externalPause,omitempty"`
	Branches      []BranchState `json:"branches,omitempty"`
	Error         string        `json:"error,omitempty"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
}

// BranchState is the runtime record of a static or generated branch.
type BranchState struct {
	Name     string      `json:"name"`
	Dynamic  bool        `json:"dynamic,omitempty"`
	Selected bool        `json:"selected,omitempty"`
	Steps    []StepState `json:"steps"`
}

// FlowResult is returned by execution entry points.
type FlowResult struct {
	FlowID  string         `json:"flowId"`
	Status  FlowStatus     `json:"status"`
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// FlowSummary is the compact view returned by queries.
type FlowSummary struct {
	FlowID        string     `json:"flowId"`
	FlowType      string     `json:"flowType"`
	UserID        string     `json:"userId,omitempty"`
	CorrelationID string     `json:"correlationId,omitempty"`
	Status        FlowStatus `json:"status"`
	CurrentStep   string     `json:"currentStep,omitempty"`
	PauseReason   string     `json:"pauseReason,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// CurrentStepName returns the name at CurrentStepIndex, or "" when out of
// range.
func (s *FlowState) CurrentStepName() string {
	if s.CurrentStepIndex < 0 || s.CurrentStepIndex >= len(s.Steps) {
		return ""
	}
	return s.Steps[s.CurrentStepIndex].Name
}

// Summary projects the state into a FlowSummary.
func (s *FlowState) Summary() FlowSummary {
	return FlowSummary{
		FlowID:        s.FlowID,
		FlowType:      s.FlowType,
		UserID:        s.UserID,
		CorrelationID: s.CorrelationID,
		Status:        s.Status,
		CurrentStep:   s.CurrentStepName(),
		PauseReason:   s.PauseReason,
		LastError:     s.LastError,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

// Clone returns a deep copy of the state. Data maps are copied through
// CloneData so nested JSON containers are not shared.
func (s *FlowState) Clone() *FlowState {
	if s == nil {
		return nil
	}
	out := *s
	out.Steps = cloneSteps(s.Steps)
	out.Data = CloneData(s.Data)
	out.PauseData = CloneData(s.PauseData)
	out.PausedAt = cloneTime(s.PausedAt)
	out.StartedAt = cloneTime(s.StartedAt)
	out.CompletedAt = cloneTime(s.CompletedAt)
	out.ActiveResumeConfig = s.ActiveResumeConfig.Clone()
	if s.Events != nil {
		out.Events = make([]TimelineEvent, len(s.Events))
		for i, ev := range s.Events {
			ev.Data = CloneData(ev.Data)
			out.Events[i] = ev
		}
	}
	return &out
}

// Clone returns a deep copy of the step record.
func (s StepState) Clone() StepState {
	out := s
	out.Result = s.Result.Clone()
	out.StartedAt = cloneTime(s.StartedAt)
	out.CompletedAt = cloneTime(s.CompletedAt)
	if s.Branches != nil {
		out.Branches = make([]BranchState, len(s.Branches))
		for i, b := range s.Branches {
			b.Steps = cloneSteps(b.Steps)
			out.Branches[i] = b
		}
	}
	return out
}

// Clone returns a deep copy of the result.
func (r *StepResult) Clone() *StepResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Data = CloneData(r.Data)
	return &out
}

// Clone returns a deep copy of the resume configuration.
func (c *ResumeConfig) Clone() *ResumeConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Data = CloneData(c.Data)
	return &out
}

func cloneSteps(in []StepState) []StepState {
	if in == nil {
		return nil
	}
	out := make([]StepState, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
