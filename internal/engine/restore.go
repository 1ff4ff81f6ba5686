package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// RestoreReport summarizes one crash recovery pass.
type RestoreReport struct {
	Checked  int               `json:"checked"`
	Restored int               `json:"restored"`
	Skipped  int               `json:"skipped"`
	Failed   int               `json:"failed"`
	Errors   map[string]string `json:"errors,omitempty"`
	Elapsed  time.Duration     `json:"elapsed"`
}

// RestoreFlowRuntime reloads every stored flow that was in flight when the
// process stopped. Paused flows stay parked; the others are submitted for
// execution, so the dispatcher workers should already be running. Flows
// that are live in this process are skipped. A flow that cannot be
// restored is reported and left for the next pass.
func (s *Service) RestoreFlowRuntime(ctx context.Context) (RestoreReport, error) {
	start := time.Now()

	docs, err := s.store.ListFlowsByStatus(ctx, api.RestorableStatuses...)
	if err != nil {
		return RestoreReport{}, fmt.Errorf("list restorable flows: %w", err)
	}

	report := RestoreReport{Checked: len(docs), Errors: make(map[string]string)}
	for _, doc := range docs {
		restored, err := s.restoreOne(ctx, doc)
		if err != nil {
			report.Failed++
			report.Errors[doc.FlowID] = err.Error()
			s.logger.Error("flow_restore_failed",
				slog.String("flow_id", doc.FlowID),
				slog.String("flow_type", doc.FlowType),
				slog.Any("error", err),
			)
			continue
		}
		if !restored {
			report.Skipped++
			continue
		}
		report.Restored++
	}
	report.Elapsed = time.Since(start)

	s.logger.Info("flow_runtime_restored",
		slog.Int("checked", report.Checked),
		slog.Int("restored", report.Restored),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

// restoreOne reports false for a flow that is already live.
func (s *Service) restoreOne(ctx context.Context, doc *api.FlowState) (bool, error) {
	if _, live := s.runtime.Get(doc.FlowID); live {
		return false, nil
	}

	f, err := FromState(s.registry, doc)
	if err != nil {
		return false, err
	}
	f.mutate(func(st *api.FlowState) {
		appendEvent(st, api.EventFlowRestored, st.CurrentStepName(), "", map[string]any{"status": string(st.Status)})
	})
	if s.runtime.Add(f) != f {
		return false, nil
	}
	if err := f.Persist(ctx, s.store); err != nil {
		s.runtime.Remove(f.ID())
		return false, err
	}

	if f.Status() == api.FlowPaused {
		return true, nil
	}
	if _, err := s.submitExecute(ctx, f); err != nil {
		// Nothing would ever run it; the next pass picks it up again.
		s.runtime.Remove(f.ID())
		return false, err
	}
	return true, nil
}
