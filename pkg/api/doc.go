// Package api contains the core building blocks used by the stepflow
// engine: flow and step definitions, the persisted flow state, timeline
// events, notifiers and the error taxonomy shared by every layer.
//
// Most users interact with the higher-level stepflow package, which
// re-exports selected types and provides a fluent definition builder. The
// api package is intended for custom integrations (stores, notifiers,
// service providers) and for contributors extending the engine itself.
//
// # Definitions and Runtime Records
//
// A FlowDefinition is an immutable template: an ordered list of
// StepDefinitions plus flow-level resume configuration. Definitions carry no
// per-run fields, so one definition value can back any number of flows.
//
// Everything that changes while a flow runs lives in FlowState. Its Steps
// slice is index-parallel to the definition's Steps and matched by name when
// a flow is restored from a stored document:
//
//	def.Steps[i]   <->   state.Steps[i]   (same Name)
//
// # Steps
//
// A step may declare:
//
//   - a Condition deciding whether it runs at all
//   - DataDependencies that must be present in the flow data with the
//     declared type
//   - a Body producing a StepResult whose Data is merged into the flow data
//   - static Branches (first matching branch wins) or DynamicBranching that
//     generates sub-steps from data at runtime
//   - a PauseCondition that parks the flow until an external resume
//   - a JumpTo target with a MaxJumps guard for bounded loops
//   - TriggeredFlows started fire-and-forget once the step succeeds
//
// Step bodies receive an ExecutionContext with the flow identity, an
// immutable snapshot of the flow data, the cancellation context and the
// service scope acquired for the current call.
//
// # Observability
//
// The Notifier interface receives flow and step status changes. Ready-made
// implementations log through log/slog, collect basic metrics, or fan out
// to several notifiers. Notifications are best effort: a failing notifier
// never fails a flow.
package api
