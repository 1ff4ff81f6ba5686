// Package stepflow provides an embeddable, persistent flow execution engine
// for Go.
//
// A flow is an ordered list of named steps that share a JSON-shaped data
// map. The engine runs steps one at a time, persists the flow document after
// every step, and can park a flow on a pause condition, resume it later, and
// restore every in-flight flow after a process restart.
//
// # Core Concepts
//
//  1. FlowDefinition, an immutable template registered under a stable type
//  2. Service, which creates, executes, commands and restores flows
//  3. DefinitionBuilder, the fluent way to write definitions
//  4. StepFunc, the body of a step
//  5. LocalRunner, an in-memory Service for development and tests
//
// # Steps
//
// Besides a body a step may carry:
//   - a condition that skips it
//   - data dependencies that must be present with a given type
//   - a pause condition that parks the flow before the body runs
//   - a jump target that turns a run of steps into a bounded loop
//   - static branches or dynamic branching over items selected from data
//   - triggered child flows started after it succeeds
//
// Dynamic branches run their generated sub-steps with one of the
// Sequential, Parallel, RoundRobin, Batched or PriorityBased strategies.
// Concurrent sub-steps must write disjoint data keys.
//
// # Persistence
//
// Flow documents can be stored in memory, SQLite, PostgreSQL, Redis or
// MongoDB:
//
//	db, _ := sql.Open("sqlite", "file:flows.db")
//	svc, err := stepflow.NewSQLiteService(db, stepflow.Config{})
//
// On startup call RestoreFlowRuntime to rebuild flows that were running or
// paused when the process stopped.
//
// Example:
//
//	stepflow.NewDefinition("greeting").
//	    Step("hello", hello).
//	    Step("approve", approve, stepflow.PauseWhen(needsApproval)).
//	    MustRegister(svc.Registry())
//
//	res, err := svc.Start(ctx, "greeting", map[string]any{"name": "Gopher"})
//
// The stepflowd command serves the same Service over HTTP.
package stepflow
