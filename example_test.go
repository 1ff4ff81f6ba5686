package stepflow_test

import (
	"context"
	"fmt"
	"log"

	"github.com/petrijr/stepflow"
)

// Example_definitionBuilder demonstrates defining and running a simple flow
// using the fluent builder and an in-memory service.
func Example_definitionBuilder() {
	ctx := context.Background()
	svc := stepflow.NewInMemoryService(nil)

	stepflow.NewDefinition("greeting").
		Step("sayHello", sayHello, stepflow.Requires("name", stepflow.TypeString)).
		Step("decorate", decorate).
		MustRegister(svc.Registry())

	res, err := svc.Start(ctx, "greeting", map[string]any{"name": "Gopher"})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(res.Status, res.Data["message"])
	// Output: COMPLETED *** hello, Gopher ***
}

// Example_localRunner demonstrates pausing a flow and resuming it on the
// runner's background workers.
func Example_localRunner() {
	ctx := context.Background()
	runner := stepflow.NewLocalRunner()

	stepflow.NewDefinition("approval").
		Step("approve", func(ec *stepflow.ExecutionContext) (*stepflow.StepResult, error) {
			return stepflow.Succeeded(map[string]any{"approvedBy": ec.GetString("manager")}), nil
		}, stepflow.PauseWhen(func(*stepflow.ExecutionContext) *stepflow.PauseCondition {
			return &stepflow.PauseCondition{Reason: "approval"}
		})).
		MustRegister(runner.Registry())

	if err := runner.StartWorkers(ctx); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	res, err := runner.Start(ctx, "approval", nil)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.Status)

	res, err = runner.ResumeAndWait(ctx, res.FlowID, &stepflow.ResumeCondition{
		Data: map[string]any{"manager": "ann"},
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.Status, res.Data["approvedBy"])
	// Output:
	// PAUSED
	// COMPLETED ann
}

func sayHello(ec *stepflow.ExecutionContext) (*stepflow.StepResult, error) {
	return stepflow.Succeeded(map[string]any{
		"message": fmt.Sprintf("hello, %s", ec.GetString("name")),
	}), nil
}

func decorate(ec *stepflow.ExecutionContext) (*stepflow.StepResult, error) {
	return stepflow.Succeeded(map[string]any{
		"message": fmt.Sprintf("*** %s ***", ec.GetString("message")),
	}), nil
}
