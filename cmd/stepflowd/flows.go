package main

import (
	"fmt"
	"log/slog"

	"github.com/petrijr/stepflow"
)

// Built-in flow types served by the daemon.
const (
	FlowExpenseApproval = "expense-approval"
	FlowOrderFulfilment = "order-fulfilment"
	FlowNotification    = "notification"
)

// approvalThreshold is the amount above which an expense needs a manager.
const approvalThreshold = 500.0

func registerFlows(reg *stepflow.Registry) error {
	defs := []*stepflow.DefinitionBuilder{
		expenseApproval(),
		orderFulfilment(),
		notification(),
	}
	for _, b := range defs {
		if err := b.Register(reg); err != nil {
			return fmt.Errorf("register %s: %w", b.Type(), err)
		}
	}
	return nil
}

func expenseApproval() *stepflow.DefinitionBuilder {
	return stepflow.NewDefinition(FlowExpenseApproval).
		Describe("expense report with manager sign-off above a threshold").
		Step("submit", func(ec *stepflow.ExecutionContext) (*stepflow.StepResult, error) {
			amount, _ := ec.GetFloat("amount")
			return stepflow.Succeeded(map[string]any{
				"needsApproval": amount > approvalThreshold,
			}), nil
		}, stepflow.Requires("amount", stepflow.TypeNumber)).
		Step("approve", func(ec *stepflow.ExecutionContext) (*stepflow.StepResult, error) {
			return stepflow.Succeeded(map[string]any{"approvedBy": ec.GetString("manager")}), nil
		},
			stepflow.When(func(ec *stepflow.ExecutionContext) bool {
				v, _ := ec.Get("needsApproval")
				return v == true
			}),
			stepflow.PauseWhen(func(ec *stepflow.ExecutionContext) *stepflow.PauseCondition {
				if ec.GetString("manager") != "" {
					return nil
				}
				return &stepflow.PauseCondition{
					Reason:  "approval",
					Message: "expense needs manager approval",
					ResumeConfig: &stepflow.ResumeConfig{
						EventName: "expense.approved",
					},
				}
			}),
		).
		StepWithRetry("reimburse", stepflow.SetData(map[string]any{"reimbursed": true}),
			stepflow.Retry(3).Immediate().Policy(),
			stepflow.Idempotent(),
			stepflow.Requires("amount", stepflow.TypeNumber),
			stepflow.Triggers(FlowNotification, func(ec *stepflow.ExecutionContext) map[string]any {
				return map[string]any{"message": "expense reimbursed"}
			}),
		)
}

func orderFulfilment() *stepflow.DefinitionBuilder {
	return stepflow.NewDefinition(FlowOrderFulfilment).
		Describe("reserve every order line in parallel, then ship").
		Step("validate", stepflow.SetData(map[string]any{"validated": true}),
			stepflow.Requires("lines", stepflow.TypeArray)).
		FanOut("reserve", stepflow.DynamicConfig{
			Selector: stepflow.SelectItems("lines"),
			Factory:  reserveLine,
			Strategy: stepflow.StrategyParallel,
		}).
		Branch("ship",
			stepflow.BranchDef{
				Name: "express",
				Condition: func(ec *stepflow.ExecutionContext) bool {
					return ec.GetString("shipping") == "express"
				},
				Steps: []stepflow.StepDefinition{
					{Name: "courier", Body: stepflow.SetData(map[string]any{"carrier": "courier"})},
				},
			},
			stepflow.BranchDef{
				Name:      "standard",
				IsDefault: true,
				Steps: []stepflow.StepDefinition{
					{Name: "post", Body: stepflow.SetData(map[string]any{"carrier": "post"})},
				},
			},
		)
}

func reserveLine(item any, index int) stepflow.StepDefinition {
	sku := fmt.Sprintf("line-%d", index)
	if m, ok := item.(map[string]any); ok {
		if s, ok := m["sku"].(string); ok && s != "" {
			sku = s
		}
	}
	return stepflow.StepDefinition{
		Name: "reserve-" + sku,
		Body: stepflow.SetData(map[string]any{"reserved_" + sku: true}),
	}
}

func notification() *stepflow.DefinitionBuilder {
	return stepflow.NewDefinition(FlowNotification).
		Step("send", func(ec *stepflow.ExecutionContext) (*stepflow.StepResult, error) {
			ec.Logger().Info("notification_sent",
				slog.String("user_id", ec.UserID()),
				slog.String("message", ec.GetString("message")),
			)
			return stepflow.Succeeded(map[string]any{"sent": true}), nil
		})
}
