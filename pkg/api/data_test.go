package api

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDataType_Matches(t *testing.T) {
	tests := []struct {
		typ  DataType
		v    any
		want bool
	}{
		{TypeAny, nil, true},
		{TypeString, "x", true},
		{TypeString, 1, false},
		{TypeNumber, 3, true},
		{TypeNumber, 3.5, true},
		{TypeNumber, "3", false},
		{TypeBool, false, true},
		{TypeObject, map[string]any{"a": 1}, true},
		{TypeObject, struct{ A int }{1}, true},
		{TypeObject, []any{1}, false},
		{TypeArray, []string{"a"}, true},
		{TypeArray, map[string]any{}, false},
	}
	for _, tc := range tests {
		if got := tc.typ.Matches(tc.v); got != tc.want {
			t.Fatalf("%s.Matches(%#v)=%v, want %v", tc.typ, tc.v, got, tc.want)
		}
	}
}

type orderInput struct {
	OrderID string   `json:"orderId"`
	Amount  int      `json:"amount"`
	Items   []string `json:"items"`
}

func TestNormalizeData_StructBecomesJSONMap(t *testing.T) {
	out, err := NormalizeData(orderInput{OrderID: "o-1", Amount: 5, Items: []string{"a"}})
	if err != nil {
		t.Fatalf("NormalizeData: %v", err)
	}
	if out["orderId"] != "o-1" {
		t.Fatalf("orderId=%v", out["orderId"])
	}
	if out["amount"] != float64(5) {
		t.Fatalf("amount should be float64 after normalization, got %T", out["amount"])
	}
	if items, ok := out["items"].([]any); !ok || len(items) != 1 {
		t.Fatalf("items=%#v", out["items"])
	}
}

func TestNormalizeData_NilAndErrors(t *testing.T) {
	out, err := NormalizeData(nil)
	if err != nil || out == nil || len(out) != 0 {
		t.Fatalf("expected empty map, got %v %v", out, err)
	}
	if _, err := NormalizeData([]int{1}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for non-object, got %v", err)
	}
	if _, err := NormalizeData(map[string]any{"ch": make(chan int)}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unserializable data, got %v", err)
	}
}

func TestCloneData_DeepCopiesContainers(t *testing.T) {
	in := map[string]any{
		"nested": map[string]any{"k": "v"},
		"list":   []any{map[string]any{"x": 1.0}},
	}
	out := CloneData(in)
	out["nested"].(map[string]any)["k"] = "changed"
	out["list"].([]any)[0].(map[string]any)["x"] = 2.0

	if in["nested"].(map[string]any)["k"] != "v" {
		t.Fatalf("nested map was shared")
	}
	if in["list"].([]any)[0].(map[string]any)["x"] != 1.0 {
		t.Fatalf("nested slice was shared")
	}
}

func TestSelectPathAndItems(t *testing.T) {
	data := map[string]any{
		"order": map[string]any{
			"items": []any{map[string]any{"sku": "a"}, map[string]any{"sku": "b"}},
		},
		"name": "x",
	}
	v, ok := SelectPath(data, "order.items.#.sku")
	if !ok {
		t.Fatalf("expected path to resolve")
	}
	if skus, _ := v.([]any); len(skus) != 2 || skus[1] != "b" {
		t.Fatalf("unexpected skus: %#v", v)
	}

	ec := NewExecutionContext(context.Background(), FlowInfo{FlowID: "f"}, "s", data, nil, nil)
	items, err := SelectItems("order.items")(ec)
	if err != nil || len(items) != 2 {
		t.Fatalf("SelectItems: %v %v", items, err)
	}
	items, err = SelectItems("missing")(ec)
	if err != nil || items != nil {
		t.Fatalf("missing path should yield no items, got %v %v", items, err)
	}
	if _, err := SelectItems("name")(ec); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for non-array, got %v", err)
	}
}

func TestFlowState_CloneIsDeep(t *testing.T) {
	now := time.Now()
	st := &FlowState{
		FlowID:    "f1",
		Data:      map[string]any{"a": map[string]any{"b": 1.0}},
		StartedAt: &now,
		Steps: []StepState{{
			Name:     "s",
			Result:   &StepResult{Success: true, Data: map[string]any{"x": 1.0}},
			Branches: []BranchState{{Name: "br", Steps: []StepState{{Name: "sub"}}}},
		}},
		Events: []TimelineEvent{{Type: EventFlowStarted, Data: map[string]any{"k": "v"}}},
	}
	cp := st.Clone()
	cp.Data["a"].(map[string]any)["b"] = 2.0
	cp.Steps[0].Result.Data["x"] = 2.0
	cp.Steps[0].Branches[0].Steps[0].Name = "changed"
	cp.Events[0].Data["k"] = "changed"
	*cp.StartedAt = now.Add(time.Hour)

	if st.Data["a"].(map[string]any)["b"] != 1.0 ||
		st.Steps[0].Result.Data["x"] != 1.0 ||
		st.Steps[0].Branches[0].Steps[0].Name != "sub" ||
		st.Events[0].Data["k"] != "v" ||
		!st.StartedAt.Equal(now) {
		t.Fatalf("clone shares memory with original")
	}
}

func TestFlowQuery_MatchesAndNormalized(t *testing.T) {
	now := time.Now()
	st := &FlowState{FlowType: "order", UserID: "u1", Status: FlowPaused, PauseReason: "approval", CreatedAt: now, UpdatedAt: now}

	if !(FlowQuery{Statuses: []FlowStatus{FlowPaused}, FlowType: "order", UserID: "u1", PauseReason: "approval"}).Matches(st) {
		t.Fatalf("expected match")
	}
	if (FlowQuery{Statuses: []FlowStatus{FlowRunning}}).Matches(st) {
		t.Fatalf("status filter ignored")
	}
	later := now.Add(time.Minute)
	if (FlowQuery{CreatedFrom: &later}).Matches(st) {
		t.Fatalf("created-from filter ignored")
	}
	if !(FlowQuery{UpdatedBefore: &later}).Matches(st) {
		t.Fatalf("updated-before filter should match older flow")
	}

	q := FlowQuery{Offset: -3, Limit: 0}.Normalized()
	if q.Offset != 0 || q.Limit != DefaultQueryLimit {
		t.Fatalf("unexpected normalized query: %+v", q)
	}
	if q := (FlowQuery{Limit: 5000}).Normalized(); q.Limit != MaxQueryLimit {
		t.Fatalf("limit not clamped: %d", q.Limit)
	}
}
