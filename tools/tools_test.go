package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mcpd-dev/mcpd"
	"github.com/mcpd-dev/mcpd/tools"
)

func callText(t *testing.T, e *tools.Executor, name, args string) string {
	t.Helper()
	result, err := e.CallTool(context.Background(), name, json.RawMessage(args))
	if err != nil {
		t.Fatalf("%s failed: %v", name, err)
	}
	if result.IsError {
		t.Fatalf("%s reported an execution error: %+v", name, result)
	}
	if len(result.Content) != 1 {
		t.Fatalf("expected one content block, got %d", len(result.Content))
	}
	return result.Content[0].Text
}

func TestListTools(t *testing.T) {
	e := tools.NewExecutor()

	list, err := e.ListTools(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	names := make([]string, len(list))
	for i, tool := range list {
		names[i] = tool.Name
	}
	want := []string{"calculate", "roll_dice", "fortune", "diff"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v in registration order, got %v", want, names)
		}
	}
}

func TestCalculate(t *testing.T) {
	e := tools.NewExecutor()

	if got := callText(t, e, "calculate", `{"operation":"add","a":2,"b":3}`); got != "5" {
		t.Errorf("add: expected 5, got %s", got)
	}
	if got := callText(t, e, "calculate", `{"operation":"divide","a":7,"b":2}`); got != "3.5" {
		t.Errorf("divide: expected 3.5, got %s", got)
	}

	result, err := e.CallTool(context.Background(), "calculate",
		json.RawMessage(`{"operation":"divide","a":1,"b":0}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("division by zero must be an execution error, not a protocol error")
	}
}

func TestCallUnknownTool(t *testing.T) {
	e := tools.NewExecutor()

	_, err := e.CallTool(context.Background(), "nope", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	var rpcErr *mcpd.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != mcpd.CodeInvalidParams {
		t.Fatalf("expected invalid params, got %v", err)
	}
}

func TestSchemaValidation(t *testing.T) {
	e := tools.NewExecutor()

	tests := []struct {
		name string
		tool string
		args string
	}{
		{"missing required", "calculate", `{"operation":"add","a":1}`},
		{"wrong type", "calculate", `{"operation":"add","a":"x","b":2}`},
		{"unknown enum value", "calculate", `{"operation":"modulo","a":1,"b":2}`},
		{"out of range", "roll_dice", `{"rolls":0,"sides":6}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CallTool(context.Background(), tt.tool, json.RawMessage(tt.args))
			var rpcErr *mcpd.Error
			if !errors.As(err, &rpcErr) || rpcErr.Code != mcpd.CodeInvalidParams {
				t.Fatalf("expected invalid params, got %v", err)
			}
		})
	}
}

func TestRollDice(t *testing.T) {
	e := tools.NewExecutor()
	got := callText(t, e, "roll_dice", `{"rolls":3,"sides":6}`)
	if !strings.HasPrefix(got, "rolled ") || !strings.Contains(got, "total") {
		t.Errorf("unexpected output: %s", got)
	}
}

func TestFortune(t *testing.T) {
	e := tools.NewExecutor()
	if got := callText(t, e, "fortune", `{}`); got == "" {
		t.Error("expected a fortune")
	}
}

func TestDiff(t *testing.T) {
	e := tools.NewExecutor()

	got := callText(t, e, "diff", `{"old":"hello world","new":"hello there"}`)
	if got == "texts are identical" {
		t.Errorf("expected a patch, got %s", got)
	}
	if got := callText(t, e, "diff", `{"old":"same","new":"same"}`); got != "texts are identical" {
		t.Errorf("expected identical report, got %s", got)
	}
}

func TestChangeNotification(t *testing.T) {
	e := tools.NewExecutor()

	changes := 0
	unsubscribe := e.OnToolsChanged(func() { changes++ })

	e.Register(mcpd.Tool{
		Name:        "extra",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(ctx context.Context, args json.RawMessage) (mcpd.ToolResult, error) {
		return mcpd.ToolResult{}, nil
	})
	if changes != 1 {
		t.Fatalf("expected 1 change after register, got %d", changes)
	}

	e.Unregister("extra")
	if changes != 2 {
		t.Fatalf("expected 2 changes after unregister, got %d", changes)
	}
	e.Unregister("extra")
	if changes != 2 {
		t.Error("removing an unknown tool must not notify")
	}

	unsubscribe()
	e.Unregister("fortune")
	if changes != 2 {
		t.Error("unsubscribed observer must not be notified")
	}
}
