// Package tools provides a demo tool executor with a small set of built-in
// tools. Tool arguments are validated against each tool's JSON schema before
// execution.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/xeipuuv/gojsonschema"

	"github.com/mcpd-dev/mcpd"
)

// Handler executes one tool call with already-validated arguments.
type Handler func(ctx context.Context, args json.RawMessage) (mcpd.ToolResult, error)

type tool struct {
	def mcpd.Tool
	run Handler
}

// Executor holds a mutable set of tools and satisfies the server's tool
// collaborator contract, including runtime change notification.
type Executor struct {
	logger *slog.Logger

	mu           sync.Mutex
	tools        map[string]tool
	order        []string
	observers    map[int]func()
	nextObserver int
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger for the executor.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger.With(slog.String("component", "tools"))
	}
}

// NewExecutor creates an executor populated with the built-in tools.
func NewExecutor(options ...Option) *Executor {
	e := &Executor{
		logger:    slog.Default(),
		tools:     make(map[string]tool),
		observers: make(map[int]func()),
	}
	for _, opt := range options {
		opt(e)
	}

	e.Register(calculateTool, e.runCalculate)
	e.Register(rollDiceTool, e.runRollDice)
	e.Register(fortuneTool, e.runFortune)
	e.Register(diffTool, e.runDiff)
	return e
}

// Register adds or replaces a tool and notifies change observers.
func (e *Executor) Register(def mcpd.Tool, run Handler) {
	e.mu.Lock()
	if _, exists := e.tools[def.Name]; !exists {
		e.order = append(e.order, def.Name)
	}
	e.tools[def.Name] = tool{def: def, run: run}
	e.mu.Unlock()
	e.notify()
}

// Unregister removes a tool and notifies change observers. Removing an
// unknown tool is a no-op.
func (e *Executor) Unregister(name string) {
	e.mu.Lock()
	_, exists := e.tools[name]
	if exists {
		delete(e.tools, name)
		for i, n := range e.order {
			if n == name {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
	}
	e.mu.Unlock()
	if exists {
		e.notify()
	}
}

// OnToolsChanged registers a change observer and returns its unsubscribe
// function.
func (e *Executor) OnToolsChanged(fn func()) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextObserver
	e.nextObserver++
	e.observers[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

func (e *Executor) notify() {
	e.mu.Lock()
	fns := make([]func(), 0, len(e.observers))
	for _, fn := range e.observers {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// ListTools returns the tool definitions in registration order.
func (e *Executor) ListTools(ctx context.Context) ([]mcpd.Tool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]mcpd.Tool, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.tools[name].def)
	}
	return out, nil
}

// CallTool validates the arguments against the tool's schema and executes it.
// Unknown tools and schema violations are protocol-level invalid params;
// failures inside a tool travel in the result with IsError set.
func (e *Executor) CallTool(ctx context.Context, name string, args json.RawMessage) (mcpd.ToolResult, error) {
	e.mu.Lock()
	t, ok := e.tools[name]
	e.mu.Unlock()
	if !ok {
		return mcpd.ToolResult{}, &mcpd.Error{
			Code:    mcpd.CodeInvalidParams,
			Message: fmt.Sprintf("unknown tool %q", name),
		}
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := validateArgs(t.def.InputSchema, args); err != nil {
		return mcpd.ToolResult{}, err
	}

	e.logger.Debug("calling tool", slog.String("tool", name))
	return t.run(ctx, args)
}

func validateArgs(schema, args json.RawMessage) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(args),
	)
	if err != nil {
		return &mcpd.Error{
			Code:    mcpd.CodeInvalidParams,
			Message: fmt.Sprintf("invalid arguments: %s", err),
		}
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return &mcpd.Error{
		Code:    mcpd.CodeInvalidParams,
		Message: "arguments do not match the tool schema",
		Data:    details,
	}
}

func errorResult(format string, args ...any) mcpd.ToolResult {
	return mcpd.ToolResult{
		Content: []mcpd.Content{mcpd.TextContent(fmt.Sprintf(format, args...))},
		IsError: true,
	}
}

func textResult(format string, args ...any) mcpd.ToolResult {
	return mcpd.ToolResult{
		Content: []mcpd.Content{mcpd.TextContent(fmt.Sprintf(format, args...))},
	}
}

var calculateTool = mcpd.Tool{
	Name:        "calculate",
	Description: "Performs basic arithmetic on two numbers",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"operation": {
				"type": "string",
				"enum": ["add", "subtract", "multiply", "divide"]
			},
			"a": {"type": "number"},
			"b": {"type": "number"}
		},
		"required": ["operation", "a", "b"]
	}`),
}

func (e *Executor) runCalculate(ctx context.Context, args json.RawMessage) (mcpd.ToolResult, error) {
	var p struct {
		Operation string  `json:"operation"`
		A         float64 `json:"a"`
		B         float64 `json:"b"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return mcpd.ToolResult{}, err
	}

	var result float64
	switch p.Operation {
	case "add":
		result = p.A + p.B
	case "subtract":
		result = p.A - p.B
	case "multiply":
		result = p.A * p.B
	case "divide":
		if p.B == 0 {
			return errorResult("division by zero"), nil
		}
		result = p.A / p.B
	}
	return textResult("%g", result), nil
}

var rollDiceTool = mcpd.Tool{
	Name:        "roll_dice",
	Description: "Rolls dice and reports each roll and the total",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"rolls": {"type": "integer", "minimum": 1, "maximum": 100},
			"sides": {"type": "integer", "minimum": 2, "maximum": 1000}
		},
		"required": ["rolls", "sides"]
	}`),
}

func (e *Executor) runRollDice(ctx context.Context, args json.RawMessage) (mcpd.ToolResult, error) {
	var p struct {
		Rolls int `json:"rolls"`
		Sides int `json:"sides"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return mcpd.ToolResult{}, err
	}

	total := 0
	rolls := make([]string, p.Rolls)
	for i := range rolls {
		n := rand.IntN(p.Sides) + 1
		total += n
		rolls[i] = fmt.Sprintf("%d", n)
	}
	return textResult("rolled %s (total %d)", strings.Join(rolls, ", "), total), nil
}

var fortunes = []string{
	"A watched pot never boils, but an unwatched goroutine leaks.",
	"The bug you seek is in the code you did not write.",
	"Today is a good day to delete dead code.",
	"Premature optimization is the root of all evil; so is premature abstraction.",
	"You will soon receive an unexpected nil.",
}

var fortuneTool = mcpd.Tool{
	Name:        "fortune",
	Description: "Returns a random fortune",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {}
	}`),
}

func (e *Executor) runFortune(ctx context.Context, args json.RawMessage) (mcpd.ToolResult, error) {
	return textResult("%s", fortunes[rand.IntN(len(fortunes))]), nil
}

var diffTool = mcpd.Tool{
	Name:        "diff",
	Description: "Computes a patch-style diff between two texts",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"old": {"type": "string"},
			"new": {"type": "string"}
		},
		"required": ["old", "new"]
	}`),
}

func (e *Executor) runDiff(ctx context.Context, args json.RawMessage) (mcpd.ToolResult, error) {
	var p struct {
		Old string `json:"old"`
		New string `json:"new"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return mcpd.ToolResult{}, err
	}

	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(p.Old, p.New)
	if len(patches) == 0 {
		return textResult("texts are identical"), nil
	}
	return textResult("%s", dmp.PatchToText(patches)), nil
}
