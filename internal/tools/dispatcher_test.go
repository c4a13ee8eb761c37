package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iatoolkit/iatoolkit/internal/tenant"
	"github.com/iatoolkit/iatoolkit/pkg/llm"
	"github.com/iatoolkit/iatoolkit/pkg/logging"
)

func testTenant() *tenant.Tenant {
	return &tenant.Tenant{ID: "bookstore", Model: "gpt-4o"}
}

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(logging.NewLogger())
}

func echoDefinition() Definition {
	return Definition{
		Name: "echo",
		Parameters: objectSchema(map[string]any{
			"text": map[string]any{"type": "string"},
		}, []string{"text"}),
		Handler: func(ctx context.Context, tn *tenant.Tenant, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	d := newTestDispatcher()
	result := d.Execute(context.Background(), testTenant(), llm.ToolCall{ID: "c1", Name: "nope", Arguments: "{}"})
	if result.Status != StatusError {
		t.Fatalf("status = %q", result.Status)
	}
	if result.CallID != "c1" {
		t.Errorf("call id = %q", result.CallID)
	}
}

func TestExecuteInvalidArguments(t *testing.T) {
	d := newTestDispatcher()
	d.Register(echoDefinition())

	cases := []struct {
		name string
		args string
	}{
		{"not json", "not json at all"},
		{"missing required", `{"other": 1}`},
		{"wrong type", `{"text": 42}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := d.Execute(context.Background(), testTenant(), llm.ToolCall{ID: "c1", Name: "echo", Arguments: tc.args})
			if result.Status != StatusError {
				t.Fatalf("status = %q, content = %q", result.Status, result.Content)
			}
		})
	}
}

func TestExecuteSuccess(t *testing.T) {
	d := newTestDispatcher()
	d.Register(echoDefinition())
	result := d.Execute(context.Background(), testTenant(), llm.ToolCall{ID: "c1", Name: "echo", Arguments: `{"text": "hello"}`})
	if result.Status != StatusOK {
		t.Fatalf("status = %q, content = %q", result.Status, result.Content)
	}
	if result.Content != "hello" {
		t.Errorf("content = %q", result.Content)
	}
}

func TestExecuteContainsHandlerError(t *testing.T) {
	d := newTestDispatcher()
	d.Register(Definition{
		Name: "failing",
		Handler: func(ctx context.Context, tn *tenant.Tenant, args map[string]any) (string, error) {
			return "", errors.New("backend exploded")
		},
	})
	result := d.Execute(context.Background(), testTenant(), llm.ToolCall{ID: "c1", Name: "failing", Arguments: "{}"})
	if result.Status != StatusError {
		t.Fatalf("status = %q", result.Status)
	}
	if result.Content == "" {
		t.Error("error result needs a human-readable message")
	}
}

func TestExecuteContainsPanic(t *testing.T) {
	d := newTestDispatcher()
	d.Register(Definition{
		Name: "panicking",
		Handler: func(ctx context.Context, tn *tenant.Tenant, args map[string]any) (string, error) {
			panic("boom")
		},
	})
	result := d.Execute(context.Background(), testTenant(), llm.ToolCall{ID: "c1", Name: "panicking", Arguments: "{}"})
	if result.Status != StatusError {
		t.Fatalf("panic must become an error result, got %q", result.Status)
	}
}

func TestExecuteTimeout(t *testing.T) {
	d := newTestDispatcher()
	d.timeout = 20 * time.Millisecond
	d.Register(Definition{
		Name: "slow",
		Handler: func(ctx context.Context, tn *tenant.Tenant, args map[string]any) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "too late", nil
			}
		},
	})
	result := d.Execute(context.Background(), testTenant(), llm.ToolCall{ID: "c1", Name: "slow", Arguments: "{}"})
	if result.Status != StatusError {
		t.Fatalf("status = %q", result.Status)
	}
}

func TestDefinitionsForIncludesTenantTools(t *testing.T) {
	d := newTestDispatcher()
	d.Register(echoDefinition())
	tn := testTenant()
	tn.Tools = []tenant.ToolSpec{{
		Name:        "crm_lookup",
		Description: "Look up a customer in the CRM.",
		Endpoint:    "https://crm.example.com/lookup",
	}}

	defs := d.DefinitionsFor(tn)
	names := make(map[string]bool, len(defs))
	for _, def := range defs {
		names[def.Name] = true
	}
	if !names["echo"] || !names["crm_lookup"] {
		t.Errorf("catalog missing entries: %v", names)
	}
}

func TestValidateArgs(t *testing.T) {
	schema := objectSchema(map[string]any{
		"database": map[string]any{"type": "string"},
		"limit":    map[string]any{"type": "integer"},
		"strict":   map[string]any{"type": "boolean"},
	}, []string{"database"})

	if err := validateArgs(schema, map[string]any{"database": "books", "limit": float64(3)}); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := validateArgs(schema, map[string]any{"limit": float64(3)}); err == nil {
		t.Error("missing required argument accepted")
	}
	if err := validateArgs(schema, map[string]any{"database": "books", "limit": 2.5}); err == nil {
		t.Error("fractional value accepted as integer")
	}
	if err := validateArgs(schema, map[string]any{"database": "books", "strict": "yes"}); err == nil {
		t.Error("string accepted as boolean")
	}
}
