package tools

import (
	"context"

	"github.com/iatoolkit/iatoolkit/internal/tenant"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Result is the only channel by which tool output reenters the model's
// context. Every execution produces one, success or error; the dispatcher
// never raises past its boundary.
type Result struct {
	CallID  string
	Name    string
	Status  string
	Content string
}

func errorResult(callID, name, msg string) Result {
	return Result{CallID: callID, Name: name, Status: StatusError, Content: msg}
}

// Handler executes one builtin tool invocation. Args arrive already
// validated against the tool's parameter schema.
type Handler func(ctx context.Context, tn *tenant.Tenant, args map[string]any) (string, error)

// Definition is a registered builtin: schema plus handler.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

func objectSchema(properties map[string]any, required []string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}
