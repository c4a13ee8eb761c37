package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iatoolkit/iatoolkit/internal/tenant"
	"github.com/iatoolkit/iatoolkit/pkg/llm"
	"github.com/iatoolkit/iatoolkit/pkg/logging"
)

const defaultToolTimeout = 30 * time.Second

// Dispatcher maps tool names to handlers. Builtins are registered once at
// startup; tenant-defined HTTP tools are resolved from the tenant snapshot
// per call. Execute never returns an error; every failure becomes an
// error-status Result so the conversation can continue.
type Dispatcher struct {
	logger   logging.Logger
	builtins map[string]Definition
	httpTool *HTTPTool
	timeout  time.Duration
}

func NewDispatcher(logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		builtins: make(map[string]Definition),
		httpTool: NewHTTPTool(),
		timeout:  defaultToolTimeout,
	}
}

// Register installs a builtin. Later registrations with the same name win,
// which lets deployments swap a builtin implementation.
func (d *Dispatcher) Register(def Definition) {
	d.builtins[def.Name] = def
}

// DefinitionsFor renders the tool catalog for one tenant in provider wire
// form: every builtin plus the tenant's own declared tools.
func (d *Dispatcher) DefinitionsFor(tn *tenant.Tenant) []llm.Tool {
	out := make([]llm.Tool, 0, len(d.builtins)+len(tn.Tools))
	for _, def := range d.builtins {
		out = append(out, llm.Tool{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	for _, spec := range tn.Tools {
		out = append(out, llm.Tool{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Parameters,
		})
	}
	return out
}

// Execute runs one tool call to completion. Lookup, argument validation,
// handler errors and panics all land in the Result; the call id is consumed
// exactly once and never retried here.
func (d *Dispatcher) Execute(ctx context.Context, tn *tenant.Tenant, call llm.ToolCall) Result {
	start := time.Now()
	result := d.execute(ctx, tn, call)
	toolExecutions.WithLabelValues(tn.ID, call.Name, result.Status).Inc()
	toolDuration.WithLabelValues(tn.ID, call.Name).Observe(time.Since(start).Seconds())
	if result.Status == StatusError {
		d.logger.WithFields(logging.Fields{
			"tenant": tn.ID,
			"tool":   call.Name,
			"error":  result.Content,
		}).Warn("Tool call failed")
	}
	return result
}

func (d *Dispatcher) execute(ctx context.Context, tn *tenant.Tenant, call llm.ToolCall) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = errorResult(call.ID, call.Name, fmt.Sprintf("Tool %s failed: internal error: %v", call.Name, r))
		}
	}()

	def, spec, found := d.lookup(tn, call.Name)
	if !found {
		return errorResult(call.ID, call.Name, fmt.Sprintf("Unknown tool %q", call.Name))
	}

	args := make(map[string]any)
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return errorResult(call.ID, call.Name, fmt.Sprintf("Invalid arguments for %s: not a JSON object", call.Name))
		}
	}

	schema := def.Parameters
	if spec != nil {
		schema = spec.Parameters
	}
	if err := validateArgs(schema, args); err != nil {
		return errorResult(call.ID, call.Name, fmt.Sprintf("Invalid arguments for %s: %v", call.Name, err))
	}

	execCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var content string
	var err error
	if spec != nil {
		content, err = d.httpTool.Execute(execCtx, tn, *spec, args)
	} else {
		content, err = def.Handler(execCtx, tn, args)
	}
	if err != nil {
		return errorResult(call.ID, call.Name, fmt.Sprintf("Tool %s failed: %v", call.Name, err))
	}
	return Result{CallID: call.ID, Name: call.Name, Status: StatusOK, Content: content}
}

// lookup resolves a builtin first, then the tenant's own tools.
func (d *Dispatcher) lookup(tn *tenant.Tenant, name string) (Definition, *tenant.ToolSpec, bool) {
	if def, ok := d.builtins[name]; ok {
		return def, nil, true
	}
	for i := range tn.Tools {
		if tn.Tools[i].Name == name {
			return Definition{}, &tn.Tools[i], true
		}
	}
	return Definition{}, nil, false
}
