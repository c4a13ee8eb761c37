package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/iatoolkit/iatoolkit/internal/metering"
	"github.com/iatoolkit/iatoolkit/internal/tenant"
	"github.com/iatoolkit/iatoolkit/internal/tools"
	"github.com/iatoolkit/iatoolkit/pkg/llm"
	"github.com/iatoolkit/iatoolkit/pkg/logging"
)

const (
	defaultMaxToolRounds = 6
	defaultMaxAttempts   = 3
	maxParallelTools     = 3
	// Tool payloads are capped before re-injection so a single oversized
	// result cannot blow the model's context window.
	maxToolResultChars = 8000
)

// State names the orchestrator's position in the turn. Building, awaiting
// and dispatching are transient; answered and failed are terminal.
type State string

const (
	StateBuilding         State = "building"
	StateAwaitingModel    State = "awaiting_model"
	StateDispatchingTools State = "dispatching_tools"
	StateAnswered         State = "answered"
	StateFailed           State = "failed"
)

// TurnLimitError means the model kept requesting tools until the round cap
// and never produced any answer text.
type TurnLimitError struct {
	Rounds int
}

func (e *TurnLimitError) Error() string {
	return fmt.Sprintf("turn limit exceeded after %d tool rounds", e.Rounds)
}

// Generator runs one completion round. *llm.Router satisfies this.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Reply, error)
}

// ToolExecutor resolves and runs tool calls for a tenant.
type ToolExecutor interface {
	DefinitionsFor(tn *tenant.Tenant) []llm.Tool
	Execute(ctx context.Context, tn *tenant.Tenant, call llm.ToolCall) tools.Result
}

// Recorder receives the finished turn for the interaction log.
type Recorder interface {
	Record(rec metering.Interaction)
}

type TurnRequest struct {
	UserID      string
	Message     string
	Attachments []string
	History     []llm.Message
	PromptName  string
	PromptArgs  map[string]string
}

type ToolCallRecord struct {
	Name      string          `json:"name"`
	Status    string          `json:"status"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type TurnResult struct {
	Answer     string
	ResponseID string
	State      State
	// Partial marks an answer produced by forcing synthesis at the round
	// cap rather than by the model finishing on its own.
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	ToolCalls        []ToolCallRecord
}

type EngineConfig struct {
	Resolver   *tenant.Resolver
	Generator  Generator
	Dispatcher ToolExecutor
	Log        Recorder
	Logger     logging.Logger

	MaxRounds   int
	MaxAttempts int
	BackoffBase time.Duration
}

// Engine drives one conversational turn per RunTurn call. Turns for
// different tenants and users are independent; the engine itself holds no
// per-turn state.
type Engine struct {
	resolver   *tenant.Resolver
	generator  Generator
	dispatcher ToolExecutor
	log        Recorder
	logger     logging.Logger

	maxRounds   int
	maxAttempts int
	backoffBase time.Duration
}

func NewEngine(cfg EngineConfig) *Engine {
	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxToolRounds
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	return &Engine{
		resolver:    cfg.Resolver,
		generator:   cfg.Generator,
		dispatcher:  cfg.Dispatcher,
		log:         cfg.Log,
		logger:      cfg.Logger,
		maxRounds:   maxRounds,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
	}
}

// RunTurn resolves the tenant and drives the conversation state machine to
// a terminal state. The interaction log is written on every terminal
// transition, failed turns included.
func (e *Engine) RunTurn(ctx context.Context, tenantID string, req TurnRequest) (TurnResult, error) {
	tn, err := e.resolver.Resolve(tenantID)
	if err != nil {
		return TurnResult{State: StateFailed}, err
	}

	result, err := e.runLoop(ctx, tn, req)

	turnsTotal.WithLabelValues(tn.ID, string(result.State)).Inc()
	rec := metering.Interaction{
		TenantID:         tn.ID,
		UserID:           req.UserID,
		Model:            tn.Model,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		Input:            req.Message,
		Output:           result.Answer,
		TerminalState:    string(result.State),
	}
	if err != nil && result.Answer == "" {
		rec.Output = err.Error()
	}
	e.log.Record(rec)

	return result, err
}

func (e *Engine) runLoop(ctx context.Context, tn *tenant.Tenant, req TurnRequest) (TurnResult, error) {
	result := TurnResult{State: StateBuilding}

	messages, err := buildMessages(tn, req)
	if err != nil {
		result.State = StateFailed
		return result, err
	}

	toolDefs := e.dispatcher.DefinitionsFor(tn)
	maxRounds := e.maxRounds
	if tn.MaxToolRounds > 0 {
		maxRounds = tn.MaxToolRounds
	}

	for round := 0; round < maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			result.State = StateFailed
			return result, err
		}

		result.State = StateAwaitingModel
		genReq := llm.Request{Model: tn.Model, Messages: messages, Tools: toolDefs}
		finalRound := round == maxRounds-1
		if finalRound {
			// Last allowed round: withhold the tool catalog so the model
			// must synthesize from what it already gathered.
			genReq.Tools = nil
		}

		reply, err := e.generateWithRetry(ctx, genReq)
		if err != nil {
			result.State = StateFailed
			return result, err
		}
		result.PromptTokens += reply.Usage.PromptTokens
		result.CompletionTokens += reply.Usage.CompletionTokens
		if reply.ResponseID != "" {
			result.ResponseID = reply.ResponseID
		}

		if !reply.HasToolCalls() {
			if strings.TrimSpace(reply.Text) == "" && finalRound {
				break
			}
			result.State = StateAnswered
			result.Answer = reply.Text
			result.Partial = finalRound && round > 0
			toolRounds.Observe(float64(round))
			return result, nil
		}

		result.State = StateDispatchingTools
		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: reply.ToolCalls,
		})

		toolResults := e.dispatchAll(ctx, tn, reply.ToolCalls)
		for i, res := range toolResults {
			record := ToolCallRecord{Name: res.Name, Status: res.Status}
			if args := reply.ToolCalls[i].Arguments; args != "" {
				record.Arguments = json.RawMessage(args)
			}
			result.ToolCalls = append(result.ToolCalls, record)

			messages = append(messages, llm.ToolResultMessage(res.CallID, res.Name, truncateResult(res.Content)))
		}

		if round == maxRounds-2 {
			messages = append(messages, llm.UserMessage(
				"[System note: you have one remaining tool round. Synthesize your answer now from the context already gathered.]"))
		}
	}

	result.State = StateFailed
	err = &TurnLimitError{Rounds: maxRounds}
	toolRounds.Observe(float64(maxRounds))
	return result, err
}

// dispatchAll runs the round's tool calls concurrently, bounded, and
// returns results in the model's original request order. Execute never
// errors past its boundary, so the group error is always nil.
func (e *Engine) dispatchAll(ctx context.Context, tn *tenant.Tenant, calls []llm.ToolCall) []tools.Result {
	results := make([]tools.Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelTools)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = e.dispatcher.Execute(gctx, tn, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// generateWithRetry invokes the model, retrying transient provider errors
// with exponential backoff. Invalid requests and unroutable models fail
// immediately.
func (e *Engine) generateWithRetry(ctx context.Context, req llm.Request) (*llm.Reply, error) {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		start := time.Now()
		reply, err := e.generator.Generate(ctx, req)
		llmDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			llmCallsTotal.WithLabelValues("success").Inc()
			return reply, nil
		}
		llmCallsTotal.WithLabelValues("error").Inc()
		lastErr = err

		var perr *llm.ProviderError
		if !errors.As(err, &perr) || !perr.Retryable() || attempt == e.maxAttempts {
			return nil, err
		}

		backoff := e.backoffBase * time.Duration(1<<(attempt-1))
		if perr.RetryAfter > 0 {
			backoff = perr.RetryAfter
		}
		e.logger.WithFields(logging.Fields{
			"attempt": attempt,
			"kind":    string(perr.Kind),
			"backoff": backoff.String(),
		}).Warn("Model call failed, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

// truncateResult applies maxToolResultChars, cutting on a rune boundary so
// the capped payload is still valid UTF-8.
func truncateResult(s string) string {
	if len(s) <= maxToolResultChars {
		return s
	}
	cut := maxToolResultChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…[truncated]"
}
