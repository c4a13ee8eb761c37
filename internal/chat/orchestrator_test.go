package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/iatoolkit/iatoolkit/internal/metering"
	"github.com/iatoolkit/iatoolkit/internal/tenant"
	"github.com/iatoolkit/iatoolkit/internal/tools"
	"github.com/iatoolkit/iatoolkit/pkg/llm"
	"github.com/iatoolkit/iatoolkit/pkg/logging"
)

type scriptedGenerator struct {
	mu       sync.Mutex
	step     int
	script   []func(req llm.Request) (*llm.Reply, error)
	requests []llm.Request
}

func (g *scriptedGenerator) Generate(ctx context.Context, req llm.Request) (*llm.Reply, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.step >= len(g.script) {
		return nil, errors.New("generator script exhausted")
	}
	fn := g.script[g.step]
	g.step++
	return fn(req)
}

type fakeDispatcher struct {
	handlers map[string]func(call llm.ToolCall) tools.Result
	defs     []llm.Tool
}

func (d *fakeDispatcher) DefinitionsFor(tn *tenant.Tenant) []llm.Tool {
	return d.defs
}

func (d *fakeDispatcher) Execute(ctx context.Context, tn *tenant.Tenant, call llm.ToolCall) tools.Result {
	if fn, ok := d.handlers[call.Name]; ok {
		return fn(call)
	}
	return tools.Result{CallID: call.ID, Name: call.Name, Status: tools.StatusError, Content: "Unknown tool"}
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []metering.Interaction
}

func (r *memoryRecorder) Record(rec metering.Interaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *memoryRecorder) last(t *testing.T) metering.Interaction {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		t.Fatal("no interaction recorded")
	}
	return r.records[len(r.records)-1]
}

func textReply(text string) func(llm.Request) (*llm.Reply, error) {
	return func(llm.Request) (*llm.Reply, error) {
		return &llm.Reply{Text: text, ResponseID: "resp-1", Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
	}
}

func toolReply(calls ...llm.ToolCall) func(llm.Request) (*llm.Reply, error) {
	return func(llm.Request) (*llm.Reply, error) {
		return &llm.Reply{ToolCalls: calls}, nil
	}
}

func newTestEngine(t *testing.T, gen Generator, disp ToolExecutor, rec Recorder) *Engine {
	t.Helper()
	resolver, err := tenant.NewResolver(tenant.StaticSource{{
		ID:    "bookstore",
		Model: "gpt-4o",
		DataSources: []tenant.SQLSource{
			{Name: "books", ConnStringEnv: "BOOKS_DB_URL"},
		},
		Prompts: map[string]string{
			"query_main": "Answer about our catalog: {{question}} (tone: {{tone}})",
		},
	}}, logging.NewLogger())
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	return NewEngine(EngineConfig{
		Resolver:    resolver,
		Generator:   gen,
		Dispatcher:  disp,
		Log:         rec,
		Logger:      logging.NewLogger(),
		BackoffBase: time.Millisecond,
	})
}

func TestRunTurnAnswersInOneRound(t *testing.T) {
	gen := &scriptedGenerator{script: []func(llm.Request) (*llm.Reply, error){
		textReply("The store opens at nine."),
	}}
	rec := &memoryRecorder{}
	engine := newTestEngine(t, gen, &fakeDispatcher{}, rec)

	result, err := engine.RunTurn(context.Background(), "bookstore", TurnRequest{
		UserID:  "u1",
		Message: "When do you open?",
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.State != StateAnswered {
		t.Errorf("state = %s", result.State)
	}
	if result.Partial {
		t.Error("natural answer must not be flagged partial")
	}
	if len(gen.requests) != 1 {
		t.Errorf("model rounds = %d, want 1", len(gen.requests))
	}
	if rec.last(t).TerminalState != string(StateAnswered) {
		t.Errorf("recorded state = %s", rec.last(t).TerminalState)
	}
}

func TestRunTurnUnknownTenant(t *testing.T) {
	gen := &scriptedGenerator{}
	engine := newTestEngine(t, gen, &fakeDispatcher{}, &memoryRecorder{})

	_, err := engine.RunTurn(context.Background(), "florist", TurnRequest{Message: "hi"})
	var uerr *tenant.UnknownTenantError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnknownTenantError, got %v", err)
	}
	if len(gen.requests) != 0 {
		t.Error("no model call should happen for an unknown tenant")
	}
}

func TestRunTurnSQLScenario(t *testing.T) {
	gen := &scriptedGenerator{script: []func(llm.Request) (*llm.Reply, error){
		toolReply(llm.ToolCall{
			ID:        "call_1",
			Name:      "iat_sql_query",
			Arguments: `{"database":"books","query":"SELECT SUM(total) FROM sales WHERE genre = 'Science Fiction'"}`,
		}),
		textReply("Total Science Fiction sales were 1234.50."),
	}}
	disp := &fakeDispatcher{handlers: map[string]func(llm.ToolCall) tools.Result{
		"iat_sql_query": func(call llm.ToolCall) tools.Result {
			return tools.Result{CallID: call.ID, Name: call.Name, Status: tools.StatusOK, Content: `{"rows":[{"sum":1234.50}],"row_count":1}`}
		},
	}}
	rec := &memoryRecorder{}
	engine := newTestEngine(t, gen, disp, rec)

	result, err := engine.RunTurn(context.Background(), "bookstore", TurnRequest{
		UserID:  "u1",
		Message: "What were total sales for Science Fiction books?",
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.State != StateAnswered {
		t.Fatalf("state = %s", result.State)
	}
	if !strings.Contains(result.Answer, "1234.50") {
		t.Errorf("answer = %q", result.Answer)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Name != "iat_sql_query" {
		t.Errorf("tool records = %+v", result.ToolCalls)
	}

	// The second model round must see the tool result in the transcript.
	second := gen.requests[1]
	found := false
	for _, msg := range second.Messages {
		if msg.Role == llm.RoleTool && msg.ToolCallID == "call_1" && strings.Contains(msg.Content, "1234.5") {
			found = true
		}
	}
	if !found {
		t.Error("tool result missing from second round transcript")
	}
}

func TestRunTurnReassemblesToolResultsInRequestOrder(t *testing.T) {
	gen := &scriptedGenerator{script: []func(llm.Request) (*llm.Reply, error){
		toolReply(
			llm.ToolCall{ID: "call_a", Name: "slow", Arguments: "{}"},
			llm.ToolCall{ID: "call_b", Name: "fast", Arguments: "{}"},
			llm.ToolCall{ID: "call_c", Name: "fast", Arguments: "{}"},
		),
		textReply("done"),
	}}
	disp := &fakeDispatcher{handlers: map[string]func(llm.ToolCall) tools.Result{
		"slow": func(call llm.ToolCall) tools.Result {
			time.Sleep(50 * time.Millisecond)
			return tools.Result{CallID: call.ID, Name: call.Name, Status: tools.StatusOK, Content: "slow result"}
		},
		"fast": func(call llm.ToolCall) tools.Result {
			return tools.Result{CallID: call.ID, Name: call.Name, Status: tools.StatusOK, Content: "fast result"}
		},
	}}
	engine := newTestEngine(t, gen, disp, &memoryRecorder{})

	if _, err := engine.RunTurn(context.Background(), "bookstore", TurnRequest{Message: "go"}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	var order []string
	for _, msg := range gen.requests[1].Messages {
		if msg.Role == llm.RoleTool {
			order = append(order, msg.ToolCallID)
		}
	}
	want := []string{"call_a", "call_b", "call_c"}
	if len(order) != len(want) {
		t.Fatalf("tool messages = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRunTurnEnforcesRoundCap(t *testing.T) {
	alwaysTool := func(llm.Request) (*llm.Reply, error) {
		return &llm.Reply{ToolCalls: []llm.ToolCall{{ID: "c", Name: "loop", Arguments: "{}"}}}, nil
	}
	script := make([]func(llm.Request) (*llm.Reply, error), defaultMaxToolRounds+2)
	for i := range script {
		script[i] = alwaysTool
	}
	gen := &scriptedGenerator{script: script}
	disp := &fakeDispatcher{handlers: map[string]func(llm.ToolCall) tools.Result{
		"loop": func(call llm.ToolCall) tools.Result {
			return tools.Result{CallID: call.ID, Name: call.Name, Status: tools.StatusOK, Content: "again"}
		},
	}}
	rec := &memoryRecorder{}
	engine := newTestEngine(t, gen, disp, rec)

	result, err := engine.RunTurn(context.Background(), "bookstore", TurnRequest{Message: "loop forever"})
	var terr *TurnLimitError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TurnLimitError, got %v", err)
	}
	if result.State != StateFailed {
		t.Errorf("state = %s", result.State)
	}
	if len(gen.requests) != defaultMaxToolRounds {
		t.Errorf("model rounds = %d, want %d", len(gen.requests), defaultMaxToolRounds)
	}
	if rec.last(t).TerminalState != string(StateFailed) {
		t.Error("failed turn must still be recorded")
	}
}

func TestRunTurnForcedSynthesisIsPartial(t *testing.T) {
	tool := func(llm.Request) (*llm.Reply, error) {
		return &llm.Reply{ToolCalls: []llm.ToolCall{{ID: "c", Name: "loop", Arguments: "{}"}}}, nil
	}
	script := []func(llm.Request) (*llm.Reply, error){tool, tool, tool, tool, tool,
		func(req llm.Request) (*llm.Reply, error) {
			if len(req.Tools) != 0 {
				return &llm.Reply{ToolCalls: []llm.ToolCall{{ID: "c", Name: "loop"}}}, nil
			}
			return &llm.Reply{Text: "best effort summary"}, nil
		},
	}
	gen := &scriptedGenerator{script: script}
	disp := &fakeDispatcher{handlers: map[string]func(llm.ToolCall) tools.Result{
		"loop": func(call llm.ToolCall) tools.Result {
			return tools.Result{CallID: call.ID, Name: call.Name, Status: tools.StatusOK, Content: "x"}
		},
	}}
	engine := newTestEngine(t, gen, disp, &memoryRecorder{})

	result, err := engine.RunTurn(context.Background(), "bookstore", TurnRequest{Message: "dig deep"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.State != StateAnswered || !result.Partial {
		t.Errorf("state = %s, partial = %v", result.State, result.Partial)
	}
	if result.Answer != "best effort summary" {
		t.Errorf("answer = %q", result.Answer)
	}
	// The final round must not offer tools.
	last := gen.requests[len(gen.requests)-1]
	if len(last.Tools) != 0 {
		t.Error("final round should withhold the tool catalog")
	}
}

func TestRunTurnRetriesRateLimitedThenFails(t *testing.T) {
	rateLimited := func(llm.Request) (*llm.Reply, error) {
		return nil, &llm.ProviderError{Provider: "openai", Kind: llm.KindRateLimited, StatusCode: 429, Message: "slow down"}
	}
	gen := &scriptedGenerator{script: []func(llm.Request) (*llm.Reply, error){rateLimited, rateLimited, rateLimited}}
	rec := &memoryRecorder{}
	engine := newTestEngine(t, gen, &fakeDispatcher{}, rec)

	result, err := engine.RunTurn(context.Background(), "bookstore", TurnRequest{Message: "hi"})
	var perr *llm.ProviderError
	if !errors.As(err, &perr) || perr.Kind != llm.KindRateLimited {
		t.Fatalf("expected rate-limited ProviderError, got %v", err)
	}
	if result.State != StateFailed {
		t.Errorf("state = %s", result.State)
	}
	if len(gen.requests) != defaultMaxAttempts {
		t.Errorf("attempts = %d, want %d", len(gen.requests), defaultMaxAttempts)
	}
}

func TestRunTurnDoesNotRetryInvalidRequest(t *testing.T) {
	gen := &scriptedGenerator{script: []func(llm.Request) (*llm.Reply, error){
		func(llm.Request) (*llm.Reply, error) {
			return nil, &llm.ProviderError{Provider: "openai", Kind: llm.KindInvalidRequest, StatusCode: 400, Message: "bad"}
		},
	}}
	engine := newTestEngine(t, gen, &fakeDispatcher{}, &memoryRecorder{})

	_, err := engine.RunTurn(context.Background(), "bookstore", TurnRequest{Message: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(gen.requests) != 1 {
		t.Errorf("invalid request must not be retried, attempts = %d", len(gen.requests))
	}
}

func TestRunTurnTruncatesOversizedToolResults(t *testing.T) {
	gen := &scriptedGenerator{script: []func(llm.Request) (*llm.Reply, error){
		toolReply(llm.ToolCall{ID: "c1", Name: "big", Arguments: "{}"}),
		textReply("ok"),
	}}
	disp := &fakeDispatcher{handlers: map[string]func(llm.ToolCall) tools.Result{
		"big": func(call llm.ToolCall) tools.Result {
			return tools.Result{CallID: call.ID, Name: call.Name, Status: tools.StatusOK, Content: strings.Repeat("z", maxToolResultChars*2)}
		},
	}}
	engine := newTestEngine(t, gen, disp, &memoryRecorder{})

	if _, err := engine.RunTurn(context.Background(), "bookstore", TurnRequest{Message: "fetch"}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	for _, msg := range gen.requests[1].Messages {
		if msg.Role == llm.RoleTool {
			if len(msg.Content) > maxToolResultChars+len("…[truncated]") {
				t.Errorf("tool result not truncated: %d chars", len(msg.Content))
			}
			if !strings.HasSuffix(msg.Content, "…[truncated]") {
				t.Error("truncation marker missing")
			}
		}
	}
}

func TestTruncateResultKeepsValidUTF8(t *testing.T) {
	// Three-byte runes guarantee the byte cap lands mid-rune.
	long := strings.Repeat("€", maxToolResultChars)
	got := truncateResult(long)
	if !utf8.ValidString(got) {
		t.Fatal("truncated result is not valid UTF-8")
	}
	if !strings.HasSuffix(got, "…[truncated]") {
		t.Error("truncation marker missing")
	}
	if len(got) > maxToolResultChars+len("…[truncated]") {
		t.Errorf("result too long: %d bytes", len(got))
	}
}

func TestRunTurnResolvesPromptTemplate(t *testing.T) {
	gen := &scriptedGenerator{script: []func(llm.Request) (*llm.Reply, error){
		textReply("sure"),
	}}
	engine := newTestEngine(t, gen, &fakeDispatcher{}, &memoryRecorder{})

	_, err := engine.RunTurn(context.Background(), "bookstore", TurnRequest{
		Message:    "Do you have Dune?",
		PromptName: "query_main",
		PromptArgs: map[string]string{"tone": "formal"},
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	userMsg := gen.requests[0].Messages[len(gen.requests[0].Messages)-1]
	if !strings.Contains(userMsg.Content, "Do you have Dune?") || !strings.Contains(userMsg.Content, "formal") {
		t.Errorf("template not rendered: %q", userMsg.Content)
	}
}

func TestRunTurnUnknownPromptFails(t *testing.T) {
	gen := &scriptedGenerator{}
	engine := newTestEngine(t, gen, &fakeDispatcher{}, &memoryRecorder{})

	_, err := engine.RunTurn(context.Background(), "bookstore", TurnRequest{
		Message:    "hi",
		PromptName: "missing_prompt",
	})
	if err == nil {
		t.Fatal("unknown prompt accepted")
	}
	if len(gen.requests) != 0 {
		t.Error("no model call should happen for an unknown prompt")
	}
}
