package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIGenerateText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o" {
			t.Errorf("unexpected model %q", req.Model)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o",
			"choices": [{"message": {"role": "assistant", "content": "hello there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider(Config{APIKey: "test-key", APIURL: server.URL})
	reply, err := p.Generate(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []Message{UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply.Text != "hello there" {
		t.Errorf("unexpected text %q", reply.Text)
	}
	if reply.HasToolCalls() {
		t.Error("expected no tool calls")
	}
	if reply.Usage.TotalTokens != 15 {
		t.Errorf("unexpected usage %+v", reply.Usage)
	}
	if reply.ResponseID != "chatcmpl-1" {
		t.Errorf("unexpected response id %q", reply.ResponseID)
	}
}

func TestOpenAIGenerateToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-2",
			"choices": [{"message": {
				"role": "assistant",
				"content": "ignored when tools requested",
				"tool_calls": [
					{"id": "call_a", "type": "function", "function": {"name": "iat_sql_query", "arguments": "{\"database\":\"books\",\"query\":\"SELECT 1\"}"}},
					{"id": "call_b", "type": "function", "function": {"name": "iat_document_search", "arguments": "{\"query\":\"refunds\"}"}}
				]
			}, "finish_reason": "tool_calls"}]
		}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider(Config{APIURL: server.URL})
	reply, err := p.Generate(context.Background(), Request{Model: "gpt-4o", Messages: []Message{UserMessage("q")}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(reply.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(reply.ToolCalls))
	}
	if reply.Text != "" {
		t.Errorf("text should be empty when tool calls present, got %q", reply.Text)
	}
	if reply.ToolCalls[0].ID != "call_a" || reply.ToolCalls[0].Name != "iat_sql_query" {
		t.Errorf("unexpected first call %+v", reply.ToolCalls[0])
	}
	if reply.ToolCalls[1].ID != "call_b" {
		t.Errorf("unexpected second call %+v", reply.ToolCalls[1])
	}
}

func TestOpenAIGenerateErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		header    map[string]string
		wantKind  ErrorKind
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, map[string]string{"Retry-After": "2"}, KindRateLimited, true},
		{"bad request", http.StatusBadRequest, nil, KindInvalidRequest, false},
		{"server error", http.StatusServiceUnavailable, nil, KindUnavailable, true},
		{"gateway timeout", http.StatusGatewayTimeout, nil, KindTimeout, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				w.Write([]byte(`{"error": {"message": "nope"}}`))
			}))
			defer server.Close()

			p := NewOpenAIProvider(Config{APIURL: server.URL})
			_, err := p.Generate(context.Background(), Request{Model: "gpt-4o"})
			var perr *ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ProviderError, got %v", err)
			}
			if perr.Kind != tc.wantKind {
				t.Errorf("kind = %s, want %s", perr.Kind, tc.wantKind)
			}
			if perr.Retryable() != tc.retryable {
				t.Errorf("retryable = %v, want %v", perr.Retryable(), tc.retryable)
			}
			if perr.Provider != "openai" {
				t.Errorf("provider = %q", perr.Provider)
			}
		})
	}
}

func TestAnthropicGenerateToolUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-API-Key"); got != "ant-key" {
			t.Errorf("unexpected api key header %q", got)
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.System != "be helpful" {
			t.Errorf("system prompt not extracted: %q", req.System)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_1",
			"model": "claude-sonnet-4",
			"content": [
				{"type": "text", "text": "let me look"},
				{"type": "tool_use", "id": "toolu_1", "name": "iat_document_search", "input": {"query": "shipping"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 20, "output_tokens": 9}
		}`))
	}))
	defer server.Close()

	p := NewAnthropicProvider(Config{APIKey: "ant-key", APIURL: server.URL})
	reply, err := p.Generate(context.Background(), Request{
		Model: "claude-sonnet-4",
		Messages: []Message{
			SystemMessage("be helpful"),
			UserMessage("where is my order"),
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(reply.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(reply.ToolCalls))
	}
	call := reply.ToolCalls[0]
	if call.ID != "toolu_1" || call.Name != "iat_document_search" {
		t.Errorf("unexpected call %+v", call)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if args["query"] != "shipping" {
		t.Errorf("unexpected arguments %v", args)
	}
	if reply.Usage.TotalTokens != 29 {
		t.Errorf("unexpected usage %+v", reply.Usage)
	}
}

func TestAnthropicMessagesFromToolRound(t *testing.T) {
	messages := []Message{
		SystemMessage("sys"),
		UserMessage("question"),
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "toolu_1", Name: "iat_sql_query", Arguments: `{"query":"SELECT 1"}`}}},
		ToolResultMessage("toolu_1", "iat_sql_query", "[{\"count\": 3}]"),
	}
	wire, system := anthropicMessagesFrom(messages)
	if system != "sys" {
		t.Errorf("system = %q", system)
	}
	if len(wire) != 3 {
		t.Fatalf("expected 3 wire messages, got %d", len(wire))
	}
	if wire[1].Role != "assistant" || wire[1].Content[0].Type != "tool_use" {
		t.Errorf("assistant tool call not converted: %+v", wire[1])
	}
	if wire[2].Role != "user" || wire[2].Content[0].Type != "tool_result" {
		t.Errorf("tool result must ride in a user message: %+v", wire[2])
	}
	if wire[2].Content[0].ToolUseID != "toolu_1" {
		t.Errorf("tool_use_id = %q", wire[2].Content[0].ToolUseID)
	}
}
