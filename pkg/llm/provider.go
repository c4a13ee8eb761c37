package llm

import "context"

// Provider is a chat-completion backend. Generate performs a single
// non-streaming completion round and returns either assistant text or a
// batch of tool calls, never both.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Reply, error)
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type Request struct {
	Model       string
	Messages    []Message
	Tools       []Tool
	MaxTokens   int
	Temperature float64
}

type Message struct {
	Role       string
	Content    string
	Name       string
	ToolCallID string
	ToolCalls  []ToolCall
}

type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Reply is the outcome of one completion round. When the model requested
// tools, ToolCalls is non-empty and Text is empty; providers that return
// both keep the tool calls and drop the text.
type Reply struct {
	Text       string
	ToolCalls  []ToolCall
	Usage      Usage
	ResponseID string
	Model      string
}

func (r *Reply) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// SystemMessage and UserMessage are conveniences for building transcripts.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// ToolResultMessage carries a tool's output back into the transcript,
// keyed to the call that produced it.
func ToolResultMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, Content: content, Name: name, ToolCallID: callID}
}
