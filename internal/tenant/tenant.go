package tenant

import (
	"fmt"
	"strings"

	"github.com/iatoolkit/iatoolkit/pkg/llm"
)

// Tenant is an immutable configuration snapshot for one company. It is
// resolved once per request and shared read-only between concurrent turns;
// nothing in the request path mutates it.
type Tenant struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`

	Model          string `json:"model"`
	EmbeddingModel string `json:"embedding_model,omitempty"`

	SystemPrompt string            `json:"system_prompt,omitempty"`
	Prompts      map[string]string `json:"prompts,omitempty"`

	Tools       []ToolSpec  `json:"tools,omitempty"`
	DataSources []SQLSource `json:"data_sources,omitempty"`

	// AllowedHosts whitelists hosts for tenant-defined HTTP tools.
	AllowedHosts []string `json:"allowed_hosts,omitempty"`

	MaxToolRounds int `json:"max_tool_rounds,omitempty"`
}

// ToolSpec declares one tenant-defined tool. Builtin tools (SQL query,
// document search, email) are registered by the dispatcher and do not
// appear here unless the tenant overrides their description.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`

	// Endpoint, when set, makes this an HTTP tool: arguments are POSTed
	// as JSON to the URL and the response body becomes the tool result.
	Endpoint string            `json:"endpoint,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// SQLSource describes one logical database the tenant exposes to the model.
// ConnStringEnv names the environment variable holding the DSN so tenant
// files never carry credentials.
type SQLSource struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Schema         string   `json:"schema,omitempty"`
	ConnStringEnv  string   `json:"conn_string_env"`
	ExcludedTables []string `json:"excluded_tables,omitempty"`
}

// Source returns the data source matching the logical name, or false.
func (t *Tenant) Source(name string) (SQLSource, bool) {
	for _, src := range t.DataSources {
		if strings.EqualFold(src.Name, name) {
			return src, true
		}
	}
	return SQLSource{}, false
}

// Prompt returns the named prompt template, or false when the tenant does
// not define it.
func (t *Tenant) Prompt(name string) (string, bool) {
	tpl, ok := t.Prompts[name]
	return tpl, ok
}

// Validate checks the snapshot is complete enough to serve requests.
// Resolution fails fast at load time rather than mid-turn.
func (t *Tenant) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("tenant id is required")
	}
	if t.Model == "" {
		return fmt.Errorf("tenant %s: model is required", t.ID)
	}
	if _, ok := llm.FamilyFor(t.Model); !ok {
		return fmt.Errorf("tenant %s: model %q has no provider family", t.ID, t.Model)
	}
	seen := make(map[string]bool, len(t.Tools))
	for _, tool := range t.Tools {
		if strings.TrimSpace(tool.Name) == "" {
			return fmt.Errorf("tenant %s: tool with empty name", t.ID)
		}
		if seen[tool.Name] {
			return fmt.Errorf("tenant %s: duplicate tool %q", t.ID, tool.Name)
		}
		seen[tool.Name] = true
		if tool.Endpoint != "" && !strings.HasPrefix(tool.Endpoint, "https://") {
			return fmt.Errorf("tenant %s: tool %q endpoint must be https", t.ID, tool.Name)
		}
	}
	srcSeen := make(map[string]bool, len(t.DataSources))
	for _, src := range t.DataSources {
		if strings.TrimSpace(src.Name) == "" {
			return fmt.Errorf("tenant %s: data source with empty name", t.ID)
		}
		lower := strings.ToLower(src.Name)
		if srcSeen[lower] {
			return fmt.Errorf("tenant %s: duplicate data source %q", t.ID, src.Name)
		}
		srcSeen[lower] = true
		if src.ConnStringEnv == "" {
			return fmt.Errorf("tenant %s: data source %q has no conn_string_env", t.ID, src.Name)
		}
	}
	return nil
}
