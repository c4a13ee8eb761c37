package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iatoolkit/iatoolkit/internal/tenant"
	"github.com/iatoolkit/iatoolkit/pkg/search"
)

const (
	defaultWebResults = 5
	maxWebResults     = 20
	maxSnippetRunes   = 320
)

// WebSearchTool exposes an external web search provider to the model for
// questions about current public information.
type WebSearchTool struct {
	provider search.Provider
}

func NewWebSearchTool(provider search.Provider) *WebSearchTool {
	return &WebSearchTool{provider: provider}
}

func (t *WebSearchTool) Definition() Definition {
	return Definition{
		Name: "iat_web_search",
		Description: "Web search for current public information outside the tenant's " +
			"own documents and data. Returns titles, URLs and snippets.",
		Parameters: objectSchema(map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Natural-language search query.",
			},
			"n_results": map[string]any{
				"type":        "integer",
				"description": "Maximum number of results to return (default 5).",
			},
		}, []string{"query"}),
		Handler: t.Execute,
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, tn *tenant.Tenant, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("query must be a non-empty string")
	}

	limit := defaultWebResults
	if raw, ok := args["n_results"].(float64); ok && int(raw) > 0 {
		limit = int(raw)
	}
	if limit > maxWebResults {
		limit = maxWebResults
	}

	results, err := t.provider.Search(ctx, query, search.Options{MaxResults: limit})
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No web search results were found for this query.", nil
	}

	type hit struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Snippet string  `json:"snippet,omitempty"`
		Score   float64 `json:"score,omitempty"`
	}
	hits := make([]hit, 0, len(results))
	for _, r := range results {
		title := strings.TrimSpace(r.Title)
		if title == "" {
			title = r.URL
		}
		hits = append(hits, hit{
			Title:   title,
			URL:     r.URL,
			Snippet: snippet(r.Content),
			Score:   r.Score,
		})
	}
	encoded, err := json.Marshal(hits)
	if err != nil {
		return "", fmt.Errorf("encode web results: %v", err)
	}
	return string(encoded), nil
}

// snippet collapses whitespace and caps the content at maxSnippetRunes.
func snippet(content string) string {
	fields := strings.Fields(content)
	joined := strings.Join(fields, " ")
	runes := []rune(joined)
	if len(runes) <= maxSnippetRunes {
		return joined
	}
	return strings.TrimSpace(string(runes[:maxSnippetRunes])) + "…"
}
