package llm

import (
	"context"
	"strings"
	"sync"
)

// familyPrefixes maps model-name prefixes to provider families. Routing is
// purely lexical so an unknown model is rejected before any network call.
var familyPrefixes = []struct {
	prefix string
	family string
}{
	{"gpt-", "openai"},
	{"chatgpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"o4", "openai"},
	{"text-davinci", "openai"},
	{"claude-", "anthropic"},
	{"gemini-", "gemini"},
	{"grok-", "xai"},
	{"deepseek-", "deepseek"},
	{"ollama/", "ollama"},
}

// FamilyFor returns the provider family that serves the model name, or
// false when no family claims it.
func FamilyFor(model string) (string, bool) {
	name := strings.ToLower(strings.TrimSpace(model))
	for _, entry := range familyPrefixes {
		if strings.HasPrefix(name, entry.prefix) {
			return entry.family, true
		}
	}
	return "", false
}

// Router dispatches completion requests to the provider family implied by
// the model name. Adapters are built lazily and cached per family.
type Router struct {
	cfg RouterConfig

	mu        sync.Mutex
	providers map[string]Provider
}

func NewRouter(cfg RouterConfig) *Router {
	return &Router{
		cfg:       cfg,
		providers: make(map[string]Provider),
	}
}

// Route resolves the model name to a provider adapter. Returns
// *UnsupportedModelError when no family claims the name.
func (r *Router) Route(model string) (Provider, error) {
	family, ok := FamilyFor(model)
	if !ok {
		return nil, &UnsupportedModelError{Model: model}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[family]; ok {
		return p, nil
	}

	cfg := r.cfg.configFor(family)
	var p Provider
	switch family {
	case "anthropic":
		p = NewAnthropicProvider(cfg)
	case "ollama":
		p = NewOllamaProvider(cfg)
	default:
		p = NewOpenAIProvider(cfg)
	}
	r.providers[family] = p
	return p, nil
}

// Generate routes by req.Model and performs one completion round. Ollama
// model names carry an "ollama/" routing prefix that is stripped before
// the upstream call.
func (r *Router) Generate(ctx context.Context, req Request) (*Reply, error) {
	p, err := r.Route(req.Model)
	if err != nil {
		return nil, err
	}
	if rest, ok := strings.CutPrefix(req.Model, "ollama/"); ok {
		req.Model = rest
	}
	return p.Generate(ctx, req)
}
