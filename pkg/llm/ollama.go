package llm

// OllamaProvider runs completions against a local Ollama daemon through its
// OpenAI-compatible endpoint.
type OllamaProvider struct {
	*OpenAIProvider
}

func NewOllamaProvider(cfg Config) *OllamaProvider {
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:11434/v1"
	}
	cfg.Provider = "ollama"
	return &OllamaProvider{OpenAIProvider: NewOpenAIProvider(cfg)}
}
