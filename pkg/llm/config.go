package llm

import (
	"strings"

	"github.com/iatoolkit/iatoolkit/pkg/config"
)

type Config struct {
	Provider  string
	Model     string
	APIKey    string
	APIURL    string
	MaxTokens int
}

// RouterConfig carries per-family credentials. Only families with an API
// key (or, for ollama, a reachable daemon) are usable at runtime.
type RouterConfig struct {
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string
	XAIAPIKey       string
	DeepSeekAPIKey  string
	OllamaAPIURL    string
	MaxTokens       int
}

func LoadRouterConfig() RouterConfig {
	return RouterConfig{
		OpenAIAPIKey:    config.GetEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: config.GetEnv("ANTHROPIC_API_KEY", ""),
		GeminiAPIKey:    config.GetEnv("GEMINI_API_KEY", ""),
		XAIAPIKey:       config.GetEnv("XAI_API_KEY", ""),
		DeepSeekAPIKey:  config.GetEnv("DEEPSEEK_API_KEY", ""),
		OllamaAPIURL:    config.GetEnv("OLLAMA_API_URL", ""),
		MaxTokens:       config.GetEnvInt("LLM_MAX_TOKENS", 0),
	}
}

// LoadEmbeddingConfig loads embedding-specific configuration from
// EMBEDDING_* env vars.
func LoadEmbeddingConfig() Config {
	return Config{
		Provider: config.GetEnv("EMBEDDING_PROVIDER", "openai"),
		Model:    config.GetEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		APIKey:   config.GetEnv("EMBEDDING_API_KEY", config.GetEnv("OPENAI_API_KEY", "")),
		APIURL:   config.GetEnv("EMBEDDING_API_URL", ""),
	}
}

func (c RouterConfig) configFor(family string) Config {
	switch strings.ToLower(family) {
	case "anthropic":
		return Config{Provider: "anthropic", APIKey: c.AnthropicAPIKey, MaxTokens: c.MaxTokens}
	case "gemini":
		return Config{
			Provider:  "gemini",
			APIKey:    c.GeminiAPIKey,
			APIURL:    "https://generativelanguage.googleapis.com/v1beta/openai",
			MaxTokens: c.MaxTokens,
		}
	case "xai":
		return Config{Provider: "xai", APIKey: c.XAIAPIKey, APIURL: "https://api.x.ai/v1", MaxTokens: c.MaxTokens}
	case "deepseek":
		return Config{Provider: "deepseek", APIKey: c.DeepSeekAPIKey, APIURL: "https://api.deepseek.com", MaxTokens: c.MaxTokens}
	case "ollama":
		return Config{Provider: "ollama", APIURL: c.OllamaAPIURL, MaxTokens: c.MaxTokens}
	default:
		return Config{Provider: "openai", APIKey: c.OpenAIAPIKey, MaxTokens: c.MaxTokens}
	}
}
