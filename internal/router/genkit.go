package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GenkitConfig configures one provider backend.
type GenkitConfig struct {
	Provider string // anthropic, openai, openai_compatible, openrouter, google
	APIKey   string // falls back to the provider's env var
	BaseURL  string
	// CompatProvider names the plugin namespace for openai_compatible.
	CompatProvider string
}

// GenkitBackend calls one provider through a dedicated genkit instance.
type GenkitBackend struct {
	g        *genkit.Genkit
	provider string
}

// NewGenkitBackend initializes the provider plugin. A missing API key is an
// error; callers skip that provider.
func NewGenkitBackend(ctx context.Context, cfg GenkitConfig) (*GenkitBackend, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = EnvAPIKey(provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%s: API key missing", provider)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("ANTHROPIC_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: baseURL}))
	case "openai":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openai", APIKey: apiKey, BaseURL: baseURL}))
	case "openai_compatible":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai_compatible: base URL required")
		}
		name := cfg.CompatProvider
		if name == "" {
			name = "compat"
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: name, APIKey: apiKey, BaseURL: cfg.BaseURL}))
	case "openrouter":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  "https://openrouter.ai/api/v1",
		}))
	case "google":
		// The googleai plugin reads its key from the environment.
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
	return &GenkitBackend{g: g, provider: provider}, nil
}

func (b *GenkitBackend) Generate(ctx context.Context, modelID string, msgs []Message) (Completion, error) {
	var (
		system  []string
		history []*ai.Message
	)
	for _, m := range msgs {
		var role ai.Role
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
			continue
		case RoleUser:
			role = ai.RoleUser
		case RoleAssistant:
			role = ai.RoleModel
		default:
			continue
		}
		history = append(history, &ai.Message{Role: role, Content: []*ai.Part{ai.NewTextPart(m.Content)}})
	}

	opts := []ai.GenerateOption{ai.WithModelName(modelName(b.provider, modelID))}
	if len(system) > 0 {
		// ai.WithSystem formats its argument; escape % to keep text intact.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(strings.Join(system, "\n\n"), "%", "%%")))
	}
	if len(history) > 0 {
		opts = append(opts, ai.WithMessages(history...))
	}

	resp, err := genkit.Generate(ctx, b.g, opts...)
	if err != nil {
		return Completion{}, fmt.Errorf("genkit generate: %w", err)
	}
	c := Completion{Text: resp.Text()}
	if resp.Usage != nil {
		c.InputTokens, c.OutputTokens = resp.Usage.InputTokens, resp.Usage.OutputTokens
	}
	return c, nil
}

// BuildBackends initializes a backend per configured provider, logging and
// skipping the ones that cannot start.
func BuildBackends(ctx context.Context, cfgs []GenkitConfig, logger *slog.Logger) map[string]Backend {
	out := make(map[string]Backend, len(cfgs))
	for _, cfg := range cfgs {
		b, err := NewGenkitBackend(ctx, cfg)
		if err != nil {
			logger.Warn("model backend disabled", "provider", cfg.Provider, "error", err)
			continue
		}
		out[b.provider] = b
		logger.Info("model backend initialized", "provider", b.provider)
	}
	return out
}

// EnvAPIKey returns the conventional environment API key for provider.
func EnvAPIKey(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelName(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "google":
		return "googleai/" + model
	default:
		// openrouter and compatible endpoints take the catalog id verbatim.
		return model
	}
}
