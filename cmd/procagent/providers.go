package main

import (
	"errors"
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/procagent/internal/config"
	"github.com/MrWong99/procagent/internal/resilience"
	"github.com/MrWong99/procagent/pkg/provider/llm"
	"github.com/MrWong99/procagent/pkg/provider/llm/anyllm"
	"github.com/MrWong99/procagent/pkg/provider/llm/openai"
)

// defaultAzureAPIVersion is used when an azure entry sets no api_version.
const defaultAzureAPIVersion = "2024-10-21"

// registerBuiltinProviders wires the LLM factories into reg. "openai" and
// "azure" use the native OpenAI client; every other any-llm backend goes
// through anyllm.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.Option("organization", ""); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("azure", func(entry config.ProviderEntry) (llm.Provider, error) {
		if entry.BaseURL == "" {
			return nil, errors.New("azure: base_url (the resource endpoint) is required")
		}
		return openai.New(entry.APIKey, entry.Model,
			openai.WithAzure(entry.BaseURL, entry.Option("api_version", defaultAzureAPIVersion)))
	})

	for _, name := range anyllm.Backends {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	for _, name := range reg.LLMNames() {
		slog.Debug("registered provider", "kind", "llm", "name", name)
	}
}

// buildProvider creates the configured LLM provider. It returns nil when no
// provider is configured. Fallbacks wrap the primary in a failover chain.
func buildProvider(cfg config.LLMConfig, reg *config.Registry) (llm.Provider, error) {
	if cfg.Name == "" {
		slog.Debug("no llm provider configured")
		return nil, nil
	}
	primary, err := reg.CreateLLM(cfg.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Name, "model", cfg.Model)
	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}

	chain := resilience.NewLLMFallback(primary, cfg.Name, resilience.FallbackConfig{})
	for i, fb := range cfg.Fallbacks {
		p, err := reg.CreateLLM(fb)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %d %q: %w", i, fb.Name, err)
		}
		chain.AddFallback(fmt.Sprintf("%s/%s", fb.Name, fb.Model), p)
		slog.Info("provider created", "kind", "llm_fallback", "name", fb.Name, "model", fb.Model)
	}
	return chain, nil
}
