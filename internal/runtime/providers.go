package runtime

import (
	"fmt"
	"strings"
	"sync"

	"github.com/user/turnstile/pkg/llm"
	"github.com/user/turnstile/pkg/llm/anthropic"
	"github.com/user/turnstile/pkg/llm/openai"
)

// ProviderResolver returns the provider serving a model. It returns an
// error wrapping llm.ErrMissingAPIKey when no credential is configured.
type ProviderResolver interface {
	Resolve(modelID string) (llm.Provider, error)
}

// ProviderFunc adapts a function to ProviderResolver.
type ProviderFunc func(modelID string) (llm.Provider, error)

func (f ProviderFunc) Resolve(modelID string) (llm.Provider, error) { return f(modelID) }

// Providers routes claude-* models to Anthropic and everything else to the
// OpenAI-compatible endpoint. Clients are built on first use and cached.
type Providers struct {
	OpenAI    llm.Config
	Anthropic llm.Config

	mu        sync.Mutex
	openai    llm.Provider
	anthropic llm.Provider
}

func (p *Providers) Resolve(modelID string) (llm.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if strings.HasPrefix(modelID, "claude") {
		if p.anthropic == nil {
			cfg := p.Anthropic
			client, err := anthropic.New(&cfg)
			if err != nil {
				return nil, fmt.Errorf("resolve provider for %s: %w", modelID, err)
			}
			p.anthropic = client
		}
		return p.anthropic, nil
	}

	if p.openai == nil {
		cfg := p.OpenAI
		client, err := openai.New(&cfg)
		if err != nil {
			return nil, fmt.Errorf("resolve provider for %s: %w", modelID, err)
		}
		p.openai = client
	}
	return p.openai, nil
}
