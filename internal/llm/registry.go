package llm

import (
	"fmt"
	"strings"
	"sync"

	"aide/internal/config"
	"aide/internal/logging"
)

// Deps carries the collaborators a provider factory needs. They are injected
// rather than imported so the orchestration core never links against a
// concrete provider and tests can substitute doubles.
type Deps struct {
	Settings config.Config
	Logger   logging.Logger
	History  *HistoryStore
}

// Provider describes one registered model provider. NewModel returns a
// ConfigurationError when required credentials are missing; the caller
// surfaces that instead of attempting a doomed network call.
type Provider struct {
	ID                   string
	Label                string
	SensitiveSettingKeys []string
	NewModel             func(deps Deps) (Model, error)
}

type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

func Normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func (r *Registry) Register(p Provider) error {
	id := Normalize(p.ID)
	if id == "" {
		return fmt.Errorf("provider id is required")
	}
	if p.NewModel == nil {
		return fmt.Errorf("provider %s has no factory", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("provider %s already registered", id)
	}
	p.ID = id
	r.providers[id] = p
	r.order = append(r.order, id)
	return nil
}

func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[Normalize(id)]
	return p, ok
}

func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	return out
}

// NewDefaultRegistry registers the built-in providers.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(Provider{
		ID:                   "openai",
		Label:                "OpenAI",
		SensitiveSettingKeys: []string{"providers.openai.api_key"},
		NewModel: func(deps Deps) (Model, error) {
			return NewOpenAIModel(deps)
		},
	})
	_ = r.Register(Provider{
		ID:                   "openrouter",
		Label:                "OpenRouter",
		SensitiveSettingKeys: []string{"providers.openrouter.api_key"},
		NewModel: func(deps Deps) (Model, error) {
			return NewOpenRouterModel(deps)
		},
	})
	_ = r.Register(Provider{
		ID:                   "anthropic",
		Label:                "Anthropic",
		SensitiveSettingKeys: []string{"providers.anthropic.api_key"},
		NewModel: func(deps Deps) (Model, error) {
			return NewAnthropicModel(deps)
		},
	})
	return r
}
