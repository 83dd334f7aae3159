// Package registry implements ProviderRegistry (spec.md §4.1): resolving a
// client-facing model string into a concrete provider endpoint.
package registry

import (
	"fmt"

	"github.com/routergate/gateway/internal/config"
	"github.com/routergate/gateway/internal/models"
)

// ErrUnknownProvider is returned when a model string names (explicitly or
// via the model→provider map) a provider that has no configured endpoint.
type ErrUnknownProvider struct {
	Provider string
	Model    string
}

func (e *ErrUnknownProvider) Error() string {
	return fmt.Sprintf("unknown provider %q for model %q", e.Provider, e.Model)
}

// Registry resolves model references against the current configuration
// snapshot. It holds no mutable state of its own; every call re-reads the
// store so a config hot-reload takes effect on the next request.
type Registry struct {
	store *config.Store
}

// New builds a Registry over a config.Store.
func New(store *config.Store) *Registry {
	return &Registry{store: store}
}

// Resolve maps a model string to a ModelRef plus its ProviderEndpoint.
//
// Resolution order (spec.md §4.1):
//  1. "provider/model" explicit form — the prefix names a provider directly,
//     either "upstream" or an entry under providers.custom.
//  2. bare model name — looked up in config.model_provider_map, resolved
//     against the same upstream/custom set.
//  3. bare model name with no map entry — falls back unconditionally to the
//     distinguished default providers.upstream, so single-provider
//     deployments never need to populate the map and multi-provider
//     deployments never lose that fallback just because more providers are
//     also configured.
func (r *Registry) Resolve(modelRef string) (models.ModelRef, models.ProviderEndpoint, error) {
	cfg := r.store.Get()

	providerID, modelName, explicit := models.ParseModelRef(modelRef)
	if explicit {
		pc, ok := lookupProvider(cfg.Providers, providerID)
		if !ok {
			return models.ModelRef{}, models.ProviderEndpoint{}, &ErrUnknownProvider{Provider: providerID, Model: modelName}
		}
		return toRef(providerID, modelName), toEndpoint(pc), nil
	}

	modelName = modelRef
	if mapped, ok := cfg.ModelProviderMap[modelName]; ok {
		pc, ok := lookupProvider(cfg.Providers, mapped)
		if !ok {
			return models.ModelRef{}, models.ProviderEndpoint{}, &ErrUnknownProvider{Provider: mapped, Model: modelName}
		}
		return toRef(mapped, modelName), toEndpoint(pc), nil
	}

	if cfg.Providers.Upstream.BaseURL == "" {
		return models.ModelRef{}, models.ProviderEndpoint{}, &ErrUnknownProvider{Model: modelName}
	}
	return toRef("upstream", modelName), toEndpoint(cfg.Providers.Upstream), nil
}

func lookupProvider(providers config.ProvidersConfig, id string) (config.ProviderConfig, bool) {
	if id == "upstream" {
		if providers.Upstream.BaseURL == "" {
			return config.ProviderConfig{}, false
		}
		return providers.Upstream, true
	}
	pc, ok := providers.Custom[id]
	return pc, ok
}

func toRef(providerID, model string) models.ModelRef {
	return models.ModelRef{ProviderID: providerID, Model: model}
}

func toEndpoint(pc config.ProviderConfig) models.ProviderEndpoint {
	protocol := pc.Protocol
	if protocol == "" {
		protocol = models.ProtocolOpenAI
	}
	return models.ProviderEndpoint{
		BaseURL:   pc.BaseURL,
		APIKey:    pc.APIKey,
		Protocol:  protocol,
		VerifyTLS: pc.TLSVerifyEnabled(),
	}
}
