package registry

import (
	"testing"

	"github.com/routergate/gateway/internal/config"
	"github.com/routergate/gateway/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoreWithConfig(t *testing.T, cfg *config.Config) *config.Store {
	t.Helper()
	return config.NewStatic(cfg)
}

func TestResolveExplicitCustomProvider(t *testing.T) {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			Custom: map[string]config.ProviderConfig{
				"anthropic": {BaseURL: "https://api.anthropic.com/v1", Protocol: models.ProtocolV1Messages},
			},
		},
	}
	reg := New(newStoreWithConfig(t, cfg))

	ref, ep, err := reg.Resolve("anthropic/claude-3")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", ref.ProviderID)
	assert.Equal(t, "claude-3", ref.Model)
	assert.Equal(t, models.ProtocolV1Messages, ep.Protocol)
}

func TestResolveExplicitUpstreamProviderPrefix(t *testing.T) {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			Upstream: config.ProviderConfig{BaseURL: "https://api.openai.com/v1", Protocol: models.ProtocolOpenAI},
		},
	}
	reg := New(newStoreWithConfig(t, cfg))

	ref, ep, err := reg.Resolve("upstream/gpt-4")
	require.NoError(t, err)
	assert.Equal(t, "upstream", ref.ProviderID)
	assert.Equal(t, "gpt-4", ref.Model)
	assert.Equal(t, "https://api.openai.com/v1", ep.BaseURL)
}

func TestResolveBareModelViaMapResolvesAgainstCustomProvider(t *testing.T) {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			Upstream: config.ProviderConfig{BaseURL: "https://api.openai.com/v1"},
			Custom: map[string]config.ProviderConfig{
				"anthropic": {BaseURL: "https://api.anthropic.com/v1", Protocol: models.ProtocolV1Messages},
			},
		},
		ModelProviderMap: map[string]string{"claude-3": "anthropic"},
	}
	reg := New(newStoreWithConfig(t, cfg))

	ref, ep, err := reg.Resolve("claude-3")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", ref.ProviderID)
	assert.Equal(t, models.ProtocolV1Messages, ep.Protocol)
}

// TestResolveBareModelFallsBackToUpstreamRegardlessOfCustomCount guards the
// regression the old flat-map implementation had: a bare model name with no
// map entry must always resolve to providers.upstream, even when two or
// more providers.custom entries are also configured.
func TestResolveBareModelFallsBackToUpstreamRegardlessOfCustomCount(t *testing.T) {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			Upstream: config.ProviderConfig{BaseURL: "https://api.openai.com/v1"},
			Custom: map[string]config.ProviderConfig{
				"anthropic": {BaseURL: "https://api.anthropic.com/v1"},
				"mistral":   {BaseURL: "https://api.mistral.ai/v1"},
			},
		},
	}
	reg := New(newStoreWithConfig(t, cfg))

	ref, ep, err := reg.Resolve("gpt-4")
	require.NoError(t, err)
	assert.Equal(t, "upstream", ref.ProviderID)
	assert.Equal(t, "https://api.openai.com/v1", ep.BaseURL)
}

func TestResolveUnknownExplicitProvider(t *testing.T) {
	cfg := &config.Config{}
	reg := New(newStoreWithConfig(t, cfg))

	_, _, err := reg.Resolve("nope/gpt-4")
	assert.Error(t, err)
	var target *ErrUnknownProvider
	assert.ErrorAs(t, err, &target)
}

func TestResolveUnknownMappedProvider(t *testing.T) {
	cfg := &config.Config{
		ModelProviderMap: map[string]string{"gpt-4": "nope"},
	}
	reg := New(newStoreWithConfig(t, cfg))

	_, _, err := reg.Resolve("gpt-4")
	assert.Error(t, err)
}

func TestResolveBareModelWithNoUpstreamConfiguredErrors(t *testing.T) {
	cfg := &config.Config{}
	reg := New(newStoreWithConfig(t, cfg))

	_, _, err := reg.Resolve("gpt-4")
	assert.Error(t, err)
}

func TestToEndpointDefaultsVerifyTLSToTrueWhenUnset(t *testing.T) {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			Upstream: config.ProviderConfig{BaseURL: "https://api.openai.com/v1"},
		},
	}
	reg := New(newStoreWithConfig(t, cfg))

	_, ep, err := reg.Resolve("upstream/gpt-4")
	require.NoError(t, err)
	assert.True(t, ep.VerifyTLS)
}

func TestToEndpointRespectsConfiguredVerifyTLS(t *testing.T) {
	disabled := false
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			Custom: map[string]config.ProviderConfig{
				"selfsigned": {BaseURL: "https://internal.example.com", VerifyTLS: &disabled},
			},
		},
	}
	reg := New(newStoreWithConfig(t, cfg))

	_, ep, err := reg.Resolve("selfsigned/local-model")
	require.NoError(t, err)
	assert.False(t, ep.VerifyTLS)
}

func TestErrUnknownProviderMessage(t *testing.T) {
	err := &ErrUnknownProvider{Provider: "foo", Model: "bar"}
	assert.Contains(t, err.Error(), "foo")
	assert.Contains(t, err.Error(), "bar")
}
