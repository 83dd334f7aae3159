// Package config represents the routing gateway's configuration document
// (spec.md §6) and the atomically-swapped store that serves it to the rest
// of the process while a file watcher reloads it in the background.
package config

import (
	"fmt"

	"github.com/routergate/gateway/internal/models"
)

// Config is the full configuration document described by spec.md §6:
// providers, models per tier, timeouts, retry policy, router, health
// penalties, parameter defaults and general settings.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Providers ProvidersConfig `mapstructure:"providers"`

	// ModelProviderMap resolves a bare model name to a provider ID when the
	// client sends "gpt-4" rather than "openai/gpt-4" (spec.md §4.1).
	ModelProviderMap map[string]string `mapstructure:"model_provider_map"`

	Tiers    TierConfig    `mapstructure:"tiers"`
	Router   RouterConfig  `mapstructure:"router"`
	Retries  RetriesConfig `mapstructure:"retries"`
	Health   HealthConfig  `mapstructure:"health"`
	Timeouts TimeoutConfig `mapstructure:"timeouts"`

	// GlobalParams fill in only the keys the client's request body leaves
	// absent; ModelParams are applied last and overwrite both the client's
	// own value and the global default (spec.md §4.2 precedence order).
	GlobalParams map[string]interface{}            `mapstructure:"global_params"`
	ModelParams  map[string]map[string]interface{} `mapstructure:"model_params"`
}

// GeneralConfig holds settings with no other natural home.
type GeneralConfig struct {
	GatewayAPIKey    string `mapstructure:"gateway_api_key"`
	LogLevel         string `mapstructure:"log_level"`
	LogRetentionDays int    `mapstructure:"log_retention_days"`
}

// ProxyConfig holds the HTTP listener settings, in the teacher's naming.
type ProxyConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// ProviderConfig is one upstream provider's connection details.
type ProviderConfig struct {
	BaseURL  string                `mapstructure:"base_url"`
	APIKey   string                `mapstructure:"api_key"`
	Protocol models.ProtocolFlavor `mapstructure:"protocol"`

	// VerifyTLS controls certificate verification for calls to this endpoint
	// (spec.md §3 ProviderEndpoint.verify_tls, §6 "verify_ssl"). A pointer
	// distinguishes "left unset in the document" from an explicit false, so
	// an operator who never mentions the key gets secure-by-default behavior
	// rather than silently disabling verification. Use TLSVerifyEnabled.
	VerifyTLS *bool `mapstructure:"verify_ssl"`
}

// TLSVerifyEnabled reports whether TLS certificate verification is on for
// this provider, defaulting to true when the document leaves it unset.
func (pc ProviderConfig) TLSVerifyEnabled() bool {
	if pc.VerifyTLS == nil {
		return true
	}
	return *pc.VerifyTLS
}

// ProvidersConfig distinguishes the single distinguished default provider
// (spec.md §4.1: "upstream") from any number of additionally named
// providers. A bare model name with no model_provider_map entry always
// resolves against Upstream, regardless of how many Custom providers are
// also configured.
type ProvidersConfig struct {
	Upstream ProviderConfig            `mapstructure:"upstream"`
	Custom   map[string]ProviderConfig `mapstructure:"custom"`
}

// TierConfig lists the ordered candidate models for each tier plus the
// per-tier CandidateSelector strategy (spec.md §3, §6: strategy is
// configured per tier, not globally).
type TierConfig struct {
	T1 []string `mapstructure:"t1_models"`
	T2 []string `mapstructure:"t2_models"`
	T3 []string `mapstructure:"t3_models"`

	Strategies TierStrategies `mapstructure:"strategies"`
}

// ModelsFor returns the configured candidate list for a tier.
func (t TierConfig) ModelsFor(tier models.Tier) []string {
	switch tier {
	case models.TierT1:
		return t.T1
	case models.TierT3:
		return t.T3
	default:
		return t.T2
	}
}

// TierStrategies configures CandidateSelector's ordering strategy
// independently per tier.
type TierStrategies struct {
	T1 string `mapstructure:"t1"`
	T2 string `mapstructure:"t2"`
	T3 string `mapstructure:"t3"`
}

// For returns the configured strategy for a tier, defaulting to sequential
// when a tier leaves the field unset.
func (s TierStrategies) For(tier models.Tier) models.Strategy {
	var v string
	switch tier {
	case models.TierT1:
		v = s.T1
	case models.TierT3:
		v = s.T3
	default:
		v = s.T2
	}
	if v == "" {
		return models.StrategySequential
	}
	return models.Strategy(v)
}

// TierFloats holds a per-tier float64 value, used for connect/generation
// timeouts (spec.md §3, §6).
type TierFloats struct {
	T1 float64 `mapstructure:"t1"`
	T2 float64 `mapstructure:"t2"`
	T3 float64 `mapstructure:"t3"`
}

// For returns the configured value for a tier.
func (t TierFloats) For(tier models.Tier) float64 {
	switch tier {
	case models.TierT1:
		return t.T1
	case models.TierT3:
		return t.T3
	default:
		return t.T2
	}
}

// TierInts holds a per-tier int value, used for retry rounds/max_retries
// (spec.md §3, §6).
type TierInts struct {
	T1 int `mapstructure:"t1"`
	T2 int `mapstructure:"t2"`
	T3 int `mapstructure:"t3"`
}

// For returns the configured value for a tier.
func (t TierInts) For(tier models.Tier) int {
	switch tier {
	case models.TierT1:
		return t.T1
	case models.TierT3:
		return t.T3
	default:
		return t.T2
	}
}

// RouterConfig configures the IntentClassifier (C4).
type RouterConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Model            string `mapstructure:"model"`
	BaseURL          string `mapstructure:"base_url"`
	APIKey           string `mapstructure:"api_key"`
	PromptTemplate   string `mapstructure:"prompt_template"`
	LegacyRandomTier bool   `mapstructure:"legacy_random_tier"`

	// VerifyTLS mirrors ProviderConfig.VerifyTLS for the router's own call to
	// its classification model (spec.md §6 "router.verify_ssl").
	VerifyTLS *bool `mapstructure:"verify_ssl"`
}

// TLSVerifyEnabled reports whether TLS certificate verification is on for
// the router's own call, defaulting to true when left unset.
func (r RouterConfig) TLSVerifyEnabled() bool {
	if r.VerifyTLS == nil {
		return true
	}
	return *r.VerifyTLS
}

// RetriesConfig configures RetryOrchestrator's outcome classification and
// per-tier round/attempt bounds (spec.md §4.7, §6).
type RetriesConfig struct {
	StatusCodes   []int    `mapstructure:"status_codes"`
	ErrorKeywords []string `mapstructure:"error_keywords"`

	// Rounds is how many times the whole ordered candidate list is repeated
	// before giving up (spec.md §4.7, §8: "max distinct attempts = R ×
	// |models[t]|").
	Rounds TierInts `mapstructure:"rounds"`

	// MaxRetries caps total attempts for a tier whose strategy is random or
	// adaptive, applied on top of the rounds-repeated list. A sequential
	// tier is bounded by Rounds alone and ignores this value.
	MaxRetries TierInts `mapstructure:"max_retries"`
}

// ToRetryConditions converts the loaded config into the runtime type used by
// UpstreamInvoker/RetryOrchestrator.
func (r RetriesConfig) ToRetryConditions() models.RetryConditions {
	set := make(map[int]struct{}, len(r.StatusCodes))
	for _, c := range r.StatusCodes {
		set[c] = struct{}{}
	}
	return models.RetryConditions{
		StatusCodes:   set,
		ErrorKeywords: r.ErrorKeywords,
		RetryOnEmpty:  true,
	}
}

// HealthConfig configures HealthRegistry's scoring behavior.
type HealthConfig struct {
	Penalties      map[string]float64 `mapstructure:"penalties"`
	DecayPerMinute float64            `mapstructure:"decay_per_minute"`

	// SnapBackFactor is the multiplicative reduction applied to a model's
	// failure_score on a successful call (spec.md §4.3: "failure_score <-
	// max(0, failure_score * 0.2)"). The mapstructure key keeps its original
	// name since it still describes "what happens on success"; only its
	// interpretation (factor, not subtracted amount) changed.
	SnapBackFactor float64 `mapstructure:"snap_back_on_success"`
	PersistPath    string  `mapstructure:"persist_path"`
}

// ToPenaltyMap converts the loaded config into a models.PenaltyMap, filling
// in the spec's default weights for anything left unconfigured.
func (h HealthConfig) ToPenaltyMap() models.PenaltyMap {
	pm := models.DefaultPenalties()
	for k, v := range h.Penalties {
		pm[models.FailureKind(k)] = v
	}
	return pm
}

// TimeoutConfig configures UpstreamInvoker's two-phase timeouts, connect and
// generation configured independently per tier (spec.md §3, §4.6, §6); the
// classifier's own call uses a single non-tiered timeout since it is not
// dispatched against a tier's candidate list.
type TimeoutConfig struct {
	Connect       TierFloats `mapstructure:"connect"`
	Generation    TierFloats `mapstructure:"generation"`
	RouterSeconds float64    `mapstructure:"router_seconds"`
}

// Validate checks the configuration document for internal consistency.
func (c *Config) Validate() error {
	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		return &ConfigError{Field: "proxy.port", Message: "must be between 1 and 65535"}
	}
	if len(c.Tiers.T1) == 0 && len(c.Tiers.T2) == 0 && len(c.Tiers.T3) == 0 {
		return &ConfigError{Field: "tiers", Message: "at least one tier must have a configured model"}
	}

	for _, tier := range []models.Tier{models.TierT1, models.TierT2, models.TierT3} {
		if len(c.Tiers.ModelsFor(tier)) == 0 {
			continue
		}
		if c.Timeouts.Connect.For(tier) <= 0 {
			return &ConfigError{Field: fmt.Sprintf("timeouts.connect.%s", tier), Message: "must be positive"}
		}
		if c.Timeouts.Generation.For(tier) <= 0 {
			return &ConfigError{Field: fmt.Sprintf("timeouts.generation.%s", tier), Message: "must be positive"}
		}
	}

	all := append(append(append([]string{}, c.Tiers.T1...), c.Tiers.T2...), c.Tiers.T3...)
	for _, m := range all {
		provider, _, hasProvider := models.ParseModelRef(m)
		if !hasProvider || provider == "upstream" {
			continue
		}
		if _, ok := c.Providers.Custom[provider]; !ok {
			return &ConfigError{Field: "tiers", Message: fmt.Sprintf("model %q references unknown provider %q", m, provider)}
		}
	}
	return nil
}

// DefaultConfig returns a minimal but internally-consistent configuration,
// used to seed the Viper defaults in NewStore and by tests.
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:         "info",
			LogRetentionDays: 7,
		},
		Proxy: ProxyConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Providers: ProvidersConfig{
			Upstream: ProviderConfig{BaseURL: "https://api.openai.com/v1", Protocol: models.ProtocolOpenAI},
		},
		ModelProviderMap: map[string]string{},
		Tiers: TierConfig{
			T1: []string{"gpt-4o-mini"},
			T2: []string{"gpt-4o"},
			T3: []string{"gpt-4o"},
			Strategies: TierStrategies{
				T1: string(models.StrategySequential),
				T2: string(models.StrategyRandom),
				T3: string(models.StrategyAdaptive),
			},
		},
		Router: RouterConfig{
			Enabled: false,
		},
		Retries: RetriesConfig{
			StatusCodes:   []int{429, 500, 502, 503, 504},
			ErrorKeywords: []string{"rate limit", "quota exceeded", "overloaded", "timeout", "try again"},
			Rounds:        TierInts{T1: 1, T2: 2, T3: 3},
			MaxRetries:    TierInts{T1: 3, T2: 6, T3: 9},
		},
		Health: HealthConfig{
			Penalties:      nil,
			DecayPerMinute: 0.1,
			SnapBackFactor: 0.2,
			PersistPath:    "data/model_stats.json",
		},
		Timeouts: TimeoutConfig{
			Connect:       TierFloats{T1: 5, T2: 8, T3: 15},
			Generation:    TierFloats{T1: 30, T2: 90, T3: 180},
			RouterSeconds: 5,
		},
		GlobalParams: map[string]interface{}{},
		ModelParams:  map[string]map[string]interface{}{},
	}
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}
