package config

import (
	"fmt"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Store is a read-only configuration accessor backed by a hot-reloading
// Viper instance. Get always returns an immutable snapshot; in-flight
// requests that already grabbed a snapshot are unaffected by a concurrent
// reload (spec.md §5, "config snapshot swapped atomically").
type Store struct {
	v       *viper.Viper
	current atomic.Pointer[Config]
	log     *zap.Logger
	onReload []func(*Config)
}

// NewStore builds a Store from the file at path (YAML or JSON, by extension)
// plus environment variable overrides under the GATEWAY_ prefix, and loads
// the first snapshot. It does not start watching until Watch is called.
func NewStore(path string, log *zap.Logger) (*Store, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GATEWAY")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	s := &Store{v: v, log: log}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStatic wraps an already-built Config in a Store with no backing file
// and no watcher, for tests and for embedding the gateway as a library with
// a config assembled in code rather than loaded from disk.
func NewStatic(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

func setDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("general.log_level", def.General.LogLevel)
	v.SetDefault("general.log_retention_days", def.General.LogRetentionDays)
	v.SetDefault("proxy.host", def.Proxy.Host)
	v.SetDefault("proxy.port", def.Proxy.Port)

	v.SetDefault("tiers.strategies.t1", def.Tiers.Strategies.T1)
	v.SetDefault("tiers.strategies.t2", def.Tiers.Strategies.T2)
	v.SetDefault("tiers.strategies.t3", def.Tiers.Strategies.T3)
	v.SetDefault("router.legacy_random_tier", false)

	v.SetDefault("retries.status_codes", def.Retries.StatusCodes)
	v.SetDefault("retries.error_keywords", def.Retries.ErrorKeywords)
	v.SetDefault("retries.rounds.t1", def.Retries.Rounds.T1)
	v.SetDefault("retries.rounds.t2", def.Retries.Rounds.T2)
	v.SetDefault("retries.rounds.t3", def.Retries.Rounds.T3)
	v.SetDefault("retries.max_retries.t1", def.Retries.MaxRetries.T1)
	v.SetDefault("retries.max_retries.t2", def.Retries.MaxRetries.T2)
	v.SetDefault("retries.max_retries.t3", def.Retries.MaxRetries.T3)

	v.SetDefault("health.decay_per_minute", def.Health.DecayPerMinute)
	v.SetDefault("health.snap_back_on_success", def.Health.SnapBackFactor)
	v.SetDefault("health.persist_path", def.Health.PersistPath)

	v.SetDefault("timeouts.connect.t1", def.Timeouts.Connect.T1)
	v.SetDefault("timeouts.connect.t2", def.Timeouts.Connect.T2)
	v.SetDefault("timeouts.connect.t3", def.Timeouts.Connect.T3)
	v.SetDefault("timeouts.generation.t1", def.Timeouts.Generation.T1)
	v.SetDefault("timeouts.generation.t2", def.Timeouts.Generation.T2)
	v.SetDefault("timeouts.generation.t3", def.Timeouts.Generation.T3)
	v.SetDefault("timeouts.router_seconds", def.Timeouts.RouterSeconds)
}

func (s *Store) reload() error {
	cfg := &Config{}
	if err := s.v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	s.current.Store(cfg)
	return nil
}

// Get returns the current immutable configuration snapshot.
func (s *Store) Get() *Config {
	return s.current.Load()
}

// OnReload registers a callback invoked (best-effort, after the snapshot has
// already been swapped) each time the file watcher successfully reloads.
func (s *Store) OnReload(fn func(*Config)) {
	s.onReload = append(s.onReload, fn)
}

// Watch starts a background fsnotify watch on the config file. A change that
// fails to parse or validate is logged and the previous snapshot is kept in
// place, so a bad edit never takes an already-healthy gateway down.
func (s *Store) Watch() {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if err := s.reload(); err != nil {
			s.log.Warn("config reload failed, keeping previous snapshot",
				zap.String("event", e.Name), zap.Error(err))
			return
		}
		s.log.Info("config reloaded", zap.String("event", e.Name))
		cfg := s.current.Load()
		for _, fn := range s.onReload {
			fn(cfg)
		}
	})
	s.v.WatchConfig()
}
