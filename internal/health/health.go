// Package health implements HealthRegistry (spec.md §4.3): adaptive
// per-model failure scoring with decay, snap-back, and debounced
// atomic-file-swap persistence, grounded on the teacher's EndpointState
// health checker (per-endpoint mutex, periodic loop) generalized from
// "is this endpoint reachable" to "how healthy is this model's score".
package health

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/routergate/gateway/internal/models"
	"go.uber.org/zap"
)

// entry is the mutex-guarded state for a single model.
type entry struct {
	mu    sync.Mutex
	stats models.ModelStats
}

// Registry tracks adaptive health scores for every model the router has
// seen, applying time-based decay lazily on read/write rather than via a
// ticking background pass over every model.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	penalties      models.PenaltyMap
	decayPerMinute float64
	snapBackFactor float64
	persistPath    string
	log            *zap.Logger

	dirty   atomicBool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) set(v bool) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomicBool) swap(v bool) bool {
	a.mu.Lock()
	old := a.v
	a.v = v
	a.mu.Unlock()
	return old
}

// New builds an empty Registry. snapBackFactor is the multiplicative
// reduction applied to a model's failure_score on success (spec.md §4.3).
func New(penalties models.PenaltyMap, decayPerMinute, snapBackFactor float64, persistPath string, log *zap.Logger) *Registry {
	return &Registry{
		entries:        make(map[string]*entry),
		penalties:      penalties,
		decayPerMinute: decayPerMinute,
		snapBackFactor: snapBackFactor,
		persistPath:    persistPath,
		log:            log,
		stopCh:         make(chan struct{}),
	}
}

func (r *Registry) get(model string) *entry {
	r.mu.RLock()
	e, ok := r.entries[model]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[model]; ok {
		return e
	}
	e = &entry{stats: models.ModelStats{LastUpdate: time.Now()}}
	r.entries[model] = e
	return e
}

// decayLocked applies linear decay for elapsed time since LastUpdate. Caller
// must hold e.mu.
func (r *Registry) decayLocked(e *entry) {
	now := time.Now()
	elapsedMin := now.Sub(e.stats.LastUpdate).Minutes()
	if elapsedMin <= 0 || r.decayPerMinute <= 0 {
		return
	}
	e.stats.FailureScore -= r.decayPerMinute * elapsedMin
	if e.stats.FailureScore < 0 {
		e.stats.FailureScore = 0
	}
	e.stats.LastUpdate = now
}

// OnSuccess records a successful call: increments the success counter,
// decays for elapsed time, then applies a multiplicative snap-back
// (spec.md §4.3: "failure_score <- max(0, failure_score * 0.2)"; a
// failure_score of 10 becomes 2, not 9).
func (r *Registry) OnSuccess(model string) {
	e := r.get(model)
	e.mu.Lock()
	r.decayLocked(e)
	e.stats.Success++
	e.stats.FailureScore = e.stats.FailureScore * r.snapBackFactor
	if e.stats.FailureScore < 0 {
		e.stats.FailureScore = 0
	}
	e.stats.LastErrorKind = models.KindNone
	e.mu.Unlock()
	r.markDirty()
}

// OnFailure records a failed call of the given kind: decays for elapsed
// time, then applies the configured penalty (spec.md §3, "monotonically
// increased by penalties").
func (r *Registry) OnFailure(model string, kind models.FailureKind) {
	e := r.get(model)
	e.mu.Lock()
	r.decayLocked(e)
	e.stats.Failures++
	e.stats.FailureScore += r.penalties.Get(kind)
	e.stats.LastErrorKind = kind
	e.mu.Unlock()
	r.markDirty()
}

// Score returns the current (decay-applied) failure score for a model.
// failure_score is never negative (spec.md §8 testable property).
func (r *Registry) Score(model string) float64 {
	e := r.get(model)
	e.mu.Lock()
	r.decayLocked(e)
	s := e.stats.FailureScore
	e.mu.Unlock()
	if s < 0 {
		return 0
	}
	return s
}

// Weight returns the inverse-of-score weight used by the adaptive candidate
// strategy (spec.md §4.5): healthier models get proportionally larger
// weight, and a model that has never been scored gets full weight.
func (r *Registry) Weight(model string) float64 {
	score := r.Score(model)
	return 1.0 / (1.0 + score)
}

// Snapshot returns a copy of every tracked model's stats, decay-applied.
func (r *Registry) Snapshot() map[string]models.ModelStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.ModelStats, len(r.entries))
	for model, e := range r.entries {
		e.mu.Lock()
		r.decayLocked(e)
		out[model] = e.stats
		e.mu.Unlock()
	}
	return out
}

func (r *Registry) markDirty() {
	r.dirty.set(true)
}

// Load reads a previously persisted snapshot from disk. A missing file is
// not an error — a fresh registry starts with every model at full health.
func (r *Registry) Load() error {
	if r.persistPath == "" {
		return nil
	}
	data, err := os.ReadFile(r.persistPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap map[string]models.ModelStats
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for model, stats := range snap {
		r.entries[model] = &entry{stats: stats}
	}
	return nil
}

// persistNow atomically writes the current snapshot to disk via
// write-temp+rename (spec.md §6, "model_stats.<version> file ... atomic
// write-temp+rename").
func (r *Registry) persistNow() error {
	if r.persistPath == "" {
		return nil
	}
	snap := r.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.persistPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".model_stats-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, r.persistPath)
}

// StartPersistLoop runs a single debounced writer goroutine that flushes the
// snapshot to disk on a fixed interval whenever a write occurred since the
// last flush, matching the teacher's single-writer worker-coordination
// pattern generalized from primary-election to serialized stats writes
// (spec.md §3, "persisted to disk after each update, debounced acceptable").
func (r *Registry) StartPersistLoop(ctx context.Context, interval time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if r.dirty.swap(false) {
					if err := r.persistNow(); err != nil {
						r.log.Warn("final model stats flush failed", zap.Error(err))
					}
				}
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				if r.dirty.swap(false) {
					if err := r.persistNow(); err != nil {
						r.log.Warn("model stats flush failed", zap.Error(err))
					}
				}
			}
		}
	}()
}

// Stop halts the persist loop and waits for it to exit.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}
