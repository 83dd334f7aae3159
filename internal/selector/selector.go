// Package selector implements CandidateSelector (spec.md §4.5): ordering a
// tier's configured model list into the sequence RetryOrchestrator will try,
// grounded on the teacher's model_selector.go (FallbackPriority weighting)
// and load_balancer.go (strategy-pattern Balancer interface, mutex-guarded
// secure random source).
package selector

import (
	"math/rand"
	"sync"

	"github.com/routergate/gateway/internal/health"
	"github.com/routergate/gateway/internal/models"
)

// lastResortWeightThreshold marks a candidate as "effectively unhealthy" for
// adaptive selection. HealthRegistry.Weight is 1/(1+score), which only
// approaches zero asymptotically and never reaches it exactly, so a fixed
// cutoff decides what counts as "weight 0" for spec.md §4.5's "retried once
// as a last resort" rule: below the threshold, a candidate is excluded from
// the proportional draw and appended once at the tail instead of being
// dropped outright when the round is later bounded.
const lastResortWeightThreshold = 0.02

// Selector orders a tier's candidate list under a configured strategy.
type Selector struct {
	health *health.Registry

	randMu sync.Mutex
	rnd    *rand.Rand
}

// New builds a Selector. health may be nil unless a caller requests the
// adaptive strategy.
func New(healthRegistry *health.Registry, seed int64) *Selector {
	return &Selector{
		health: healthRegistry,
		rnd:    rand.New(rand.NewSource(seed)),
	}
}

// Order returns candidates in the sequence they should be attempted under
// strategy. It never mutates the input slice. Strategy is a call-time
// argument rather than a Selector field because RetryOrchestrator resolves a
// tier's strategy from the config snapshot on every request, and a single Selector
// instance serves all three tiers, each of which may configure a different
// strategy (spec.md §3, §6).
func (s *Selector) Order(strategy models.Strategy, candidates []string) []string {
	if len(candidates) <= 1 {
		return append([]string(nil), candidates...)
	}

	switch strategy {
	case models.StrategyRandom:
		return s.shuffled(candidates)
	case models.StrategyAdaptive:
		return s.weightedSample(candidates)
	default:
		return append([]string(nil), candidates...)
	}
}

func (s *Selector) shuffled(candidates []string) []string {
	out := append([]string(nil), candidates...)
	s.randMu.Lock()
	defer s.randMu.Unlock()
	s.rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// weightedSample draws candidates without replacement, each draw weighted
// proportionally to HealthRegistry.Weight (spec.md §4.5: "sample without
// replacement proportional to weight"). Candidates whose weight has
// collapsed near zero never enter the draw; they are appended once at the
// end, in their original relative order, as a guaranteed last resort rather
// than being silently dropped.
func (s *Selector) weightedSample(candidates []string) []string {
	out := make([]string, 0, len(candidates))
	if s.health == nil {
		return append(out, candidates...)
	}

	type candWeight struct {
		name   string
		weight float64
	}
	pool := make([]candWeight, 0, len(candidates))
	var lastResort []string
	for _, c := range candidates {
		w := s.health.Weight(c)
		if w <= lastResortWeightThreshold {
			lastResort = append(lastResort, c)
			continue
		}
		pool = append(pool, candWeight{c, w})
	}

	s.randMu.Lock()
	for len(pool) > 0 {
		total := 0.0
		for _, cw := range pool {
			total += cw.weight
		}
		draw := s.rnd.Float64() * total
		chosen := len(pool) - 1
		cum := 0.0
		for i, cw := range pool {
			cum += cw.weight
			if draw < cum {
				chosen = i
				break
			}
		}
		out = append(out, pool[chosen].name)
		pool = append(pool[:chosen], pool[chosen+1:]...)
	}
	s.randMu.Unlock()

	return append(out, lastResort...)
}

// Bound truncates an ordered candidate list to at most maxAttempts entries.
// RetryOrchestrator applies it with max_retries on top of rounds-repetition
// for the random and adaptive strategies only; a sequential tier's list is
// never passed through it.
func Bound(candidates []string, maxAttempts int) []string {
	if maxAttempts <= 0 || maxAttempts >= len(candidates) {
		return candidates
	}
	return candidates[:maxAttempts]
}
