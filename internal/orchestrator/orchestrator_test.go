package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/routergate/gateway/internal/config"
	"github.com/routergate/gateway/internal/health"
	"github.com/routergate/gateway/internal/invoker"
	"github.com/routergate/gateway/internal/models"
	"github.com/routergate/gateway/internal/registry"
	"github.com/routergate/gateway/internal/selector"
	"github.com/routergate/gateway/internal/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func buildOrchestrator(t *testing.T, cfg *config.Config) *Orchestrator {
	t.Helper()
	store := config.NewStatic(cfg)
	h := health.New(cfg.Health.ToPenaltyMap(), 0, cfg.Health.SnapBackFactor, "", zap.NewNop())
	sel := selector.New(h, 1)
	return New(store, registry.New(store), sel, invoker.New(zap.NewNop()), h, zap.NewNop())
}

func sequentialTierConfig(candidates []string, rounds, maxRetries int) config.TierConfig {
	return config.TierConfig{
		T1:         candidates,
		Strategies: config.TierStrategies{T1: "sequential"},
	}
}

func randomTierConfig(candidates []string) config.TierConfig {
	return config.TierConfig{
		T1:         candidates,
		Strategies: config.TierStrategies{T1: "random"},
	}
}

func TestRunBufferedFailsOverToSecondCandidate(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}],"usage":{"total_tokens":3}}`)
	}))
	defer good.Close()

	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			Custom: map[string]config.ProviderConfig{
				"bad":  {BaseURL: bad.URL},
				"good": {BaseURL: good.URL},
			},
		},
		Tiers:    sequentialTierConfig([]string{"bad/model-x", "good/model-y"}, 1, 3),
		Retries:  config.RetriesConfig{Rounds: config.TierInts{T1: 1}, MaxRetries: config.TierInts{T1: 3}},
		Timeouts: config.TimeoutConfig{Connect: config.TierFloats{T1: 5}, Generation: config.TierFloats{T1: 5}},
	}
	o := buildOrchestrator(t, cfg)

	out, err := o.RunBuffered(context.Background(), models.TierT1, map[string]interface{}{"messages": []interface{}{}}, trace.New())

	require.NoError(t, err)
	assert.Equal(t, "good/model-y", out.ChosenModel)
	assert.Equal(t, 1, out.RetryCount)
}

func TestRunBufferedExhaustionReturnsErrAllCandidatesFailed(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	cfg := &config.Config{
		Providers: config.ProvidersConfig{Custom: map[string]config.ProviderConfig{"bad": {BaseURL: bad.URL}}},
		Tiers:     sequentialTierConfig([]string{"bad/model-x", "bad/model-y"}, 1, 3),
		Retries:   config.RetriesConfig{Rounds: config.TierInts{T1: 1}, MaxRetries: config.TierInts{T1: 3}},
		Timeouts:  config.TimeoutConfig{Connect: config.TierFloats{T1: 5}, Generation: config.TierFloats{T1: 5}},
	}
	o := buildOrchestrator(t, cfg)

	out, err := o.RunBuffered(context.Background(), models.TierT1, map[string]interface{}{}, trace.New())

	assert.Nil(t, out)
	require.Error(t, err)
	var target *ErrAllCandidatesFailed
	require.ErrorAs(t, err, &target)
	assert.Equal(t, models.TierT1, target.Tier)
}

func TestRunBufferedRespectsMaxRetriesBound(t *testing.T) {
	var hits int
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	cfg := &config.Config{
		Providers: config.ProvidersConfig{Custom: map[string]config.ProviderConfig{"bad": {BaseURL: bad.URL}}},
		Tiers:     randomTierConfig([]string{"bad/a", "bad/b", "bad/c", "bad/d"}),
		Retries:   config.RetriesConfig{Rounds: config.TierInts{T1: 1}, MaxRetries: config.TierInts{T1: 2}},
		Timeouts:  config.TimeoutConfig{Connect: config.TierFloats{T1: 5}, Generation: config.TierFloats{T1: 5}},
	}
	o := buildOrchestrator(t, cfg)

	_, err := o.RunBuffered(context.Background(), models.TierT1, map[string]interface{}{}, trace.New())

	require.Error(t, err)
	assert.Equal(t, 2, hits, "max_retries bounds the number of upstream calls for a non-sequential strategy")
}

func TestRunBufferedNonRetryableAuthFailureStopsImmediately(t *testing.T) {
	var hits int
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer auth.Close()

	cfg := &config.Config{
		Providers: config.ProvidersConfig{Custom: map[string]config.ProviderConfig{"p": {BaseURL: auth.URL}}},
		Tiers:     sequentialTierConfig([]string{"p/a", "p/b"}, 1, 5),
		Retries:   config.RetriesConfig{Rounds: config.TierInts{T1: 1}, MaxRetries: config.TierInts{T1: 5}},
		Timeouts:  config.TimeoutConfig{Connect: config.TierFloats{T1: 5}, Generation: config.TierFloats{T1: 5}},
	}
	o := buildOrchestrator(t, cfg)

	_, err := o.RunBuffered(context.Background(), models.TierT1, map[string]interface{}{}, trace.New())

	require.Error(t, err)
	assert.Equal(t, 1, hits, "http_4xx_auth is not in RetryableKinds and 401 is not a configured status code, so the first 401 stops the loop")
}

func TestRunStreamingStopsFailoverAfterFirstByteForwarded(t *testing.T) {
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		flusher.Flush()
		hj, ok := w.(http.Hijacker)
		if ok {
			conn, _, _ := hj.Hijack()
			conn.Close()
		}
	}))
	defer flaky.Close()

	cfg := &config.Config{
		Providers: config.ProvidersConfig{Custom: map[string]config.ProviderConfig{"p": {BaseURL: flaky.URL}}},
		Tiers:     sequentialTierConfig([]string{"p/a", "p/b"}, 1, 3),
		Retries:   config.RetriesConfig{Rounds: config.TierInts{T1: 1}, MaxRetries: config.TierInts{T1: 3}},
		Timeouts:  config.TimeoutConfig{Connect: config.TierFloats{T1: 5}, Generation: config.TierFloats{T1: 5}},
	}
	o := buildOrchestrator(t, cfg)

	sw := &discardStreamWriter{}
	_, err := o.RunStreaming(context.Background(), models.TierT1, map[string]interface{}{}, sw, nil, trace.New())

	require.Error(t, err)
	var target *ErrAllCandidatesFailed
	require.ErrorAs(t, err, &target)
}

func TestRunStreamingSynthesizesSSEForNonStreamingProtocol(t *testing.T) {
	var sawStreamFlag bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		_ = json.Unmarshal(buf.Bytes(), &body)
		if v, ok := body["stream"]; ok && v == true {
			sawStreamFlag = true
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"total_tokens":5}}`)
	}))
	defer upstream.Close()

	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			Custom: map[string]config.ProviderConfig{
				"anthropic": {BaseURL: upstream.URL, Protocol: models.ProtocolV1Messages},
			},
		},
		Tiers:    sequentialTierConfig([]string{"anthropic/claude-3-haiku"}, 1, 3),
		Retries:  config.RetriesConfig{Rounds: config.TierInts{T1: 1}, MaxRetries: config.TierInts{T1: 3}},
		Timeouts: config.TimeoutConfig{Connect: config.TierFloats{T1: 5}, Generation: config.TierFloats{T1: 5}},
	}
	o := buildOrchestrator(t, cfg)

	sw := &discardStreamWriter{buf: &bytes.Buffer{}}
	var firstByteFired bool
	out, err := o.RunStreaming(context.Background(), models.TierT1, map[string]interface{}{}, sw, func() { firstByteFired = true }, trace.New())

	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-3-haiku", out.ChosenModel)
	assert.True(t, firstByteFired)
	assert.False(t, sawStreamFlag, "a ForcesNonStreaming protocol must never request stream:true upstream")
	assert.Contains(t, sw.buf.String(), "hi there")
	assert.Contains(t, sw.buf.String(), "[DONE]")
}

func TestOrderedCandidatesRepeatsFullListAcrossRounds(t *testing.T) {
	cfg := &config.Config{
		Tiers:   sequentialTierConfig([]string{"a/x", "b/y"}, 3, 100),
		Retries: config.RetriesConfig{Rounds: config.TierInts{T1: 3}, MaxRetries: config.TierInts{T1: 100}},
	}
	o := buildOrchestrator(t, cfg)

	got := o.orderedCandidates(cfg, models.TierT1)

	assert.Equal(t, []string{"a/x", "b/y", "a/x", "b/y", "a/x", "b/y"}, got)
}

func TestOrderedCandidatesSequentialIsNotCappedByMaxRetries(t *testing.T) {
	cfg := &config.Config{
		Tiers:   sequentialTierConfig([]string{"a/x", "b/y"}, 3, 4),
		Retries: config.RetriesConfig{Rounds: config.TierInts{T1: 3}, MaxRetries: config.TierInts{T1: 4}},
	}
	o := buildOrchestrator(t, cfg)

	got := o.orderedCandidates(cfg, models.TierT1)

	assert.Len(t, got, 6, "sequential is bounded only by rounds x |models|, max_retries does not apply")
}

func TestOrderedCandidatesRandomCappedByMaxRetries(t *testing.T) {
	cfg := &config.Config{
		Tiers:   randomTierConfig([]string{"a/x", "b/y"}),
		Retries: config.RetriesConfig{Rounds: config.TierInts{T1: 3}, MaxRetries: config.TierInts{T1: 4}},
	}
	o := buildOrchestrator(t, cfg)

	got := o.orderedCandidates(cfg, models.TierT1)

	assert.Len(t, got, 4, "max_retries bounds a non-sequential strategy's total attempts")
}

func TestRunStreamingClientAbortSkipsHealthPenaltyAndEmitsClientAbortStage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"one\"}}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"two\"}}]}\n\n")
		flusher.Flush()
	}))
	defer upstream.Close()

	cfg := &config.Config{
		Providers: config.ProvidersConfig{Custom: map[string]config.ProviderConfig{"p": {BaseURL: upstream.URL}}},
		Tiers:     sequentialTierConfig([]string{"p/a", "p/b"}, 1, 3),
		Retries:   config.RetriesConfig{Rounds: config.TierInts{T1: 1}, MaxRetries: config.TierInts{T1: 3}},
		Timeouts:  config.TimeoutConfig{Connect: config.TierFloats{T1: 5}, Generation: config.TierFloats{T1: 5}},
	}
	store := config.NewStatic(cfg)
	h := health.New(cfg.Health.ToPenaltyMap(), 0, cfg.Health.SnapBackFactor, "", zap.NewNop())
	sel := selector.New(h, 1)
	o := New(store, registry.New(store), sel, invoker.New(zap.NewNop()), h, zap.NewNop())

	sw := &failAfterNStreamWriter{n: 1}
	tr := trace.New()
	_, err := o.RunStreaming(context.Background(), models.TierT1, map[string]interface{}{}, sw, nil, tr)

	require.Error(t, err)
	var target *ErrClientAborted
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "p/a", target.Model)

	var sawClientAbort, sawAllFailed, sawModelFail bool
	for _, e := range tr.Events() {
		switch e.Stage {
		case models.StageClientAbort:
			sawClientAbort = true
		case models.StageAllFailed:
			sawAllFailed = true
		case models.StageModelFail:
			sawModelFail = true
		}
	}
	assert.True(t, sawClientAbort, "trace must end in CLIENT_ABORT")
	assert.False(t, sawAllFailed, "a client abort must not also be reported as exhaustion")
	assert.False(t, sawModelFail, "a client abort is not a model failure")

	stats, ok := h.Snapshot()["p/a"]
	if ok {
		assert.Zero(t, stats.FailureScore, "a client abort must not penalize the candidate's health score")
	}
}

// failAfterNStreamWriter accepts n writes, then fails every write after
// that, simulating a client that disconnects mid-stream.
type failAfterNStreamWriter struct {
	n int
}

func (f *failAfterNStreamWriter) Write(p []byte) (int, error) {
	if f.n <= 0 {
		return 0, fmt.Errorf("client connection closed")
	}
	f.n--
	return len(p), nil
}

func (f *failAfterNStreamWriter) Flush() {}

type discardStreamWriter struct {
	buf *bytes.Buffer
}

func (d *discardStreamWriter) Write(p []byte) (int, error) {
	if d.buf != nil {
		d.buf.Write(p)
	}
	return len(p), nil
}

func (d *discardStreamWriter) Flush() {}
