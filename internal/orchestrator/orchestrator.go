// Package orchestrator implements RetryOrchestrator (spec.md §4.7): driving
// CandidateSelector's ordered list through UpstreamInvoker, committing each
// outcome to HealthRegistry, emitting trace events, and producing the
// exhaustion error when every candidate fails.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/routergate/gateway/internal/config"
	"github.com/routergate/gateway/internal/health"
	"github.com/routergate/gateway/internal/invoker"
	"github.com/routergate/gateway/internal/models"
	"github.com/routergate/gateway/internal/params"
	"github.com/routergate/gateway/internal/registry"
	"github.com/routergate/gateway/internal/selector"
	"github.com/routergate/gateway/internal/trace"
	"go.uber.org/zap"
)

// ErrAllCandidatesFailed is returned when every candidate for a tier was
// tried and none succeeded (spec.md §7, "exhaustion -> 502 JSON envelope").
// LastKind carries the last attempt's FailureKind so the gateway can report
// `last_reason` without re-parsing LastErr's message (spec.md §4.7, §8
// scenario 6: `{error:{kind:"exhausted", attempted:[...], last_reason:...}}`).
type ErrAllCandidatesFailed struct {
	Tier       models.Tier
	Candidates []string
	LastErr    error
	LastKind   models.FailureKind
}

func (e *ErrAllCandidatesFailed) Error() string {
	return fmt.Sprintf("all %d candidates for tier %s failed, last error: %v", len(e.Candidates), e.Tier, e.LastErr)
}

func (e *ErrAllCandidatesFailed) Unwrap() error { return e.LastErr }

// ErrClientAborted signals that the client itself disconnected mid-stream —
// a write to the client failed, not a read from upstream. This is terminal
// but is not a candidate failure: no health penalty is applied and the trace
// ends in CLIENT_ABORT rather than ALL_FAILED (spec.md §5, §7, §8).
type ErrClientAborted struct {
	Tier  models.Tier
	Model string
}

func (e *ErrClientAborted) Error() string {
	return fmt.Sprintf("client disconnected while streaming tier %s from %s", e.Tier, e.Model)
}

// Orchestrator drives the retry/failover state machine. A single Selector
// serves every tier: strategy, timeouts and round/attempt bounds are all
// resolved per tier on each call, since spec.md §3/§6 configures them
// independently per tier rather than once for the whole process.
type Orchestrator struct {
	store    *config.Store
	registry *registry.Registry
	selector *selector.Selector
	invoker  *invoker.Invoker
	health   *health.Registry
	log      *zap.Logger
}

// New assembles an Orchestrator from its dependent components.
func New(store *config.Store, reg *registry.Registry, sel *selector.Selector, inv *invoker.Invoker, healthRegistry *health.Registry, log *zap.Logger) *Orchestrator {
	return &Orchestrator{store: store, registry: reg, selector: sel, invoker: inv, health: healthRegistry, log: log}
}

// Outcome is the terminal result of RunBuffered/RunStreaming.
type Outcome struct {
	ChosenModel string
	RawBody     []byte
	Usage       models.Usage
	TokenSource models.TokenSource
	RetryCount  int
}

// RunBuffered drives a non-streaming request through the tier's candidates.
func (o *Orchestrator) RunBuffered(ctx context.Context, tier models.Tier, clientBody map[string]interface{}, tr *trace.Recorder) (*Outcome, error) {
	cfg := o.store.Get()
	candidates := o.orderedCandidates(cfg, tier)
	retryCond := cfg.Retries.ToRetryConditions()
	connectTimeout := durationSeconds(cfg.Timeouts.Connect.For(tier))
	genTimeout := durationSeconds(cfg.Timeouts.Generation.For(tier))

	var lastErr error
	var lastKind models.FailureKind
	for i, modelStr := range candidates {
		ref, ep, err := o.registry.Resolve(modelStr)
		if err != nil {
			lastErr = err
			lastKind = models.KindProviderMissing
			continue
		}

		upstreamBody := params.Compose(clientBody, ref, ep, cfg)
		tr.Emit(models.StageModelCallStart, models.StatusInfo, ref.String(), ref.ProviderID, "", i)

		res := o.invoker.InvokeBuffered(ctx, ep, ref, upstreamBody, retryCond, connectTimeout, genTimeout)

		if res.Err == nil {
			o.health.OnSuccess(ref.String())
			tr.Emit(models.StageFullResponse, models.StatusSuccess, ref.String(), ref.ProviderID, "", i)
			return &Outcome{
				ChosenModel: ref.String(),
				RawBody:     res.RawBody,
				Usage:       res.Usage,
				TokenSource: res.TokenSource,
				RetryCount:  i,
			}, nil
		}

		o.health.OnFailure(ref.String(), res.Kind)
		tr.Emit(models.StageModelFail, models.StatusFail, ref.String(), ref.ProviderID, res.Err.Error(), i)
		lastErr = res.Err
		lastKind = res.Kind

		if !res.Retryable {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			lastErr = ctxErr
			break
		}
	}

	tr.Emit(models.StageAllFailed, models.StatusFail, "", "", errString(lastErr), len(candidates))
	return nil, &ErrAllCandidatesFailed{Tier: tier, Candidates: candidates, LastErr: lastErr, LastKind: lastKind}
}

// RunStreaming drives a streaming request through the tier's candidates,
// forwarding SSE bytes to w for whichever candidate first produces output.
// Once bytes have reached the client, a failure on that candidate is a
// terminal stream abort — bytes already sent can never be retried behind
// the client's back (spec.md §4.7, "no retry after first byte forwarded").
//
// A candidate whose resolved endpoint forces non-streaming upstream calls
// (spec.md §3: v1-messages, v1-response) is invoked buffered instead, and a
// successful buffered response is synthesized into a single SSE chunk for
// the client (spec.md §4.6 step 6). This check happens per candidate, here,
// rather than once in gateway.go before dispatch: a single tier's candidate
// list can span providers with different protocol flavors, so only the
// orchestrator — which resolves one candidate at a time — knows which mode
// applies to the model actually being tried.
func (o *Orchestrator) RunStreaming(ctx context.Context, tier models.Tier, clientBody map[string]interface{}, w invoker.StreamWriter, onFirstByte func(), tr *trace.Recorder) (*Outcome, error) {
	cfg := o.store.Get()
	candidates := o.orderedCandidates(cfg, tier)
	retryCond := cfg.Retries.ToRetryConditions()
	connectTimeout := durationSeconds(cfg.Timeouts.Connect.For(tier))
	genTimeout := durationSeconds(cfg.Timeouts.Generation.For(tier))

	var lastErr error
	var lastKind models.FailureKind
	for i, modelStr := range candidates {
		ref, ep, err := o.registry.Resolve(modelStr)
		if err != nil {
			lastErr = err
			lastKind = models.KindProviderMissing
			continue
		}

		upstreamBody := params.Compose(clientBody, ref, ep, cfg)
		tr.Emit(models.StageModelCallStart, models.StatusInfo, ref.String(), ref.ProviderID, "", i)

		firstByteSent := false
		wrappedOnFirstByte := func() {
			firstByteSent = true
			tr.Emit(models.StageFirstToken, models.StatusInfo, ref.String(), ref.ProviderID, "", i)
			if onFirstByte != nil {
				onFirstByte()
			}
		}

		var res *invoker.Result
		var synthesizeErr error
		if ep.Protocol.ForcesNonStreaming() {
			res = o.invoker.InvokeBuffered(ctx, ep, ref, upstreamBody, retryCond, connectTimeout, genTimeout)
			if res.Err == nil {
				wrappedOnFirstByte()
				synthesizeErr = invoker.SynthesizeSSE(res.RawBody, w)
			}
		} else {
			res = o.invoker.InvokeStreaming(ctx, ep, ref, upstreamBody, retryCond, connectTimeout, genTimeout, w, wrappedOnFirstByte)
		}

		if res.Err == nil && synthesizeErr == nil {
			o.health.OnSuccess(ref.String())
			tr.Emit(models.StageFullResponse, models.StatusSuccess, ref.String(), ref.ProviderID, "", i)
			return &Outcome{
				ChosenModel: ref.String(),
				Usage:       res.Usage,
				TokenSource: res.TokenSource,
				RetryCount:  i,
			}, nil
		}

		if synthesizeErr != nil {
			// Headers/status were already committed to the client via
			// wrappedOnFirstByte before synthesis was attempted, so this is
			// terminal for the same reason a mid-stream abort is: bytes may
			// already be in flight and cannot be retried behind the client.
			lastErr = synthesizeErr
			lastKind = models.KindStreamAbort
			tr.Emit(models.StageModelFail, models.StatusFail, ref.String(), ref.ProviderID, synthesizeErr.Error(), i)
			break
		}

		if res.Kind == models.KindClientAbort {
			// The client disconnected, not the model — cancel and exit
			// without touching this candidate's health score (spec.md §5,
			// §7: "no health penalty for ClientAbort").
			tr.Emit(models.StageClientAbort, models.StatusInfo, ref.String(), ref.ProviderID, res.Err.Error(), i)
			return nil, &ErrClientAborted{Tier: tier, Model: ref.String()}
		}

		o.health.OnFailure(ref.String(), res.Kind)
		tr.Emit(models.StageModelFail, models.StatusFail, ref.String(), ref.ProviderID, res.Err.Error(), i)
		lastErr = res.Err
		lastKind = res.Kind

		if firstByteSent || !res.Retryable {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			lastErr = ctxErr
			break
		}
	}

	tr.Emit(models.StageAllFailed, models.StatusFail, "", "", errString(lastErr), len(candidates))
	return nil, &ErrAllCandidatesFailed{Tier: tier, Candidates: candidates, LastErr: lastErr, LastKind: lastKind}
}

// orderedCandidates builds a tier's attempt sequence: the configured
// candidate list is ordered under the tier's strategy and that whole
// ordering repeated rounds[tier] times (spec.md §4.7, §8: "max distinct
// attempts = R × |models[t]|"). max_retries[tier] applies only when
// strategy != sequential — a sequential tier's bound is rounds alone, per
// spec.md §3; capping it further would silently truncate a round short of
// the last configured model whenever an operator sets max_retries below
// R × |models[t]|.
func (o *Orchestrator) orderedCandidates(cfg *config.Config, tier models.Tier) []string {
	raw := cfg.Tiers.ModelsFor(tier)
	if len(raw) == 0 {
		return nil
	}

	strategy := cfg.Tiers.Strategies.For(tier)
	rounds := cfg.Retries.Rounds.For(tier)
	if rounds < 1 {
		rounds = 1
	}

	all := make([]string, 0, len(raw)*rounds)
	for i := 0; i < rounds; i++ {
		all = append(all, o.selector.Order(strategy, raw)...)
	}

	if strategy == models.StrategySequential {
		return all
	}
	return selector.Bound(all, cfg.Retries.MaxRetries.For(tier))
}

func durationSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
