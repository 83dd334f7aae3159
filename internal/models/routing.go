package models

import (
	"strings"
	"time"
)

// ModelRef identifies a model at a specific provider.
type ModelRef struct {
	ProviderID string
	Model      string
}

// String renders the canonical "provider/model" form.
func (m ModelRef) String() string {
	return m.ProviderID + "/" + m.Model
}

// ParseModelRef splits a bare or "provider/model" string, without resolving
// the implicit-upstream / model-map fallback (that belongs to ProviderRegistry).
func ParseModelRef(s string) (provider, model string, hasProvider bool) {
	if idx := strings.IndexByte(s, '/'); idx > 0 {
		return s[:idx], s[idx+1:], true
	}
	return "", s, false
}

// Tier is the intent-complexity bucket assigned by the classifier.
type Tier string

const (
	TierT1 Tier = "t1"
	TierT2 Tier = "t2"
	TierT3 Tier = "t3"
)

// Strategy is how CandidateSelector orders/bounds candidates within a tier.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyRandom     Strategy = "random"
	StrategyAdaptive   Strategy = "adaptive"
)

// ProtocolFlavor governs the upstream path suffix and streaming eligibility.
type ProtocolFlavor string

const (
	ProtocolOpenAI      ProtocolFlavor = "openai"
	ProtocolV1Messages  ProtocolFlavor = "v1-messages"
	ProtocolV1Response  ProtocolFlavor = "v1-response"
)

// PathSuffix returns the upstream path for this protocol flavor.
func (p ProtocolFlavor) PathSuffix() string {
	switch p {
	case ProtocolV1Messages:
		return "/messages"
	case ProtocolV1Response:
		return "/responses"
	default:
		return "/chat/completions"
	}
}

// ForcesNonStreaming reports whether this flavor disables streaming upstream
// regardless of what the client requested.
func (p ProtocolFlavor) ForcesNonStreaming() bool {
	return p == ProtocolV1Messages || p == ProtocolV1Response
}

// ProviderEndpoint is a resolved upstream target.
type ProviderEndpoint struct {
	BaseURL    string
	APIKey     string
	Protocol   ProtocolFlavor
	VerifyTLS  bool
}

// RetryConditions configures which upstream outcomes are eligible for retry.
type RetryConditions struct {
	StatusCodes    map[int]struct{}
	ErrorKeywords  []string
	RetryOnEmpty   bool
}

// ContainsStatus reports whether the given HTTP status is in the configured set.
func (r RetryConditions) ContainsStatus(code int) bool {
	_, ok := r.StatusCodes[code]
	return ok
}

// MatchesKeyword reports whether body contains any configured retry keyword
// (case-insensitive substring match).
func (r RetryConditions) MatchesKeyword(body string) (string, bool) {
	lower := strings.ToLower(body)
	for _, kw := range r.ErrorKeywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}

// FailureKind is the internal error taxonomy attached to a failed attempt.
type FailureKind string

const (
	KindTimeoutConnect    FailureKind = "timeout_connect"
	KindTimeoutGeneration FailureKind = "timeout_generation"
	KindHTTP4xxAuth       FailureKind = "http_4xx_auth"
	KindHTTP429           FailureKind = "http_429"
	KindHTTP5xx           FailureKind = "http_5xx"
	KindHTTP4xxOther      FailureKind = "http_4xx_other"
	KindEmptyResponse     FailureKind = "empty_response"
	KindStreamAbort       FailureKind = "stream_abort"
	KindBodyKeyword       FailureKind = "body_keyword"
	KindTransport         FailureKind = "transport"
	KindProviderMissing   FailureKind = "provider_missing"
	KindBadRequest        FailureKind = "bad_request"
	KindClientAbort       FailureKind = "client_abort"
	KindNone              FailureKind = ""
)

// RetryableKinds is the fixed set of outcome kinds that are always eligible for
// failover, independent of configured status codes (spec.md §4.7 authoritative rule).
// KindClientAbort is deliberately absent: the client disconnected, so there is
// nobody left to fail over to (spec.md §5).
var RetryableKinds = map[FailureKind]struct{}{
	KindTimeoutConnect:    {},
	KindTimeoutGeneration: {},
	KindTransport:         {},
	KindHTTP5xx:           {},
	KindHTTP429:           {},
	KindEmptyResponse:     {},
	KindStreamAbort:       {},
	KindBodyKeyword:       {},
}

// IsRetryableKind reports whether a kind is unconditionally retryable.
func IsRetryableKind(k FailureKind) bool {
	_, ok := RetryableKinds[k]
	return ok
}

// PenaltyMap holds the per-outcome-kind health penalty weights (spec.md §3).
type PenaltyMap map[FailureKind]float64

// DefaultPenalties returns the representative weights from spec.md §3, pinned
// per the Open-Question decision recorded in SPEC_FULL.md §10.2.
func DefaultPenalties() PenaltyMap {
	return PenaltyMap{
		KindTimeoutConnect:    2.0,
		KindTimeoutGeneration: 3.0,
		KindHTTP4xxAuth:       5.0,
		KindHTTP429:           1.0,
		KindHTTP5xx:           2.0,
		KindEmptyResponse:     1.5,
		KindStreamAbort:       2.0,
		KindBodyKeyword:       1.0,
		KindTransport:         2.0,
	}
}

// Get returns the configured penalty for a kind, or 1.0 if unconfigured.
func (p PenaltyMap) Get(k FailureKind) float64 {
	if v, ok := p[k]; ok {
		return v
	}
	return 1.0
}

// TokenSource records whether usage counts came from the upstream or a local estimate.
type TokenSource string

const (
	TokenSourceUpstream TokenSource = "upstream"
	TokenSourceLocal    TokenSource = "local"
)

// ModelStats is the mutable health record kept per model by HealthRegistry.
type ModelStats struct {
	Success       int
	Failures      int
	FailureScore  float64
	LastUpdate    time.Time
	LastErrorKind FailureKind
}

// HealthPercent maps a failure score to a 0-100 display value (spec.md §3).
// k is fixed by source convention at 0.2; exposed for display only.
const healthK = 0.2

func HealthPercent(failureScore float64) int {
	return int(100.0/(1.0+failureScore*healthK) + 0.5)
}

// Stage is one of the closed set of trace stages (spec.md §3).
type Stage string

const (
	StageReqReceived    Stage = "REQ_RECEIVED"
	StageRouterStart    Stage = "ROUTER_START"
	StageRouterEnd      Stage = "ROUTER_END"
	StageRouterFail     Stage = "ROUTER_FAIL"
	StageModelCallStart Stage = "MODEL_CALL_START"
	StageFirstToken     Stage = "FIRST_TOKEN"
	StageFullResponse   Stage = "FULL_RESPONSE"
	StageModelFail      Stage = "MODEL_FAIL"
	StageAllFailed      Stage = "ALL_FAILED"
	StageClientAbort    Stage = "CLIENT_ABORT"
)

// EventStatus is the outcome tag on a TraceEvent.
type EventStatus string

const (
	StatusInfo    EventStatus = "info"
	StatusSuccess EventStatus = "success"
	StatusFail    EventStatus = "fail"
)

// TraceEvent is one entry in a request's ordered trace.
type TraceEvent struct {
	Stage             Stage       `json:"stage"`
	Timestamp         time.Time   `json:"timestamp"`
	ElapsedMsSinceStart float64   `json:"elapsed_ms_since_start"`
	Status            EventStatus `json:"status"`
	Model             string      `json:"model,omitempty"`
	Provider          string      `json:"provider,omitempty"`
	Reason            string      `json:"reason,omitempty"`
	RetryCount        int         `json:"retry_count"`
}

// RequestStatus is the terminal status recorded on a RequestLog.
type RequestStatus string

const (
	ReqStatusSuccess  RequestStatus = "success"
	ReqStatusError    RequestStatus = "error"
	ReqStatusAborted  RequestStatus = "aborted"
)

// RequestLog is the terminal record handed to LogSink at the end of a request.
type RequestLog struct {
	ID                   string
	ReceivedAt           time.Time
	Tier                 Tier
	ChosenModel          string
	DurationMs           float64
	Status               RequestStatus
	RetryCount           int
	RequestBodyJSON      string
	ResponseBodyJSONText string
	TraceJSON            string
	StackTrace           string
	PromptTokens         int
	CompletionTokens     int
	TokenSource          TokenSource
}
