package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseModelRef(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantProvider string
		wantModel    string
		wantHas      bool
	}{
		{"explicit provider", "openai/gpt-4", "openai", "gpt-4", true},
		{"bare model", "gpt-4", "", "gpt-4", false},
		{"nested slash in model", "openai/gpt-4/preview", "openai", "gpt-4/preview", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, model, has := ParseModelRef(tt.input)
			assert.Equal(t, tt.wantProvider, provider)
			assert.Equal(t, tt.wantModel, model)
			assert.Equal(t, tt.wantHas, has)
		})
	}
}

func TestModelRefString(t *testing.T) {
	ref := ModelRef{ProviderID: "openai", Model: "gpt-4"}
	assert.Equal(t, "openai/gpt-4", ref.String())
}

func TestRetryConditionsContainsStatus(t *testing.T) {
	rc := RetryConditions{StatusCodes: map[int]struct{}{429: {}, 500: {}}}
	assert.True(t, rc.ContainsStatus(429))
	assert.False(t, rc.ContainsStatus(404))
}

func TestRetryConditionsMatchesKeyword(t *testing.T) {
	rc := RetryConditions{ErrorKeywords: []string{"rate limit", "overloaded"}}

	kw, ok := rc.MatchesKeyword("Error: Rate Limit exceeded, try later")
	assert.True(t, ok)
	assert.Equal(t, "rate limit", kw)

	_, ok = rc.MatchesKeyword("everything is fine")
	assert.False(t, ok)
}

func TestIsRetryableKind(t *testing.T) {
	assert.True(t, IsRetryableKind(KindHTTP5xx))
	assert.True(t, IsRetryableKind(KindTimeoutConnect))
	assert.False(t, IsRetryableKind(KindBadRequest))
	assert.False(t, IsRetryableKind(KindProviderMissing))
}

func TestDefaultPenaltiesOrdering(t *testing.T) {
	// The defaults rank auth failures (5.0) as the most severe penalty,
	// ahead of generation timeouts (3.0), ahead of connect timeouts (2.0,
	// tied with 5xx, transport and stream_abort), ahead of empty responses
	// (1.5), ahead of 429 and body keywords (1.0). Pinning the relative
	// order guards against an accidental edit reshuffling severity.
	pm := DefaultPenalties()
	assert.Greater(t, pm.Get(KindHTTP4xxAuth), pm.Get(KindTimeoutGeneration))
	assert.Greater(t, pm.Get(KindTimeoutGeneration), pm.Get(KindTimeoutConnect))
	assert.Greater(t, pm.Get(KindTimeoutConnect), pm.Get(KindEmptyResponse))
	assert.Greater(t, pm.Get(KindEmptyResponse), pm.Get(KindHTTP429))
}

func TestPenaltyMapGetUnconfiguredDefaultsToOne(t *testing.T) {
	pm := PenaltyMap{}
	assert.Equal(t, 1.0, pm.Get(KindHTTP429))
}

func TestHealthPercentMonotonic(t *testing.T) {
	assert.Equal(t, 100, HealthPercent(0))
	assert.Less(t, HealthPercent(5), HealthPercent(0))
	assert.Less(t, HealthPercent(10), HealthPercent(5))
}
