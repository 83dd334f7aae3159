package trace

import (
	"encoding/json"
	"testing"

	"github.com/routergate/gateway/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitPreservesOrder(t *testing.T) {
	r := New()
	r.Emit(models.StageReqReceived, models.StatusInfo, "", "", "", 0)
	r.Emit(models.StageModelCallStart, models.StatusInfo, "openai/gpt-4o", "openai", "", 0)
	r.Emit(models.StageFullResponse, models.StatusSuccess, "openai/gpt-4o", "openai", "", 0)

	events := r.Events()
	require.Len(t, events, 3)
	assert.Equal(t, models.StageReqReceived, events[0].Stage)
	assert.Equal(t, models.StageModelCallStart, events[1].Stage)
	assert.Equal(t, models.StageFullResponse, events[2].Stage)
}

func TestElapsedMsIsNonDecreasing(t *testing.T) {
	r := New()
	r.Emit(models.StageReqReceived, models.StatusInfo, "", "", "", 0)
	r.Emit(models.StageModelCallStart, models.StatusInfo, "", "", "", 0)

	events := r.Events()
	assert.GreaterOrEqual(t, events[1].ElapsedMsSinceStart, events[0].ElapsedMsSinceStart)
}

func TestEventsReturnsACopyNotTheInternalSlice(t *testing.T) {
	r := New()
	r.Emit(models.StageReqReceived, models.StatusInfo, "", "", "", 0)

	events := r.Events()
	events[0].Stage = "TAMPERED"

	assert.Equal(t, models.StageReqReceived, r.Events()[0].Stage)
}

func TestJSONRoundTrips(t *testing.T) {
	r := New()
	r.Emit(models.StageModelFail, models.StatusFail, "openai/gpt-4o", "openai", "boom", 2)

	raw, err := r.JSON()
	require.NoError(t, err)

	var decoded []models.TraceEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "boom", decoded[0].Reason)
	assert.Equal(t, 2, decoded[0].RetryCount)
}
