// Package trace implements TraceRecorder (spec.md §4.8): an append-only,
// thread-safe ordered log of a single request's lifecycle events.
package trace

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/routergate/gateway/internal/models"
)

// Recorder accumulates TraceEvents for one request. It is safe to call
// Emit concurrently with the streaming response writer draining Events,
// since a request's trace is read only after the request completes.
type Recorder struct {
	mu     sync.Mutex
	start  time.Time
	events []models.TraceEvent
}

// New starts a Recorder anchored at the current time; ElapsedMsSinceStart on
// every emitted event is relative to this instant.
func New() *Recorder {
	return &Recorder{start: time.Now()}
}

// Emit appends one event to the trace. Stage must be one of the closed set
// in models.Stage; callers pass model/provider/reason/retryCount as
// relevant to that stage and leave the rest zero.
func (r *Recorder) Emit(stage models.Stage, status models.EventStatus, model, provider, reason string, retryCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, models.TraceEvent{
		Stage:               stage,
		Timestamp:           time.Now(),
		ElapsedMsSinceStart: float64(time.Since(r.start).Microseconds()) / 1000.0,
		Status:              status,
		Model:               model,
		Provider:            provider,
		Reason:              reason,
		RetryCount:          retryCount,
	})
}

// Events returns a copy of the recorded events in emission order.
func (r *Recorder) Events() []models.TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.TraceEvent, len(r.events))
	copy(out, r.events)
	return out
}

// JSON serializes the trace for RequestLog.TraceJSON.
func (r *Recorder) JSON() (string, error) {
	data, err := json.Marshal(r.Events())
	if err != nil {
		return "", err
	}
	return string(data), nil
}
