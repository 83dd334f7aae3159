// Package logsink is the append-only persistence layer for RequestLog
// records (spec.md §3, §6), backed by SQLite through the pure-Go
// modernc.org/sqlite driver.
package logsink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/routergate/gateway/internal/models"
	"go.uber.org/zap"
)

// Sink appends and prunes RequestLog rows.
type Sink struct {
	db  *sql.DB
	log *zap.Logger
}

// New wraps an already-migrated *sql.DB.
func New(db *sql.DB, log *zap.Logger) *Sink {
	return &Sink{db: db, log: log}
}

// Append inserts a single RequestLog row. It is safe to call from a detached
// context so a client disconnect does not truncate the write (spec.md §5,
// "the terminal log write ... must not be canceled by request-context
// cancellation").
func (s *Sink) Append(ctx context.Context, entry *models.RequestLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_logs (
			id, received_at, tier, chosen_model, duration_ms, status,
			retry_count, request_body, response_body, trace_json, stack_trace,
			prompt_tokens, completion_tokens, token_source
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ReceivedAt, string(entry.Tier), entry.ChosenModel,
		entry.DurationMs, string(entry.Status), entry.RetryCount,
		entry.RequestBodyJSON, entry.ResponseBodyJSONText, entry.TraceJSON,
		entry.StackTrace, entry.PromptTokens, entry.CompletionTokens,
		string(entry.TokenSource),
	)
	if err != nil {
		return fmt.Errorf("insert request log %s: %w", entry.ID, err)
	}
	return nil
}

// AppendAsync fires Append on a detached context in its own goroutine and
// logs any failure, matching the teacher's SaveRequestLog fire-and-forget
// pattern used so the client response path is never blocked on log I/O.
func (s *Sink) AppendAsync(entry *models.RequestLog) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Append(ctx, entry); err != nil {
			s.log.Error("failed to persist request log", zap.String("id", entry.ID), zap.Error(err))
		}
	}()
}

// Prune deletes request logs received before the cutoff. It backs the
// supplemented log-retention feature carried over from original_source's
// prune_logs (SPEC_FULL.md §10.1).
func (s *Sink) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM request_logs WHERE received_at < ?", olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune request logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
