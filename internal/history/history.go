// Package history appends terminal invocation outcomes to SQLite so
// operators can inspect what happened to a submission after the fact. The
// engine hands records to a buffered channel; a background writer persists
// them. A full buffer or a failed insert is logged and dropped, never felt
// by the dispatch path.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nebojsa-prodana/automation-client/internal/log"
)

// Outcome values recorded for an invocation.
const (
	OutcomeSuccess    = "success"
	OutcomeFailure    = "failure"
	OutcomeWorkerLost = "worker-lost"
)

// ErrNotFound is returned when an invocation has no recorded outcome.
var ErrNotFound = errors.New("invocation not found")

// Record is one terminal outcome.
type Record struct {
	InvocationID string          `json:"invocation_id"`
	Class        string          `json:"class"`
	WorkerID     string          `json:"worker_id,omitempty"`
	Outcome      string          `json:"outcome"`
	Result       json.RawMessage `json:"result,omitempty"`
	EnqueuedAt   time.Time       `json:"enqueued_at,omitempty"`
	CompletedAt  time.Time       `json:"completed_at"`
}

// Log is the append-only invocation outcome store.
type Log struct {
	db     *sql.DB
	logger *slog.Logger

	ch   chan Record
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a Log and starts its background writer.
func New(db *sql.DB) *Log {
	l := &Log{
		db:     db,
		logger: log.WithComponent("history"),
		ch:     make(chan Record, 256),
	}
	l.wg.Add(1)
	go l.writeLoop()
	return l
}

// Append queues a record for persistence. Never blocks; drops with a warn
// if the writer is behind.
func (l *Log) Append(rec Record) {
	select {
	case l.ch <- rec:
	default:
		l.logger.Warn("history buffer full, dropping record", "invocation_id", rec.InvocationID)
	}
}

// Close drains pending records and stops the writer.
func (l *Log) Close() {
	l.once.Do(func() { close(l.ch) })
	l.wg.Wait()
}

func (l *Log) writeLoop() {
	defer l.wg.Done()
	for rec := range l.ch {
		if err := l.insert(context.Background(), rec); err != nil {
			l.logger.Warn("failed to record invocation outcome", "invocation_id", rec.InvocationID, "error", err)
		}
	}
}

func (l *Log) insert(ctx context.Context, rec Record) error {
	if rec.InvocationID == "" {
		return fmt.Errorf("invocation_id is empty")
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}

	var result any
	if len(rec.Result) > 0 {
		result = string(rec.Result)
	}
	var enqueued any
	if !rec.EnqueuedAt.IsZero() {
		enqueued = rec.EnqueuedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := l.db.ExecContext(ctx, `
INSERT OR REPLACE INTO invocation_history(
  invocation_id, class, worker_id, outcome, result, enqueued_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, rec.InvocationID, rec.Class, rec.WorkerID, rec.Outcome, result, enqueued,
		rec.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert invocation history: %w", err)
	}
	return nil
}

// Get returns the recorded outcome for one invocation.
func (l *Log) Get(ctx context.Context, invocationID string) (*Record, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT invocation_id, class, worker_id, outcome, result, enqueued_at, completed_at
FROM invocation_history
WHERE invocation_id = ?;
`, invocationID)

	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load invocation history: %w", err)
	}
	return rec, nil
}

// Recent returns up to limit outcomes, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT invocation_id, class, worker_id, outcome, result, enqueued_at, completed_at
FROM invocation_history
ORDER BY completed_at DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query invocation history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan invocation history: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var (
		rec        Record
		workerID   sql.NullString
		result     sql.NullString
		enqueuedAt sql.NullString
		completed  string
	)
	if err := scan(&rec.InvocationID, &rec.Class, &workerID, &rec.Outcome, &result, &enqueuedAt, &completed); err != nil {
		return nil, err
	}
	if workerID.Valid {
		rec.WorkerID = workerID.String
	}
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	if enqueuedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, enqueuedAt.String); err == nil {
			rec.EnqueuedAt = t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, completed); err == nil {
		rec.CompletedAt = t
	}
	return &rec, nil
}
