// Package inflight tracks dispatched work awaiting a worker reply. Two
// tables exist, one per work class, keyed by invocation identity. Entries
// are created at dispatch time and removed when a terminal outcome arrives
// or when the assigned worker is detected dead.
package inflight

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nebojsa-prodana/automation-client/internal/deferred"
	"github.com/nebojsa-prodana/automation-client/internal/protocol"
)

// Entry is one in-flight invocation: the pending deferred, the execution
// context, the worker currently assigned, and when the item was enqueued.
type Entry[T any] struct {
	Result     *deferred.Deferred[T]
	Context    protocol.Context
	WorkerID   string
	EnqueuedAt time.Time
}

// Purged identifies one entry removed by a worker purge.
type Purged struct {
	ID         string
	EnqueuedAt time.Time
}

// Table maps invocation identity to a pending entry for one work class.
// Not safe for concurrent use: the engine serializes all access.
type Table[T any] struct {
	name    string
	entries map[string]*Entry[T]
	logger  *slog.Logger
}

// NewTable creates an empty table. name appears in log lines ("command" or
// "event").
func NewTable[T any](name string, logger *slog.Logger) *Table[T] {
	return &Table[T]{
		name:    name,
		entries: make(map[string]*Entry[T]),
		logger:  logger,
	}
}

// Track registers an entry under an invocation identity. Tracking a
// duplicate identity is a caller bug and is rejected.
func (t *Table[T]) Track(id string, e *Entry[T]) error {
	if id == "" {
		return fmt.Errorf("track %s invocation: empty identity", t.name)
	}
	if _, exists := t.entries[id]; exists {
		return fmt.Errorf("track %s invocation %q: already in flight", t.name, id)
	}
	t.entries[id] = e
	return nil
}

// Lookup returns the entry for an identity, or nil.
func (t *Table[T]) Lookup(id string) *Entry[T] {
	return t.entries[id]
}

// Resolve completes and removes the entry for id. An absent identity is not
// an error: a reply may legitimately arrive after eviction, so it is only
// logged. Returns true if an entry was resolved.
func (t *Table[T]) Resolve(id string, outcome T) bool {
	e, ok := t.entries[id]
	if !ok {
		t.logger.Debug("outcome for unknown invocation, dropping", "class", t.name, "invocation_id", id)
		return false
	}
	delete(t.entries, id)
	e.Result.Resolve(outcome)
	return true
}

// Reject completes the entry for id with an error and removes it. Same
// absent-identity semantics as Resolve.
func (t *Table[T]) Reject(id string, err error) bool {
	e, ok := t.entries[id]
	if !ok {
		t.logger.Debug("failure for unknown invocation, dropping", "class", t.name, "invocation_id", id)
		return false
	}
	delete(t.entries, id)
	e.Result.Reject(err)
	return true
}

// PurgeWorker removes every entry assigned to workerID, rejecting each with
// err, and returns the purged entries. Purging without rejecting would leave
// callers hanging on a dead worker, so every removal settles the deferred.
func (t *Table[T]) PurgeWorker(workerID string, err error) []Purged {
	var purged []Purged
	for id, e := range t.entries {
		if e.WorkerID != workerID {
			continue
		}
		delete(t.entries, id)
		e.Result.Reject(err)
		purged = append(purged, Purged{ID: id, EnqueuedAt: e.EnqueuedAt})
	}
	return purged
}

// PurgeNotIn removes every entry whose worker is absent from live, rejecting
// each with the error built by mkErr. Used by the assignment pass to drop
// stale entries as a side effect of scanning.
func (t *Table[T]) PurgeNotIn(live map[string]bool, mkErr func(workerID string) error) []string {
	var purged []string
	for id, e := range t.entries {
		if live[e.WorkerID] {
			continue
		}
		delete(t.entries, id)
		e.Result.Reject(mkErr(e.WorkerID))
		purged = append(purged, id)
	}
	return purged
}

// CountForWorker returns the number of entries assigned to workerID.
func (t *Table[T]) CountForWorker(workerID string) int {
	n := 0
	for _, e := range t.entries {
		if e.WorkerID == workerID {
			n++
		}
	}
	return n
}

// Len returns the number of in-flight entries.
func (t *Table[T]) Len() int {
	return len(t.entries)
}
