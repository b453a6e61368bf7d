package inflight

import (
	"log/slog"

	"github.com/nebojsa-prodana/automation-client/internal/protocol"
)

// Tables pairs the two per-class in-flight tables. Invocation identities
// are unique across both: an identity lives in at most one table at a time.
type Tables struct {
	Commands *Table[protocol.HandlerResult]
	Events   *Table[[]protocol.HandlerResult]
}

// NewTables creates an empty pair of tables.
func NewTables(logger *slog.Logger) *Tables {
	return &Tables{
		Commands: NewTable[protocol.HandlerResult]("command", logger),
		Events:   NewTable[[]protocol.HandlerResult]("event", logger),
	}
}

// CountForWorker returns the total entries assigned to workerID across both
// classes.
func (t *Tables) CountForWorker(workerID string) int {
	return t.Commands.CountForWorker(workerID) + t.Events.CountForWorker(workerID)
}

// PurgeWorker purges both tables for a dead worker and returns all removed
// entries.
func (t *Tables) PurgeWorker(workerID string, err error) []Purged {
	purged := t.Commands.PurgeWorker(workerID, err)
	return append(purged, t.Events.PurgeWorker(workerID, err)...)
}

// PurgeNotIn purges both tables of entries assigned to workers absent from
// live.
func (t *Tables) PurgeNotIn(live map[string]bool, mkErr func(workerID string) error) []string {
	purged := t.Commands.PurgeNotIn(live, mkErr)
	return append(purged, t.Events.PurgeNotIn(live, mkErr)...)
}

// Len returns the total in-flight entries across both classes.
func (t *Tables) Len() int {
	return t.Commands.Len() + t.Events.Len()
}
