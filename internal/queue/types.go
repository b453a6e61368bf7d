package queue

import (
	"encoding/json"
	"time"

	"github.com/nebojsa-prodana/automation-client/internal/deferred"
	"github.com/nebojsa-prodana/automation-client/internal/protocol"
)

// Class is the work class of an item. Commands are dispatched ahead of
// events regardless of arrival order.
type Class string

const (
	ClassCommand Class = "command"
	ClassEvent   Class = "event"
)

// Item is one unit of submitted work. It is a tagged union over the two
// work classes: exactly one of Command / Events is non-nil, matching Class.
// The deferred handle is created at submission time and travels with the
// item until a worker is assigned.
type Item struct {
	Class      Class
	Context    protocol.Context
	Payload    json.RawMessage
	EnqueuedAt time.Time

	// Command holds the pending result for ClassCommand items.
	Command *deferred.Deferred[protocol.HandlerResult]
	// Events holds the pending results for ClassEvent items.
	Events *deferred.Deferred[[]protocol.HandlerResult]
}

// InvocationID returns the item's invocation identity.
func (it Item) InvocationID() string {
	return it.Context.InvocationID
}

// RejectPending rejects whichever deferred the item carries.
func (it Item) RejectPending(err error) {
	switch it.Class {
	case ClassCommand:
		if it.Command != nil {
			it.Command.Reject(err)
		}
	case ClassEvent:
		if it.Events != nil {
			it.Events.Reject(err)
		}
	}
}
