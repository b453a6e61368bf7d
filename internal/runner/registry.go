package runner

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nebojsa-prodana/automation-client/internal/protocol"
)

// Invocation is one unit of work handed to a handler.
type Invocation struct {
	// Context is the execution context from the coordinator, echoed back
	// verbatim on every reply.
	Context protocol.Context
	// Args is the handler-specific portion of the payload.
	Args json.RawMessage
	// Status sends an intermediate status-update for this invocation.
	// Safe to call from the handler goroutine at any point.
	Status func(data any)
}

// CommandHandler executes one command. A returned error or a non-zero
// result code both count as handler-reported failure.
type CommandHandler func(ctx context.Context, inv Invocation) (protocol.HandlerResult, error)

// EventHandler is one subscription to an event name. Every subscription
// runs for every matching event and contributes one result.
type EventHandler func(ctx context.Context, inv Invocation) (protocol.HandlerResult, error)

// Registry maps command actions and event names to handlers.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]CommandHandler
	events   map[string][]EventHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]CommandHandler),
		events:   make(map[string][]EventHandler),
	}
}

// RegisterCommand binds an action name to a handler. Later registrations
// replace earlier ones.
func (r *Registry) RegisterCommand(action string, h CommandHandler) {
	r.mu.Lock()
	r.commands[action] = h
	r.mu.Unlock()
}

// Subscribe adds a handler for an event name. Multiple subscriptions per
// name are allowed and all run.
func (r *Registry) Subscribe(name string, h EventHandler) {
	r.mu.Lock()
	r.events[name] = append(r.events[name], h)
	r.mu.Unlock()
}

func (r *Registry) command(action string) (CommandHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.commands[action]
	return h, ok
}

func (r *Registry) subscribers(name string) []EventHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.events[name]
}
