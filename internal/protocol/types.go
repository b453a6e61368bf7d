package protocol

import "encoding/json"

// MessageType identifies a message on the master/worker channel. The set is
// closed: routing code switches exhaustively over these constants and ignores
// anything else.
type MessageType string

const (
	// worker -> master
	TypeWorkOnline      MessageType = "work-online"
	TypeCommandSuccess  MessageType = "command-success"
	TypeCommandFailure  MessageType = "command-failure"
	TypeEventSuccess    MessageType = "event-success"
	TypeEventFailure    MessageType = "event-failure"
	TypeStatusUpdate    MessageType = "status-update"
	TypeShutdownRequest MessageType = "shutdown-request"

	// master -> worker
	TypeDispatchCommand MessageType = "dispatch-command"
	TypeDispatchEvent   MessageType = "dispatch-event"
)

// Known reports whether t is part of the protocol. Unknown types are ignored
// by the receiver, never fatal.
func (t MessageType) Known() bool {
	switch t {
	case TypeWorkOnline, TypeCommandSuccess, TypeCommandFailure,
		TypeEventSuccess, TypeEventFailure, TypeStatusUpdate,
		TypeShutdownRequest, TypeDispatchCommand, TypeDispatchEvent:
		return true
	}
	return false
}

// Outcome reports whether t is a terminal reply for a tracked invocation.
func (t MessageType) Outcome() bool {
	switch t {
	case TypeCommandSuccess, TypeCommandFailure, TypeEventSuccess, TypeEventFailure:
		return true
	}
	return false
}

// Context is the execution context attached to every message. The engine
// only reads InvocationID; everything else is opaque and travels with the
// work item so the worker can hand it back unchanged.
type Context struct {
	InvocationID string         `json:"invocation_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Message is the envelope exchanged between master and workers, one JSON
// object per line.
type Message struct {
	Type    MessageType     `json:"type"`
	Context Context         `json:"context"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// HandlerResult is the outcome a handler produces for one invocation.
// Code 0 means success; anything else is a handler-reported failure.
type HandlerResult struct {
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ShutdownPayload carries the exit code of a shutdown-request message.
type ShutdownPayload struct {
	Code int `json:"code"`
}

// NewMessage builds an envelope with a JSON-encoded payload.
func NewMessage(t MessageType, ctx Context, payload any) (Message, error) {
	msg := Message{Type: t, Context: ctx}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	msg.Data = data
	return msg, nil
}

// CommandResult decodes the message payload as a single HandlerResult.
func (m Message) CommandResult() (HandlerResult, error) {
	var res HandlerResult
	if len(m.Data) == 0 {
		return res, nil
	}
	err := json.Unmarshal(m.Data, &res)
	return res, err
}

// EventResults decodes the message payload as a list of HandlerResults.
func (m Message) EventResults() ([]HandlerResult, error) {
	if len(m.Data) == 0 {
		return nil, nil
	}
	var res []HandlerResult
	err := json.Unmarshal(m.Data, &res)
	return res, err
}

// ShutdownCode decodes the exit code of a shutdown-request message.
// Defaults to 0 when the payload is missing or malformed.
func (m Message) ShutdownCode() int {
	var p ShutdownPayload
	if len(m.Data) == 0 {
		return 0
	}
	if err := json.Unmarshal(m.Data, &p); err != nil {
		return 0
	}
	return p.Code
}
