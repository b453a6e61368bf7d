package api

import (
	"encoding/json"

	"github.com/nebojsa-prodana/automation-client/internal/engine"
	"github.com/nebojsa-prodana/automation-client/internal/protocol"
)

// SubmitRequest is the body for POST /api/v1/commands and /api/v1/events.
type SubmitRequest struct {
	InvocationID string          `json:"invocation_id,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Submission status values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusPending = "pending"
	StatusError   = "error"
)

// SubmitResponse reports the outcome of a submission, or that it is
// still pending after the submit timeout.
type SubmitResponse struct {
	InvocationID string                   `json:"invocation_id"`
	Status       string                   `json:"status"`
	Result       *protocol.HandlerResult  `json:"result,omitempty"`
	Results      []protocol.HandlerResult `json:"results,omitempty"`
	Error        string                   `json:"error,omitempty"`
}

// StatusResponse is the body for GET /api/v1/status.
type StatusResponse struct {
	Engine        engine.Snapshot `json:"engine"`
	ConfigDigest  string          `json:"config_digest,omitempty"`
	UptimeSeconds int64           `json:"uptime_seconds"`
}

type errorResponse struct {
	Error string `json:"error"`
}
