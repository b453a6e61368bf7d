package engine

import (
	"errors"
	"fmt"

	"github.com/nebojsa-prodana/automation-client/internal/protocol"
)

// ErrWorkerLost rejects a pending result whose assigned worker died before
// replying. Callers can match it with errors.Is.
var ErrWorkerLost = errors.New("worker lost")

// HandlerFailure is the rejection error for a *-failure reply. It carries
// the handler-supplied result payload; a handler failure is an application
// outcome, not a system error.
type HandlerFailure struct {
	Results []protocol.HandlerResult
}

func (f *HandlerFailure) Error() string {
	if len(f.Results) == 0 {
		return "handler reported failure"
	}
	first := f.Results[0]
	if len(f.Results) == 1 {
		return fmt.Sprintf("handler reported failure (code %d): %s", first.Code, first.Message)
	}
	return fmt.Sprintf("%d handlers reported failure, first (code %d): %s", len(f.Results), first.Code, first.Message)
}
