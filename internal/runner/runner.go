// Package runner is the worker-side runtime: it announces the worker to
// the coordinator, decodes dispatches from stdin, runs registered handlers
// concurrently, and writes replies to stdout one JSON object per line.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/nebojsa-prodana/automation-client/internal/log"
	"github.com/nebojsa-prodana/automation-client/internal/protocol"
)

// CommandRequest is the expected shape of a dispatch-command payload.
type CommandRequest struct {
	Action string          `json:"action"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// EventNotice is the expected shape of a dispatch-event payload.
type EventNotice struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Runner drives one worker process.
type Runner struct {
	reg    *Registry
	enc    *protocol.Encoder
	dec    *protocol.Decoder
	logger *slog.Logger

	wg sync.WaitGroup
}

// New creates a runner reading dispatches from in and replying on out.
func New(reg *Registry, in io.Reader, out io.Writer) *Runner {
	return &Runner{
		reg:    reg,
		enc:    protocol.NewEncoder(out),
		dec:    protocol.NewDecoder(in),
		logger: log.WithComponent("runner"),
	}
}

// RequestShutdown asks the coordinator to terminate with the given code.
func (r *Runner) RequestShutdown(code int) {
	r.send(protocol.Message{Type: protocol.TypeShutdownRequest}, protocol.ShutdownPayload{Code: code})
}

// Run announces readiness and processes dispatches until in closes or ctx
// is cancelled. In-flight handlers finish before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	r.send(protocol.Message{Type: protocol.TypeWorkOnline}, nil)

	type decoded struct {
		msg protocol.Message
		err error
	}
	msgs := make(chan decoded)
	go func() {
		defer close(msgs)
		for {
			msg, err := r.dec.Decode()
			select {
			case msgs <- decoded{msg: msg, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil && errors.Is(err, io.EOF) {
				return
			}
		}
	}()

	defer r.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, open := <-msgs:
			if !open {
				return nil
			}
			if errors.Is(d.err, io.EOF) {
				return nil
			}
			if d.err != nil {
				r.logger.Warn("dropping undecodable dispatch", "error", d.err)
				continue
			}
			switch d.msg.Type {
			case protocol.TypeDispatchCommand:
				r.wg.Add(1)
				go r.runCommand(ctx, d.msg)
			case protocol.TypeDispatchEvent:
				r.wg.Add(1)
				go r.runEvent(ctx, d.msg)
			default:
				r.logger.Debug("ignoring unexpected message", "type", d.msg.Type)
			}
		}
	}
}

func (r *Runner) runCommand(ctx context.Context, msg protocol.Message) {
	defer r.wg.Done()

	var req CommandRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			r.reply(protocol.TypeCommandFailure, msg.Context,
				protocol.HandlerResult{Code: 1, Message: fmt.Sprintf("malformed command payload: %v", err)})
			return
		}
	}

	h, ok := r.reg.command(req.Action)
	if !ok {
		r.reply(protocol.TypeCommandFailure, msg.Context,
			protocol.HandlerResult{Code: 1, Message: "unknown action: " + req.Action})
		return
	}

	res := r.invoke(ctx, h, msg.Context, req.Args)
	if res.Code == 0 {
		r.reply(protocol.TypeCommandSuccess, msg.Context, res)
	} else {
		r.reply(protocol.TypeCommandFailure, msg.Context, res)
	}
}

func (r *Runner) runEvent(ctx context.Context, msg protocol.Message) {
	defer r.wg.Done()

	var notice EventNotice
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &notice); err != nil {
			r.reply(protocol.TypeEventFailure, msg.Context,
				[]protocol.HandlerResult{{Code: 1, Message: fmt.Sprintf("malformed event payload: %v", err)}})
			return
		}
	}

	subs := r.reg.subscribers(notice.Name)
	results := make([]protocol.HandlerResult, 0, len(subs))
	failed := false
	for _, h := range subs {
		res := r.invoke(ctx, CommandHandler(h), msg.Context, notice.Data)
		if res.Code != 0 {
			failed = true
		}
		results = append(results, res)
	}

	if failed {
		r.reply(protocol.TypeEventFailure, msg.Context, results)
	} else {
		r.reply(protocol.TypeEventSuccess, msg.Context, results)
	}
}

// invoke runs one handler, converting panics and errors into failure
// results so a misbehaving handler never takes the worker down.
func (r *Runner) invoke(ctx context.Context, h CommandHandler, pctx protocol.Context, args json.RawMessage) (res protocol.HandlerResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked", "invocation_id", pctx.InvocationID, "panic", rec)
			res = protocol.HandlerResult{Code: 1, Message: fmt.Sprintf("handler panic: %v", rec)}
		}
	}()

	inv := Invocation{
		Context: pctx,
		Args:    args,
		Status: func(data any) {
			r.send(protocol.Message{Type: protocol.TypeStatusUpdate, Context: pctx}, data)
		},
	}

	res, err := h(ctx, inv)
	if err != nil {
		if res.Code == 0 {
			res.Code = 1
		}
		if res.Message == "" {
			res.Message = err.Error()
		}
		return res
	}
	return res
}

func (r *Runner) reply(t protocol.MessageType, pctx protocol.Context, payload any) {
	r.send(protocol.Message{Type: t, Context: pctx}, payload)
}

func (r *Runner) send(msg protocol.Message, payload any) {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			r.logger.Error("cannot marshal reply payload", "type", msg.Type, "error", err)
			return
		}
		msg.Data = data
	}
	if err := r.enc.Encode(msg); err != nil {
		r.logger.Error("cannot write reply", "type", msg.Type, "error", err)
	}
}
