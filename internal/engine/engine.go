package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nebojsa-prodana/automation-client/internal/deferred"
	"github.com/nebojsa-prodana/automation-client/internal/events"
	"github.com/nebojsa-prodana/automation-client/internal/history"
	"github.com/nebojsa-prodana/automation-client/internal/inflight"
	"github.com/nebojsa-prodana/automation-client/internal/log"
	"github.com/nebojsa-prodana/automation-client/internal/metrics"
	"github.com/nebojsa-prodana/automation-client/internal/protocol"
	"github.com/nebojsa-prodana/automation-client/internal/queue"
	"github.com/nebojsa-prodana/automation-client/internal/worker"
)

// defaultMetricsInterval is how often gauges are sampled.
const defaultMetricsInterval = time.Second

// Pool is the engine's view of the worker pool supervisor.
type Pool interface {
	Send(workerID string, msg protocol.Message) error
	Workers() []worker.Info
}

// Transport receives status-update messages for forwarding upstream. The
// engine passes them through verbatim.
type Transport interface {
	ForwardStatus(ctx protocol.Context, data json.RawMessage)
}

// Recorder persists terminal invocation outcomes. Append must not block.
type Recorder interface {
	Append(rec history.Record)
}

// Config holds engine settings.
type Config struct {
	MaxConcurrentPerWorker int
	MetricsInterval        time.Duration
}

// Options are the engine's injectable collaborators. Zero values get
// sensible defaults: a logging transport, no recorder, a fresh event hub,
// random worker selection, and os.Exit.
type Options struct {
	Transport  Transport
	Recorder   Recorder
	Hub        *events.Hub
	PickWorker PickWorker
	Exit       func(code int)
}

// Engine coordinates dispatch between submissions and the worker pool.
type Engine struct {
	cfg       Config
	pool      Pool
	transport Transport
	recorder  Recorder
	hub       *events.Hub
	pick      PickWorker
	exit      func(code int)
	logger    *slog.Logger

	// mu guards queue, tables, and the dispatch pass over them.
	mu     sync.Mutex
	queue  *queue.Queue
	tables *inflight.Tables

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an engine. Attach a pool with AttachPool before submitting.
func New(cfg Config, opts Options) *Engine {
	if cfg.MaxConcurrentPerWorker <= 0 {
		cfg.MaxConcurrentPerWorker = 1
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = defaultMetricsInterval
	}

	logger := log.WithComponent("engine")
	e := &Engine{
		cfg:       cfg,
		transport: opts.Transport,
		recorder:  opts.Recorder,
		hub:       opts.Hub,
		pick:      opts.PickWorker,
		exit:      opts.Exit,
		logger:    logger,
		queue:     queue.New(),
		tables:    inflight.NewTables(logger),
		stopCh:    make(chan struct{}),
	}
	if e.transport == nil {
		e.transport = logTransport{logger: logger}
	}
	if e.hub == nil {
		e.hub = events.NewHub(256)
	}
	if e.pick == nil {
		e.pick = PickRandom
	}
	if e.exit == nil {
		e.exit = os.Exit
	}
	return e
}

// AttachPool wires the worker pool. Must happen before the pool starts
// delivering sink callbacks.
func (e *Engine) AttachPool(p Pool) {
	e.pool = p
}

// Hub returns the engine's lifecycle event hub.
func (e *Engine) Hub() *events.Hub {
	return e.hub
}

// Start launches the periodic metrics sampler.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.sampleLoop()
}

// Stop halts the metrics sampler. Pending work is untouched; shutting down
// the pool is what settles outstanding results.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// SubmitCommand queues a command and returns its pending result. The
// awaitable is handed back before the item is necessarily dispatched.
// An empty invocation identity is filled with a fresh UUID.
func (e *Engine) SubmitCommand(pctx protocol.Context, payload json.RawMessage) *deferred.Deferred[protocol.HandlerResult] {
	if pctx.InvocationID == "" {
		pctx.InvocationID = uuid.NewString()
	}
	d := deferred.New[protocol.HandlerResult]()
	e.enqueue(queue.Item{
		Class:      queue.ClassCommand,
		Context:    pctx,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
		Command:    d,
	})
	return d
}

// SubmitEvent queues an event and returns its pending results, one per
// subscription the worker invokes.
func (e *Engine) SubmitEvent(pctx protocol.Context, payload json.RawMessage) *deferred.Deferred[[]protocol.HandlerResult] {
	if pctx.InvocationID == "" {
		pctx.InvocationID = uuid.NewString()
	}
	d := deferred.New[[]protocol.HandlerResult]()
	e.enqueue(queue.Item{
		Class:      queue.ClassEvent,
		Context:    pctx,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
		Events:     d,
	})
	return d
}

func (e *Engine) enqueue(it queue.Item) {
	e.mu.Lock()
	e.queue.Push(it)
	// Published before the dispatch pass so subscribers never see
	// "dispatched" ahead of "enqueued" for the same invocation. Publish is
	// non-blocking, so holding the lock here is fine.
	e.hub.Publish(events.TypeEnqueued, map[string]any{
		"invocation_id": it.InvocationID(),
		"class":         it.Class,
	})
	e.tryDispatchLocked()
	e.mu.Unlock()
}

// tryDispatchLocked drains the queue onto eligible workers. Greedy and
// non-blocking: it stops the moment no candidate has capacity, leaving the
// rest queued for the next trigger. Caller holds e.mu.
func (e *Engine) tryDispatchLocked() {
	for e.queue.Len() > 0 {
		workerID, ok := e.assignCandidateLocked()
		if !ok {
			return
		}

		it, _ := e.queue.Pop()
		id := it.InvocationID()

		var (
			msgType  protocol.MessageType
			trackErr error
		)
		switch it.Class {
		case queue.ClassCommand:
			msgType = protocol.TypeDispatchCommand
			trackErr = e.tables.Commands.Track(id, &inflight.Entry[protocol.HandlerResult]{
				Result:     it.Command,
				Context:    it.Context,
				WorkerID:   workerID,
				EnqueuedAt: it.EnqueuedAt,
			})
		case queue.ClassEvent:
			msgType = protocol.TypeDispatchEvent
			trackErr = e.tables.Events.Track(id, &inflight.Entry[[]protocol.HandlerResult]{
				Result:     it.Events,
				Context:    it.Context,
				WorkerID:   workerID,
				EnqueuedAt: it.EnqueuedAt,
			})
		}
		if trackErr != nil {
			e.logger.Error("cannot track invocation, rejecting", "invocation_id", id, "error", trackErr)
			it.RejectPending(trackErr)
			continue
		}

		msg := protocol.Message{Type: msgType, Context: it.Context, Data: it.Payload}
		if err := e.pool.Send(workerID, msg); err != nil {
			// The chosen worker went away between selection and transmit.
			// Evict and reject; the caller sees the dispatch error.
			sendErr := fmt.Errorf("dispatch %s: %w", id, err)
			e.logger.Warn("dispatch transmit failed", "invocation_id", id, "worker_id", workerID, "error", err)
			switch it.Class {
			case queue.ClassCommand:
				e.tables.Commands.Reject(id, sendErr)
			case queue.ClassEvent:
				e.tables.Events.Reject(id, sendErr)
			}
			continue
		}

		metrics.DispatchesTotal.WithLabelValues(string(it.Class)).Inc()
		e.hub.Publish(events.TypeDispatched, map[string]any{
			"invocation_id": id,
			"class":         it.Class,
			"worker_id":     workerID,
		})
	}
}

// assignCandidateLocked picks a worker with spare capacity, or reports that
// none exists. As a side effect it drops in-flight entries whose assigned
// worker is no longer live. Caller holds e.mu.
func (e *Engine) assignCandidateLocked() (string, bool) {
	live := make(map[string]bool)
	for _, info := range e.pool.Workers() {
		if info.Live {
			live[info.ID] = true
		}
	}

	mkLost := func(workerID string) error {
		return fmt.Errorf("%w: %s", ErrWorkerLost, workerID)
	}
	stale := e.tables.Commands.PurgeNotIn(live, mkLost)
	stale = append(stale, e.tables.Events.PurgeNotIn(live, mkLost)...)
	if len(stale) > 0 {
		e.logger.Warn("dropped in-flight entries of dead workers", "invocation_ids", stale)
	}

	candidates := make([]Candidate, 0, len(live))
	for id := range live {
		if n := e.tables.CountForWorker(id); n < e.cfg.MaxConcurrentPerWorker {
			candidates = append(candidates, Candidate{WorkerID: id, Assigned: n})
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	// Stable input order for deterministic policies; PickRandom shuffles anyway.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].WorkerID < candidates[j].WorkerID })
	return e.pick(candidates), true
}

// WorkerOnline implements worker.Sink: new capacity, retry dispatch.
func (e *Engine) WorkerOnline(workerID string) {
	e.hub.Publish(events.TypeWorkerOnline, map[string]any{"worker_id": workerID})

	e.mu.Lock()
	e.tryDispatchLocked()
	e.mu.Unlock()
}

// WorkerMessage implements worker.Sink: routes a worker reply by kind.
func (e *Engine) WorkerMessage(workerID string, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeCommandSuccess:
		res, err := msg.CommandResult()
		if err != nil {
			e.logger.Warn("malformed command-success payload", "invocation_id", msg.Context.InvocationID, "error", err)
			return
		}
		e.settleCommand(workerID, msg.Context, res, nil)

	case protocol.TypeCommandFailure:
		res, err := msg.CommandResult()
		if err != nil {
			e.logger.Warn("malformed command-failure payload", "invocation_id", msg.Context.InvocationID, "error", err)
			return
		}
		e.settleCommand(workerID, msg.Context, res, &HandlerFailure{Results: []protocol.HandlerResult{res}})

	case protocol.TypeEventSuccess:
		res, err := msg.EventResults()
		if err != nil {
			e.logger.Warn("malformed event-success payload", "invocation_id", msg.Context.InvocationID, "error", err)
			return
		}
		e.settleEvent(workerID, msg.Context, res, nil)

	case protocol.TypeEventFailure:
		res, err := msg.EventResults()
		if err != nil {
			e.logger.Warn("malformed event-failure payload", "invocation_id", msg.Context.InvocationID, "error", err)
			return
		}
		e.settleEvent(workerID, msg.Context, res, &HandlerFailure{Results: res})

	case protocol.TypeStatusUpdate:
		// Pass-through; the tables are not consulted.
		e.transport.ForwardStatus(msg.Context, msg.Data)
		e.hub.Publish(events.TypeStatusUpdate, map[string]any{
			"invocation_id": msg.Context.InvocationID,
			"worker_id":     workerID,
		})

	case protocol.TypeShutdownRequest:
		code := msg.ShutdownCode()
		e.logger.Warn("worker requested coordinator shutdown", "worker_id", workerID, "exit_code", code)
		e.exit(code)

	case protocol.TypeWorkOnline, protocol.TypeDispatchCommand, protocol.TypeDispatchEvent:
		// Not valid in this direction.
		e.logger.Debug("unexpected message direction, ignoring", "type", msg.Type, "worker_id", workerID)

	default:
		e.logger.Debug("unrecognized message type, ignoring", "type", msg.Type, "worker_id", workerID)
	}
}

func (e *Engine) settleCommand(workerID string, pctx protocol.Context, res protocol.HandlerResult, failure *HandlerFailure) {
	id := pctx.InvocationID

	e.mu.Lock()
	var enqueuedAt time.Time
	if entry := e.tables.Commands.Lookup(id); entry != nil {
		enqueuedAt = entry.EnqueuedAt
	}
	var settled bool
	if failure != nil {
		settled = e.tables.Commands.Reject(id, failure)
	} else {
		settled = e.tables.Commands.Resolve(id, res)
	}
	// Capacity freed, retry dispatch.
	e.tryDispatchLocked()
	e.mu.Unlock()

	if !settled {
		return
	}
	e.finish(id, string(queue.ClassCommand), workerID, failure == nil, res, enqueuedAt)
}

func (e *Engine) settleEvent(workerID string, pctx protocol.Context, res []protocol.HandlerResult, failure *HandlerFailure) {
	id := pctx.InvocationID

	e.mu.Lock()
	var enqueuedAt time.Time
	if entry := e.tables.Events.Lookup(id); entry != nil {
		enqueuedAt = entry.EnqueuedAt
	}
	var settled bool
	if failure != nil {
		settled = e.tables.Events.Reject(id, failure)
	} else {
		settled = e.tables.Events.Resolve(id, res)
	}
	e.tryDispatchLocked()
	e.mu.Unlock()

	if !settled {
		return
	}
	e.finish(id, string(queue.ClassEvent), workerID, failure == nil, res, enqueuedAt)
}

// finish emits the observability trail of a settled invocation. Listener
// errors here must never reach the dispatch path; both sinks are
// non-blocking by construction.
func (e *Engine) finish(invocationID, class, workerID string, success bool, result any, enqueuedAt time.Time) {
	outcome := history.OutcomeSuccess
	if !success {
		outcome = history.OutcomeFailure
	}

	if e.recorder != nil {
		payload, err := json.Marshal(result)
		if err != nil {
			e.logger.Warn("cannot marshal result for history", "invocation_id", invocationID, "error", err)
			payload = nil
		}
		e.recorder.Append(history.Record{
			InvocationID: invocationID,
			Class:        class,
			WorkerID:     workerID,
			Outcome:      outcome,
			Result:       payload,
			EnqueuedAt:   enqueuedAt,
			CompletedAt:  time.Now().UTC(),
		})
	}

	e.hub.Publish(events.TypeCompleted, map[string]any{
		"invocation_id": invocationID,
		"class":         class,
		"worker_id":     workerID,
		"outcome":       outcome,
	})
}

// WorkerExited implements worker.Sink: purge the dead worker's entries,
// rejecting each pending result, then retry dispatch (a replacement may
// already be spawning).
func (e *Engine) WorkerExited(workerID string, exitCode int, restarted bool) {
	lost := fmt.Errorf("%w: %s exited with code %d", ErrWorkerLost, workerID, exitCode)

	e.mu.Lock()
	purgedCommands := e.tables.Commands.PurgeWorker(workerID, lost)
	purgedEvents := e.tables.Events.PurgeWorker(workerID, lost)
	e.tryDispatchLocked()
	e.mu.Unlock()

	if len(purgedCommands)+len(purgedEvents) > 0 {
		e.logger.Warn("purged in-flight work of dead worker",
			"worker_id", workerID,
			"commands", purgedInvocationIDs(purgedCommands),
			"events", purgedInvocationIDs(purgedEvents),
		)
	}

	if e.recorder != nil {
		now := time.Now().UTC()
		for _, p := range purgedCommands {
			e.recorder.Append(history.Record{
				InvocationID: p.ID, Class: string(queue.ClassCommand),
				WorkerID: workerID, Outcome: history.OutcomeWorkerLost,
				EnqueuedAt: p.EnqueuedAt, CompletedAt: now,
			})
		}
		for _, p := range purgedEvents {
			e.recorder.Append(history.Record{
				InvocationID: p.ID, Class: string(queue.ClassEvent),
				WorkerID: workerID, Outcome: history.OutcomeWorkerLost,
				EnqueuedAt: p.EnqueuedAt, CompletedAt: now,
			})
		}
	}

	e.hub.Publish(events.TypeWorkerExited, map[string]any{
		"worker_id": workerID,
		"exit_code": exitCode,
		"restarted": restarted,
		"purged":    len(purgedCommands) + len(purgedEvents),
	})
}

func purgedInvocationIDs(purged []inflight.Purged) []string {
	ids := make([]string, 0, len(purged))
	for _, p := range purged {
		ids = append(ids, p.ID)
	}
	return ids
}

// WorkerStatus is one worker's row in a status snapshot.
type WorkerStatus struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	Live      bool      `json:"live"`
	Assigned  int       `json:"assigned"`
	StartedAt time.Time `json:"started_at"`
}

// Snapshot is a point-in-time view of engine state.
type Snapshot struct {
	QueueDepth       int            `json:"queue_depth"`
	QueuedCommands   int            `json:"queued_commands"`
	QueuedEvents     int            `json:"queued_events"`
	InflightCommands int            `json:"inflight_commands"`
	InflightEvents   int            `json:"inflight_events"`
	Workers          []WorkerStatus `json:"workers"`
}

// Status returns a consistent snapshot of queue, tables, and workers.
func (e *Engine) Status() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		QueueDepth:       e.queue.Len(),
		QueuedCommands:   e.queue.Commands(),
		QueuedEvents:     e.queue.Events(),
		InflightCommands: e.tables.Commands.Len(),
		InflightEvents:   e.tables.Events.Len(),
	}
	if e.pool != nil {
		for _, info := range e.pool.Workers() {
			snap.Workers = append(snap.Workers, WorkerStatus{
				ID:        info.ID,
				PID:       info.PID,
				Live:      info.Live,
				Assigned:  e.tables.CountForWorker(info.ID),
				StartedAt: info.StartedAt,
			})
		}
		sort.Slice(snap.Workers, func(i, j int) bool { return snap.Workers[i].ID < snap.Workers[j].ID })
	}
	return snap
}

func (e *Engine) sampleLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			snap := e.Status()
			metrics.QueueDepth.Set(float64(snap.QueueDepth))
			metrics.InflightCommands.Set(float64(snap.InflightCommands))
			metrics.InflightEvents.Set(float64(snap.InflightEvents))
			live := 0
			for _, w := range snap.Workers {
				if w.Live {
					live++
				}
			}
			metrics.LiveWorkers.Set(float64(live))
		}
	}
}

// logTransport is the default status-update sink when no upstream transport
// is attached.
type logTransport struct {
	logger *slog.Logger
}

func (t logTransport) ForwardStatus(pctx protocol.Context, data json.RawMessage) {
	t.logger.Info("status update", "invocation_id", pctx.InvocationID, "data", string(data))
}
