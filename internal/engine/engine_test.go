package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebojsa-prodana/automation-client/internal/events"
	"github.com/nebojsa-prodana/automation-client/internal/history"
	"github.com/nebojsa-prodana/automation-client/internal/log"
	"github.com/nebojsa-prodana/automation-client/internal/protocol"
	"github.com/nebojsa-prodana/automation-client/internal/worker"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

type sent struct {
	WorkerID string
	Msg      protocol.Message
}

// fakePool stands in for the worker pool supervisor: a fixed worker list
// and a transcript of transmitted messages.
type fakePool struct {
	mu       sync.Mutex
	workers  []worker.Info
	sent     []sent
	failSend map[string]error
}

func (p *fakePool) Send(workerID string, msg protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failSend[workerID]; ok {
		return err
	}
	p.sent = append(p.sent, sent{WorkerID: workerID, Msg: msg})
	return nil
}

func (p *fakePool) Workers() []worker.Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]worker.Info(nil), p.workers...)
}

func (p *fakePool) setWorkers(infos ...worker.Info) {
	p.mu.Lock()
	p.workers = infos
	p.mu.Unlock()
}

func (p *fakePool) transcript() []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sent(nil), p.sent...)
}

func liveWorker(id string) worker.Info {
	return worker.Info{ID: id, Live: true, StartedAt: time.Now()}
}

// pickFirst makes candidate selection deterministic for tests.
func pickFirst(candidates []Candidate) string {
	return candidates[0].WorkerID
}

func newTestEngine(t *testing.T, cap int, pool *fakePool) *Engine {
	t.Helper()
	e := New(Config{MaxConcurrentPerWorker: cap}, Options{
		PickWorker: pickFirst,
		Exit: func(code int) {
			t.Fatalf("unexpected exit(%d)", code)
		},
	})
	e.AttachPool(pool)
	return e
}

func awaitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCommandsDispatchBeforeEvents(t *testing.T) {
	pool := &fakePool{}
	e := newTestEngine(t, 4, pool)

	// No workers yet: both stay queued.
	e.SubmitEvent(protocol.Context{InvocationID: "ev-1"}, nil)
	e.SubmitCommand(protocol.Context{InvocationID: "cmd-1"}, nil)
	require.Empty(t, pool.transcript())

	pool.setWorkers(liveWorker("w1"))
	e.WorkerOnline("w1")

	tr := pool.transcript()
	require.Len(t, tr, 2)
	// Command dispatched first even though the event arrived earlier.
	assert.Equal(t, protocol.TypeDispatchCommand, tr[0].Msg.Type)
	assert.Equal(t, "cmd-1", tr[0].Msg.Context.InvocationID)
	assert.Equal(t, protocol.TypeDispatchEvent, tr[1].Msg.Type)
	assert.Equal(t, "ev-1", tr[1].Msg.Context.InvocationID)
}

func TestFIFOWithinClassWhileSaturated(t *testing.T) {
	pool := &fakePool{}
	e := newTestEngine(t, 8, pool)

	for _, id := range []string{"a", "b", "c"} {
		e.SubmitCommand(protocol.Context{InvocationID: id}, nil)
	}
	require.Empty(t, pool.transcript())

	pool.setWorkers(liveWorker("w1"))
	e.WorkerOnline("w1")

	var order []string
	for _, s := range pool.transcript() {
		order = append(order, s.Msg.Context.InvocationID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestPerWorkerConcurrencyCap(t *testing.T) {
	pool := &fakePool{}
	pool.setWorkers(liveWorker("w1"))
	e := newTestEngine(t, 2, pool)

	for i := 0; i < 5; i++ {
		e.SubmitCommand(protocol.Context{InvocationID: fmt.Sprintf("cmd-%d", i)}, nil)
	}

	assert.Len(t, pool.transcript(), 2)
	snap := e.Status()
	assert.Equal(t, 2, snap.InflightCommands)
	assert.Equal(t, 3, snap.QueueDepth)
	require.Len(t, snap.Workers, 1)
	assert.Equal(t, 2, snap.Workers[0].Assigned)
}

func TestCapacityFreesAcrossWorkers(t *testing.T) {
	pool := &fakePool{}
	pool.setWorkers(liveWorker("w1"), liveWorker("w2"))
	e := newTestEngine(t, 1, pool)

	e.SubmitCommand(protocol.Context{InvocationID: "a"}, nil)
	e.SubmitCommand(protocol.Context{InvocationID: "b"}, nil)
	e.SubmitCommand(protocol.Context{InvocationID: "c"}, nil)

	// Two workers, cap 1 each: exactly two in flight.
	assert.Len(t, pool.transcript(), 2)

	// Completing "a" frees capacity; "c" dispatches.
	first := pool.transcript()[0]
	e.WorkerMessage(first.WorkerID, mustMessage(t, protocol.TypeCommandSuccess, first.Msg.Context, protocol.HandlerResult{Code: 0}))
	assert.Len(t, pool.transcript(), 3)
}

func TestReplyResolvesExactlyMatchingInvocation(t *testing.T) {
	pool := &fakePool{}
	pool.setWorkers(liveWorker("w1"))
	e := newTestEngine(t, 4, pool)

	da := e.SubmitCommand(protocol.Context{InvocationID: "a"}, nil)
	db := e.SubmitCommand(protocol.Context{InvocationID: "b"}, nil)

	e.WorkerMessage("w1", mustMessage(t, protocol.TypeCommandSuccess,
		protocol.Context{InvocationID: "a"}, protocol.HandlerResult{Code: 0, Message: "a done"}))

	res, err := da.Await(awaitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "a done", res.Message)
	assert.False(t, db.Settled())

	snap := e.Status()
	assert.Equal(t, 1, snap.InflightCommands)
}

func TestCommandFailureRejectsWithHandlerFailure(t *testing.T) {
	pool := &fakePool{}
	pool.setWorkers(liveWorker("w1"))
	e := newTestEngine(t, 1, pool)

	d := e.SubmitCommand(protocol.Context{InvocationID: "a"}, nil)
	e.WorkerMessage("w1", mustMessage(t, protocol.TypeCommandFailure,
		protocol.Context{InvocationID: "a"}, protocol.HandlerResult{Code: 1, Message: "bad parameters"}))

	_, err := d.Await(awaitCtx(t))
	var hf *HandlerFailure
	require.ErrorAs(t, err, &hf)
	require.Len(t, hf.Results, 1)
	assert.Equal(t, 1, hf.Results[0].Code)
	assert.Contains(t, hf.Error(), "bad parameters")
}

func TestEventOutcomeCarriesAllResults(t *testing.T) {
	pool := &fakePool{}
	pool.setWorkers(liveWorker("w1"))
	e := newTestEngine(t, 1, pool)

	d := e.SubmitEvent(protocol.Context{InvocationID: "ev"}, json.RawMessage(`{"name":"build.finished"}`))
	e.WorkerMessage("w1", mustMessage(t, protocol.TypeEventSuccess,
		protocol.Context{InvocationID: "ev"}, []protocol.HandlerResult{{Code: 0}, {Code: 0, Message: "second subscription"}}))

	res, err := d.Await(awaitCtx(t))
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "second subscription", res[1].Message)
}

func TestLateReplyAfterEvictionIsDropped(t *testing.T) {
	pool := &fakePool{}
	pool.setWorkers(liveWorker("w1"))
	e := newTestEngine(t, 1, pool)

	d := e.SubmitCommand(protocol.Context{InvocationID: "a"}, nil)
	e.WorkerExited("w1", 1, true)

	_, err := d.Await(awaitCtx(t))
	require.ErrorIs(t, err, ErrWorkerLost)

	// The straggler reply for the evicted identity must be a no-op.
	e.WorkerMessage("w1", mustMessage(t, protocol.TypeCommandSuccess,
		protocol.Context{InvocationID: "a"}, protocol.HandlerResult{Code: 0}))
	assert.Equal(t, 0, e.Status().InflightCommands)
}

func TestWorkerDeathPurgesAndRejects(t *testing.T) {
	pool := &fakePool{}
	pool.setWorkers(liveWorker("w1"), liveWorker("w2"))
	e := newTestEngine(t, 4, pool)

	dc := e.SubmitCommand(protocol.Context{InvocationID: "abc"}, nil)
	de := e.SubmitEvent(protocol.Context{InvocationID: "def"}, nil)
	// pickFirst assigns everything to w1.
	require.Len(t, pool.transcript(), 2)

	pool.setWorkers(liveWorker("w2"))
	e.WorkerExited("w1", 137, true)

	_, err := dc.Await(awaitCtx(t))
	require.ErrorIs(t, err, ErrWorkerLost)
	_, err = de.Await(awaitCtx(t))
	require.ErrorIs(t, err, ErrWorkerLost)

	snap := e.Status()
	assert.Equal(t, 0, snap.InflightCommands)
	assert.Equal(t, 0, snap.InflightEvents)
}

func TestStaleEntriesDroppedDuringAssignmentScan(t *testing.T) {
	pool := &fakePool{}
	pool.setWorkers(liveWorker("w1"))
	e := newTestEngine(t, 1, pool)

	stale := e.SubmitCommand(protocol.Context{InvocationID: "stale"}, nil)
	require.Len(t, pool.transcript(), 1)

	// w1 silently replaced by w2: no exit callback, only the roster changed.
	pool.setWorkers(liveWorker("w2"))
	e.SubmitCommand(protocol.Context{InvocationID: "fresh"}, nil)

	// The assignment scan dropped the stale entry, freeing w2 for "fresh".
	_, err := stale.Await(awaitCtx(t))
	require.ErrorIs(t, err, ErrWorkerLost)

	tr := pool.transcript()
	require.Len(t, tr, 2)
	assert.Equal(t, "w2", tr[1].WorkerID)
	assert.Equal(t, "fresh", tr[1].Msg.Context.InvocationID)
}

func TestQueuedItemDispatchesToReplacementWorker(t *testing.T) {
	pool := &fakePool{}
	pool.setWorkers(liveWorker("w1"))
	e := newTestEngine(t, 1, pool)

	e.SubmitCommand(protocol.Context{InvocationID: "a"}, nil)
	e.SubmitCommand(protocol.Context{InvocationID: "b"}, nil)
	require.Len(t, pool.transcript(), 1)

	// w1 dies, pool respawns w2, which comes online.
	pool.setWorkers(worker.Info{ID: "w2", Live: false})
	e.WorkerExited("w1", 1, true)
	require.Len(t, pool.transcript(), 1) // w2 not online yet

	pool.setWorkers(liveWorker("w2"))
	e.WorkerOnline("w2")

	tr := pool.transcript()
	require.Len(t, tr, 2)
	assert.Equal(t, "w2", tr[1].WorkerID)
	assert.Equal(t, "b", tr[1].Msg.Context.InvocationID)
}

func TestStatusUpdateForwardedVerbatim(t *testing.T) {
	pool := &fakePool{}
	pool.setWorkers(liveWorker("w1"))

	var forwarded []string
	var mu sync.Mutex
	e := New(Config{MaxConcurrentPerWorker: 1}, Options{
		PickWorker: pickFirst,
		Transport: transportFunc(func(pctx protocol.Context, data json.RawMessage) {
			mu.Lock()
			forwarded = append(forwarded, string(data))
			mu.Unlock()
		}),
	})
	e.AttachPool(pool)

	e.SubmitCommand(protocol.Context{InvocationID: "a"}, nil)
	e.WorkerMessage("w1", protocol.Message{
		Type:    protocol.TypeStatusUpdate,
		Context: protocol.Context{InvocationID: "a"},
		Data:    json.RawMessage(`{"phase":"cloning"}`),
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, forwarded, 1)
	assert.JSONEq(t, `{"phase":"cloning"}`, forwarded[0])
	// Status updates never touch the tables.
	assert.Equal(t, 1, e.Status().InflightCommands)
}

type transportFunc func(pctx protocol.Context, data json.RawMessage)

func (f transportFunc) ForwardStatus(pctx protocol.Context, data json.RawMessage) { f(pctx, data) }

func TestShutdownRequestTerminatesWithCode(t *testing.T) {
	pool := &fakePool{}
	pool.setWorkers(liveWorker("w1"))

	var exitCode int
	exited := false
	e := New(Config{MaxConcurrentPerWorker: 1}, Options{
		PickWorker: pickFirst,
		Exit: func(code int) {
			exitCode = code
			exited = true
		},
	})
	e.AttachPool(pool)

	e.WorkerMessage("w1", mustMessage(t, protocol.TypeShutdownRequest, protocol.Context{}, protocol.ShutdownPayload{Code: 3}))
	require.True(t, exited)
	assert.Equal(t, 3, exitCode)
}

func TestUnrecognizedMessageKindIgnored(t *testing.T) {
	pool := &fakePool{}
	pool.setWorkers(liveWorker("w1"))
	e := newTestEngine(t, 1, pool)

	d := e.SubmitCommand(protocol.Context{InvocationID: "a"}, nil)
	e.WorkerMessage("w1", protocol.Message{
		Type:    "telemetry-blob",
		Context: protocol.Context{InvocationID: "a"},
	})

	assert.False(t, d.Settled())
	assert.Equal(t, 1, e.Status().InflightCommands)
}

func TestTransmitFailureRejectsEntry(t *testing.T) {
	pool := &fakePool{failSend: map[string]error{"w1": errors.New("pipe closed")}}
	pool.setWorkers(liveWorker("w1"))
	e := newTestEngine(t, 1, pool)

	d := e.SubmitCommand(protocol.Context{InvocationID: "a"}, nil)
	_, err := d.Await(awaitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipe closed")
	assert.Equal(t, 0, e.Status().InflightCommands)
}

func TestSubmitFillsEmptyInvocationIdentity(t *testing.T) {
	pool := &fakePool{}
	pool.setWorkers(liveWorker("w1"))
	e := newTestEngine(t, 1, pool)

	e.SubmitCommand(protocol.Context{}, nil)
	tr := pool.transcript()
	require.Len(t, tr, 1)
	assert.NotEmpty(t, tr[0].Msg.Context.InvocationID)
}

func TestSerialWorkerCompletesInOrder(t *testing.T) {
	// Pool size 1, cap 1: A dispatches, B queues, A's success releases B.
	pool := &fakePool{}
	pool.setWorkers(liveWorker("w1"))
	e := newTestEngine(t, 1, pool)

	da := e.SubmitCommand(protocol.Context{InvocationID: "A"}, nil)
	db := e.SubmitCommand(protocol.Context{InvocationID: "B"}, nil)

	tr := pool.transcript()
	require.Len(t, tr, 1)
	assert.Equal(t, "A", tr[0].Msg.Context.InvocationID)
	assert.False(t, db.Settled())

	e.WorkerMessage("w1", mustMessage(t, protocol.TypeCommandSuccess,
		protocol.Context{InvocationID: "A"}, protocol.HandlerResult{Code: 0}))

	_, err := da.Await(awaitCtx(t))
	require.NoError(t, err)

	tr = pool.transcript()
	require.Len(t, tr, 2)
	assert.Equal(t, "B", tr[1].Msg.Context.InvocationID)
}

func TestWorkerLostRecordedInHistory(t *testing.T) {
	pool := &fakePool{}
	pool.setWorkers(liveWorker("w1"))

	rec := &recordingSink{}
	e := New(Config{MaxConcurrentPerWorker: 2}, Options{
		PickWorker: pickFirst,
		Recorder:   rec,
	})
	e.AttachPool(pool)

	e.SubmitCommand(protocol.Context{InvocationID: "abc"}, nil)
	pool.setWorkers()
	e.WorkerExited("w1", 9, false)

	recs := rec.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "abc", recs[0].InvocationID)
	assert.Equal(t, history.OutcomeWorkerLost, recs[0].Outcome)
	assert.Equal(t, "w1", recs[0].WorkerID)
	assert.False(t, recs[0].EnqueuedAt.IsZero())
}

func TestHistoryRecordCarriesEnqueueTime(t *testing.T) {
	pool := &fakePool{}
	pool.setWorkers(liveWorker("w1"))

	rec := &recordingSink{}
	e := New(Config{MaxConcurrentPerWorker: 1}, Options{
		PickWorker: pickFirst,
		Recorder:   rec,
	})
	e.AttachPool(pool)

	e.SubmitCommand(protocol.Context{InvocationID: "abc"}, nil)
	e.WorkerMessage("w1", mustMessage(t, protocol.TypeCommandSuccess,
		protocol.Context{InvocationID: "abc"}, protocol.HandlerResult{Code: 0}))

	recs := rec.records()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].EnqueuedAt.IsZero())
	assert.False(t, recs[0].EnqueuedAt.After(recs[0].CompletedAt))
}

func TestEnqueuedPublishedBeforeDispatched(t *testing.T) {
	pool := &fakePool{}
	pool.setWorkers(liveWorker("w1"))
	e := newTestEngine(t, 1, pool)

	ch, cancel := e.Hub().Subscribe()
	defer cancel()

	e.SubmitCommand(protocol.Context{InvocationID: "a"}, nil)

	first := nextHubEvent(t, ch)
	second := nextHubEvent(t, ch)
	assert.Equal(t, events.TypeEnqueued, first.Type)
	assert.Equal(t, events.TypeDispatched, second.Type)
	assert.Less(t, first.ID, second.ID)
}

func nextHubEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hub event")
		panic("unreachable")
	}
}

type recordingSink struct {
	mu   sync.Mutex
	recs []history.Record
}

func (r *recordingSink) Append(rec history.Record) {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
}

func (r *recordingSink) records() []history.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.Record(nil), r.recs...)
}

func mustMessage(t *testing.T, typ protocol.MessageType, pctx protocol.Context, payload any) protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(typ, pctx, payload)
	require.NoError(t, err)
	return msg
}
