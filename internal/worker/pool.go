// Package worker supervises the pool of worker processes. The pool keeps a
// fixed number of workers alive, respawns any worker that exits abnormally
// while no shutdown is in progress, and routes structured protocol messages
// between the workers and an injected sink (the dispatch engine).
//
// Each worker speaks newline-delimited JSON over its stdin/stdout. Outbound
// sends go through a buffered per-worker channel drained by a writer
// goroutine, so transmitting never blocks the caller.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nebojsa-prodana/automation-client/internal/log"
	"github.com/nebojsa-prodana/automation-client/internal/metrics"
	"github.com/nebojsa-prodana/automation-client/internal/protocol"
)

const (
	// defaultStartTimeout bounds the pool-start readiness barrier.
	defaultStartTimeout = 30 * time.Second

	// terminationGracePeriod is the time we wait after SIGTERM before SIGKILL.
	terminationGracePeriod = 5 * time.Second

	// defaultSendBuffer is the per-worker outbound channel capacity.
	defaultSendBuffer = 64
)

// ErrWorkerUnavailable is returned by Send when the target worker is not
// live.
var ErrWorkerUnavailable = errors.New("worker unavailable")

// Sink receives pool events. Callbacks run on pool goroutines and must not
// block for long.
type Sink interface {
	// WorkerOnline fires when a worker reports work-online.
	WorkerOnline(workerID string)
	// WorkerMessage delivers any other inbound worker message.
	WorkerMessage(workerID string, msg protocol.Message)
	// WorkerExited fires after a worker process ends. restarted is true when
	// the pool spawned a replacement.
	WorkerExited(workerID string, exitCode int, restarted bool)
}

// Config holds pool settings.
type Config struct {
	NumWorkers   int
	Entrypoint   string
	Args         []string
	StartTimeout time.Duration
	SendBuffer   int
}

// Info is a point-in-time view of one worker.
type Info struct {
	ID        string
	PID       int
	Live      bool
	StartedAt time.Time
}

// Pool owns the worker processes.
type Pool struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger

	mu        sync.Mutex
	workers   map[string]*proc
	nextID    int
	closing   bool
	onlineNow int

	// readyCh closes when onlineNow first reaches NumWorkers, releasing the
	// start barrier. Counted at the pool level so a replacement for a worker
	// that died before announcing itself still satisfies the barrier.
	readyCh   chan struct{}
	readyOnce sync.Once

	wg sync.WaitGroup
}

type proc struct {
	id        string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	sendCh    chan protocol.Message
	online    atomic.Bool
	startedAt time.Time
}

// NewPool creates a pool. It does not spawn anything until Start.
func NewPool(cfg Config, sink Sink) *Pool {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	return &Pool{
		cfg:     cfg,
		sink:    sink,
		logger:  log.WithComponent("worker-pool"),
		workers: make(map[string]*proc),
		readyCh: make(chan struct{}),
	}
}

// Start spawns NumWorkers processes and blocks until that many workers are
// online at once, or the start timeout elapses. A worker that crashes before
// announcing itself is respawned and its replacement counts toward the
// barrier.
func (p *Pool) Start(ctx context.Context) error {
	if p.cfg.NumWorkers <= 0 {
		return fmt.Errorf("start pool: num_workers must be positive, got %d", p.cfg.NumWorkers)
	}
	if p.cfg.Entrypoint == "" {
		return fmt.Errorf("start pool: worker entrypoint is empty")
	}

	p.mu.Lock()
	for i := 0; i < p.cfg.NumWorkers; i++ {
		if _, err := p.spawnLocked(); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("start pool: %w", err)
		}
	}
	p.mu.Unlock()

	deadline := time.NewTimer(p.cfg.StartTimeout)
	defer deadline.Stop()

	select {
	case <-p.readyCh:
	case <-deadline.C:
		return fmt.Errorf("start pool: workers not online after %v", p.cfg.StartTimeout)
	case <-ctx.Done():
		return fmt.Errorf("start pool: %w", ctx.Err())
	}

	p.logger.Info("worker pool online", "workers", p.cfg.NumWorkers, "entrypoint", p.cfg.Entrypoint)
	return nil
}

// spawnLocked forks one worker. Caller holds p.mu.
func (p *Pool) spawnLocked() (*proc, error) {
	p.nextID++
	id := fmt.Sprintf("worker-%d", p.nextID)

	cmd := exec.Command(p.cfg.Entrypoint, p.cfg.Args...)
	cmd.Env = append(cmd.Environ(), "AUTOMATION_WORKER_ID="+id)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stdin pipe: %w", id, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stdout pipe: %w", id, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stderr pipe: %w", id, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: start process: %w", id, err)
	}

	w := &proc{
		id:        id,
		cmd:       cmd,
		stdin:     stdin,
		sendCh:    make(chan protocol.Message, p.cfg.SendBuffer),
		startedAt: time.Now().UTC(),
	}
	p.workers[id] = w

	p.logger.Info("worker spawned", "worker_id", id, "pid", cmd.Process.Pid)

	go p.writeLoop(w)
	go p.readLoop(w, stdout)
	go p.logStderr(w, stderr)

	p.wg.Add(1)
	go p.waitLoop(w)

	return w, nil
}

// writeLoop drains the worker's outbound channel onto its stdin.
func (p *Pool) writeLoop(w *proc) {
	enc := protocol.NewEncoder(w.stdin)
	for msg := range w.sendCh {
		if err := enc.Encode(msg); err != nil {
			log.WithWorker(w.id).Warn("failed to write to worker", "type", msg.Type, "error", err)
		}
	}
	_ = w.stdin.Close()
}

// readLoop decodes worker stdout and forwards messages to the sink.
func (p *Pool) readLoop(w *proc, stdout io.Reader) {
	logger := log.WithWorker(w.id)
	dec := protocol.NewDecoder(stdout)
	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			// One bad line is a worker bug, not a reason to stop reading.
			logger.Warn("invalid message from worker", "error", err)
			continue
		}

		if msg.Type == protocol.TypeWorkOnline {
			if w.online.CompareAndSwap(false, true) {
				p.noteOnline()
				logger.Info("worker online")
				p.sink.WorkerOnline(w.id)
			}
			continue
		}
		p.sink.WorkerMessage(w.id, msg)
	}
}

// noteOnline bumps the live-online count and releases the start barrier
// the first time the count reaches the configured pool size.
func (p *Pool) noteOnline() {
	p.mu.Lock()
	p.onlineNow++
	if p.onlineNow >= p.cfg.NumWorkers {
		p.readyOnce.Do(func() { close(p.readyCh) })
	}
	p.mu.Unlock()
}

// logStderr mirrors worker stderr into the coordinator log.
func (p *Pool) logStderr(w *proc, stderr io.Reader) {
	logger := log.WithWorker(w.id)
	buf := make([]byte, 8*1024)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			logger.Debug("worker stderr", "output", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// waitLoop reaps the worker process and applies the restart policy.
func (p *Pool) waitLoop(w *proc) {
	defer p.wg.Done()

	err := w.cmd.Wait()
	wasOnline := w.online.Swap(false)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	p.mu.Lock()
	if wasOnline {
		p.onlineNow--
	}
	delete(p.workers, w.id)
	close(w.sendCh)
	restart := !p.closing && exitCode != 0
	if restart {
		if _, serr := p.spawnLocked(); serr != nil {
			p.logger.Error("failed to respawn worker", "dead_worker_id", w.id, "error", serr)
			restart = false
		}
	}
	p.mu.Unlock()

	logger := log.WithWorker(w.id)
	if exitCode != 0 {
		logger.Warn("worker exited abnormally", "exit_code", exitCode, "restarted", restart)
	} else {
		logger.Info("worker exited", "exit_code", exitCode)
	}
	if restart {
		metrics.WorkerRestarts.Inc()
	}

	p.sink.WorkerExited(w.id, exitCode, restart)
}

// Send queues a message for a worker. It never blocks: a full outbound
// buffer or a dead worker is an error the caller handles.
func (p *Pool) Send(workerID string, msg protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[workerID]
	if !ok || !w.online.Load() {
		return fmt.Errorf("send %s to %s: %w", msg.Type, workerID, ErrWorkerUnavailable)
	}
	select {
	case w.sendCh <- msg:
		return nil
	default:
		return fmt.Errorf("send %s to %s: outbound buffer full", msg.Type, workerID)
	}
}

// Workers returns a snapshot of the pool.
func (p *Pool) Workers() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]Info, 0, len(p.workers))
	for _, w := range p.workers {
		pid := 0
		if w.cmd.Process != nil {
			pid = w.cmd.Process.Pid
		}
		infos = append(infos, Info{
			ID:        w.id,
			PID:       pid,
			Live:      w.online.Load(),
			StartedAt: w.startedAt,
		})
	}
	return infos
}

// LiveCount returns the number of online workers.
func (p *Pool) LiveCount() int {
	n := 0
	for _, w := range p.Workers() {
		if w.Live {
			n++
		}
	}
	return n
}

// Shutdown signals every worker with SIGTERM, waits for the grace period,
// then kills stragglers. After Shutdown no worker is respawned.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closing = true
	for _, w := range p.workers {
		if w.cmd.Process != nil {
			if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil {
				log.WithWorker(w.id).Debug("failed to signal worker", "error", err)
			}
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-done:
		p.logger.Info("all workers exited")
		return
	case <-ctx.Done():
	case <-grace.C:
	}

	p.logger.Warn("workers did not exit after SIGTERM, sending SIGKILL")
	p.mu.Lock()
	for _, w := range p.workers {
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
	}
	p.mu.Unlock()
	<-done
}
