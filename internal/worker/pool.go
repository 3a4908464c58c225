// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/tomtom215/sauvegarde/internal/logging"
	"github.com/tomtom215/sauvegarde/internal/metrics"
)

var (
	// ErrPoolFull is returned by Submit when the queue is at capacity.
	ErrPoolFull = errors.New("worker queue is full")

	// ErrPoolClosed is returned by Submit after the pool stopped.
	ErrPoolClosed = errors.New("worker pool is closed")

	// ErrCancelled is the cancellation cause of a user-requested cancel.
	ErrCancelled = errors.New("run cancelled")

	// ErrShutdown is the cancellation cause when the pool stops.
	ErrShutdown = errors.New("worker pool shutting down")
)

// Task identifies one run to execute.
type Task struct {
	Kind string
	ID   string
}

func (t Task) String() string { return t.Kind + "/" + t.ID }

// Executor runs one task. worker is the identity to acquire the run with.
// The context is cancelled with ErrCancelled or ErrShutdown as cause.
type Executor interface {
	Execute(ctx context.Context, task Task, worker string) error
}

// FailureHandler is told about tasks that returned an error or panicked
// so the run can be marked failed.
type FailureHandler func(task Task, worker string, err error)

// HeartbeatFunc proves liveness of a running task.
type HeartbeatFunc func(ctx context.Context, task Task, worker string) error

// Config sizes the pool.
type Config struct {
	Size              int
	QueueSize         int
	HeartbeatInterval time.Duration
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size      int   `json:"size"`
	Busy      int   `json:"busy"`
	Queued    int   `json:"queued"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// Pool executes tasks on a fixed number of goroutines in FIFO order.
// Submit never blocks.
type Pool struct {
	cfg       Config
	exec      Executor
	onFailure FailureHandler
	heartbeat HeartbeatFunc

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Task
	queued  map[string]bool
	running map[string]context.CancelCauseFunc
	closed  bool
	serving bool
	stats   Stats
}

// New creates a pool. It does nothing until Serve is called.
func New(cfg Config, exec Executor) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 2
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	p := &Pool{
		cfg:     cfg,
		exec:    exec,
		queued:  make(map[string]bool),
		running: make(map[string]context.CancelCauseFunc),
	}
	p.cond = sync.NewCond(&p.mu)
	p.stats.Size = cfg.Size
	return p
}

// OnFailure installs the failure handler.
func (p *Pool) OnFailure(fn FailureHandler) { p.onFailure = fn }

// OnHeartbeat installs the heartbeat emitted every HeartbeatInterval while
// a task runs.
func (p *Pool) OnHeartbeat(fn HeartbeatFunc) { p.heartbeat = fn }

// Submit queues a task. A task already queued or running is ignored.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	key := task.String()
	if p.queued[key] || p.running[key] != nil {
		return nil
	}
	if p.cfg.QueueSize > 0 && len(p.queue) >= p.cfg.QueueSize {
		return ErrPoolFull
	}
	p.queue = append(p.queue, task)
	p.queued[key] = true
	metrics.WorkerQueueDepth.Set(float64(len(p.queue)))
	p.cond.Signal()
	return nil
}

// Cancel cancels the context of a running task. It reports whether the
// task was running.
func (p *Pool) Cancel(task Task) bool {
	p.mu.Lock()
	cancel := p.running[task.String()]
	p.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel(ErrCancelled)
	return true
}

// IsRunning reports whether task currently holds a worker.
func (p *Pool) IsRunning(task Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running[task.String()] != nil
}

// Stats returns counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Busy = len(p.running)
	s.Queued = len(p.queue)
	return s
}

// Serve runs the workers until ctx is done, then cancels running tasks
// with ErrShutdown and waits for them. It implements suture.Service.
func (p *Pool) Serve(ctx context.Context) error {
	p.mu.Lock()
	if p.serving {
		p.mu.Unlock()
		return errors.New("worker pool already serving")
	}
	p.serving = true
	p.closed = false
	p.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Size; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, fmt.Sprintf("worker-%d", n))
		}(i + 1)
	}

	<-ctx.Done()
	p.mu.Lock()
	p.closed = true
	for _, cancel := range p.running {
		cancel(ErrShutdown)
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	wg.Wait()

	p.mu.Lock()
	p.serving = false
	p.mu.Unlock()
	return ctx.Err()
}

func (p *Pool) String() string { return "worker-pool" }

func (p *Pool) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return Task{}, false
	}
	task := p.queue[0]
	p.queue = p.queue[1:]
	delete(p.queued, task.String())
	metrics.WorkerQueueDepth.Set(float64(len(p.queue)))
	return task, true
}

func (p *Pool) loop(ctx context.Context, name string) {
	for {
		task, ok := p.next()
		if !ok {
			return
		}
		p.run(ctx, task, name)
	}
}

func (p *Pool) run(parent context.Context, task Task, worker string) {
	// Detached from parent so shutdown is reported as ErrShutdown.
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(parent))
	defer cancel(nil)
	ctx = logging.ContextWithRunID(ctx, task.ID)

	p.mu.Lock()
	p.running[task.String()] = cancel
	if p.closed {
		cancel(ErrShutdown)
	}
	metrics.WorkerBusy.Set(float64(len(p.running)))
	p.mu.Unlock()

	stopBeat := p.startHeartbeat(ctx, task, worker)
	err := p.safeExecute(ctx, task, worker)
	stopBeat()

	p.mu.Lock()
	delete(p.running, task.String())
	metrics.WorkerBusy.Set(float64(len(p.running)))
	p.stats.Processed++
	if err != nil {
		p.stats.Failed++
	}
	p.mu.Unlock()

	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("kind", task.Kind).Str("worker", worker).Msg("Task failed")
		if p.onFailure != nil {
			p.onFailure(task, worker, err)
		}
	}
}

// PanicError carries a recovered panic value.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

func (p *Pool) safeExecute(ctx context.Context, task Task, worker string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.mu.Lock()
			p.stats.Panics++
			p.mu.Unlock()
			metrics.WorkerPanics.Inc()
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return p.exec.Execute(ctx, task, worker)
}

func (p *Pool) startHeartbeat(ctx context.Context, task Task, worker string) func() {
	if p.heartbeat == nil {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.heartbeat(ctx, task, worker); err != nil {
					logging.Ctx(ctx).Debug().Err(err).Msg("Heartbeat rejected")
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
