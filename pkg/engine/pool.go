package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gluufederation/gluu-engine/pkg/telemetry"
)

// ErrPoolClosed is returned when submitting to a pool that is shutting down.
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is a unit of background work.
type Task func(ctx context.Context)

type queued struct {
	ctx  context.Context
	task Task
}

// Pool runs tasks on a fixed number of worker goroutines. Tasks keep the
// values of the submitter's context but not its cancellation; they run to
// completion even during Shutdown.
type Pool struct {
	tasks   chan queued
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewPool starts workers goroutines draining a queue of queueSize tasks.
func NewPool(workers, queueSize int, logger *telemetry.Logger, metrics *telemetry.Metrics) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = telemetry.Nop()
	}

	p := &Pool{
		tasks:   make(chan queued, queueSize),
		logger:  logger,
		metrics: metrics,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for q := range p.tasks {
		p.run(q)
	}
}

func (p *Pool) run(q queued) {
	p.metrics.TaskStarted()
	defer p.metrics.TaskFinished()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("background task panicked: %v", r)
		}
	}()

	q.task(q.ctx)
}

// Submit queues a task. It blocks while the queue is full until ctx is done.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to queue task: %w", err)
	}

	select {
	case p.tasks <- queued{ctx: context.WithoutCancel(ctx), task: task}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to queue task: %w", ctx.Err())
	}
}

// Shutdown stops accepting tasks and waits for queued and running tasks to
// finish or ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for tasks: %w", ctx.Err())
	}
}
