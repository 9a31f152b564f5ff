// Package workers provides a small bounded pool for running a cycle's
// fetch fan-out in parallel with per-task timeouts and panic recovery.
package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work. The context carries the pool's per-task
// timeout; tasks are expected to honor it.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// Config configures the pool.
type Config struct {
	Name            string        `json:"name"`
	Workers         int           `json:"workers"`
	QueueSize       int           `json:"queueSize"`
	TaskTimeout     time.Duration `json:"taskTimeout"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout"`
}

// DefaultConfig sizes the pool for the market and sentiment fetches
// that run side by side each cycle.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:            name,
		Workers:         2,
		QueueSize:       16,
		TaskTimeout:     45 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Panics     int64 `json:"panics"`
	QueueDepth int   `json:"queueDepth"`
}

type job struct {
	task Task
	done chan error
}

// Pool runs submitted tasks on a fixed set of workers.
type Pool struct {
	logger *zap.Logger
	config *Config

	taskQueue chan *job
	wg        sync.WaitGroup
	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewPool creates a pool; call Start before submitting.
func NewPool(logger *zap.Logger, config *Config) *Pool {
	if config == nil {
		config = DefaultConfig("default")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:    logger.Named("pool").With(zap.String("pool", config.Name)),
		config:    config,
		taskQueue: make(chan *job, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}

	p.logger.Info("starting worker pool",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit enqueues a task without waiting for it.
func (p *Pool) Submit(task Task) error {
	return p.submit(&job{task: task})
}

// RunAll submits every task and blocks until each has finished. The
// returned slice is index-aligned with the tasks.
func (p *Pool) RunAll(tasks ...Task) []error {
	errs := make([]error, len(tasks))
	dones := make([]chan error, len(tasks))

	for i, task := range tasks {
		done := make(chan error, 1)
		if err := p.submit(&job{task: task, done: done}); err != nil {
			errs[i] = err
			continue
		}
		dones[i] = done
	}

	for i, done := range dones {
		if done != nil {
			errs[i] = <-done
		}
	}
	return errs
}

func (p *Pool) submit(j *job) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.taskQueue <- j:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker_id", id))

	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return
		case j, ok := <-p.taskQueue:
			if !ok {
				return
			}
			err := p.execute(logger, j.task)
			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			if j.done != nil {
				j.done <- err
			}
		}
	}
}

// drain fails any jobs left in the queue so RunAll callers are not
// stranded during shutdown.
func (p *Pool) drain() {
	for {
		select {
		case j, ok := <-p.taskQueue:
			if !ok {
				return
			}
			if j.done != nil {
				j.done <- ErrPoolStopped
			}
		default:
			return
		}
	}
}

func (p *Pool) execute(logger *zap.Logger, task Task) (err error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.TaskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			logger.Error("recovered from task panic", zap.Any("panic", r))
			err = &PanicError{Recovered: r}
		}
	}()

	return task.Execute(ctx)
}

// Stop shuts the pool down, failing queued work.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}

	p.logger.Info("stopping worker pool")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.Duration("timeout", p.config.ShutdownTimeout))
		return ErrShutdownTimeout
	}
}

// IsRunning reports whether the pool accepts work.
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Panics:     p.panics.Load(),
		QueueDepth: len(p.taskQueue),
	}
}

var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool-level failure.
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Recovered interface{}
}

func (e *PanicError) Error() string { return "panic recovered" }
