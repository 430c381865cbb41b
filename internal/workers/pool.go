// Package workers provides a bounded goroutine pool used to warm the
// fundamentals and price caches ahead of rebalance ticks and screening
// passes, so the serial evaluation pass hits only local data.
package workers

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work processed by the pool.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Name            string
	NumWorkers      int
	QueueSize       int
	TaskTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultPoolConfig returns defaults tuned for I/O bound fetches.
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU() * 2,
		QueueSize:       1024,
		TaskTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Pool runs submitted tasks on a fixed set of worker goroutines. A task
// panic is recovered and counted as a failure; it never takes the pool
// down mid-run.
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	taskQueue chan Task
	wg        sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// PoolStats is a point-in-time counter snapshot.
type PoolStats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Queued    int   `json:"queued"`
}

// NewPool creates a pool. It does not start workers until Start.
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:    logger,
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.logger.Info("starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
	)
	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker_id", id))

	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.execute(logger, task)
		}
	}
}

func (p *Pool) execute(logger *zap.Logger, task Task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.TaskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			logger.Error("worker recovered from panic", zap.Any("panic", r))
		}
	}()

	if err := task.Execute(ctx); err != nil {
		p.failed.Add(1)
		logger.Debug("task failed", zap.Error(err))
		return
	}
	p.completed.Add(1)
}

// Submit queues a task without waiting.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.taskQueue <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitFunc queues a function as a task.
func (p *Pool) SubmitFunc(fn func(ctx context.Context) error) error {
	return p.Submit(TaskFunc(fn))
}

// RunBatch submits every task and blocks until all have finished. Task
// errors are collected, not aborted on; a cache-warming batch wants every
// ticker attempted regardless of individual misses.
func (p *Pool) RunBatch(tasks []Task) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(tasks))

	for _, task := range tasks {
		task := task
		wg.Add(1)
		err := p.SubmitFunc(func(ctx context.Context) error {
			defer wg.Done()
			if err := task.Execute(ctx); err != nil {
				errCh <- err
				return err
			}
			return nil
		})
		if err != nil {
			wg.Done()
			errCh <- err
		}
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errs
}

// Stop shuts the pool down, waiting up to ShutdownTimeout for in-flight
// tasks to drain.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}
	p.logger.Info("stopping worker pool", zap.String("name", p.config.Name))
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
			zap.String("name", p.config.Name))
		return ErrShutdownTimeout
	}
}

// IsRunning reports whether the pool accepts tasks.
func (p *Pool) IsRunning() bool { return p.running.Load() }

// Stats returns current counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
		Queued:    len(p.taskQueue),
	}
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool error.
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }
