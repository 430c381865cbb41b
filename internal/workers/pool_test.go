package workers_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/valuekit-desktop/screening-backend/internal/workers"
)

func testConfig() *workers.PoolConfig {
	return &workers.PoolConfig{
		Name:            "test",
		NumWorkers:      4,
		QueueSize:       64,
		TaskTimeout:     5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

func TestRunBatchRunsEveryTask(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), testConfig())
	pool.Start()
	defer pool.Stop()

	var ran atomic.Int32
	tasks := make([]workers.Task, 20)
	for i := range tasks {
		tasks[i] = workers.TaskFunc(func(context.Context) error {
			ran.Add(1)
			return nil
		})
	}

	if errs := pool.RunBatch(tasks); len(errs) != 0 {
		t.Fatalf("errors = %v", errs)
	}
	if got := ran.Load(); got != 20 {
		t.Errorf("ran %d tasks, want 20", got)
	}
}

func TestRunBatchCollectsErrorsWithoutAborting(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), testConfig())
	pool.Start()
	defer pool.Stop()

	var ran atomic.Int32
	tasks := []workers.Task{
		workers.TaskFunc(func(context.Context) error { ran.Add(1); return nil }),
		workers.TaskFunc(func(context.Context) error { ran.Add(1); return fmt.Errorf("no data") }),
		workers.TaskFunc(func(context.Context) error { ran.Add(1); return nil }),
	}

	errs := pool.RunBatch(tasks)
	if len(errs) != 1 {
		t.Errorf("errors = %v, want exactly one", errs)
	}
	if got := ran.Load(); got != 3 {
		t.Errorf("ran %d tasks, want all 3", got)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), testConfig())
	pool.Start()
	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	err := pool.SubmitFunc(func(context.Context) error { return nil })
	if err != workers.ErrPoolStopped {
		t.Errorf("submit after stop = %v, want ErrPoolStopped", err)
	}
}

func TestPanicRecovery(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), testConfig())
	pool.Start()
	defer pool.Stop()

	tasks := []workers.Task{
		workers.TaskFunc(func(context.Context) error { panic("bad ticker math") }),
		workers.TaskFunc(func(context.Context) error { return nil }),
	}
	pool.RunBatch(tasks)

	stats := pool.Stats()
	if stats.Panics != 1 {
		t.Errorf("panics = %d, want 1", stats.Panics)
	}
	if stats.Completed < 1 {
		t.Errorf("completed = %d, want at least the healthy task", stats.Completed)
	}
}
