package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

// pollInterval controls how often the worker checks for pending jobs.
const pollInterval = 2 * time.Second

// Runner executes one job kind. Params is the job's serialized parameters;
// the returned strings are the serialized result and summary.
type Runner interface {
	Run(ctx context.Context, params string, onProgress func(pct int)) (result, summary string, err error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, params string, onProgress func(pct int)) (string, string, error)

func (f RunnerFunc) Run(ctx context.Context, params string, onProgress func(pct int)) (string, string, error) {
	return f(ctx, params, onProgress)
}

// Worker drains the queue in the background, one job at a time. Backtests
// and screenings are API-heavy; running them serially keeps the provider
// rate limit and the cache contention manageable.
type Worker struct {
	logger  *zap.Logger
	queue   *Queue
	runners map[types.JobKind]Runner

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker creates a worker with one runner per job kind.
func NewWorker(logger *zap.Logger, queue *Queue, runners map[types.JobKind]Runner) *Worker {
	return &Worker{logger: logger, queue: queue, runners: runners}
}

// Start launches the polling loop.
func (w *Worker) Start() {
	if w.running.Swap(true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("job worker started")
}

// Stop halts polling and waits for the in-flight job to return.
func (w *Worker) Stop() {
	if !w.running.Swap(false) {
		return
	}
	w.cancel()
	w.wg.Wait()
	w.logger.Info("job worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := w.queue.ClaimNext(ctx)
			if err != nil {
				w.logger.Error("claim failed", zap.Error(err))
				continue
			}
			if job != nil {
				w.execute(ctx, job)
			}
		}
	}
}

func (w *Worker) execute(ctx context.Context, job *types.Job) {
	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)))
	logger.Info("job started")

	runner, ok := w.runners[job.Kind]
	if !ok {
		w.finishWithError(ctx, job.ID, fmt.Sprintf("no runner for kind %q", job.Kind))
		return
	}

	onProgress := func(pct int) {
		if err := w.queue.SetProgress(ctx, job.ID, pct); err != nil {
			logger.Warn("progress update failed", zap.Error(err))
		}
	}

	result, summary, err := runner.Run(ctx, job.Params, onProgress)
	if err != nil {
		logger.Warn("job failed", zap.Error(err))
		w.finishWithError(ctx, job.ID, err.Error())
		return
	}
	if err := w.queue.Complete(ctx, job.ID, result, summary); err != nil {
		logger.Error("completion write failed", zap.Error(err))
		return
	}
	logger.Info("job completed")
}

// finishWithError records a failure. A write error here only gets logged;
// the stale-running reset at startup cleans up anything left behind.
func (w *Worker) finishWithError(ctx context.Context, id, message string) {
	if err := w.queue.Fail(ctx, id, message); err != nil {
		w.logger.Error("failure write failed", zap.String("job_id", id), zap.Error(err))
	}
}

// MarshalSummary serializes a screening summary for storage.
func MarshalSummary(summary types.ResultSummary) string {
	b, err := json.Marshal(summary)
	if err != nil {
		return ""
	}
	return string(b)
}
