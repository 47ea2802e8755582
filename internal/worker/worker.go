package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pebble/pebble-agent/internal/agenterr"
	"github.com/pebble/pebble-agent/internal/backend"
	"github.com/pebble/pebble-agent/internal/observability"
	"github.com/pebble/pebble-agent/internal/result"
)

type State string

const (
	StateStarting  State = "starting"
	StatePolling   State = "polling"
	StateIdle      State = "idle"
	StateExecuting State = "executing"
	StateReporting State = "reporting"
	StateBackoff   State = "backoff"
	StateStopped   State = "stopped"
)

var states = [...]State{StateStarting, StatePolling, StateIdle, StateExecuting, StateReporting, StateBackoff, StateStopped}

const sqlPreviewBytes = 100

type JobSource interface {
	Poll(ctx context.Context) (*backend.Job, error)
	Report(ctx context.Context, completion backend.Completion) backend.ReportOutcome
}

type Runner interface {
	Execute(ctx context.Context, sqlText string, timeoutSeconds int) (result.ExecutionResult, error)
}

// contactTracker is implemented by job sources that remember the last
// successful exchange with the backend.
type contactTracker interface {
	LastContact() time.Time
}

type Config struct {
	PollInterval time.Duration
	MaxBackoff   time.Duration
}

type Worker struct {
	ID       int
	Backend  JobSource
	Executor Runner
	Config   Config
	Logger   *slog.Logger
	Clock    func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error

	state         atomic.Int32
	errors        atomic.Int32
	jobsSucceeded atomic.Int64
	jobsFailed    atomic.Int64
}

type Status struct {
	ID                int        `json:"id"`
	State             State      `json:"state"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	JobsSucceeded     int64      `json:"jobs_succeeded"`
	JobsFailed        int64      `json:"jobs_failed"`
	LastContact       *time.Time `json:"last_contact,omitempty"`
}

// Run loops until ctx is cancelled. Errors never end the loop.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.settings()
	logger := w.logger()
	logger.InfoContext(ctx, "worker started")

	for ctx.Err() == nil {
		handled, err := w.ProcessOnce(ctx)

		var wait time.Duration
		switch {
		case err != nil:
			count := int(w.errors.Add(1))
			wait = Backoff(count, cfg.MaxBackoff)
			w.setState(StateBackoff)
			observability.IncrementLoopErrors()
			logger.ErrorContext(ctx, "worker cycle failed",
				slog.Any("error", err),
				slog.Int("consecutive_errors", count),
				slog.Duration("backoff", wait),
			)
		case handled:
			w.errors.Store(0)
			continue
		default:
			w.errors.Store(0)
			w.setState(StateIdle)
			wait = cfg.PollInterval
		}

		if err := w.sleep(ctx, wait); err != nil {
			break
		}
	}

	w.setState(StateStopped)
	logger.Info("worker stopped")
	return nil
}

// ProcessOnce runs a single poll cycle and handles at most one job.
// handled reports whether a job was claimed.
func (w *Worker) ProcessOnce(ctx context.Context) (handled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = agenterr.New(agenterr.Loop, fmt.Sprintf("worker cycle panicked: %v", r))
		}
	}()

	w.setState(StatePolling)
	job, err := w.Backend.Poll(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	// A claimed job is finished and reported even if shutdown begins.
	return true, w.handle(context.WithoutCancel(ctx), job)
}

func (w *Worker) handle(ctx context.Context, job *backend.Job) error {
	logger := w.logger().With(slog.String("job_id", job.ID.String()))
	logger.InfoContext(ctx, "job received",
		slog.String("database", job.DatabaseName),
		slog.String("sql", observability.Preview(job.SQL, sqlPreviewBytes)),
	)

	w.setState(StateExecuting)
	observability.AddBusyWorkers(1)
	defer observability.AddBusyWorkers(-1)

	clock := w.clock()
	start := clock()
	res, execErr := w.execute(ctx, job)
	elapsed := clock().Sub(start)

	completion := backend.Completion{JobID: job.ID, ExecutionTime: elapsed}
	if execErr != nil {
		completion.Error = execErr.Error()
		w.jobsFailed.Add(1)
		observability.ObserveJob("failed", elapsed, false)
		logger.WarnContext(ctx, "job failed",
			slog.String("kind", string(agenterr.KindOf(execErr))),
			slog.Any("error", execErr),
			slog.Int64("execution_time_ms", elapsed.Milliseconds()),
		)
	} else {
		completion.Result = &res
		w.jobsSucceeded.Add(1)
		observability.ObserveJob("succeeded", elapsed, res.Truncated)
		logger.InfoContext(ctx, "job executed",
			slog.Int("row_count", res.RowCount),
			slog.Int("bytes", res.ByteSize),
			slog.Bool("truncated", res.Truncated),
			slog.Int64("execution_time_ms", elapsed.Milliseconds()),
		)
	}

	w.setState(StateReporting)
	w.Backend.Report(ctx, completion)

	if agenterr.Is(execErr, agenterr.Loop) {
		observability.IncrementLoopErrors()
		logger.ErrorContext(ctx, "executor panicked", slog.Any("error", execErr))
	}
	return nil
}

// execute turns a panic inside the executor into a Loop error so the job is
// still reported as failed.
func (w *Worker) execute(ctx context.Context, job *backend.Job) (res result.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = agenterr.New(agenterr.Loop, fmt.Sprintf("internal error: %v", r))
		}
	}()
	return w.Executor.Execute(ctx, job.SQL, job.TimeoutSeconds)
}

func (w *Worker) Status() Status {
	status := Status{
		ID:                w.ID,
		State:             states[w.state.Load()],
		ConsecutiveErrors: int(w.errors.Load()),
		JobsSucceeded:     w.jobsSucceeded.Load(),
		JobsFailed:        w.jobsFailed.Load(),
	}
	if tracker, ok := w.Backend.(contactTracker); ok {
		if last := tracker.LastContact(); !last.IsZero() {
			status.LastContact = &last
		}
	}
	return status
}

// Backoff returns min(2^attempt seconds, limit) for attempt >= 1.
func Backoff(attempt int, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return limit
	}
	wait := time.Duration(1<<attempt) * time.Second
	if wait > limit {
		return limit
	}
	return wait
}

func (w *Worker) setState(state State) {
	for i, s := range states {
		if s == state {
			w.state.Store(int32(i))
			return
		}
	}
}

func (w *Worker) settings() Config {
	cfg := w.Config
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	return cfg
}

func (w *Worker) clock() func() time.Time {
	if w.Clock == nil {
		return time.Now
	}
	return w.Clock
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) error {
	if w.Sleep != nil {
		return w.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (w *Worker) logger() *slog.Logger {
	logger := w.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return logger.With(slog.Int("worker_id", w.ID))
}
