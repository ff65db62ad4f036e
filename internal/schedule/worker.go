package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"primed/internal/eventbus"
	"primed/internal/processor"
	"primed/pkg/logx"
)

// Auditor persists finished run records. Failures are logged, never fatal.
type Auditor interface {
	AppendRun(ctx context.Context, rec RunRecord) error
}

// Worker executes a single job run end to end: acquire the run lock, invoke
// the processor, classify the outcome, record it, release. It owns no
// scheduling policy; the Scheduler decides what runs and when.
type Worker struct {
	lock   *RunLock
	vault  sync.Locker // optional shared-workspace lock, may be nil
	runner processor.Runner
	store  *StatusStore
	audit  Auditor
	bus    eventbus.Bus
	log    logx.Logger

	defaultTimeout time.Duration

	// onComplete fires after the lock is released, on the run goroutine.
	// The scheduler uses it to drain queued requests.
	onComplete func(jobID string)
}

type WorkerConfig struct {
	Lock           *RunLock
	VaultLock      sync.Locker
	Runner         processor.Runner
	Store          *StatusStore
	Audit          Auditor
	Bus            eventbus.Bus
	Log            logx.Logger
	DefaultTimeout time.Duration
	OnComplete     func(jobID string)
}

func NewWorker(cfg WorkerConfig) *Worker {
	w := &Worker{
		lock:           cfg.Lock,
		vault:          cfg.VaultLock,
		runner:         cfg.Runner,
		store:          cfg.Store,
		audit:          cfg.Audit,
		bus:            cfg.Bus,
		log:            cfg.Log.With(logx.String("component", "worker")),
		defaultTimeout: cfg.DefaultTimeout,
		onComplete:     cfg.OnComplete,
	}
	if w.defaultTimeout <= 0 {
		w.defaultTimeout = 5 * time.Minute
	}
	return w
}

// Execute acquires the run lock and performs the run, blocking until it
// finishes. Returns ErrLockBusy without side effects if another run holds
// the lock.
func (w *Worker) Execute(ctx context.Context, job Job, req RunRequest) (RunRecord, error) {
	if !w.lock.TryAcquire() {
		return RunRecord{}, ErrLockBusy
	}
	return w.runHeld(ctx, job, req), nil
}

// runHeld performs the run with the run lock already held by the caller.
// The lock is always released before it returns.
func (w *Worker) runHeld(ctx context.Context, job Job, req RunRequest) RunRecord {
	runID := uuid.NewString()
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = w.defaultTimeout
	}

	runCtx, cancel := context.WithCancel(ctx)
	execCtx, cancelTimeout := context.WithTimeout(runCtx, timeout)
	defer cancel()
	defer cancelTimeout()

	// The lock must be freed on every exit path, panics included, but also
	// before the completion callback so a queued run can start immediately.
	// release() is called inline at the normal point and deferred as backstop.
	released := false
	release := func() {
		if !released {
			released = true
			w.lock.Release()
		}
	}
	defer release()

	startedAt := time.Now()
	w.store.MarkStarted(job.ID, runID, startedAt, cancel)
	w.bus.Publish(eventbus.Event{Type: eventbus.TopicRunStarted, Data: RunEvent{
		JobID: job.ID, RunID: runID, Trigger: req.Trigger, At: startedAt,
	}})
	w.log.Info("run started",
		logx.String("job", job.ID),
		logx.String("run_id", runID),
		logx.String("trigger", string(req.Trigger)),
		logx.Duration("timeout", timeout))

	if job.UseVaultLock && w.vault != nil {
		w.vault.Lock()
	}
	res, err := runSafely(execCtx, w.runner, processor.Invocation{
		Command:      job.Command,
		Arguments:    job.Arguments,
		Model:        job.Model,
		MaxBudgetUSD: job.MaxBudgetUSD,
		UseVaultLock: job.UseVaultLock,
	})
	if job.UseVaultLock && w.vault != nil {
		w.vault.Unlock()
	}
	rec := w.classify(job, req, runID, startedAt, execCtx, res, err)

	release()

	w.store.MarkFinished(rec)
	if w.audit != nil {
		if aerr := w.audit.AppendRun(context.Background(), rec); aerr != nil {
			w.log.Warn("run audit append failed", logx.String("job", job.ID), logx.Err(aerr))
		}
	}

	topic := eventbus.TopicRunFinished
	if rec.Status == StatusCancelled {
		topic = eventbus.TopicRunCancelled
	}
	w.bus.Publish(eventbus.Event{Type: topic, Data: RunEvent{
		JobID: job.ID, RunID: runID, Trigger: req.Trigger, At: rec.FinishedAt,
		Status: string(rec.Status), Duration: rec.Duration, Error: rec.Error,
	}})
	w.log.Info("run finished",
		logx.String("job", job.ID),
		logx.String("run_id", runID),
		logx.String("status", string(rec.Status)),
		logx.Duration("duration", rec.Duration),
		logx.Float64("cost_usd", rec.CostUSD))

	if w.onComplete != nil {
		w.onComplete(job.ID)
	}
	return rec
}

// runSafely converts a runner panic into a plain error so the lock release
// and record paths always execute.
func runSafely(ctx context.Context, r processor.Runner, inv processor.Invocation) (res processor.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("processor panic: %v", p)
		}
	}()
	return r.Run(ctx, inv)
}

func (w *Worker) classify(job Job, req RunRequest, runID string, startedAt time.Time, execCtx context.Context, res processor.Result, err error) RunRecord {
	finishedAt := time.Now()
	rec := RunRecord{
		RunID:      runID,
		JobID:      job.ID,
		Trigger:    req.Trigger,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Duration:   finishedAt.Sub(startedAt),
		CostUSD:    res.CostUSD,
	}
	switch {
	case errors.Is(err, processor.ErrAbandoned):
		rec.ProcessorAbandoned = true
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			rec.Status = StatusTimeout
			rec.Error = "run exceeded timeout; processor did not exit"
		} else {
			rec.Status = StatusCancelled
			rec.Error = "run cancelled; processor did not exit"
		}
	case errors.Is(err, context.DeadlineExceeded):
		rec.Status = StatusTimeout
		rec.Error = "run exceeded timeout"
	case errors.Is(err, context.Canceled):
		rec.Status = StatusCancelled
	case err != nil:
		rec.Status = StatusFailure
		rec.Error = processor.Scrub(err.Error())
	case !res.Success:
		rec.Status = StatusFailure
		rec.Error = res.Error
		if rec.Error == "" {
			rec.Error = "processor reported failure without detail"
		}
	default:
		rec.Status = StatusSuccess
	}
	return rec
}
