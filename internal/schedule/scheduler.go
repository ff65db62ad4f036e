package schedule

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"primed/internal/config"
	"primed/internal/eventbus"
	"primed/pkg/logx"
)

// Scheduler drives the tick loop: evaluates cron expressions at minute
// granularity, enforces the single-run invariant through the shared RunLock,
// and applies each job's overlap policy when the lock is busy.
//
// All dispatch decisions (cron fire, manual trigger, queue drain) pass
// through dispatch under one mutex, so at most one request can win the lock
// per decision and the rest are skipped, queued, or dropped deterministically.
type Scheduler struct {
	engine   CronEngine
	registry *Registry
	store    *StatusStore
	lock     *RunLock
	worker   *Worker
	bus      eventbus.Bus
	log      logx.Logger

	// evalWarn throttles per-tick expression evaluation warnings so a bad
	// expression that slipped past validation cannot flood the log.
	// noisyWarn does the same for skip/drop messages on busy schedules.
	evalWarn  *rate.Limiter
	noisyWarn *rate.Limiter

	mu       sync.Mutex // serializes dispatch decisions
	baseCtx  context.Context
	tickEach time.Duration
	runWG    sync.WaitGroup
}

type SchedulerConfig struct {
	Registry *Registry
	Store    *StatusStore
	Lock     *RunLock
	Worker   *Worker
	Bus      eventbus.Bus
	Log      logx.Logger
	Tick     time.Duration
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		engine:    NewCronEngine(),
		registry:  cfg.Registry,
		store:     cfg.Store,
		lock:      cfg.Lock,
		worker:    cfg.Worker,
		bus:       cfg.Bus,
		log:       cfg.Log.With(logx.String("component", "scheduler")),
		evalWarn:  rate.NewLimiter(rate.Every(time.Minute), 5),
		noisyWarn: rate.NewLimiter(rate.Every(10*time.Second), 10),
		baseCtx:   context.Background(),
		tickEach:  cfg.Tick,
	}
	if s.tickEach <= 0 {
		s.tickEach = 30 * time.Second
	}
	if s.worker != nil && s.worker.onComplete == nil {
		s.worker.onComplete = s.drainJob
	}
	return s
}

// Apply installs a new configuration: reloads the registry, resyncs queue
// limits, and adopts the tick interval. Per-job config errors are logged and
// surfaced on the status view; valid jobs keep scheduling.
func (s *Scheduler) Apply(cfg *config.Config) {
	snap := s.registry.Load(cfg)
	s.store.SyncJobs(snap)

	s.mu.Lock()
	s.tickEach = cfg.Settings.TickInterval()
	s.mu.Unlock()

	now := time.Now()
	for _, job := range snap.Jobs {
		if !job.Enabled {
			continue
		}
		if next, err := s.engine.NextRun(job.Cron, now, job.Location); err == nil {
			s.store.SetNextRun(job.ID, next)
		}
	}
	s.log.Info("schedule applied",
		logx.Int("jobs", len(snap.Jobs)),
		logx.Int("rejected", len(snap.Rejected)),
		logx.String("timezone", snap.Location.String()))
}

func (s *Scheduler) tickInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickEach
}

// Run executes the tick loop until ctx is cancelled, then waits for any
// in-flight run to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	timer := time.NewTimer(s.tickInterval())
	defer timer.Stop()
	s.log.Info("scheduler started", logx.Duration("tick", s.tickInterval()))

	for {
		select {
		case <-ctx.Done():
			s.runWG.Wait()
			s.log.Info("scheduler stopped")
			return nil
		case now := <-timer.C:
			s.tick(now)
			timer.Reset(s.tickInterval())
		}
	}
}

// tick evaluates every enabled job against the current minute and attempts
// one queue drain if the lock is free.
func (s *Scheduler) tick(now time.Time) {
	snap := s.registry.Snapshot()
	for _, job := range snap.Jobs {
		if !job.Enabled {
			continue
		}
		due, err := s.engine.IsDue(job.Cron, now, job.Location)
		if err != nil {
			if s.evalWarn.Allow() {
				s.log.Warn("cron evaluation failed",
					logx.String("job", job.ID), logx.String("cron", job.Cron), logx.Err(err))
			}
			continue
		}
		if next, nerr := s.engine.NextRun(job.Cron, now, job.Location); nerr == nil {
			s.store.SetNextRun(job.ID, next)
		}
		if !due {
			continue
		}
		minute := now.In(job.Location).Truncate(time.Minute)
		if !s.store.TryMarkDue(job.ID, minute) {
			// Already fired for this minute on a previous sub-minute tick.
			continue
		}
		res := s.dispatch(job, RunRequest{JobID: job.ID, Trigger: TriggerCron, EnqueuedAt: now})
		if res != DispatchStarted {
			s.log.Debug("cron fire deferred",
				logx.String("job", job.ID), logx.String("result", string(res)))
		}
	}
	s.drainQueues()
}

// dispatch decides the fate of one run request. Exactly one of four outcomes:
// the request wins the lock and starts, is skipped, is queued, or is dropped.
func (s *Scheduler) dispatch(job *Job, req RunRequest) DispatchResult {
	s.mu.Lock()
	ctx := s.baseCtx
	acquired := s.lock.TryAcquire()
	if !acquired && job.Overlap == OverlapQueue && req.Trigger != TriggerQueued {
		// Decide queue admission while still serialized so concurrent
		// requests observe a consistent queue length.
		if s.store.Enqueue(job.ID, req) {
			s.mu.Unlock()
			s.bus.Publish(eventbus.Event{Type: eventbus.TopicRunQueued, Data: RunEvent{
				JobID: job.ID, Trigger: req.Trigger, At: time.Now(),
			}})
			return DispatchQueued
		}
		s.mu.Unlock()
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicRunDropped, Data: RunEvent{
			JobID: job.ID, Trigger: req.Trigger, At: time.Now(),
		}})
		if s.noisyWarn.Allow() {
			s.log.Warn("run dropped, queue full", logx.String("job", job.ID))
		}
		return DispatchDropped
	}
	s.mu.Unlock()

	if !acquired {
		if req.Trigger == TriggerQueued {
			// Lost the lock between drain check and acquire; put it back.
			s.store.RequeueFront(job.ID, req)
			return DispatchQueued
		}
		s.store.NoteSkip(job.ID)
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicRunSkipped, Data: RunEvent{
			JobID: job.ID, Trigger: req.Trigger, At: time.Now(),
		}})
		if s.noisyWarn.Allow() {
			s.log.Info("run skipped, another run active", logx.String("job", job.ID))
		}
		return DispatchBusy
	}

	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("run dispatch panicked",
					logx.String("job", job.ID), logx.Any("panic", r))
			}
		}()
		s.worker.runHeld(ctx, *job, req)
	}()
	return DispatchStarted
}

// drainJob is wired as the worker's completion callback. It promotes the
// job's oldest queued request once the lock is free.
func (s *Scheduler) drainJob(jobID string) {
	snap := s.registry.Snapshot()
	job, ok := snap.Job(jobID)
	if !ok || !job.Enabled {
		s.store.ClearQueue(jobID)
		return
	}
	req, ok := s.store.Dequeue(jobID)
	if !ok {
		return
	}
	req.Trigger = TriggerQueued
	s.dispatch(job, req)
}

// drainQueues gives every job with pending queued work a chance to start.
// Dispatch keeps the single-run invariant, so at most one drain wins.
func (s *Scheduler) drainQueues() {
	for _, id := range s.store.QueuedJobIDs() {
		if s.lock.Held() {
			return
		}
		s.drainJob(id)
	}
}

// TriggerNow runs a job immediately through the same dispatch path as a cron
// fire. Disabled and unknown jobs are rejected.
func (s *Scheduler) TriggerNow(jobID string) (DispatchResult, error) {
	snap := s.registry.Snapshot()
	job, ok := snap.Job(jobID)
	if !ok {
		return "", ErrJobNotFound
	}
	if !job.Enabled {
		return "", ErrJobDisabled
	}
	res := s.dispatch(job, RunRequest{JobID: jobID, Trigger: TriggerManual, EnqueuedAt: time.Now()})
	s.log.Info("manual trigger", logx.String("job", jobID), logx.String("result", string(res)))
	return res, nil
}

// Cancel stops the job's in-flight run, if any, and clears its queue.
// Cancellation is best effort: the run winds down asynchronously and reports
// its terminal status through the normal completion path. Safe to call for a
// job that is not running.
func (s *Scheduler) Cancel(jobID string) (CancelResult, error) {
	snap := s.registry.Snapshot()
	if _, ok := snap.Job(jobID); !ok {
		return CancelResult{}, ErrJobNotFound
	}
	cleared := s.store.ClearQueue(jobID)
	cancel, running := s.store.CancelFunc(jobID)
	if running {
		cancel()
	}
	res := CancelResult{
		Cancelled:    running || cleared > 0,
		WasRunning:   running,
		ClearedQueue: cleared,
	}
	s.log.Info("cancel requested",
		logx.String("job", jobID),
		logx.Bool("was_running", running),
		logx.Int("cleared_queue", cleared))
	return res, nil
}
