package schedule

import (
	"errors"
	"sync"
	"testing"
	"time"

	"primed/internal/config"
	"primed/internal/processor"
	"primed/pkg/logx"
)

func newTestScheduler(t *testing.T, runner processor.Runner, jobs ...config.JobConfig) (*Scheduler, *testRig) {
	t.Helper()
	rig := newTestRig(runner)
	registry := NewRegistry(NewCronEngine(), logx.Nop())
	s := NewScheduler(SchedulerConfig{
		Registry: registry,
		Store:    rig.store,
		Lock:     rig.lock,
		Worker:   rig.worker,
		Bus:      rig.bus,
		Log:      logx.Nop(),
		Tick:     30 * time.Second,
	})
	s.Apply(&config.Config{Timezone: "UTC", Jobs: jobs})
	return s, rig
}

func TestTriggerNowUnknownAndDisabled(t *testing.T) {
	off := false
	s, _ := newTestScheduler(t, &stubRunner{},
		config.JobConfig{ID: "off", Command: "noop", Cron: "* * * * *", Enabled: &off})

	if _, err := s.TriggerNow("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("unknown job err = %v", err)
	}
	if _, err := s.TriggerNow("off"); !errors.Is(err, ErrJobDisabled) {
		t.Fatalf("disabled job err = %v", err)
	}
}

func TestConcurrentTriggersSingleWinner(t *testing.T) {
	runner := &stubRunner{block: make(chan struct{})}
	s, rig := newTestScheduler(t, runner,
		config.JobConfig{ID: "a", Command: "noop", Cron: "0 0 1 1 *"})

	const n = 16
	results := make(chan DispatchResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.TriggerNow("a")
			if err != nil {
				t.Errorf("TriggerNow: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	var started, busy int
	for res := range results {
		switch res {
		case DispatchStarted:
			started++
		case DispatchBusy:
			busy++
		default:
			t.Fatalf("unexpected result %v", res)
		}
	}
	if started != 1 || busy != n-1 {
		t.Fatalf("started=%d busy=%d", started, busy)
	}

	close(runner.block)
	waitFor(t, "run to finish", func() bool { return !rig.store.Running("a") })
	if runner.calls.Load() != 1 {
		t.Fatalf("runner calls = %d, want 1", runner.calls.Load())
	}
}

func TestQueuePolicyDrainsAfterRun(t *testing.T) {
	runner := &stubRunner{block: make(chan struct{}), res: processor.Result{Success: true}}
	s, rig := newTestScheduler(t, runner,
		config.JobConfig{ID: "q", Command: "noop", Cron: "0 0 1 1 *", Overlap: "queue", QueueMax: intp(1)})

	if res, _ := s.TriggerNow("q"); res != DispatchStarted {
		t.Fatalf("first trigger = %v", res)
	}
	waitFor(t, "run to start", func() bool { return rig.store.Running("q") })

	if res, _ := s.TriggerNow("q"); res != DispatchQueued {
		t.Fatalf("second trigger = %v", res)
	}
	if res, _ := s.TriggerNow("q"); res != DispatchDropped {
		t.Fatalf("third trigger = %v, want queue_full", res)
	}

	close(runner.block)
	// Queued request drains automatically once the first run releases the lock.
	waitFor(t, "both runs to finish", func() bool {
		rt := rig.store.JobRuntime("q", time.Now())
		return !rt.Running && rt.TotalRuns == 2 && rt.QueuedCount == 0
	})
	if runner.calls.Load() != 2 {
		t.Fatalf("runner calls = %d, want 2", runner.calls.Load())
	}
}

func TestSkipPolicyOnCronFire(t *testing.T) {
	runner := &stubRunner{block: make(chan struct{})}
	s, rig := newTestScheduler(t, runner,
		config.JobConfig{ID: "s", Command: "noop", Cron: "* * * * *"})

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.tick(base)
	waitFor(t, "run to start", func() bool { return rig.store.Running("s") })

	// Next minute fires while the first run is active: skip policy drops it.
	s.tick(base.Add(time.Minute))
	waitFor(t, "skip recorded", func() bool {
		return rig.store.JobRuntime("s", time.Now()).SkippedRuns == 1
	})

	close(runner.block)
	waitFor(t, "run to finish", func() bool { return !rig.store.Running("s") })
	if runner.calls.Load() != 1 {
		t.Fatalf("runner calls = %d, want 1", runner.calls.Load())
	}
}

func TestTickDedupsWithinMinute(t *testing.T) {
	runner := &stubRunner{res: processor.Result{Success: true}}
	s, rig := newTestScheduler(t, runner,
		config.JobConfig{ID: "m", Command: "noop", Cron: "* * * * *"})

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.tick(base)
	waitFor(t, "first run", func() bool {
		return rig.store.JobRuntime("m", time.Now()).TotalRuns == 1
	})

	// Second evaluation of the same minute must not fire again.
	s.tick(base.Add(30 * time.Second))
	time.Sleep(50 * time.Millisecond)
	if n := rig.store.JobRuntime("m", time.Now()).TotalRuns; n != 1 {
		t.Fatalf("runs after sub-minute re-tick = %d, want 1", n)
	}

	s.tick(base.Add(time.Minute))
	waitFor(t, "second run", func() bool {
		return rig.store.JobRuntime("m", time.Now()).TotalRuns == 2
	})
}

func TestDisabledJobNeverFires(t *testing.T) {
	off := false
	runner := &stubRunner{}
	s, rig := newTestScheduler(t, runner,
		config.JobConfig{ID: "off", Command: "noop", Cron: "* * * * *", Enabled: &off})

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		s.tick(base.Add(time.Duration(i) * time.Minute))
	}
	time.Sleep(20 * time.Millisecond)
	if runner.calls.Load() != 0 {
		t.Fatalf("disabled job ran %d times", runner.calls.Load())
	}
	if rt := rig.store.JobRuntime("off", time.Now()); rt.TotalRuns != 0 {
		t.Fatalf("runtime = %+v", rt)
	}
}

func TestCancelRunningJob(t *testing.T) {
	runner := &stubRunner{block: make(chan struct{})}
	s, rig := newTestScheduler(t, runner,
		config.JobConfig{ID: "c", Command: "noop", Cron: "0 0 1 1 *", Overlap: "queue", QueueMax: intp(2)})

	if res, _ := s.TriggerNow("c"); res != DispatchStarted {
		t.Fatalf("trigger failed")
	}
	waitFor(t, "run to start", func() bool { return rig.store.Running("c") })
	if res, _ := s.TriggerNow("c"); res != DispatchQueued {
		t.Fatalf("queue trigger failed")
	}

	res, err := s.Cancel("c")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !res.Cancelled || !res.WasRunning || res.ClearedQueue != 1 {
		t.Fatalf("cancel result = %+v", res)
	}

	waitFor(t, "run to wind down", func() bool { return !rig.store.Running("c") })
	rt := rig.store.JobRuntime("c", time.Now())
	if rt.LastRun == nil || rt.LastRun.Status != StatusCancelled {
		t.Fatalf("last run = %+v", rt.LastRun)
	}
	if rt.QueuedCount != 0 {
		t.Fatalf("queue not cleared")
	}
	if !rig.lock.TryAcquire() {
		t.Fatalf("lock not free after cancel")
	}
}

func TestCancelIdleJobIsIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t, &stubRunner{},
		config.JobConfig{ID: "idle", Command: "noop", Cron: "0 0 1 1 *"})

	res, err := s.Cancel("idle")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res.Cancelled || res.WasRunning || res.ClearedQueue != 0 {
		t.Fatalf("cancel result = %+v", res)
	}
	if _, err := s.Cancel("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("cancel unknown = %v", err)
	}
}

func TestSameMinuteCronAndManualOneWinner(t *testing.T) {
	runner := &stubRunner{block: make(chan struct{})}
	s, rig := newTestScheduler(t, runner,
		config.JobConfig{ID: "race", Command: "noop", Cron: "* * * * *"})

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.tick(base) }()
	go func() { defer wg.Done(); _, _ = s.TriggerNow("race") }()
	wg.Wait()

	waitFor(t, "a run to start", func() bool { return rig.store.Running("race") })
	close(runner.block)
	waitFor(t, "run to finish", func() bool { return !rig.store.Running("race") })

	if runner.calls.Load() != 1 {
		t.Fatalf("runner calls = %d, want exactly 1", runner.calls.Load())
	}
}

func TestStatusView(t *testing.T) {
	runner := &stubRunner{block: make(chan struct{})}
	s, rig := newTestScheduler(t, runner,
		config.JobConfig{ID: "v", Command: "do-thing", Cron: "*/5 * * * *"},
		config.JobConfig{ID: "bad", Command: "noop", Cron: "nope"})

	view := s.Status(time.Now())
	if view.IsRunning {
		t.Fatalf("idle view reports running")
	}
	if len(view.Jobs) != 1 || view.Jobs[0].ID != "v" {
		t.Fatalf("jobs = %+v", view.Jobs)
	}
	if len(view.Rejected) != 1 || view.Rejected[0].ID != "bad" {
		t.Fatalf("rejected = %+v", view.Rejected)
	}
	if view.Jobs[0].NextRunAt == nil {
		t.Fatalf("next_run_at missing for enabled job")
	}

	if res, _ := s.TriggerNow("v"); res != DispatchStarted {
		t.Fatalf("trigger failed")
	}
	waitFor(t, "run to start", func() bool { return rig.store.Running("v") })
	view = s.Status(time.Now())
	if !view.IsRunning || view.ActiveJobID != "v" {
		t.Fatalf("running view = %+v", view)
	}
	close(runner.block)
	waitFor(t, "run to finish", func() bool { return !rig.store.Running("v") })
}
