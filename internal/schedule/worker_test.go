package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"primed/internal/eventbus"
	"primed/internal/processor"
	"primed/pkg/logx"
)

// stubRunner is a controllable processor for tests. If block is non-nil the
// run parks until the channel closes or the context ends.
type stubRunner struct {
	calls atomic.Int32
	block chan struct{}
	res   processor.Result
	err   error
}

func (r *stubRunner) Run(ctx context.Context, inv processor.Invocation) (processor.Result, error) {
	r.calls.Add(1)
	if r.block != nil {
		select {
		case <-ctx.Done():
			return processor.Result{}, ctx.Err()
		case <-r.block:
		}
	}
	return r.res, r.err
}

type testRig struct {
	lock   *RunLock
	store  *StatusStore
	bus    eventbus.Bus
	worker *Worker
}

func newTestRig(runner processor.Runner) *testRig {
	rig := &testRig{
		lock:  NewRunLock(),
		store: NewStatusStore(),
		bus:   eventbus.New(),
	}
	rig.worker = NewWorker(WorkerConfig{
		Lock:           rig.lock,
		Runner:         runner,
		Store:          rig.store,
		Bus:            rig.bus,
		Log:            logx.Nop(),
		DefaultTimeout: 5 * time.Second,
	})
	return rig
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWorkerSuccess(t *testing.T) {
	rig := newTestRig(&stubRunner{res: processor.Result{Success: true, CostUSD: 0.25}})
	job := Job{ID: "a", Command: "noop", Enabled: true}

	rec, err := rig.worker.Execute(context.Background(), job, RunRequest{JobID: "a", Trigger: TriggerManual})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rec.Status != StatusSuccess || rec.CostUSD != 0.25 {
		t.Fatalf("record = %+v", rec)
	}
	if rec.RunID == "" || rec.Trigger != TriggerManual {
		t.Fatalf("record identity = %+v", rec)
	}
	if !rig.lock.TryAcquire() {
		t.Fatalf("lock not released after run")
	}
}

func TestWorkerFailureFromEnvelope(t *testing.T) {
	rig := newTestRig(&stubRunner{res: processor.Result{Success: false, Error: "budget exceeded"}})
	rec, err := rig.worker.Execute(context.Background(), Job{ID: "a", Command: "noop"}, RunRequest{JobID: "a"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rec.Status != StatusFailure || rec.Error != "budget exceeded" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestWorkerRunnerError(t *testing.T) {
	rig := newTestRig(&stubRunner{err: errors.New("exec: spawn failed")})
	rec, _ := rig.worker.Execute(context.Background(), Job{ID: "a", Command: "noop"}, RunRequest{JobID: "a"})
	if rec.Status != StatusFailure || rec.Error == "" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestWorkerTimeout(t *testing.T) {
	rig := newTestRig(&stubRunner{block: make(chan struct{})})
	job := Job{ID: "hang", Command: "noop", Timeout: 50 * time.Millisecond}

	start := time.Now()
	rec, err := rig.worker.Execute(context.Background(), job, RunRequest{JobID: "hang", Trigger: TriggerCron})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rec.Status != StatusTimeout {
		t.Fatalf("status = %v, want timeout", rec.Status)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("timeout took %v", took)
	}
	if !rig.lock.TryAcquire() {
		t.Fatalf("lock not released after timeout")
	}
}

func TestWorkerCancel(t *testing.T) {
	rig := newTestRig(&stubRunner{block: make(chan struct{})})
	job := Job{ID: "slow", Command: "noop", Timeout: time.Minute}

	done := make(chan RunRecord, 1)
	go func() {
		rec, _ := rig.worker.Execute(context.Background(), job, RunRequest{JobID: "slow"})
		done <- rec
	}()

	waitFor(t, "run to start", func() bool { return rig.store.Running("slow") })
	cancel, ok := rig.store.CancelFunc("slow")
	if !ok {
		t.Fatalf("no cancel func for running job")
	}
	cancel()

	rec := <-done
	if rec.Status != StatusCancelled {
		t.Fatalf("status = %v, want cancelled", rec.Status)
	}
	if !rig.lock.TryAcquire() {
		t.Fatalf("lock not released after cancel")
	}
}

type panicRunner struct{}

func (panicRunner) Run(ctx context.Context, inv processor.Invocation) (processor.Result, error) {
	panic("runner blew up")
}

func TestWorkerRunnerPanicBecomesFailure(t *testing.T) {
	rig := newTestRig(panicRunner{})
	rec, err := rig.worker.Execute(context.Background(), Job{ID: "a", Command: "noop"}, RunRequest{JobID: "a"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rec.Status != StatusFailure || rec.Error == "" {
		t.Fatalf("record = %+v", rec)
	}
	if !rig.lock.TryAcquire() {
		t.Fatalf("lock leaked after runner panic")
	}
}

func TestWorkerLockBusy(t *testing.T) {
	rig := newTestRig(&stubRunner{})
	if !rig.lock.TryAcquire() {
		t.Fatalf("setup acquire failed")
	}
	_, err := rig.worker.Execute(context.Background(), Job{ID: "a", Command: "noop"}, RunRequest{JobID: "a"})
	if !errors.Is(err, ErrLockBusy) {
		t.Fatalf("err = %v, want ErrLockBusy", err)
	}
	// The losing request must leave no trace.
	if rt := rig.store.JobRuntime("a", time.Now()); rt.TotalRuns != 0 {
		t.Fatalf("busy execute recorded a run: %+v", rt)
	}
}

func TestWorkerPublishesLifecycleEvents(t *testing.T) {
	rig := newTestRig(&stubRunner{res: processor.Result{Success: true}})
	ch, unsub := rig.bus.Subscribe(8)
	defer unsub()

	if _, err := rig.worker.Execute(context.Background(), Job{ID: "a", Command: "noop"}, RunRequest{JobID: "a"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var types []string
	for len(types) < 2 {
		select {
		case e := <-ch:
			types = append(types, e.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("events = %v", types)
		}
	}
	if types[0] != "run.started" || types[1] != "run.finished" {
		t.Fatalf("event order = %v", types)
	}
}

func TestWorkerFailureWithoutMessage(t *testing.T) {
	rig := newTestRig(&stubRunner{res: processor.Result{Success: false}})
	rec, err := rig.worker.Execute(context.Background(), Job{ID: "a", Command: "noop"}, RunRequest{JobID: "a"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rec.Status != StatusFailure {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Error == "" {
		t.Fatalf("failed run recorded without an error message")
	}
}

// panicLocker simulates a broken workspace lock whose Unlock blows up after
// the processor already ran.
type panicLocker struct{}

func (panicLocker) Lock()   {}
func (panicLocker) Unlock() { panic("workspace lock corrupted") }

func TestWorkerLockReleasedOnInternalPanic(t *testing.T) {
	lock := NewRunLock()
	w := NewWorker(WorkerConfig{
		Lock:           lock,
		VaultLock:      panicLocker{},
		Runner:         &stubRunner{res: processor.Result{Success: true}},
		Store:          NewStatusStore(),
		Bus:            eventbus.New(),
		Log:            logx.Nop(),
		DefaultTimeout: time.Second,
	})

	panicked := func() (p bool) {
		defer func() { p = recover() != nil }()
		_, _ = w.Execute(context.Background(),
			Job{ID: "a", Command: "noop", UseVaultLock: true},
			RunRequest{JobID: "a", Trigger: TriggerManual})
		return false
	}()
	if !panicked {
		t.Fatalf("expected workspace lock panic to propagate")
	}
	if !lock.TryAcquire() {
		t.Fatalf("run lock leaked after panic")
	}
}
