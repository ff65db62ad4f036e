package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"primed/internal/eventbus"
	"primed/internal/schedule"
)

func TestApplyRunLifecycle(t *testing.T) {
	m := New()

	m.apply(eventbus.Event{Type: "run.started", Data: schedule.RunEvent{JobID: "a"}})
	if got := testutil.ToFloat64(m.runActive); got != 1 {
		t.Fatalf("run_active = %v, want 1", got)
	}

	m.apply(eventbus.Event{Type: "run.finished", Data: schedule.RunEvent{
		JobID: "a", Status: "success", Duration: 2 * time.Second,
	}})
	if got := testutil.ToFloat64(m.runActive); got != 0 {
		t.Fatalf("run_active = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("a", "success")); got != 1 {
		t.Fatalf("runs_total = %v, want 1", got)
	}
}

func TestApplySkipAndDrop(t *testing.T) {
	m := New()
	m.apply(eventbus.Event{Type: "run.skipped", Data: schedule.RunEvent{JobID: "a"}})
	m.apply(eventbus.Event{Type: "run.skipped", Data: schedule.RunEvent{JobID: "a"}})
	m.apply(eventbus.Event{Type: "run.dropped", Data: schedule.RunEvent{JobID: "a"}})
	m.apply(eventbus.Event{Type: "run.queued", Data: schedule.RunEvent{JobID: "a"}})

	if got := testutil.ToFloat64(m.skippedTotal.WithLabelValues("a")); got != 2 {
		t.Fatalf("runs_skipped_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.droppedTotal.WithLabelValues("a")); got != 1 {
		t.Fatalf("queue_dropped_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.queuedTotal.WithLabelValues("a")); got != 1 {
		t.Fatalf("runs_queued_total = %v, want 1", got)
	}
}

func TestApplyIgnoresForeignPayloads(t *testing.T) {
	m := New()
	m.apply(eventbus.Event{Type: "run.finished", Data: "not a run event"})
	if got := testutil.ToFloat64(m.runActive); got != 0 {
		t.Fatalf("foreign payload moved a gauge: %v", got)
	}
}
