package schedule

import (
	"testing"
	"time"
)

func TestQueueBound(t *testing.T) {
	q := newPerJobQueue(2)
	now := time.Now()

	if !q.Enqueue(RunRequest{JobID: "a", EnqueuedAt: now}) {
		t.Fatalf("first enqueue rejected")
	}
	if !q.Enqueue(RunRequest{JobID: "a", EnqueuedAt: now}) {
		t.Fatalf("second enqueue rejected")
	}
	if q.Enqueue(RunRequest{JobID: "a", EnqueuedAt: now}) {
		t.Fatalf("enqueue beyond limit accepted")
	}
	if q.Len() != 2 {
		t.Fatalf("len = %d, want 2", q.Len())
	}
}

func TestQueueFIFOAndRequeue(t *testing.T) {
	q := newPerJobQueue(3)
	for _, trig := range []TriggerSource{TriggerCron, TriggerManual} {
		q.Enqueue(RunRequest{JobID: "a", Trigger: trig})
	}

	first, ok := q.Dequeue()
	if !ok || first.Trigger != TriggerCron {
		t.Fatalf("dequeue = %+v, %v; want cron first", first, ok)
	}
	q.RequeueFront(first)
	again, _ := q.Dequeue()
	if again.Trigger != TriggerCron {
		t.Fatalf("requeued request lost its position")
	}
}

func TestQueueClear(t *testing.T) {
	q := newPerJobQueue(5)
	for i := 0; i < 3; i++ {
		q.Enqueue(RunRequest{JobID: "a"})
	}
	if n := q.Clear(); n != 3 {
		t.Fatalf("Clear = %d, want 3", n)
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatalf("queue should be empty after clear")
	}
	if n := q.Clear(); n != 0 {
		t.Fatalf("second Clear = %d, want 0", n)
	}
}

func TestQueueShrinkLimitKeepsExisting(t *testing.T) {
	q := newPerJobQueue(3)
	for i := 0; i < 3; i++ {
		q.Enqueue(RunRequest{JobID: "a"})
	}
	q.SetLimit(1)
	// Existing entries drain normally; only new admissions see the new limit.
	if q.Len() != 3 {
		t.Fatalf("len after shrink = %d, want 3", q.Len())
	}
	if q.Enqueue(RunRequest{JobID: "a"}) {
		t.Fatalf("enqueue above shrunk limit accepted")
	}
}
