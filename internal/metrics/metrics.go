// Package metrics exposes Prometheus collectors fed from run lifecycle
// events. It subscribes to the event bus, so the scheduler stays unaware of
// instrumentation.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"primed/internal/eventbus"
	"primed/internal/schedule"
)

type Metrics struct {
	reg *prometheus.Registry

	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	skippedTotal *prometheus.CounterVec
	droppedTotal *prometheus.CounterVec
	queuedTotal  *prometheus.CounterVec
	runActive    prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "primed", Subsystem: "schedule",
			Name: "runs_total", Help: "Finished runs by job and terminal status.",
		}, []string{"job", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "primed", Subsystem: "schedule",
			Name: "run_duration_seconds", Help: "Run wall-clock duration.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"job"}),
		skippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "primed", Subsystem: "schedule",
			Name: "runs_skipped_total", Help: "Fires skipped because a run was active.",
		}, []string{"job"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "primed", Subsystem: "schedule",
			Name: "queue_dropped_total", Help: "Fires dropped because the job queue was full.",
		}, []string{"job"}),
		queuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "primed", Subsystem: "schedule",
			Name: "runs_queued_total", Help: "Fires parked in a job queue.",
		}, []string{"job"}),
		runActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "primed", Subsystem: "schedule",
			Name: "run_active", Help: "1 while a run holds the run lock.",
		}),
	}
	m.reg.MustRegister(m.runsTotal, m.runDuration, m.skippedTotal, m.droppedTotal, m.queuedTotal, m.runActive)
	return m
}

// Gatherer is handed to the promhttp handler.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.reg }

// Observe consumes bus events until ctx is cancelled. Run it under the
// supervisor.
func (m *Metrics) Observe(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.apply(e)
		}
	}
}

func (m *Metrics) apply(e eventbus.Event) {
	re, ok := e.Data.(schedule.RunEvent)
	if !ok {
		return
	}
	switch e.Type {
	case eventbus.TopicRunStarted:
		m.runActive.Set(1)
	case eventbus.TopicRunFinished, eventbus.TopicRunCancelled:
		m.runActive.Set(0)
		status := re.Status
		if status == "" {
			status = string(schedule.StatusCancelled)
		}
		m.runsTotal.WithLabelValues(re.JobID, status).Inc()
		m.runDuration.WithLabelValues(re.JobID).Observe(re.Duration.Seconds())
	case eventbus.TopicRunSkipped:
		m.skippedTotal.WithLabelValues(re.JobID).Inc()
	case eventbus.TopicRunDropped:
		m.droppedTotal.WithLabelValues(re.JobID).Inc()
	case eventbus.TopicRunQueued:
		m.queuedTotal.WithLabelValues(re.JobID).Inc()
	}
}
