package schedule

import "time"

// StatusView is the full schedule state snapshot served by the status API.
type StatusView struct {
	IsRunning      bool       `json:"is_running"`
	ActiveJobID    string     `json:"active_job_id,omitempty"`
	ActiveRunID    string     `json:"active_run_id,omitempty"`
	ElapsedSeconds float64    `json:"elapsed_seconds,omitempty"`
	Timezone       string     `json:"timezone"`
	Jobs           []JobView  `json:"jobs"`
	Rejected       []JobError `json:"rejected_jobs,omitempty"`

	// ConfigError reports why the most recent config reload was rejected.
	// Filled in by the HTTP layer; the running schedule is the last good one.
	ConfigError string `json:"config_error,omitempty"`
}

// JobView is one job's configuration plus runtime state.
type JobView struct {
	ID       string        `json:"id"`
	Command  string        `json:"command"`
	Cron     string        `json:"cron"`
	Overlap  OverlapPolicy `json:"overlap"`
	QueueMax int           `json:"queue_max,omitempty"`
	Enabled  bool          `json:"enabled"`
	Timezone string        `json:"timezone,omitempty"`

	Running        bool       `json:"running"`
	ElapsedSeconds float64    `json:"elapsed_seconds,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	QueuedCount    int        `json:"queued_count"`
	LastRun        *RunRecord `json:"last_run,omitempty"`
	TotalRuns      uint64     `json:"total_runs"`
	TotalFailures  uint64     `json:"total_failures"`
	SkippedRuns    uint64     `json:"skipped_runs"`
}

// Status assembles the current view from the registry snapshot and runtime
// state. Jobs appear in config order; rejected jobs are listed separately
// with their validation errors.
func (s *Scheduler) Status(now time.Time) StatusView {
	snap := s.registry.Snapshot()
	g := s.store.Global(now)

	view := StatusView{
		IsRunning:      g.IsRunning,
		ActiveJobID:    g.ActiveJobID,
		ActiveRunID:    g.ActiveRunID,
		ElapsedSeconds: g.ElapsedSeconds,
		Timezone:       snap.Location.String(),
		Jobs:           make([]JobView, 0, len(snap.Jobs)),
		Rejected:       snap.Rejected,
	}
	for _, job := range snap.Jobs {
		rt := s.store.JobRuntime(job.ID, now)
		jv := JobView{
			ID:             job.ID,
			Command:        job.Command,
			Cron:           job.Cron,
			Overlap:        job.Overlap,
			Enabled:        job.Enabled,
			Running:        rt.Running,
			ElapsedSeconds: rt.ElapsedSeconds,
			QueuedCount:    rt.QueuedCount,
			LastRun:        rt.LastRun,
			TotalRuns:      rt.TotalRuns,
			TotalFailures:  rt.TotalFailures,
			SkippedRuns:    rt.SkippedRuns,
		}
		if job.Overlap == OverlapQueue {
			jv.QueueMax = job.QueueMax
		}
		if job.Location != nil && job.Location != snap.Location {
			jv.Timezone = job.Location.String()
		}
		if job.Enabled && !rt.NextRunAt.IsZero() {
			t := rt.NextRunAt
			jv.NextRunAt = &t
		}
		view.Jobs = append(view.Jobs, jv)
	}
	return view
}
