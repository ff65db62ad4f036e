package schedule

import (
	"time"
)

// TriggerSource identifies what produced a run request.
type TriggerSource string

const (
	TriggerCron   TriggerSource = "cron"
	TriggerManual TriggerSource = "manual"
	// TriggerQueued marks a request that waited in a per-job queue and was
	// dispatched when the blocking run completed.
	TriggerQueued TriggerSource = "queued-retry"
)

// OverlapPolicy decides what happens when a job becomes due while a run is
// already active.
type OverlapPolicy string

const (
	OverlapSkip  OverlapPolicy = "skip"
	OverlapQueue OverlapPolicy = "queue"
)

// RunStatus is the terminal state of one run.
type RunStatus string

const (
	StatusSuccess   RunStatus = "success"
	StatusFailure   RunStatus = "failure"
	StatusTimeout   RunStatus = "timeout"
	StatusCancelled RunStatus = "cancelled"
)

// Job is an immutable scheduled job definition. Instances are built by the
// registry from configuration and replaced wholesale on reload.
type Job struct {
	ID        string
	Command   string
	Arguments string
	Cron      string

	Overlap  OverlapPolicy
	QueueMax int

	// Timeout overrides the scheduler default when > 0.
	Timeout time.Duration

	// MaxBudgetUSD and Model are forwarded to the processor opaquely.
	MaxBudgetUSD float64
	Model        string

	Enabled      bool
	UseVaultLock bool

	// Location is the job's resolved timezone (job tz, else global tz, else UTC).
	Location *time.Location
}

// RunRequest is one pending trigger for a job.
type RunRequest struct {
	JobID      string        `json:"job_id"`
	Trigger    TriggerSource `json:"trigger"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// RunRecord is the outcome of one run.
type RunRecord struct {
	RunID      string        `json:"run_id"`
	JobID      string        `json:"job_id"`
	Trigger    TriggerSource `json:"trigger"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Status     RunStatus     `json:"status"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	CostUSD    float64       `json:"cost_usd,omitempty"`

	// ProcessorAbandoned marks a best-effort cancellation: the worker stopped
	// waiting but could not confirm the external processor actually stopped.
	ProcessorAbandoned bool `json:"processor_abandoned,omitempty"`
}

// RunEvent is emitted on the event bus for run lifecycle events.
type RunEvent struct {
	RunID    string        `json:"run_id,omitempty"`
	JobID    string        `json:"job_id"`
	Trigger  TriggerSource `json:"trigger,omitempty"`
	At       time.Time     `json:"at"`
	Status   string        `json:"status,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// DispatchResult reports what the dispatch path decided for one request.
type DispatchResult string

const (
	DispatchStarted DispatchResult = "started"
	// DispatchBusy means a run was active and the job's overlap policy is skip.
	DispatchBusy    DispatchResult = "already_running"
	DispatchQueued  DispatchResult = "queued"
	DispatchDropped DispatchResult = "queue_full"
)

// CancelResult is the outcome of a cancel request.
type CancelResult struct {
	Cancelled    bool `json:"cancelled"`
	WasRunning   bool `json:"was_running"`
	ClearedQueue int  `json:"cleared_queue_count"`
}
