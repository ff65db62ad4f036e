package schedule

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobDisabled = errors.New("job is disabled")

	// ErrLockBusy is returned by Execute when the run lock could not be
	// acquired. The dispatch path decides overlap policy before calling
	// Execute, so seeing this error indicates a dispatch bug.
	ErrLockBusy = errors.New("run lock already held")
)

// InvalidScheduleError marks a malformed cron expression, detected at load
// time so a broken job is rejected upfront rather than silently never firing.
type InvalidScheduleError struct {
	JobID string
	Expr  string
	Err   error
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("job %q: invalid cron expression %q: %v", e.JobID, e.Expr, e.Err)
}

func (e *InvalidScheduleError) Unwrap() error { return e.Err }

// DuplicateJobError marks a job id that already exists in the same config.
// The first definition wins; later duplicates are rejected.
type DuplicateJobError struct {
	JobID string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("duplicate job id %q", e.JobID)
}

// InvalidConfigError marks a job definition that fails validation other than
// cron syntax (bad overlap value, queue_max < 1 with overlap=queue, ...).
type InvalidConfigError struct {
	JobID  string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("job %q: %s", e.JobID, e.Reason)
}
