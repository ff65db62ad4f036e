// Package processor invokes the external command processor binary and parses
// its result envelope. The scheduler never interprets job commands itself; it
// forwards them here and classifies the outcome.
package processor

import (
	"context"
	"errors"
	"time"
)

// ErrAbandoned reports that a cancelled invocation could not be confirmed
// dead before the kill grace period elapsed. The underlying process may
// still be running.
var ErrAbandoned = errors.New("processor: run abandoned after cancellation")

// Invocation is one command execution request.
type Invocation struct {
	Command   string
	Arguments string

	// Per-job overrides, zero values mean "processor default".
	Model        string
	MaxBudgetUSD float64
	UseVaultLock bool
}

// Result is the parsed outcome envelope of a finished invocation.
type Result struct {
	Success  bool
	Error    string
	CostUSD  float64
	Duration time.Duration
}

// Runner executes command invocations. Implementations must honor ctx
// cancellation and deadlines by terminating the underlying work.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}
