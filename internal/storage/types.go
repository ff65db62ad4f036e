package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunEntry records one finished run.
// Keep it compact and schema-stable.
type RunEntry struct {
	RunID      string    `json:"run_id"`
	JobID      string    `json:"job_id"`
	Trigger    string    `json:"trigger"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	TookMS     int64     `json:"took_ms"`
	CostUSD    float64   `json:"cost_usd,omitempty"`
	Error      string    `json:"error,omitempty"`
	Abandoned  bool      `json:"abandoned,omitempty"`
}
