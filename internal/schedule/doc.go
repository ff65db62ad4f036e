// Package schedule runs named processing jobs on cron schedules or manual
// triggers, serialized against a shared workspace.
//
// # Overview
//
// A fixed-interval tick loop evaluates every enabled job's 5-field cron
// expression at minute granularity. Due jobs are dispatched to the worker,
// which holds the global run lock for the duration of the external processor
// invocation. Manual triggers enter the identical dispatch path, so scheduled
// and manual runs are mutually exclusive.
//
// # Overlap policy
//
// When a job becomes due while a run is already active, its overlap policy
// decides what happens: "skip" drops the trigger (recorded, not an error);
// "queue" appends it to a bounded per-job FIFO that drains as runs complete.
// Requests beyond queue_max are dropped, never blocked on.
//
// # Locking
//
// The run lock is global and binary: at most one processor invocation is
// active at any instant, regardless of which job or trigger produced it.
// Jobs may additionally request the shared workspace lock (use_vault_lock)
// that other workspace mutators honor.
//
// # Lifecycle
//
// Job definitions are immutable; a config reload swaps the whole registry
// snapshot atomically. Per-job runtime state (queue, last run, counters)
// survives reloads for the process lifetime.
package schedule
