package storage

// Package storage provides a minimal persistence layer for run history.
//
// It currently supports:
//   - Run record appends (one row per finished run)
//   - Recent-run lookups for the status API
