// Package storage provides a minimal persistence layer used by the daemon.
//
// It currently supports:
//   - Task records and their status transitions
//   - Run history appends (one row per completed execution)
//
// Two drivers are available: a dependency-free file driver (JSON snapshot
// plus an append-only journal) and sqlite.
package storage
