// Package store provides SQLite persistence for projects, sessions,
// and the append-only event log.
//
// The event log is the source of truth for everything clients render.
// Events are assigned ids and timestamps at insert time so that
// (created_at, event_id) is a strict total order per project, and the
// same order is what EventsSince returns for a catch-up fetch.
// Timestamps are stored as fixed-width UTC strings, so SQLite's string
// comparison is chronological comparison.
package store
