// Package stores provides the persistent record store for gluu-engine.
// Records are JSON documents kept in per-table SQLite tables (WAL mode,
// embedded migrations) and queried with equality predicates over
// top-level document fields. Only single-record writes are atomic; callers
// that update several records must tolerate partial progress.
package stores
