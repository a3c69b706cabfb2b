// Package store is the local save journal, backed by SQLite.
//
// Every save the session issues is recorded before it is published, so a
// save that is dropped on the wire (disconnected publish, broker error) is
// still visible locally:
//   - saves: one row per save attempt, keyed by (session_id, version),
//     moving through pending → published → echoed, or → failed
//   - snapshots: the last known payload of each diagram, written when a
//     load or an applied update completes
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Queries order by the autoincrement id, so results come back in the order
// saves were issued.
package store
