// Package store provides SQLite-backed durable storage for the progress ledger.
//
// Tables:
//   - events: the append-only progress log (source of truth)
//   - compacted_events: tombstones of events replaced by a compaction snapshot
//   - completion_records: materialized per-day progress, completion is a generated column
//   - user_aggregates: materialized XP, level and streaks
//   - sequence_counters: last issued sequence per (user, device)
//   - stream_heads: highest stored sequence per (origin user, device)
//   - upload_cursors / merge_cursors: replication positions
//
// # Deterministic Query Results
//
// Event queries order by sequence, never by created_at:
//
//	ORDER BY sequence ASC, origin_user_id, device_id, id COLLATE BINARY ASC
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - One open connection: SQLite has a single writer
//
// The store knows nothing about folding or completion rules. It persists what
// the ledger hands it.
package store
