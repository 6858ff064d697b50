// Package ledger provides SQLite-backed durable storage for the shipment
// tracking engine.
//
// Two collections live here:
//   - History Log: an append-only sequence of diff batches, one per
//     reconciliation cycle, with per-batch and running cumulative counters
//   - Current-State table: the materialized view, one row per serial
//
// # Critical Patterns
//
// Batch-level idempotency
//   - UNIQUE(fingerprint) on diff_batches
//   - Re-appending the same batch is a silent no-op, giving at-most-once
//     append per fingerprint
//
// Transactional cycle boundary
//   - AppendCycle writes the diff batch, its records, and the current-state
//     mutations in ONE transaction
//   - A crash mid-cycle leaves previously committed batches untouched and
//     readers never observe a partially applied cycle
//
// Deterministic query results
//   - All multi-row reads order by seq ASC, id ASC COLLATE BINARY
//   - Replaying the log yields identical results across runs
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
//
// Batch fingerprints are computed in internal/record using canonical JSON
// and SHA-256 with domain separation.
package ledger
