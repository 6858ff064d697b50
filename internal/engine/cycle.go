package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ashlessscythe/serialtrack/internal/cache"
	"github.com/ashlessscythe/serialtrack/internal/diff"
	"github.com/ashlessscythe/serialtrack/internal/metrics"
	"github.com/ashlessscythe/serialtrack/internal/record"
)

// RunCycle executes one reconciliation cycle:
// fetch -> normalize -> reconcile -> diff -> append -> materialize -> publish.
//
// Returns ErrCycleInFlight if another cycle holds the guard. Any failure
// aborts the cycle before partial writes become visible; readers keep
// observing the previous state and the next scheduled cycle retries from the
// last committed state.
//
// An empty diff short-circuits: nothing is appended to the ledger and the
// current-state table is untouched.
func (e *Engine) RunCycle(ctx context.Context) error {
	if !e.cycleMu.TryLock() {
		return ErrCycleInFlight
	}
	defer e.cycleMu.Unlock()

	raws, meta, ok, err := e.source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch snapshot: %w", err)
	}
	if !ok {
		e.logger.Debug("no new snapshot available")
		return nil
	}
	if meta.SnapshotID == "" {
		meta.SnapshotID = e.ids.Generate()
	}

	cycleNum := e.clock.Next()
	logger := e.logger.With("cycle", cycleNum, "snapshot_id", meta.SnapshotID)

	records, report := e.normalizer.NormalizeBatch(raws, meta)
	meta.RecordCount = report.Kept
	logger.Info("snapshot normalized",
		"total", report.Total,
		"kept", report.Kept,
		"filtered", report.Filtered,
		"malformed", report.Malformed,
		"degraded", report.Degraded,
	)

	previous := e.table.Snapshot()

	current, stale, conflicts := e.reconciler.Reconcile(records, previous, meta.CapturedAt)
	for _, c := range conflicts {
		logger.Warn("reconciliation conflict", "serial_id", c.SerialID, "rule", c.Rule, "detail", c.Detail)
	}
	if len(stale) > 0 {
		logger.Debug("serials outside recency window retained", "count", len(stale))
	}

	// The snapshot capture time stamps every diff record uniformly, so the
	// batch content is independent of when the engine happened to run.
	diffs, err := diff.Compute(previous, current, stale, meta.CapturedAt, e.diffOpts)
	if err != nil {
		logger.Error("cycle aborted", "error", err)
		return fmt.Errorf("cycle %d: %w", cycleNum, err)
	}

	if len(diffs) == 0 {
		logger.Info("no changes detected, cycle is a no-op")
		e.setLatestDiff(record.DiffBatch{SnapshotID: meta.SnapshotID, RecordedAt: meta.CapturedAt})
		return nil
	}

	fingerprint, err := record.BatchFingerprint(meta.SnapshotID, diffs)
	if err != nil {
		return fmt.Errorf("cycle %d: %w", cycleNum, err)
	}
	batch := record.DiffBatch{
		Fingerprint: fingerprint,
		SnapshotID:  meta.SnapshotID,
		RecordedAt:  meta.CapturedAt,
		Records:     diffs,
	}

	if err := e.ledger.WriteSnapshot(ctx, meta); err != nil {
		return &PersistenceError{Op: "snapshot write", SnapshotID: meta.SnapshotID, Err: err}
	}

	mutations := e.table.Stage(batch)
	for _, serialID := range mutations.Skipped {
		logger.Warn("terminal guard skipped diff", "serial_id", serialID)
	}

	seq, inserted, err := e.ledger.AppendCycle(ctx, batch, mutations.Upserts, mutations.Deletes)
	if err != nil {
		return &PersistenceError{Op: "batch append", SnapshotID: meta.SnapshotID, Err: err}
	}
	batch.Seq = seq

	if inserted {
		// Commit the in-memory table only after the ledger accepted the
		// batch; a failed append leaves readers on the previous state.
		e.table.Commit(mutations)
	} else {
		logger.Info("batch already committed, state unchanged", "seq", seq)
	}

	e.setLatestDiff(batch)

	added, removed, updated := batch.Counts()
	logger.Info("cycle committed",
		"seq", seq,
		"added", added,
		"removed", removed,
		"updated", updated,
	)

	e.publish(ctx, batch, logger)
	return nil
}

// publish pushes the latest diff and derived metrics into the dashboard
// cache. Publish failures are logged and do not fail the cycle; the ledger
// is the source of truth and readers fall back to recomputation.
func (e *Engine) publish(ctx context.Context, batch record.DiffBatch, logger *slog.Logger) {
	if e.cache == nil {
		return
	}

	state := e.table.Snapshot()

	entries := []struct {
		key   string
		value any
	}{
		{cache.KeyLatestDiff, batch},
		{cache.KeyDistribution, metrics.Distribution(state)},
		{cache.KeyActivity, metrics.ActivityWindow(state, batch.RecordedAt, e.reconciler.WindowMinutes)},
	}

	for _, item := range entries {
		data, err := json.Marshal(item.value)
		if err != nil {
			logger.Warn("cache publish marshal failed", "key", item.key, "error", err)
			continue
		}
		if err := e.cache.Set(ctx, item.key, data, e.cacheTTL); err != nil {
			logger.Warn("cache publish failed", "key", item.key, "error", err)
		}
	}
}
