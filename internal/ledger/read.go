package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashlessscythe/serialtrack/internal/record"
)

// ErrNotFound is returned by point reads for missing rows.
var ErrNotFound = errors.New("not found")

// ReadAll returns every committed batch with its records.
// Batches are ordered by seq ASC; records within a batch by
// serial_id ASC, id ASC for deterministic replay.
//
// Returns an empty slice (not nil) if the log is empty.
func (l *Ledger) ReadAll(ctx context.Context) ([]StoredBatch, error) {
	return l.readBatches(ctx, `
		SELECT seq, fingerprint, snapshot_id, recorded_at,
		       added_count, removed_count, updated_count,
		       total_added, total_removed, total_updated
		FROM diff_batches
		ORDER BY seq ASC
	`)
}

// ReadSince returns batches recorded at or after the given time, ordered by
// seq ASC.
func (l *Ledger) ReadSince(ctx context.Context, since time.Time) ([]StoredBatch, error) {
	return l.readBatches(ctx, `
		SELECT seq, fingerprint, snapshot_id, recorded_at,
		       added_count, removed_count, updated_count,
		       total_added, total_removed, total_updated
		FROM diff_batches
		WHERE recorded_at >= ?
		ORDER BY seq ASC
	`, tsToDB(since))
}

func (l *Ledger) readBatches(ctx context.Context, query string, args ...any) ([]StoredBatch, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	batches := []StoredBatch{}
	for rows.Next() {
		var b StoredBatch
		var recordedAt int64
		err := rows.Scan(
			&b.Seq, &b.Fingerprint, &b.SnapshotID, &recordedAt,
			&b.AddedCount, &b.RemovedCount, &b.UpdatedCount,
			&b.TotalAdded, &b.TotalRemoved, &b.TotalUpdated,
		)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.RecordedAt = tsFromDB(recordedAt)
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}

	for i := range batches {
		records, err := l.readBatchRecords(ctx, batches[i].Seq)
		if err != nil {
			return nil, err
		}
		batches[i].Records = records
	}

	return batches, nil
}

// readBatchRecords returns a batch's diff records with deterministic ordering.
func (l *Ledger) readBatchRecords(ctx context.Context, batchSeq int64) ([]record.DiffRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT serial_id, change_type, from_status, to_status,
		       field_changes, unexpected, recorded_at
		FROM diff_records
		WHERE batch_seq = ?
		ORDER BY serial_id COLLATE BINARY ASC, id ASC
	`, batchSeq)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []record.DiffRecord{}
	for rows.Next() {
		var r record.DiffRecord
		var changeType, fromStatus, toStatus, fieldsJSON string
		var recordedAt int64
		err := rows.Scan(&r.SerialID, &changeType, &fromStatus, &toStatus,
			&fieldsJSON, &r.Unexpected, &recordedAt)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.ChangeType = record.ChangeType(changeType)
		r.FromStatus = record.Status(fromStatus)
		r.ToStatus = record.Status(toStatus)
		r.RecordedAt = tsFromDB(recordedAt)
		r.FieldChanges, err = unmarshalFieldChanges(fieldsJSON)
		if err != nil {
			return nil, fmt.Errorf("batch %d serial %s: %w", batchSeq, r.SerialID, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return records, nil
}

// BatchCount returns the number of committed batches in the log.
func (l *Ledger) BatchCount(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM diff_batches`).Scan(&n); err != nil {
		return 0, fmt.Errorf("batch count: %w", err)
	}
	return n, nil
}

// GetState retrieves one current-state entry.
// Returns ErrNotFound if the serial is unknown.
func (l *Ledger) GetState(ctx context.Context, serialID string) (record.CurrentStatusEntry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT serial_id, status, delivery_id, shipment_id, customer_name,
		       created_by, last_changed_at, picked_at, shipped_at
		FROM current_status
		WHERE serial_id = ?
	`, serialID)

	entry, err := scanStateEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.CurrentStatusEntry{}, fmt.Errorf("state %s: %w", serialID, ErrNotFound)
	}
	return entry, err
}

// AllState returns the full current-state table keyed by serial ID.
func (l *Ledger) AllState(ctx context.Context) (map[string]record.CurrentStatusEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT serial_id, status, delivery_id, shipment_id, customer_name,
		       created_by, last_changed_at, picked_at, shipped_at
		FROM current_status
		ORDER BY serial_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}
	defer rows.Close()

	state := make(map[string]record.CurrentStatusEntry)
	for rows.Next() {
		entry, err := scanStateEntry(rows)
		if err != nil {
			return nil, err
		}
		state[entry.SerialID] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state: %w", err)
	}

	return state, nil
}

// ClearState empties the current-state table so it can be rebuilt from the
// log.
func (l *Ledger) ClearState(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM current_status`); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStateEntry(row rowScanner) (record.CurrentStatusEntry, error) {
	var entry record.CurrentStatusEntry
	var status string
	var lastChanged, pickedAt, shippedAt int64

	err := row.Scan(&entry.SerialID, &status, &entry.DeliveryID, &entry.ShipmentID,
		&entry.CustomerName, &entry.CreatedBy, &lastChanged, &pickedAt, &shippedAt)
	if err != nil {
		return record.CurrentStatusEntry{}, err
	}

	entry.Status = record.Status(status)
	entry.LastChangedAt = tsFromDB(lastChanged)
	entry.PickedAt = tsFromDB(pickedAt)
	entry.ShippedAt = tsFromDB(shippedAt)
	return entry, nil
}

// GetSnapshot retrieves snapshot metadata.
// Returns ErrNotFound if the snapshot is unknown.
func (l *Ledger) GetSnapshot(ctx context.Context, snapshotID string) (record.SnapshotMeta, error) {
	var meta record.SnapshotMeta
	var capturedAt int64
	err := l.db.QueryRowContext(ctx, `
		SELECT snapshot_id, source_label, captured_at, record_count
		FROM snapshots
		WHERE snapshot_id = ?
	`, snapshotID).Scan(&meta.SnapshotID, &meta.SourceLabel, &capturedAt, &meta.RecordCount)
	if errors.Is(err, sql.ErrNoRows) {
		return record.SnapshotMeta{}, fmt.Errorf("snapshot %s: %w", snapshotID, ErrNotFound)
	}
	if err != nil {
		return record.SnapshotMeta{}, fmt.Errorf("get snapshot: %w", err)
	}
	meta.CapturedAt = tsFromDB(capturedAt)
	return meta, nil
}
