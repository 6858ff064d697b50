package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ashlessscythe/serialtrack/internal/record"
)

// StoredBatch is a history log entry as persisted: the diff batch plus its
// per-batch counters and the running totals across the whole log up to and
// including it.
type StoredBatch struct {
	record.DiffBatch

	AddedCount   int64 `json:"added_count"`
	RemovedCount int64 `json:"removed_count"`
	UpdatedCount int64 `json:"updated_count"`

	TotalAdded   int64 `json:"total_added"`
	TotalRemoved int64 `json:"total_removed"`
	TotalUpdated int64 `json:"total_updated"`
}

// WriteSnapshot records snapshot metadata.
// Uses ON CONFLICT(snapshot_id) DO NOTHING for idempotency.
func (l *Ledger) WriteSnapshot(ctx context.Context, meta record.SnapshotMeta) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO snapshots
		(snapshot_id, source_label, captured_at, record_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(snapshot_id) DO NOTHING
	`,
		meta.SnapshotID,
		meta.SourceLabel,
		tsToDB(meta.CapturedAt),
		meta.RecordCount,
	)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// AppendCycle atomically commits one reconciliation cycle: the diff batch,
// its records, and the current-state mutations, in a single transaction.
// A crash at any point leaves previously committed cycles untouched and no
// partially applied state visible to readers.
//
// Uses ON CONFLICT(fingerprint) DO NOTHING for idempotency: appending a batch
// whose fingerprint is already in the log returns the existing seq with
// inserted=false, and the state mutations are NOT applied (they were applied
// when the batch first committed).
//
// Running totals are computed inside the transaction from the latest
// committed batch, so they are always consistent with the log.
func (l *Ledger) AppendCycle(
	ctx context.Context,
	batch record.DiffBatch,
	upserts []record.CurrentStatusEntry,
	deletes []string,
) (seq int64, inserted bool, err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("append cycle: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	added, removed, updated := batch.Counts()

	// Running totals carry over from the latest committed batch.
	var totalAdded, totalRemoved, totalUpdated int64
	err = tx.QueryRowContext(ctx, `
		SELECT total_added, total_removed, total_updated
		FROM diff_batches
		ORDER BY seq DESC
		LIMIT 1
	`).Scan(&totalAdded, &totalRemoved, &totalUpdated)
	if err != nil && err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("append cycle: read totals: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO diff_batches
		(fingerprint, snapshot_id, recorded_at,
		 added_count, removed_count, updated_count,
		 total_added, total_removed, total_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING
	`,
		batch.Fingerprint,
		batch.SnapshotID,
		tsToDB(batch.RecordedAt),
		added,
		removed,
		updated,
		totalAdded+int64(added),
		totalRemoved+int64(removed),
		totalUpdated+int64(updated),
	)
	if err != nil {
		return 0, false, fmt.Errorf("append cycle: insert batch: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("append cycle: rows affected: %w", err)
	}

	if rowsAffected == 0 {
		// Conflict - batch already committed, state already applied.
		err = tx.QueryRowContext(ctx, `
			SELECT seq FROM diff_batches WHERE fingerprint = ?
		`, batch.Fingerprint).Scan(&seq)
		if err != nil {
			return 0, false, fmt.Errorf("append cycle: select existing: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, false, fmt.Errorf("append cycle: commit (existing): %w", err)
		}
		return seq, false, nil
	}

	seq, err = result.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("append cycle: last insert id: %w", err)
	}

	for _, rec := range batch.Records {
		fieldsJSON, err := marshalFieldChanges(rec.FieldChanges)
		if err != nil {
			return 0, false, fmt.Errorf("append cycle: serial %s: %w", rec.SerialID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO diff_records
			(batch_seq, serial_id, change_type, from_status, to_status,
			 field_changes, unexpected, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			seq,
			rec.SerialID,
			string(rec.ChangeType),
			string(rec.FromStatus),
			string(rec.ToStatus),
			fieldsJSON,
			rec.Unexpected,
			tsToDB(rec.RecordedAt),
		)
		if err != nil {
			return 0, false, fmt.Errorf("append cycle: insert record %s: %w", rec.SerialID, err)
		}
	}

	for _, entry := range upserts {
		if err := upsertState(ctx, tx, entry); err != nil {
			return 0, false, fmt.Errorf("append cycle: %w", err)
		}
	}
	for _, serialID := range deletes {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM current_status WHERE serial_id = ?`, serialID); err != nil {
			return 0, false, fmt.Errorf("append cycle: delete state %s: %w", serialID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("append cycle: commit: %w", err)
	}

	return seq, true, nil
}

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertState(ctx context.Context, ex execer, entry record.CurrentStatusEntry) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO current_status
		(serial_id, status, delivery_id, shipment_id, customer_name,
		 created_by, last_changed_at, picked_at, shipped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial_id) DO UPDATE SET
			status = excluded.status,
			delivery_id = excluded.delivery_id,
			shipment_id = excluded.shipment_id,
			customer_name = excluded.customer_name,
			created_by = excluded.created_by,
			last_changed_at = excluded.last_changed_at,
			picked_at = excluded.picked_at,
			shipped_at = excluded.shipped_at
	`,
		entry.SerialID,
		string(entry.Status),
		entry.DeliveryID,
		entry.ShipmentID,
		entry.CustomerName,
		entry.CreatedBy,
		tsToDB(entry.LastChangedAt),
		tsToDB(entry.PickedAt),
		tsToDB(entry.ShippedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert state %s: %w", entry.SerialID, err)
	}
	return nil
}

// PutState upserts one current-state entry outside a cycle transaction.
// Used by replay and tests; cycle writes go through AppendCycle.
func (l *Ledger) PutState(ctx context.Context, entry record.CurrentStatusEntry) error {
	return upsertState(ctx, l.db, entry)
}

// DeleteState removes one current-state entry.
func (l *Ledger) DeleteState(ctx context.Context, serialID string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM current_status WHERE serial_id = ?`, serialID)
	if err != nil {
		return fmt.Errorf("delete state %s: %w", serialID, err)
	}
	return nil
}

// marshalFieldChanges serializes field changes for storage using canonical
// JSON so stored bytes are deterministic. Empty maps store as the empty
// string.
func marshalFieldChanges(changes map[string]record.FieldChange) (string, error) {
	if len(changes) == 0 {
		return "", nil
	}
	obj := make(map[string]any, len(changes))
	for name, fc := range changes {
		obj[name] = map[string]any{"from": fc.From, "to": fc.To}
	}
	b, err := record.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal field changes: %w", err)
	}
	return string(b), nil
}

func unmarshalFieldChanges(s string) (map[string]record.FieldChange, error) {
	if s == "" {
		return nil, nil
	}
	var changes map[string]record.FieldChange
	if err := json.Unmarshal([]byte(s), &changes); err != nil {
		return nil, fmt.Errorf("unmarshal field changes: %w", err)
	}
	return changes, nil
}
