package record

import "time"

// SerialRecord is one scanned unit at one point in time, as observed in a
// full-state snapshot. SerialID is the natural key; within one reconciled
// snapshot it is unique (duplicates are collapsed by the reconciler).
type SerialRecord struct {
	SerialID     string    `json:"serial_id"`
	Status       Status    `json:"status"`
	DeliveryID   string    `json:"delivery_id,omitempty"`
	ShipmentID   string    `json:"shipment_id,omitempty"`
	CustomerName string    `json:"customer_name,omitempty"`
	CreatedBy    string    `json:"created_by,omitempty"`
	WarehouseID  string    `json:"warehouse_id,omitempty"`
	ObservedAt   time.Time `json:"observed_at"`
	SnapshotID   string    `json:"snapshot_id"`

	// ObservedAtDegraded marks records whose scan timestamp could not be
	// derived from the export's date and time fields; ObservedAt then holds
	// the snapshot capture time instead.
	ObservedAtDegraded bool `json:"observed_at_degraded,omitempty"`
}

// ChangeType classifies a diff entry.
type ChangeType string

const (
	ChangeAdded   ChangeType = "added"
	ChangeRemoved ChangeType = "removed"
	ChangeUpdated ChangeType = "updated"
)

// FieldChange is a before/after pair for one denormalized attribute.
type FieldChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DiffRecord is one immutable entry in the history log. Created once per
// reconciliation cycle by the diff engine, appended, never mutated.
type DiffRecord struct {
	SerialID     string                 `json:"serial_id"`
	ChangeType   ChangeType             `json:"change_type"`
	FromStatus   Status                 `json:"from_status,omitempty"` // empty for added
	ToStatus     Status                 `json:"to_status,omitempty"`   // empty for removed
	FieldChanges map[string]FieldChange `json:"field_changes,omitempty"`
	RecordedAt   time.Time              `json:"recorded_at"`

	// Unexpected marks true removals: the serial vanished from the export
	// with no plausible transition (its last status was neither picked nor
	// terminal). These are rare and indicate upstream data problems.
	Unexpected bool `json:"unexpected,omitempty"`
}

// DiffBatch groups the diff records of one reconciliation cycle.
// Fingerprint is content-addressed over the records (excluding RecordedAt)
// and is the idempotency key for ledger appends.
type DiffBatch struct {
	Fingerprint string       `json:"fingerprint"`
	SnapshotID  string       `json:"snapshot_id"`
	Seq         int64        `json:"seq"`
	RecordedAt  time.Time    `json:"recorded_at"`
	Records     []DiffRecord `json:"records"`
}

// Counts returns the number of added, removed and updated records in the batch.
func (b DiffBatch) Counts() (added, removed, updated int) {
	for _, r := range b.Records {
		switch r.ChangeType {
		case ChangeAdded:
			added++
		case ChangeRemoved:
			removed++
		case ChangeUpdated:
			updated++
		}
	}
	return added, removed, updated
}

// Empty reports whether the batch carries no changes.
func (b DiffBatch) Empty() bool {
	return len(b.Records) == 0
}

// CurrentStatusEntry is the materialized "latest known truth" for one serial.
// Owned exclusively by the materializer; read-only everywhere else.
type CurrentStatusEntry struct {
	SerialID      string    `json:"serial_id"`
	Status        Status    `json:"status"`
	DeliveryID    string    `json:"delivery_id,omitempty"`
	ShipmentID    string    `json:"shipment_id,omitempty"`
	CustomerName  string    `json:"customer_name,omitempty"`
	CreatedBy     string    `json:"created_by,omitempty"`
	LastChangedAt time.Time `json:"last_changed_at"`

	// PickedAt and ShippedAt track the observed lifecycle timestamps where
	// known; ShippedAt doubles as the shipped-ceiling for later cycles.
	PickedAt  time.Time `json:"picked_at,omitempty"`
	ShippedAt time.Time `json:"shipped_at,omitempty"`
}

// SnapshotMeta describes one ingested full-state dump.
type SnapshotMeta struct {
	SnapshotID  string    `json:"snapshot_id"`
	SourceLabel string    `json:"source_label"`
	CapturedAt  time.Time `json:"captured_at"`
	RecordCount int       `json:"record_count"`
}

// DeliveryProgress is a derived, never-persisted progress view for one
// delivery. ExpectedCount is supplied by a delivery-metadata collaborator.
type DeliveryProgress struct {
	DeliveryID             string  `json:"delivery_id"`
	ScannedCount           int     `json:"scanned_count"`
	ExpectedCount          int     `json:"expected_count"`
	ProgressPercentage     float64 `json:"progress_percentage"`
	ScannedExceedsExpected bool    `json:"scanned_exceeds_expected,omitempty"`
}
