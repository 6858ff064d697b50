// Package materialize maintains the current-state table: the query-ready
// view of "latest known truth" per serial, derived purely from the history
// log's diff records.
//
// The table is a pure function of the diff stream. Rebuilding from the full
// log must reproduce exactly the same table as applying each cycle
// incrementally; this is the recovery path and is covered by tests.
//
// Per-entity state machine: UNKNOWN -> PICKED -> SHIPPED (terminal), or
// UNKNOWN -> removed. SHIPPED never transitions away. By construction the
// reconciler prevents post-terminal diffs from being emitted at all, but the
// materializer stays defensively idempotent in case the log is replayed out
// of order: a non-terminal diff against a SHIPPED entry is skipped and
// logged, never applied.
package materialize

import (
	"log/slog"
	"sync"

	"github.com/ashlessscythe/serialtrack/internal/record"
)

// Mutations lists the state changes one batch produces, in application
// order. The engine persists these alongside the batch append so the durable
// table and the in-memory table never diverge.
type Mutations struct {
	Upserts []record.CurrentStatusEntry
	Deletes []string

	// Skipped lists serials whose diff was rejected by the terminal guard.
	Skipped []string
}

// Table is the in-memory current-state table. Reads take a copy under a
// read lock; the single writer commits staged mutations under the write
// lock. Readers therefore observe either the pre-cycle or post-cycle state,
// never a partially applied intermediate.
type Table struct {
	mu      sync.RWMutex
	entries map[string]record.CurrentStatusEntry
	logger  *slog.Logger

	// TerminalStatus is the lifecycle end state guarded against regression.
	// Empty means SHIPPED. Set before the first Stage or Apply; must match
	// the reconciler's terminal status.
	TerminalStatus record.Status
}

// New returns an empty table. logger may be nil.
func New(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		entries: make(map[string]record.CurrentStatusEntry),
		logger:  logger,
	}
}

// Load replaces the table contents, seeding from durable state at startup.
func (t *Table) Load(state map[string]record.CurrentStatusEntry) {
	entries := make(map[string]record.CurrentStatusEntry, len(state))
	for k, v := range state {
		entries[k] = v
	}

	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()
}

// Snapshot returns a copy of the table. The copy is the caller's to keep;
// later cycles never mutate it.
func (t *Table) Snapshot() map[string]record.CurrentStatusEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]record.CurrentStatusEntry, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// Get returns one entry.
func (t *Table) Get(serialID string) (record.CurrentStatusEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[serialID]
	return entry, ok
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Stage computes the mutations a batch produces against the current table
// without applying them. Pure with respect to the table; the engine persists
// the mutations first and calls Commit only after the ledger append
// succeeds.
func (t *Table) Stage(batch record.DiffBatch) Mutations {
	t.mu.RLock()
	defer t.mu.RUnlock()

	terminal := t.terminal()
	var m Mutations
	// Staged upserts within one batch may build on each other, so track
	// batch-local state on top of the table.
	staged := make(map[string]record.CurrentStatusEntry)
	lookup := func(serialID string) (record.CurrentStatusEntry, bool) {
		if e, ok := staged[serialID]; ok {
			return e, true
		}
		e, ok := t.entries[serialID]
		return e, ok
	}

	for _, rec := range batch.Records {
		switch rec.ChangeType {
		case record.ChangeRemoved:
			m.Deletes = append(m.Deletes, rec.SerialID)

		case record.ChangeAdded, record.ChangeUpdated:
			prev, existed := lookup(rec.SerialID)
			if existed && prev.Status == terminal && rec.ToStatus != terminal {
				// Terminal guard: replayed or corrupt diff, skip.
				m.Skipped = append(m.Skipped, rec.SerialID)
				t.logger.Warn("skipping diff against terminal entry",
					"serial_id", rec.SerialID,
					"to_status", rec.ToStatus,
				)
				continue
			}

			entry := apply(prev, rec, terminal)
			staged[rec.SerialID] = entry
			m.Upserts = append(m.Upserts, entry)
		}
	}

	return m
}

// Commit applies staged mutations to the table.
func (t *Table) Commit(m Mutations) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, entry := range m.Upserts {
		t.entries[entry.SerialID] = entry
	}
	for _, serialID := range m.Deletes {
		delete(t.entries, serialID)
	}
}

// Apply stages and commits a batch in one step. Used by replay; the engine's
// cycle path separates the two around the ledger append.
func (t *Table) Apply(batch record.DiffBatch) Mutations {
	m := t.Stage(batch)
	t.Commit(m)
	return m
}

// Rebuild clears the table and replays the full history log in order.
func (t *Table) Rebuild(batches []record.DiffBatch) {
	t.Load(nil)
	for _, batch := range batches {
		t.Apply(batch)
	}
}

func (t *Table) terminal() record.Status {
	if t.TerminalStatus != "" {
		return t.TerminalStatus
	}
	return record.StatusShipped
}

// apply is the per-entity transition function.
func apply(prev record.CurrentStatusEntry, rec record.DiffRecord, terminal record.Status) record.CurrentStatusEntry {
	entry := prev
	entry.SerialID = rec.SerialID
	entry.Status = rec.ToStatus
	entry.LastChangedAt = rec.RecordedAt

	for name, fc := range rec.FieldChanges {
		switch name {
		case "delivery_id":
			entry.DeliveryID = fc.To
		case "shipment_id":
			entry.ShipmentID = fc.To
		case "customer_name":
			entry.CustomerName = fc.To
		case "created_by":
			entry.CreatedBy = fc.To
		}
	}

	switch rec.ToStatus {
	case record.StatusPicked:
		if entry.PickedAt.IsZero() {
			entry.PickedAt = rec.RecordedAt
		}
	case terminal:
		if entry.ShippedAt.IsZero() {
			entry.ShippedAt = rec.RecordedAt
		}
	}

	return entry
}
