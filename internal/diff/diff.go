// Package diff computes the change set between the previously materialized
// state and a freshly reconciled snapshot.
//
// Compute is a pure function: the same (previous, current) pair always yields
// the same records in the same order. The only wall-clock-derived content is
// the single recorded_at stamp the caller supplies, applied uniformly to
// every record in the batch.
package diff

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ashlessscythe/serialtrack/internal/record"
)

// IntegrityError reports a serial transitioning away from the terminal
// status. This indicates upstream data corruption, not a recoverable case:
// the cycle must abort without appending or materializing.
type IntegrityError struct {
	SerialID string
	From     record.Status
	To       record.Status
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("diff integrity violation: serial %s regresses from terminal %s to %s",
		e.SerialID, e.From, e.To)
}

// IsIntegrityError reports whether err is an IntegrityError, unwrapping as
// needed.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// Options control business heuristics of the diff.
type Options struct {
	// ImplicitShipOnRemoval reinterprets the disappearance of a PICKED serial
	// as a transition to the terminal status instead of a removal. Upstream
	// stops exporting serials once they ship, so a vanished PICKED serial
	// usually means "shipped and no longer tracked". The heuristic is an
	// inference, not a certainty, hence the toggle.
	ImplicitShipOnRemoval bool

	// TerminalStatus is the lifecycle end state. Empty means SHIPPED. Must
	// match the reconciler's terminal status or the two will disagree about
	// regressions.
	TerminalStatus record.Status
}

func (o Options) terminal() record.Status {
	if o.TerminalStatus != "" {
		return o.TerminalStatus
	}
	return record.StatusShipped
}

// Compute diffs the previously materialized state against the reconciled
// current snapshot and returns the change records sorted by serial ID.
//
// stale lists serials the reconciler excluded from current solely because
// their records aged past the recency window; they are still listed in the
// export and their previous state is retained without a diff.
//
//   - added: serials present only in current.
//   - removed: serials present only in previous. A PICKED serial vanishing is
//     an implicit ship (see Options); a terminal serial vanishing is retained
//     silently; anything else is a true removal, flagged unexpected.
//   - updated: serials in both whose status changed. Field churn with an
//     identical status is suppressed, it is noise for the history log.
func Compute(
	previous map[string]record.CurrentStatusEntry,
	current map[string]record.SerialRecord,
	stale map[string]struct{},
	recordedAt time.Time,
	opts Options,
) ([]record.DiffRecord, error) {
	terminal := opts.terminal()
	var out []record.DiffRecord

	for serialID, cur := range current {
		prev, existed := previous[serialID]
		if !existed {
			// Added records carry their attributes as field changes from the
			// empty string, so the history log alone can rebuild the full
			// current-state table on replay.
			out = append(out, record.DiffRecord{
				SerialID:     serialID,
				ChangeType:   record.ChangeAdded,
				ToStatus:     cur.Status,
				FieldChanges: fieldChanges(record.CurrentStatusEntry{}, cur),
				RecordedAt:   recordedAt,
			})
			continue
		}

		if prev.Status == terminal && cur.Status != terminal {
			return nil, &IntegrityError{SerialID: serialID, From: prev.Status, To: cur.Status}
		}

		if cur.Status == prev.Status {
			continue
		}

		out = append(out, record.DiffRecord{
			SerialID:     serialID,
			ChangeType:   record.ChangeUpdated,
			FromStatus:   prev.Status,
			ToStatus:     cur.Status,
			FieldChanges: fieldChanges(prev, cur),
			RecordedAt:   recordedAt,
		})
	}

	for serialID, prev := range previous {
		if _, stillPresent := current[serialID]; stillPresent {
			continue
		}
		if _, outOfWindow := stale[serialID]; outOfWindow {
			// Still in the export, only aged past the recency window.
			continue
		}

		switch {
		case prev.Status == terminal:
			// Terminal serials age out of exports; their state is retained.
			continue

		case prev.Status == record.StatusPicked && opts.ImplicitShipOnRemoval:
			out = append(out, record.DiffRecord{
				SerialID:   serialID,
				ChangeType: record.ChangeUpdated,
				FromStatus: prev.Status,
				ToStatus:   terminal,
				RecordedAt: recordedAt,
			})

		default:
			out = append(out, record.DiffRecord{
				SerialID:   serialID,
				ChangeType: record.ChangeRemoved,
				FromStatus: prev.Status,
				RecordedAt: recordedAt,
				Unexpected: prev.Status != record.StatusPicked,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].SerialID < out[j].SerialID })
	return out, nil
}

// fieldChanges collects attribute-level changes accompanying a status
// transition.
func fieldChanges(prev record.CurrentStatusEntry, cur record.SerialRecord) map[string]record.FieldChange {
	changes := make(map[string]record.FieldChange)
	add := func(name, from, to string) {
		if from != to {
			changes[name] = record.FieldChange{From: from, To: to}
		}
	}

	add("delivery_id", prev.DeliveryID, cur.DeliveryID)
	add("shipment_id", prev.ShipmentID, cur.ShipmentID)
	add("customer_name", prev.CustomerName, cur.CustomerName)
	add("created_by", prev.CreatedBy, cur.CreatedBy)

	if len(changes) == 0 {
		return nil
	}
	return changes
}
