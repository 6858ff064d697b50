// Package reconcile collapses a raw snapshot into the reconciled view of
// "what is true now": exactly one record per serial, with lifecycle rules
// applied in a fixed order.
//
// A serial can legitimately appear several times in one snapshot (the same
// report exported at different granularities), so a naive set-diff over raw
// records would emit phantom transitions. The reconciler applies four rules,
// deterministic and total:
//
//  1. Per-serial status collapse (terminal state wins, orphan terminals drop)
//  2. Shipped-ceiling filter (nothing after a serial ships may alter it)
//  3. Recency window filter
//  4. Key uniqueness (latest observed_at wins)
package reconcile

import (
	"fmt"
	"time"

	"github.com/ashlessscythe/serialtrack/internal/record"
)

// Conflict describes an ambiguity the reconciler resolved deterministically.
// Conflicts are warnings for the log, never errors; the tie-break rules make
// every outcome well defined.
type Conflict struct {
	SerialID string
	Rule     string
	Detail   string
}

func (c Conflict) String() string {
	return fmt.Sprintf("serial %s: %s: %s", c.SerialID, c.Rule, c.Detail)
}

// Reconciler applies the lifecycle rules. Construct with New; the zero value
// disables the recency window and uses the default terminal status.
type Reconciler struct {
	// WindowMinutes bounds the working set to records observed within this
	// many minutes of the reference time. Zero disables the filter.
	WindowMinutes int

	// TerminalStatus is the lifecycle end state. Defaults to SHIPPED.
	TerminalStatus record.Status
}

// New returns a Reconciler with the given recency window.
func New(windowMinutes int) *Reconciler {
	return &Reconciler{
		WindowMinutes:  windowMinutes,
		TerminalStatus: record.StatusShipped,
	}
}

func (r *Reconciler) terminal() record.Status {
	if r.TerminalStatus != "" {
		return r.TerminalStatus
	}
	return record.StatusShipped
}

// Reconcile collapses the incoming snapshot records into one record per
// serial. prev is the previously materialized state, consulted for orphan
// rejection and the shipped ceiling; referenceTime is the capture time of the
// newest snapshot involved and anchors the recency window.
//
// stale lists serials that appear in the snapshot but whose records all aged
// past the recency window. They are excluded from the reconciled map, yet
// they ARE still listed in the export: the diff engine must not read their
// absence as a disappearance.
//
// The result depends only on the inputs; running Reconcile twice over the
// same arguments yields the same map and the same conflicts.
func (r *Reconciler) Reconcile(
	records []record.SerialRecord,
	prev map[string]record.CurrentStatusEntry,
	referenceTime time.Time,
) (out map[string]record.SerialRecord, stale map[string]struct{}, conflicts []Conflict) {
	terminal := r.terminal()

	// Group by serial preserving input order, so equal-timestamp tie-breaks
	// do not depend on map iteration.
	order := make([]string, 0, len(records))
	groups := make(map[string][]record.SerialRecord, len(records))
	for _, rec := range records {
		if _, seen := groups[rec.SerialID]; !seen {
			order = append(order, rec.SerialID)
		}
		groups[rec.SerialID] = append(groups[rec.SerialID], rec)
	}

	out = make(map[string]record.SerialRecord, len(groups))
	stale = make(map[string]struct{})

	for _, serialID := range order {
		group := groups[serialID]
		prevEntry, hasPrev := prev[serialID]

		// Rule 1: per-serial status collapse.
		group, c := r.collapse(serialID, group, hasPrev, terminal)
		conflicts = append(conflicts, c...)

		// Rule 2: shipped-ceiling filter.
		group = r.applyShippedCeiling(group, prevEntry, hasPrev, terminal)

		// Rule 3: recency window filter. A serial dropped here alone is stale,
		// not gone.
		if r.WindowMinutes > 0 && len(group) > 0 {
			cutoff := referenceTime.Add(-time.Duration(r.WindowMinutes) * time.Minute)
			group = keep(group, func(rec record.SerialRecord) bool {
				return !rec.ObservedAt.Before(cutoff)
			})
			if len(group) == 0 {
				stale[serialID] = struct{}{}
			}
		}

		if len(group) == 0 {
			continue
		}

		// Rule 4: key uniqueness, latest observed_at wins.
		winner := group[0]
		for _, rec := range group[1:] {
			if rec.ObservedAt.After(winner.ObservedAt) {
				winner = rec
			}
		}
		if len(group) > 1 {
			conflicts = append(conflicts, Conflict{
				SerialID: serialID,
				Rule:     "key-uniqueness",
				Detail: fmt.Sprintf("%d surviving records, kept observed_at=%s",
					len(group), winner.ObservedAt.Format(time.RFC3339)),
			})
		}
		out[serialID] = winner
	}

	return out, stale, conflicts
}

// collapse applies rule 1. When both the terminal and a non-terminal status
// are present in the snapshot, only terminal records survive. A serial seen
// ONLY in the terminal status, with no prior history, is orphan noise from a
// bad export and is dropped entirely.
func (r *Reconciler) collapse(
	serialID string,
	group []record.SerialRecord,
	hasPrev bool,
	terminal record.Status,
) ([]record.SerialRecord, []Conflict) {
	var terminals, others []record.SerialRecord
	for _, rec := range group {
		if rec.Status == terminal {
			terminals = append(terminals, rec)
		} else {
			others = append(others, rec)
		}
	}

	switch {
	case len(terminals) == 0:
		return group, nil

	case len(others) > 0:
		// Both statuses present: terminal wins.
		var conflicts []Conflict
		if len(terminals) > 1 {
			conflicts = append(conflicts, Conflict{
				SerialID: serialID,
				Rule:     "status-collapse",
				Detail:   fmt.Sprintf("%d terminal records for one serial", len(terminals)),
			})
		}
		return terminals, conflicts

	case hasPrev:
		// Terminal-only, but the serial is already known: a legitimate
		// transition from previously observed state.
		return terminals, nil

	default:
		// Terminal-only with no history: reject.
		return nil, []Conflict{{
			SerialID: serialID,
			Rule:     "orphan-terminal",
			Detail:   "terminal status with no previously observed record, dropped",
		}}
	}
}

// applyShippedCeiling applies rule 2. Once the serial's terminal timestamp T
// is known, records observed after T are discarded. When the previously
// materialized status is already terminal, non-terminal records are discarded
// outright: a stale re-scan must not resurrect a shipped serial no matter how
// it is timestamped.
func (r *Reconciler) applyShippedCeiling(
	group []record.SerialRecord,
	prevEntry record.CurrentStatusEntry,
	hasPrev bool,
	terminal record.Status,
) []record.SerialRecord {
	prevTerminal := hasPrev && prevEntry.Status == terminal

	var ceiling time.Time
	if prevTerminal && !prevEntry.ShippedAt.IsZero() {
		ceiling = prevEntry.ShippedAt
	}
	for _, rec := range group {
		if rec.Status != terminal {
			continue
		}
		if ceiling.IsZero() || rec.ObservedAt.Before(ceiling) {
			ceiling = rec.ObservedAt
		}
	}

	return keep(group, func(rec record.SerialRecord) bool {
		if prevTerminal && rec.Status != terminal {
			return false
		}
		if !ceiling.IsZero() && rec.ObservedAt.After(ceiling) {
			return false
		}
		return true
	})
}

func keep(group []record.SerialRecord, pred func(record.SerialRecord) bool) []record.SerialRecord {
	out := group[:0:len(group)]
	for _, rec := range group {
		if pred(rec) {
			out = append(out, rec)
		}
	}
	return out
}
