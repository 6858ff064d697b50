package harness

import (
	"fmt"

	"github.com/ashlessscythe/serialtrack/internal/record"
)

// Check validates every scenario assertion against a run result. The first
// failing assertion is returned with enough context to locate it.
func Check(scenario *Scenario, result *Result) error {
	for i, a := range scenario.Assertions {
		var err error
		switch a.Type {
		case AssertDiffContains:
			err = checkDiffContains(&a, result)
		case AssertDiffCount:
			err = checkDiffCount(&a, result)
		case AssertFinalState:
			err = checkFinalState(&a, result)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			return fmt.Errorf("assertion %d (%s): %w", i, a.Type, err)
		}
	}
	return nil
}

func checkDiffContains(a *Assertion, result *Result) error {
	batch := result.Batches[a.Cycle-1]
	for _, rec := range batch.Records {
		if rec.SerialID != a.Serial {
			continue
		}
		if string(rec.ChangeType) != a.Change {
			continue
		}
		if a.From != "" && string(rec.FromStatus) != a.From {
			continue
		}
		if a.To != "" && string(rec.ToStatus) != a.To {
			continue
		}
		return nil
	}
	return fmt.Errorf("cycle %d: no %s record for serial %s (from=%q, to=%q) in %d records",
		a.Cycle, a.Change, a.Serial, a.From, a.To, len(batch.Records))
}

func checkDiffCount(a *Assertion, result *Result) error {
	batch := result.Batches[a.Cycle-1]
	if len(batch.Records) != a.Count {
		return fmt.Errorf("cycle %d: got %d records, want %d", a.Cycle, len(batch.Records), a.Count)
	}
	return nil
}

func checkFinalState(a *Assertion, result *Result) error {
	entry, ok := result.State[a.Serial]
	if a.Absent {
		if ok {
			return fmt.Errorf("serial %s present in final state with status %s, want absent",
				a.Serial, entry.Status)
		}
		return nil
	}
	if !ok {
		return fmt.Errorf("serial %s missing from final state", a.Serial)
	}
	if entry.Status != record.Status(a.Status) {
		return fmt.Errorf("serial %s: final status %s, want %s", a.Serial, entry.Status, a.Status)
	}
	return nil
}
