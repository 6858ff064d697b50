package harness

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/ashlessscythe/serialtrack/internal/record"
)

// AssertGolden compares a scenario's diff trace against its golden file in
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// The trace uses canonical JSON, so fixtures are byte-stable across runs and
// platforms. Fingerprints and sequence numbers are derived values and are
// excluded; the golden pins the semantic content of each batch.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result) error {
	t.Helper()

	trace, err := record.MarshalCanonical(traceMap(scenario, result))
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, trace)

	return nil
}

// traceMap flattens the run result into canonical-JSON-compatible maps.
func traceMap(scenario *Scenario, result *Result) map[string]any {
	cycles := make([]any, len(result.Batches))
	for i, batch := range result.Batches {
		records := make([]any, len(batch.Records))
		for j, rec := range batch.Records {
			records[j] = diffRecordMap(rec)
		}
		cycles[i] = map[string]any{
			"snapshot_id": batch.SnapshotID,
			"records":     records,
		}
	}

	return map[string]any{
		"scenario": scenario.Name,
		"cycles":   cycles,
	}
}

func diffRecordMap(rec record.DiffRecord) map[string]any {
	m := map[string]any{
		"serial_id":   rec.SerialID,
		"change_type": rec.ChangeType,
		"recorded_at": rec.RecordedAt.UTC().Format(time.RFC3339),
	}
	if rec.FromStatus != "" {
		m["from_status"] = rec.FromStatus
	}
	if rec.ToStatus != "" {
		m["to_status"] = rec.ToStatus
	}
	if rec.Unexpected {
		m["unexpected"] = true
	}
	if len(rec.FieldChanges) > 0 {
		changes := make(map[string]any, len(rec.FieldChanges))
		for name, fc := range rec.FieldChanges {
			changes[name] = map[string]any{"from": fc.From, "to": fc.To}
		}
		m["field_changes"] = changes
	}
	return m
}
