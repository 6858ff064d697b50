package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines one conformance scenario: engine configuration, a
// sequence of snapshots to ingest, and assertions over the outcome.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// WindowMinutes is the recency window. Zero disables the filter, which
	// most scenarios want so that fixture timestamps stay readable.
	WindowMinutes int `yaml:"window_minutes,omitempty"`

	// WarehouseFilter drops records from other warehouses during
	// normalization. Empty means no filtering.
	WarehouseFilter string `yaml:"warehouse_filter,omitempty"`

	// ImplicitShip toggles the disappearance-means-shipped heuristic.
	// Nil defaults to true, matching production configuration.
	ImplicitShip *bool `yaml:"implicit_ship,omitempty"`

	// Snapshots are ingested in order, one reconciliation cycle each.
	Snapshots []SnapshotStep `yaml:"snapshots"`

	// Assertions validate the per-cycle diff batches and the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// SnapshotStep is one full-state snapshot fed to the engine.
type SnapshotStep struct {
	// ID is the snapshot identifier.
	ID string `yaml:"id"`

	// CapturedAt is the snapshot capture time, RFC 3339.
	CapturedAt string `yaml:"captured_at"`

	// Rows are raw export records, keyed by the export's column headers
	// ("Serial", "Status", "Created on", ...). An empty list is a valid
	// snapshot: every tracked serial has left the export.
	Rows []map[string]string `yaml:"rows"`

	capturedAt time.Time
}

// Captured returns the parsed capture time. Valid after LoadScenario.
func (s *SnapshotStep) Captured() time.Time {
	return s.capturedAt
}

// Assertion validates one aspect of a scenario run.
type Assertion struct {
	// Type selects the assertion:
	//   - "diff_contains": cycle's batch holds a record for Serial with the
	//     given Change/From/To
	//   - "diff_count": cycle's batch holds exactly Count records
	//   - "final_state": the final table entry for Serial has Status, or is
	//     absent when Absent is set
	Type string `yaml:"type"`

	// Cycle is the 1-based cycle index (diff_contains, diff_count).
	Cycle int `yaml:"cycle,omitempty"`

	Serial string `yaml:"serial,omitempty"`
	Change string `yaml:"change,omitempty"`
	From   string `yaml:"from,omitempty"`
	To     string `yaml:"to,omitempty"`

	// Count is the expected record count (diff_count).
	Count int `yaml:"count"`

	// Status is the expected final status (final_state).
	Status string `yaml:"status,omitempty"`

	// Absent asserts the serial is not in the final state (final_state).
	Absent bool `yaml:"absent,omitempty"`
}

// Assertion type constants.
const (
	AssertDiffContains = "diff_contains"
	AssertDiffCount    = "diff_count"
	AssertFinalState   = "final_state"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly instead of silently skipping assertions.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Snapshots) == 0 {
		return fmt.Errorf("snapshots list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i := range s.Snapshots {
		step := &s.Snapshots[i]
		if step.ID == "" {
			return fmt.Errorf("snapshots[%d]: id is required", i)
		}
		if step.CapturedAt == "" {
			return fmt.Errorf("snapshots[%d]: captured_at is required", i)
		}
		ts, err := time.Parse(time.RFC3339, step.CapturedAt)
		if err != nil {
			return fmt.Errorf("snapshots[%d]: captured_at: %w", i, err)
		}
		step.capturedAt = ts.UTC()
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], len(s.Snapshots)); err != nil {
			return err
		}
	}

	return nil
}

func validateAssertion(index int, a *Assertion, cycles int) error {
	checkCycle := func() error {
		if a.Cycle < 1 || a.Cycle > cycles {
			return fmt.Errorf("assertions[%d]: cycle %d out of range 1..%d", index, a.Cycle, cycles)
		}
		return nil
	}

	switch a.Type {
	case AssertDiffContains:
		if err := checkCycle(); err != nil {
			return err
		}
		if a.Serial == "" {
			return fmt.Errorf("assertions[%d]: serial is required for diff_contains", index)
		}
		if a.Change == "" {
			return fmt.Errorf("assertions[%d]: change is required for diff_contains", index)
		}
	case AssertDiffCount:
		if err := checkCycle(); err != nil {
			return err
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertFinalState:
		if a.Serial == "" {
			return fmt.Errorf("assertions[%d]: serial is required for final_state", index)
		}
		if a.Status == "" && !a.Absent {
			return fmt.Errorf("assertions[%d]: status or absent is required for final_state", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
