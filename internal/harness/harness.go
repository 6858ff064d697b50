package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/ashlessscythe/serialtrack/internal/diff"
	"github.com/ashlessscythe/serialtrack/internal/engine"
	"github.com/ashlessscythe/serialtrack/internal/ledger"
	"github.com/ashlessscythe/serialtrack/internal/normalize"
	"github.com/ashlessscythe/serialtrack/internal/reconcile"
	"github.com/ashlessscythe/serialtrack/internal/record"
)

// Result captures the observable output of a scenario run: one diff batch
// per cycle (empty batches included) and the final current-state table.
type Result struct {
	Batches []record.DiffBatch
	State   map[string]record.CurrentStatusEntry
}

// Run executes the scenario against a real engine and ledger. workDir holds
// the scenario's SQLite database; tests pass t.TempDir().
func Run(scenario *Scenario, workDir string) (*Result, error) {
	led, err := ledger.Open(filepath.Join(workDir, "scenario.db"))
	if err != nil {
		return nil, fmt.Errorf("open scenario ledger: %w", err)
	}
	defer led.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	src := &queueSource{}
	implicitShip := true
	if scenario.ImplicitShip != nil {
		implicitShip = *scenario.ImplicitShip
	}

	e := engine.New(
		src,
		&normalize.Normalizer{WarehouseFilter: scenario.WarehouseFilter, Logger: logger},
		reconcile.New(scenario.WindowMinutes),
		led,
		engine.WithLogger(logger),
		engine.WithDiffOptions(diff.Options{ImplicitShipOnRemoval: implicitShip}),
	)

	ctx := context.Background()
	if err := e.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}

	result := &Result{}
	for i := range scenario.Snapshots {
		step := &scenario.Snapshots[i]
		src.push(step)
		if err := e.RunCycle(ctx); err != nil {
			return nil, fmt.Errorf("cycle %d (%s): %w", i+1, step.ID, err)
		}
		result.Batches = append(result.Batches, e.LatestDiff())
	}

	result.State = e.State()
	return result, nil
}

// queueSource feeds scenario snapshots to the engine one cycle at a time.
type queueSource struct {
	pending *SnapshotStep
}

func (q *queueSource) push(step *SnapshotStep) {
	q.pending = step
}

func (q *queueSource) Fetch(ctx context.Context) ([]map[string]string, record.SnapshotMeta, bool, error) {
	if q.pending == nil {
		return nil, record.SnapshotMeta{}, false, nil
	}
	step := q.pending
	q.pending = nil

	meta := record.SnapshotMeta{
		SnapshotID:  step.ID,
		SourceLabel: "harness",
		CapturedAt:  step.Captured(),
	}
	return step.Rows, meta, true, nil
}
