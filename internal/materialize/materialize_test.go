package materialize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashlessscythe/serialtrack/internal/record"
)

var stamp = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func batch(records ...record.DiffRecord) record.DiffBatch {
	return record.DiffBatch{SnapshotID: "snap-1", RecordedAt: stamp, Records: records}
}

func added(serial string, status record.Status) record.DiffRecord {
	return record.DiffRecord{
		SerialID: serial, ChangeType: record.ChangeAdded,
		ToStatus: status, RecordedAt: stamp,
	}
}

func updated(serial string, from, to record.Status) record.DiffRecord {
	return record.DiffRecord{
		SerialID: serial, ChangeType: record.ChangeUpdated,
		FromStatus: from, ToStatus: to, RecordedAt: stamp,
	}
}

func TestApplyAdded(t *testing.T) {
	table := New(nil)

	rec := added("S-1", record.StatusPicked)
	rec.FieldChanges = map[string]record.FieldChange{
		"delivery_id":   {From: "", To: "D-1"},
		"customer_name": {From: "", To: "ACME Corp"},
	}
	m := table.Apply(batch(rec))

	require.Len(t, m.Upserts, 1)
	entry, ok := table.Get("S-1")
	require.True(t, ok)
	assert.Equal(t, record.StatusPicked, entry.Status)
	assert.Equal(t, "D-1", entry.DeliveryID)
	assert.Equal(t, "ACME Corp", entry.CustomerName)
	assert.Equal(t, stamp, entry.PickedAt)
	assert.True(t, entry.ShippedAt.IsZero())
}

func TestApplyUpdateToShipped(t *testing.T) {
	table := New(nil)
	table.Apply(batch(added("S-1", record.StatusPicked)))

	table.Apply(batch(updated("S-1", record.StatusPicked, record.StatusShipped)))

	entry, ok := table.Get("S-1")
	require.True(t, ok)
	assert.Equal(t, record.StatusShipped, entry.Status)
	assert.Equal(t, stamp, entry.ShippedAt)
	assert.Equal(t, stamp, entry.PickedAt, "picked timestamp survives the transition")
}

func TestApplyRemoved(t *testing.T) {
	table := New(nil)
	table.Apply(batch(added("S-1", record.StatusPicked)))

	m := table.Apply(batch(record.DiffRecord{
		SerialID: "S-1", ChangeType: record.ChangeRemoved,
		FromStatus: record.StatusPicked, RecordedAt: stamp,
	}))

	assert.Equal(t, []string{"S-1"}, m.Deletes)
	_, ok := table.Get("S-1")
	assert.False(t, ok)
	assert.Equal(t, 0, table.Len())
}

func TestTerminalGuardSkipsRegression(t *testing.T) {
	table := New(nil)
	table.Apply(batch(added("S-1", record.StatusShipped)))

	m := table.Apply(batch(updated("S-1", record.StatusShipped, record.StatusPicked)))

	assert.Equal(t, []string{"S-1"}, m.Skipped)
	assert.Empty(t, m.Upserts)

	entry, _ := table.Get("S-1")
	assert.Equal(t, record.StatusShipped, entry.Status, "terminal status never regresses")
}

func TestTerminalGuardHonorsConfiguredStatus(t *testing.T) {
	table := New(nil)
	table.TerminalStatus = record.Status("DELIVERED")

	table.Apply(batch(added("S-1", record.Status("DELIVERED"))))
	m := table.Apply(batch(updated("S-1", record.Status("DELIVERED"), record.StatusPicked)))

	assert.Equal(t, []string{"S-1"}, m.Skipped)
	entry, _ := table.Get("S-1")
	assert.Equal(t, record.Status("DELIVERED"), entry.Status)
	assert.Equal(t, stamp, entry.ShippedAt, "the terminal timestamp tracks the configured status")
}

func TestStageDoesNotMutate(t *testing.T) {
	table := New(nil)

	m := table.Stage(batch(added("S-1", record.StatusPicked)))

	require.Len(t, m.Upserts, 1)
	_, ok := table.Get("S-1")
	assert.False(t, ok, "staging must not touch the table")

	table.Commit(m)
	_, ok = table.Get("S-1")
	assert.True(t, ok)
}

func TestStageSeesBatchLocalState(t *testing.T) {
	// A batch containing an add followed by an update of the same serial
	// stages against its own earlier mutation.
	table := New(nil)

	m := table.Stage(batch(
		added("S-1", record.StatusPicked),
		updated("S-1", record.StatusPicked, record.StatusShipped),
	))

	require.Len(t, m.Upserts, 2)
	assert.Equal(t, record.StatusShipped, m.Upserts[1].Status)
	assert.Equal(t, stamp, m.Upserts[1].PickedAt)
}

func TestSnapshotIsCopy(t *testing.T) {
	table := New(nil)
	table.Apply(batch(added("S-1", record.StatusPicked)))

	snap := table.Snapshot()
	table.Apply(batch(updated("S-1", record.StatusPicked, record.StatusShipped)))

	assert.Equal(t, record.StatusPicked, snap["S-1"].Status,
		"snapshots are immune to later cycles")
}

func TestRebuildEqualsIncremental(t *testing.T) {
	later := stamp.Add(10 * time.Minute)

	b1 := batch(
		added("S-1", record.StatusPicked),
		added("S-2", record.StatusPicked),
	)
	b2 := record.DiffBatch{SnapshotID: "snap-2", RecordedAt: later, Records: []record.DiffRecord{
		{SerialID: "S-1", ChangeType: record.ChangeUpdated,
			FromStatus: record.StatusPicked, ToStatus: record.StatusShipped, RecordedAt: later},
		{SerialID: "S-3", ChangeType: record.ChangeAdded,
			ToStatus: record.StatusPicked, RecordedAt: later},
	}}

	incremental := New(nil)
	incremental.Apply(b1)
	incremental.Apply(b2)

	replayed := New(nil)
	replayed.Rebuild([]record.DiffBatch{b1, b2})

	assert.Equal(t, incremental.Snapshot(), replayed.Snapshot())
}
