package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchFingerprint_IgnoresRecordedAt(t *testing.T) {
	rec := DiffRecord{
		SerialID:   "S-1",
		ChangeType: ChangeUpdated,
		FromStatus: StatusPicked,
		ToStatus:   StatusShipped,
		RecordedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	fp1, err := BatchFingerprint("snap-1", []DiffRecord{rec})
	require.NoError(t, err)

	rec.RecordedAt = time.Date(2025, 6, 1, 13, 30, 0, 0, time.UTC)
	fp2, err := BatchFingerprint("snap-1", []DiffRecord{rec})
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2, "recorded_at must not affect the fingerprint")
}

func TestBatchFingerprint_SensitiveToContent(t *testing.T) {
	base := []DiffRecord{{SerialID: "S-1", ChangeType: ChangeAdded, ToStatus: StatusPicked}}

	fp, err := BatchFingerprint("snap-1", base)
	require.NoError(t, err)

	otherSnapshot, err := BatchFingerprint("snap-2", base)
	require.NoError(t, err)
	assert.NotEqual(t, fp, otherSnapshot)

	otherStatus, err := BatchFingerprint("snap-1",
		[]DiffRecord{{SerialID: "S-1", ChangeType: ChangeAdded, ToStatus: StatusShipped}})
	require.NoError(t, err)
	assert.NotEqual(t, fp, otherStatus)
}

func TestBatchFingerprint_SensitiveToOrder(t *testing.T) {
	a := DiffRecord{SerialID: "S-1", ChangeType: ChangeAdded, ToStatus: StatusPicked}
	b := DiffRecord{SerialID: "S-2", ChangeType: ChangeAdded, ToStatus: StatusPicked}

	fp1, err := BatchFingerprint("snap-1", []DiffRecord{a, b})
	require.NoError(t, err)
	fp2, err := BatchFingerprint("snap-1", []DiffRecord{b, a})
	require.NoError(t, err)

	assert.NotEqual(t, fp1, fp2, "fingerprint covers record order")
}

func TestBatchFingerprint_EmptyBatch(t *testing.T) {
	fp, err := BatchFingerprint("snap-1", nil)
	require.NoError(t, err)
	assert.Len(t, fp, 64)
}

func TestDiffRecordFingerprint_FieldChanges(t *testing.T) {
	withFields := DiffRecord{
		SerialID:   "S-1",
		ChangeType: ChangeUpdated,
		FromStatus: StatusPicked,
		ToStatus:   StatusShipped,
		FieldChanges: map[string]FieldChange{
			"delivery_id": {From: "D-1", To: "D-2"},
		},
	}
	without := withFields
	without.FieldChanges = nil

	fp1, err := DiffRecordFingerprint(withFields)
	require.NoError(t, err)
	fp2, err := DiffRecordFingerprint(without)
	require.NoError(t, err)

	assert.NotEqual(t, fp1, fp2)
}

func TestDiffBatchCounts(t *testing.T) {
	batch := DiffBatch{Records: []DiffRecord{
		{SerialID: "S-1", ChangeType: ChangeAdded},
		{SerialID: "S-2", ChangeType: ChangeAdded},
		{SerialID: "S-3", ChangeType: ChangeUpdated},
		{SerialID: "S-4", ChangeType: ChangeRemoved},
	}}

	added, removed, updated := batch.Counts()
	assert.Equal(t, 2, added)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, updated)
	assert.False(t, batch.Empty())
	assert.True(t, (&DiffBatch{}).Empty())

	// Both methods must be callable on a non-addressable batch, such as an
	// accessor's return value.
	latest := func() DiffBatch { return batch }
	assert.False(t, latest().Empty())
	a, _, _ := latest().Counts()
	assert.Equal(t, 2, a)
}
