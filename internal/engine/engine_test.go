package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashlessscythe/serialtrack/internal/cache"
	"github.com/ashlessscythe/serialtrack/internal/ledger"
	"github.com/ashlessscythe/serialtrack/internal/normalize"
	"github.com/ashlessscythe/serialtrack/internal/reconcile"
	"github.com/ashlessscythe/serialtrack/internal/record"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// snapshot is one scripted source element.
type snapshot struct {
	raws []map[string]string
	meta record.SnapshotMeta
}

// scriptedSource feeds predetermined snapshots, then reports none available.
type scriptedSource struct {
	mu        sync.Mutex
	snapshots []snapshot
	idx       int
}

func (s *scriptedSource) Fetch(ctx context.Context) ([]map[string]string, record.SnapshotMeta, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.snapshots) {
		return nil, record.SnapshotMeta{}, false, nil
	}
	snap := s.snapshots[s.idx]
	s.idx++
	return snap.raws, snap.meta, true, nil
}

func (s *scriptedSource) push(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
}

func raw(serial, status string, observed time.Time) map[string]string {
	return map[string]string{
		"Serial":     serial,
		"Status":     status,
		"Created on": observed.Format("2006-01-02"),
		"Time":       observed.Format("15:04:05"),
	}
}

func snap(id string, captured time.Time, raws ...map[string]string) snapshot {
	return snapshot{
		raws: raws,
		meta: record.SnapshotMeta{SnapshotID: id, SourceLabel: "test", CapturedAt: captured},
	}
}

func newTestEngine(t *testing.T, source Source, opts ...Option) (*Engine, *ledger.Ledger) {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	e := New(source, &normalize.Normalizer{}, reconcile.New(0), led, opts...)
	require.NoError(t, e.Restore(context.Background()))
	return e, led
}

func TestCycleImplicitShipOnDisappearance(t *testing.T) {
	// A PICKED serial absent from the next snapshot becomes SHIPPED.
	src := &scriptedSource{}
	src.push(snap("snap-1", t0, raw("S-1", "ASH", t0.Add(-10*time.Minute))))
	src.push(snap("snap-2", t0.Add(5*time.Minute)))

	e, _ := newTestEngine(t, src)
	ctx := context.Background()

	require.NoError(t, e.RunCycle(ctx))
	entry, ok := e.GetSerial("S-1")
	require.True(t, ok)
	assert.Equal(t, record.StatusPicked, entry.Status)

	require.NoError(t, e.RunCycle(ctx))
	entry, ok = e.GetSerial("S-1")
	require.True(t, ok)
	assert.Equal(t, record.StatusShipped, entry.Status)

	latest := e.LatestDiff()
	require.Len(t, latest.Records, 1)
	assert.Equal(t, record.ChangeUpdated, latest.Records[0].ChangeType)
	assert.Equal(t, record.StatusShipped, latest.Records[0].ToStatus)
}

func TestCycleDuplicateKeyCollapse(t *testing.T) {
	// The same serial exported twice, PICKED and SHIPPED, lands once as
	// SHIPPED.
	src := &scriptedSource{}
	src.push(snap("snap-1", t0,
		raw("S-2", "ASH", t0.Add(-20*time.Minute)),
		raw("S-2", "SHP", t0.Add(-10*time.Minute)),
	))

	e, _ := newTestEngine(t, src)
	require.NoError(t, e.RunCycle(context.Background()))

	entry, ok := e.GetSerial("S-2")
	require.True(t, ok)
	assert.Equal(t, record.StatusShipped, entry.Status)

	latest := e.LatestDiff()
	require.Len(t, latest.Records, 1)
	assert.Equal(t, record.ChangeAdded, latest.Records[0].ChangeType)
	assert.Equal(t, record.StatusShipped, latest.Records[0].ToStatus)
}

func TestCycleShippedCeilingDiscardsStaleRescan(t *testing.T) {
	shipTime := t0.Add(-5 * time.Minute)

	src := &scriptedSource{}
	src.push(snap("snap-1", t0, raw("S-3", "ASH", t0.Add(-30*time.Minute))))
	src.push(snap("snap-2", t0.Add(5*time.Minute), raw("S-3", "SHP", shipTime)))
	// A late record timestamped before the ship time must not resurrect S-3.
	src.push(snap("snap-3", t0.Add(10*time.Minute), raw("S-3", "ASH", shipTime.Add(-5*time.Minute))))

	e, led := newTestEngine(t, src)
	ctx := context.Background()

	require.NoError(t, e.RunCycle(ctx))
	require.NoError(t, e.RunCycle(ctx))

	before, err := led.BatchCount(ctx)
	require.NoError(t, err)

	require.NoError(t, e.RunCycle(ctx))

	after, err := led.BatchCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "stale rescan cycle must not append")

	entry, ok := e.GetSerial("S-3")
	require.True(t, ok)
	assert.Equal(t, record.StatusShipped, entry.Status)
}

func TestCycleNoChangeShortCircuit(t *testing.T) {
	records := raw("S-1", "ASH", t0.Add(-10*time.Minute))

	src := &scriptedSource{}
	src.push(snap("snap-1", t0, records))
	src.push(snap("snap-2", t0.Add(5*time.Minute), records))

	e, led := newTestEngine(t, src)
	ctx := context.Background()

	require.NoError(t, e.RunCycle(ctx))
	stateBefore := e.State()

	require.NoError(t, e.RunCycle(ctx))

	n, err := led.BatchCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "identical snapshot appends nothing")
	assert.Equal(t, stateBefore, e.State())
	assert.True(t, e.LatestDiff().Empty())
}

func TestCycleWindowedSerialStillPresentStaysPicked(t *testing.T) {
	// The same PICKED row in both snapshots, scanned once. By the second
	// capture the scan has aged past the recency window; the serial is still
	// in the export, so no shipped transition may be fabricated.
	scanned := t0.Add(-10 * time.Minute)
	src := &scriptedSource{}
	src.push(snap("snap-1", t0, raw("S-1", "ASH", scanned)))
	src.push(snap("snap-2", t0.Add(2*time.Hour), raw("S-1", "ASH", scanned)))

	led, err := ledger.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	e := New(src, &normalize.Normalizer{}, reconcile.New(60), led)
	ctx := context.Background()
	require.NoError(t, e.Restore(ctx))

	require.NoError(t, e.RunCycle(ctx))
	require.NoError(t, e.RunCycle(ctx))

	entry, ok := e.GetSerial("S-1")
	require.True(t, ok)
	assert.Equal(t, record.StatusPicked, entry.Status)

	n, err := led.BatchCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "the aged-out cycle appends nothing")
	assert.True(t, e.LatestDiff().Empty())
}

func TestCycleAtMostOnceShippedTransition(t *testing.T) {
	shipTime := t0.Add(-5 * time.Minute)

	src := &scriptedSource{}
	src.push(snap("snap-1", t0, raw("S-1", "ASH", t0.Add(-30*time.Minute))))
	src.push(snap("snap-2", t0.Add(5*time.Minute), raw("S-1", "SHP", shipTime)))
	src.push(snap("snap-3", t0.Add(10*time.Minute), raw("S-1", "SHP", shipTime)))

	e, led := newTestEngine(t, src)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, e.RunCycle(ctx))
	}

	batches, err := led.ReadAll(ctx)
	require.NoError(t, err)

	shippedTransitions := 0
	for _, b := range batches {
		for _, r := range b.Records {
			if r.ChangeType == record.ChangeUpdated && r.ToStatus == record.StatusShipped {
				shippedTransitions++
			}
		}
	}
	assert.Equal(t, 1, shippedTransitions,
		"the log carries exactly one shipped transition per serial")
}

func TestCycleNoSnapshotAvailable(t *testing.T) {
	e, led := newTestEngine(t, &scriptedSource{})
	require.NoError(t, e.RunCycle(context.Background()))

	n, err := led.BatchCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCycleReentrancyGuard(t *testing.T) {
	e, _ := newTestEngine(t, &scriptedSource{})

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	err := e.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInFlight)
}

func TestCyclePublishesToCache(t *testing.T) {
	mem := cache.NewMemoryCache()
	t.Cleanup(func() { mem.Close() })

	src := &scriptedSource{}
	src.push(snap("snap-1", t0, raw("S-1", "ASH", t0.Add(-10*time.Minute))))

	e, _ := newTestEngine(t, src, WithCache(mem, time.Minute))
	ctx := context.Background()
	require.NoError(t, e.RunCycle(ctx))

	data, err := mem.Get(ctx, cache.KeyLatestDiff)
	require.NoError(t, err)
	assert.Contains(t, string(data), "S-1")

	_, err = mem.Get(ctx, cache.KeyDistribution)
	assert.NoError(t, err)
}

func TestRestoreResumesAcrossRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	ctx := context.Background()

	led, err := ledger.Open(dbPath)
	require.NoError(t, err)

	src := &scriptedSource{}
	src.push(snap("snap-1", t0, raw("S-1", "ASH", t0.Add(-10*time.Minute))))

	e := New(src, &normalize.Normalizer{}, reconcile.New(0), led)
	require.NoError(t, e.Restore(ctx))
	require.NoError(t, e.RunCycle(ctx))
	require.NoError(t, led.Close())

	// Restart: a fresh engine over the same database sees the same state.
	led2, err := ledger.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { led2.Close() })

	e2 := New(&scriptedSource{}, &normalize.Normalizer{}, reconcile.New(0), led2)
	require.NoError(t, e2.Restore(ctx))

	entry, ok := e2.GetSerial("S-1")
	require.True(t, ok)
	assert.Equal(t, record.StatusPicked, entry.Status)
	assert.Equal(t, int64(1), e2.clock.Current())
}

func TestVerifyReplayConsistent(t *testing.T) {
	src := &scriptedSource{}
	src.push(snap("snap-1", t0,
		raw("S-1", "ASH", t0.Add(-30*time.Minute)),
		raw("S-2", "ASH", t0.Add(-20*time.Minute)),
	))
	src.push(snap("snap-2", t0.Add(5*time.Minute),
		raw("S-1", "SHP", t0.Add(-5*time.Minute)),
		raw("S-2", "ASH", t0.Add(-20*time.Minute)),
	))

	e, _ := newTestEngine(t, src)
	ctx := context.Background()
	require.NoError(t, e.RunCycle(ctx))
	require.NoError(t, e.RunCycle(ctx))

	report, err := e.VerifyReplay(ctx)
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "replayed state must equal stored state: %+v", report)
	assert.Equal(t, 2, report.Batches)
}

func TestGetByGroup(t *testing.T) {
	src := &scriptedSource{}
	r1 := raw("S-1", "ASH", t0.Add(-10*time.Minute))
	r1["Delivery"] = "D-1"
	r2 := raw("S-2", "ASH", t0.Add(-9*time.Minute))
	r2["Delivery"] = "D-1"
	r3 := raw("S-3", "ASH", t0.Add(-8*time.Minute))
	r3["Delivery"] = "D-2"
	src.push(snap("snap-1", t0, r1, r2, r3))

	e, _ := newTestEngine(t, src)
	require.NoError(t, e.RunCycle(context.Background()))

	group := e.GetByGroup("delivery", "D-1")
	require.Len(t, group, 2)
	assert.Equal(t, "S-1", group[0].SerialID)
	assert.Equal(t, "S-2", group[1].SerialID)
}
