// Package metrics derives read-only aggregations from the current-state
// table. Nothing here is persisted as a source of truth; every value is
// recomputed on demand from the entries passed in.
package metrics

import (
	"sort"
	"time"

	"github.com/ashlessscythe/serialtrack/internal/record"
)

// GroupBy selects the grouping attribute for grouped distributions.
type GroupBy string

const (
	ByDelivery GroupBy = "delivery"
	ByCustomer GroupBy = "customer"
	ByShipment GroupBy = "shipment"
	ByUser     GroupBy = "user"
)

func (g GroupBy) key(e record.CurrentStatusEntry) string {
	switch g {
	case ByDelivery:
		return e.DeliveryID
	case ByCustomer:
		return e.CustomerName
	case ByShipment:
		return e.ShipmentID
	case ByUser:
		return e.CreatedBy
	default:
		return ""
	}
}

// Distribution counts entries per status value.
func Distribution(state map[string]record.CurrentStatusEntry) map[record.Status]int {
	dist := make(map[record.Status]int)
	for _, e := range state {
		dist[e.Status]++
	}
	return dist
}

// GroupStats is the per-group slice of a grouped distribution.
type GroupStats struct {
	Group    string                `json:"group"`
	Count    int                   `json:"count"`
	ByStatus map[record.Status]int `json:"by_status"`
}

// GroupedDistribution counts entries per group with a status breakdown.
// Entries with an empty grouping attribute fall into the "" group. Results
// are sorted by group name for deterministic output.
func GroupedDistribution(state map[string]record.CurrentStatusEntry, by GroupBy) []GroupStats {
	groups := make(map[string]*GroupStats)
	for _, e := range state {
		key := by.key(e)
		gs, ok := groups[key]
		if !ok {
			gs = &GroupStats{Group: key, ByStatus: make(map[record.Status]int)}
			groups[key] = gs
		}
		gs.Count++
		gs.ByStatus[e.Status]++
	}

	out := make([]GroupStats, 0, len(groups))
	for _, gs := range groups {
		out = append(out, *gs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// Progress computes delivery progress for one delivery. expected comes from a
// delivery-metadata collaborator; zero or negative means unknown and yields
// zero percent.
//
// When scanned exceeds expected (a known data-quality case from export
// mismatches), the percentage is computed against the larger of the two and
// the discrepancy is surfaced via ScannedExceedsExpected rather than hidden
// or allowed past 100.
func Progress(state map[string]record.CurrentStatusEntry, deliveryID string, expected int) record.DeliveryProgress {
	p := record.DeliveryProgress{DeliveryID: deliveryID, ExpectedCount: expected}

	for _, e := range state {
		if e.DeliveryID != deliveryID {
			continue
		}
		if e.Status == record.StatusPicked || e.Status == record.StatusShipped {
			p.ScannedCount++
		}
	}

	if expected <= 0 {
		return p
	}

	denominator := expected
	if p.ScannedCount > expected {
		p.ScannedExceedsExpected = true
		denominator = p.ScannedCount
	}

	p.ProgressPercentage = clampPct(float64(p.ScannedCount) / float64(denominator) * 100)
	return p
}

// AllProgress computes progress for every delivery with a known expected
// count, sorted by delivery ID.
func AllProgress(state map[string]record.CurrentStatusEntry, expected map[string]int) []record.DeliveryProgress {
	out := make([]record.DeliveryProgress, 0, len(expected))
	for deliveryID, exp := range expected {
		out = append(out, Progress(state, deliveryID, exp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeliveryID < out[j].DeliveryID })
	return out
}

func clampPct(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// TransitionStats aggregates completed PICKED to SHIPPED durations.
type TransitionStats struct {
	Completed int           `json:"completed"`
	Mean      time.Duration `json:"mean"`
	Median    time.Duration `json:"median"`
}

// Transitions computes time spent in PICKED before reaching SHIPPED across
// all entries with both timestamps known. Entries still PICKED do not
// contribute.
func Transitions(state map[string]record.CurrentStatusEntry) TransitionStats {
	var durations []time.Duration
	for _, e := range state {
		if e.PickedAt.IsZero() || e.ShippedAt.IsZero() {
			continue
		}
		d := e.ShippedAt.Sub(e.PickedAt)
		if d < 0 {
			d = 0
		}
		durations = append(durations, d)
	}

	stats := TransitionStats{Completed: len(durations)}
	if len(durations) == 0 {
		return stats
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var total time.Duration
	for _, d := range durations {
		total += d
	}
	stats.Mean = total / time.Duration(len(durations))
	stats.Median = median(durations)
	return stats
}

func median(sorted []time.Duration) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// UserActivity summarizes one user's scans within the activity window.
type UserActivity struct {
	User              string        `json:"user"`
	ScanCount         int           `json:"scan_count"`
	LastScanAt        time.Time     `json:"last_scan_at"`
	TimeSinceLastScan time.Duration `json:"time_since_last_scan"`
	MeanGap           time.Duration `json:"mean_gap"`
	MedianGap         time.Duration `json:"median_gap"`
}

// ActivityWindow groups entries whose last_changed_at falls within
// windowMinutes of referenceTime by user, sorted by user name.
//
// TimeSinceLastScan is clamped at zero: entries stamped slightly ahead of
// the reference time (clock skew between exporter and engine) must not
// produce negative ages.
func ActivityWindow(
	state map[string]record.CurrentStatusEntry,
	referenceTime time.Time,
	windowMinutes int,
) []UserActivity {
	cutoff := referenceTime.Add(-time.Duration(windowMinutes) * time.Minute)

	scans := make(map[string][]time.Time)
	for _, e := range state {
		if e.LastChangedAt.Before(cutoff) {
			continue
		}
		scans[e.CreatedBy] = append(scans[e.CreatedBy], e.LastChangedAt)
	}

	out := make([]UserActivity, 0, len(scans))
	for user, times := range scans {
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

		ua := UserActivity{
			User:       user,
			ScanCount:  len(times),
			LastScanAt: times[len(times)-1],
		}

		if since := referenceTime.Sub(ua.LastScanAt); since > 0 {
			ua.TimeSinceLastScan = since
		}

		if len(times) > 1 {
			gaps := make([]time.Duration, 0, len(times)-1)
			var total time.Duration
			for i := 1; i < len(times); i++ {
				gap := times[i].Sub(times[i-1])
				gaps = append(gaps, gap)
				total += gap
			}
			ua.MeanGap = total / time.Duration(len(gaps))
			ua.MedianGap = median(gaps)
		}

		out = append(out, ua)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}
