// Package normalize converts heterogeneous raw export records into the
// canonical SerialRecord shape used by the rest of the pipeline.
//
// Raw records arrive as string maps keyed by whatever column headers the
// upstream export carries ("Serial #", "Created by", "Warehouse Number", ...).
// Keys are folded to snake_case and resolved through a variant table so that
// differently-labelled exports of the same report normalize identically.
package normalize

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/ashlessscythe/serialtrack/internal/record"
)

// ErrFiltered marks records dropped by configuration (warehouse filter,
// parent-serial filter). Filtered records are not errors; callers skip them
// silently.
var ErrFiltered = errors.New("record filtered")

// NormalizationError reports a malformed input record. The offending record
// is dropped and the cycle continues; the error is a value, never a panic.
type NormalizationError struct {
	Field  string // missing or malformed field
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalization failed: field %q: %s", e.Field, e.Reason)
}

// IsNormalizationError reports whether err is a NormalizationError,
// unwrapping as needed.
func IsNormalizationError(err error) bool {
	var ne *NormalizationError
	return errors.As(err, &ne)
}

// Field name variants, post snake-casing. First match wins.
var (
	serialKeys    = []string{"serial", "serial_number", "serial_no"}
	statusKeys    = []string{"status"}
	deliveryKeys  = []string{"delivery", "delivery_number"}
	shipmentKeys  = []string{"shipment", "shipment_number"}
	customerKeys  = []string{"customer_name", "customer"}
	createdByKeys = []string{"created_by", "user"}
	warehouseKeys = []string{"warehouse_number", "warehouse", "whse"}
	createdOnKeys = []string{"created_on", "created_date", "date"}
	timeKeys      = []string{"time", "created_time"}
	parentKeys    = []string{"parent_serial_number", "parent_serial"}
)

// Timestamp layouts seen in real exports. Date and time columns are parsed
// as a combined string.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05 15:04:05", // datetime-typed date cell + separate time
	"01/02/2006 15:04:05",
	"02.01.2006 15:04:05",
	"20060102 150405",
}

// Normalizer converts raw records into SerialRecords. Zero value is usable;
// set WarehouseFilter to drop records from other warehouses.
type Normalizer struct {
	// WarehouseFilter drops records whose warehouse field differs.
	// Empty means no filtering.
	WarehouseFilter string

	// KeepChildSerials disables the parent-serial filter. By default records
	// carrying a parent serial are child-box scans and are dropped.
	KeepChildSerials bool

	Logger *slog.Logger
}

// Report summarizes a batch normalization pass.
type Report struct {
	Total     int // raw records seen
	Kept      int // records normalized successfully
	Filtered  int // dropped by warehouse/parent filters
	Malformed int // dropped with NormalizationError
	Degraded  int // kept, but observed_at fell back to snapshot capture time
}

// Normalize converts one raw record. meta supplies the snapshot identity and
// the capture-time fallback for records without a usable scan timestamp.
//
// Returns ErrFiltered for records excluded by configuration and a
// *NormalizationError for records missing mandatory fields.
func (n *Normalizer) Normalize(raw map[string]string, meta record.SnapshotMeta) (record.SerialRecord, error) {
	folded := foldKeys(raw)

	serial := strings.TrimSpace(lookup(folded, serialKeys))
	if serial == "" {
		return record.SerialRecord{}, &NormalizationError{Field: "serial_id", Reason: "missing"}
	}

	rawStatus := lookup(folded, statusKeys)
	status := record.ParseStatus(rawStatus)
	if status == "" {
		return record.SerialRecord{}, &NormalizationError{Field: "status", Reason: "missing"}
	}

	warehouse := strings.TrimSpace(lookup(folded, warehouseKeys))
	if n.WarehouseFilter != "" && warehouse != n.WarehouseFilter {
		return record.SerialRecord{}, fmt.Errorf("warehouse %q: %w", warehouse, ErrFiltered)
	}

	if !n.KeepChildSerials {
		if parent := strings.TrimSpace(lookup(folded, parentKeys)); parent != "" {
			return record.SerialRecord{}, fmt.Errorf("child of %q: %w", parent, ErrFiltered)
		}
	}

	rec := record.SerialRecord{
		SerialID:     serial,
		Status:       status,
		DeliveryID:   SanitizeDeliveryNumber(lookup(folded, deliveryKeys)),
		ShipmentID:   strings.TrimSpace(lookup(folded, shipmentKeys)),
		CustomerName: strings.TrimSpace(lookup(folded, customerKeys)),
		CreatedBy:    strings.TrimSpace(lookup(folded, createdByKeys)),
		WarehouseID:  warehouse,
		SnapshotID:   meta.SnapshotID,
	}

	observed, ok := synthesizeTimestamp(lookup(folded, createdOnKeys), lookup(folded, timeKeys))
	if ok {
		rec.ObservedAt = observed
	} else {
		// Degraded precision: fall back to the snapshot capture time.
		// Logged, never an error.
		rec.ObservedAt = meta.CapturedAt
		rec.ObservedAtDegraded = true
		n.logger().Debug("scan timestamp unavailable, using snapshot capture time",
			"serial_id", serial,
			"snapshot_id", meta.SnapshotID,
		)
	}

	return rec, nil
}

// NormalizeBatch converts a raw snapshot. Malformed records are dropped and
// counted; the batch never fails as a whole.
func (n *Normalizer) NormalizeBatch(raws []map[string]string, meta record.SnapshotMeta) ([]record.SerialRecord, Report) {
	report := Report{Total: len(raws)}
	records := make([]record.SerialRecord, 0, len(raws))

	for _, raw := range raws {
		rec, err := n.Normalize(raw, meta)
		switch {
		case err == nil:
			records = append(records, rec)
			report.Kept++
			if rec.ObservedAtDegraded {
				report.Degraded++
			}
		case errors.Is(err, ErrFiltered):
			report.Filtered++
		case IsNormalizationError(err):
			report.Malformed++
			n.logger().Warn("dropping malformed record",
				"error", err,
				"snapshot_id", meta.SnapshotID,
			)
		default:
			report.Malformed++
			n.logger().Warn("dropping record", "error", err, "snapshot_id", meta.SnapshotID)
		}
	}

	return records, report
}

func (n *Normalizer) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

// lookup returns the first non-empty value among the key variants.
func lookup(folded map[string]string, keys []string) string {
	for _, k := range keys {
		if v, ok := folded[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// foldKeys snake-cases every key of the raw record. Later duplicates do not
// overwrite earlier non-empty values.
func foldKeys(raw map[string]string) map[string]string {
	folded := make(map[string]string, len(raw))
	for k, v := range raw {
		fk := SnakeCase(k)
		if existing, ok := folded[fk]; ok && existing != "" {
			continue
		}
		folded[fk] = v
	}
	return folded
}

var (
	nonAlnum    = regexp.MustCompile(`[^a-zA-Z0-9]+`)
	underscores = regexp.MustCompile(`_+`)
)

// SnakeCase folds an arbitrary column header to snake_case:
// "Serial #" -> "serial", "Created by" -> "created_by".
func SnakeCase(s string) string {
	out := nonAlnum.ReplaceAllString(s, "_")
	out = strings.ToLower(out)
	out = underscores.ReplaceAllString(out, "_")
	return strings.Trim(out, "_")
}

// SanitizeDeliveryNumber strips the decimal tail spreadsheet tools attach to
// numeric identifiers ("8004123456.0" -> "8004123456").
func SanitizeDeliveryNumber(delivery string) string {
	delivery = strings.TrimSpace(delivery)
	if delivery == "" {
		return ""
	}
	if i := strings.IndexByte(delivery, '.'); i >= 0 {
		return delivery[:i]
	}
	return delivery
}

// synthesizeTimestamp combines separate date and time fields into one
// timestamp. Returns false when the fields are absent or unparseable.
func synthesizeTimestamp(date, clock string) (time.Time, bool) {
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	if date == "" || clock == "" {
		return time.Time{}, false
	}

	combined := date + " " + clock
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, combined); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
