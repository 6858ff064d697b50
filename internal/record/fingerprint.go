package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity. The version suffix allows
// future algorithm migration without colliding with old fingerprints.
const (
	domainDiffRecord = "serialtrack/diff/v1"
	domainBatch      = "serialtrack/batch/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data). The null byte prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// diffRecordCanonical builds the canonical value for a diff record.
// RecordedAt is deliberately excluded: two runs of the diff engine over the
// same snapshot pair must produce the same fingerprint regardless of when
// they ran.
func diffRecordCanonical(r DiffRecord) map[string]any {
	obj := map[string]any{
		"serial_id":   r.SerialID,
		"change_type": string(r.ChangeType),
		"from_status": string(r.FromStatus),
		"to_status":   string(r.ToStatus),
		"unexpected":  r.Unexpected,
	}
	if len(r.FieldChanges) > 0 {
		fields := make(map[string]any, len(r.FieldChanges))
		for name, fc := range r.FieldChanges {
			fields[name] = map[string]any{"from": fc.From, "to": fc.To}
		}
		obj["field_changes"] = fields
	}
	return obj
}

// DiffRecordFingerprint computes the content-addressed identity of one
// diff record.
func DiffRecordFingerprint(r DiffRecord) (string, error) {
	canonical, err := MarshalCanonical(diffRecordCanonical(r))
	if err != nil {
		return "", fmt.Errorf("diff record fingerprint: %w", err)
	}
	return hashWithDomain(domainDiffRecord, canonical), nil
}

// BatchFingerprint computes the content-addressed identity of a diff batch:
// the snapshot it was computed against plus its records in order. The ledger
// uses it as the idempotency key, giving at-most-once append per fingerprint.
//
// Records are expected in the diff engine's deterministic order (sorted by
// serial ID); the fingerprint covers that order.
func BatchFingerprint(snapshotID string, records []DiffRecord) (string, error) {
	recs := make([]any, len(records))
	for i, r := range records {
		recs[i] = diffRecordCanonical(r)
	}

	canonical, err := MarshalCanonical(map[string]any{
		"snapshot_id": snapshotID,
		"records":     recs,
	})
	if err != nil {
		return "", fmt.Errorf("batch fingerprint: %w", err)
	}
	return hashWithDomain(domainBatch, canonical), nil
}

// MustBatchFingerprint is like BatchFingerprint but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustBatchFingerprint(snapshotID string, records []DiffRecord) string {
	fp, err := BatchFingerprint(snapshotID, records)
	if err != nil {
		panic(err)
	}
	return fp
}
