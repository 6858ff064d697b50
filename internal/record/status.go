package record

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a serial.
//
// The upstream warehouse system exports two-letter codes ("ASH", "SHP");
// ParseStatus accepts both the codes and the canonical names so that
// normalized records and raw exports resolve to the same value.
type Status string

const (
	// StatusPicked means the serial has been scanned and assigned to a shipper.
	// Source code: "ASH".
	StatusPicked Status = "PICKED"

	// StatusShipped means the serial has left the warehouse. Terminal.
	// Source code: "SHP".
	StatusShipped Status = "SHIPPED"
)

// Source status codes as they appear in warehouse exports.
const (
	CodePicked  = "ASH"
	CodeShipped = "SHP"
)

// ParseStatus resolves a raw status value (code or canonical name) to a Status.
// Matching is case-insensitive. Unknown values are returned as-is so that
// future status codes flow through the pipeline instead of being dropped;
// callers that require a known status should check with Known().
func ParseStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case CodePicked, string(StatusPicked):
		return StatusPicked
	case CodeShipped, string(StatusShipped):
		return StatusShipped
	case "":
		return Status("")
	default:
		return Status(strings.ToUpper(strings.TrimSpace(raw)))
	}
}

// Known reports whether s is one of the statuses this system understands.
func (s Status) Known() bool {
	return s == StatusPicked || s == StatusShipped
}

// String implements fmt.Stringer.
func (s Status) String() string {
	return string(s)
}

// Validate returns an error for empty statuses.
func (s Status) Validate() error {
	if s == "" {
		return fmt.Errorf("status is empty")
	}
	return nil
}
