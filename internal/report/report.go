// Package report defines the unit of work the delivery subsystem moves around.
package report

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Report is a single serialized error event awaiting delivery.
// The payload is opaque to the queue and the store.
type Report struct {
	// APIKey is the ingestion key the report is intended for.
	// Empty means the client default.
	APIKey string `json:"apiKey,omitempty"`
	// Payload is the serialized error event.
	Payload json.RawMessage `json:"payload"`
}

// Size returns the payload size in bytes.
func (r Report) Size() int {
	return len(r.Payload)
}

// Fingerprint returns a stable hash of the API key and payload.
func (r Report) Fingerprint() [32]byte {
	h := sha256.New()
	h.Write([]byte(r.APIKey))
	h.Write([]byte{0})
	h.Write(r.Payload)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Entry is a persisted, uniquely identified wrapper around a Report.
// Entries are created by a store at save time and never mutated.
type Entry struct {
	ID     uuid.UUID `json:"id"`
	Report Report    `json:"report"`
}

// Outcome is the result of a single delivery attempt.
type Outcome int

const (
	// Delivered means the endpoint accepted the report.
	Delivered Outcome = iota
	// Retryable means delivery failed for a transient reason and the report
	// should be kept for a later attempt.
	Retryable
	// Permanent means the endpoint rejected the report and retrying cannot help.
	Permanent
)

// String returns the outcome name used in logs and metric labels.
func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}
