package record

import (
	"errors"
	"fmt"
)

// ErrRecordNotFound is returned by stores when no record matches.
var ErrRecordNotFound = errors.New("record not found")

// DuplicateRecordError signals that a record for the same originating
// business fact already exists. The caller should fetch the existing record
// rather than retry creation.
type DuplicateRecordError struct {
	SourceNamespace string
	SourceID        string
	TenantID        string
}

func (e *DuplicateRecordError) Error() string {
	return fmt.Sprintf("record already exists for %s/%s (tenant %s)",
		e.SourceNamespace, e.SourceID, e.TenantID)
}

// ValidationError signals malformed input or a lifecycle precondition that
// does not hold, such as retrying a record that is not failed.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// InvalidTransitionError signals an attempt to move a record along an edge
// the state machine does not allow.
type InvalidTransitionError struct {
	RecordID string
	From     Status
	To       Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("record %s: invalid transition %s -> %s", e.RecordID, e.From, e.To)
}

// IntegrityViolation is raised only by verification when a stored digest no
// longer matches the digest recomputed from the stored fields. It signals
// tampering or data corruption and is never auto-corrected.
type IntegrityViolation struct {
	RecordID       string
	StoredDigest   string
	ComputedDigest string
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("integrity violation on record %s: stored digest %s, computed %s",
		e.RecordID, e.StoredDigest, e.ComputedDigest)
}
