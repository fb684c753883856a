// Package batch amortizes anchoring cost by grouping many pending records
// into a single chain submission. A batch carries an immutable snapshot of
// its member digests, a sorted-digest fingerprint for identity, and a Merkle
// root for per-member inclusion proofs. Status changes fan out to every
// member atomically.
package batch

import (
	"errors"
	"fmt"
	"time"

	"github.com/tidygen-community/anchor/pkg/record"
)

// StatusPartial exists in the status taxonomy for a future design with
// per-member chain receipts. The all-or-nothing fan-out in this package
// never produces it: after submission or failure every member carries the
// batch's own status.
const StatusPartial record.Status = "partial"

// ErrEmptyBatch is the soft result of collecting when no record is
// eligible. Not an exceptional condition; schedulers skip the cycle.
var ErrEmptyBatch = errors.New("no pending records eligible for batching")

// ErrBatchNotFound is returned by stores when no batch matches.
var ErrBatchNotFound = errors.New("batch not found")

// ValidationError signals that batch creation lost a race: a selected
// member was no longer pending (or was claimed by another batch) at commit
// time. The caller should re-collect.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "batch validation failed: " + e.Reason
}

// Batch is one anchoring unit. Membership is immutable once created.
type Batch struct {
	ID string `json:"id"`

	// BatchDigest is the hash of the sorted member digests, the batch's
	// identity fingerprint.
	BatchDigest string `json:"batch_digest"`
	// RootDigest is the Merkle root over the member digests; inclusion
	// proofs verify against it.
	RootDigest string `json:"root_digest"`
	// MemberDigests is the sorted, read-only membership snapshot.
	MemberDigests []string `json:"member_digests"`

	Status             record.Status `json:"status"`
	ChainReference     string        `json:"chain_reference,omitempty"`
	ConfirmationHeight int64         `json:"confirmation_height,omitempty"`
	LastError          string        `json:"last_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// Size returns the member count.
func (b *Batch) Size() int { return len(b.MemberDigests) }

// Clone returns a copy with its own member slice.
func (b *Batch) Clone() *Batch {
	cp := *b
	cp.MemberDigests = append([]string(nil), b.MemberDigests...)
	if b.SubmittedAt != nil {
		t := *b.SubmittedAt
		cp.SubmittedAt = &t
	}
	if b.ConfirmedAt != nil {
		t := *b.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	if b.FailedAt != nil {
		t := *b.FailedAt
		cp.FailedAt = &t
	}
	return &cp
}

func (b *Batch) String() string {
	return fmt.Sprintf("batch %s (%d members, %s)", b.ID, b.Size(), b.Status)
}
