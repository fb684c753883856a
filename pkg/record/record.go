// Package record implements the per-record anchoring lifecycle: idempotent
// ingestion keyed by a canonical digest, a bounded-retry state machine driven
// toward an external chain adapter, and on-demand re-verification of both the
// stored digest and the on-chain reference.
package record

import "time"

// Status is the lifecycle state of a record or batch.
type Status string

const (
	// StatusPending means the record is stored and eligible for anchoring.
	StatusPending Status = "pending"
	// StatusSubmitted means the digest was handed to the chain adapter and
	// a chain reference is stored.
	StatusSubmitted Status = "submitted"
	// StatusConfirmed means the chain reference was seen final on chain.
	// Terminal.
	StatusConfirmed Status = "confirmed"
	// StatusFailed means the last submission attempt failed. Eligible for
	// retry while under the retry limit.
	StatusFailed Status = "failed"
	// StatusRejected is the operator-forced terminal state.
	StatusRejected Status = "rejected"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusConfirmed, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusRejected
}

// transitions is the allowed edge set of the lifecycle state machine.
// Confirmed never regresses; only a retry moves failed back to pending.
var transitions = map[Status][]Status{
	StatusPending:   {StatusSubmitted, StatusFailed, StatusRejected},
	StatusSubmitted: {StatusSubmitted, StatusConfirmed, StatusFailed, StatusRejected},
	StatusFailed:    {StatusPending, StatusRejected},
}

// CanTransition reports whether the edge from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Record is the unit of integrity protection. Its digest is a pure function
// of the identity fields and the canonical form of the payload; everything
// except the status-transition fields is immutable after creation.
type Record struct {
	ID              string         `json:"id"`
	RecordType      string         `json:"record_type"`
	SourceNamespace string         `json:"source_namespace"`
	SourceID        string         `json:"source_id"`
	TenantID        string         `json:"tenant_id"`
	Payload         map[string]any `json:"payload"`
	Digest          string         `json:"digest"`

	Status             Status `json:"status"`
	ChainReference     string `json:"chain_reference,omitempty"`
	ConfirmationHeight int64  `json:"confirmation_height,omitempty"`
	RetryCount         int    `json:"retry_count"`
	LastError          string `json:"last_error,omitempty"`

	// BatchID is set when a batch claims this record as a member.
	BatchID string `json:"batch_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// CanRetry reports whether a failed record is still eligible for retry.
func (r *Record) CanRetry(maxRetries int) bool {
	return r.Status == StatusFailed && r.RetryCount < maxRetries
}

// Clone returns a deep copy so stores can hand out records without aliasing
// their internal state.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Payload != nil {
		cp.Payload = clonePayload(r.Payload)
	}
	cp.SubmittedAt = cloneTime(r.SubmittedAt)
	cp.ConfirmedAt = cloneTime(r.ConfirmedAt)
	cp.FailedAt = cloneTime(r.FailedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func clonePayload(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return clonePayload(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
