package record

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tidygen-community/anchor/pkg/anchor"
	"github.com/tidygen-community/anchor/pkg/archive"
	"github.com/tidygen-community/anchor/pkg/canonical"
	"github.com/tidygen-community/anchor/pkg/events"
	"github.com/tidygen-community/anchor/pkg/observability"
	"github.com/tidygen-community/anchor/pkg/schema"
)

// DefaultMaxRetries bounds how many failed submission attempts a record may
// accumulate before retry is refused.
const DefaultMaxRetries = 3

// TrackerOptions carries the optional collaborators of a Tracker. Every
// field may be left zero; the tracker degrades to store-plus-adapter only.
type TrackerOptions struct {
	// Schemas validates payloads by record type before hashing.
	Schemas *schema.Registry
	// Events receives lifecycle events for the tamper-evident audit trail.
	Events *events.Log
	// Archive persists canonical payload bytes keyed by digest.
	Archive archive.Store
	// Metrics instruments lifecycle operations. Nil-safe.
	Metrics *observability.EngineMetrics

	Logger *slog.Logger

	// MaxRetries bounds retry eligibility. Zero means DefaultMaxRetries.
	MaxRetries int
	// AutoConfirm attempts confirmation immediately after a successful
	// submission instead of leaving it to a poller.
	AutoConfirm bool
	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Tracker drives records through their anchoring lifecycle. All methods are
// safe for concurrent use provided the Store enforces its transition guards.
type Tracker struct {
	store   Store
	adapter anchor.Adapter
	hasher  *canonical.Hasher

	schemas *schema.Registry
	events  *events.Log
	archive archive.Store
	metrics *observability.EngineMetrics
	logger  *slog.Logger

	maxRetries  int
	autoConfirm bool
	now         func() time.Time
}

// NewTracker wires a Tracker over its persistence, adapter, and hasher.
func NewTracker(store Store, adapter anchor.Adapter, hasher *canonical.Hasher, opts TrackerOptions) *Tracker {
	t := &Tracker{
		store:       store,
		adapter:     adapter,
		hasher:      hasher,
		schemas:     opts.Schemas,
		events:      opts.Events,
		archive:     opts.Archive,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		maxRetries:  opts.MaxRetries,
		autoConfirm: opts.AutoConfirm,
		now:         opts.Clock,
	}
	if t.logger == nil {
		t.logger = slog.Default().With("component", "record_tracker")
	}
	if t.maxRetries <= 0 {
		t.maxRetries = DefaultMaxRetries
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// CreateInput identifies one originating business fact and its payload.
type CreateInput struct {
	RecordType      string
	SourceNamespace string
	SourceID        string
	TenantID        string
	Payload         map[string]any
}

// Create computes the canonical digest for the input and persists a pending
// record. Creation is idempotent: a second call for the same identity tuple
// fails with DuplicateRecordError while leaving the stored record untouched.
func (t *Tracker) Create(ctx context.Context, in CreateInput) (*Record, error) {
	if in.RecordType == "" {
		return nil, &ValidationError{Reason: "record_type is required"}
	}
	if in.SourceNamespace == "" {
		return nil, &ValidationError{Reason: "source_namespace is required"}
	}
	if in.SourceID == "" {
		return nil, &ValidationError{Reason: "source_id is required"}
	}
	if in.TenantID == "" {
		return nil, &ValidationError{Reason: "tenant_id is required"}
	}

	if t.schemas != nil {
		if err := t.schemas.Validate(in.RecordType, in.Payload); err != nil {
			return nil, err
		}
	}

	canonicalBytes, err := canonical.Canonicalize(in.Payload)
	if err != nil {
		return nil, err
	}
	digest, err := t.hasher.RecordDigest(in.RecordType, in.SourceNamespace, in.SourceID, in.TenantID, in.Payload)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:              uuid.NewString(),
		RecordType:      in.RecordType,
		SourceNamespace: in.SourceNamespace,
		SourceID:        in.SourceID,
		TenantID:        in.TenantID,
		Payload:         in.Payload,
		Digest:          digest,
		Status:          StatusPending,
		CreatedAt:       t.now().UTC(),
	}

	if err := t.store.CreateRecord(ctx, rec); err != nil {
		return nil, err
	}

	// Archival failure does not undo creation: the record is durable and
	// the payload can be re-archived from the source before it mutates.
	if t.archive != nil {
		if err := t.archive.Put(ctx, digest, canonicalBytes); err != nil {
			t.logger.WarnContext(ctx, "payload archival failed",
				"record_id", rec.ID, "digest", digest, "error", err)
		}
	}

	t.appendEvent(events.TypeRecordCreated, rec, map[string]any{
		"digest":      digest,
		"record_type": in.RecordType,
	})
	t.metrics.RecordCreated(ctx, in.RecordType)

	t.logger.InfoContext(ctx, "record created",
		"record_id", rec.ID,
		"source", in.SourceNamespace+"/"+in.SourceID,
		"digest", digest)

	return rec, nil
}

// Get returns the record by internal id.
func (t *Tracker) Get(ctx context.Context, id string) (*Record, error) {
	return t.store.GetRecord(ctx, id)
}

// Submit anchors a single record's digest through the adapter. Already
// submitted or confirmed records are a no-op unless force is set; confirmed
// records are never re-submitted. Adapter failures are converted into the
// failed status with a stored error description and do not propagate.
func (t *Tracker) Submit(ctx context.Context, id string, force bool) (*Record, error) {
	rec, err := t.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case StatusConfirmed:
		return rec, nil
	case StatusSubmitted:
		if !force {
			return rec, nil
		}
	case StatusPending:
		// Proceed.
	default:
		return nil, &InvalidTransitionError{RecordID: id, From: rec.Status, To: StatusSubmitted}
	}

	// A batch member anchors through its batch root, never individually:
	// anchoring the digest twice and racing the batch fan-out would leave
	// the batch unable to advance its member set.
	if rec.BatchID != "" {
		return nil, &ValidationError{
			Reason: "record " + id + " is claimed by batch " + rec.BatchID + "; submit the batch instead",
		}
	}

	start := t.now()
	chainRef, submitErr := t.adapter.Submit(ctx, rec.Digest)
	t.metrics.Submission(ctx, "record", t.now().Sub(start), submitErr)

	if submitErr != nil {
		return t.recordFailure(ctx, rec, anchor.Classify("submit", submitErr))
	}

	at := t.now().UTC()
	if err := t.store.MarkSubmitted(ctx, id, chainRef, at); err != nil {
		return nil, err
	}

	t.appendEvent(events.TypeRecordSubmitted, rec, map[string]any{
		"chain_reference": chainRef,
	})
	t.logger.InfoContext(ctx, "record submitted",
		"record_id", id, "chain_reference", chainRef)

	if t.autoConfirm {
		return t.Confirm(ctx, id)
	}
	return t.store.GetRecord(ctx, id)
}

// recordFailure converts an adapter error into the failed status. The
// classified kind stays visible in the stored error string so operators can
// tell a timeout from a chain-side rejection.
func (t *Tracker) recordFailure(ctx context.Context, rec *Record, ae *anchor.AdapterError) (*Record, error) {
	at := t.now().UTC()
	if err := t.store.MarkFailed(ctx, rec.ID, ae.Error(), at); err != nil {
		return nil, err
	}

	t.appendEvent(events.TypeRecordFailed, rec, map[string]any{
		"error": ae.Error(),
		"kind":  string(ae.Kind),
	})
	t.metrics.Failed(ctx, "record", string(ae.Kind))
	t.logger.WarnContext(ctx, "record submission failed",
		"record_id", rec.ID, "kind", ae.Kind, "error", ae.Err)

	return t.store.GetRecord(ctx, rec.ID)
}

// Confirm checks whether the record's chain reference is final and, if so,
// advances it to confirmed. Confirmation is purely additive: when the
// receipt is unavailable or not yet final the record stays submitted and no
// error is returned.
func (t *Tracker) Confirm(ctx context.Context, id string) (*Record, error) {
	rec, err := t.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusConfirmed {
		return rec, nil
	}
	if rec.Status != StatusSubmitted || rec.ChainReference == "" {
		return rec, nil
	}

	receipt, err := t.adapter.FetchReceipt(ctx, rec.ChainReference)
	if err != nil {
		t.logger.DebugContext(ctx, "receipt not available",
			"record_id", id, "chain_reference", rec.ChainReference, "error", err)
		return rec, nil
	}
	if !receipt.Finalized {
		return rec, nil
	}

	at := t.now().UTC()
	if err := t.store.MarkConfirmed(ctx, id, receipt.Height, at); err != nil {
		return nil, err
	}

	t.appendEvent(events.TypeRecordConfirmed, rec, map[string]any{
		"chain_reference":     rec.ChainReference,
		"confirmation_height": receipt.Height,
	})
	t.metrics.Confirmed(ctx, "record")
	t.logger.InfoContext(ctx, "record confirmed",
		"record_id", id, "height", receipt.Height)

	return t.store.GetRecord(ctx, id)
}

// VerifyResult is the structured outcome of a verification run. "Not yet
// anchored" is a normal state, not an error.
type VerifyResult struct {
	RecordID       string `json:"record_id"`
	HashValid      bool   `json:"hash_valid"`
	ChainValid     bool   `json:"chain_valid"`
	Verified       bool   `json:"verified"`
	ComputedDigest string `json:"computed_digest"`
	ChainReference string `json:"chain_reference,omitempty"`
}

// Verify recomputes the record's digest from its stored fields and, when a
// chain reference is present, checks on-chain presence through the adapter.
// A digest mismatch returns the result together with an IntegrityViolation;
// it is never auto-corrected. When both checks pass on a submitted record
// it is opportunistically advanced to confirmed.
func (t *Tracker) Verify(ctx context.Context, id string) (*VerifyResult, error) {
	rec, err := t.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	computed, err := t.hasher.RecordDigest(rec.RecordType, rec.SourceNamespace, rec.SourceID, rec.TenantID, rec.Payload)
	if err != nil {
		return nil, err
	}

	res := &VerifyResult{
		RecordID:       id,
		ComputedDigest: computed,
		ChainReference: rec.ChainReference,
		HashValid:      computed == rec.Digest,
	}

	// Every verification run, including a detected violation, leaves an
	// audit event with its outcome.
	defer func() {
		t.appendEvent(events.TypeHashVerified, rec, map[string]any{
			"hash_valid":  res.HashValid,
			"chain_valid": res.ChainValid,
			"verified":    res.Verified,
		})
	}()

	if !res.HashValid {
		t.metrics.Verified(ctx, "integrity_violation")
		t.logger.ErrorContext(ctx, "record digest mismatch",
			"record_id", id, "stored", rec.Digest, "computed", computed)
		return res, &IntegrityViolation{
			RecordID:       id,
			StoredDigest:   rec.Digest,
			ComputedDigest: computed,
		}
	}

	if rec.ChainReference == "" {
		res.Verified = true
		t.metrics.Verified(ctx, "hash_only")
		return res, nil
	}

	present, err := t.adapter.Verify(ctx, rec.ChainReference)
	if err != nil {
		ae := anchor.Classify("verify", err)
		t.logger.WarnContext(ctx, "chain verification unavailable",
			"record_id", id, "kind", ae.Kind, "error", ae.Err)
		t.metrics.Verified(ctx, "chain_unavailable")
		return res, nil
	}
	res.ChainValid = present
	res.Verified = res.HashValid && res.ChainValid

	if res.Verified {
		t.metrics.Verified(ctx, "verified")
		if rec.Status == StatusSubmitted {
			if _, err := t.Confirm(ctx, id); err != nil {
				return res, err
			}
		}
	} else {
		t.metrics.Verified(ctx, "chain_missing")
	}
	return res, nil
}

// Retry moves a failed record back to pending and re-attempts submission.
// Refused once the retry limit is reached; operators must intervene.
func (t *Tracker) Retry(ctx context.Context, id string) (*Record, error) {
	rec, err := t.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusFailed {
		return nil, &ValidationError{Reason: "only failed records can be retried"}
	}
	if !rec.CanRetry(t.maxRetries) {
		return nil, &ValidationError{Reason: "max retries reached"}
	}

	if err := t.store.ResetForRetry(ctx, id); err != nil {
		return nil, err
	}
	t.appendEvent(events.TypeRetryAttempted, rec, map[string]any{
		"retry_count": rec.RetryCount,
	})
	return t.Submit(ctx, id, false)
}

// RetrySweep retries up to limit failed records that are still under the
// retry limit. It returns the number of records whose retry was attempted;
// per-record submission failures are absorbed by the lifecycle as usual.
func (t *Tracker) RetrySweep(ctx context.Context, limit int) (int, error) {
	failed, err := t.store.ListRecordsByStatus(ctx, StatusFailed, limit)
	if err != nil {
		return 0, err
	}

	attempted := 0
	for _, rec := range failed {
		if !rec.CanRetry(t.maxRetries) {
			continue
		}
		if _, err := t.Retry(ctx, rec.ID); err != nil {
			t.logger.WarnContext(ctx, "retry sweep skipped record",
				"record_id", rec.ID, "error", err)
			continue
		}
		attempted++
	}
	return attempted, nil
}

// Reject forces a record into the terminal rejected state.
func (t *Tracker) Reject(ctx context.Context, id, reason string) (*Record, error) {
	if err := t.store.MarkRejected(ctx, id, reason); err != nil {
		return nil, err
	}
	rec, err := t.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	t.appendEvent(events.TypeRecordRejected, rec, map[string]any{"reason": reason})
	return rec, nil
}

func (t *Tracker) appendEvent(typ events.Type, rec *Record, data map[string]any) {
	if t.events == nil {
		return
	}
	if _, err := t.events.Append(typ, rec.ID, rec.TenantID, data); err != nil {
		t.logger.Warn("event append failed", "type", typ, "record_id", rec.ID, "error", err)
	}
}
