package record_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidygen-community/anchor/pkg/anchor"
	"github.com/tidygen-community/anchor/pkg/canonical"
	"github.com/tidygen-community/anchor/pkg/events"
	"github.com/tidygen-community/anchor/pkg/record"
	"github.com/tidygen-community/anchor/pkg/schema"
	"github.com/tidygen-community/anchor/pkg/store"
)

func newTracker(t *testing.T, fake *anchor.Fake, opts record.TrackerOptions) (*record.Tracker, *store.Memory) {
	t.Helper()
	hasher, err := canonical.NewHasher(canonical.SHA256)
	require.NoError(t, err)
	mem := store.NewMemory()
	return record.NewTracker(mem, fake, hasher, opts), mem
}

func invoiceInput(sourceID string, payload map[string]any) record.CreateInput {
	return record.CreateInput{
		RecordType:      "invoice",
		SourceNamespace: "finance",
		SourceID:        sourceID,
		TenantID:        "tenant-1",
		Payload:         payload,
	}
}

func TestCreatePersistsPendingRecord(t *testing.T) {
	tracker, _ := newTracker(t, anchor.NewFake(), record.TrackerOptions{})
	ctx := context.Background()

	rec, err := tracker.Create(ctx, invoiceInput("inv-1", map[string]any{"amount": 100}))
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.NotEmpty(t, rec.Digest)
	assert.Equal(t, record.StatusPending, rec.Status)
	assert.Zero(t, rec.RetryCount)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestCreateIsIdempotent(t *testing.T) {
	tracker, _ := newTracker(t, anchor.NewFake(), record.TrackerOptions{})
	ctx := context.Background()

	first, err := tracker.Create(ctx, invoiceInput("inv-dup", map[string]any{"amount": 1}))
	require.NoError(t, err)

	_, err = tracker.Create(ctx, invoiceInput("inv-dup", map[string]any{"amount": 1}))
	var dre *record.DuplicateRecordError
	require.ErrorAs(t, err, &dre)
	assert.Equal(t, "inv-dup", dre.SourceID)

	// The stored record is untouched.
	got, err := tracker.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Digest, got.Digest)
}

func TestCreateDistinguishesPayloadContent(t *testing.T) {
	tracker, _ := newTracker(t, anchor.NewFake(), record.TrackerOptions{})
	ctx := context.Background()

	r1, err := tracker.Create(ctx, invoiceInput("src-1", map[string]any{"a": 1}))
	require.NoError(t, err)
	r2, err := tracker.Create(ctx, invoiceInput("src-2", map[string]any{"a": 2}))
	require.NoError(t, err)
	r3, err := tracker.Create(ctx, invoiceInput("src-3", map[string]any{"a": 1}))
	require.NoError(t, err)

	assert.NotEqual(t, r1.Digest, r2.Digest)
	assert.NotEqual(t, r1.Digest, r3.Digest, "same payload shape, different source id")
	assert.NotEqual(t, r2.Digest, r3.Digest)
}

func TestCreateRejectsMissingFields(t *testing.T) {
	tracker, _ := newTracker(t, anchor.NewFake(), record.TrackerOptions{})

	in := invoiceInput("inv-bad", nil)
	in.TenantID = ""
	_, err := tracker.Create(context.Background(), in)
	var ve *record.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestCreateValidatesAgainstSchema(t *testing.T) {
	registry := schema.NewRegistry()
	require.NoError(t, registry.Register("invoice", `{
		"type": "object",
		"required": ["amount"],
		"properties": {"amount": {"type": "number"}}
	}`))

	tracker, _ := newTracker(t, anchor.NewFake(), record.TrackerOptions{Schemas: registry})
	ctx := context.Background()

	_, err := tracker.Create(ctx, invoiceInput("inv-schema", map[string]any{"amount": 10}))
	require.NoError(t, err)

	_, err = tracker.Create(ctx, invoiceInput("inv-schema-2", map[string]any{"note": "no amount"}))
	var sve *schema.ValidationError
	require.ErrorAs(t, err, &sve)
}

func TestSubmitAnchorsDigest(t *testing.T) {
	fake := anchor.NewFake()
	tracker, _ := newTracker(t, fake, record.TrackerOptions{})
	ctx := context.Background()

	rec, err := tracker.Create(ctx, invoiceInput("inv-sub", map[string]any{"amount": 5}))
	require.NoError(t, err)

	got, err := tracker.Submit(ctx, rec.ID, false)
	require.NoError(t, err)
	assert.Equal(t, record.StatusSubmitted, got.Status)
	assert.Equal(t, anchor.ChainRef(rec.Digest), got.ChainReference)
	require.NotNil(t, got.SubmittedAt)

	// A second submit without force is a no-op.
	again, err := tracker.Submit(ctx, rec.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Submissions)
	assert.Equal(t, got.ChainReference, again.ChainReference)

	// Force re-submits.
	_, err = tracker.Submit(ctx, rec.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.Submissions)
}

func TestSubmitTimeoutEndsInFailed(t *testing.T) {
	fake := anchor.NewFake()
	fake.SubmitErr = context.DeadlineExceeded
	tracker, _ := newTracker(t, fake, record.TrackerOptions{})
	ctx := context.Background()

	rec, err := tracker.Create(ctx, invoiceInput("inv-timeout", map[string]any{"amount": 7}))
	require.NoError(t, err)

	got, err := tracker.Submit(ctx, rec.ID, false)
	require.NoError(t, err, "adapter failures convert to status, not errors")
	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.LastError, "timeout")
	assert.Empty(t, got.ChainReference, "never stuck in submitted without a reference")
}

func TestRetryBoundedByMaxRetries(t *testing.T) {
	fake := anchor.NewFake()
	fake.SubmitErr = context.DeadlineExceeded
	tracker, _ := newTracker(t, fake, record.TrackerOptions{MaxRetries: 3})
	ctx := context.Background()

	rec, err := tracker.Create(ctx, invoiceInput("inv-retry", map[string]any{"amount": 9}))
	require.NoError(t, err)

	got, err := tracker.Submit(ctx, rec.ID, false)
	require.NoError(t, err)
	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	// Two more failing retries exhaust the budget.
	for want := 2; want <= 3; want++ {
		got, err = tracker.Retry(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, record.StatusFailed, got.Status)
		assert.Equal(t, want, got.RetryCount)
	}

	_, err = tracker.Retry(ctx, rec.ID)
	var ve *record.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, "max retries")
}

func TestRetrySucceedsWhenAdapterRecovers(t *testing.T) {
	fake := anchor.NewFake()
	fake.FailNext = true
	tracker, _ := newTracker(t, fake, record.TrackerOptions{})
	ctx := context.Background()

	rec, err := tracker.Create(ctx, invoiceInput("inv-recover", map[string]any{"amount": 3}))
	require.NoError(t, err)

	got, err := tracker.Submit(ctx, rec.ID, false)
	require.NoError(t, err)
	require.Equal(t, record.StatusFailed, got.Status)

	got, err = tracker.Retry(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusSubmitted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.LastError)
}

func TestRetryRefusedForNonFailed(t *testing.T) {
	tracker, _ := newTracker(t, anchor.NewFake(), record.TrackerOptions{})
	ctx := context.Background()

	rec, err := tracker.Create(ctx, invoiceInput("inv-nofail", map[string]any{"amount": 2}))
	require.NoError(t, err)

	_, err = tracker.Retry(ctx, rec.ID)
	var ve *record.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestConfirmIsAdditive(t *testing.T) {
	fake := anchor.NewFake()
	tracker, _ := newTracker(t, fake, record.TrackerOptions{})
	ctx := context.Background()

	rec, err := tracker.Create(ctx, invoiceInput("inv-conf", map[string]any{"amount": 11}))
	require.NoError(t, err)
	_, err = tracker.Submit(ctx, rec.ID, false)
	require.NoError(t, err)

	got, err := tracker.Confirm(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusConfirmed, got.Status)
	assert.Greater(t, got.ConfirmationHeight, int64(0))

	// Receipt trouble after confirmation never regresses the record.
	fake.ReceiptErr = errors.New("chain unreachable")
	got, err = tracker.Confirm(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusConfirmed, got.Status)

	// A submitted record whose receipt is unavailable stays submitted.
	rec2, err := tracker.Create(ctx, invoiceInput("inv-conf-2", map[string]any{"amount": 12}))
	require.NoError(t, err)
	_, err = tracker.Submit(ctx, rec2.ID, false)
	require.NoError(t, err)
	got2, err := tracker.Confirm(ctx, rec2.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusSubmitted, got2.Status)
}

func TestAutoConfirmAfterSubmit(t *testing.T) {
	tracker, _ := newTracker(t, anchor.NewFake(), record.TrackerOptions{AutoConfirm: true})
	ctx := context.Background()

	rec, err := tracker.Create(ctx, invoiceInput("inv-auto", map[string]any{"amount": 20}))
	require.NoError(t, err)

	got, err := tracker.Submit(ctx, rec.ID, false)
	require.NoError(t, err)
	assert.Equal(t, record.StatusConfirmed, got.Status)
}

func TestVerifyStructuredResult(t *testing.T) {
	fake := anchor.NewFake()
	tracker, _ := newTracker(t, fake, record.TrackerOptions{})
	ctx := context.Background()

	rec, err := tracker.Create(ctx, invoiceInput("inv-verify", map[string]any{"amount": 30}))
	require.NoError(t, err)

	// Not yet anchored: hash-only verification passes.
	res, err := tracker.Verify(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, res.HashValid)
	assert.True(t, res.Verified)
	assert.False(t, res.ChainValid)

	submitted, err := tracker.Submit(ctx, rec.ID, false)
	require.NoError(t, err)

	res, err = tracker.Verify(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, res.HashValid)
	assert.True(t, res.ChainValid)
	assert.True(t, res.Verified)

	// Both checks passing opportunistically confirms.
	got, err := tracker.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusConfirmed, got.Status)

	// Chain drift: the reference disappears.
	fake.Drop(submitted.ChainReference)
	res, err = tracker.Verify(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, res.HashValid)
	assert.False(t, res.ChainValid)
	assert.False(t, res.Verified)
}

func TestVerifyDetectsTampering(t *testing.T) {
	fake := anchor.NewFake()
	tracker, mem := newTracker(t, fake, record.TrackerOptions{})
	ctx := context.Background()

	rec, err := tracker.Create(ctx, invoiceInput("inv-tamper", map[string]any{"amount": 50}))
	require.NoError(t, err)

	// Simulate stored-payload tampering: the digest no longer matches
	// what the current fields hash to.
	tampered := rec.Clone()
	tampered.ID = "tampered-record"
	tampered.SourceID = "inv-tamper-copy"
	tampered.Payload = map[string]any{"amount": 5000}
	tampered.Digest = strings.Repeat("ab", 32)
	require.NoError(t, mem.CreateRecord(ctx, tampered))

	res, err := tracker.Verify(ctx, "tampered-record")
	var iv *record.IntegrityViolation
	require.ErrorAs(t, err, &iv)
	assert.False(t, res.HashValid)
	assert.False(t, res.Verified)
	assert.Equal(t, "tampered-record", iv.RecordID)
}

func TestRetrySweepSkipsExhaustedRecords(t *testing.T) {
	fake := anchor.NewFake()
	tracker, _ := newTracker(t, fake, record.TrackerOptions{MaxRetries: 2})
	ctx := context.Background()

	fake.SubmitErr = context.DeadlineExceeded
	recA, err := tracker.Create(ctx, invoiceInput("inv-sweep-a", map[string]any{"amount": 1}))
	require.NoError(t, err)
	recB, err := tracker.Create(ctx, invoiceInput("inv-sweep-b", map[string]any{"amount": 2}))
	require.NoError(t, err)

	_, err = tracker.Submit(ctx, recA.ID, false)
	require.NoError(t, err)
	_, err = tracker.Submit(ctx, recB.ID, false)
	require.NoError(t, err)

	// Exhaust record A's budget.
	_, err = tracker.Retry(ctx, recA.ID)
	require.NoError(t, err)
	gotA, err := tracker.Get(ctx, recA.ID)
	require.NoError(t, err)
	require.Equal(t, 2, gotA.RetryCount)

	// Adapter recovers: the sweep retries only record B.
	fake.SubmitErr = nil
	attempted, err := tracker.RetrySweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)

	gotB, err := tracker.Get(ctx, recB.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusSubmitted, gotB.Status)
	gotA, err = tracker.Get(ctx, recA.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusFailed, gotA.Status)
}

func TestLifecycleEventsChainAcrossOperations(t *testing.T) {
	log := events.NewLog()
	fake := anchor.NewFake()
	tracker, _ := newTracker(t, fake, record.TrackerOptions{Events: log, AutoConfirm: true})
	ctx := context.Background()

	rec, err := tracker.Create(ctx, invoiceInput("inv-events", map[string]any{"amount": 77}))
	require.NoError(t, err)
	_, err = tracker.Submit(ctx, rec.ID, false)
	require.NoError(t, err)

	byRecord := log.BySubject(rec.ID)
	require.Len(t, byRecord, 3)
	assert.Equal(t, events.TypeRecordCreated, byRecord[0].Type)
	assert.Equal(t, events.TypeRecordSubmitted, byRecord[1].Type)
	assert.Equal(t, events.TypeRecordConfirmed, byRecord[2].Type)
	require.NoError(t, log.VerifyChain())
}

func TestRetryAndVerifyLeaveAuditEvents(t *testing.T) {
	log := events.NewLog()
	fake := anchor.NewFake()
	fake.FailNext = true
	tracker, _ := newTracker(t, fake, record.TrackerOptions{Events: log})
	ctx := context.Background()

	rec, err := tracker.Create(ctx, invoiceInput("inv-audit", map[string]any{"amount": 88}))
	require.NoError(t, err)
	_, err = tracker.Submit(ctx, rec.ID, false)
	require.NoError(t, err)
	_, err = tracker.Retry(ctx, rec.ID)
	require.NoError(t, err)

	res, err := tracker.Verify(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, res.Verified)

	byRecord := log.BySubject(rec.ID)
	types := make([]events.Type, len(byRecord))
	for i, ev := range byRecord {
		types[i] = ev.Type
	}
	assert.Equal(t, []events.Type{
		events.TypeRecordCreated,
		events.TypeRecordFailed,
		events.TypeRetryAttempted,
		events.TypeRecordSubmitted,
		events.TypeRecordConfirmed,
		events.TypeHashVerified,
	}, types)
	require.NoError(t, log.VerifyChain())
}

func TestRejectIsTerminal(t *testing.T) {
	tracker, _ := newTracker(t, anchor.NewFake(), record.TrackerOptions{})
	ctx := context.Background()

	rec, err := tracker.Create(ctx, invoiceInput("inv-rejected", map[string]any{"amount": 4}))
	require.NoError(t, err)

	got, err := tracker.Reject(ctx, rec.ID, "known-bad source")
	require.NoError(t, err)
	assert.Equal(t, record.StatusRejected, got.Status)

	_, err = tracker.Submit(ctx, rec.ID, false)
	var ite *record.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
}
