package batch_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidygen-community/anchor/pkg/anchor"
	"github.com/tidygen-community/anchor/pkg/batch"
	"github.com/tidygen-community/anchor/pkg/canonical"
	"github.com/tidygen-community/anchor/pkg/merkle"
	"github.com/tidygen-community/anchor/pkg/record"
	"github.com/tidygen-community/anchor/pkg/store"
)

type fixture struct {
	manager *batch.Manager
	tracker *record.Tracker
	store   *store.Memory
	fake    *anchor.Fake
	hasher  *canonical.Hasher
}

func newFixture(t *testing.T, opts batch.ManagerOptions) *fixture {
	t.Helper()
	hasher, err := canonical.NewHasher(canonical.SHA256)
	require.NoError(t, err)
	mem := store.NewMemory()
	fake := anchor.NewFake()
	return &fixture{
		manager: batch.NewManager(mem, fake, hasher, opts),
		tracker: record.NewTracker(mem, fake, hasher, record.TrackerOptions{}),
		store:   mem,
		fake:    fake,
		hasher:  hasher,
	}
}

func (f *fixture) createRecords(t *testing.T, n int, tag string) []*record.Record {
	t.Helper()
	ctx := context.Background()
	out := make([]*record.Record, n)
	for i := range out {
		rec, err := f.tracker.Create(ctx, record.CreateInput{
			RecordType:      "invoice",
			SourceNamespace: "finance",
			SourceID:        fmt.Sprintf("inv-%s-%d", tag, i),
			TenantID:        "tenant-1",
			Payload:         map[string]any{"amount": float64(i + 1)},
		})
		require.NoError(t, err)
		out[i] = rec
	}
	return out
}

func TestCollectReturnsEmptyBatchError(t *testing.T) {
	f := newFixture(t, batch.ManagerOptions{})
	_, err := f.manager.Collect(context.Background(), 10)
	assert.ErrorIs(t, err, batch.ErrEmptyBatch)
}

func TestCollectOldestFirstWithLimit(t *testing.T) {
	f := newFixture(t, batch.ManagerOptions{})
	recs := f.createRecords(t, 5, "collect")

	got, err := f.manager.Collect(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, recs[0].ID, got[0].ID)
	assert.Equal(t, recs[2].ID, got[2].ID)
}

func TestCreateBatchComputesDigests(t *testing.T) {
	f := newFixture(t, batch.ManagerOptions{})
	ctx := context.Background()
	recs := f.createRecords(t, 3, "digests")

	b, err := f.manager.CreateBatch(ctx, recs)
	require.NoError(t, err)

	digests := []string{recs[0].Digest, recs[1].Digest, recs[2].Digest}
	assert.Equal(t, f.hasher.BatchDigest(digests), b.BatchDigest)

	tree := merkle.Build(digests, f.hasher.HashBytes)
	assert.Equal(t, tree.Root, b.RootDigest)
	assert.Equal(t, tree.Leaves, b.MemberDigests, "membership snapshot is sorted")
	assert.Equal(t, record.StatusPending, b.Status)
}

func TestCreateBatchLosesRaceToEarlierClaim(t *testing.T) {
	f := newFixture(t, batch.ManagerOptions{})
	ctx := context.Background()
	recs := f.createRecords(t, 2, "race")

	_, err := f.manager.CreateBatch(ctx, recs)
	require.NoError(t, err)

	// The same selection committed again must fail: the members are
	// claimed by the first batch.
	_, err = f.manager.CreateBatch(ctx, recs)
	var ve *batch.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestSubmitBatchFansOutToMembers(t *testing.T) {
	f := newFixture(t, batch.ManagerOptions{})
	ctx := context.Background()
	recs := f.createRecords(t, 3, "submit")

	b, err := f.manager.CreateBatch(ctx, recs)
	require.NoError(t, err)

	got, err := f.manager.SubmitBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusSubmitted, got.Status)
	assert.Equal(t, anchor.ChainRef(b.RootDigest), got.ChainReference)
	assert.Equal(t, 1, f.fake.Submissions, "one root submission covers all members")

	members, err := f.store.BatchMembers(ctx, b.ID)
	require.NoError(t, err)
	for _, m := range members {
		assert.Equal(t, record.StatusSubmitted, m.Status)
		assert.Equal(t, got.ChainReference, m.ChainReference)
	}

	// Submitting again is a no-op.
	_, err = f.manager.SubmitBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.fake.Submissions)
}

func TestSubmitBatchFailureIsAllOrNothing(t *testing.T) {
	f := newFixture(t, batch.ManagerOptions{})
	ctx := context.Background()
	recs := f.createRecords(t, 3, "fail")

	b, err := f.manager.CreateBatch(ctx, recs)
	require.NoError(t, err)

	f.fake.SubmitErr = context.DeadlineExceeded
	got, err := f.manager.SubmitBatch(ctx, b.ID)
	require.NoError(t, err, "adapter failures convert to status, not errors")
	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "timeout")

	members, err := f.store.BatchMembers(ctx, b.ID)
	require.NoError(t, err)
	for _, m := range members {
		assert.Equal(t, record.StatusFailed, m.Status, "no mixed member states")
		assert.Equal(t, 1, m.RetryCount)
	}
}

func TestIndividualSubmitRefusedOnBatchMember(t *testing.T) {
	f := newFixture(t, batch.ManagerOptions{})
	ctx := context.Background()
	recs := f.createRecords(t, 2, "claimed")

	b, err := f.manager.CreateBatch(ctx, recs)
	require.NoError(t, err)

	// A claimed member cannot be anchored on its own; that would anchor
	// the digest twice and leave the batch unable to advance its members.
	_, err = f.tracker.Submit(ctx, recs[0].ID, false)
	var ve *record.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, b.ID)
	assert.Equal(t, 0, f.fake.Submissions, "refused submit never reaches the adapter")

	got, err := f.store.GetRecord(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusPending, got.Status)
	assert.Equal(t, b.ID, got.BatchID)

	// The batch path stays fully functional afterwards.
	submitted, err := f.manager.SubmitBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusSubmitted, submitted.Status)
	assert.Equal(t, 1, f.fake.Submissions, "only the root is anchored")

	members, err := f.store.BatchMembers(ctx, b.ID)
	require.NoError(t, err)
	for _, m := range members {
		assert.Equal(t, record.StatusSubmitted, m.Status)
	}
}

func TestConfirmBatchAdvancesMembers(t *testing.T) {
	f := newFixture(t, batch.ManagerOptions{})
	ctx := context.Background()
	recs := f.createRecords(t, 2, "confirm")

	b, err := f.manager.CreateBatch(ctx, recs)
	require.NoError(t, err)
	_, err = f.manager.SubmitBatch(ctx, b.ID)
	require.NoError(t, err)

	got, err := f.manager.ConfirmBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusConfirmed, got.Status)
	assert.Greater(t, got.ConfirmationHeight, int64(0))

	members, err := f.store.BatchMembers(ctx, b.ID)
	require.NoError(t, err)
	for _, m := range members {
		assert.Equal(t, record.StatusConfirmed, m.Status)
		assert.Equal(t, got.ConfirmationHeight, m.ConfirmationHeight)
	}
}

func TestConfirmBatchAdditiveWhenReceiptUnavailable(t *testing.T) {
	f := newFixture(t, batch.ManagerOptions{})
	ctx := context.Background()
	recs := f.createRecords(t, 2, "receipt")

	b, err := f.manager.CreateBatch(ctx, recs)
	require.NoError(t, err)
	submitted, err := f.manager.SubmitBatch(ctx, b.ID)
	require.NoError(t, err)

	f.fake.Drop(submitted.ChainReference)
	got, err := f.manager.ConfirmBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusSubmitted, got.Status, "unavailable receipt never regresses")
}

func TestAutoConfirmBatch(t *testing.T) {
	f := newFixture(t, batch.ManagerOptions{AutoConfirm: true})
	ctx := context.Background()
	recs := f.createRecords(t, 2, "autoconfirm")

	b, err := f.manager.CreateBatch(ctx, recs)
	require.NoError(t, err)
	got, err := f.manager.SubmitBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusConfirmed, got.Status)
}

func TestProofRoundTripThroughBatch(t *testing.T) {
	f := newFixture(t, batch.ManagerOptions{})
	ctx := context.Background()
	recs := f.createRecords(t, 5, "proof")

	b, err := f.manager.CreateBatch(ctx, recs)
	require.NoError(t, err)

	for _, rec := range recs {
		proof, err := f.manager.Proof(ctx, b.ID, rec.Digest)
		require.NoError(t, err)
		assert.True(t, merkle.Verify(rec.Digest, proof.Steps, b.RootDigest, f.hasher.HashBytes))
	}

	// A digest outside the batch has no proof.
	_, err = f.manager.Proof(ctx, b.ID, "not-a-member")
	require.Error(t, err)
}

func TestCycleRunsCollectCreateSubmit(t *testing.T) {
	f := newFixture(t, batch.ManagerOptions{BatchSize: 2})
	ctx := context.Background()
	f.createRecords(t, 3, "cycle")

	b, err := f.manager.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, record.StatusSubmitted, b.Status)
	assert.Equal(t, 2, b.Size(), "bounded by batch size")

	// Second cycle picks up the remainder.
	b2, err := f.manager.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b2.Size())

	// Nothing left.
	_, err = f.manager.Cycle(ctx)
	assert.ErrorIs(t, err, batch.ErrEmptyBatch)
}
