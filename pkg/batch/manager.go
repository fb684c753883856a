package batch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tidygen-community/anchor/pkg/anchor"
	"github.com/tidygen-community/anchor/pkg/canonical"
	"github.com/tidygen-community/anchor/pkg/events"
	"github.com/tidygen-community/anchor/pkg/merkle"
	"github.com/tidygen-community/anchor/pkg/observability"
	"github.com/tidygen-community/anchor/pkg/record"
)

// DefaultBatchSize bounds how many pending records one batch collects.
const DefaultBatchSize = 10

// ManagerOptions carries the optional collaborators of a Manager.
type ManagerOptions struct {
	Events  *events.Log
	Metrics *observability.EngineMetrics
	Logger  *slog.Logger

	// BatchSize bounds collection. Zero means DefaultBatchSize.
	BatchSize int
	// AutoConfirm attempts confirmation immediately after a successful
	// batch submission.
	AutoConfirm bool
	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Manager drives batches through their lifecycle: collect eligible records,
// snapshot them into a batch, submit the Merkle root through the adapter,
// and fan confirmation or failure out to every member.
type Manager struct {
	store   Store
	adapter anchor.Adapter
	hasher  *canonical.Hasher

	events  *events.Log
	metrics *observability.EngineMetrics
	logger  *slog.Logger

	batchSize   int
	autoConfirm bool
	now         func() time.Time
}

// NewManager wires a Manager over its persistence, adapter, and hasher.
func NewManager(store Store, adapter anchor.Adapter, hasher *canonical.Hasher, opts ManagerOptions) *Manager {
	m := &Manager{
		store:       store,
		adapter:     adapter,
		hasher:      hasher,
		events:      opts.Events,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		batchSize:   opts.BatchSize,
		autoConfirm: opts.AutoConfirm,
		now:         opts.Clock,
	}
	if m.logger == nil {
		m.logger = slog.Default().With("component", "batch_manager")
	}
	if m.batchSize <= 0 {
		m.batchSize = DefaultBatchSize
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// hashFunc adapts the configured hasher to the Merkle builder.
func (m *Manager) hashFunc() merkle.HashFunc {
	return m.hasher.HashBytes
}

// Collect selects up to limit pending, unclaimed records, oldest first.
// Returns ErrEmptyBatch when none are eligible. Selection is advisory: the
// authoritative claim happens at CreateBatch commit time, so two concurrent
// collectors may see overlapping candidates but only one batch wins each
// record.
func (m *Manager) Collect(ctx context.Context, limit int) ([]*record.Record, error) {
	if limit <= 0 {
		limit = m.batchSize
	}
	recs, err := m.store.ListEligible(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrEmptyBatch
	}
	return recs, nil
}

// CreateBatch snapshots the given records into a new pending batch,
// computing the sorted-digest fingerprint and the Merkle root over their
// digests. Fails with ValidationError if any record is no longer pending
// and unclaimed at commit time.
func (m *Manager) CreateBatch(ctx context.Context, recs []*record.Record) (*Batch, error) {
	if len(recs) == 0 {
		return nil, ErrEmptyBatch
	}

	digests := make([]string, len(recs))
	memberIDs := make([]string, len(recs))
	for i, r := range recs {
		digests[i] = r.Digest
		memberIDs[i] = r.ID
	}

	tree := merkle.Build(digests, m.hashFunc())

	b := &Batch{
		ID:            uuid.NewString(),
		BatchDigest:   m.hasher.BatchDigest(digests),
		RootDigest:    tree.Root,
		MemberDigests: tree.Leaves,
		Status:        record.StatusPending,
		CreatedAt:     m.now().UTC(),
	}

	if err := m.store.CreateBatch(ctx, b, memberIDs); err != nil {
		return nil, err
	}

	m.appendEvent(events.TypeBatchCreated, b, map[string]any{
		"batch_digest": b.BatchDigest,
		"root_digest":  b.RootDigest,
		"size":         b.Size(),
	})
	m.metrics.BatchCreated(ctx, b.Size())
	m.logger.InfoContext(ctx, "batch created",
		"batch_id", b.ID, "size", b.Size(), "root", b.RootDigest)

	return b, nil
}

// SubmitBatch anchors the batch's Merkle root through the adapter. One root
// submission covers every member. On success the batch and all members
// advance to submitted together; on adapter failure they are marked failed
// together. There is no partial-success path.
func (m *Manager) SubmitBatch(ctx context.Context, id string) (*Batch, error) {
	b, err := m.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	switch b.Status {
	case record.StatusSubmitted, record.StatusConfirmed:
		return b, nil
	case record.StatusPending:
		// Proceed.
	default:
		return nil, &ValidationError{Reason: "batch is " + string(b.Status) + ", not pending"}
	}

	start := m.now()
	chainRef, submitErr := m.adapter.Submit(ctx, b.RootDigest)
	m.metrics.Submission(ctx, "batch", m.now().Sub(start), submitErr)

	if submitErr != nil {
		ae := anchor.Classify("submit", submitErr)
		at := m.now().UTC()
		if err := m.store.MarkBatchFailed(ctx, id, ae.Error(), at); err != nil {
			return nil, err
		}
		m.appendEvent(events.TypeBatchFailed, b, map[string]any{
			"error": ae.Error(),
			"kind":  string(ae.Kind),
		})
		m.metrics.Failed(ctx, "batch", string(ae.Kind))
		m.logger.WarnContext(ctx, "batch submission failed",
			"batch_id", id, "kind", ae.Kind, "error", ae.Err)
		return m.store.GetBatch(ctx, id)
	}

	at := m.now().UTC()
	if err := m.store.MarkBatchSubmitted(ctx, id, chainRef, at); err != nil {
		return nil, err
	}

	m.appendEvent(events.TypeBatchSubmitted, b, map[string]any{
		"chain_reference": chainRef,
		"root_digest":     b.RootDigest,
	})
	m.logger.InfoContext(ctx, "batch submitted",
		"batch_id", id, "chain_reference", chainRef, "size", b.Size())

	if m.autoConfirm {
		return m.ConfirmBatch(ctx, id)
	}
	return m.store.GetBatch(ctx, id)
}

// ConfirmBatch checks finality of the batch's chain reference and, if
// final, advances the batch and every member to confirmed. Purely additive:
// an unavailable or unfinalized receipt leaves everything submitted.
func (m *Manager) ConfirmBatch(ctx context.Context, id string) (*Batch, error) {
	b, err := m.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status == record.StatusConfirmed {
		return b, nil
	}
	if b.Status != record.StatusSubmitted || b.ChainReference == "" {
		return b, nil
	}

	receipt, err := m.adapter.FetchReceipt(ctx, b.ChainReference)
	if err != nil {
		m.logger.DebugContext(ctx, "batch receipt not available",
			"batch_id", id, "chain_reference", b.ChainReference, "error", err)
		return b, nil
	}
	if !receipt.Finalized {
		return b, nil
	}

	at := m.now().UTC()
	if err := m.store.MarkBatchConfirmed(ctx, id, receipt.Height, at); err != nil {
		return nil, err
	}

	m.appendEvent(events.TypeBatchConfirmed, b, map[string]any{
		"chain_reference":     b.ChainReference,
		"confirmation_height": receipt.Height,
	})
	m.metrics.Confirmed(ctx, "batch")
	m.logger.InfoContext(ctx, "batch confirmed",
		"batch_id", id, "height", receipt.Height, "size", b.Size())

	return m.store.GetBatch(ctx, id)
}

// Proof rebuilds the batch's Merkle tree from its membership snapshot and
// returns an inclusion proof for the given leaf digest.
func (m *Manager) Proof(ctx context.Context, batchID, leafDigest string) (*merkle.Proof, error) {
	b, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	tree := merkle.Build(b.MemberDigests, m.hashFunc())
	return tree.ProveDigest(leafDigest)
}

// Cycle runs one collect / create / submit round and returns the resulting
// batch. Returns ErrEmptyBatch when there was nothing to anchor, and
// re-collects once if batch creation lost a claim race.
func (m *Manager) Cycle(ctx context.Context) (*Batch, error) {
	for attempt := 0; attempt < 2; attempt++ {
		recs, err := m.Collect(ctx, m.batchSize)
		if err != nil {
			return nil, err
		}
		b, err := m.CreateBatch(ctx, recs)
		if err != nil {
			var ve *ValidationError
			if attempt == 0 && errors.As(err, &ve) {
				continue
			}
			return nil, err
		}
		return m.SubmitBatch(ctx, b.ID)
	}
	return nil, ErrEmptyBatch
}

func (m *Manager) appendEvent(typ events.Type, b *Batch, data map[string]any) {
	if m.events == nil {
		return
	}
	if _, err := m.events.Append(typ, b.ID, "", data); err != nil {
		m.logger.Warn("event append failed", "type", typ, "batch_id", b.ID, "error", err)
	}
}
