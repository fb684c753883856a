// Package store provides the persistence backends for records and batches:
// an in-memory store for tests and single-process use, a SQLite store, and a
// PostgreSQL store. All three enforce the same constraints at the storage
// boundary: digest uniqueness, identity-tuple uniqueness, guarded status
// transitions, and atomic batch-to-member fan-out.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/tidygen-community/anchor/pkg/batch"
	"github.com/tidygen-community/anchor/pkg/record"
)

type identityKey struct {
	namespace string
	sourceID  string
	tenantID  string
}

// Memory implements record.Store and batch.Store in process memory.
type Memory struct {
	mu sync.RWMutex

	records    map[string]*record.Record
	byDigest   map[string]string
	byIdentity map[identityKey]string
	recOrder   []string

	batches      map[string]*batch.Batch
	batchMembers map[string][]string
	batchOrder   []string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:      make(map[string]*record.Record),
		byDigest:     make(map[string]string),
		byIdentity:   make(map[identityKey]string),
		batches:      make(map[string]*batch.Batch),
		batchMembers: make(map[string][]string),
	}
}

var _ record.Store = (*Memory)(nil)
var _ batch.Store = (*Memory)(nil)

func (m *Memory) CreateRecord(_ context.Context, rec *record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := identityKey{rec.SourceNamespace, rec.SourceID, rec.TenantID}
	if _, exists := m.byIdentity[key]; exists {
		return &record.DuplicateRecordError{
			SourceNamespace: rec.SourceNamespace,
			SourceID:        rec.SourceID,
			TenantID:        rec.TenantID,
		}
	}
	if _, exists := m.byDigest[rec.Digest]; exists {
		return &record.DuplicateRecordError{
			SourceNamespace: rec.SourceNamespace,
			SourceID:        rec.SourceID,
			TenantID:        rec.TenantID,
		}
	}

	m.records[rec.ID] = rec.Clone()
	m.byDigest[rec.Digest] = rec.ID
	m.byIdentity[key] = rec.ID
	m.recOrder = append(m.recOrder, rec.ID)
	return nil
}

func (m *Memory) GetRecord(_ context.Context, id string) (*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, record.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) GetRecordByDigest(_ context.Context, digest string) (*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byDigest[digest]
	if !ok {
		return nil, record.ErrRecordNotFound
	}
	return m.records[id].Clone(), nil
}

func (m *Memory) FindRecord(_ context.Context, namespace, sourceID, tenantID string) (*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byIdentity[identityKey{namespace, sourceID, tenantID}]
	if !ok {
		return nil, record.ErrRecordNotFound
	}
	return m.records[id].Clone(), nil
}

func (m *Memory) ListRecordsByStatus(_ context.Context, status record.Status, limit int) ([]*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*record.Record
	for _, id := range m.recOrder {
		rec := m.records[id]
		if rec.Status != status {
			continue
		}
		out = append(out, rec.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// transition applies fn to the record under the write lock after checking
// the status guard.
func (m *Memory) transition(id string, allowed []record.Status, next record.Status, fn func(*record.Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(id, allowed, next, fn)
}

func (m *Memory) transitionLocked(id string, allowed []record.Status, next record.Status, fn func(*record.Record)) error {
	rec, ok := m.records[id]
	if !ok {
		return record.ErrRecordNotFound
	}
	permitted := false
	for _, s := range allowed {
		if rec.Status == s {
			permitted = true
			break
		}
	}
	if !permitted {
		return &record.InvalidTransitionError{RecordID: id, From: rec.Status, To: next}
	}
	fn(rec)
	rec.Status = next
	return nil
}

func (m *Memory) MarkSubmitted(_ context.Context, id, chainRef string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return record.ErrRecordNotFound
	}
	// Batch members reach submitted only through the batch fan-out.
	if rec.BatchID != "" {
		return &record.ValidationError{
			Reason: "record " + id + " is claimed by batch " + rec.BatchID,
		}
	}
	return m.transitionLocked(id,
		[]record.Status{record.StatusPending, record.StatusSubmitted},
		record.StatusSubmitted,
		func(rec *record.Record) {
			rec.ChainReference = chainRef
			rec.SubmittedAt = &at
			rec.LastError = ""
		})
}

func (m *Memory) MarkConfirmed(_ context.Context, id string, height int64, at time.Time) error {
	return m.transition(id,
		[]record.Status{record.StatusSubmitted},
		record.StatusConfirmed,
		func(rec *record.Record) {
			rec.ConfirmationHeight = height
			rec.ConfirmedAt = &at
		})
}

func (m *Memory) MarkFailed(_ context.Context, id, reason string, at time.Time) error {
	return m.transition(id,
		[]record.Status{record.StatusPending, record.StatusSubmitted},
		record.StatusFailed,
		func(rec *record.Record) {
			rec.RetryCount++
			rec.LastError = reason
			rec.FailedAt = &at
		})
}

func (m *Memory) MarkRejected(_ context.Context, id, reason string) error {
	return m.transition(id,
		[]record.Status{record.StatusPending, record.StatusSubmitted, record.StatusFailed},
		record.StatusRejected,
		func(rec *record.Record) {
			rec.LastError = reason
		})
}

func (m *Memory) ResetForRetry(_ context.Context, id string) error {
	return m.transition(id,
		[]record.Status{record.StatusFailed},
		record.StatusPending,
		func(rec *record.Record) {
			rec.LastError = ""
			rec.ChainReference = ""
			rec.FailedAt = nil
			// Releases any batch claim so the record can join a new
			// batch after a batch-level failure.
			rec.BatchID = ""
		})
}

func (m *Memory) CreateBatch(_ context.Context, b *batch.Batch, memberIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Claim check before any mutation so a lost race leaves no half-claimed
	// members behind.
	for _, id := range memberIDs {
		rec, ok := m.records[id]
		if !ok {
			return record.ErrRecordNotFound
		}
		if rec.Status != record.StatusPending || rec.BatchID != "" {
			return &batch.ValidationError{
				Reason: "record " + id + " is no longer eligible (status " + string(rec.Status) + ")",
			}
		}
	}

	for _, id := range memberIDs {
		m.records[id].BatchID = b.ID
	}
	m.batches[b.ID] = b.Clone()
	m.batchMembers[b.ID] = append([]string(nil), memberIDs...)
	m.batchOrder = append(m.batchOrder, b.ID)
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id string) (*batch.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, batch.ErrBatchNotFound
	}
	return b.Clone(), nil
}

func (m *Memory) ListBatchesByStatus(_ context.Context, status record.Status, limit int) ([]*batch.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*batch.Batch
	for _, id := range m.batchOrder {
		b := m.batches[id]
		if b.Status != status {
			continue
		}
		out = append(out, b.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ListEligible(_ context.Context, limit int) ([]*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*record.Record
	for _, id := range m.recOrder {
		rec := m.records[id]
		if rec.Status != record.StatusPending || rec.BatchID != "" {
			continue
		}
		out = append(out, rec.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) BatchMembers(_ context.Context, id string) ([]*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	memberIDs, ok := m.batchMembers[id]
	if !ok {
		return nil, batch.ErrBatchNotFound
	}
	out := make([]*record.Record, 0, len(memberIDs))
	for _, rid := range memberIDs {
		out = append(out, m.records[rid].Clone())
	}
	return out, nil
}

// batchTransition applies the batch update and the member fan-out under one
// lock acquisition, so the two can never be observed half-applied.
func (m *Memory) batchTransition(id string, allowed []record.Status, next record.Status,
	fn func(*batch.Batch), memberAllowed []record.Status, memberFn func(*record.Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return batch.ErrBatchNotFound
	}
	permitted := false
	for _, s := range allowed {
		if b.Status == s {
			permitted = true
			break
		}
	}
	if !permitted {
		return &batch.ValidationError{
			Reason: "batch " + id + ": invalid transition " + string(b.Status) + " -> " + string(next),
		}
	}

	// Validate every member before mutating anything so the fan-out is
	// all-or-nothing even on an invariant breach.
	for _, rid := range m.batchMembers[id] {
		rec, ok := m.records[rid]
		if !ok {
			return record.ErrRecordNotFound
		}
		memberOK := false
		for _, s := range memberAllowed {
			if rec.Status == s {
				memberOK = true
				break
			}
		}
		if !memberOK {
			return &record.InvalidTransitionError{RecordID: rid, From: rec.Status, To: next}
		}
	}

	for _, rid := range m.batchMembers[id] {
		rec := m.records[rid]
		memberFn(rec)
		rec.Status = next
	}
	fn(b)
	b.Status = next
	return nil
}

func (m *Memory) MarkBatchSubmitted(_ context.Context, id, chainRef string, at time.Time) error {
	return m.batchTransition(id,
		[]record.Status{record.StatusPending}, record.StatusSubmitted,
		func(b *batch.Batch) {
			b.ChainReference = chainRef
			b.SubmittedAt = &at
		},
		[]record.Status{record.StatusPending},
		func(rec *record.Record) {
			rec.ChainReference = chainRef
			rec.SubmittedAt = &at
		})
}

func (m *Memory) MarkBatchConfirmed(_ context.Context, id string, height int64, at time.Time) error {
	return m.batchTransition(id,
		[]record.Status{record.StatusSubmitted}, record.StatusConfirmed,
		func(b *batch.Batch) {
			b.ConfirmationHeight = height
			b.ConfirmedAt = &at
		},
		[]record.Status{record.StatusSubmitted},
		func(rec *record.Record) {
			rec.ConfirmationHeight = height
			rec.ConfirmedAt = &at
		})
}

func (m *Memory) MarkBatchFailed(_ context.Context, id, reason string, at time.Time) error {
	return m.batchTransition(id,
		[]record.Status{record.StatusPending, record.StatusSubmitted}, record.StatusFailed,
		func(b *batch.Batch) {
			b.LastError = reason
			b.FailedAt = &at
		},
		[]record.Status{record.StatusPending, record.StatusSubmitted},
		func(rec *record.Record) {
			rec.RetryCount++
			rec.LastError = reason
			rec.FailedAt = &at
		})
}
