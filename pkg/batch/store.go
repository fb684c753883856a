package batch

import (
	"context"
	"time"

	"github.com/tidygen-community/anchor/pkg/record"
)

// Store is the persistence contract for batches. It extends the record
// store's transition-guard discipline with atomic member fan-out: a batch
// status change and every member record's matching change commit together
// or not at all. A batch must never leave half its members submitted and
// half pending.
type Store interface {
	// CreateBatch persists the batch and claims its members in one atomic
	// step: every member must still be pending and unclaimed at commit
	// time, and each is stamped with the batch id. Returns
	// ValidationError when any member lost the race to another batch.
	CreateBatch(ctx context.Context, b *Batch, memberIDs []string) error

	// GetBatch returns the batch by id.
	GetBatch(ctx context.Context, id string) (*Batch, error)

	// ListBatchesByStatus returns up to limit batches in the given
	// status, oldest first. A limit of 0 means no limit.
	ListBatchesByStatus(ctx context.Context, status record.Status, limit int) ([]*Batch, error)

	// ListEligible returns up to limit pending, unclaimed records,
	// oldest first. These are candidates for the next batch.
	ListEligible(ctx context.Context, limit int) ([]*record.Record, error)

	// MarkBatchSubmitted advances the batch and all members to submitted
	// with the batch's chain reference, atomically.
	MarkBatchSubmitted(ctx context.Context, id, chainRef string, at time.Time) error

	// MarkBatchConfirmed advances the batch and all members to confirmed
	// at the given height, atomically.
	MarkBatchConfirmed(ctx context.Context, id string, height int64, at time.Time) error

	// MarkBatchFailed marks the batch and all members failed with the
	// given reason, atomically. Member retry counts are incremented.
	MarkBatchFailed(ctx context.Context, id, reason string, at time.Time) error

	// BatchMembers returns the member records of the batch.
	BatchMembers(ctx context.Context, id string) ([]*record.Record, error)
}
