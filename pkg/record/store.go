package record

import (
	"context"
	"time"
)

// Store is the persistence contract for records. Implementations must
// enforce two uniqueness constraints at the storage boundary: the digest,
// and the (source_namespace, source_id, tenant_id) tuple. The Mark* methods
// perform guarded transitions: they must verify the current status allows
// the edge atomically with the update, returning InvalidTransitionError
// when it does not, so concurrent workers cannot race a record into an
// illegal state.
type Store interface {
	// CreateRecord persists a new record. Returns DuplicateRecordError
	// when the identity tuple or digest already exists.
	CreateRecord(ctx context.Context, rec *Record) error

	// GetRecord returns the record by internal id.
	GetRecord(ctx context.Context, id string) (*Record, error)

	// GetRecordByDigest returns the record carrying the given digest.
	GetRecordByDigest(ctx context.Context, digest string) (*Record, error)

	// FindRecord looks a record up by its identity tuple.
	FindRecord(ctx context.Context, sourceNamespace, sourceID, tenantID string) (*Record, error)

	// ListRecordsByStatus returns up to limit records in the given status,
	// oldest first. A limit of 0 means no limit.
	ListRecordsByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)

	// MarkSubmitted transitions pending (or, for forced re-submission,
	// submitted) to submitted and stores the chain reference.
	MarkSubmitted(ctx context.Context, id, chainRef string, at time.Time) error

	// MarkConfirmed transitions submitted to confirmed and records the
	// confirmation height.
	MarkConfirmed(ctx context.Context, id string, height int64, at time.Time) error

	// MarkFailed transitions pending or submitted to failed, increments
	// the retry count, and stores the error description.
	MarkFailed(ctx context.Context, id, reason string, at time.Time) error

	// MarkRejected forces a non-terminal record into the rejected state.
	MarkRejected(ctx context.Context, id, reason string) error

	// ResetForRetry transitions failed back to pending, clearing the
	// stored error and chain reference. The retry count is preserved.
	ResetForRetry(ctx context.Context, id string) error
}
