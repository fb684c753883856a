package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/tidygen-community/anchor/pkg/batch"
	"github.com/tidygen-community/anchor/pkg/record"
)

// Postgres implements record.Store and batch.Store over PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps the database handle and runs the schema migration.
func NewPostgres(db *sql.DB) (*Postgres, error) {
	s := &Postgres{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects with the given DSN and migrates the schema.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	return NewPostgres(db)
}

var _ record.Store = (*Postgres)(nil)
var _ batch.Store = (*Postgres)(nil)

func (s *Postgres) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		record_type TEXT NOT NULL,
		source_namespace TEXT NOT NULL,
		source_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		payload JSONB NOT NULL,
		digest TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		chain_reference TEXT NOT NULL DEFAULT '',
		confirmation_height BIGINT NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		batch_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		submitted_at TIMESTAMPTZ,
		confirmed_at TIMESTAMPTZ,
		failed_at TIMESTAMPTZ,
		UNIQUE (source_namespace, source_id, tenant_id)
	);
	CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
	CREATE INDEX IF NOT EXISTS idx_records_batch ON records(batch_id);

	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		batch_digest TEXT NOT NULL,
		root_digest TEXT NOT NULL,
		member_digests JSONB NOT NULL,
		status TEXT NOT NULL,
		chain_reference TEXT NOT NULL DEFAULT '',
		confirmation_height BIGINT NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		submitted_at TIMESTAMPTZ,
		confirmed_at TIMESTAMPTZ,
		failed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const pgRecordColumns = `id, record_type, source_namespace, source_id, tenant_id, payload,
	digest, status, chain_reference, confirmation_height, retry_count, last_error, batch_id,
	created_at, submitted_at, confirmed_at, failed_at`

// unique_violation
const pgUniqueViolation = "23505"

func isPGUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == pgUniqueViolation
	}
	return false
}

func (s *Postgres) CreateRecord(ctx context.Context, rec *record.Record) error {
	payloadJSON, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	query := `INSERT INTO records (` + pgRecordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.RecordType, rec.SourceNamespace, rec.SourceID, rec.TenantID,
		payloadJSON, rec.Digest, string(rec.Status), rec.ChainReference,
		rec.ConfirmationHeight, rec.RetryCount, rec.LastError, rec.BatchID,
		rec.CreatedAt.UTC(), rec.SubmittedAt, rec.ConfirmedAt, rec.FailedAt,
	)
	if isPGUniqueViolation(err) {
		return &record.DuplicateRecordError{
			SourceNamespace: rec.SourceNamespace,
			SourceID:        rec.SourceID,
			TenantID:        rec.TenantID,
		}
	}
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func scanPGRecord(row rowScanner) (*record.Record, error) {
	var rec record.Record
	var payloadJSON []byte
	var status string
	var submittedAt, confirmedAt, failedAt sql.NullTime

	err := row.Scan(
		&rec.ID, &rec.RecordType, &rec.SourceNamespace, &rec.SourceID, &rec.TenantID,
		&payloadJSON, &rec.Digest, &status, &rec.ChainReference,
		&rec.ConfirmationHeight, &rec.RetryCount, &rec.LastError, &rec.BatchID,
		&rec.CreatedAt, &submittedAt, &confirmedAt, &failedAt,
	)
	if err == sql.ErrNoRows {
		return nil, record.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Status = record.Status(status)
	if err := json.Unmarshal(payloadJSON, &rec.Payload); err != nil {
		return nil, fmt.Errorf("corrupt payload JSON in record %s: %w", rec.ID, err)
	}
	if submittedAt.Valid {
		rec.SubmittedAt = &submittedAt.Time
	}
	if confirmedAt.Valid {
		rec.ConfirmedAt = &confirmedAt.Time
	}
	if failedAt.Valid {
		rec.FailedAt = &failedAt.Time
	}
	return &rec, nil
}

func (s *Postgres) getRecordWhere(ctx context.Context, where string, args ...any) (*record.Record, error) {
	query := `SELECT ` + pgRecordColumns + ` FROM records WHERE ` + where
	return scanPGRecord(s.db.QueryRowContext(ctx, query, args...))
}

func (s *Postgres) GetRecord(ctx context.Context, id string) (*record.Record, error) {
	return s.getRecordWhere(ctx, "id = $1", id)
}

func (s *Postgres) GetRecordByDigest(ctx context.Context, digest string) (*record.Record, error) {
	return s.getRecordWhere(ctx, "digest = $1", digest)
}

func (s *Postgres) FindRecord(ctx context.Context, namespace, sourceID, tenantID string) (*record.Record, error) {
	return s.getRecordWhere(ctx,
		"source_namespace = $1 AND source_id = $2 AND tenant_id = $3",
		namespace, sourceID, tenantID)
}

func (s *Postgres) listRecords(ctx context.Context, where string, limit int, args ...any) ([]*record.Record, error) {
	query := `SELECT ` + pgRecordColumns + ` FROM records WHERE ` + where +
		` ORDER BY created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*record.Record
	for rows.Next() {
		rec, err := scanPGRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Postgres) ListRecordsByStatus(ctx context.Context, status record.Status, limit int) ([]*record.Record, error) {
	return s.listRecords(ctx, "status = $1", limit, string(status))
}

func pgStatusList(allowed []record.Status) string {
	quoted := make([]string, len(allowed))
	for i, st := range allowed {
		quoted[i] = "'" + string(st) + "'"
	}
	return strings.Join(quoted, ", ")
}

func (s *Postgres) guardedUpdate(ctx context.Context, id string, next record.Status, set string, allowed []record.Status, args ...any) error {
	args = append([]any{string(next)}, args...)
	args = append(args, id)

	// Status values come from the fixed enum above, never from input, so
	// interpolating the guard list is safe.
	query := fmt.Sprintf(`UPDATE records SET status = $1, %s WHERE status IN (%s) AND id = $%d`,
		set, pgStatusList(allowed), len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		rec, err := s.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		return &record.InvalidTransitionError{RecordID: id, From: rec.Status, To: next}
	}
	return nil
}

// MarkSubmitted additionally requires an empty batch_id: batch members reach
// submitted only through the batch fan-out, never individually.
func (s *Postgres) MarkSubmitted(ctx context.Context, id, chainRef string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE records
		SET status = 'submitted', chain_reference = $1, submitted_at = $2, last_error = ''
		WHERE id = $3 AND status IN ('pending', 'submitted') AND batch_id = ''`,
		chainRef, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		rec, err := s.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if rec.BatchID != "" {
			return &record.ValidationError{
				Reason: "record " + id + " is claimed by batch " + rec.BatchID,
			}
		}
		return &record.InvalidTransitionError{RecordID: id, From: rec.Status, To: record.StatusSubmitted}
	}
	return nil
}

func (s *Postgres) MarkConfirmed(ctx context.Context, id string, height int64, at time.Time) error {
	return s.guardedUpdate(ctx, id, record.StatusConfirmed,
		`confirmation_height = $2, confirmed_at = $3`,
		[]record.Status{record.StatusSubmitted},
		height, at.UTC())
}

func (s *Postgres) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	return s.guardedUpdate(ctx, id, record.StatusFailed,
		`retry_count = retry_count + 1, last_error = $2, failed_at = $3`,
		[]record.Status{record.StatusPending, record.StatusSubmitted},
		reason, at.UTC())
}

func (s *Postgres) MarkRejected(ctx context.Context, id, reason string) error {
	return s.guardedUpdate(ctx, id, record.StatusRejected,
		`last_error = $2`,
		[]record.Status{record.StatusPending, record.StatusSubmitted, record.StatusFailed},
		reason)
}

func (s *Postgres) ResetForRetry(ctx context.Context, id string) error {
	return s.guardedUpdate(ctx, id, record.StatusPending,
		`last_error = '', chain_reference = '', failed_at = NULL, batch_id = ''`,
		[]record.Status{record.StatusFailed})
}

func (s *Postgres) CreateBatch(ctx context.Context, b *batch.Batch, memberIDs []string) error {
	membersJSON, err := json.Marshal(b.MemberDigests)
	if err != nil {
		return fmt.Errorf("failed to encode member digests: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO batches (
		id, batch_digest, root_digest, member_digests, status, chain_reference,
		confirmation_height, last_error, created_at, submitted_at, confirmed_at, failed_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID, b.BatchDigest, b.RootDigest, membersJSON, string(b.Status),
		b.ChainReference, b.ConfirmationHeight, b.LastError,
		b.CreatedAt.UTC(), b.SubmittedAt, b.ConfirmedAt, b.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	// Claim members with a single statement; a shortfall in the affected
	// row count means a member lost the race and the batch rolls back.
	res, err := tx.ExecContext(ctx,
		`UPDATE records SET batch_id = $1
		 WHERE id = ANY($2) AND status = 'pending' AND batch_id = ''`,
		b.ID, pq.Array(memberIDs))
	if err != nil {
		return fmt.Errorf("failed to claim batch members: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if int(n) != len(memberIDs) {
		return &batch.ValidationError{
			Reason: fmt.Sprintf("claimed %d of %d selected records", n, len(memberIDs)),
		}
	}

	return tx.Commit()
}

const pgBatchColumns = `id, batch_digest, root_digest, member_digests, status, chain_reference,
	confirmation_height, last_error, created_at, submitted_at, confirmed_at, failed_at`

func scanPGBatch(row rowScanner) (*batch.Batch, error) {
	var b batch.Batch
	var membersJSON []byte
	var status string
	var submittedAt, confirmedAt, failedAt sql.NullTime

	err := row.Scan(
		&b.ID, &b.BatchDigest, &b.RootDigest, &membersJSON, &status, &b.ChainReference,
		&b.ConfirmationHeight, &b.LastError, &b.CreatedAt, &submittedAt, &confirmedAt, &failedAt,
	)
	if err == sql.ErrNoRows {
		return nil, batch.ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}

	b.Status = record.Status(status)
	if err := json.Unmarshal(membersJSON, &b.MemberDigests); err != nil {
		return nil, fmt.Errorf("corrupt member digests in batch %s: %w", b.ID, err)
	}
	if submittedAt.Valid {
		b.SubmittedAt = &submittedAt.Time
	}
	if confirmedAt.Valid {
		b.ConfirmedAt = &confirmedAt.Time
	}
	if failedAt.Valid {
		b.FailedAt = &failedAt.Time
	}
	return &b, nil
}

func (s *Postgres) GetBatch(ctx context.Context, id string) (*batch.Batch, error) {
	query := `SELECT ` + pgBatchColumns + ` FROM batches WHERE id = $1`
	return scanPGBatch(s.db.QueryRowContext(ctx, query, id))
}

func (s *Postgres) ListBatchesByStatus(ctx context.Context, status record.Status, limit int) ([]*batch.Batch, error) {
	query := `SELECT ` + pgBatchColumns + ` FROM batches WHERE status = $1 ORDER BY created_at ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*batch.Batch
	for rows.Next() {
		b, err := scanPGBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Postgres) ListEligible(ctx context.Context, limit int) ([]*record.Record, error) {
	return s.listRecords(ctx, "status = 'pending' AND batch_id = ''", limit)
}

func (s *Postgres) BatchMembers(ctx context.Context, id string) ([]*record.Record, error) {
	if _, err := s.GetBatch(ctx, id); err != nil {
		return nil, err
	}
	return s.listRecords(ctx, "batch_id = $1", 0, id)
}

func (s *Postgres) fanOut(ctx context.Context, id string, batchAllowed []record.Status,
	batchSet string, batchArgs []any, memberAllowed []record.Status, memberSet string, memberArgs []any) error {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	args := append([]any{}, batchArgs...)
	args = append(args, id)
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE batches SET %s WHERE status IN (%s) AND id = $%d`,
			batchSet, pgStatusList(batchAllowed), len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("failed to update batch %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		b, err := s.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		return &batch.ValidationError{
			Reason: "batch " + id + " is " + string(b.Status) + ", transition refused",
		}
	}

	var memberCount int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE batch_id = $1`, id).Scan(&memberCount); err != nil {
		return err
	}

	mArgs := append([]any{}, memberArgs...)
	mArgs = append(mArgs, id)
	res, err = tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE records SET %s WHERE status IN (%s) AND batch_id = $%d`,
			memberSet, pgStatusList(memberAllowed), len(mArgs)),
		mArgs...)
	if err != nil {
		return fmt.Errorf("failed to fan out to members of batch %s: %w", id, err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return err
	}
	if int(n) != memberCount {
		return fmt.Errorf("batch %s fan-out touched %d of %d members, rolled back", id, n, memberCount)
	}

	return tx.Commit()
}

func (s *Postgres) MarkBatchSubmitted(ctx context.Context, id, chainRef string, at time.Time) error {
	return s.fanOut(ctx, id,
		[]record.Status{record.StatusPending},
		`status = 'submitted', chain_reference = $1, submitted_at = $2`,
		[]any{chainRef, at.UTC()},
		[]record.Status{record.StatusPending},
		`status = 'submitted', chain_reference = $1, submitted_at = $2`,
		[]any{chainRef, at.UTC()})
}

func (s *Postgres) MarkBatchConfirmed(ctx context.Context, id string, height int64, at time.Time) error {
	return s.fanOut(ctx, id,
		[]record.Status{record.StatusSubmitted},
		`status = 'confirmed', confirmation_height = $1, confirmed_at = $2`,
		[]any{height, at.UTC()},
		[]record.Status{record.StatusSubmitted},
		`status = 'confirmed', confirmation_height = $1, confirmed_at = $2`,
		[]any{height, at.UTC()})
}

func (s *Postgres) MarkBatchFailed(ctx context.Context, id, reason string, at time.Time) error {
	return s.fanOut(ctx, id,
		[]record.Status{record.StatusPending, record.StatusSubmitted},
		`status = 'failed', last_error = $1, failed_at = $2`,
		[]any{reason, at.UTC()},
		[]record.Status{record.StatusPending, record.StatusSubmitted},
		`status = 'failed', retry_count = retry_count + 1, last_error = $1, failed_at = $2`,
		[]any{reason, at.UTC()})
}
