package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tidygen-community/anchor/pkg/batch"
	"github.com/tidygen-community/anchor/pkg/record"
)

// SQLite implements record.Store and batch.Store over a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps the database handle and runs the schema migration.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite handles one writer at a time; a larger pool just trades
	// lock errors for queueing.
	db.SetMaxOpenConns(1)
	return NewSQLite(db)
}

var _ record.Store = (*SQLite)(nil)
var _ batch.Store = (*SQLite)(nil)

func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		record_type TEXT NOT NULL,
		source_namespace TEXT NOT NULL,
		source_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		payload JSON NOT NULL,
		digest TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		chain_reference TEXT NOT NULL DEFAULT '',
		confirmation_height INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		batch_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		submitted_at TEXT,
		confirmed_at TEXT,
		failed_at TEXT,
		UNIQUE (source_namespace, source_id, tenant_id)
	);
	CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
	CREATE INDEX IF NOT EXISTS idx_records_batch ON records(batch_id);

	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		batch_digest TEXT NOT NULL,
		root_digest TEXT NOT NULL,
		member_digests JSON NOT NULL,
		status TEXT NOT NULL,
		chain_reference TEXT NOT NULL DEFAULT '',
		confirmation_height INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		submitted_at TEXT,
		confirmed_at TEXT,
		failed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const sqliteRecordColumns = `id, record_type, source_namespace, source_id, tenant_id, payload,
	digest, status, chain_reference, confirmation_height, retry_count, last_error, batch_id,
	created_at, submitted_at, confirmed_at, failed_at`

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// Fixed-width fraction so lexicographic TEXT ordering matches chronological
// ordering; RFC3339Nano trims trailing zeros and breaks that.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLite) CreateRecord(ctx context.Context, rec *record.Record) error {
	payloadJSON, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	query := `INSERT INTO records (` + sqliteRecordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.RecordType, rec.SourceNamespace, rec.SourceID, rec.TenantID,
		string(payloadJSON), rec.Digest, string(rec.Status), rec.ChainReference,
		rec.ConfirmationHeight, rec.RetryCount, rec.LastError, rec.BatchID,
		formatTime(rec.CreatedAt), formatTimePtr(rec.SubmittedAt),
		formatTimePtr(rec.ConfirmedAt), formatTimePtr(rec.FailedAt),
	)
	if isSQLiteUniqueViolation(err) {
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*record.Record, error) {
	var rec record.Record
	var payloadJSON, status, createdAt string
	var submittedAt, confirmedAt, failedAt sql.NullString

	err := row.Scan(
		&rec.ID, &rec.RecordType, &rec.SourceNamespace, &rec.SourceID, &rec.TenantID,
		&payloadJSON, &rec.Digest, &status, &rec.ChainReference,
		&rec.ConfirmationHeight, &rec.RetryCount, &rec.LastError, &rec.BatchID,
		&createdAt, &submittedAt, &confirmedAt, &failedAt,
	)
	if err == sql.ErrNoRows {
		return nil, record.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Status = record.Status(status)
	if err := json.Unmarshal([]byte(payloadJSON), &rec.Payload); err != nil {
		return nil, fmt.Errorf("corrupt payload JSON in record %s: %w", rec.ID, err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at in record %s: %w", rec.ID, err)
	}
	if rec.SubmittedAt, err = parseTimePtr(submittedAt); err != nil {
		return nil, err
	}
	if rec.ConfirmedAt, err = parseTimePtr(confirmedAt); err != nil {
		return nil, err
	}
	if rec.FailedAt, err = parseTimePtr(failedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLite) getRecordWhere(ctx context.Context, where string, args ...any) (*record.Record, error) {
	query := `SELECT ` + sqliteRecordColumns + ` FROM records WHERE ` + where
	return scanSQLiteRecord(s.db.QueryRowContext(ctx, query, args...))
}

func (s *SQLite) GetRecord(ctx context.Context, id string) (*record.Record, error) {
	return s.getRecordWhere(ctx, "id = ?", id)
}

func (s *SQLite) GetRecordByDigest(ctx context.Context, digest string) (*record.Record, error) {
	return s.getRecordWhere(ctx, "digest = ?", digest)
}

func (s *SQLite) FindRecord(ctx context.Context, namespace, sourceID, tenantID string) (*record.Record, error) {
	return s.getRecordWhere(ctx,
		"source_namespace = ? AND source_id = ? AND tenant_id = ?",
		namespace, sourceID, tenantID)
}

func (s *SQLite) listRecords(ctx context.Context, where string, limit int, args ...any) ([]*record.Record, error) {
	query := `SELECT ` + sqliteRecordColumns + ` FROM records WHERE ` + where +
		` ORDER BY created_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*record.Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) ListRecordsByStatus(ctx context.Context, status record.Status, limit int) ([]*record.Record, error) {
	return s.listRecords(ctx, "status = ?", limit, string(status))
}

// guardedUpdate runs an UPDATE restricted to the allowed statuses. When no
// row changed it distinguishes a missing record from a disallowed edge.
func (s *SQLite) guardedUpdate(ctx context.Context, id string, next record.Status, set string, allowed []record.Status, args ...any) error {
	placeholders := make([]string, len(allowed))
	for i, st := range allowed {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append([]any{string(next)}, args...)
	args = append(args, id)

	query := `UPDATE records SET status = ?, ` + set +
		` WHERE status IN (` + strings.Join(placeholders, ", ") + `) AND id = ?`
	// The status guard lives in the WHERE clause so the check and the
	// update are one statement; concurrent workers cannot interleave.
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
func (s *SQLite) MarkSubmitted(ctx context.Context, id, chainRef string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE records
		SET status = 'submitted', chain_reference = ?, submitted_at = ?, last_error = ''
		WHERE id = ? AND status IN ('pending', 'submitted') AND batch_id = ''`,
		chainRef, formatTime(at), id)
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

func (s *SQLite) MarkConfirmed(ctx context.Context, id string, height int64, at time.Time) error {
	return s.guardedUpdate(ctx, id, record.StatusConfirmed,
		`confirmation_height = ?, confirmed_at = ?`,
		[]record.Status{record.StatusSubmitted},
		height, formatTime(at))
}

func (s *SQLite) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	return s.guardedUpdate(ctx, id, record.StatusFailed,
		`retry_count = retry_count + 1, last_error = ?, failed_at = ?`,
		[]record.Status{record.StatusPending, record.StatusSubmitted},
		reason, formatTime(at))
}

func (s *SQLite) MarkRejected(ctx context.Context, id, reason string) error {
	return s.guardedUpdate(ctx, id, record.StatusRejected,
		`last_error = ?`,
		[]record.Status{record.StatusPending, record.StatusSubmitted, record.StatusFailed},
		reason)
}

func (s *SQLite) ResetForRetry(ctx context.Context, id string) error {
	// Clearing batch_id releases the claim so the record can join a new
	// batch after a batch-level failure.
	return s.guardedUpdate(ctx, id, record.StatusPending,
		`last_error = '', chain_reference = '', failed_at = NULL, batch_id = ''`,
		[]record.Status{record.StatusFailed})
}

func (s *SQLite) CreateBatch(ctx context.Context, b *batch.Batch, memberIDs []string) error {
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
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.BatchDigest, b.RootDigest, string(membersJSON), string(b.Status),
		b.ChainReference, b.ConfirmationHeight, b.LastError,
		formatTime(b.CreatedAt), formatTimePtr(b.SubmittedAt),
		formatTimePtr(b.ConfirmedAt), formatTimePtr(b.FailedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	// The claim: every member must still be pending and unclaimed inside
	// this transaction, else the whole batch loses the race.
	for _, id := range memberIDs {
		res, err := tx.ExecContext(ctx,
			`UPDATE records SET batch_id = ? WHERE id = ? AND status = 'pending' AND batch_id = ''`,
			b.ID, id)
		if err != nil {
			return fmt.Errorf("failed to claim record %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &batch.ValidationError{
				Reason: "record " + id + " is no longer eligible",
			}
		}
	}

	return tx.Commit()
}

const sqliteBatchColumns = `id, batch_digest, root_digest, member_digests, status, chain_reference,
	confirmation_height, last_error, created_at, submitted_at, confirmed_at, failed_at`

func scanSQLiteBatch(row rowScanner) (*batch.Batch, error) {
	var b batch.Batch
	var membersJSON, status, createdAt string
	var submittedAt, confirmedAt, failedAt sql.NullString

	err := row.Scan(
		&b.ID, &b.BatchDigest, &b.RootDigest, &membersJSON, &status, &b.ChainReference,
		&b.ConfirmationHeight, &b.LastError, &createdAt, &submittedAt, &confirmedAt, &failedAt,
	)
	if err == sql.ErrNoRows {
		return nil, batch.ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}

	b.Status = record.Status(status)
	if err := json.Unmarshal([]byte(membersJSON), &b.MemberDigests); err != nil {
		return nil, fmt.Errorf("corrupt member digests in batch %s: %w", b.ID, err)
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at in batch %s: %w", b.ID, err)
	}
	if b.SubmittedAt, err = parseTimePtr(submittedAt); err != nil {
		return nil, err
	}
	if b.ConfirmedAt, err = parseTimePtr(confirmedAt); err != nil {
		return nil, err
	}
	if b.FailedAt, err = parseTimePtr(failedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SQLite) GetBatch(ctx context.Context, id string) (*batch.Batch, error) {
	query := `SELECT ` + sqliteBatchColumns + ` FROM batches WHERE id = ?`
	return scanSQLiteBatch(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLite) ListBatchesByStatus(ctx context.Context, status record.Status, limit int) ([]*batch.Batch, error) {
	query := `SELECT ` + sqliteBatchColumns + ` FROM batches WHERE status = ? ORDER BY created_at ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*batch.Batch
	for rows.Next() {
		b, err := scanSQLiteBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLite) ListEligible(ctx context.Context, limit int) ([]*record.Record, error) {
	return s.listRecords(ctx, "status = 'pending' AND batch_id = ''", limit)
}

func (s *SQLite) BatchMembers(ctx context.Context, id string) ([]*record.Record, error) {
	if _, err := s.GetBatch(ctx, id); err != nil {
		return nil, err
	}
	return s.listRecords(ctx, "batch_id = ?", 0, id)
}

// fanOut applies a guarded batch update and the matching member update in
// one transaction. The member update must touch exactly the full member
// count or the transaction rolls back; half-applied fan-out never commits.
func (s *SQLite) fanOut(ctx context.Context, id string, batchAllowed []record.Status,
	batchSet string, batchArgs []any, memberAllowed []record.Status, memberSet string, memberArgs []any) error {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	guard := make([]string, len(batchAllowed))
	args := append([]any{}, batchArgs...)
	for i, st := range batchAllowed {
		guard[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, id)

	res, err := tx.ExecContext(ctx,
		`UPDATE batches SET `+batchSet+` WHERE status IN (`+strings.Join(guard, ", ")+`) AND id = ?`,
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
		`SELECT COUNT(*) FROM records WHERE batch_id = ?`, id).Scan(&memberCount); err != nil {
		return err
	}

	mGuard := make([]string, len(memberAllowed))
	mArgs := append([]any{}, memberArgs...)
	for i, st := range memberAllowed {
		mGuard[i] = "?"
		mArgs = append(mArgs, string(st))
	}
	mArgs = append(mArgs, id)

	res, err = tx.ExecContext(ctx,
		`UPDATE records SET `+memberSet+` WHERE status IN (`+strings.Join(mGuard, ", ")+`) AND batch_id = ?`,
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

func (s *SQLite) MarkBatchSubmitted(ctx context.Context, id, chainRef string, at time.Time) error {
	ts := formatTime(at)
	return s.fanOut(ctx, id,
		[]record.Status{record.StatusPending},
		`status = 'submitted', chain_reference = ?, submitted_at = ?`,
		[]any{chainRef, ts},
		[]record.Status{record.StatusPending},
		`status = 'submitted', chain_reference = ?, submitted_at = ?`,
		[]any{chainRef, ts})
}

func (s *SQLite) MarkBatchConfirmed(ctx context.Context, id string, height int64, at time.Time) error {
	ts := formatTime(at)
	return s.fanOut(ctx, id,
		[]record.Status{record.StatusSubmitted},
		`status = 'confirmed', confirmation_height = ?, confirmed_at = ?`,
		[]any{height, ts},
		[]record.Status{record.StatusSubmitted},
		`status = 'confirmed', confirmation_height = ?, confirmed_at = ?`,
		[]any{height, ts})
}

func (s *SQLite) MarkBatchFailed(ctx context.Context, id, reason string, at time.Time) error {
	ts := formatTime(at)
	return s.fanOut(ctx, id,
		[]record.Status{record.StatusPending, record.StatusSubmitted},
		`status = 'failed', last_error = ?, failed_at = ?`,
		[]any{reason, ts},
		[]record.Status{record.StatusPending, record.StatusSubmitted},
		`status = 'failed', retry_count = retry_count + 1, last_error = ?, failed_at = ?`,
		[]any{reason, ts})
}
