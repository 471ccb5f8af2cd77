package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"codetop/internal/domain"
)

// IdempotencyRepo persists write-dedup records.
type IdempotencyRepo struct {
	pool *pgxpool.Pool
}

// NewIdempotencyRepo creates an idempotency repository.
func NewIdempotencyRepo(db *DB) *IdempotencyRepo {
	return &IdempotencyRepo{pool: db.pool}
}

const idempotencyColumns = `id, request_id, user_id, operation, status,
	response, created_at, updated_at`

const claimIdempotencySQL = `
INSERT INTO idempotency_records (request_id, user_id, operation, status, created_at, updated_at)
VALUES ($1, $2, $3, 'IN_PROGRESS', $4, $4)
ON CONFLICT (request_id, user_id, operation) DO NOTHING
RETURNING ` + idempotencyColumns

const getIdempotencySQL = `
SELECT ` + idempotencyColumns + `
FROM idempotency_records
WHERE request_id = $1 AND user_id = $2 AND operation = $3`

const completeIdempotencySQL = `
UPDATE idempotency_records
SET status = 'COMPLETED', response = $2, updated_at = $3
WHERE id = $1`

const failIdempotencySQL = `
UPDATE idempotency_records
SET status = 'FAILED', response = $2, updated_at = $3
WHERE id = $1`

const takeOverIdempotencySQL = `
UPDATE idempotency_records
SET status = 'IN_PROGRESS', updated_at = $2
WHERE id = $1
  AND (status = 'FAILED' OR (status = 'IN_PROGRESS' AND updated_at < $3))`

const purgeIdempotencySQL = `
DELETE FROM idempotency_records
WHERE created_at < $1`

// Claim tries to insert an IN_PROGRESS record for the key. When the key
// already exists, claimed is false and the existing record is returned.
func (r *IdempotencyRepo) Claim(ctx context.Context, requestID string, userID int64, operation string, now time.Time) (bool, domain.IdempotencyRecord, error) {
	q := querierFromCtx(ctx, r.pool)

	rec, err := scanIdempotency(q.QueryRow(ctx, claimIdempotencySQL, requestID, userID, operation, now))
	if err == nil {
		return true, rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, domain.IdempotencyRecord{}, mapError(err, "idempotency_record", requestID)
	}

	existing, err := scanIdempotency(q.QueryRow(ctx, getIdempotencySQL, requestID, userID, operation))
	if err != nil {
		return false, domain.IdempotencyRecord{}, mapError(err, "idempotency_record", requestID)
	}
	return false, existing, nil
}

// Complete marks the record done and stores the response for replay.
func (r *IdempotencyRepo) Complete(ctx context.Context, id int64, response []byte, now time.Time) error {
	q := querierFromCtx(ctx, r.pool)
	if _, err := q.Exec(ctx, completeIdempotencySQL, id, response, now); err != nil {
		return mapError(err, "idempotency_record", id)
	}
	return nil
}

// Fail marks the record failed, keeping the error class for diagnostics,
// so a later attempt may take it over.
func (r *IdempotencyRepo) Fail(ctx context.Context, id int64, errorClass []byte, now time.Time) error {
	q := querierFromCtx(ctx, r.pool)
	if _, err := q.Exec(ctx, failIdempotencySQL, id, errorClass, now); err != nil {
		return mapError(err, "idempotency_record", id)
	}
	return nil
}

// TakeOver re-claims a failed or stale in-progress record. Returns false
// when the record moved on in the meantime.
func (r *IdempotencyRepo) TakeOver(ctx context.Context, id int64, now, staleBefore time.Time) (bool, error) {
	q := querierFromCtx(ctx, r.pool)
	tag, err := q.Exec(ctx, takeOverIdempotencySQL, id, now, staleBefore)
	if err != nil {
		return false, mapError(err, "idempotency_record", id)
	}
	return tag.RowsAffected() > 0, nil
}

// PurgeOlderThan deletes records created before cutoff and reports how
// many were removed.
func (r *IdempotencyRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	q := querierFromCtx(ctx, r.pool)
	tag, err := q.Exec(ctx, purgeIdempotencySQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanIdempotency(row pgx.Row) (domain.IdempotencyRecord, error) {
	var (
		rec    domain.IdempotencyRecord
		status string
	)
	err := row.Scan(&rec.ID, &rec.RequestID, &rec.UserID, &rec.Operation,
		&status, &rec.Response, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	rec.Status = domain.IdempotencyStatus(status)
	return rec, nil
}
