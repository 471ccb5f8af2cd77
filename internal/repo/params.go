package repo

import (
	"context"
	"fmt"

	"codetop/internal/domain"
)

// ParamsRepo persists per-user weight sets. At most one active row per
// user, enforced by a partial unique index.
type ParamsRepo struct {
	db *DB
}

// NewParamsRepo creates a parameters repository.
func NewParamsRepo(db *DB) *ParamsRepo {
	return &ParamsRepo{db: db}
}

const activeParamsSQL = `
SELECT id, user_id, weights, request_retention, maximum_interval, is_active,
	training_count, optimized_at, performance_improvement, created_at
FROM user_parameters
WHERE user_id = $1 AND is_active`

const deactivateParamsSQL = `
UPDATE user_parameters SET is_active = FALSE
WHERE user_id = $1 AND is_active`

const insertParamsSQL = `
INSERT INTO user_parameters (user_id, weights, request_retention,
	maximum_interval, is_active, training_count, optimized_at,
	performance_improvement)
VALUES ($1, $2, $3, $4, TRUE, $5, $6, $7)
RETURNING id, created_at`

// ActiveByUser returns the user's active row, or domain.ErrNotFound.
func (r *ParamsRepo) ActiveByUser(ctx context.Context, userID int64) (domain.UserParameters, error) {
	q := querierFromCtx(ctx, r.db.pool)

	var (
		p       domain.UserParameters
		weights []float64
	)
	err := q.QueryRow(ctx, activeParamsSQL, userID).Scan(&p.ID, &p.UserID,
		&weights, &p.RequestRetention, &p.MaximumInterval, &p.IsActive,
		&p.TrainingCount, &p.OptimizedAt, &p.PerformanceImprovement, &p.CreatedAt)
	if err != nil {
		return domain.UserParameters{}, mapError(err, "user_parameters", userID)
	}
	if len(weights) != domain.WeightCount {
		return domain.UserParameters{}, fmt.Errorf("user_parameters %d: stored %d weights", userID, len(weights))
	}
	copy(p.W[:], weights)
	return p, nil
}

// Activate deactivates the previous active row and inserts p as the new
// active one, atomically.
func (r *ParamsRepo) Activate(ctx context.Context, p domain.UserParameters) (domain.UserParameters, error) {
	saved := p
	saved.IsActive = true
	err := r.db.WithinTx(ctx, func(ctx context.Context) error {
		q := querierFromCtx(ctx, r.db.pool)
		if _, err := q.Exec(ctx, deactivateParamsSQL, p.UserID); err != nil {
			return mapError(err, "user_parameters", p.UserID)
		}
		err := q.QueryRow(ctx, insertParamsSQL, p.UserID, p.W[:],
			p.RequestRetention, p.MaximumInterval, p.TrainingCount,
			p.OptimizedAt, p.PerformanceImprovement).Scan(&saved.ID, &saved.CreatedAt)
		if err != nil {
			return mapError(err, "user_parameters", p.UserID)
		}
		return nil
	})
	if err != nil {
		return domain.UserParameters{}, err
	}
	return saved, nil
}
