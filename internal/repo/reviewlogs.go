package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"codetop/internal/domain"
)

// ReviewLogRepo persists the append-only review history.
type ReviewLogRepo struct {
	pool *pgxpool.Pool
}

// NewReviewLogRepo creates a review log repository.
func NewReviewLogRepo(db *DB) *ReviewLogRepo {
	return &ReviewLogRepo{pool: db.pool}
}

const reviewLogColumns = `id, user_id, problem_id, card_id, rating,
	elapsed_days, review_type, old_state, new_state, old_stability,
	new_stability, old_difficulty, new_difficulty, response_time_ms,
	reviewed_at`

const appendReviewLogSQL = `
INSERT INTO review_logs (` + reviewLogColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

const countSinceSQL = `
SELECT count(*)
FROM review_logs
WHERE user_id = $1 AND reviewed_at >= $2`

const successRateSQL = `
SELECT count(*) FILTER (WHERE rating >= 3), count(*)
FROM review_logs
WHERE user_id = $1 AND reviewed_at >= $2`

const listForTrainingSQL = `
SELECT ` + reviewLogColumns + ` FROM (
	SELECT ` + reviewLogColumns + `
	FROM review_logs
	WHERE user_id = $1
	ORDER BY reviewed_at DESC
	LIMIT $2
) recent
ORDER BY reviewed_at`

const listRecentSQL = `
SELECT ` + reviewLogColumns + `
FROM review_logs
WHERE user_id = $1
ORDER BY reviewed_at DESC
LIMIT $2`

const optimizationCandidatesSQL = `
SELECT rl.user_id
FROM review_logs rl
LEFT JOIN user_parameters up ON up.user_id = rl.user_id AND up.is_active
WHERE up.optimized_at IS NULL OR rl.reviewed_at > up.optimized_at
GROUP BY rl.user_id
HAVING count(*) >= $1
ORDER BY count(*) DESC
LIMIT $2`

const accuracyByCardSQL = `
SELECT card_id,
       count(*) FILTER (WHERE rating >= 3)::float / count(*)
FROM review_logs
WHERE user_id = $1 AND reviewed_at >= $2
GROUP BY card_id`

// Append inserts one review log row.
func (r *ReviewLogRepo) Append(ctx context.Context, log domain.ReviewLog) error {
	q := querierFromCtx(ctx, r.pool)
	_, err := q.Exec(ctx, appendReviewLogSQL,
		log.ID, log.UserID, log.ProblemID, log.CardID, int(log.Rating),
		log.ElapsedDays, log.ReviewType, log.OldState, log.NewState,
		log.OldStability, log.NewStability, log.OldDifficulty,
		log.NewDifficulty, log.ResponseTimeMs, log.ReviewedAt)
	if err != nil {
		return mapError(err, "review_log", log.ID)
	}
	return nil
}

// CountSince counts a user's reviews at or after since.
func (r *ReviewLogRepo) CountSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	q := querierFromCtx(ctx, r.pool)
	var n int
	if err := q.QueryRow(ctx, countSinceSQL, userID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count reviews: %w", err)
	}
	return n, nil
}

// SuccessRate returns the grade>=3 share of reviews since the given time.
func (r *ReviewLogRepo) SuccessRate(ctx context.Context, userID int64, since time.Time) (float64, int, error) {
	q := querierFromCtx(ctx, r.pool)
	var ok, total int
	if err := q.QueryRow(ctx, successRateSQL, userID, since).Scan(&ok, &total); err != nil {
		return 0, 0, fmt.Errorf("success rate: %w", err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(ok) / float64(total), total, nil
}

// ListForTraining returns the most recent limit logs in chronological
// order, ready for replay.
func (r *ReviewLogRepo) ListForTraining(ctx context.Context, userID int64, limit int) ([]domain.ReviewLog, error) {
	return r.list(ctx, listForTrainingSQL, userID, limit)
}

// ListRecent returns the newest logs first.
func (r *ReviewLogRepo) ListRecent(ctx context.Context, userID int64, limit int) ([]domain.ReviewLog, error) {
	return r.list(ctx, listRecentSQL, userID, limit)
}

// ListOptimizationCandidates returns users whose review count since their
// active optimization crosses minNewReviews, busiest first.
func (r *ReviewLogRepo) ListOptimizationCandidates(ctx context.Context, minNewReviews, limit int) ([]int64, error) {
	q := querierFromCtx(ctx, r.pool)
	rows, err := q.Query(ctx, optimizationCandidatesSQL, minNewReviews, limit)
	if err != nil {
		return nil, fmt.Errorf("list optimization candidates: %w", err)
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		users = append(users, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return users, nil
}

// RecentAccuracyByCard returns each card's grade>=3 share since the given
// time. Cards with no reviews in the window are absent.
func (r *ReviewLogRepo) RecentAccuracyByCard(ctx context.Context, userID int64, since time.Time) (map[int64]float64, error) {
	q := querierFromCtx(ctx, r.pool)
	rows, err := q.Query(ctx, accuracyByCardSQL, userID, since)
	if err != nil {
		return nil, fmt.Errorf("accuracy by card: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]float64)
	for rows.Next() {
		var cardID int64
		var acc float64
		if err := rows.Scan(&cardID, &acc); err != nil {
			return nil, fmt.Errorf("scan card accuracy: %w", err)
		}
		out[cardID] = acc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate card accuracy: %w", err)
	}
	return out, nil
}

func (r *ReviewLogRepo) list(ctx context.Context, sql string, userID int64, limit int) ([]domain.ReviewLog, error) {
	q := querierFromCtx(ctx, r.pool)
	rows, err := q.Query(ctx, sql, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list review_logs: %w", err)
	}
	defer rows.Close()

	var out []domain.ReviewLog
	for rows.Next() {
		log, err := scanReviewLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review_log: %w", err)
		}
		out = append(out, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review_logs: %w", err)
	}
	return out, nil
}

func scanReviewLog(row pgx.Row) (domain.ReviewLog, error) {
	var (
		l          domain.ReviewLog
		rating     int
		reviewType string
		oldState   string
		newState   string
	)
	err := row.Scan(&l.ID, &l.UserID, &l.ProblemID, &l.CardID, &rating,
		&l.ElapsedDays, &reviewType, &oldState, &newState, &l.OldStability,
		&l.NewStability, &l.OldDifficulty, &l.NewDifficulty,
		&l.ResponseTimeMs, &l.ReviewedAt)
	if err != nil {
		return domain.ReviewLog{}, err
	}
	l.Rating = domain.Rating(rating)
	l.ReviewType = domain.ReviewType(reviewType)
	l.OldState = domain.CardState(oldState)
	l.NewState = domain.CardState(newState)
	return l, nil
}
