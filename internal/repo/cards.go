package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"codetop/internal/domain"
)

// CardRepo persists scheduling rows.
type CardRepo struct {
	pool *pgxpool.Pool
}

// NewCardRepo creates a card repository.
func NewCardRepo(db *DB) *CardRepo {
	return &CardRepo{pool: db.pool}
}

const cardColumns = `id, user_id, problem_id, state, difficulty, stability,
	review_count, lapses, last_grade, interval_days, last_review, next_review,
	deleted, created_at, updated_at`

const getCardForUpdateSQL = `
SELECT ` + cardColumns + `
FROM cards
WHERE user_id = $1 AND problem_id = $2 AND NOT deleted
FOR UPDATE`

const createCardSQL = `
INSERT INTO cards (user_id, problem_id, state, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
RETURNING ` + cardColumns

const updateCardSQL = `
UPDATE cards SET
	state = $3, difficulty = $4, stability = $5, review_count = $6,
	lapses = $7, last_grade = $8, interval_days = $9, last_review = $10,
	next_review = $11, updated_at = $12
WHERE user_id = $1 AND problem_id = $2`

const dueCardsSQL = `
SELECT ` + cardColumns + `
FROM cards
WHERE user_id = $1 AND NOT deleted AND state = ANY($2) AND next_review <= $3
ORDER BY next_review, problem_id
LIMIT $4`

const newCardsSQL = `
SELECT ` + cardColumns + `
FROM cards
WHERE user_id = $1 AND NOT deleted AND state = 'NEW'
ORDER BY created_at, problem_id
LIMIT $2`

const stateCountsSQL = `
SELECT state, count(*)
FROM cards
WHERE user_id = $1 AND NOT deleted
GROUP BY state`

const countDueSQL = `
SELECT count(*)
FROM cards
WHERE user_id = $1 AND NOT deleted AND state <> 'NEW' AND next_review <= $2`

const listByUserSQL = `
SELECT ` + cardColumns + `
FROM cards
WHERE user_id = $1 AND NOT deleted
ORDER BY id
LIMIT $2`

// GetForUpdate loads and row-locks one card. Must run inside WithinTx.
func (r *CardRepo) GetForUpdate(ctx context.Context, userID, problemID int64) (domain.Card, error) {
	q := querierFromCtx(ctx, r.pool)
	card, err := scanCard(q.QueryRow(ctx, getCardForUpdateSQL, userID, problemID))
	if err != nil {
		return domain.Card{}, mapError(err, "card", problemID)
	}
	return card, nil
}

// Create inserts a fresh card and returns it with its assigned id.
func (r *CardRepo) Create(ctx context.Context, card domain.Card) (domain.Card, error) {
	q := querierFromCtx(ctx, r.pool)
	created, err := scanCard(q.QueryRow(ctx, createCardSQL,
		card.UserID, card.ProblemID, card.State, card.CreatedAt))
	if err != nil {
		return domain.Card{}, mapError(err, "card", card.ProblemID)
	}
	return created, nil
}

// Update writes the scheduling fields of an existing card.
func (r *CardRepo) Update(ctx context.Context, card domain.Card) error {
	q := querierFromCtx(ctx, r.pool)
	var lastGrade *int
	if card.LastGrade != 0 {
		g := int(card.LastGrade)
		lastGrade = &g
	}
	tag, err := q.Exec(ctx, updateCardSQL,
		card.UserID, card.ProblemID, card.State, card.Difficulty, card.Stability,
		card.ReviewCount, card.Lapses, lastGrade, card.IntervalDays,
		card.LastReview, card.NextReview, card.UpdatedAt)
	if err != nil {
		return mapError(err, "card", card.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("card %d: %w", card.ID, domain.ErrNotFound)
	}
	return nil
}

// ListCandidates fetches up to perClass due learning cards, due review
// cards, and new cards for queue assembly.
func (r *CardRepo) ListCandidates(ctx context.Context, userID int64, now time.Time, perClass int) ([]domain.Card, error) {
	q := querierFromCtx(ctx, r.pool)

	var out []domain.Card
	learning, err := queryCards(ctx, q, dueCardsSQL,
		userID, []string{string(domain.CardStateLearning), string(domain.CardStateRelearning)}, now, perClass)
	if err != nil {
		return nil, fmt.Errorf("list due learning: %w", err)
	}
	out = append(out, learning...)

	review, err := queryCards(ctx, q, dueCardsSQL,
		userID, []string{string(domain.CardStateReview)}, now, perClass)
	if err != nil {
		return nil, fmt.Errorf("list due review: %w", err)
	}
	out = append(out, review...)

	fresh, err := queryCards(ctx, q, newCardsSQL, userID, perClass)
	if err != nil {
		return nil, fmt.Errorf("list new: %w", err)
	}
	return append(out, fresh...), nil
}

// StateCounts returns the card count per state.
func (r *CardRepo) StateCounts(ctx context.Context, userID int64) (map[domain.CardState]int, error) {
	q := querierFromCtx(ctx, r.pool)
	rows, err := q.Query(ctx, stateCountsSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("count card states: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.CardState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[domain.CardState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}
	return counts, nil
}

// CountDue returns how many scheduled cards are due at now.
func (r *CardRepo) CountDue(ctx context.Context, userID int64, now time.Time) (int, error) {
	q := querierFromCtx(ctx, r.pool)
	var n int
	if err := q.QueryRow(ctx, countDueSQL, userID, now).Scan(&n); err != nil {
		return 0, fmt.Errorf("count due cards: %w", err)
	}
	return n, nil
}

// ListByUser returns a user's cards ordered by id.
func (r *CardRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]domain.Card, error) {
	q := querierFromCtx(ctx, r.pool)
	cards, err := queryCards(ctx, q, listByUserSQL, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	return cards, nil
}

func queryCards(ctx context.Context, q Querier, sql string, args ...any) ([]domain.Card, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, card)
	}
	return out, rows.Err()
}

func scanCard(row pgx.Row) (domain.Card, error) {
	var (
		c         domain.Card
		state     string
		lastGrade *int
	)
	err := row.Scan(&c.ID, &c.UserID, &c.ProblemID, &state, &c.Difficulty,
		&c.Stability, &c.ReviewCount, &c.Lapses, &lastGrade, &c.IntervalDays,
		&c.LastReview, &c.NextReview, &c.Deleted, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.Card{}, err
	}
	c.State = domain.CardState(state)
	if lastGrade != nil {
		c.LastGrade = domain.Rating(*lastGrade)
	}
	return c, nil
}
