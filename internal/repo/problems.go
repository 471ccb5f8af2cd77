package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"codetop/internal/domain"
)

// ProblemRepo reads the problem catalog.
type ProblemRepo struct {
	pool *pgxpool.Pool
}

// NewProblemRepo creates a problem repository.
func NewProblemRepo(db *DB) *ProblemRepo {
	return &ProblemRepo{pool: db.pool}
}

const problemColumns = `id, title, difficulty, tags, categories, deleted`

const getProblemsByIDsSQL = `
SELECT ` + problemColumns + `
FROM problems
WHERE id = ANY($1::bigint[]) AND NOT deleted`

const getProblemSQL = `
SELECT ` + problemColumns + `
FROM problems
WHERE id = $1 AND NOT deleted`

const listProblemsByTagsSQL = `
SELECT ` + problemColumns + `
FROM problems
WHERE tags && $1::text[] AND NOT deleted
ORDER BY id
LIMIT $2`

// GetByID returns one problem, or domain.ErrNotFound.
func (r *ProblemRepo) GetByID(ctx context.Context, id int64) (domain.Problem, error) {
	q := querierFromCtx(ctx, r.pool)
	p, err := scanProblem(q.QueryRow(ctx, getProblemSQL, id))
	if err != nil {
		return domain.Problem{}, mapError(err, "problem", id)
	}
	return p, nil
}

// GetByIDs returns the live problems among ids, keyed by id. Missing ids
// are simply absent.
func (r *ProblemRepo) GetByIDs(ctx context.Context, ids []int64) (map[int64]domain.Problem, error) {
	out := make(map[int64]domain.Problem, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q := querierFromCtx(ctx, r.pool)
	rows, err := q.Query(ctx, getProblemsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("get problems: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan problem: %w", err)
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate problems: %w", err)
	}
	return out, nil
}

// ListByTags returns problems sharing at least one of the given tags.
func (r *ProblemRepo) ListByTags(ctx context.Context, tags []string, limit int) ([]domain.Problem, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	q := querierFromCtx(ctx, r.pool)
	rows, err := q.Query(ctx, listProblemsByTagsSQL, tags, limit)
	if err != nil {
		return nil, fmt.Errorf("list problems by tags: %w", err)
	}
	defer rows.Close()

	var out []domain.Problem
	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan problem: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate problems: %w", err)
	}
	return out, nil
}

func scanProblem(row pgx.Row) (domain.Problem, error) {
	var (
		p          domain.Problem
		difficulty string
	)
	if err := row.Scan(&p.ID, &p.Title, &difficulty, &p.Tags, &p.Categories, &p.Deleted); err != nil {
		return domain.Problem{}, err
	}
	p.Difficulty = domain.Difficulty(difficulty)
	return p, nil
}
