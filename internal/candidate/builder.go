// Package candidate builds the problem pool the recommendation pipeline
// ranks. The pool comes from the scheduler queue enriched with per-card
// analytics, oversized relative to the requested limit so the re-ranker
// has room to reorder.
package candidate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"codetop/internal/domain"
	"codetop/internal/fsrs"
)

const (
	// PoolFactor oversizes the pool relative to the requested limit.
	PoolFactor = 3
	// MaxPoolSize caps the pool regardless of limit.
	MaxPoolSize = 50

	// accuracyWindow bounds the recent-accuracy lookback.
	accuracyWindow = 30 * 24 * time.Hour
	// overdueHorizonDays is where the overdue component of urgency
	// saturates.
	overdueHorizonDays = 7.0
)

// Problem is one entry in the recommendation pool.
type Problem struct {
	ID                   int64    `json:"id"`
	Topic                string   `json:"topic"`
	Difficulty           string   `json:"difficulty"`
	Tags                 []string `json:"tags"`
	Attempts             int      `json:"attempts"`
	RecentAccuracy       float64  `json:"recentAccuracy"`
	UrgencyScore         float64  `json:"urgencyScore"`
	RetentionProbability float64  `json:"retentionProbability"`
	DaysOverdue          float64  `json:"daysOverdue"`
}

// CardSource lists schedulable cards for a user.
type CardSource interface {
	ListCandidates(ctx context.Context, userID int64, now time.Time, perClass int) ([]domain.Card, error)
}

// AccuracySource reports per-card recent accuracy.
type AccuracySource interface {
	RecentAccuracyByCard(ctx context.Context, userID int64, since time.Time) (map[int64]float64, error)
}

// Builder assembles candidate pools.
type Builder struct {
	cards    CardSource
	accuracy AccuracySource
	problems *MetaCache
	split    fsrs.QueueSplit
	log      *zap.Logger
	now      func() time.Time
}

// NewBuilder wires a pool builder.
func NewBuilder(cards CardSource, accuracy AccuracySource, problems *MetaCache, logger *zap.Logger) *Builder {
	return &Builder{
		cards:    cards,
		accuracy: accuracy,
		problems: problems,
		split:    fsrs.DefaultQueueSplit(),
		log:      logger,
		now:      time.Now,
	}
}

// WithClock overrides the builder clock.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// PoolSize returns the pool size for a requested limit.
func PoolSize(limit int) int {
	size := limit * PoolFactor
	if size > MaxPoolSize {
		size = MaxPoolSize
	}
	return size
}

// Build returns up to PoolSize(limit) candidates ordered by urgency. Cards
// whose problem metadata is gone are skipped.
func (b *Builder) Build(ctx context.Context, userID int64, limit int) ([]Problem, error) {
	if userID <= 0 || limit <= 0 {
		return nil, fmt.Errorf("candidate pool for user %d limit %d: %w", userID, limit, domain.ErrInvalidInput)
	}
	now := b.now()
	size := PoolSize(limit)

	var (
		cards    []domain.Card
		accuracy map[int64]float64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cards, err = b.cards.ListCandidates(gctx, userID, now, size)
		return err
	})
	g.Go(func() error {
		var err error
		accuracy, err = b.accuracy.RecentAccuracyByCard(gctx, userID, now.Add(-accuracyWindow))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load candidate inputs: %w", err)
	}

	entries := fsrs.AssembleQueue(cards, size, now, b.split)
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Card.ProblemID)
	}
	meta, err := b.problems.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	pool := make([]Problem, 0, len(entries))
	for _, e := range entries {
		p, ok := meta[e.Card.ProblemID]
		if !ok || p.Deleted {
			continue
		}
		pool = append(pool, buildCandidate(e.Card, p, accuracy[e.Card.ID], now))
	}

	// Urgent first; the queue's class ordering is for study sessions, the
	// ranker wants raw urgency.
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].UrgencyScore != pool[j].UrgencyScore {
			return pool[i].UrgencyScore > pool[j].UrgencyScore
		}
		return pool[i].ID < pool[j].ID
	})

	b.log.Debug("built candidate pool",
		zap.Int64("user_id", userID),
		zap.Int("requested", limit),
		zap.Int("pool", len(pool)))
	return pool, nil
}

func buildCandidate(c domain.Card, p domain.Problem, recentAccuracy float64, now time.Time) Problem {
	retention := 1.0
	if c.State != domain.CardStateNew && c.LastReview != nil {
		elapsed := now.Sub(*c.LastReview).Hours() / 24
		retention = fsrs.Retrievability(elapsed, c.Stability)
	}

	var overdue float64
	if c.NextReview != nil && now.After(*c.NextReview) {
		overdue = now.Sub(*c.NextReview).Hours() / 24
	}

	return Problem{
		ID:                   p.ID,
		Topic:                topicOf(p),
		Difficulty:           string(p.Difficulty),
		Tags:                 p.Tags,
		Attempts:             c.ReviewCount,
		RecentAccuracy:       recentAccuracy,
		UrgencyScore:         urgencyScore(overdue, retention),
		RetentionProbability: retention,
		DaysOverdue:          overdue,
	}
}

// urgencyScore blends how overdue a card is with how far its memory has
// decayed. Both components sit in [0,1], so the score does too.
func urgencyScore(daysOverdue, retention float64) float64 {
	overdue := daysOverdue / overdueHorizonDays
	if overdue > 1 {
		overdue = 1
	}
	return 0.6*overdue + 0.4*(1-retention)
}

func topicOf(p domain.Problem) string {
	if len(p.Categories) > 0 {
		return p.Categories[0]
	}
	if len(p.Tags) > 0 {
		return p.Tags[0]
	}
	return "general"
}
