package fsrs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"codetop/internal/cache"
	"codetop/internal/domain"
	"codetop/internal/event"
	"codetop/internal/metrics"
)

// ============================================================================
// REPOSITORY CONTRACTS
// ============================================================================

// CardStore is the card persistence the scheduler needs. GetForUpdate must
// row-lock inside a transaction so concurrent submits for the same card
// serialize.
type CardStore interface {
	GetForUpdate(ctx context.Context, userID, problemID int64) (domain.Card, error)
	Create(ctx context.Context, card domain.Card) (domain.Card, error)
	Update(ctx context.Context, card domain.Card) error
	ListCandidates(ctx context.Context, userID int64, now time.Time, perClass int) ([]domain.Card, error)
	StateCounts(ctx context.Context, userID int64) (map[domain.CardState]int, error)
	CountDue(ctx context.Context, userID int64, now time.Time) (int, error)
}

// ReviewLogStore appends and aggregates the immutable review history.
type ReviewLogStore interface {
	Append(ctx context.Context, log domain.ReviewLog) error
	CountSince(ctx context.Context, userID int64, since time.Time) (int, error)
	SuccessRate(ctx context.Context, userID int64, since time.Time) (rate float64, samples int, err error)
}

// ParameterStore resolves the active per-user weight set.
type ParameterStore interface {
	ActiveByUser(ctx context.Context, userID int64) (domain.UserParameters, error)
}

// ProblemStore resolves problem metadata for queue rows.
type ProblemStore interface {
	GetByIDs(ctx context.Context, ids []int64) (map[int64]domain.Problem, error)
}

// TxRunner runs fn inside one transaction; repository calls made with the
// ctx it passes join that transaction.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ============================================================================
// SERVICE
// ============================================================================

// MaxQueueLimit bounds a single queue request.
const MaxQueueLimit = 100

// Service is the scheduling façade: graded submits, queue assembly, and
// per-user study statistics. Reads are cache-aside; writes publish events
// after the transaction commits.
type Service struct {
	cards    CardStore
	logs     ReviewLogStore
	params   ParameterStore
	problems ProblemStore
	tx       TxRunner

	store cache.Store
	keys  cache.Keys
	ttls  cache.TTLs
	bus   *event.Bus
	met   *metrics.Metrics
	log   *zap.Logger

	split QueueSplit
	now   func() time.Time
}

// ServiceConfig carries the service dependencies.
type ServiceConfig struct {
	Cards    CardStore
	Logs     ReviewLogStore
	Params   ParameterStore
	Problems ProblemStore
	Tx       TxRunner
	Store    cache.Store
	TTLs     cache.TTLs
	Bus      *event.Bus
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Split    QueueSplit
	Now      func() time.Time
}

// NewService wires a scheduling service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Split == (QueueSplit{}) {
		cfg.Split = DefaultQueueSplit()
	}
	return &Service{
		cards:    cfg.Cards,
		logs:     cfg.Logs,
		params:   cfg.Params,
		problems: cfg.Problems,
		tx:       cfg.Tx,
		store:    cfg.Store,
		ttls:     cfg.TTLs,
		bus:      cfg.Bus,
		met:      cfg.Metrics,
		log:      cfg.Logger,
		split:    cfg.Split,
		now:      cfg.Now,
	}
}

// paramsFor loads the user's active weight set, falling back to defaults
// when none has been optimized yet.
func (s *Service) paramsFor(ctx context.Context, userID int64) Params {
	up, err := s.params.ActiveByUser(ctx, userID)
	if err != nil {
		return DefaultParams()
	}
	return ParamsFrom(&up)
}

// ----------------------------------------------------------------------------
// Submit
// ----------------------------------------------------------------------------

// SubmitRequest is one graded review.
type SubmitRequest struct {
	UserID     int64
	ProblemID  int64
	Rating     domain.Rating
	ReviewType domain.ReviewType
	// ElapsedDays overrides the clock-derived elapsed time when set.
	// Negative values floor to zero.
	ElapsedDays *float64
	// TimeSpentMs is the client-reported solve time, kept on the log for
	// the profiler.
	TimeSpentMs *int
}

// SubmitResult is the caller-visible outcome of a graded review.
type SubmitResult struct {
	CardID       int64            `json:"cardId"`
	NewState     domain.CardState `json:"newState"`
	Stability    float64          `json:"newStability"`
	Difficulty   float64          `json:"newDifficulty"`
	IntervalDays int              `json:"intervalDays"`
	NextReviewAt time.Time        `json:"nextReviewAt"`
}

// SubmitReview grades one problem for one user. The card row is locked,
// updated, and the review log appended in a single transaction; cache
// invalidation and the ReviewCompleted event fire only after commit.
func (s *Service) SubmitReview(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	started := s.now()
	if err := req.Rating.Validate(); err != nil {
		return SubmitResult{}, err
	}
	if req.UserID <= 0 || req.ProblemID <= 0 {
		return SubmitResult{}, fmt.Errorf("user %d problem %d: %w", req.UserID, req.ProblemID, domain.ErrInvalidInput)
	}
	if req.ReviewType == "" {
		req.ReviewType = domain.ReviewTypeScheduled
	}

	sched := NewScheduler(s.paramsFor(ctx, req.UserID))
	now := s.now()

	var (
		updated domain.Card
		tr      Transition
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		card, err := s.cards.GetForUpdate(ctx, req.UserID, req.ProblemID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("load card: %w", err)
			}
			card, err = s.cards.Create(ctx, domain.NewCard(req.UserID, req.ProblemID, now))
			if err != nil {
				return fmt.Errorf("create card: %w", err)
			}
		}

		if card.Corrupt() {
			card = sched.Recover(card)
			s.met.CardRecoveries.Inc()
			s.log.Warn("recovered corrupt card state",
				zap.Int64("card_id", card.ID),
				zap.Int64("user_id", card.UserID))
		}

		elapsed := elapsedDays(card, now, req.ElapsedDays)
		updated, tr, err = sched.Review(card, req.Rating, elapsed, now)
		if err != nil {
			return err
		}
		if err := s.cards.Update(ctx, updated); err != nil {
			return fmt.Errorf("persist card: %w", err)
		}
		if err := s.logs.Append(ctx, buildLog(updated, tr, req, now)); err != nil {
			return fmt.Errorf("append review log: %w", err)
		}
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}

	s.met.ReviewsSubmitted.Inc()
	s.met.ScheduleLatency.Observe(s.now().Sub(started).Seconds())
	s.bus.Publish(ctx, domain.ReviewCompleted{
		UserID:    req.UserID,
		ProblemID: req.ProblemID,
		Rating:    req.Rating,
	})

	return SubmitResult{
		CardID:       updated.ID,
		NewState:     updated.State,
		Stability:    updated.Stability,
		Difficulty:   updated.Difficulty,
		IntervalDays: updated.IntervalDays,
		NextReviewAt: tr.NextReview,
	}, nil
}

// elapsedDays resolves the time since the last review in fractional days.
// First reviews and negative values resolve to zero.
func elapsedDays(card domain.Card, now time.Time, override *float64) float64 {
	if override != nil {
		return math.Max(0, *override)
	}
	if card.LastReview == nil {
		return 0
	}
	return math.Max(0, now.Sub(*card.LastReview).Hours()/24)
}

func buildLog(card domain.Card, tr Transition, req SubmitRequest, now time.Time) domain.ReviewLog {
	l := domain.ReviewLog{
		ID:             uuid.New(),
		UserID:         req.UserID,
		ProblemID:      req.ProblemID,
		CardID:         card.ID,
		Rating:         req.Rating,
		ElapsedDays:    tr.ElapsedDays,
		ReviewType:     req.ReviewType,
		OldState:       tr.OldState,
		NewState:       tr.NewState,
		NewStability:   tr.NewStability,
		NewDifficulty:  tr.NewDifficulty,
		ResponseTimeMs: req.TimeSpentMs,
		ReviewedAt:     now,
	}
	// First reviews carry no prior memory state.
	if tr.OldState != domain.CardStateNew {
		old := tr.OldStability
		l.OldStability = &old
		oldD := tr.OldDifficulty
		l.OldDifficulty = &oldD
	}
	return l
}

// ----------------------------------------------------------------------------
// Queue
// ----------------------------------------------------------------------------

// QueueCard is one queue row enriched with problem metadata.
type QueueCard struct {
	ID           int64            `json:"id"`
	ProblemID    int64            `json:"problemId"`
	ProblemTitle string           `json:"problemTitle"`
	Difficulty   string           `json:"difficulty"`
	State        domain.CardState `json:"state"`
	Stability    float64          `json:"stability"`
	DueDate      *time.Time       `json:"dueDate,omitempty"`
}

// QueueMeta describes how the queue was assembled.
type QueueMeta struct {
	Total       int       `json:"total"`
	Limit       int       `json:"limit"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// QueueResponse is the review-queue payload: timed cards first, then new.
type QueueResponse struct {
	DueCards []QueueCard `json:"dueCards"`
	NewCards []QueueCard `json:"newCards"`
	Meta     QueueMeta   `json:"meta"`
}

// ReviewQueue assembles the prioritized study queue for a user,
// cache-aside with a five-minute TTL.
func (s *Service) ReviewQueue(ctx context.Context, userID int64, limit int) (QueueResponse, error) {
	if limit <= 0 {
		return QueueResponse{}, fmt.Errorf("queue limit %d: %w", limit, domain.ErrInvalidInput)
	}
	if limit > MaxQueueLimit {
		limit = MaxQueueLimit
	}

	key := s.keys.Queue(userID, limit)
	var cached QueueResponse
	if ok, err := cache.GetJSON(ctx, s.store, key, &cached); err == nil && ok {
		return cached, nil
	}

	now := s.now()
	rows, err := s.cards.ListCandidates(ctx, userID, now, limit)
	if err != nil {
		return QueueResponse{}, fmt.Errorf("list queue candidates: %w", err)
	}
	entries := AssembleQueue(rows, limit, now, s.split)

	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Card.ProblemID)
	}
	problems, err := s.problems.GetByIDs(ctx, ids)
	if err != nil {
		return QueueResponse{}, fmt.Errorf("load queue problems: %w", err)
	}

	resp := QueueResponse{
		DueCards: []QueueCard{},
		NewCards: []QueueCard{},
		Meta:     QueueMeta{Total: len(entries), Limit: limit, GeneratedAt: now},
	}
	for _, e := range entries {
		qc := QueueCard{
			ID:        e.Card.ID,
			ProblemID: e.Card.ProblemID,
			State:     e.Card.State,
			Stability: e.Card.Stability,
			DueDate:   e.Card.NextReview,
		}
		if p, ok := problems[e.Card.ProblemID]; ok {
			qc.ProblemTitle = p.Title
			qc.Difficulty = string(p.Difficulty)
		}
		if e.Class == ClassNew {
			resp.NewCards = append(resp.NewCards, qc)
		} else {
			resp.DueCards = append(resp.DueCards, qc)
		}
	}

	if err := cache.SetJSON(ctx, s.store, key, resp, s.ttls.Queue); err != nil {
		s.log.Warn("cache queue response", zap.Error(err))
	} else if err := s.store.AddToIndex(ctx, s.keys.UserIndex(cache.DomainQueue, userID), s.ttls.Queue, key); err != nil {
		s.log.Warn("index queue key", zap.Error(err))
	}
	return resp, nil
}

// ----------------------------------------------------------------------------
// Stats and memory metrics
// ----------------------------------------------------------------------------

// ReviewStats summarizes a user's study position.
type ReviewStats struct {
	TotalCards      int       `json:"totalCards"`
	NewCount        int       `json:"newCount"`
	LearningCount   int       `json:"learningCount"`
	ReviewCount     int       `json:"reviewCount"`
	RelearningCount int       `json:"relearningCount"`
	DueNow          int       `json:"dueNow"`
	ReviewsToday    int       `json:"reviewsToday"`
	RetentionRate   float64   `json:"retentionRate"`
	GeneratedAt     time.Time `json:"generatedAt"`
}

// Stats returns per-state counts, due and reviewed-today counts, and the
// observed 30-day retention rate, cache-aside with a ten-minute TTL.
func (s *Service) Stats(ctx context.Context, userID int64) (ReviewStats, error) {
	key := s.keys.Stats(userID)
	var cached ReviewStats
	if ok, err := cache.GetJSON(ctx, s.store, key, &cached); err == nil && ok {
		return cached, nil
	}

	now := s.now()
	counts, err := s.cards.StateCounts(ctx, userID)
	if err != nil {
		return ReviewStats{}, fmt.Errorf("count cards: %w", err)
	}
	due, err := s.cards.CountDue(ctx, userID, now)
	if err != nil {
		return ReviewStats{}, fmt.Errorf("count due: %w", err)
	}
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	today, err := s.logs.CountSince(ctx, userID, dayStart)
	if err != nil {
		return ReviewStats{}, fmt.Errorf("count today: %w", err)
	}
	rate, _, err := s.logs.SuccessRate(ctx, userID, now.AddDate(0, 0, -30))
	if err != nil {
		return ReviewStats{}, fmt.Errorf("retention rate: %w", err)
	}

	stats := ReviewStats{
		TotalCards:      counts[domain.CardStateNew] + counts[domain.CardStateLearning] + counts[domain.CardStateReview] + counts[domain.CardStateRelearning],
		NewCount:        counts[domain.CardStateNew],
		LearningCount:   counts[domain.CardStateLearning],
		ReviewCount:     counts[domain.CardStateReview],
		RelearningCount: counts[domain.CardStateRelearning],
		DueNow:          due,
		ReviewsToday:    today,
		RetentionRate:   rate,
		GeneratedAt:     now,
	}
	if err := cache.SetJSON(ctx, s.store, key, stats, s.ttls.Stats); err != nil {
		s.log.Warn("cache stats", zap.Error(err))
	}
	return stats, nil
}

// CardMetric is the per-card memory snapshot used by candidate analytics.
type CardMetric struct {
	ProblemID      int64            `json:"problemId"`
	State          domain.CardState `json:"state"`
	Stability      float64          `json:"stability"`
	Difficulty     float64          `json:"difficulty"`
	Retrievability float64          `json:"retrievability"`
	DaysOverdue    float64          `json:"daysOverdue"`
	ReviewCount    int              `json:"reviewCount"`
	Lapses         int              `json:"lapses"`
}

// MemoryMetrics computes the current retrievability and overdue distance
// for every scheduled card, cache-aside with a one-hour TTL.
func (s *Service) MemoryMetrics(ctx context.Context, userID int64) ([]CardMetric, error) {
	key := s.keys.Metrics(userID)
	var cached []CardMetric
	if ok, err := cache.GetJSON(ctx, s.store, key, &cached); err == nil && ok {
		return cached, nil
	}

	now := s.now()
	rows, err := s.cards.ListCandidates(ctx, userID, now, MaxQueueLimit)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	out := make([]CardMetric, 0, len(rows))
	for _, c := range rows {
		m := CardMetric{
			ProblemID:   c.ProblemID,
			State:       c.State,
			Stability:   c.Stability,
			Difficulty:  c.Difficulty,
			ReviewCount: c.ReviewCount,
			Lapses:      c.Lapses,
		}
		if c.LastReview != nil {
			elapsed := now.Sub(*c.LastReview).Hours() / 24
			m.Retrievability = Retrievability(elapsed, c.Stability)
		} else if c.State == domain.CardStateNew {
			m.Retrievability = 1
		}
		if c.NextReview != nil && now.After(*c.NextReview) {
			m.DaysOverdue = now.Sub(*c.NextReview).Hours() / 24
		}
		out = append(out, m)
	}

	if err := cache.SetJSON(ctx, s.store, key, out, s.ttls.Metrics); err != nil {
		s.log.Warn("cache memory metrics", zap.Error(err))
	}
	return out, nil
}
