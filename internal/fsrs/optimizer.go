package fsrs

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"codetop/internal/domain"
	"codetop/internal/event"
	"codetop/internal/metrics"
)

// ============================================================================
// PARAMETER OPTIMIZER
// ============================================================================

// Reason strings returned when an optimization run does not activate new
// parameters.
const (
	ReasonInsufficientReviews  = "insufficient_reviews"
	ReasonNumericalDivergence  = "numericalDivergence"
	minPredictedRetrievability = 1e-6
)

// TrainingLogStore loads the review history used to fit weights. Logs come
// back in chronological order, bounded to the most recent limit rows.
type TrainingLogStore interface {
	ListForTraining(ctx context.Context, userID int64, limit int) ([]domain.ReviewLog, error)
}

// ParameterRepo reads and activates per-user parameter rows. Activate must
// deactivate the previous active row and insert the new one atomically.
type ParameterRepo interface {
	ParameterStore
	Activate(ctx context.Context, p domain.UserParameters) (domain.UserParameters, error)
}

// OptimizerConfig tunes the gradient-descent fit.
type OptimizerConfig struct {
	MinReviews      int
	MaxLogs         int
	LearningRate    float64
	MaxIterations   int
	GradientEpsilon float64
	HalfLifeDays    float64
	Bounds          WeightBounds
}

// DefaultOptimizerConfig returns the standard fit settings.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		MinReviews:      50,
		MaxLogs:         2000,
		LearningRate:    0.001,
		MaxIterations:   50,
		GradientEpsilon: 1e-6,
		HalfLifeDays:    30,
		Bounds:          DefaultWeightBounds(),
	}
}

// OptimizeResult is the outcome of one optimization attempt.
type OptimizeResult struct {
	Optimized  bool                   `json:"optimized"`
	Reason     string                 `json:"reason,omitempty"`
	Parameters *domain.UserParameters `json:"parameters,omitempty"`
}

// Optimizer fits the 17 weights and retention target per user from review
// history. It owns all UserParameters writes.
type Optimizer struct {
	logs   TrainingLogStore
	params ParameterRepo
	bus    *event.Bus
	met    *metrics.Metrics
	log    *zap.Logger
	cfg    OptimizerConfig
	now    func() time.Time
}

// NewOptimizer wires an optimizer.
func NewOptimizer(logs TrainingLogStore, params ParameterRepo, bus *event.Bus, met *metrics.Metrics, logger *zap.Logger, cfg OptimizerConfig) *Optimizer {
	if cfg.MinReviews <= 0 {
		cfg = DefaultOptimizerConfig()
	}
	return &Optimizer{
		logs:   logs,
		params: params,
		bus:    bus,
		met:    met,
		log:    logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// WithClock overrides the optimizer clock.
func (o *Optimizer) WithClock(now func() time.Time) *Optimizer {
	o.now = now
	return o
}

// Optimize fits and, on success, activates a new parameter row for the
// user. It never mutates state on an ineligible or diverged run.
func (o *Optimizer) Optimize(ctx context.Context, userID int64) (OptimizeResult, error) {
	if userID <= 0 {
		return OptimizeResult{}, fmt.Errorf("user %d: %w", userID, domain.ErrInvalidInput)
	}

	history, err := o.logs.ListForTraining(ctx, userID, o.cfg.MaxLogs)
	if err != nil {
		return OptimizeResult{}, fmt.Errorf("load training logs: %w", err)
	}
	trainable := 0
	successes := 0
	for _, l := range history {
		if l.Trainable() {
			trainable++
			if l.Rating.Success() {
				successes++
			}
		}
	}
	if trainable < o.cfg.MinReviews {
		o.met.OptimizerRuns.WithLabelValues("skipped").Inc()
		return OptimizeResult{Optimized: false, Reason: ReasonInsufficientReviews}, nil
	}

	start := DefaultParams()
	maxInterval := start.MaximumInterval
	if prev, err := o.params.ActiveByUser(ctx, userID); err == nil {
		start.W = prev.W
		if prev.MaximumInterval > 0 {
			maxInterval = prev.MaximumInterval
		}
	}

	now := o.now()
	rs := buildReplaySet(history, now, o.cfg.HalfLifeDays)
	fitted, oldLoss, newLoss, ok := fitWeights(rs, start.W, o.cfg)
	if !ok {
		o.met.OptimizerRuns.WithLabelValues("diverged").Inc()
		o.log.Warn("parameter fit diverged, keeping previous weights",
			zap.Int64("user_id", userID))
		return OptimizeResult{Optimized: false, Reason: ReasonNumericalDivergence}, nil
	}

	// Log-loss cannot identify the retention target, so it tracks the
	// observed success rate inside the allowed band.
	retention := domain.ClampRetention(float64(successes) / float64(trainable))

	row := domain.UserParameters{
		UserID:                 userID,
		W:                      fitted,
		RequestRetention:       retention,
		MaximumInterval:        maxInterval,
		IsActive:               true,
		TrainingCount:          trainable,
		OptimizedAt:            &now,
		PerformanceImprovement: oldLoss - newLoss,
	}
	saved, err := o.params.Activate(ctx, row)
	if err != nil {
		o.met.OptimizerRuns.WithLabelValues("error").Inc()
		return OptimizeResult{}, fmt.Errorf("activate parameters: %w", err)
	}

	o.met.OptimizerRuns.WithLabelValues("optimized").Inc()
	o.bus.Publish(ctx, domain.ParametersOptimized{UserID: userID})
	o.log.Info("activated optimized parameters",
		zap.Int64("user_id", userID),
		zap.Int("training_count", trainable),
		zap.Float64("old_loss", oldLoss),
		zap.Float64("new_loss", newLoss),
		zap.Float64("retention", retention))

	return OptimizeResult{Optimized: true, Parameters: &saved}, nil
}

// ----------------------------------------------------------------------------
// Replay loss
// ----------------------------------------------------------------------------

// replaySet groups a user's history per card in chronological order so a
// candidate weight vector can be scored by replaying every card from its
// first review.
type replaySet struct {
	order    []int64
	byCard   map[int64][]domain.ReviewLog
	now      time.Time
	halfLife float64
}

func buildReplaySet(history []domain.ReviewLog, now time.Time, halfLifeDays float64) replaySet {
	rs := replaySet{
		byCard:   make(map[int64][]domain.ReviewLog),
		now:      now,
		halfLife: halfLifeDays,
	}
	for _, l := range history {
		rs.byCard[l.CardID] = append(rs.byCard[l.CardID], l)
	}
	for id, logs := range rs.byCard {
		sort.SliceStable(logs, func(i, j int) bool {
			return logs[i].ReviewedAt.Before(logs[j].ReviewedAt)
		})
		rs.byCard[id] = logs
		rs.order = append(rs.order, id)
	}
	// Deterministic accumulation order.
	sort.Slice(rs.order, func(i, j int) bool { return rs.order[i] < rs.order[j] })
	return rs
}

// loss is recency-weighted log-loss of replayed recall predictions against
// observed success. Cards are replayed with the candidate weights, so the
// prediction for each review reflects the stability those weights would
// have produced, not the stability that was stored.
func (rs replaySet) loss(w domain.Weights) float64 {
	var num, den float64
	for _, id := range rs.order {
		var s, d float64
		seeded := false
		for _, l := range rs.byCard[id] {
			if !seeded {
				switch {
				case l.OldState == domain.CardStateNew:
					// First-ever review: seed state, nothing to predict.
					s = InitialStability(w, l.Rating)
					d = InitialDifficulty(w, l.Rating)
					seeded = true
					continue
				case l.OldStability != nil && *l.OldStability > 0:
					// Window truncated this card's early history; resume
					// from the recorded state and score from here.
					s = *l.OldStability
					d = InitialDifficulty(w, domain.RatingGood)
					if l.OldDifficulty != nil && *l.OldDifficulty > 0 {
						d = *l.OldDifficulty
					}
					seeded = true
				default:
					continue
				}
			}

			r := Retrievability(l.ElapsedDays, s)
			p := clampProbability(r)
			y := 0.0
			if l.Rating.Success() {
				y = 1
			}
			age := math.Max(0, rs.now.Sub(l.ReviewedAt).Hours()/24)
			wgt := math.Pow(0.5, age/rs.halfLife)
			num += wgt * -(y*math.Log(p) + (1-y)*math.Log(1-p))
			den += wgt

			switch {
			case l.OldState == domain.CardStateReview && l.Rating == domain.RatingAgain:
				s = StabilityAfterForgetting(w, s, d, r)
			case l.Rating == domain.RatingAgain:
				// Learning-step repeat holds stability.
			default:
				s = StabilityAfterRecall(w, s, d, r, l.Rating)
			}
			d = NextDifficulty(w, d, l.Rating)
		}
	}
	if den == 0 {
		return math.NaN()
	}
	return num / den
}

func clampProbability(p float64) float64 {
	if p < minPredictedRetrievability {
		return minPredictedRetrievability
	}
	if p > 1-minPredictedRetrievability {
		return 1 - minPredictedRetrievability
	}
	return p
}

// fitWeights runs clamped gradient descent from start. ok is false when a
// loss or gradient turns non-finite.
func fitWeights(rs replaySet, start domain.Weights, cfg OptimizerConfig) (fitted domain.Weights, oldLoss, newLoss float64, ok bool) {
	w := cfg.Bounds.Clamp(start)
	oldLoss = rs.loss(w)
	if !isFinite(oldLoss) {
		return start, 0, 0, false
	}

	const h = 1e-4
	loss := oldLoss
	for it := 0; it < cfg.MaxIterations; it++ {
		var grad [domain.WeightCount]float64
		var norm float64
		for j := range w {
			plus, minus := w, w
			plus[j] += h
			minus[j] -= h
			lp, lm := rs.loss(plus), rs.loss(minus)
			if !isFinite(lp) || !isFinite(lm) {
				return start, 0, 0, false
			}
			grad[j] = (lp - lm) / (2 * h)
			norm += grad[j] * grad[j]
		}
		if math.Sqrt(norm) < cfg.GradientEpsilon {
			break
		}
		for j := range w {
			w[j] -= cfg.LearningRate * grad[j]
		}
		w = cfg.Bounds.Clamp(w)
		loss = rs.loss(w)
		if !isFinite(loss) {
			return start, 0, 0, false
		}
	}
	return w, oldLoss, loss, true
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
