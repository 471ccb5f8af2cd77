package fsrs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CandidateLister finds users whose review activity since their last
// optimization crosses the re-optimization threshold.
type CandidateLister interface {
	ListOptimizationCandidates(ctx context.Context, minNewReviews, limit int) ([]int64, error)
}

// WorkerConfig tunes the scheduled optimization sweep.
type WorkerConfig struct {
	Interval      time.Duration
	BatchSize     int
	MinNewReviews int
}

// DefaultWorkerConfig sweeps hourly, ten users per tick.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Interval:      time.Hour,
		BatchSize:     10,
		MinNewReviews: 50,
	}
}

// Worker periodically re-optimizes parameters for eligible users. One
// batch per tick, users processed sequentially.
type Worker struct {
	opt    *Optimizer
	lister CandidateLister
	cfg    WorkerConfig
	log    *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewWorker wires a sweep worker.
func NewWorker(opt *Optimizer, lister CandidateLister, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultWorkerConfig().Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWorkerConfig().BatchSize
	}
	if cfg.MinNewReviews <= 0 {
		cfg.MinNewReviews = DefaultWorkerConfig().MinNewReviews
	}
	return &Worker{
		opt:    opt,
		lister: lister,
		cfg:    cfg,
		log:    logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the sweep loop. The first batch runs after one interval.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if n, err := w.RunOnce(ctx); err != nil {
				w.log.Error("optimization sweep failed", zap.Error(err))
			} else if n > 0 {
				w.log.Info("optimization sweep complete", zap.Int("users", n))
			}
		}
	}
}

// Stop halts the loop and waits for the current batch to finish.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

// RunOnce processes a single batch of candidates. Per-user failures are
// logged and skipped so one bad history cannot stall the sweep.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	users, err := w.lister.ListOptimizationCandidates(ctx, w.cfg.MinNewReviews, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list optimization candidates: %w", err)
	}
	processed := 0
	for _, uid := range users {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		res, err := w.opt.Optimize(ctx, uid)
		if err != nil {
			w.log.Warn("optimization failed",
				zap.Int64("user_id", uid),
				zap.Error(err))
			continue
		}
		processed++
		if !res.Optimized {
			w.log.Debug("optimization skipped",
				zap.Int64("user_id", uid),
				zap.String("reason", res.Reason))
		}
	}
	return processed, nil
}
