// Package idempotency dedupes write operations by (requestId, userId,
// operation). The first claim runs the operation and stores its JSON
// result; duplicates replay the stored result, reject while the first is
// still in flight, and take over abandoned claims.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"codetop/internal/domain"
	"codetop/internal/metrics"
)

// Store is the persistence behind the deduper.
type Store interface {
	Claim(ctx context.Context, requestID string, userID int64, operation string, now time.Time) (bool, domain.IdempotencyRecord, error)
	Complete(ctx context.Context, id int64, response []byte, now time.Time) error
	Fail(ctx context.Context, id int64, errorClass []byte, now time.Time) error
	TakeOver(ctx context.Context, id int64, now, staleBefore time.Time) (bool, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config tunes dedup behavior.
type Config struct {
	// InFlightGrace is how long an IN_PROGRESS claim blocks duplicates
	// before it counts as abandoned.
	InFlightGrace time.Duration
	// RecordTTL is how long records live before the purger removes them.
	RecordTTL time.Duration
}

// DefaultConfig blocks duplicates for 30 seconds and keeps records for a
// day.
func DefaultConfig() Config {
	return Config{
		InFlightGrace: 30 * time.Second,
		RecordTTL:     24 * time.Hour,
	}
}

// Deduper gates write operations behind idempotency records.
type Deduper struct {
	store Store
	cfg   Config
	met   *metrics.Metrics
	log   *zap.Logger
	now   func() time.Time
}

// NewDeduper wires a deduper.
func NewDeduper(store Store, cfg Config, met *metrics.Metrics, logger *zap.Logger) *Deduper {
	if cfg.InFlightGrace <= 0 {
		cfg.InFlightGrace = DefaultConfig().InFlightGrace
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = DefaultConfig().RecordTTL
	}
	return &Deduper{
		store: store,
		cfg:   cfg,
		met:   met,
		log:   logger,
		now:   time.Now,
	}
}

// WithClock overrides the deduper clock.
func (d *Deduper) WithClock(now func() time.Time) *Deduper {
	d.now = now
	return d
}

// Do executes fn at most once per (requestID, userID, operation). The
// response is the JSON-serialized result, replayed says whether it came
// from a stored record.
func (d *Deduper) Do(ctx context.Context, requestID string, userID int64, operation string, fn func(ctx context.Context) (any, error)) (response []byte, replayed bool, err error) {
	if requestID == "" || operation == "" {
		return nil, false, fmt.Errorf("idempotency key incomplete: %w", domain.ErrInvalidInput)
	}

	now := d.now()
	claimed, rec, err := d.store.Claim(ctx, requestID, userID, operation, now)
	if err != nil {
		return nil, false, fmt.Errorf("claim idempotency record: %w", err)
	}
	if claimed {
		out, err := d.run(ctx, rec.ID, fn)
		return out, false, err
	}

	switch rec.Status {
	case domain.IdempotencyCompleted:
		d.met.IdempotencyReplay.Inc()
		return rec.Response, true, nil

	case domain.IdempotencyInProgress:
		if now.Sub(rec.UpdatedAt) < d.cfg.InFlightGrace {
			return nil, false, fmt.Errorf("operation %s request %s: %w", operation, requestID, domain.ErrDuplicateInFlight)
		}
		fallthrough

	case domain.IdempotencyFailed:
		// Abandoned or failed: one caller wins the takeover race and
		// re-executes.
		ok, err := d.store.TakeOver(ctx, rec.ID, now, now.Add(-d.cfg.InFlightGrace))
		if err != nil {
			return nil, false, fmt.Errorf("take over idempotency record: %w", err)
		}
		if !ok {
			return nil, false, fmt.Errorf("operation %s request %s: %w", operation, requestID, domain.ErrDuplicateInFlight)
		}
		d.log.Debug("took over abandoned idempotency record",
			zap.String("request_id", requestID),
			zap.String("operation", operation))
		out, err := d.run(ctx, rec.ID, fn)
		return out, false, err
	}

	return nil, false, fmt.Errorf("idempotency record %d in state %q", rec.ID, rec.Status)
}

// run executes fn under an owned claim and records the outcome.
func (d *Deduper) run(ctx context.Context, recordID int64, fn func(ctx context.Context) (any, error)) ([]byte, error) {
	result, err := fn(ctx)
	if err != nil {
		class, _ := json.Marshal(map[string]string{"errorClass": Classify(err)})
		if ferr := d.store.Fail(ctx, recordID, class, d.now()); ferr != nil {
			d.log.Warn("mark idempotency record failed", zap.Error(ferr))
		}
		return nil, err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("serialize idempotent result: %w", err)
	}
	if err := d.store.Complete(ctx, recordID, payload, d.now()); err != nil {
		return nil, fmt.Errorf("complete idempotency record: %w", err)
	}
	return payload, nil
}

// Classify maps an error to its stored class label.
func Classify(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrTransient):
		return "transient"
	default:
		return "internal"
	}
}

// ============================================================================
// PURGE WORKER
// ============================================================================

// Purger deletes expired idempotency records on an interval.
type Purger struct {
	deduper  *Deduper
	interval time.Duration
	log      *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewPurger sweeps every interval, defaulting to hourly.
func NewPurger(d *Deduper, interval time.Duration, logger *zap.Logger) *Purger {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Purger{
		deduper:  d,
		interval: interval,
		log:      logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (p *Purger) Start(ctx context.Context) {
	go p.run(ctx)
}

func (p *Purger) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			if n, err := p.RunOnce(ctx); err != nil {
				p.log.Warn("idempotency purge failed", zap.Error(err))
			} else if n > 0 {
				p.log.Info("purged idempotency records", zap.Int64("removed", n))
			}
		}
	}
}

// Stop halts the loop.
func (p *Purger) Stop() {
	close(p.stop)
	<-p.done
}

// RunOnce removes records older than the configured TTL.
func (p *Purger) RunOnce(ctx context.Context) (int64, error) {
	cutoff := p.deduper.now().Add(-p.deduper.cfg.RecordTTL)
	return p.deduper.store.PurgeOlderThan(ctx, cutoff)
}
