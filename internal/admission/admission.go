// Package admission gates concurrent recommendation work. A global
// weighted semaphore bounds the whole process, a per-user semaphore
// bounds each caller, and both acquires share one bounded wait. Provider
// nodes get token-bucket rate limiters at node and (node,user)
// granularity.
package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"codetop/internal/domain"
)

// ErrAdmissionTimeout reports a bounded acquire that did not get both
// slots in time. Callers fall through to the terminal default.
var ErrAdmissionTimeout = fmt.Errorf("admission acquire timed out: %w", domain.ErrRateLimited)

// Config bounds concurrent work.
type Config struct {
	GlobalLimit    int64
	PerUserLimit   int64
	AcquireTimeout time.Duration
}

// DefaultConfig allows ten concurrent requests process-wide, two per
// user, with a 100ms acquire budget.
func DefaultConfig() Config {
	return Config{
		GlobalLimit:    10,
		PerUserLimit:   2,
		AcquireTimeout: 100 * time.Millisecond,
	}
}

// Release frees the slots one Acquire took. Safe to call more than once.
type Release func()

type userSlot struct {
	sem  *semaphore.Weighted
	refs int
}

// Controller owns the two semaphore tiers. Per-user semaphores are
// created on first use and dropped when their last holder releases.
type Controller struct {
	cfg    Config
	global *semaphore.Weighted
	log    *zap.Logger

	mu    sync.Mutex
	users map[int64]*userSlot

	waiting  atomic.Int32
	admitted atomic.Int64
	timeouts atomic.Int64
}

// NewController builds a controller from cfg, filling zero fields from
// the defaults.
func NewController(cfg Config, logger *zap.Logger) *Controller {
	def := DefaultConfig()
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = def.GlobalLimit
	}
	if cfg.PerUserLimit <= 0 {
		cfg.PerUserLimit = def.PerUserLimit
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	return &Controller{
		cfg:    cfg,
		global: semaphore.NewWeighted(cfg.GlobalLimit),
		log:    logger,
		users:  make(map[int64]*userSlot),
	}
}

// Acquire takes one global and one per-user slot, waiting at most the
// configured acquire timeout for both together. On success the returned
// Release must be called on every exit path.
func (c *Controller) Acquire(ctx context.Context, userID int64) (Release, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AcquireTimeout)
	defer cancel()

	c.waiting.Add(1)
	defer c.waiting.Add(-1)

	if err := c.global.Acquire(ctx, 1); err != nil {
		c.timeouts.Add(1)
		c.log.Debug("global admission slot timed out", zap.Int64("user_id", userID))
		return nil, ErrAdmissionTimeout
	}

	user := c.retainUser(userID)
	if err := user.Acquire(ctx, 1); err != nil {
		c.global.Release(1)
		c.releaseUser(userID)
		c.timeouts.Add(1)
		c.log.Debug("per-user admission slot timed out", zap.Int64("user_id", userID))
		return nil, ErrAdmissionTimeout
	}

	c.admitted.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			user.Release(1)
			c.releaseUser(userID)
			c.global.Release(1)
		})
	}, nil
}

func (c *Controller) retainUser(userID int64) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.users[userID]
	if !ok {
		slot = &userSlot{sem: semaphore.NewWeighted(c.cfg.PerUserLimit)}
		c.users[userID] = slot
	}
	slot.refs++
	return slot.sem
}

func (c *Controller) releaseUser(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.users[userID]
	if !ok {
		return
	}
	slot.refs--
	if slot.refs <= 0 {
		delete(c.users, userID)
	}
}

// Stats is a point-in-time snapshot of admission activity.
type Stats struct {
	Waiting  int32
	Admitted int64
	Timeouts int64
}

// Stats returns the lock-free counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Waiting:  c.waiting.Load(),
		Admitted: c.admitted.Load(),
		Timeouts: c.timeouts.Load(),
	}
}

// ============================================================================
// PROVIDER-NODE RATE LIMITS
// ============================================================================

// Decision is the outcome of a rate check.
type Decision int

const (
	Allowed Decision = iota
	// DeniedGlobal means the node bucket had no token.
	DeniedGlobal
	// DeniedUser means the (node,user) bucket had no token.
	DeniedUser
)

// Reason returns the fallback reason string for a denial.
func (d Decision) Reason() string {
	switch d {
	case DeniedGlobal:
		return "GLOBAL_RATE_LIMIT"
	case DeniedUser:
		return "USER_RATE_LIMIT"
	}
	return ""
}

type nodeUserKey struct {
	node   string
	userID int64
}

// RateLimiters holds token buckets per provider node and per
// (node,user). Buckets refill continuously at their configured rate.
type RateLimiters struct {
	mu       sync.Mutex
	node     map[string]*rate.Limiter
	nodeUser map[nodeUserKey]*rate.Limiter
}

// NewRateLimiters creates an empty limiter set.
func NewRateLimiters() *RateLimiters {
	return &RateLimiters{
		node:     make(map[string]*rate.Limiter),
		nodeUser: make(map[nodeUserKey]*rate.Limiter),
	}
}

// Check consumes one token from the node bucket and then one from the
// (node,user) bucket. A non-positive rps disables that tier.
func (l *RateLimiters) Check(node string, rps float64, userID int64, perUserRps float64) Decision {
	if rps > 0 && !l.nodeLimiter(node, rps).Allow() {
		return DeniedGlobal
	}
	if perUserRps > 0 && !l.userLimiter(node, userID, perUserRps).Allow() {
		return DeniedUser
	}
	return Allowed
}

func (l *RateLimiters) nodeLimiter(node string, rps float64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.node[node]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(rps), burstFor(rps))
		l.node[node] = lim
	}
	return lim
}

func (l *RateLimiters) userLimiter(node string, userID int64, rps float64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := nodeUserKey{node: node, userID: userID}
	lim, ok := l.nodeUser[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(rps), burstFor(rps))
		l.nodeUser[key] = lim
	}
	return lim
}

// burstFor sizes the bucket to one second of refill, minimum one token.
func burstFor(rps float64) int {
	if rps < 1 {
		return 1
	}
	return int(rps)
}
