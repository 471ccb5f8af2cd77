package recommend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/samber/lo"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"codetop/internal/admission"
	"codetop/internal/candidate"
	"codetop/internal/metrics"
	"codetop/internal/provider"
)

// Hop records one node that was visited but did not produce a result,
// together with why execution moved on. Hops end up in the
// X-Provider-Chain response header.
type Hop struct {
	Node   string `json:"node"`
	Reason string `json:"reason"`
}

// ChainResult is the outcome of walking one chain. Result is never nil:
// when every node falls through, the chain's terminal strategy fills it.
type ChainResult struct {
	Result         *provider.Result
	ChainID        string
	Hops           []Hop
	Terminal       bool
	FallbackReason string
}

// ExecutorConfig wires an Executor.
type ExecutorConfig struct {
	Providers map[string]provider.Provider
	Limits    *admission.RateLimiters
	Metrics   *metrics.Metrics
	Logger    *zap.Logger

	// BreakerFailures consecutive errors open a node's breaker for
	// BreakerCooldown. RetryDelay spaces the single in-node retry.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	RetryDelay      time.Duration
}

// Executor walks a chain's enabled nodes in order until one returns a
// result. Each node sits behind its own token buckets and circuit breaker;
// a node failure is translated to an error class and, when the node's
// onErrorsToNext list admits that class, execution moves to the next node.
type Executor struct {
	providers map[string]provider.Provider
	limits    *admission.RateLimiters
	met       *metrics.Metrics
	log       *zap.Logger

	failures uint32
	cooldown time.Duration
	delay    time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 50 * time.Millisecond
	}
	if cfg.Limits == nil {
		cfg.Limits = admission.NewRateLimiters()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Executor{
		providers: cfg.Providers,
		limits:    cfg.Limits,
		met:       cfg.Metrics,
		log:       cfg.Logger,
		failures:  cfg.BreakerFailures,
		cooldown:  cfg.BreakerCooldown,
		delay:     cfg.RetryDelay,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute runs req through the chain. It never returns an error; the worst
// case is the chain's terminal strategy with the last hop's reason attached.
func (e *Executor) Execute(ctx context.Context, chain Chain, req provider.Request, pool []candidate.Problem) ChainResult {
	res := ChainResult{ChainID: chain.ID}
	for _, node := range chain.Nodes {
		if !node.Enabled {
			continue
		}
		if d := e.limits.Check(node.Provider, node.RPS, req.UserID, node.PerUserRPS); d != admission.Allowed {
			res.Hops = append(res.Hops, Hop{Node: node.Provider, Reason: d.Reason()})
			e.count(node.Provider, "rate_limited")
			continue
		}
		p, ok := e.providers[node.Provider]
		if !ok {
			res.Hops = append(res.Hops, Hop{Node: node.Provider, Reason: provider.ClassProviderError})
			e.log.Warn("chain names unknown provider", zap.String("chain", chain.ID), zap.String("node", node.Provider))
			continue
		}
		out, err := e.invoke(ctx, node, p, req, pool)
		if err == nil {
			e.count(node.Provider, "ok")
			res.Result = out
			return res
		}
		class := provider.ClassOf(err)
		e.count(node.Provider, "error")
		res.Hops = append(res.Hops, Hop{Node: node.Provider, Reason: class})
		e.log.Warn("provider node failed",
			zap.String("chain", chain.ID),
			zap.String("node", node.Provider),
			zap.String("class", class),
			zap.Error(err))
		if len(node.OnErrorsToNext) > 0 && !lo.Contains(node.OnErrorsToNext, class) {
			// This class may not flow to the next node; stop walking.
			break
		}
	}
	term, _ := TerminalFor(chain).Rank(ctx, req, pool)
	res.Result = term
	res.Terminal = true
	if n := len(res.Hops); n > 0 {
		res.FallbackReason = res.Hops[n-1].Reason
	}
	return res
}

// invoke calls the provider behind the node's breaker and timeout, retrying
// once when the node allows retries. An open breaker is not retried.
func (e *Executor) invoke(ctx context.Context, node ChainNode, p provider.Provider, req provider.Request, pool []candidate.Problem) (*provider.Result, error) {
	cb := e.breaker(node.Provider)
	call := func() (*provider.Result, error) {
		out, err := cb.Execute(func() (any, error) {
			cctx := ctx
			if node.Timeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(ctx, node.Timeout)
				defer cancel()
			}
			return p.Rank(cctx, req, pool)
		})
		if err != nil {
			return nil, err
		}
		return out.(*provider.Result), nil
	}
	if node.Attempts <= 0 {
		return call()
	}
	var out *provider.Result
	err := retry.Do(
		func() error {
			var cerr error
			out, cerr = call()
			return cerr
		},
		retry.Attempts(uint(node.Attempts)+1),
		retry.Delay(e.delay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, gobreaker.ErrOpenState)
		}),
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Executor) breaker(node string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[node]; ok {
		return cb
	}
	failures := e.failures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    node,
		Timeout: e.cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.log.Info("provider breaker state changed",
				zap.String("node", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	e.breakers[node] = cb
	return cb
}

func (e *Executor) count(node, outcome string) {
	if e.met != nil {
		e.met.ProviderCalls.WithLabelValues(node, outcome).Inc()
	}
}
