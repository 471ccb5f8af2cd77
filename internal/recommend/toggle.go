package recommend

import (
	"strings"

	"codetop/internal/metrics"
)

// Toggle gate denial reasons. Route, tier and group denials append the
// offending value after a colon, e.g. "TIER_DISABLED:free".
const (
	ReasonGlobalDisabled = "GLOBAL_DISABLED"
	ReasonUserDenied     = "USER_DENIED"
	ReasonRouteDisabled  = "ROUTE_DISABLED"
	ReasonTierDisabled   = "TIER_DISABLED"
	ReasonGroupDisabled  = "ABGROUP_DISABLED"
	ReasonNotWhitelisted = "WHITELIST_DENIED"
)

// Allow-list modes. Override short-circuits every remaining check for listed
// users; whitelist denies everyone who is not listed.
const (
	AllowListOff       = ""
	AllowListOverride  = "override"
	AllowListWhitelist = "whitelist"
)

// ToggleConfig is the static switchboard for the LLM pipeline. It is loaded
// once at startup and never mutated afterwards.
type ToggleConfig struct {
	Enabled       bool            `yaml:"enabled"`
	AllowListMode string          `yaml:"allowListMode" validate:"omitempty,oneof=override whitelist"`
	AllowUserIDs  []int64         `yaml:"allowUserIds"`
	DenyUserIDs   []int64         `yaml:"denyUserIds"`
	ByRoute       map[string]bool `yaml:"byRoute"`
	ByTier        map[string]bool `yaml:"byTier"`
	ByABGroup     map[string]bool `yaml:"byAbGroup"`
}

// GateDecision is the outcome of one gate evaluation. Reason is empty on
// allow.
type GateDecision struct {
	Allowed bool
	Reason  string
}

// ToggleGate decides whether a request may run the LLM pipeline at all.
// The decision is a pure function of the request context and the loaded
// config; a denial means the caller serves the scheduler-only fallback.
type ToggleGate struct {
	cfg    ToggleConfig
	allow  map[int64]struct{}
	deny   map[int64]struct{}
	byTier map[string]bool
	met    *metrics.Metrics
}

func NewToggleGate(cfg ToggleConfig, met *metrics.Metrics) *ToggleGate {
	g := &ToggleGate{
		cfg:    cfg,
		allow:  make(map[int64]struct{}, len(cfg.AllowUserIDs)),
		deny:   make(map[int64]struct{}, len(cfg.DenyUserIDs)),
		byTier: make(map[string]bool, len(cfg.ByTier)),
		met:    met,
	}
	for _, id := range cfg.AllowUserIDs {
		g.allow[id] = struct{}{}
	}
	for _, id := range cfg.DenyUserIDs {
		g.deny[id] = struct{}{}
	}
	// Tier matching is case-insensitive; routes and groups are exact.
	for tier, on := range cfg.ByTier {
		g.byTier[strings.ToLower(tier)] = on
	}
	return g
}

// Decide evaluates the gate checks in their fixed order. The order matters:
// the deny list beats the allow list, and an override allow beats every
// dimension toggle after it.
func (g *ToggleGate) Decide(rc RequestContext) GateDecision {
	if !g.cfg.Enabled {
		return g.denied(ReasonGlobalDisabled)
	}
	if _, ok := g.deny[rc.UserID]; ok {
		return g.denied(ReasonUserDenied)
	}
	if g.cfg.AllowListMode == AllowListOverride {
		if _, ok := g.allow[rc.UserID]; ok {
			return GateDecision{Allowed: true}
		}
	}
	if on, ok := g.cfg.ByRoute[rc.Route]; ok && !on {
		return g.denied(ReasonRouteDisabled + ":" + rc.Route)
	}
	if on, ok := g.byTier[strings.ToLower(rc.Tier)]; ok && !on {
		return g.denied(ReasonTierDisabled + ":" + strings.ToLower(rc.Tier))
	}
	if on, ok := g.cfg.ByABGroup[rc.ABGroup]; ok && !on {
		return g.denied(ReasonGroupDisabled + ":" + rc.ABGroup)
	}
	if g.cfg.AllowListMode == AllowListWhitelist {
		if _, ok := g.allow[rc.UserID]; !ok {
			return g.denied(ReasonNotWhitelisted)
		}
	}
	return GateDecision{Allowed: true}
}

func (g *ToggleGate) denied(reason string) GateDecision {
	if g.met != nil {
		g.met.ToggleDenials.WithLabelValues(reason).Inc()
	}
	return GateDecision{Reason: reason}
}
