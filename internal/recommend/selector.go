package recommend

import (
	"strings"
	"time"

	"github.com/samber/lo"

	"codetop/internal/provider"
)

// ChainNode is one provider slot in a chain. Attempts counts retries after
// the first call, not total calls; zero means a single shot.
type ChainNode struct {
	Provider       string        `yaml:"provider" validate:"required"`
	Enabled        bool          `yaml:"enabled"`
	Timeout        time.Duration `yaml:"timeout"`
	Attempts       int           `yaml:"attempts" validate:"min=0,max=3"`
	RPS            float64       `yaml:"rps"`
	PerUserRPS     float64       `yaml:"perUserRps"`
	OnErrorsToNext []string      `yaml:"onErrorsToNext"`
}

// Chain is an ordered list of provider nodes plus the terminal strategy used
// when every node falls through.
type Chain struct {
	ID       string      `yaml:"id" validate:"required"`
	Nodes    []ChainNode `yaml:"nodes"`
	Fallback string      `yaml:"fallback" validate:"omitempty,oneof=busy empty scheduler_topn"`
}

// RoutingRule routes a request segment to a chain. Every listed dimension
// must match; within a dimension any listed value may match. An empty
// dimension is a wildcard.
type RoutingRule struct {
	Tiers    []string `yaml:"tiers"`
	ABGroups []string `yaml:"abGroups"`
	Routes   []string `yaml:"routes"`
	UseChain string   `yaml:"useChain" validate:"required"`
}

// SelectorConfig is the routing table: rules in declaration order, the
// chains they may name, and the chain used when no rule matches.
type SelectorConfig struct {
	Rules          []RoutingRule `yaml:"rules"`
	DefaultChainID string        `yaml:"defaultChainId"`
	Chains         []Chain       `yaml:"chains"`
}

// ChainSelector resolves a request context to the chain that should serve
// it. Resolution is deterministic: first matching rule wins, then the
// default chain, then the first declared chain that still has an enabled
// node.
type ChainSelector struct {
	rules     []RoutingRule
	chains    map[string]Chain
	order     []string
	defaultID string
}

func NewChainSelector(cfg SelectorConfig) *ChainSelector {
	s := &ChainSelector{
		rules:     cfg.Rules,
		chains:    make(map[string]Chain, len(cfg.Chains)),
		order:     make([]string, 0, len(cfg.Chains)),
		defaultID: cfg.DefaultChainID,
	}
	for _, c := range cfg.Chains {
		if _, dup := s.chains[c.ID]; dup {
			continue
		}
		s.chains[c.ID] = c
		s.order = append(s.order, c.ID)
	}
	return s
}

// Select returns the chain for rc. ok is false when no usable chain exists
// at all, in which case the caller answers with the terminal default.
func (s *ChainSelector) Select(rc RequestContext) (Chain, bool) {
	id := s.defaultID
	for _, r := range s.rules {
		if r.matches(rc) {
			id = r.UseChain
			break
		}
	}
	if c, ok := s.chains[id]; ok {
		return c, true
	}
	// Named chain is missing from the table. Fall back to the first
	// declared chain that still has an enabled node.
	for _, cid := range s.order {
		c := s.chains[cid]
		for _, n := range c.Nodes {
			if n.Enabled {
				return c, true
			}
		}
	}
	return Chain{}, false
}

func (r RoutingRule) matches(rc RequestContext) bool {
	tierEq := func(s string) bool { return strings.EqualFold(s, rc.Tier) }
	if len(r.Tiers) > 0 && !lo.ContainsBy(r.Tiers, tierEq) {
		return false
	}
	if len(r.ABGroups) > 0 && !lo.Contains(r.ABGroups, rc.ABGroup) {
		return false
	}
	if len(r.Routes) > 0 && !lo.Contains(r.Routes, rc.Route) {
		return false
	}
	return true
}

// TerminalFor maps a chain's fallback strategy onto a terminal provider.
func TerminalFor(c Chain) provider.Provider {
	return provider.NewTerminal(c.Fallback)
}
