package config

import (
	"fmt"
	"time"

	"codetop/internal/provider"
	"codetop/internal/recommend"
)

// RecommendConfig is the YAML surface of the recommendation pipeline.
// The toggle, ranker, mixer, and confidence sections are the pipeline's
// own config types; chains and providers are mirrored here because their
// typed forms carry durations, which YAML supplies as strings.
type RecommendConfig struct {
	PromptVersion string `yaml:"promptVersion"`
	DefaultLimit  int    `yaml:"defaultLimit" validate:"gte=1"`
	MaxLimit      int    `yaml:"maxLimit" validate:"gte=1"`

	// ABGroups are the experiment buckets users hash into. Empty
	// disables assignment.
	ABGroups []string `yaml:"abGroups"`

	Toggles recommend.ToggleConfig `yaml:"toggles"`

	Rules          []recommend.RoutingRule `yaml:"rules"`
	DefaultChainID string                  `yaml:"defaultChainId"`
	Chains         []ChainConfig           `yaml:"chains"`
	Providers      []ProviderNode          `yaml:"providers"`

	Ranker     recommend.RankerConfig     `yaml:"ranker"`
	Mixer      recommend.MixerConfig      `yaml:"mixer"`
	Confidence recommend.ConfidenceConfig `yaml:"confidence"`

	RetryDelay      string `yaml:"retryDelay"`
	BreakerFailures uint32 `yaml:"breakerFailures"`
	BreakerCooldown string `yaml:"breakerCooldown"`
}

// ChainConfig mirrors recommend.Chain with string node timeouts.
type ChainConfig struct {
	ID       string            `yaml:"id" validate:"required"`
	Nodes    []ChainNodeConfig `yaml:"nodes"`
	Fallback string            `yaml:"fallback" validate:"omitempty,oneof=busy empty scheduler_topn"`
}

// ChainNodeConfig mirrors recommend.ChainNode.
type ChainNodeConfig struct {
	Provider       string   `yaml:"provider" validate:"required"`
	Enabled        bool     `yaml:"enabled"`
	Timeout        string   `yaml:"timeout"`
	Attempts       int      `yaml:"attempts" validate:"gte=0,lte=3"`
	RPS            float64  `yaml:"rps"`
	PerUserRPS     float64  `yaml:"perUserRps"`
	OnErrorsToNext []string `yaml:"onErrorsToNext"`
}

// ProviderNode mirrors provider.NodeConfig.
type ProviderNode struct {
	Name        string  `yaml:"name" validate:"required"`
	Kind        string  `yaml:"kind" validate:"required,oneof=openai mock terminal"`
	BaseURL     string  `yaml:"baseUrl"`
	APIKeyEnv   string  `yaml:"apiKeyEnv"`
	Model       string  `yaml:"model"`
	Timeout     string  `yaml:"timeout"`
	MaxTokens   int     `yaml:"maxTokens"`
	Temperature float64 `yaml:"temperature"`
	Strategy    string  `yaml:"strategy"`
}

// DefaultRecommendConfig wires a single OpenAI-compatible provider into
// one chain that degrades to the scheduler's top-N when the call fails.
// Without OPENAI_API_KEY in the environment every request takes that
// fallback path, so the default is safe to run cold.
func DefaultRecommendConfig() RecommendConfig {
	return RecommendConfig{
		PromptVersion:  "v1",
		DefaultLimit:   10,
		MaxLimit:       20,
		ABGroups:       nil,
		Toggles:        recommend.ToggleConfig{Enabled: true},
		DefaultChainID: "default",
		Chains: []ChainConfig{{
			ID: "default",
			Nodes: []ChainNodeConfig{{
				Provider: "openai-primary",
				Enabled:  true,
				Timeout:  "8s",
				Attempts: 1,
				RPS:      5,
			}},
			Fallback: provider.FallbackTopN,
		}},
		Providers: []ProviderNode{{
			Name:      "openai-primary",
			Kind:      provider.KindOpenAI,
			APIKeyEnv: "OPENAI_API_KEY",
			Model:     "gpt-4o-mini",
			Timeout:   "8s",
			MaxTokens: 2048,
		}},
		Ranker:          recommend.DefaultRankerConfig(),
		Mixer:           recommend.DefaultMixerConfig(),
		Confidence:      recommend.DefaultConfidenceConfig(),
		RetryDelay:      "50ms",
		BreakerFailures: 5,
		BreakerCooldown: "30s",
	}
}

// validate checks the pipeline weights and the chain graph: ids unique,
// providers unique, every node naming a declared provider, every chain
// holding at least one enabled node, and the default chain declared.
func (rc *RecommendConfig) validate() error {
	if err := rc.Ranker.Validate(); err != nil {
		return err
	}
	if err := rc.Mixer.Validate(); err != nil {
		return err
	}
	if err := rc.Confidence.Validate(); err != nil {
		return err
	}

	providers := make(map[string]bool, len(rc.Providers))
	for _, p := range rc.Providers {
		if providers[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		providers[p.Name] = true
	}

	chains := make(map[string]bool, len(rc.Chains))
	for _, ch := range rc.Chains {
		if chains[ch.ID] {
			return fmt.Errorf("duplicate chain %q", ch.ID)
		}
		chains[ch.ID] = true
		enabled := 0
		for _, n := range ch.Nodes {
			if !providers[n.Provider] {
				return fmt.Errorf("chain %q: node references undeclared provider %q", ch.ID, n.Provider)
			}
			if n.Enabled {
				enabled++
			}
		}
		if enabled == 0 {
			return fmt.Errorf("chain %q has no enabled nodes", ch.ID)
		}
	}
	if rc.DefaultChainID != "" && !chains[rc.DefaultChainID] {
		return fmt.Errorf("default chain %q not declared", rc.DefaultChainID)
	}
	for _, r := range rc.Rules {
		if r.UseChain != "" && !chains[r.UseChain] {
			return fmt.Errorf("routing rule references undeclared chain %q", r.UseChain)
		}
	}
	return nil
}

// SelectorConfig converts the routing section.
func (c *Config) SelectorConfig() recommend.SelectorConfig {
	rc := c.Recommend
	chains := make([]recommend.Chain, 0, len(rc.Chains))
	for _, ch := range rc.Chains {
		nodes := make([]recommend.ChainNode, 0, len(ch.Nodes))
		for _, n := range ch.Nodes {
			nodes = append(nodes, recommend.ChainNode{
				Provider:       n.Provider,
				Enabled:        n.Enabled,
				Timeout:        duration(n.Timeout, 8*time.Second),
				Attempts:       n.Attempts,
				RPS:            n.RPS,
				PerUserRPS:     n.PerUserRPS,
				OnErrorsToNext: n.OnErrorsToNext,
			})
		}
		chains = append(chains, recommend.Chain{ID: ch.ID, Nodes: nodes, Fallback: ch.Fallback})
	}
	return recommend.SelectorConfig{
		Rules:          rc.Rules,
		DefaultChainID: rc.DefaultChainID,
		Chains:         chains,
	}
}

// ProviderNodes converts the provider declarations.
func (c *Config) ProviderNodes() []provider.NodeConfig {
	rc := c.Recommend
	nodes := make([]provider.NodeConfig, 0, len(rc.Providers))
	for _, p := range rc.Providers {
		nodes = append(nodes, provider.NodeConfig{
			Name:        p.Name,
			Kind:        p.Kind,
			BaseURL:     p.BaseURL,
			APIKeyEnv:   p.APIKeyEnv,
			Model:       p.Model,
			Timeout:     duration(p.Timeout, 8*time.Second),
			MaxTokens:   p.MaxTokens,
			Temperature: p.Temperature,
			Strategy:    p.Strategy,
		})
	}
	return nodes
}

// RetryDelay spaces the single in-node retry.
func (c *Config) RetryDelay() time.Duration {
	return duration(c.Recommend.RetryDelay, 50*time.Millisecond)
}

// BreakerCooldown is how long an open circuit stays open.
func (c *Config) BreakerCooldown() time.Duration {
	return duration(c.Recommend.BreakerCooldown, 30*time.Second)
}
