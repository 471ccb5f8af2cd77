package provider

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// Node kinds the factory can build.
const (
	KindOpenAI   = "openai"
	KindMock     = "mock"
	KindTerminal = "terminal"
)

// NodeConfig describes one provider node to construct. API keys come from
// the environment via APIKeyEnv so secrets stay out of config files.
type NodeConfig struct {
	Name        string        `yaml:"name" validate:"required"`
	Kind        string        `yaml:"kind" validate:"required,oneof=openai mock terminal"`
	BaseURL     string        `yaml:"baseUrl"`
	APIKeyEnv   string        `yaml:"apiKeyEnv"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxTokens   int           `yaml:"maxTokens"`
	Temperature float64       `yaml:"temperature"`
	// Strategy applies to terminal nodes only.
	Strategy string `yaml:"strategy"`
}

// New builds a provider from its node config.
func New(cfg NodeConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Kind {
	case KindOpenAI:
		apiKey := os.Getenv(cfg.APIKeyEnv)
		if cfg.APIKeyEnv == "" {
			return nil, fmt.Errorf("provider %s: apiKeyEnv not set", cfg.Name)
		}
		return NewClient(ClientConfig{
			Name:        cfg.Name,
			BaseURL:     cfg.BaseURL,
			APIKey:      apiKey,
			Model:       cfg.Model,
			Timeout:     cfg.Timeout,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}, logger), nil
	case KindMock:
		return &Mock{NodeName: cfg.Name}, nil
	case KindTerminal:
		return NewTerminal(cfg.Strategy), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q (valid: %s, %s, %s)",
			cfg.Kind, KindOpenAI, KindMock, KindTerminal)
	}
}
