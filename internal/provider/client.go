package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"codetop/internal/candidate"
	"codetop/internal/domain"
)

const rankSystemPrompt = "You are a spaced-repetition coach for algorithm practice. " +
	"Rank the candidate problems for the user's next session. " +
	"Ground every score only in the provided data. " +
	"Respond with a JSON array only, no prose, no code fences."

// ClientConfig holds the settings of one openai-compatible node.
type ClientConfig struct {
	Name        string
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

// Client talks to an openai-compatible chat-completions endpoint and
// parses its reply into ranked items. One call is one attempt; retries and
// fallbacks belong to the chain.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	log        *zap.Logger
}

// NewClient builds a client, filling zero config fields.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.1
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        logger,
	}
}

func (c *Client) Name() string { return c.cfg.Name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Rank sends the pool to the model and parses the ranked items.
func (c *Client) Rank(ctx context.Context, req Request, pool []candidate.Problem) (*Result, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api key not configured", c.cfg.Name)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	prompt, err := buildRankPrompt(req, pool)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: rankSystemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("provider %s: %w", c.cfg.Name, ctx.Err())
		}
		return nil, fmt.Errorf("provider %s request: %w", c.cfg.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("provider %s throttled: %w", c.cfg.Name, domain.ErrRateLimited)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("provider %s status %d: %w", c.cfg.Name, resp.StatusCode, domain.ErrTransient)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("provider %s status %d: %s", c.cfg.Name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse response envelope: %w", ErrInvalidResponse)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("provider %s: %s", c.cfg.Name, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("provider %s returned no completion: %w", c.cfg.Name, ErrInvalidResponse)
	}

	items, err := parseRankedItems(parsed.Choices[0].Message.Content, pool)
	if err != nil {
		return nil, err
	}
	c.log.Debug("provider ranked pool",
		zap.String("provider", c.cfg.Name),
		zap.Int("pool", len(pool)),
		zap.Int("items", len(items)),
		zap.Duration("took", time.Since(start)))
	return &Result{Provider: c.cfg.Name, Model: c.cfg.Model, Items: items}, nil
}

// buildRankPrompt packs the pool and profile hints into the user message.
func buildRankPrompt(req Request, pool []candidate.Problem) (string, error) {
	poolJSON, err := json.Marshal(pool)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Pick and score the best %d problems for this user.\n", req.Limit)
	if req.Objective != "" {
		fmt.Fprintf(&b, "Session objective: %s.\n", req.Objective)
	}
	if len(req.WeakDomains) > 0 {
		fmt.Fprintf(&b, "Weak domains: %s.\n", strings.Join(req.WeakDomains, ", "))
	}
	if len(req.StrongDomains) > 0 {
		fmt.Fprintf(&b, "Strong domains: %s.\n", strings.Join(req.StrongDomains, ", "))
	}
	if req.LearningPattern != "" {
		fmt.Fprintf(&b, "Learning pattern: %s. Preferred difficulty: %s.\n", req.LearningPattern, req.PreferredLevel)
	}
	b.WriteString("Candidates (urgencyScore and retentionProbability come from the scheduler):\n")
	b.Write(poolJSON)
	b.WriteString("\nReturn a JSON array of {\"problemId\": number, \"score\": number in [0,1], \"reason\": short string}, best first.")
	return b.String(), nil
}

// parseRankedItems extracts the JSON array from the completion and keeps
// items that reference pool problems, clamping scores to [0,1].
func parseRankedItems(content string, pool []candidate.Problem) ([]Item, error) {
	payload := extractJSONArray(content)
	if payload == "" {
		return nil, fmt.Errorf("no JSON array in completion: %w", ErrInvalidResponse)
	}
	var items []Item
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil, fmt.Errorf("decode ranked items: %w", ErrInvalidResponse)
	}

	known := make(map[int64]struct{}, len(pool))
	for _, c := range pool {
		known[c.ID] = struct{}{}
	}
	out := items[:0]
	seen := make(map[int64]struct{}, len(items))
	for _, it := range items {
		if _, ok := known[it.ProblemID]; !ok {
			continue
		}
		if _, dup := seen[it.ProblemID]; dup {
			continue
		}
		seen[it.ProblemID] = struct{}{}
		if it.Score < 0 {
			it.Score = 0
		} else if it.Score > 1 {
			it.Score = 1
		}
		out = append(out, it)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("completion ranked no known problems: %w", ErrInvalidResponse)
	}
	return out, nil
}

// extractJSONArray returns the first balanced JSON array in text, fences
// and prose ignored.
func extractJSONArray(text string) string {
	start := strings.Index(text, "[")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '[' || ch == '{':
			depth++
		case ch == ']' || ch == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
