// Package gemini invokes the external scoring model over an OpenAI-compatible
// chat completions endpoint. The model is advisory: every failure mode maps to
// an error kind the engine can degrade around, so a dead model never fails an
// analysis.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/fraudguard/riskengine/internal/cache"
	"github.com/fraudguard/riskengine/internal/circuitbreaker"
	"github.com/fraudguard/riskengine/internal/metrics"
	"github.com/fraudguard/riskengine/internal/risk"
)

// breakerKey identifies the model upstream in the circuit breaker.
const breakerKey = "model"

// Client calls the scoring model. It implements risk.Scorer.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	timeout    time.Duration
	httpClient *http.Client
	scoreCache *cache.ScoreCache
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithScoreCache attaches a score cache. Nil is allowed and means no caching.
func WithScoreCache(sc *cache.ScoreCache) Option {
	return func(c *Client) { c.scoreCache = sc }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBreaker overrides the default circuit breaker (for testing).
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// NewClient creates a model client. The endpoint is the base URL of an
// OpenAI-compatible API, e.g. "https://generativelanguage.googleapis.com/v1beta/openai".
func NewClient(endpoint, apiKey, model string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		timeout:  timeout,
		// Transport timeout slightly above the per-call context deadline so
		// the context is always what fires first.
		httpClient: &http.Client{Timeout: timeout + 2*time.Second},
		breaker:    circuitbreaker.New(5, 30*time.Second),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type scorePayload struct {
	RiskScore *float64 `json:"risk_score"`
	Rationale string   `json:"rationale"`
}

// Score asks the model to score the transaction. The returned result always
// carries either a usable score or a non-empty error kind; latency covers the
// full round trip including cache lookups.
func (c *Client) Score(ctx context.Context, tx *risk.Transaction, sum *risk.AccountSummary, sig risk.PatternSignals) *risk.ModelResult {
	start := time.Now()
	prompt := BuildPrompt(tx, sum, sig)
	hash := cache.ContextHash(prompt)

	if cached, ok := c.scoreCache.Get(ctx, hash); ok {
		metrics.ModelCallsTotal.WithLabelValues("cache_hit").Inc()
		return &risk.ModelResult{
			Score:       cached.Score,
			Explanation: cached.Explanation,
			Latency:     time.Since(start),
		}
	}

	// Short-circuit while the model upstream is tripped. Cached scores above
	// still serve; everything else degrades to rules and heuristics.
	if !c.breaker.Allow(breakerKey) {
		metrics.ModelCallsTotal.WithLabelValues("breaker_open").Inc()
		return &risk.ModelResult{
			ErrKind: risk.ErrKindUnavailable,
			Latency: time.Since(start),
		}
	}

	result := c.call(ctx, prompt)
	result.Latency = time.Since(start)

	switch result.ErrKind {
	case risk.ErrKindTimeout, risk.ErrKindUnavailable:
		c.breaker.RecordFailure(breakerKey)
	default:
		c.breaker.RecordSuccess(breakerKey)
	}

	label := string(result.ErrKind)
	if result.OK() {
		label = "ok"
		c.scoreCache.Set(ctx, hash, &cache.ScoredResponse{
			Score:       result.Score,
			Explanation: result.Explanation,
		})
	}
	metrics.ModelCallsTotal.WithLabelValues(label).Inc()
	metrics.ModelCallDuration.Observe(result.Latency.Seconds())

	if !result.OK() {
		c.logger.Warn("model call failed",
			"transaction_id", tx.ID,
			"err_kind", result.ErrKind,
			"latency_ms", result.Latency.Milliseconds())
	}
	return result
}

func (c *Client) call(ctx context.Context, prompt string) *risk.ModelResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemInstruction},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.1,
		MaxTokens:   256,
	})
	if err != nil {
		return &risk.ModelResult{ErrKind: risk.ErrKindInvalidResponse}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return &risk.ModelResult{ErrKind: risk.ErrKindUnavailable}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &risk.ModelResult{ErrKind: risk.ErrKindTimeout}
		}
		return &risk.ModelResult{ErrKind: risk.ErrKindUnavailable}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &risk.ModelResult{ErrKind: risk.ErrKindUnavailable}
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return &risk.ModelResult{ErrKind: risk.ErrKindInvalidResponse}
	}
	if len(cr.Choices) == 0 {
		return &risk.ModelResult{ErrKind: risk.ErrKindInvalidResponse}
	}

	score, rationale, err := parseScore(cr.Choices[0].Message.Content)
	if err != nil {
		return &risk.ModelResult{ErrKind: risk.ErrKindInvalidResponse}
	}
	return &risk.ModelResult{Score: score, Explanation: rationale}
}

// parseScore extracts the scoring payload from model output. Models wrap JSON
// in code fences or prose often enough that we scan for the outermost object
// instead of decoding the content verbatim.
func parseScore(content string) (float64, string, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return 0, "", fmt.Errorf("no JSON object in model output")
	}

	var p scorePayload
	if err := json.Unmarshal([]byte(content[start:end+1]), &p); err != nil {
		return 0, "", fmt.Errorf("decode model output: %w", err)
	}
	if p.RiskScore == nil {
		return 0, "", fmt.Errorf("model output missing risk_score")
	}
	score := *p.RiskScore
	if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 || score > 1 {
		return 0, "", fmt.Errorf("risk_score %g out of range", score)
	}
	return score, p.Rationale, nil
}
