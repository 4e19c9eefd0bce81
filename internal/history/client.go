// Package history fetches bounded transaction windows from the upstream
// banking system. It is a pure I/O boundary: the engine treats a failed
// fetch as an empty window, so errors here never fail an analysis.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fraudguard/riskengine/internal/risk"
)

// Client fetches account transaction history over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
	logger     *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n uint64) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a history provider client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		maxRetries: 2,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type historyResponse struct {
	Transactions []risk.Transaction `json:"transactions"`
}

// Window fetches up to limit prior transactions for the account, ordered by
// the provider. Transient failures are retried with exponential backoff; a
// final failure is returned as an error for the engine to absorb.
func (c *Client) Window(ctx context.Context, accountID string, limit int) (risk.HistoryWindow, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/transactions?limit=%d",
		c.baseURL, url.PathEscape(accountID), limit)

	var window risk.HistoryWindow
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("history provider returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("history provider returned %d", resp.StatusCode))
		}

		var hr historyResponse
		if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
			return backoff.Permanent(fmt.Errorf("decode history response: %w", err))
		}
		window = hr.Transactions
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(newShortBackoff(), c.maxRetries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, fmt.Errorf("fetch history for account %s: %w", accountID, err)
	}

	if len(window) > limit {
		window = window[:limit]
	}
	return window, nil
}

// newShortBackoff keeps the retry budget well under the analysis latency
// budget; history is nice-to-have, not load-bearing.
func newShortBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 3 * time.Second
	return bo
}
