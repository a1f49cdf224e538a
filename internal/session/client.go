// Package session talks to the session server and anchors the local clock to
// the server's.
//
// # Usage
//
//	client := session.NewClient(session.Config{
//	    BaseURL: "http://localhost:8080",
//	    UserID:  "player-1",
//	})
//
//	s, err := session.Open(ctx, client, clockwork.NewRealClock(), "crash", 0)
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config holds configuration for the session API client.
type Config struct {
	// BaseURL of the session server, e.g. "http://localhost:8080".
	BaseURL string

	// UserID is sent as X-User-ID on every request.
	UserID string

	// MaxRetries is the maximum number of retry attempts for retryable errors.
	// Defaults to 3 if zero.
	MaxRetries int

	// BaseRetryDelay is the initial delay before the first retry.
	// Defaults to 500ms if zero.
	BaseRetryDelay time.Duration

	// MaxRetryDelay caps the exponential backoff delay.
	// Defaults to 5 seconds if zero.
	MaxRetryDelay time.Duration

	// HTTPClient allows injecting a custom HTTP client.
	// Defaults to a client with 10s timeout.
	HTTPClient *http.Client

	// Clock drives retry backoff. Defaults to the real clock.
	Clock clockwork.Clock
}

// Client is a session server API client.
type Client struct {
	config Config
	http   *http.Client
	clock  clockwork.Clock
}

// NewClient creates a new session API client with the given configuration.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseRetryDelay == 0 {
		cfg.BaseRetryDelay = 500 * time.Millisecond
	}
	if cfg.MaxRetryDelay == 0 {
		cfg.MaxRetryDelay = 5 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{config: cfg, http: httpClient, clock: clock}
}

// UserID returns the configured player identity.
func (c *Client) UserID() string { return c.config.UserID }

// Init fetches the current seed and server time. Server errors are retried;
// any final failure is reported as ErrSeedUnavailable.
func (c *Client) Init(ctx context.Context, game string) (*InitResponse, error) {
	var out InitResponse
	err := c.doWithRetry(ctx, http.MethodGet, "/session/init?game="+url.QueryEscape(game), nil, &out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSeedUnavailable, err)
	}
	if out.Seed == "" || out.ServerTime <= 0 {
		return nil, fmt.Errorf("%w: incomplete init response", ErrSeedUnavailable)
	}
	return &out, nil
}

// Bets lists the bets placed on the current round.
func (c *Client) Bets(ctx context.Context, game string) ([]BetView, error) {
	var out BetsResponse
	if err := c.doWithRetry(ctx, http.MethodGet, "/session/bets?game="+url.QueryEscape(game), nil, &out); err != nil {
		return nil, err
	}
	return out.Bets, nil
}

// PlaceBet registers a bet. A 4xx answer is reported as ErrBetRejected.
// It is never retried: a lost answer must not place the bet twice.
func (c *Client) PlaceBet(ctx context.Context, req PlaceBetRequest) (*PlaceBetResponse, error) {
	var out PlaceBetResponse
	if err := c.do(ctx, http.MethodPost, "/session/bet", req, &out); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.IsClientError() {
			return nil, fmt.Errorf("%w: %w", ErrBetRejected, err)
		}
		return nil, err
	}
	if !out.OK {
		return nil, ErrBetRejected
	}
	return &out, nil
}

// Settle delivers one settlement in a single attempt. Any failure is
// reported as ErrSettlementDelivery; the caller re-fetches the balance.
func (c *Client) Settle(ctx context.Context, req SettleRequest) (*SettleResponse, error) {
	var out SettleResponse
	if err := c.do(ctx, http.MethodPost, "/session/settle", req, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSettlementDelivery, err)
	}
	if !out.OK {
		return nil, fmt.Errorf("%w: server refused settlement %s", ErrSettlementDelivery, req.ID)
	}
	return &out, nil
}

// Balance fetches the authoritative balance.
func (c *Client) Balance(ctx context.Context) (*BalanceResponse, error) {
	var out BalanceResponse
	if err := c.doWithRetry(ctx, http.MethodGet, "/session/balance", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends a single request and decodes a JSON answer into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	u := strings.TrimRight(c.config.BaseURL, "/") + path

	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("session: marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("session: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.UserID != "" {
		req.Header.Set("X-User-ID", c.config.UserID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("session: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("session: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("session: invalid response JSON: %w", err)
	}
	return nil
}

// doWithRetry retries transport failures and retryable HTTP errors with
// exponential backoff.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body, out any) error {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-c.clock.After(c.retryDelay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.IsRetryable() {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("session: max retries exceeded: %w", lastErr)
}

// retryDelay calculates the backoff delay for a given attempt number.
func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.config.BaseRetryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
	if delay > c.config.MaxRetryDelay {
		delay = c.config.MaxRetryDelay
	}
	return delay
}
