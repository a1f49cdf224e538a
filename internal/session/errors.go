package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSeedUnavailable means no seed could be fetched. The round loop must
	// not start; callers may retry Open.
	ErrSeedUnavailable = errors.New("session: seed unavailable")

	// ErrBetRejected means the server denied a bet. The stake is refunded locally.
	ErrBetRejected = errors.New("session: bet rejected")

	// ErrSettlementDelivery means a settlement could not be delivered. The
	// balance is re-fetched instead of retrying the settlement.
	ErrSettlementDelivery = errors.New("session: settlement not delivered")
)

// HTTPError represents a non-2xx response from the session server.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("session: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable returns true for rate limits (429) and server errors (5xx).
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// IsClientError reports a 4xx answer: the request itself was refused.
func (e *HTTPError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}
