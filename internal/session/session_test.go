package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	res *InitResponse
	err error
}

func (s stubFetcher) Init(context.Context, string) (*InitResponse, error) { return s.res, s.err }

func testClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:        srv.URL,
		UserID:         "player-1",
		BaseRetryDelay: time.Millisecond,
		MaxRetryDelay:  2 * time.Millisecond,
	})
}

func TestOpenAnchorsClock(t *testing.T) {
	local := time.UnixMilli(1_000_000)
	clock := clockwork.NewFakeClockAt(local)
	serverTime := int64(14_400_000*3 + 5_000)

	s, err := Open(context.Background(), stubFetcher{res: &InitResponse{Seed: "abc", ServerTime: serverTime}}, clock, "crash", 0)
	require.NoError(t, err)

	assert.Equal(t, "abc", s.Seed())
	assert.Equal(t, int64(14_400_000*3), s.PeriodStart())
	assert.Equal(t, int64(14_400_000*4), s.PeriodEnd())
	assert.Equal(t, time.Duration(serverTime-1_000_000)*time.Millisecond, s.Offset())
	assert.Equal(t, float64(serverTime), s.Now())

	clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, float64(serverTime+1500), s.Now())
	assert.False(t, s.Expired(s.Now()))
	assert.True(t, s.Expired(float64(s.PeriodEnd())))
}

func TestOpenFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cases := []SeedFetcher{
		stubFetcher{err: errors.New("connection refused")},
		stubFetcher{res: &InitResponse{Seed: "", ServerTime: 5}},
		stubFetcher{res: &InitResponse{Seed: "x", ServerTime: 0}},
		stubFetcher{},
	}
	for _, f := range cases {
		s, err := Open(context.Background(), f, clock, "race", 0)
		assert.Nil(t, s)
		assert.ErrorIs(t, err, ErrSeedUnavailable)
	}
}

func TestPeriodStartOf(t *testing.T) {
	assert.Equal(t, int64(0), PeriodStartOf(14_399_999, DefaultTTL))
	assert.Equal(t, int64(14_400_000), PeriodStartOf(14_400_000, DefaultTTL))
	assert.Equal(t, int64(0), PeriodStartOf(-5, DefaultTTL))
}

func TestClientInit(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/session/init", r.URL.Path)
		assert.Equal(t, "crash", r.URL.Query().Get("game"))
		assert.Equal(t, "player-1", r.Header.Get("X-User-ID"))
		json.NewEncoder(w).Encode(InitResponse{Seed: "s1", ServerTime: 1234})
	})

	res, err := c.Init(context.Background(), "crash")
	require.NoError(t, err)
	assert.Equal(t, "s1", res.Seed)
	assert.Equal(t, int64(1234), res.ServerTime)
}

func TestClientInitRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(InitResponse{Seed: "s1", ServerTime: 1234})
	})

	res, err := c.Init(context.Background(), "race")
	require.NoError(t, err)
	assert.Equal(t, "s1", res.Seed)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientInitGivesUp(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	})

	_, err := c.Init(context.Background(), "race")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSeedUnavailable)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.Equal(t, int32(4), calls.Load())
}

func TestClientInitDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown game", http.StatusBadRequest)
	})

	_, err := c.Init(context.Background(), "slots")
	assert.ErrorIs(t, err, ErrSeedUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientPlaceBet(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req PlaceBetRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "race", req.Game)
		assert.Equal(t, int64(42), req.Round)
		assert.Equal(t, 3, req.Selection)
		assert.True(t, decimal.NewFromInt(25).Equal(req.Amount))

		json.NewEncoder(w).Encode(PlaceBetResponse{
			OK:      true,
			Bets:    []BetView{{UserID: "player-1", Selection: 3, Amount: req.Amount}},
			Balance: decimal.NewFromInt(75),
		})
	})

	res, err := c.PlaceBet(context.Background(), PlaceBetRequest{Game: "race", Round: 42, Selection: 3, Amount: decimal.NewFromInt(25)})
	require.NoError(t, err)
	require.Len(t, res.Bets, 1)
	assert.True(t, decimal.NewFromInt(75).Equal(res.Balance))
}

func TestClientPlaceBetRejected(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"type":"insufficient_balance"}`, http.StatusPaymentRequired)
	})

	_, err := c.PlaceBet(context.Background(), PlaceBetRequest{Game: "crash", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrBetRejected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientPlaceBetServerErrorIsNotRejection(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := c.PlaceBet(context.Background(), PlaceBetRequest{Game: "crash", Amount: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBetRejected)
}

func TestClientSettleSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	})

	_, err := c.Settle(context.Background(), SettleRequest{ID: "k", Game: "crash"})
	assert.ErrorIs(t, err, ErrSettlementDelivery)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientSettleAndBalance(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/session/settle":
			var req SettleRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "key-1", req.ID)
			json.NewEncoder(w).Encode(SettleResponse{OK: true, Balance: decimal.NewFromInt(257)})
		case "/session/balance":
			json.NewEncoder(w).Encode(BalanceResponse{Balance: decimal.NewFromInt(257)})
		default:
			http.NotFound(w, r)
		}
	})

	res, err := c.Settle(context.Background(), SettleRequest{ID: "key-1", Game: "crash", Round: 0, Bet: decimal.NewFromInt(100), Win: decimal.NewFromInt(257)})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(257).Equal(res.Balance))

	bal, err := c.Balance(context.Background())
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(257).Equal(bal.Balance))
}

func TestClientBets(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bets":[{"user_id":"u1","monkey_idx":2,"amount":10,"user_name":"Ann"}]}`))
	})

	bets, err := c.Bets(context.Background(), "race")
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.Equal(t, 2, bets[0].Selection)
	assert.Equal(t, "Ann", bets[0].UserName)
	assert.True(t, decimal.NewFromInt(10).Equal(bets[0].Amount))
}

func TestRetryDelay(t *testing.T) {
	c := NewClient(Config{BaseRetryDelay: 100 * time.Millisecond, MaxRetryDelay: 300 * time.Millisecond})
	assert.Equal(t, 100*time.Millisecond, c.retryDelay(1))
	assert.Equal(t, 200*time.Millisecond, c.retryDelay(2))
	assert.Equal(t, 300*time.Millisecond, c.retryDelay(3))
}

func TestHTTPErrorClassification(t *testing.T) {
	assert.True(t, (&HTTPError{StatusCode: 503}).IsRetryable())
	assert.True(t, (&HTTPError{StatusCode: 429}).IsRetryable())
	assert.False(t, (&HTTPError{StatusCode: 409}).IsRetryable())
	assert.True(t, (&HTTPError{StatusCode: 409}).IsClientError())
}
