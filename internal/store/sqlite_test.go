package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Migrate(context.Background()))
}

func TestEnsureAccount(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	bal, err := db.EnsureAccount(ctx, "u1", dec("1000"))
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("1000")))

	// Existing accounts keep their balance.
	bal, err = db.EnsureAccount(ctx, "u1", dec("5"))
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("1000")))

	_, err = db.Balance(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPlaceBet(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.EnsureAccount(ctx, "u1", dec("100"))
	require.NoError(t, err)

	bet := &BetRecord{UserID: "u1", UserName: "ann", Game: "race", PeriodStart: 0, Round: 3, Selection: 2, Amount: dec("40.5")}
	bal, err := db.PlaceBet(ctx, bet)
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("59.5")), bal.String())
	assert.NotZero(t, bet.ID)

	_, err = db.PlaceBet(ctx, &BetRecord{UserID: "u1", Game: "race", Round: 3, Amount: dec("1")})
	assert.ErrorIs(t, err, ErrDuplicateBet)

	// Same round in another game or period is a different bet.
	_, err = db.PlaceBet(ctx, &BetRecord{UserID: "u1", Game: "crash", Round: 3, Amount: dec("1")})
	require.NoError(t, err)
	_, err = db.PlaceBet(ctx, &BetRecord{UserID: "u1", Game: "race", PeriodStart: 14_400_000, Round: 3, Amount: dec("1")})
	require.NoError(t, err)

	_, err = db.PlaceBet(ctx, &BetRecord{UserID: "u1", Game: "race", Round: 4, Amount: dec("1000")})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	bal, err = db.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("57.5")), bal.String())

	bets, err := db.RoundBets(ctx, "race", 0, 3)
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.Equal(t, "ann", bets[0].UserName)
	assert.Equal(t, 2, bets[0].Selection)
	assert.True(t, bets[0].Amount.Equal(dec("40.5")))
	assert.False(t, bets[0].Settled)

	empty, err := db.RoundBets(ctx, "race", 0, 99)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSettleAppliesOnce(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.EnsureAccount(ctx, "u1", dec("100"))
	require.NoError(t, err)
	_, err = db.PlaceBet(ctx, &BetRecord{UserID: "u1", Game: "crash", Round: 7, Amount: dec("10")})
	require.NoError(t, err)

	rec := &SettlementRecord{ID: "s-1", UserID: "u1", Game: "crash", Round: 7, Bet: dec("10"), Win: dec("25")}
	res, err := db.Settle(ctx, rec)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.True(t, res.Balance.Equal(dec("115")), res.Balance.String())

	again, err := db.Settle(ctx, &SettlementRecord{ID: "s-1", UserID: "u1", Game: "crash", Round: 7, Bet: dec("10"), Win: dec("25")})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.True(t, again.Balance.Equal(dec("115")))

	// A new id against the already settled bet has nothing to settle.
	_, err = db.Settle(ctx, &SettlementRecord{ID: "s-2", UserID: "u1", Game: "crash", Round: 7, Bet: dec("10"), Win: dec("25")})
	assert.ErrorIs(t, err, ErrUnknownBet)

	bal, err := db.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("115")))

	bets, err := db.RoundBets(ctx, "crash", 0, 7)
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.True(t, bets[0].Settled)
}

func TestSettleRejectsMismatchedStake(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.EnsureAccount(ctx, "u1", dec("100"))
	require.NoError(t, err)
	_, err = db.PlaceBet(ctx, &BetRecord{UserID: "u1", Game: "crash", Round: 1, Amount: dec("10")})
	require.NoError(t, err)

	_, err = db.Settle(ctx, &SettlementRecord{ID: "x", UserID: "u1", Game: "crash", Round: 1, Bet: dec("20"), Win: dec("0")})
	assert.ErrorIs(t, err, ErrUnknownBet)

	_, err = db.Settle(ctx, &SettlementRecord{ID: "y", UserID: "u1", Game: "crash", Round: 2, Bet: dec("10"), Win: dec("0")})
	assert.ErrorIs(t, err, ErrUnknownBet)

	// Settling a loss leaves the debited balance.
	res, err := db.Settle(ctx, &SettlementRecord{ID: "z", UserID: "u1", Game: "crash", Round: 1, Bet: dec("10"), Win: dec("0")})
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(dec("90")))
}

func TestSettleRejectsSwappedSelection(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.EnsureAccount(ctx, "u1", dec("100"))
	require.NoError(t, err)
	_, err = db.PlaceBet(ctx, &BetRecord{UserID: "u1", Game: "race", Round: 3, Selection: 4, Amount: dec("10")})
	require.NoError(t, err)

	_, err = db.Settle(ctx, &SettlementRecord{ID: "a", UserID: "u1", Game: "race", Round: 3, Selection: 0, Bet: dec("10"), Win: dec("28")})
	assert.ErrorIs(t, err, ErrUnknownBet)

	bal, err := db.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("90")), "rejected settlement must not credit")

	res, err := db.Settle(ctx, &SettlementRecord{ID: "b", UserID: "u1", Game: "race", Round: 3, Selection: 4, Bet: dec("10"), Win: dec("0")})
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(dec("90")))
}

func TestConcurrentSettlementsOfOneID(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.EnsureAccount(ctx, "u1", dec("100"))
	require.NoError(t, err)
	_, err = db.PlaceBet(ctx, &BetRecord{UserID: "u1", Game: "race", Round: 1, Amount: dec("10")})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := db.Settle(ctx, &SettlementRecord{ID: "dup", UserID: "u1", Game: "race", Round: 1, Bet: dec("10"), Win: dec("28")})
			if assert.NoError(t, err) && !res.Duplicate {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fresh)

	bal, err := db.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("118")), bal.String())
}

func TestRecordSeed(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seed := SeedRecord{Game: "crash", PeriodStart: 0, Commitment: "abc"}
	require.NoError(t, db.RecordSeed(ctx, seed))
	require.NoError(t, db.RecordSeed(ctx, seed))
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	for i, game := range []string{"crash", "race", "crash"} {
		run := &Run{
			ID:             fmt.Sprintf("run%d", i+1),
			Game:           game,
			SeedHash:       "hash",
			RoundStart:     0,
			RoundEnd:       1000,
			TargetOp:       "ge",
			TargetVal:      2,
			HitCount:       i,
			TotalEvaluated: 1000,
			EngineVersion:  "test",
		}
		require.NoError(t, db.SaveRun(ctx, run))
	}

	all, err := db.ListRuns(ctx, RunsQuery{Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, all.TotalCount)
	assert.Len(t, all.Runs, 3)
	assert.Equal(t, 1, all.TotalPages)
	assert.Equal(t, "run3", all.Runs[0].ID, "newest first")

	crash, err := db.ListRuns(ctx, RunsQuery{Game: "crash", Page: 1, PerPage: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, crash.TotalCount)
	assert.Equal(t, 2, crash.TotalPages)
	require.Len(t, crash.Runs, 1)
	assert.Equal(t, "crash", crash.Runs[0].Game)

	none, err := db.ListRuns(ctx, RunsQuery{Game: "dice"})
	require.NoError(t, err)
	assert.Equal(t, 0, none.TotalCount)
	assert.Empty(t, none.Runs)
	assert.Equal(t, 50, none.PerPage)
}

func TestRunRoundTripAndHits(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	lo, hi, sum := 1.01, 9.5, 42.0
	run := &Run{
		Game:          "crash",
		SeedHash:      "h",
		RoundStart:    0,
		RoundEnd:      100,
		TargetOp:      "between",
		TargetVal:     2,
		TargetVal2:    3,
		HitLimit:      10,
		TimedOut:      true,
		HitCount:      4,
		SummaryMin:    &lo,
		SummaryMax:    &hi,
		SummarySum:    &sum,
		SummaryCount:  100,
		EngineVersion: "test",
	}
	require.NoError(t, db.SaveRun(ctx, run))
	require.NotEmpty(t, run.ID)

	got, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "between", got.TargetOp)
	assert.Equal(t, 3.0, got.TargetVal2)
	assert.True(t, got.TimedOut)
	require.NotNil(t, got.SummaryMin)
	assert.Equal(t, lo, *got.SummaryMin)

	_, err = db.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	hits := []Hit{
		{Round: 3, Metric: 2.5},
		{Round: 10, Metric: 2.1},
		{Round: 11, Metric: 2.9},
		{Round: 40, Metric: 2.0, Details: `{"bust":false}`},
	}
	require.NoError(t, db.SaveHits(ctx, run.ID, hits))
	require.NoError(t, db.SaveHits(ctx, run.ID, nil))

	first, err := db.GetRunHits(ctx, run.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, first.TotalCount)
	assert.Equal(t, 2, first.TotalPages)
	require.Len(t, first.Hits, 2)
	assert.Nil(t, first.Hits[0].DeltaRounds)
	require.NotNil(t, first.Hits[1].DeltaRounds)
	assert.Equal(t, int64(7), *first.Hits[1].DeltaRounds)

	second, err := db.GetRunHits(ctx, run.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, second.Hits, 2)
	require.NotNil(t, second.Hits[0].DeltaRounds, "delta crosses the page boundary")
	assert.Equal(t, int64(1), *second.Hits[0].DeltaRounds)
	assert.Equal(t, int64(29), *second.Hits[1].DeltaRounds)
	assert.Equal(t, `{"bust":false}`, second.Hits[1].Details)
}
