package scan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MJE43/pf-roundclock/internal/games"
)

func TestTargetEvaluator(t *testing.T) {
	tests := []struct {
		op     TargetOp
		v1, v2 float64
		metric float64
		want   bool
	}{
		{OpEqual, 2.57, 0, 2.57, true},
		{OpEqual, 2.57, 0, 2.58, false},
		{OpGreater, 2, 0, 2, false},
		{OpGreater, 2, 0, 2.01, true},
		{OpGreaterEqual, 2, 0, 2, true},
		{OpLess, 2, 0, 2, false},
		{OpLessEqual, 2, 0, 2, true},
		{OpBetween, 2, 3, 2.5, true},
		{OpBetween, 2, 3, 3.5, false},
		{OpOutside, 2, 3, 1.5, true},
		{OpOutside, 2, 3, 2.5, false},
		{TargetOp("bogus"), 0, 0, 0, false},
	}
	for _, tt := range tests {
		ev := NewTargetEvaluator(tt.op, tt.v1, tt.v2, 1e-9)
		assert.Equal(t, tt.want, ev.Matches(tt.metric), "%s %v %v on %v", tt.op, tt.v1, tt.v2, tt.metric)
	}
}

func TestScanMatchesSerialEvaluation(t *testing.T) {
	s := NewScanner()
	s.batchSize = 37 // many small jobs

	req := Request{Game: "crash", Seed: "abc", RoundStart: 0, RoundEnd: 999, TargetOp: OpGreaterEqual, TargetVal: 5}
	res, err := s.Scan(context.Background(), req)
	require.NoError(t, err)

	crash, _ := games.GetGame("crash")
	var want []int64
	sum := 0.0
	for n := int64(0); n <= 999; n++ {
		m := crash.Outcome("abc", n).Metric
		sum += m
		if m >= 5-1e-9 {
			want = append(want, n)
		}
	}

	got := make([]int64, len(res.Hits))
	for i, h := range res.Hits {
		got[i] = h.Round
		assert.NotEmpty(t, h.Details)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, int64(1000), res.Summary.TotalEvaluated)
	assert.Equal(t, len(want), res.Summary.HitsFound)
	assert.InDelta(t, sum/1000, res.Summary.MeanMetric, 1e-9)
	assert.GreaterOrEqual(t, res.Summary.MinMetric, 1.0)
	assert.LessOrEqual(t, res.Summary.MaxMetric, 100.0)
	assert.False(t, res.Summary.TimedOut)
	assert.Equal(t, req, res.Echo)
}

func TestScanLimitKeepsLowestRounds(t *testing.T) {
	s := NewScanner()
	s.batchSize = 10
	res, err := s.Scan(context.Background(), Request{
		Game: "crash", Seed: "abc", RoundStart: 0, RoundEnd: 999,
		TargetOp: OpGreaterEqual, TargetVal: 1, Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, res.Hits, 5)
	for i, h := range res.Hits {
		assert.Equal(t, int64(i), h.Round)
	}
	assert.Equal(t, 2.57, res.Hits[0].Metric)
}

func TestScanRaceWinners(t *testing.T) {
	res, err := NewScanner().Scan(context.Background(), Request{
		Game: "race", Seed: "abc", RoundStart: 0, RoundEnd: 0, TargetOp: OpEqual, TargetVal: 0,
	})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, int64(0), res.Hits[0].Round)
	assert.Contains(t, string(res.Hits[0].Details), `"winner":0`)
}

func TestScanCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := NewScanner().Scan(ctx, Request{
		Game: "crash", Seed: "abc", RoundStart: 0, RoundEnd: 1_000_000, TargetOp: OpGreater, TargetVal: 2,
	})
	require.NoError(t, err)
	assert.True(t, res.Summary.TimedOut)
	assert.Less(t, res.Summary.TotalEvaluated, int64(1_000_001))
}

func TestValidate(t *testing.T) {
	ok := Request{Game: "crash", Seed: "abc", RoundStart: 0, RoundEnd: 10, TargetOp: OpBetween, TargetVal: 1, TargetVal2: 2}
	assert.NoError(t, Validate(ok, 100))

	bad := ok
	bad.Game = "dice"
	assert.ErrorIs(t, Validate(bad, 0), ErrGameNotFound)

	bad = ok
	bad.Seed = ""
	assert.ErrorIs(t, Validate(bad, 0), ErrEmptySeed)

	bad = ok
	bad.RoundEnd = -1
	assert.ErrorIs(t, Validate(bad, 0), ErrInvalidRange)

	assert.ErrorIs(t, Validate(ok, 5), ErrRangeTooLarge)

	bad = ok
	bad.TargetVal2 = 0.5
	assert.ErrorIs(t, Validate(bad, 0), ErrInvalidTarget)

	bad = ok
	bad.TargetOp = "near"
	assert.ErrorIs(t, Validate(bad, 0), ErrInvalidTarget)

	_, err := NewScanner().Scan(context.Background(), bad)
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestVerifyCrashRounds(t *testing.T) {
	res, err := Verify(VerifyRequest{Game: "crash", Seed: "abc", Count: 3})
	require.NoError(t, err)
	require.Len(t, res.Rounds, 3)
	assert.Equal(t, "crash_point", res.MetricName)
	assert.Len(t, res.SeedDigest, 12)

	r0 := res.Rounds[0]
	assert.Equal(t, 2.57, r0.Outcome.Metric)
	assert.Equal(t, 0.0, r0.Window.Start)
	assert.InDelta(t, 7887.811797814256, r0.Window.Duration, 1e-6)
	for i := 1; i < 3; i++ {
		assert.Equal(t, int64(i), res.Rounds[i].Window.Index)
		assert.InDelta(t, res.Rounds[i-1].Window.End(), res.Rounds[i].Window.Start, 1e-6)
	}

	at := int64(7000)
	located, err := Verify(VerifyRequest{Game: "crash", Seed: "abc", At: &at})
	require.NoError(t, err)
	assert.Equal(t, int64(0), located.Rounds[0].Window.Index)

	from, err := Verify(VerifyRequest{Game: "crash", Seed: "abc", Round: 2})
	require.NoError(t, err)
	assert.Equal(t, res.Rounds[2], from.Rounds[0])
}

func TestVerifyRaceWindows(t *testing.T) {
	res, err := Verify(VerifyRequest{Game: "race", Seed: "abc", PeriodStart: 14_400_000, Round: 3, Count: 2})
	require.NoError(t, err)
	require.Len(t, res.Rounds, 2)
	assert.Equal(t, int64(3), res.Rounds[0].Window.Index)
	assert.Equal(t, float64(14_400_000+45_000), res.Rounds[0].Window.Start)
	assert.Equal(t, float64(15_000), res.Rounds[0].Window.Duration)
	assert.NotNil(t, res.Rounds[0].Outcome.Race)

	_, err = Verify(VerifyRequest{Game: "race", Seed: "abc", Count: MaxVerifyRounds + 1})
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = Verify(VerifyRequest{Game: "race", Seed: ""})
	assert.ErrorIs(t, err, ErrEmptySeed)
	_, err = Verify(VerifyRequest{Game: "slots", Seed: "abc"})
	assert.ErrorIs(t, err, ErrGameNotFound)
}
