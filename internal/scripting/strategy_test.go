package scripting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crashContext() RoundContext {
	return RoundContext{Game: "crash", Round: 4, Balance: 100, Selections: 1, SupportsCashOut: true, History: []float64{2.57, 1.0}}
}

func TestMartingaleStrategy(t *testing.T) {
	s, err := NewStrategy(`
		var base = 1
		function onRound(ctx) {
			if (ctx.last && !ctx.last.won) {
				return { amount: ctx.last.amount * 2, cashout: 2 }
			}
			return { amount: base, cashout: 2 }
		}
	`, 0)
	require.NoError(t, err)

	d, err := s.Decide(crashContext())
	require.NoError(t, err)
	assert.Equal(t, Decision{Amount: 1, CashOut: 2}, d)

	rc := crashContext()
	rc.Last = &LastBet{Round: 3, Amount: 4, CashOut: 0, Won: false}
	d, err = s.Decide(rc)
	require.NoError(t, err)
	assert.Equal(t, 8.0, d.Amount)
}

func TestContextIsVisible(t *testing.T) {
	s, err := NewStrategy(`
		function onRound(ctx) {
			log(ctx.game, ctx.round, ctx.balance, ctx.history.length, ctx.history[0], ctx.last === null)
			return { amount: 1, selection: ctx.selections - 1 }
		}
	`, 0)
	require.NoError(t, err)

	d, err := s.Decide(RoundContext{Game: "race", Round: 9, Balance: 50, Selections: 6, History: []float64{3}})
	require.NoError(t, err)
	assert.Equal(t, 5, d.Selection)

	logs := s.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "race 9 50 1 3 true", logs[0].Message)
}

func TestSkipAndStop(t *testing.T) {
	s, err := NewStrategy(`
		function onRound(ctx) {
			if (ctx.balance < 10) { stop(); return null }
			if (ctx.round % 2 == 1) { return { amount: 0 } }
		}
	`, 0)
	require.NoError(t, err)

	d, err := s.Decide(crashContext())
	require.NoError(t, err)
	assert.True(t, d.Skip, "undefined result skips")

	rc := crashContext()
	rc.Round = 5
	d, err = s.Decide(rc)
	require.NoError(t, err)
	assert.True(t, d.Skip)
	assert.False(t, s.Stopped())

	rc.Balance = 1
	d, err = s.Decide(rc)
	require.NoError(t, err)
	assert.True(t, d.Skip)
	assert.True(t, s.Stopped())
}

func TestInvalidDecisions(t *testing.T) {
	tests := []struct {
		name string
		body string
		rc   RoundContext
	}{
		{"not an object", `return 5`, crashContext()},
		{"selection out of range", `return { amount: 1, selection: 6 }`, RoundContext{Game: "race", Selections: 6}},
		{"cashout on race", `return { amount: 1, cashout: 2 }`, RoundContext{Game: "race", Selections: 6}},
		{"cashout at or below one", `return { amount: 1, cashout: 1 }`, crashContext()},
		{"throws", `throw new Error("boom")`, crashContext()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStrategy("function onRound(ctx) { "+tt.body+" }", 0)
			require.NoError(t, err)
			_, err = s.Decide(tt.rc)
			assert.Error(t, err)
		})
	}
}

func TestMissingHandler(t *testing.T) {
	_, err := NewStrategy(`var x = 1`, 0)
	assert.ErrorIs(t, err, ErrNoHandler)

	_, err = NewStrategy(`var onRound = 3`, 0)
	assert.ErrorContains(t, err, "not a function")

	_, err = NewStrategy(`function (`, 0)
	assert.ErrorContains(t, err, "script execution error")
}

func TestSandbox(t *testing.T) {
	s, err := NewStrategy(`
		function onRound(ctx) {
			return { amount: typeof require === "undefined" && typeof eval === "undefined" ? 1 : 0 }
		}
	`, 0)
	require.NoError(t, err)
	d, err := s.Decide(crashContext())
	require.NoError(t, err)
	assert.Equal(t, 1.0, d.Amount)
}

func TestRunawayScriptIsInterrupted(t *testing.T) {
	s, err := NewStrategy(`
		function onRound(ctx) {
			if (ctx.round == 0) { while (true) {} }
			return { amount: 1 }
		}
	`, 50*time.Millisecond)
	require.NoError(t, err)

	rc := crashContext()
	rc.Round = 0
	start := time.Now()
	_, err = s.Decide(rc)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	// The runtime stays usable after an interrupt.
	rc.Round = 1
	d, err := s.Decide(rc)
	require.NoError(t, err)
	assert.Equal(t, 1.0, d.Amount)
}
