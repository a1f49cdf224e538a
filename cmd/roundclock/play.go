package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/MJE43/pf-roundclock/internal/play"
	"github.com/MJE43/pf-roundclock/internal/round"
	"github.com/MJE43/pf-roundclock/internal/scripting"
	"github.com/MJE43/pf-roundclock/internal/session"
)

func runPlay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("play", flag.ExitOnError)
	configPath := fs.String("config", "roundclock.yaml", "config file")
	game := fs.String("game", "", "game to play (overrides client.game)")
	user := fs.String("user", "", "player id (overrides client.user_id)")
	script := fs.String("script", "", "JavaScript strategy file (overrides client.script)")
	bet := fs.Float64("bet", 0, "fixed stake placed every round when no script is given")
	cashOut := fs.Float64("cashout", 0, "auto cash-out multiplier for the fixed stake")
	selection := fs.Int("selection", 0, "runner picked by the fixed stake")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	cc := cfg.Client
	if *game != "" {
		cc.Game = *game
	}
	if *user != "" {
		cc.UserID = *user
	}
	if *script != "" {
		cc.Script = *script
	}

	strategy, err := buildStrategy(cc.Script, cc.ScriptTimeout, *bet, *cashOut, *selection)
	if err != nil {
		return err
	}

	client := session.NewClient(session.Config{
		BaseURL:    cc.BaseURL,
		UserID:     cc.UserID,
		MaxRetries: cc.MaxRetries,
	})
	logger := log.With().Str("component", "play").Str("game", cc.Game).Str("user_id", cc.UserID).Logger()

	runner, err := play.NewRunner(client, play.Config{
		Game:           cc.Game,
		Owner:          cc.UserID,
		Frame:          cc.Frame,
		BetsPoll:       cc.BetsPoll,
		FlushTimeout:   cc.FlushTimeout,
		ReopenAttempts: cc.ReopenAttempts,
		Logger:         logger,
		Strategy:       strategy,
		Observer:       effectLogger{logger: logger},
	})
	if err != nil {
		return err
	}

	logger.Info().Str("server", cc.BaseURL).Bool("strategy", strategy != nil).Msg("playing")
	return runner.Run(ctx)
}

// buildStrategy returns the script strategy, a fixed stake or nil when the
// runner only watches.
func buildStrategy(path string, timeout time.Duration, bet, cashOut float64, selection int) (play.Strategy, error) {
	if path != "" {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read strategy: %w", err)
		}
		s, err := scripting.NewStrategy(string(src), timeout)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	if bet > 0 {
		return fixedStake{amount: bet, cashOut: cashOut, selection: selection}, nil
	}
	return nil, nil
}

// fixedStake bets the same amount every round.
type fixedStake struct {
	amount    float64
	cashOut   float64
	selection int
}

func (f fixedStake) Decide(rc scripting.RoundContext) (scripting.Decision, error) {
	if rc.Balance < f.amount {
		return scripting.Decision{Skip: true}, nil
	}
	d := scripting.Decision{Amount: f.amount, Selection: f.selection}
	if rc.SupportsCashOut {
		d.CashOut = f.cashOut
	}
	return d, nil
}

func (fixedStake) Stopped() bool { return false }

// effectLogger prints round events as they happen.
type effectLogger struct {
	logger zerolog.Logger
}

func (o effectLogger) OnEffects(snap round.Snapshot, effects []round.Effect) {
	for _, e := range effects {
		ev := o.logger.Info().Str("event", e.Kind.String()).Int64("round", e.Round)
		switch e.Kind {
		case round.EffectPhase:
			ev = ev.Str("phase", snap.PhaseLabel).Int("seconds_left", snap.SecondsLeft)
		case round.EffectCashOut:
			ev = ev.Float64("cash_out", e.Bet.CashOut).Str("payout", e.Bet.Payout.String())
		case round.EffectSettle:
			ev = ev.Str("bet", e.Settlement.Bet.String()).Str("win", e.Settlement.Win.String())
		case round.EffectHistory:
			if len(e.History) > 0 {
				ev = ev.Float64("metric", e.History[0].Outcome.Metric)
			}
		case round.EffectRoundStart:
			// nothing extra
		case round.EffectSeedExpired:
			ev = ev.Int64("period_end", int64(snap.Window.End()))
		}
		ev.Str("balance", snap.Balance.Amount.String()).Msg("round event")
	}
}
