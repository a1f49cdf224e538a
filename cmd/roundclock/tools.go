package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/MJE43/pf-roundclock/internal/scan"
)

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "roundclock.yaml", "config file")
	game := fs.String("game", "crash", "game")
	seed := fs.String("seed", "", "revealed seed")
	period := fs.Int64("period", 0, "period start in unix ms")
	roundIdx := fs.Int64("round", 0, "first round")
	count := fs.Int("count", 10, "rounds to recompute")
	at := fs.Int64("at", -1, "verify the round live at this unix ms instead of -round")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := loadConfig(*configPath); err != nil {
		return err
	}

	req := scan.VerifyRequest{Game: *game, Seed: *seed, PeriodStart: *period, Round: *roundIdx, Count: *count}
	if *at >= 0 {
		req.At = at
	}
	res, err := scan.Verify(req)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runScan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	configPath := fs.String("config", "roundclock.yaml", "config file")
	game := fs.String("game", "crash", "game")
	seed := fs.String("seed", "", "revealed seed")
	from := fs.Int64("from", 0, "first round")
	to := fs.Int64("to", 10_000, "last round, inclusive")
	op := fs.String("op", "ge", "target operator: eq gt ge lt le between outside")
	val := fs.Float64("val", 2, "target value")
	val2 := fs.Float64("val2", 0, "upper bound for between/outside")
	limit := fs.Int("limit", 1000, "maximum hits")
	timeout := fs.Duration("timeout", time.Minute, "scan timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := loadConfig(*configPath); err != nil {
		return err
	}

	req := scan.Request{
		Game:       *game,
		Seed:       *seed,
		RoundStart: *from,
		RoundEnd:   *to,
		TargetOp:   scan.TargetOp(*op),
		TargetVal:  *val,
		TargetVal2: *val2,
		Limit:      *limit,
	}
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	res, err := scan.NewScanner().Scan(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
