// Command roundclock serves the session API, plays rounds headlessly and
// verifies revealed seeds.
//
//	roundclock serve  [-config roundclock.yaml]
//	roundclock play   [-config ...] [-game crash] [-script strategy.js | -bet 1 -cashout 2]
//	roundclock verify -game crash -seed <seed> [-period 0] [-round 0] [-count 10]
//	roundclock scan   -game crash -seed <seed> -from 0 -to 100000 -op ge -val 10
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/MJE43/pf-roundclock/internal/api"
	"github.com/MJE43/pf-roundclock/internal/config"
	"github.com/MJE43/pf-roundclock/internal/logging"
	"github.com/MJE43/pf-roundclock/internal/scan"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	scan.EngineVersion = api.EngineVersion

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		err = runServe(ctx, args)
	case "play":
		err = runPlay(ctx, args)
	case "verify":
		err = runVerify(args)
	case "scan":
		err = runScan(ctx, args)
	case "version":
		fmt.Printf("roundclock %s (%s, built %s)\n", api.EngineVersion, api.GitCommit, api.BuildTime)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("roundclock failed")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: roundclock <command> [flags]

commands:
  serve    run the session server and verification API
  play     play rounds against a session server
  verify   recompute rounds of a revealed seed
  scan     search a round range of a revealed seed
  version  print build information`)
}

// loadConfig reads the config file, sets up logging and installs the
// configured game constants.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	cfg.RegisterGames()
	return cfg, nil
}
