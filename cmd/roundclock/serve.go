package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/MJE43/pf-roundclock/internal/api"
	"github.com/MJE43/pf-roundclock/internal/config"
	"github.com/MJE43/pf-roundclock/internal/secrets"
	"github.com/MJE43/pf-roundclock/internal/seeds"
	"github.com/MJE43/pf-roundclock/internal/settlebus"
	"github.com/MJE43/pf-roundclock/internal/store"
)

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "roundclock.yaml", "config file")
	addr := fs.String("addr", "", "listen address (overrides server.addr)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	master, err := secrets.New(cfg.Secrets.Service, cfg.Secrets.FilePath).MasterSecret()
	if err != nil {
		return fmt.Errorf("load master secret: %w", err)
	}
	issuer, err := seeds.NewIssuer(master, nil)
	if err != nil {
		return err
	}

	db, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	bus, err := openBus(ctx, cfg.NATS)
	if err != nil {
		return err
	}
	defer bus.Close()

	srv := api.NewServer(db, issuer, bus, api.Config{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RequestTimeout:  cfg.Server.RequestTimeout,
		StartingBalance: decimal.NewFromInt(cfg.Server.StartingBalance),
		MaxScanRounds:   cfg.Server.MaxScanRounds,
		Logger:          log.Logger,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h2c.NewHandler(srv.Routes(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("store", cfg.Store.Driver).
			Bool("nats", cfg.NATS.Enabled()).
			Str("version", api.EngineVersion).
			Msg("session server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down session server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.DB, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := store.NewPostgresDB(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		db, err := store.NewSQLiteDB(cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
}

func openBus(ctx context.Context, cfg config.NATSConfig) (settlebus.Publisher, error) {
	if !cfg.Enabled() {
		return settlebus.Nop{}, nil
	}
	bc := settlebus.DefaultConfig()
	bc.URL = cfg.URL
	if cfg.Stream != "" {
		bc.StreamName = cfg.Stream
	}
	if cfg.Subject != "" {
		bc.SubjectPrefix = cfg.Subject
	}
	pub, err := settlebus.Connect(ctx, bc)
	if err != nil {
		return nil, fmt.Errorf("settlement bus: %w", err)
	}
	return pub, nil
}
