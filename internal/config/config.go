// Package config loads roundclock.yaml, applies environment overrides and
// fills defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MJE43/pf-roundclock/internal/games"
)

type Config struct {
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Store   StoreConfig   `yaml:"store"`
	NATS    NATSConfig    `yaml:"nats"`
	Secrets SecretsConfig `yaml:"secrets"`
	Games   GamesConfig   `yaml:"games"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// StartingBalance is credited to accounts seen for the first time.
	StartingBalance int64 `yaml:"starting_balance"`
	MaxScanRounds   int64 `yaml:"max_scan_rounds"`
}

type ClientConfig struct {
	BaseURL        string        `yaml:"base_url"`
	UserID         string        `yaml:"user_id"`
	Game           string        `yaml:"game"`
	Frame          time.Duration `yaml:"frame"`
	BetsPoll       time.Duration `yaml:"bets_poll"`
	FlushTimeout   time.Duration `yaml:"flush_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	Script         string        `yaml:"script"`
	ScriptTimeout  time.Duration `yaml:"script_timeout"`
	ReopenAttempts int           `yaml:"reopen_attempts"`
}

type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
	Subject string `yaml:"subject"`
}

// Enabled reports whether settlements are published.
func (n NATSConfig) Enabled() bool { return n.URL != "" }

type SecretsConfig struct {
	Service  string `yaml:"service"`
	FilePath string `yaml:"file_path"`
}

type GamesConfig struct {
	Crash games.CrashConfig `yaml:"crash"`
	Race  games.RaceConfig  `yaml:"race"`
}

// Default returns a config usable for local development.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Pretty: true},
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"*"},
			RequestTimeout:  30 * time.Second,
			StartingBalance: 1000,
			MaxScanRounds:   100_000,
		},
		Client: ClientConfig{
			BaseURL:        "http://localhost:8080",
			UserID:         "player-1",
			Game:           games.GameCrash,
			Frame:          16 * time.Millisecond,
			BetsPoll:       2500 * time.Millisecond,
			FlushTimeout:   3 * time.Second,
			MaxRetries:     3,
			ScriptTimeout:  50 * time.Millisecond,
			ReopenAttempts: 5,
		},
		Store:   StoreConfig{Driver: "sqlite", Path: "roundclock.db"},
		NATS:    NATSConfig{Stream: "SETTLEMENTS", Subject: "roundclock.settlements"},
		Secrets: SecretsConfig{Service: "pf-roundclock", FilePath: ".roundclock-secret"},
		Games: GamesConfig{
			Crash: games.DefaultCrashConfig(),
			Race:  games.DefaultRaceConfig(),
		},
	}
}

// Load reads .env (if any), the YAML file at path (if it exists) and then
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Log.Level = getEnv("ROUNDCLOCK_LOG_LEVEL", c.Log.Level)
	c.Server.Addr = getEnv("ROUNDCLOCK_ADDR", c.Server.Addr)
	c.Server.StartingBalance = int64(getEnvAsInt("ROUNDCLOCK_STARTING_BALANCE", int(c.Server.StartingBalance)))
	c.Client.BaseURL = getEnv("ROUNDCLOCK_SERVER_URL", c.Client.BaseURL)
	c.Client.UserID = getEnv("ROUNDCLOCK_USER_ID", c.Client.UserID)
	c.Client.Game = getEnv("ROUNDCLOCK_GAME", c.Client.Game)
	c.Client.MaxRetries = getEnvAsInt("ROUNDCLOCK_MAX_RETRIES", c.Client.MaxRetries)
	c.Store.Driver = getEnv("ROUNDCLOCK_STORE_DRIVER", c.Store.Driver)
	c.Store.Path = getEnv("ROUNDCLOCK_DB_PATH", c.Store.Path)
	c.Store.DSN = getEnv("DATABASE_URL", c.Store.DSN)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Secrets.FilePath = getEnv("ROUNDCLOCK_SECRET_FILE", c.Secrets.FilePath)
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("config: store.path is required for sqlite")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Client.Frame <= 0 {
		return fmt.Errorf("config: client.frame must be positive")
	}
	if _, ok := games.GetGame(c.Client.Game); !ok {
		return fmt.Errorf("config: unknown game %q", c.Client.Game)
	}
	return nil
}

// RegisterGames installs the configured game constants in the registry.
func (c *Config) RegisterGames() {
	games.RegisterGame(games.NewCrash(c.Games.Crash))
	games.RegisterGame(games.NewRace(c.Games.Race))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
