package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roundclock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 16*time.Millisecond, cfg.Client.Frame)
	assert.Equal(t, 3000.0, cfg.Games.Crash.BettingMs)
	assert.Equal(t, 15000.0, cfg.Games.Race.CycleMs)
	assert.False(t, cfg.NATS.Enabled())
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
  starting_balance: 250
client:
  game: race
  frame: 33ms
  bets_poll: 1s
store:
  driver: sqlite
  path: /tmp/rc.db
nats:
  url: nats://localhost:4222
games:
  crash:
    rate: 0.001
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, int64(250), cfg.Server.StartingBalance)
	assert.Equal(t, "race", cfg.Client.Game)
	assert.Equal(t, 33*time.Millisecond, cfg.Client.Frame)
	assert.Equal(t, time.Second, cfg.Client.BetsPoll)
	assert.True(t, cfg.NATS.Enabled())
	assert.Equal(t, 0.001, cfg.Games.Crash.Rate)
	// Unset fields keep their defaults.
	assert.Equal(t, 9000.0, cfg.Games.Crash.FlyCapMs)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ROUNDCLOCK_ADDR", ":7070")
	t.Setenv("ROUNDCLOCK_USER_ID", "env-user")
	t.Setenv("ROUNDCLOCK_MAX_RETRIES", "9")
	t.Setenv("ROUNDCLOCK_STARTING_BALANCE", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "env-user", cfg.Client.UserID)
	assert.Equal(t, 9, cfg.Client.MaxRetries)
	assert.Equal(t, int64(1000), cfg.Server.StartingBalance)
}

func TestValidate(t *testing.T) {
	_, err := Load(writeConfig(t, "store:\n  driver: mysql\n"))
	assert.ErrorContains(t, err, "unknown store driver")

	_, err = Load(writeConfig(t, "store:\n  driver: postgres\n"))
	assert.ErrorContains(t, err, "store.dsn")

	_, err = Load(writeConfig(t, "client:\n  game: slots\n"))
	assert.ErrorContains(t, err, "unknown game")

	_, err = Load(writeConfig(t, "server: [1, 2"))
	assert.ErrorContains(t, err, "failed to parse config")
}
