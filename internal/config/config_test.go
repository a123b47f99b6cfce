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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadPathAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "env: dev\n")

	cfg, err := LoadPath(path)
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Equal(t, 30*time.Second, cfg.Relay.RosterInterval)
	assert.Equal(t, 64, cfg.Relay.EventBuffer)
	assert.Equal(t, (cfg.Relay.PongWait*9)/10, cfg.Relay.PingPeriod)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.WebRTC.STUNServers)
	assert.Equal(t, "Anonymous", cfg.Client.Username)
	assert.Equal(t, 2*time.Second, cfg.Client.RecoveryDelay)
}

func TestLoadPathReadsValues(t *testing.T) {
	path := writeConfig(t, `
env: prod
http:
  address: ":9000"
relay:
  roster_interval: 5s
  ping_period: 20s
  pong_wait: 30s
client:
  room: "room1"
  username: "alice"
  stall_timeout: 3s
`)

	cfg, err := LoadPath(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTP.Address)
	assert.Equal(t, 5*time.Second, cfg.Relay.RosterInterval)
	assert.Equal(t, 20*time.Second, cfg.Relay.PingPeriod)
	assert.Equal(t, "room1", cfg.Client.Room)
	assert.Equal(t, "alice", cfg.Client.Username)
	assert.Equal(t, 3*time.Second, cfg.Client.StallTimeout)
}

func TestPingPeriodMustBeBelowPongWait(t *testing.T) {
	path := writeConfig(t, `
relay:
  pong_wait: 10s
  ping_period: 15s
`)

	cfg, err := LoadPath(path)
	require.NoError(t, err)
	assert.Equal(t, 9*time.Second, cfg.Relay.PingPeriod)
}

func TestMustLoadPathPanicsOnMissingFile(t *testing.T) {
	assert.Panics(t, func() {
		MustLoadPath(filepath.Join(t.TempDir(), "missing.yaml"))
	})
}

func TestNegativeClientTimeoutsAreKept(t *testing.T) {
	path := writeConfig(t, `
client:
  media: none
  stall_timeout: -1s
  negotiation_timeout: -1s
`)

	cfg, err := LoadPath(path)
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Client.Media)
	assert.Equal(t, -time.Second, cfg.Client.StallTimeout)
	assert.Equal(t, -time.Second, cfg.Client.NegotiationTimeout)
}
