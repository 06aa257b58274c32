package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inTempDir keeps a stray wahjam.yaml in the package directory from
// leaking into the defaults.
func inTempDir(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	inTempDir(t)

	cfg, rest, err := Load(nil)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, ":2049", cfg.Listen)
	assert.Equal(t, ":8080", cfg.HTTPListen)
	assert.True(t, cfg.WSEnabled)
	assert.Empty(t, cfg.WebTransportListen)
	assert.Equal(t, 120, cfg.BPM)
	assert.Equal(t, 8, cfg.BPI)
	assert.Equal(t, 32, cfg.MaxChannels)
	assert.Equal(t, 3*time.Second, cfg.Keepalive)
	assert.Equal(t, 50, cfg.VotingThreshold)
	assert.Equal(t, time.Minute, cfg.VotingWindow)
	assert.Empty(t, cfg.ConfigFile)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, lvl)
}

func TestLoadPrecedence(t *testing.T) {
	inTempDir(t)

	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_name: from-file
topic: file topic
bpm: 90
keepalive: 5s
voting_window: 30s
allow_hidden_users: true
`), 0o644))
	t.Setenv("WAHJAM_TOPIC", "env topic")
	t.Setenv("WAHJAM_BPI", "16")

	cfg, rest, err := Load([]string{"--config", path, "--bpi", "32", "users", "list"})
	require.NoError(t, err)
	assert.Equal(t, []string{"users", "list"}, rest)
	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, "from-file", cfg.ServerName)
	assert.Equal(t, "env topic", cfg.Topic)
	assert.Equal(t, 90, cfg.BPM)
	assert.Equal(t, 32, cfg.BPI)
	assert.Equal(t, 5*time.Second, cfg.Keepalive)
	assert.Equal(t, 30*time.Second, cfg.VotingWindow)
	assert.True(t, cfg.AllowHiddenUsers)
}

func TestLoadDefaultFileIsOptional(t *testing.T) {
	inTempDir(t)
	require.NoError(t, os.WriteFile(DefaultConfigFile, []byte("max_users: 6\n"), 0o644))

	cfg, _, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.MaxUsers)
	assert.Equal(t, DefaultConfigFile, cfg.ConfigFile)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	inTempDir(t)

	_, _, err := Load([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")})
	require.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	inTempDir(t)

	for _, args := range [][]string{
		{"--bpm", "10"},
		{"--bpi", "4096"},
		{"--voting-threshold", "101"},
		{"--max-channels", "0"},
		{"--keepalive", "0s"},
		{"--log-level", "loud"},
	} {
		_, _, err := Load(args)
		assert.Error(t, err, "args %v", args)
	}
}

func TestDebugOverridesLevel(t *testing.T) {
	inTempDir(t)

	cfg, _, err := Load([]string{"--log-level", "warn", "--debug"})
	require.NoError(t, err)
	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, lvl)
}

func TestRoom(t *testing.T) {
	inTempDir(t)

	cfg, _, err := Load([]string{"--server-name", "jam", "--max-users", "4"})
	require.NoError(t, err)
	room := cfg.Room("be nice")
	assert.Equal(t, "jam", room.ServerName)
	assert.Equal(t, "be nice", room.License)
	assert.Equal(t, 4, room.MaxUsers)
	assert.Equal(t, cfg.Keepalive, room.Keepalive)
}
