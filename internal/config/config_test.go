package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, "main", cfg.Client.Room)
	assert.Len(t, cfg.Client.ICEServers, 3)
	assert.Equal(t, 3*time.Second, cfg.Client.ProbeTimeout)
	assert.Equal(t, 12, cfg.Client.HealthWindow)
	assert.Equal(t, Band{PacketLoss: 2, RTT: 150 * time.Millisecond, Jitter: 30 * time.Millisecond}, cfg.Client.Thresholds.Fair)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestEnvAndFlagsOverrideDefaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("STUDIO_CLIENT_GRACE_WINDOW", "9s")
	t.Setenv("STUDIO_LOG_LEVEL", "debug")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("room", "", "")
	require.NoError(t, fs.Parse([]string{"--room", "lobby"}))

	cfg, err := LoadWithFlags(fs, map[string]string{"client.room": "room"})
	require.NoError(t, err)
	assert.Equal(t, "lobby", cfg.Client.Room)
	assert.Equal(t, 9*time.Second, cfg.Client.GraceWindow)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
}

func TestUnknownFlagBinding(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	_, err := LoadWithFlags(fs, map[string]string{"client.room": "room"})
	assert.Error(t, err)
}

func TestClientValidate(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	cfg, err := Load()
	require.NoError(t, err)

	c := cfg.Client
	c.HealthWindow = 1
	assert.Error(t, c.Validate())

	c = cfg.Client
	c.ProbeTimeout = 0
	assert.Error(t, c.Validate())

	c = cfg.Client
	c.Thresholds.Good.RTT = time.Second
	assert.Error(t, c.Validate())

	assert.NoError(t, cfg.Client.Validate())
}
