package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setCredentials(t *testing.T) {
	t.Helper()
	t.Setenv("TWITTER_CONSUMER_KEY", "ck")
	t.Setenv("TWITTER_CONSUMER_SECRET", "cs")
	t.Setenv("TWITTER_ACCESS_TOKEN", "at")
	t.Setenv("TWITTER_ACCESS_TOKEN_SECRET", "as")
}

func TestLoadDefaults(t *testing.T) {
	setCredentials(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:2356", cfg.ListenAddr)
	assert.False(t, cfg.AlwaysRestart)
	assert.False(t, cfg.DebugFanout)
	assert.Empty(t, cfg.FollowsCache)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadOverrides(t *testing.T) {
	setCredentials(t)
	t.Setenv("RELAY_LISTEN_ADDR", "0.0.0.0:9000")
	t.Setenv("TWITTER_ALWAYS_RESTART", "true")
	t.Setenv("TWITTER_FOLLOWS_CACHE", "/var/lib/relay/follows.json")
	t.Setenv("RELAY_DEBUG_FANOUT", "true")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "pretty")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.True(t, cfg.AlwaysRestart)
	assert.True(t, cfg.DebugFanout)
	assert.Equal(t, "/var/lib/relay/follows.json", cfg.FollowsCache)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "pretty", cfg.LogFormat)
}

func TestLoadRequiresCredentials(t *testing.T) {
	t.Setenv("TWITTER_CONSUMER_KEY", "ck")
	t.Setenv("TWITTER_CONSUMER_SECRET", "")
	t.Setenv("TWITTER_ACCESS_TOKEN", "at")
	t.Setenv("TWITTER_ACCESS_TOKEN_SECRET", "as")

	_, err := Load()
	assert.ErrorContains(t, err, "twitter credentials")
}

func TestValidateRejectsBadLogSettings(t *testing.T) {
	setCredentials(t)

	t.Setenv("LOG_LEVEL", "loud")
	_, err := Load()
	assert.ErrorContains(t, err, "LOG_LEVEL")

	t.Setenv("LOG_LEVEL", "info")
	t.Setenv("LOG_FORMAT", "xml")
	_, err = Load()
	assert.ErrorContains(t, err, "LOG_FORMAT")
}
