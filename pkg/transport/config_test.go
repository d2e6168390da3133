package transport

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestConfigNormalize(t *testing.T) {
	cfg := Config{URL: "ws://localhost:9000/realtime"}.normalize()
	def := DefaultConfig()

	assert.Equal(t, cfg.URL, "ws://localhost:9000/realtime")
	assert.Equal(t, cfg.Timeout, def.Timeout)
	assert.Equal(t, cfg.ReconnectInterval, def.ReconnectInterval)
	assert.Equal(t, cfg.HeartbeatInterval, def.HeartbeatInterval)
	assert.Equal(t, cfg.ReadLimit, def.ReadLimit)

	// An unset attempt bound keeps reconnects on
	assert.Equal(t, cfg.MaxReconnectAttempts, 5)
}

func TestConfigNormalizeClamps(t *testing.T) {
	cfg := Config{
		ReconnectInterval:    time.Second,
		MaxReconnectInterval: time.Millisecond,
		BackoffMultiplier:    0.5,
		BackoffJitter:        3,
		MaxReconnectAttempts: -1,
	}.normalize()

	assert.Equal(t, cfg.MaxReconnectInterval, time.Second)
	assert.Equal(t, cfg.BackoffMultiplier, 1.0)
	assert.Equal(t, cfg.BackoffJitter, 1.0)
	assert.Equal(t, cfg.MaxReconnectAttempts, 0)
}

func TestZeroAttemptConfigStillReconnects(t *testing.T) {
	ts := newTestServer(t)
	cfg := fastConfig(ts.url())
	cfg.MaxReconnectAttempts = 0
	tr := connectTestTransport(t, cfg)

	ts.dropLatest()

	waitFor(t, "second connection", func() bool { return ts.accepts.Load() == 2 })
	waitFor(t, "connected state", func() bool { return tr.State().Status == StatusConnected })
}
