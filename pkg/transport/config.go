package transport

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config holds transport settings
type Config struct {
	URL                  string        // Websocket endpoint, e.g. ws://localhost:8080/realtime
	Timeout              time.Duration // Dial timeout for every connection attempt
	ReconnectInterval    time.Duration // First reconnect delay
	MaxReconnectInterval time.Duration // Cap for the reconnect delay
	BackoffMultiplier    float64       // 1 keeps the delay fixed
	BackoffJitter        float64       // Randomization factor in [0, 1]
	MaxReconnectAttempts int           // Consecutive failures before the error state; zero uses the default, negative never reconnects
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration // Missing pong after a ping drops the connection
	WriteTimeout         time.Duration
	ReadLimit            int64 // Largest inbound frame in bytes
}

// DefaultConfig returns the default transport settings
func DefaultConfig() Config {
	return Config{
		URL:                  "ws://localhost:8080/realtime",
		Timeout:              10 * time.Second,
		ReconnectInterval:    3 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		BackoffMultiplier:    2,
		BackoffJitter:        0.2,
		MaxReconnectAttempts: 5,
		HeartbeatInterval:    30 * time.Second,
		PongTimeout:          10 * time.Second,
		WriteTimeout:         10 * time.Second,
		ReadLimit:            1 << 20,
	}
}

// normalize fills zero values from DefaultConfig
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = def.ReconnectInterval
	}
	if c.MaxReconnectInterval < c.ReconnectInterval {
		c.MaxReconnectInterval = c.ReconnectInterval
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 1
	}
	if c.BackoffJitter < 0 {
		c.BackoffJitter = 0
	}
	if c.BackoffJitter > 1 {
		c.BackoffJitter = 1
	}
	switch {
	case c.MaxReconnectAttempts == 0:
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	case c.MaxReconnectAttempts < 0:
		c.MaxReconnectAttempts = 0
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = def.PongTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	return c
}

func (c Config) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.ReconnectInterval
	b.MaxInterval = c.MaxReconnectInterval
	b.Multiplier = c.BackoffMultiplier
	b.RandomizationFactor = c.BackoffJitter
	b.Reset()
	return b
}
