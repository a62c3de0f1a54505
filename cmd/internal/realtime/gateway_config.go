package realtime

import (
	"strings"
	"time"
)

const (
	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
)

// GatewayConfig holds the websocket gateway policy.
type GatewayConfig struct {
	// AllowedOrigins is the Origin allow-list ("*" allows any origin).
	AllowedOrigins []string
	// OriginRequired rejects upgrades without an Origin header.
	OriginRequired bool
	// DevInsecure disables the websocket library's own origin check. Dev only.
	DevInsecure bool

	SendQueue       int
	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	// CloseStaleOnRebind closes a user's previous connection when it identifies again
	// elsewhere.
	CloseStaleOnRebind bool
	// OpTimeout bounds each relay operation triggered by an event.
	OpTimeout time.Duration
}

// DefaultGatewayConfig returns secure defaults: Origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		AllowedOrigins:     []string{"http://localhost", "http://127.0.0.1"},
		OriginRequired:     true,
		SendQueue:          defaultSendQueue,
		WriteTimeout:       wsDefaultWriteTimeout,
		ReadIdleTimeout:    wsDefaultReadIdle,
		HeartbeatInterval:  heartbeatInterval,
		HeartbeatTimeout:   heartbeatTimeout,
		RateEvents:         rateLimitEvents,
		RateWindow:         rateLimitWindow,
		CloseStaleOnRebind: true,
		OpTimeout:          defaultOpTimeout,
	}
}

// normalized fills zero values from the defaults.
func (c GatewayConfig) normalized() GatewayConfig {
	d := DefaultGatewayConfig()

	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins

	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.SendQueue < minSendQueue {
		c.SendQueue = minSendQueue
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = d.OpTimeout
	}
	return c
}
