package transport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/autobridge/autobridge/bus"
	"github.com/autobridge/autobridge/protocol/codec"
)

// Defaults for the configuration surface. All of them are overridable.
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectInterval = 3000 * time.Millisecond
	DefaultReconnectAttempts = 5
	DefaultQueueLimit        = 256
)

// Option is a function type used to configure Channel instances.
type Option func(*Channel)

// WithConnectTimeout sets the deadline for establishing the channel.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithHeartbeatInterval sets the keepalive cadence while Connected.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.heartbeatInterval = d
		}
	}
}

// WithReconnectInterval sets the base delay of the reconnect backoff.
// Attempt n waits base × 1.5^(n−1).
func WithReconnectInterval(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.reconnectInterval = d
		}
	}
}

// WithReconnectAttempts caps how many automatic reconnects are tried before
// the channel goes terminal. Zero disables automatic reconnection entirely.
func WithReconnectAttempts(n int) Option {
	return func(c *Channel) {
		if n >= 0 {
			c.maxReconnects = n
		}
	}
}

// WithQueueLimit bounds the outbound queue. When full, the oldest entry is
// dropped with a warning.
func WithQueueLimit(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.queueLimit = n
		}
	}
}

// WithClock injects the clock driving heartbeat and reconnect timers.
// Tests pass a mock; production uses the default wall clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Channel) {
		if clk != nil {
			c.clk = clk
		}
	}
}

// WithBus attaches an externally owned event bus, letting the channel share
// one bus with higher layers.
func WithBus(b *bus.Bus) Option {
	return func(c *Channel) {
		if b != nil {
			c.bus = b
		}
	}
}

// WithCodec replaces the wire codec. The default is JSON.
func WithCodec(cd codec.Codec) Option {
	return func(c *Channel) {
		if cd != nil {
			c.codec = cd
		}
	}
}

// WithDialer replaces the websocket dialer, e.g. to set a TLS config or
// proxy.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithDialHeader sets HTTP headers sent with the upgrade request.
func WithDialHeader(h http.Header) Option {
	return func(c *Channel) { c.dialHeader = h }
}

// WithLogger sets a custom logger implementation for the channel.
func WithLogger(l Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.log = l
		}
	}
}

// WithSlog sets an slog.Logger instance as the channel's logger.
func WithSlog(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.log = NewSlogLogger(l)
		}
	}
}
