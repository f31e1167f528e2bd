package bridge

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/autobridge/autobridge/auth"
	"github.com/autobridge/autobridge/transport"
)

// options collects configuration that is resolved once in New rather than
// stored on the Bridge.
type options struct {
	channelOpts []transport.Option
	dialHeader  http.Header
}

// Option is a function type used to configure Bridge instances.
type Option func(*Bridge, *options)

// WithCommandTimeout sets the per-command deadline for Execute.
func WithCommandTimeout(d time.Duration) Option {
	return func(b *Bridge, _ *options) {
		if d > 0 {
			b.commandTimeout = d
		}
	}
}

// WithClock injects the clock driving command timeouts and, through the
// channel, heartbeat and reconnect timers.
func WithClock(clk clock.Clock) Option {
	return func(b *Bridge, _ *options) {
		if clk != nil {
			b.clk = clk
		}
	}
}

// WithLogger sets a custom logger implementation for the bridge and its
// channel.
func WithLogger(l transport.Logger) Option {
	return func(b *Bridge, _ *options) {
		if l != nil {
			b.log = l
		}
	}
}

// WithSlog sets an slog.Logger instance as the bridge's logger.
func WithSlog(l *slog.Logger) Option {
	return func(b *Bridge, _ *options) {
		if l != nil {
			b.log = transport.NewSlogLogger(l)
		}
	}
}

// WithChannelOptions forwards options to the underlying transport channel
// (timeouts, reconnect policy, codec, dialer).
func WithChannelOptions(opts ...transport.Option) Option {
	return func(_ *Bridge, cfg *options) {
		cfg.channelOpts = append(cfg.channelOpts, opts...)
	}
}

// WithCredentials attaches bearer credentials to the dial handshake.
func WithCredentials(src auth.TokenSource) Option {
	return func(b *Bridge, cfg *options) {
		if src == nil {
			return
		}
		tok, err := src.Token()
		if err != nil {
			b.log.Error("resolving dial credentials failed", "err", err)
			return
		}
		if cfg.dialHeader == nil {
			cfg.dialHeader = http.Header{}
		}
		cfg.dialHeader.Set("Authorization", "Bearer "+tok)
	}
}

// WithDialHeader sets extra HTTP headers for the upgrade request.
func WithDialHeader(h http.Header) Option {
	return func(_ *Bridge, cfg *options) { cfg.dialHeader = h }
}
