// Package bridge wires the channel transport, the command correlation
// layer, and the command dispatch registry into one owned instance. A
// Bridge is handed by reference to every consumer; there is no hidden
// global connection.
package bridge

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/autobridge/autobridge/bus"
	"github.com/autobridge/autobridge/protocol"
	"github.com/autobridge/autobridge/transport"
)

// Higher-level event names the bridge re-publishes for arbitrary consumers.
const (
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventCommandReceived = "commandReceived"
	EventStateChanged    = "stateChanged"
	EventReady           = "ready"
)

// DefaultCommandTimeout bounds how long Execute waits for a matching
// Response.
const DefaultCommandTimeout = 30 * time.Second

// Bridge is the automation bridge client: it owns the duplex channel,
// correlates locally issued commands with their responses, and dispatches
// remotely issued commands to registered handlers.
type Bridge struct {
	channel *transport.Channel
	bus     *bus.Bus
	log     transport.Logger
	clk     clock.Clock

	commandTimeout time.Duration

	regMu    sync.RWMutex
	registry map[string]HandlerEntry

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	readyOnce sync.Once
	readyCh   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closedMu sync.Mutex
	closed   bool
}

// New constructs a Bridge for the given ws(s) endpoint. The channel is not
// dialed until Connect.
func New(endpoint string, opts ...Option) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		bus:            bus.New(),
		log:            transport.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil))),
		clk:            clock.New(),
		commandTimeout: DefaultCommandTimeout,
		registry:       make(map[string]HandlerEntry),
		pending:        make(map[string]*pendingRequest),
		readyCh:        make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}

	cfg := &options{}
	for _, opt := range opts {
		opt(b, cfg)
	}

	chOpts := []transport.Option{
		transport.WithBus(b.bus),
		transport.WithClock(b.clk),
		transport.WithLogger(b.log),
	}
	if cfg.dialHeader != nil {
		chOpts = append(chOpts, transport.WithDialHeader(cfg.dialHeader))
	}
	chOpts = append(chOpts, cfg.channelOpts...)

	ch, err := transport.New(endpoint, chOpts...)
	if err != nil {
		cancel()
		return nil, err
	}
	b.channel = ch

	b.bus.On(transport.EventOpened, func(bus.Event) {
		b.bus.Emit(EventConnected, nil)
	})
	b.bus.On(transport.EventClosed, func(ev bus.Event) {
		b.bus.Emit(EventDisconnected, ev.Data)
	})
	b.bus.On(transport.EventStateChanged, func(ev bus.Event) {
		b.bus.Emit(EventStateChanged, ev.Data)
	})
	b.bus.On(transport.EventMessage, b.onMessage)

	return b, nil
}

// Bus returns the shared event bus. Consumers subscribe here for both the
// transport's raw events and the bridge's higher-level ones.
func (b *Bridge) Bus() *bus.Bus { return b.bus }

// Channel exposes the underlying transport, mainly for status displays.
func (b *Bridge) Channel() *transport.Channel { return b.channel }

// Connect establishes the channel. Idempotent; see transport.Channel.Connect.
func (b *Bridge) Connect(ctx context.Context) error {
	if b.isClosed() {
		return protocol.ErrClosed
	}
	return b.channel.Connect(ctx)
}

// Disconnect tears the channel down intentionally, suppressing automatic
// reconnection. Pending command requests are left to their own per-command
// timeouts; only Close rejects them eagerly.
func (b *Bridge) Disconnect() {
	b.channel.Disconnect(websocket.CloseNormalClosure, "client disconnect")
}

// Reconnect clears terminal reconnect state and dials again.
func (b *Bridge) Reconnect(ctx context.Context) error {
	if b.isClosed() {
		return protocol.ErrClosed
	}
	return b.channel.Reconnect(ctx)
}

// Status reports the connection state for status indicators.
func (b *Bridge) Status() transport.Status { return b.channel.Status() }

// WaitReady blocks until the backend has sent its ready message or ctx is
// done.
func (b *Bridge) WaitReady(ctx context.Context) error {
	select {
	case <-b.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return protocol.ErrClosed
	}
}

// Close destroys the bridge permanently: the channel is closed and every
// pending command request is rejected with ErrClosed immediately, rather
// than hanging until its own timeout on a channel known to be dead.
func (b *Bridge) Close() error {
	b.closedMu.Lock()
	if b.closed {
		b.closedMu.Unlock()
		return protocol.ErrClosed
	}
	b.closed = true
	b.closedMu.Unlock()

	b.cancel()
	err := b.channel.Close()
	b.rejectAllPending(protocol.ErrClosed)
	b.log.Info("bridge closed")
	return err
}

func (b *Bridge) isClosed() bool {
	b.closedMu.Lock()
	defer b.closedMu.Unlock()
	return b.closed
}

// onMessage routes inbound wire messages to the correlation layer or the
// dispatch registry.
func (b *Bridge) onMessage(ev bus.Event) {
	msg, ok := ev.Data.(*protocol.Message)
	if !ok {
		return
	}
	switch msg.Type {
	case protocol.KindResponse:
		resp, err := protocol.DecodeResponse(msg)
		if err != nil {
			b.log.Warn("dropping malformed response", "err", err)
			return
		}
		b.handleResponse(resp)
	case protocol.KindCommand:
		cmd, err := protocol.DecodeCommand(msg)
		if err != nil {
			b.log.Warn("dropping malformed command", "err", err)
			return
		}
		b.bus.Emit(EventCommandReceived, cmd)
		go b.dispatch(cmd)
	case protocol.KindReady:
		b.readyOnce.Do(func() { close(b.readyCh) })
		b.bus.Emit(EventReady, nil)
	case protocol.KindHeartbeat:
		b.log.Debug("heartbeat from backend")
	case protocol.KindError:
		b.log.Warn("backend error message", "payload", string(msg.Payload))
	default:
		b.log.Warn("unknown message kind", "kind", msg.Type)
	}
}
