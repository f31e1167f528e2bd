// Package transport owns the duplex WebSocket channel to the automation
// backend: dialing, teardown, message framing, the outbound queue, and the
// heartbeat and reconnection timers. Consumers observe it through the event
// bus and the Status snapshot; they never touch the socket directly.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/autobridge/autobridge/bus"
	"github.com/autobridge/autobridge/protocol"
	"github.com/autobridge/autobridge/protocol/codec"
)

// Event names published on the bus by the channel.
const (
	EventOpened             = "opened"
	EventClosed             = "closed"
	EventError              = "error"
	EventMessage            = "message"
	EventStateChanged       = "state_changed"
	EventReconnectExhausted = "reconnect_exhausted"
)

// Channel is the process-wide connection resource. At most one live socket
// and at most one in-flight connection attempt exist at a time; concurrent
// Connect calls share the in-flight outcome.
type Channel struct {
	url        string
	dialer     *websocket.Dialer
	dialHeader map[string][]string
	codec      codec.Codec
	clk        clock.Clock
	bus        *bus.Bus
	log        Logger

	connectTimeout    time.Duration
	heartbeatInterval time.Duration
	reconnectInterval time.Duration
	maxReconnects     int
	queueLimit        int

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	gen         uint64
	queue       []*protocol.Message
	attempts    int
	exhausted   bool
	intentional bool
	closed      bool
	lastErr     error

	connectDone    chan struct{}
	connectErr     error
	reconnectTimer *clock.Timer
	heartbeatStop  chan struct{}

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New constructs a Channel for the given ws(s) endpoint. The channel starts
// Disconnected; nothing is dialed until Connect.
func New(endpoint string, opts ...Option) (*Channel, error) {
	url, err := protocol.ValidateEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	c := &Channel{
		url:               url,
		dialer:            websocket.DefaultDialer,
		codec:             codec.JSON(),
		clk:               clock.New(),
		bus:               bus.New(),
		log:               NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil))),
		connectTimeout:    DefaultConnectTimeout,
		heartbeatInterval: DefaultHeartbeatInterval,
		reconnectInterval: DefaultReconnectInterval,
		maxReconnects:     DefaultReconnectAttempts,
		queueLimit:        DefaultQueueLimit,
		state:             StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.bus.OnPanic(func(event string, recovered any) {
		c.log.Error("event listener panicked", "event", event, "panic", recovered)
	})
	return c, nil
}

// Bus returns the event bus the channel publishes on.
func (c *Channel) Bus() *bus.Bus { return c.bus }

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the channel is currently usable for direct
// sends.
func (c *Channel) Connected() bool { return c.State() == StateConnected }

// Status returns a snapshot of the channel for status displays, including
// whether automatic reconnection has been exhausted.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:     c.state,
		Attempts:  c.attempts,
		Exhausted: c.exhausted,
		LastError: c.lastErr,
		QueueLen:  len(c.queue),
	}
}

// Connect establishes the channel. It is idempotent: already Connected is an
// immediate success, and a call made while an attempt is in flight joins
// that attempt's outcome instead of opening a second socket. An explicit
// Connect clears the intentional-close latch and any terminal reconnect
// state.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.ErrClosed
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.connectDone != nil {
		done := c.connectDone
		c.mu.Unlock()
		return c.awaitConnect(ctx, done)
	}
	c.intentional = false
	c.exhausted = false
	c.attempts = 0
	c.stopReconnectTimerLocked()
	c.state = StateConnecting
	done := make(chan struct{})
	c.connectDone = done
	c.mu.Unlock()

	c.bus.Emit(EventStateChanged, StateConnecting)
	go c.dial(done)
	return c.awaitConnect(ctx, done)
}

func (c *Channel) awaitConnect(ctx context.Context, done chan struct{}) error {
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectErr
}

// Reconnect resets the attempt counter and terminal state, then connects.
// It is the explicit resume path once automatic reconnection has been
// exhausted.
func (c *Channel) Reconnect(ctx context.Context) error {
	return c.Connect(ctx)
}

// dial performs one connection attempt and settles done with its outcome.
func (c *Channel) dial(done chan struct{}) {
	d := *c.dialer
	d.HandshakeTimeout = c.connectTimeout
	conn, resp, err := d.Dial(c.url, c.dialHeader)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mu.Lock()
	if c.closed || c.intentional {
		// The caller tore the channel down while the dial was in flight;
		// discard whatever the dial produced.
		if conn != nil {
			_ = conn.Close()
		}
		if c.closed {
			c.connectErr = protocol.ErrClosed
		} else {
			c.connectErr = &protocol.ConnectionError{Op: "dial", Err: errors.New("disconnected during connect")}
		}
		c.connectDone = nil
		c.state = StateDisconnected
		c.mu.Unlock()
		close(done)
		c.bus.Emit(EventStateChanged, StateDisconnected)
		return
	}

	if err != nil {
		connErr := &protocol.ConnectionError{Op: "dial", Err: err}
		c.lastErr = connErr
		c.connectErr = connErr
		c.connectDone = nil
		c.state = StateDisconnected
		c.mu.Unlock()
		close(done)
		c.log.Warn("dial failed", "url", c.url, "err", err)
		c.bus.Emit(EventError, connErr)
		c.bus.Emit(EventStateChanged, StateDisconnected)
		c.scheduleReconnect()
		return
	}

	c.conn = conn
	c.gen++
	gen := c.gen
	c.attempts = 0
	c.exhausted = false
	c.lastErr = nil
	c.connectErr = nil
	c.connectDone = nil
	c.state = StateConnected
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()
	close(done)

	c.log.Info("channel opened", "url", c.url)
	c.wg.Add(2)
	go c.readLoop(conn, gen)
	go c.heartbeatLoop(conn, gen, stop)

	c.flushQueue()
	c.bus.Emit(EventOpened, nil)
	c.bus.Emit(EventStateChanged, StateConnected)
}

// Send transmits a message if Connected and returns true. Otherwise the
// message is appended to the outbound queue, to be flushed in order on the
// next successful connect, and Send returns false. A false return means
// "queued", not an error; the only case where a message is dropped is after
// Close.
func (c *Channel) Send(msg *protocol.Message) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.state != StateConnected {
		c.enqueueLocked(msg)
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, msg); err != nil {
		c.mu.Lock()
		c.enqueueLocked(msg)
		c.lastErr = &protocol.ConnectionError{Op: "send", Err: err}
		c.mu.Unlock()
		c.log.Warn("send failed, message queued", "kind", msg.Type, "err", err)
		// Force the read loop to observe the dead socket.
		_ = conn.Close()
		return false
	}
	return true
}

// enqueueLocked appends to the outbound queue, dropping the oldest entry
// when the cap is hit. Caller holds c.mu.
func (c *Channel) enqueueLocked(msg *protocol.Message) {
	if len(c.queue) >= c.queueLimit {
		dropped := c.queue[0]
		c.queue = c.queue[1:]
		c.log.Warn("outbound queue full, dropping oldest", "kind", dropped.Type)
	}
	c.queue = append(c.queue, msg)
}

// flushQueue transmits queued messages strictly in order. If sending the
// head fails it stays at the head and flushing stops; a message leaves the
// queue only after a successful send.
func (c *Channel) flushQueue() {
	for {
		c.mu.Lock()
		if c.state != StateConnected || len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		head := c.queue[0]
		conn := c.conn
		c.mu.Unlock()

		if err := c.write(conn, head); err != nil {
			c.log.Warn("queue flush interrupted", "remaining", c.QueueLen(), "err", err)
			return
		}

		c.mu.Lock()
		if len(c.queue) > 0 && c.queue[0] == head {
			c.queue = c.queue[1:]
		}
		c.mu.Unlock()
	}
}

// QueueLen returns how many messages await a connected channel.
func (c *Channel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// write serializes and transmits one message. gorilla connections allow a
// single concurrent writer, hence writeMu.
func (c *Channel) write(conn *websocket.Conn, msg *protocol.Message) error {
	data, err := c.codec.Marshal(msg)
	if err != nil {
		return err
	}
	msgType := websocket.TextMessage
	if c.codec.ContentType() != "application/json" {
		msgType = websocket.BinaryMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(msgType, data)
}

// readLoop decodes inbound frames and publishes them until the socket dies.
func (c *Channel) readLoop(conn *websocket.Conn, gen uint64) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(conn, gen, err)
			return
		}
		var msg protocol.Message
		if err := c.codec.Unmarshal(data, &msg); err != nil {
			perr := &protocol.ProtocolError{Reason: "malformed message", Err: err}
			c.log.Warn("dropping malformed message", "err", err)
			c.bus.Emit(EventError, perr)
			continue
		}
		c.bus.Emit(EventMessage, &msg)
	}
}

// handleClosed runs when the socket for generation gen stops reading. The
// heartbeat is stopped before any reconnect logic so a closed channel never
// emits stray heartbeats.
func (c *Channel) handleClosed(conn *websocket.Conn, gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		// A newer connection replaced this one; nothing to do.
		c.mu.Unlock()
		return
	}
	c.stopHeartbeatLocked()
	c.conn = nil
	_ = conn.Close()
	intentional := c.intentional
	c.state = StateDisconnected
	if !intentional {
		c.lastErr = &protocol.ConnectionError{Op: "read", Err: cause}
	}
	c.mu.Unlock()

	code := closeCode(cause)
	c.log.Info("channel closed", "code", code, "intentional", intentional)
	c.bus.Emit(EventClosed, code)
	c.bus.Emit(EventStateChanged, StateDisconnected)
	if !intentional {
		c.scheduleReconnect()
	}
}

// heartbeatLoop sends a heartbeat message every heartbeatInterval while the
// connection for gen is alive.
func (c *Channel) heartbeatLoop(conn *websocket.Conn, gen uint64, stop chan struct{}) {
	defer c.wg.Done()
	t := c.clk.Ticker(c.heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.mu.Lock()
			live := c.gen == gen && c.state == StateConnected
			c.mu.Unlock()
			if !live {
				return
			}
			hb := protocol.NewHeartbeat(c.clk.Now())
			if err := c.write(conn, hb); err != nil {
				c.log.Debug("heartbeat write failed", "err", err)
				return
			}
		}
	}
}

// scheduleReconnect arms the single reconnect timer for the next attempt.
// Re-entrant calls while a timer is pending are ignored. Once the attempt
// cap is reached the channel goes terminal: no further attempts until
// Connect or Reconnect is called explicitly.
func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.intentional || c.maxReconnects == 0 {
		c.mu.Unlock()
		return
	}
	if c.reconnectTimer != nil || c.connectDone != nil || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.maxReconnects {
		first := !c.exhausted
		c.exhausted = true
		attempts := c.attempts
		c.mu.Unlock()
		if first {
			c.log.Warn("reconnect attempts exhausted", "attempts", attempts)
			c.bus.Emit(EventReconnectExhausted, attempts)
		}
		return
	}
	c.attempts++
	n := c.attempts
	delay := backoffDelay(c.reconnectInterval, n)
	c.state = StateReconnecting
	c.reconnectTimer = c.clk.AfterFunc(delay, c.reconnectFire)
	c.mu.Unlock()

	c.log.Info("reconnect scheduled", "attempt", n, "delay", delay)
	c.bus.Emit(EventStateChanged, StateReconnecting)
}

// reconnectFire is the reconnect timer callback; it launches the dial for
// the scheduled attempt.
func (c *Channel) reconnectFire() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if c.closed || c.intentional || c.state == StateConnected || c.connectDone != nil {
		c.mu.Unlock()
		return
	}
	done := make(chan struct{})
	c.connectDone = done
	c.mu.Unlock()
	c.dial(done)
}

// backoffDelay returns base × 1.5^(n−1) for attempt n.
func backoffDelay(base time.Duration, n int) time.Duration {
	return time.Duration(float64(base) * math.Pow(1.5, float64(n-1)))
}

// Disconnect tears the channel down intentionally. The intentional-close
// latch suppresses automatic reconnection, and any pending reconnect timer
// or in-flight connect attempt is cancelled. Safe to call in any state.
func (c *Channel) Disconnect(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.intentional = true
	c.exhausted = false
	c.attempts = 0
	c.stopReconnectTimerLocked()
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	dialInFlight := c.connectDone != nil
	var gen uint64
	if conn != nil {
		c.gen++ // readLoop teardown for the old socket becomes a no-op
		gen = c.gen
		c.state = StateClosing
	} else if !dialInFlight {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if conn == nil {
		// With a dial in flight the teardown happens when it settles and
		// observes the latch.
		if !dialInFlight {
			c.bus.Emit(EventStateChanged, StateDisconnected)
		}
		return
	}

	c.completeClose(conn, gen, code, reason)
}

// completeClose writes the close frame for the socket retired at generation
// gen and finishes the transition to Disconnected. If a new Connect took
// over in the meantime the channel is no longer Closing for this
// generation; that attempt's own events describe the channel now, so the
// late teardown stays silent.
func (c *Channel) completeClose(conn *websocket.Conn, gen uint64, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()

	c.mu.Lock()
	if c.gen != gen || c.state != StateClosing {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	c.log.Info("channel disconnected", "code", code, "reason", reason)
	c.bus.Emit(EventClosed, code)
	c.bus.Emit(EventStateChanged, StateDisconnected)
}

// Close destroys the channel permanently. The outbound queue is discarded
// and all subsequent operations fail with ErrClosed.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.ErrClosed
	}
	c.closed = true
	c.intentional = true
	c.stopReconnectTimerLocked()
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.gen++
	c.queue = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"), deadline)
		_ = conn.Close()
		c.bus.Emit(EventClosed, websocket.CloseNormalClosure)
	}
	c.bus.Emit(EventStateChanged, StateDisconnected)
	c.wg.Wait()
	return nil
}

func (c *Channel) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Channel) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// closeCode extracts the websocket close code from a read error, defaulting
// to abnormal closure.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
