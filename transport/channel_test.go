package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/autobridge/autobridge/bus"
	"github.com/autobridge/autobridge/protocol"
	"github.com/autobridge/autobridge/protocol/codec"
)

// faultyCodec wraps a real codec and fails one Marshal call by number.
type faultyCodec struct {
	codec.Codec
	mu     sync.Mutex
	calls  int
	failAt int
}

func (f *faultyCodec) Marshal(v any) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n == f.failAt {
		return nil, errors.New("marshal failed")
	}
	return f.Codec.Marshal(v)
}

// testBackend is a fake automation backend: it upgrades connections on any
// path and records every decoded message.
type testBackend struct {
	t     *testing.T
	srv   *httptest.Server
	mu    sync.Mutex
	conns []*websocket.Conn
	inbox chan protocol.Message
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	tb := &testBackend{t: t, inbox: make(chan protocol.Message, 64)}
	up := websocket.Upgrader{}
	tb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tb.mu.Lock()
		tb.conns = append(tb.conns, conn)
		tb.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg protocol.Message
			if json.Unmarshal(data, &msg) == nil {
				tb.inbox <- msg
			}
		}
	}))
	t.Cleanup(tb.srv.Close)
	return tb
}

func (tb *testBackend) url() string {
	return "ws" + strings.TrimPrefix(tb.srv.URL, "http") + protocol.DefaultPath
}

func (tb *testBackend) connCount() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.conns)
}

// dropConns closes every accepted connection server-side, simulating an
// unexpected close.
func (tb *testBackend) dropConns() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for _, c := range tb.conns {
		_ = c.Close()
	}
	tb.conns = nil
}

func (tb *testBackend) next(timeout time.Duration) (protocol.Message, bool) {
	select {
	case msg := <-tb.inbox:
		return msg, true
	case <-time.After(timeout):
		return protocol.Message{}, false
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// deadEndpoint returns a ws URL nothing is listening on.
func deadEndpoint(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return "ws://" + addr + protocol.DefaultPath
}

func TestConnect(t *testing.T) {
	t.Run("connect succeeds and emits opened", func(t *testing.T) {
		tb := newTestBackend(t)
		ch, err := New(tb.url())
		if err != nil {
			t.Fatalf("new channel: %v", err)
		}
		defer func() { _ = ch.Close() }()

		opened := make(chan struct{}, 1)
		ch.Bus().On(EventOpened, func(bus.Event) { opened <- struct{}{} })

		if err := ch.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		if got := ch.State(); got != StateConnected {
			t.Errorf("expected Connected, got %v", got)
		}
		select {
		case <-opened:
		case <-time.After(time.Second):
			t.Error("opened event never emitted")
		}
	})

	t.Run("connect while connected is a no-op", func(t *testing.T) {
		tb := newTestBackend(t)
		ch, _ := New(tb.url())
		defer func() { _ = ch.Close() }()

		if err := ch.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		if err := ch.Connect(context.Background()); err != nil {
			t.Fatalf("second connect: %v", err)
		}
		waitFor(t, time.Second, "single backend connection", func() bool {
			return tb.connCount() == 1
		})
	})

	t.Run("concurrent connects share one attempt", func(t *testing.T) {
		tb := newTestBackend(t)
		ch, _ := New(tb.url())
		defer func() { _ = ch.Close() }()

		var wg sync.WaitGroup
		errs := make([]error, 4)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				errs[n] = ch.Connect(context.Background())
			}(i)
		}
		wg.Wait()
		for i, err := range errs {
			if err != nil {
				t.Errorf("connect %d: %v", i, err)
			}
		}
		// Give any duplicate dial a moment to manifest.
		time.Sleep(50 * time.Millisecond)
		if n := tb.connCount(); n != 1 {
			t.Errorf("expected exactly one connection, got %d", n)
		}
	})

	t.Run("connect to dead endpoint fails with connection error", func(t *testing.T) {
		ch, _ := New(deadEndpoint(t),
			WithReconnectAttempts(0),
			WithConnectTimeout(2*time.Second))
		defer func() { _ = ch.Close() }()

		err := ch.Connect(context.Background())
		if err == nil {
			t.Fatal("expected connect error")
		}
		var cerr *protocol.ConnectionError
		if !errors.As(err, &cerr) {
			t.Errorf("expected ConnectionError, got %T: %v", err, err)
		}
		if st := ch.Status(); st.LastError == nil {
			t.Error("expected last error recorded in status")
		}
	})

	t.Run("connect after close fails", func(t *testing.T) {
		tb := newTestBackend(t)
		ch, _ := New(tb.url())
		_ = ch.Close()
		if err := ch.Connect(context.Background()); err != protocol.ErrClosed {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	})
}

func TestSendAndQueue(t *testing.T) {
	t.Run("send while connected transmits immediately", func(t *testing.T) {
		tb := newTestBackend(t)
		ch, _ := New(tb.url())
		defer func() { _ = ch.Close() }()
		if err := ch.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}

		msg := protocol.NewMessage(protocol.KindError, json.RawMessage(`"x"`), time.Now())
		if !ch.Send(msg) {
			t.Fatal("expected send to report transmitted")
		}
		got, ok := tb.next(time.Second)
		if !ok {
			t.Fatal("backend never received the message")
		}
		if got.Type != protocol.KindError {
			t.Errorf("expected kind %q, got %q", protocol.KindError, got.Type)
		}
	})

	t.Run("send while disconnected queues and flushes in order", func(t *testing.T) {
		tb := newTestBackend(t)
		ch, _ := New(tb.url())
		defer func() { _ = ch.Close() }()

		for i := 0; i < 3; i++ {
			payload, _ := json.Marshal(map[string]int{"seq": i})
			msg := protocol.NewMessage(protocol.KindCommand, payload, time.Now())
			if ch.Send(msg) {
				t.Fatal("expected send to report queued while disconnected")
			}
		}
		if n := ch.QueueLen(); n != 3 {
			t.Fatalf("expected 3 queued, got %d", n)
		}

		if err := ch.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		for i := 0; i < 3; i++ {
			got, ok := tb.next(time.Second)
			if !ok {
				t.Fatalf("message %d never flushed", i)
			}
			var p map[string]int
			if err := json.Unmarshal(got.Payload, &p); err != nil {
				t.Fatalf("decode flushed payload: %v", err)
			}
			if p["seq"] != i {
				t.Errorf("flush out of order: expected seq %d, got %d", i, p["seq"])
			}
		}
		waitFor(t, time.Second, "empty queue", func() bool { return ch.QueueLen() == 0 })
	})

	t.Run("queue order survives disconnect cycles", func(t *testing.T) {
		tb := newTestBackend(t)
		ch, _ := New(tb.url(), WithReconnectAttempts(0))
		defer func() { _ = ch.Close() }()

		one, _ := json.Marshal(map[string]int{"seq": 1})
		ch.Send(protocol.NewMessage(protocol.KindCommand, one, time.Now()))
		ch.Disconnect(websocket.CloseNormalClosure, "cycle")
		two, _ := json.Marshal(map[string]int{"seq": 2})
		ch.Send(protocol.NewMessage(protocol.KindCommand, two, time.Now()))

		if err := ch.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		for want := 1; want <= 2; want++ {
			got, ok := tb.next(time.Second)
			if !ok {
				t.Fatalf("message %d never flushed", want)
			}
			var p map[string]int
			_ = json.Unmarshal(got.Payload, &p)
			if p["seq"] != want {
				t.Errorf("expected seq %d, got %d", want, p["seq"])
			}
		}
	})

	t.Run("flush failure keeps the head queued and replays in order", func(t *testing.T) {
		tb := newTestBackend(t)
		fc := &faultyCodec{Codec: codec.JSON(), failAt: 2}
		ch, _ := New(tb.url(), WithCodec(fc), WithReconnectAttempts(0))
		defer func() { _ = ch.Close() }()

		for i := 0; i < 3; i++ {
			payload, _ := json.Marshal(map[string]int{"seq": i})
			ch.Send(protocol.NewMessage(protocol.KindCommand, payload, time.Now()))
		}

		// The second Marshal fails, so the flush transmits seq 0 and stops
		// with seq 1 still at the head.
		if err := ch.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		got, ok := tb.next(time.Second)
		if !ok {
			t.Fatal("first message never flushed")
		}
		var p map[string]int
		_ = json.Unmarshal(got.Payload, &p)
		if p["seq"] != 0 {
			t.Fatalf("expected seq 0 first, got %d", p["seq"])
		}
		if msg, ok := tb.next(200 * time.Millisecond); ok {
			t.Fatalf("message left the queue without a successful send: %+v", msg)
		}
		if n := ch.QueueLen(); n != 2 {
			t.Fatalf("expected seq 1 and 2 still queued, got %d", n)
		}

		// The next connect resumes from the head in order.
		ch.Disconnect(websocket.CloseNormalClosure, "cycle")
		if err := ch.Connect(context.Background()); err != nil {
			t.Fatalf("reconnect: %v", err)
		}
		for want := 1; want <= 2; want++ {
			got, ok := tb.next(time.Second)
			if !ok {
				t.Fatalf("seq %d never replayed", want)
			}
			var p map[string]int
			_ = json.Unmarshal(got.Payload, &p)
			if p["seq"] != want {
				t.Errorf("replay out of order: expected seq %d, got %d", want, p["seq"])
			}
		}
		waitFor(t, time.Second, "empty queue", func() bool { return ch.QueueLen() == 0 })
	})

	t.Run("queue cap drops oldest", func(t *testing.T) {
		ch, _ := New("ws://localhost:1/mcp", WithQueueLimit(2))
		defer func() { _ = ch.Close() }()
		for i := 0; i < 3; i++ {
			payload, _ := json.Marshal(map[string]int{"seq": i})
			ch.Send(protocol.NewMessage(protocol.KindCommand, payload, time.Now()))
		}
		if n := ch.QueueLen(); n != 2 {
			t.Errorf("expected queue capped at 2, got %d", n)
		}
	})
}

func TestHeartbeat(t *testing.T) {
	t.Run("heartbeats at the configured interval while connected", func(t *testing.T) {
		tb := newTestBackend(t)
		mock := clock.NewMock()
		ch, _ := New(tb.url(), WithClock(mock), WithHeartbeatInterval(30*time.Second))
		defer func() { _ = ch.Close() }()
		if err := ch.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}

		mock.Add(30 * time.Second)
		got, ok := tb.next(time.Second)
		if !ok {
			t.Fatal("expected a heartbeat after one interval")
		}
		if got.Type != protocol.KindHeartbeat {
			t.Errorf("expected heartbeat, got %q", got.Type)
		}

		mock.Add(30 * time.Second)
		if _, ok := tb.next(time.Second); !ok {
			t.Fatal("expected a second heartbeat")
		}
	})

	t.Run("no heartbeats after disconnect", func(t *testing.T) {
		tb := newTestBackend(t)
		mock := clock.NewMock()
		ch, _ := New(tb.url(), WithClock(mock), WithHeartbeatInterval(30*time.Second))
		defer func() { _ = ch.Close() }()
		if err := ch.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}

		ch.Disconnect(websocket.CloseNormalClosure, "done")
		waitFor(t, time.Second, "disconnected state", func() bool {
			return ch.State() == StateDisconnected
		})

		mock.Add(2 * time.Minute)
		if msg, ok := tb.next(200 * time.Millisecond); ok {
			t.Errorf("unexpected message after disconnect: %+v", msg)
		}
	})
}

func TestReconnect(t *testing.T) {
	t.Run("unexpected close schedules reconnect and recovers", func(t *testing.T) {
		tb := newTestBackend(t)
		mock := clock.NewMock()
		ch, _ := New(tb.url(), WithClock(mock))
		defer func() { _ = ch.Close() }()
		if err := ch.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}

		tb.dropConns()
		waitFor(t, time.Second, "reconnecting state", func() bool {
			return ch.State() == StateReconnecting
		})
		if st := ch.Status(); st.Attempts != 1 {
			t.Errorf("expected attempt 1 scheduled, got %d", st.Attempts)
		}

		mock.Add(3 * time.Second)
		waitFor(t, time.Second, "reconnected", func() bool {
			return ch.State() == StateConnected
		})
		if st := ch.Status(); st.Attempts != 0 {
			t.Errorf("expected attempts reset on success, got %d", st.Attempts)
		}
	})

	t.Run("intentional disconnect never reconnects", func(t *testing.T) {
		tb := newTestBackend(t)
		mock := clock.NewMock()
		ch, _ := New(tb.url(), WithClock(mock))
		defer func() { _ = ch.Close() }()
		if err := ch.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}

		ch.Disconnect(websocket.CloseNormalClosure, "bye")
		waitFor(t, time.Second, "disconnected state", func() bool {
			return ch.State() == StateDisconnected
		})

		mock.Add(10 * time.Minute)
		time.Sleep(50 * time.Millisecond)
		if st := ch.Status(); st.State != StateDisconnected || st.Attempts != 0 {
			t.Errorf("reconnect happened after intentional disconnect: %+v", st)
		}
		if n := tb.connCount(); n != 1 {
			t.Errorf("expected no new connections, backend saw %d", n)
		}
	})

	t.Run("reconnection stops after the attempt cap", func(t *testing.T) {
		mock := clock.NewMock()
		ch, _ := New(deadEndpoint(t),
			WithClock(mock),
			WithReconnectAttempts(2),
			WithConnectTimeout(time.Second))
		defer func() { _ = ch.Close() }()

		exhausted := make(chan any, 1)
		ch.Bus().On(EventReconnectExhausted, func(ev bus.Event) { exhausted <- ev.Data })

		if err := ch.Connect(context.Background()); err == nil {
			t.Fatal("expected connect failure")
		}

		for i := 0; i < 40; i++ {
			if ch.Status().Exhausted {
				break
			}
			mock.Add(500 * time.Millisecond)
			time.Sleep(10 * time.Millisecond)
		}
		st := ch.Status()
		if !st.Exhausted {
			t.Fatalf("expected terminal exhausted state, got %+v", st)
		}
		if st.Attempts != 2 {
			t.Errorf("expected 2 attempts, got %d", st.Attempts)
		}
		select {
		case n := <-exhausted:
			if n != 2 {
				t.Errorf("expected exhausted event with 2 attempts, got %v", n)
			}
		case <-time.After(time.Second):
			t.Error("exhausted event never emitted")
		}
	})

	t.Run("explicit reconnect clears the intentional latch", func(t *testing.T) {
		tb := newTestBackend(t)
		ch, _ := New(tb.url())
		defer func() { _ = ch.Close() }()
		if err := ch.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}

		ch.Disconnect(websocket.CloseNormalClosure, "pause")
		if err := ch.Reconnect(context.Background()); err != nil {
			t.Fatalf("reconnect: %v", err)
		}
		if got := ch.State(); got != StateConnected {
			t.Errorf("expected Connected after explicit reconnect, got %v", got)
		}
		waitFor(t, time.Second, "second backend connection", func() bool {
			return tb.connCount() == 2
		})
	})
}

func TestLateCloseTeardown(t *testing.T) {
	// A Connect can take over between the moment Disconnect retires the
	// socket and the moment the close frame lands. The late teardown must
	// leave the new connection and its state untouched.
	tb := newTestBackend(t)
	ch, _ := New(tb.url())
	defer func() { _ = ch.Close() }()
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Retire the socket the way Disconnect does, holding back the close
	// frame until a new connect has taken over.
	ch.mu.Lock()
	ch.intentional = true
	ch.stopHeartbeatLocked()
	oldConn := ch.conn
	ch.conn = nil
	ch.gen++
	gen := ch.gen
	ch.state = StateClosing
	ch.mu.Unlock()

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}

	closed := make(chan any, 1)
	ch.Bus().On(EventClosed, func(ev bus.Event) { closed <- ev.Data })

	ch.completeClose(oldConn, gen, websocket.CloseNormalClosure, "late")
	if got := ch.State(); got != StateConnected {
		t.Errorf("late teardown stomped the new connection: %v", got)
	}
	select {
	case code := <-closed:
		t.Errorf("spurious closed event for the retired socket: %v", code)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBackoffDelays(t *testing.T) {
	base := 3000 * time.Millisecond
	want := []int64{3000, 4500, 6750, 10125, 15187}
	for i, ms := range want {
		got := backoffDelay(base, i+1).Milliseconds()
		if got != ms {
			t.Errorf("attempt %d: expected %dms, got %dms", i+1, ms, got)
		}
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateReconnecting: "reconnecting",
		StateClosing:      "closing",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
}

func TestClose(t *testing.T) {
	t.Run("close drops the queue and rejects further use", func(t *testing.T) {
		ch, _ := New("ws://localhost:1/mcp")
		payload, _ := json.Marshal(map[string]string{"k": "v"})
		ch.Send(protocol.NewMessage(protocol.KindCommand, payload, time.Now()))

		if err := ch.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		if ch.QueueLen() != 0 {
			t.Error("expected queue discarded on close")
		}
		if ch.Send(protocol.NewMessage(protocol.KindHeartbeat, nil, time.Now())) {
			t.Error("expected send to fail after close")
		}
		if err := ch.Close(); err != protocol.ErrClosed {
			t.Errorf("expected ErrClosed on double close, got %v", err)
		}
	})

	t.Run("close while connected tears down the socket", func(t *testing.T) {
		tb := newTestBackend(t)
		ch, _ := New(tb.url())
		if err := ch.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		if err := ch.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		if got := ch.State(); got != StateDisconnected {
			t.Errorf("expected Disconnected after close, got %v", got)
		}
	})
}

func TestStatusSnapshot(t *testing.T) {
	ch, _ := New("ws://localhost:1/mcp")
	defer func() { _ = ch.Close() }()
	st := ch.Status()
	if st.State != StateDisconnected || st.Attempts != 0 || st.Exhausted {
		t.Errorf("unexpected initial status: %+v", st)
	}
	if got := fmt.Sprint(st.State); got != "disconnected" {
		t.Errorf("unexpected state string: %s", got)
	}
}
