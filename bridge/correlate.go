package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/autobridge/autobridge/protocol"
)

// pendingRequest is the bookkeeping entry for one locally issued command
// awaiting its response. It is removed from the table exactly once, by a
// matching response, by its timeout, or by bridge shutdown, whichever comes
// first.
type pendingRequest struct {
	cmdType string
	issued  int64
	ch      chan outcome
	timer   *clock.Timer
}

type outcome struct {
	data json.RawMessage
	err  error
}

// Execute sends a command to the backend and waits for its response data.
// It fails immediately with ErrNotConnected when the channel is not
// Connected: unlike plain sends, a correlated command issued while
// disconnected can never be answered, so it is not queued.
func (b *Bridge) Execute(ctx context.Context, cmdType string, payload any) (json.RawMessage, error) {
	if b.isClosed() {
		return nil, protocol.ErrClosed
	}
	if !b.channel.Connected() {
		return nil, protocol.ErrNotConnected
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", cmdType, err)
		}
		raw = data
	}

	id := uuid.NewString()
	now := b.clk.Now()
	cmd := protocol.NewCommand(id, cmdType, raw, now)
	cmdRaw, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal %s command: %w", cmdType, err)
	}
	msg := protocol.NewMessage(protocol.KindCommand, cmdRaw, now)

	p := &pendingRequest{
		cmdType: cmdType,
		issued:  protocol.EpochMillis(now),
		ch:      make(chan outcome, 1),
	}
	// The timer is armed before the entry is published so that whoever takes
	// the entry, response, timeout, cancellation, or close, always finds a
	// non-nil timer to stop. The timeout and a concurrently arriving
	// response race for the table entry; whoever takes it first settles the
	// request, the other is a no-op.
	p.timer = b.clk.AfterFunc(b.commandTimeout, func() {
		if q := b.takePending(id); q != nil {
			q.ch <- outcome{err: &protocol.CommandTimeoutError{ID: id, CmdType: cmdType}}
		}
	})
	b.pendingMu.Lock()
	b.pending[id] = p
	b.pendingMu.Unlock()

	if !b.channel.Send(msg) {
		// The channel dropped out between the state check and the send; the
		// message went to the outbound queue, but a reply for it cannot be
		// expected by this call anymore.
		if q := b.takePending(id); q != nil {
			q.timer.Stop()
		}
		return nil, protocol.ErrNotConnected
	}
	b.log.Debug("command sent", "id", id, "type", cmdType)

	select {
	case out := <-p.ch:
		return out.data, out.err
	case <-ctx.Done():
		if q := b.takePending(id); q != nil {
			q.timer.Stop()
		}
		return nil, ctx.Err()
	case <-b.ctx.Done():
		if q := b.takePending(id); q != nil {
			q.timer.Stop()
		}
		return nil, protocol.ErrClosed
	}
}

// Request sends a command and unmarshals the response data into T.
func Request[T any](b *Bridge, ctx context.Context, cmdType string, payload any) (*T, error) {
	raw, err := b.Execute(ctx, cmdType, payload)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("unmarshal %s response into %T: %w", cmdType, out, err)
	}
	return out, nil
}

// handleResponse settles the pending request matching the response id. A
// response with no matching entry (already timed out, duplicate, or
// unsolicited) is logged and ignored.
func (b *Bridge) handleResponse(resp *protocol.Response) {
	p := b.takePending(resp.ID)
	if p == nil {
		b.log.Debug("unmatched response ignored", "id", resp.ID)
		return
	}
	p.timer.Stop()
	if resp.Success {
		p.ch <- outcome{data: resp.Data}
		return
	}
	p.ch <- outcome{err: &protocol.CommandExecutionError{
		ID:      resp.ID,
		CmdType: p.cmdType,
		Message: resp.Error,
	}}
}

// takePending removes and returns the entry for id, or nil if it is already
// gone.
func (b *Bridge) takePending(id string) *pendingRequest {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	p, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	return p
}

// rejectAllPending settles every outstanding request with err. Used on
// permanent close.
func (b *Bridge) rejectAllPending(err error) {
	b.pendingMu.Lock()
	pending := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.pendingMu.Unlock()
	for id, p := range pending {
		p.timer.Stop()
		p.ch <- outcome{err: err}
		b.log.Debug("pending request rejected on close", "id", id, "type", p.cmdType)
	}
}

// PendingCount reports how many locally issued commands await a response.
func (b *Bridge) PendingCount() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return len(b.pending)
}
