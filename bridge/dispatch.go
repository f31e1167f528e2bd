package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/autobridge/autobridge/protocol"
)

// CommandPayload is any decoded command payload handled by the registry.
type CommandPayload any

// Factory creates a fresh payload instance for decoding.
type Factory func() CommandPayload

// HandlerFunc executes one remotely issued command against the live
// application and returns the response data.
type HandlerFunc func(ctx context.Context, payload CommandPayload) (any, error)

// HandlerEntry holds the factory and handler for a registered command type.
type HandlerEntry struct {
	New    Factory
	Handle HandlerFunc
}

// HandlerSpec describes one command registration.
type HandlerSpec struct {
	Type  string
	Entry HandlerEntry
}

// Handler registers a typed handler for a command type. The payload is
// decoded into T before the handler runs.
func Handler[T any](cmdType string, h func(ctx context.Context, payload *T) (any, error)) HandlerSpec {
	return HandlerSpec{
		Type: cmdType,
		Entry: HandlerEntry{
			New: func() CommandPayload { return new(T) },
			Handle: func(ctx context.Context, payload CommandPayload) (any, error) {
				return h(ctx, payload.(*T))
			},
		},
	}
}

// Register adds one or more command handlers. Registration may happen at
// any time, even while connected; for a given type the last registration
// wins. In-flight pending requests are unaffected.
func (b *Bridge) Register(specs ...HandlerSpec) {
	b.regMu.Lock()
	defer b.regMu.Unlock()
	for _, sp := range specs {
		b.registry[sp.Type] = sp.Entry
		b.log.Debug("handler registered", "type", sp.Type)
	}
}

// Unregister removes the handler for a command type. Commands of that type
// then answer with an unknown-type failure instead of crashing.
func (b *Bridge) Unregister(cmdType string) {
	b.regMu.Lock()
	defer b.regMu.Unlock()
	delete(b.registry, cmdType)
}

// HandlerCount returns the number of registered command types.
func (b *Bridge) HandlerCount() int {
	b.regMu.RLock()
	defer b.regMu.RUnlock()
	return len(b.registry)
}

// dispatch executes one inbound command and sends back exactly one response
// carrying the original command id. Handler failures of any kind, including
// panics, are converted into failure responses; nothing escapes to crash
// the bridge and no command is left unanswered while the channel lives.
func (b *Bridge) dispatch(cmd *protocol.Command) {
	resp := b.executeInbound(cmd)
	respRaw, err := json.Marshal(resp)
	if err != nil {
		b.log.Error("marshal response failed", "id", cmd.ID, "err", err)
		return
	}
	msg := protocol.NewMessage(protocol.KindResponse, respRaw, b.clk.Now())
	if !b.channel.Send(msg) {
		b.log.Warn("response queued, channel not connected", "id", cmd.ID)
	}
}

// executeInbound resolves the handler and runs it, always producing a
// response.
func (b *Bridge) executeInbound(cmd *protocol.Command) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panicked", "type", cmd.Type, "panic", r)
			resp = protocol.FailureResponse(cmd.ID, fmt.Sprintf("handler panic: %v", r), b.clk.Now())
		}
	}()

	b.regMu.RLock()
	entry, ok := b.registry[cmd.Type]
	b.regMu.RUnlock()
	if !ok {
		b.log.Warn("unknown command type", "type", cmd.Type, "id", cmd.ID)
		return protocol.FailureResponse(cmd.ID, "unknown command type: "+cmd.Type, b.clk.Now())
	}

	payload := entry.New()
	if len(cmd.Payload) > 0 {
		if err := json.Unmarshal(cmd.Payload, payload); err != nil {
			return protocol.FailureResponse(cmd.ID, fmt.Sprintf("malformed %s payload: %v", cmd.Type, err), b.clk.Now())
		}
	}

	data, err := entry.Handle(b.ctx, payload)
	if err != nil {
		return protocol.FailureResponse(cmd.ID, err.Error(), b.clk.Now())
	}

	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return protocol.FailureResponse(cmd.ID, fmt.Sprintf("encode %s result: %v", cmd.Type, err), b.clk.Now())
		}
		raw = encoded
	}
	return protocol.SuccessResponse(cmd.ID, raw, b.clk.Now())
}
