package protocol

import (
	"encoding/json"
	"time"
)

// Message kinds carried on the wire.
const (
	KindCommand   = "command"
	KindResponse  = "response"
	KindHeartbeat = "heartbeat"
	KindError     = "error"
	KindReady     = "ready"
)

// Message is the wire envelope exchanged with the automation backend.
// A Message is immutable once constructed; it is never mutated after
// serialization.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Command is an instruction, either issued locally awaiting a reply or
// received from the backend requiring local execution.
type Command struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Response is the reply to a Command, correlated by ID. Data is present
// only on success, Error only on failure.
type Response struct {
	ID        string          `json:"id"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// EpochMillis returns t as milliseconds since the Unix epoch, the timestamp
// unit used throughout the protocol.
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// NewMessage wraps an already serialized payload in a Message envelope
// stamped with now.
func NewMessage(kind string, payload json.RawMessage, now time.Time) *Message {
	return &Message{Type: kind, Payload: payload, Timestamp: EpochMillis(now)}
}

// NewCommand builds a Command envelope. The payload must already be
// serialized by the caller.
func NewCommand(id, cmdType string, payload json.RawMessage, now time.Time) *Command {
	return &Command{ID: id, Type: cmdType, Payload: payload, Timestamp: EpochMillis(now)}
}

// NewHeartbeat builds the periodic keepalive Message.
func NewHeartbeat(now time.Time) *Message {
	return NewMessage(KindHeartbeat, nil, now)
}

// SuccessResponse builds a success Response for the given command id.
func SuccessResponse(id string, data json.RawMessage, now time.Time) *Response {
	return &Response{ID: id, Success: true, Data: data, Timestamp: EpochMillis(now)}
}

// FailureResponse builds a failure Response carrying an error message.
func FailureResponse(id string, errMsg string, now time.Time) *Response {
	return &Response{ID: id, Success: false, Error: errMsg, Timestamp: EpochMillis(now)}
}

// DecodeCommand extracts the Command carried by a command-kind Message.
func DecodeCommand(m *Message) (*Command, error) {
	if m.Type != KindCommand {
		return nil, &ProtocolError{Reason: "message is not a command: " + m.Type}
	}
	var cmd Command
	if err := json.Unmarshal(m.Payload, &cmd); err != nil {
		return nil, &ProtocolError{Reason: "malformed command payload", Err: err}
	}
	if cmd.ID == "" {
		return nil, &ProtocolError{Reason: "command missing id"}
	}
	return &cmd, nil
}

// DecodeResponse extracts the Response carried by a response-kind Message.
func DecodeResponse(m *Message) (*Response, error) {
	if m.Type != KindResponse {
		return nil, &ProtocolError{Reason: "message is not a response: " + m.Type}
	}
	var resp Response
	if err := json.Unmarshal(m.Payload, &resp); err != nil {
		return nil, &ProtocolError{Reason: "malformed response payload", Err: err}
	}
	if resp.ID == "" {
		return nil, &ProtocolError{Reason: "response missing id"}
	}
	return &resp, nil
}
