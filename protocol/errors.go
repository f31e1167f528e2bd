package protocol

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when a correlated command is issued while the
// channel is not in the Connected state. Such a command can never be
// answered, so it fails before any network I/O.
var ErrNotConnected = errors.New("bridge not connected")

// ErrClosed is returned once the bridge has been permanently closed.
var ErrClosed = errors.New("bridge closed")

// ConnectionError reports a failure establishing or keeping the channel:
// dial timeout, abrupt close, or a send on a dead socket.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "connection " + e.Op + " failed"
	}
	return fmt.Sprintf("connection %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed message or an unknown command type.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// CommandTimeoutError reports that no matching Response arrived within the
// per-command deadline.
type CommandTimeoutError struct {
	ID      string
	CmdType string
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command %s (%s) timed out", e.CmdType, e.ID)
}

// CommandExecutionError carries a failure Response's error message back to
// the caller that issued the command.
type CommandExecutionError struct {
	ID      string
	CmdType string
	Message string
}

func (e *CommandExecutionError) Error() string {
	return fmt.Sprintf("command %s failed: %s", e.CmdType, e.Message)
}
