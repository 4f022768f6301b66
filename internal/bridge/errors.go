package bridge

import (
	"errors"
	"fmt"
)

// Terminal errors surfaced by the broker and session layer.
var (
	ErrNotConnected          = errors.New("server not connected")
	ErrUnsupportedCapability = errors.New("capability not advertised by server")
	ErrUnknownOperation      = errors.New("unknown request operation")
	ErrTimeout               = errors.New("request timed out")
	ErrClosed                = errors.New("session closed")
	ErrConnectionLost        = errors.New("connection lost")
	ErrPendingLimit          = errors.New("pending request limit reached")
	ErrShuttingDown          = errors.New("hub is shutting down")
)

// Session close reasons. These appear in logs, lifecycle events, and
// ConnectionLostError.
const (
	ReasonSuperseded       = "superseded"
	ReasonAuthFailed       = "auth_failed"
	ReasonAuthTimeout      = "auth_timeout"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonWriteError       = "write_error"
	ReasonReadError        = "read_error"
	ReasonMalformedFrame   = "malformed_frame"
	ReasonDisconnect       = "disconnect"
	ReasonShutdown         = "shutdown"
)

// ConnectionLostError reports that a session closed while a request was in
// flight. It matches ErrConnectionLost under errors.Is.
type ConnectionLostError struct {
	Reason string
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("connection lost (%s)", e.Reason)
}

func (e *ConnectionLostError) Is(target error) bool {
	return target == ErrConnectionLost
}

// RemoteError carries a connector's failure response verbatim.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// ErrorCode maps a broker error to the wire-level code operator front-ends
// expose to their callers.
func ErrorCode(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &remote):
		return "remote_error"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrUnsupportedCapability), errors.Is(err, ErrUnknownOperation):
		return "unsupported_capability"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionLost), errors.Is(err, ErrClosed):
		return "connection_lost"
	default:
		return "internal_error"
	}
}
