package bridge

import (
	"errors"

	"github.com/cloudpilot-emu/netbridge/internal/proxyconn"
)

var (
	ErrInvalidAddress    = errors.New("invalid proxy address")
	ErrHandshakeFailed   = errors.New("handshake failed")
	ErrVersionMismatch   = errors.New("proxy version mismatch")
	ErrConnectTimeout    = proxyconn.ErrConnectTimeout
	ErrTransport         = errors.New("transport error")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrStaleSignal       = errors.New("stale signal")
)

// Classify names the taxonomy kind of err for logs and metrics.
func Classify(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, ErrHandshakeFailed):
		return "handshake_failed"
	case errors.Is(err, ErrVersionMismatch):
		return "version_mismatch"
	case errors.Is(err, ErrConnectTimeout):
		return "connect_timeout"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, ErrStaleSignal):
		return "stale_signal"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "unknown"
	}
}

// User-facing messages.
const (
	MsgInvalidAddress   = "Invalid proxy address: %s"
	MsgConnectFailed    = "Failed to connect to proxy."
	MsgConnectionError  = "Connection to proxy closed unexpectedly due to an error."
	MsgConnectionClosed = "Connection to proxy closed unexpectedly"
	MsgVersionMismatch  = "The proxy server uses an incompatible protocol version. Please update the proxy server."
)
