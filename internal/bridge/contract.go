package bridge

import (
	"context"

	"github.com/cloudpilot-emu/netbridge/internal/handshake"
	"github.com/cloudpilot-emu/netbridge/internal/proxyconn"
)

// SuspendKind is the reason the emulator is blocked.
type SuspendKind int

const (
	SuspendNone SuspendKind = iota
	SuspendConnect
	SuspendRPC
)

func (k SuspendKind) String() string {
	switch k {
	case SuspendConnect:
		return "connect"
	case SuspendRPC:
		return "rpc"
	default:
		return "none"
	}
}

// Emulator is the part of the emulator the bridge drives. The bridge only
// calls it from its own goroutine.
type Emulator interface {
	// SuspendKind reports what the emulator is currently blocked on.
	SuspendKind() SuspendKind
	// RequestData returns the outgoing buffer of a pending rpc suspend.
	RequestData() []byte
	// ResumeConnect resolves a connect suspend with the new session id.
	ResumeConnect(sessionID string)
	// ResumeRPC resolves an rpc suspend with the response bytes.
	ResumeRPC(response []byte)
	// CancelSuspend resolves the pending suspend without data.
	CancelSuspend()
}

// Notifier presents messages to the user. Calls must not block.
type Notifier interface {
	Message(text string)
	Error(text string)
}

// Loader shows and hides a busy indicator.
type Loader interface {
	ShowLoading()
	HideLoading()
}

// AddressSource yields the configured proxy address. It is read at the start
// of every connect attempt, from the dispatcher goroutine.
type AddressSource interface {
	ProxyAddress() string
}

// AddressFunc adapts a function to AddressSource.
type AddressFunc func() string

func (f AddressFunc) ProxyAddress() string { return f() }

// Handshaker negotiates a session with the proxy.
type Handshaker interface {
	Handshake(ctx context.Context, addr string) handshake.Outcome
}

// Connections is the connection manager used by the bridge. It is satisfied
// by *proxyconn.Manager.
type Connections interface {
	Open(base, token string) (uint64, error)
	Send(p []byte) error
	Close()
	Events() <-chan proxyconn.Event
	StopConnectTimer()
	Connected() bool
	Active() bool
	IsCurrent(id uint64) bool
	SetSession(id string)
	Session() string
}

// Recorder receives bridge metrics.
type Recorder interface {
	ObserveHandshake(status string)
	ObserveResolution(kind, resolution string)
	ObserveError(kind string)
	ObserveBytes(direction string, n int)
	SetConnectionOpen(open bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveHandshake(string)          {}
func (nopRecorder) ObserveResolution(string, string) {}
func (nopRecorder) ObserveError(string)              {}
func (nopRecorder) ObserveBytes(string, int)         {}
func (nopRecorder) SetConnectionOpen(bool)           {}

type nopNotifier struct{}

func (nopNotifier) Message(string) {}
func (nopNotifier) Error(string)   {}

type nopLoader struct{}

func (nopLoader) ShowLoading() {}
func (nopLoader) HideLoading() {}
