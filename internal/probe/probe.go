// Package probe is a minimal guest for the bridge. It plays the emulator's
// part: each Connect or Call suspends the guest until the bridge resumes or
// cancels it.
package probe

import (
	"context"
	"errors"
	"sync"

	"github.com/cloudpilot-emu/netbridge/internal/bridge"
)

var (
	// ErrCancelled is returned when the bridge resolved a suspend without data.
	ErrCancelled = errors.New("network request cancelled")
	// ErrBusy is returned when a suspend is already pending.
	ErrBusy = errors.New("guest already suspended")
	// ErrNotConnected is returned by Call before a successful Connect.
	ErrNotConnected = errors.New("no proxy session")
)

type result struct {
	session string
	data    []byte
	ok      bool
}

// Guest implements bridge.Emulator. Its methods are safe for concurrent use.
type Guest struct {
	mu           sync.Mutex
	kind         bridge.SuspendKind
	request      []byte
	waiter       chan result
	session      string
	onSuspend    func()
	onDisconnect func(sessionID string)
}

func New() *Guest {
	return &Guest{}
}

// OnSuspend sets the hook called after the guest suspends. Hosts forward it
// to Bridge.HandleSuspend.
func (g *Guest) OnSuspend(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onSuspend = fn
}

// OnDisconnect sets the hook called when the guest drops its session. Hosts
// forward it to Bridge.ProxyDisconnect.
func (g *Guest) OnDisconnect(fn func(sessionID string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onDisconnect = fn
}

// Connect suspends until the bridge has connected to the proxy and returns
// the new session id.
func (g *Guest) Connect(ctx context.Context) (string, error) {
	res, err := g.suspend(ctx, bridge.SuspendConnect, nil)
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	g.session = res.session
	g.mu.Unlock()
	return res.session, nil
}

// Call sends req through the proxy and suspends until the response arrives.
func (g *Guest) Call(ctx context.Context, req []byte) ([]byte, error) {
	if g.SessionID() == "" {
		return nil, ErrNotConnected
	}
	res, err := g.suspend(ctx, bridge.SuspendRPC, req)
	if err != nil {
		return nil, err
	}
	return res.data, nil
}

// Disconnect drops the current session, if any.
func (g *Guest) Disconnect() {
	g.mu.Lock()
	id := g.session
	g.session = ""
	hook := g.onDisconnect
	g.mu.Unlock()

	if id != "" && hook != nil {
		hook(id)
	}
}

// SessionID returns the session id of the last successful Connect.
func (g *Guest) SessionID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}

func (g *Guest) suspend(ctx context.Context, kind bridge.SuspendKind, req []byte) (result, error) {
	g.mu.Lock()
	if g.kind != bridge.SuspendNone {
		g.mu.Unlock()
		return result{}, ErrBusy
	}
	waiter := make(chan result, 1)
	g.kind = kind
	g.request = req
	g.waiter = waiter
	hook := g.onSuspend
	g.mu.Unlock()

	if hook != nil {
		hook()
	}

	select {
	case res := <-waiter:
		if !res.ok {
			if kind == bridge.SuspendRPC {
				g.mu.Lock()
				g.session = ""
				g.mu.Unlock()
			}
			return result{}, ErrCancelled
		}
		return res, nil
	case <-ctx.Done():
		g.mu.Lock()
		if g.waiter == waiter {
			g.clear()
		}
		g.mu.Unlock()
		return result{}, ctx.Err()
	}
}

// resolve completes the pending suspend if it has the given kind. Callers
// hold g.mu.
func (g *Guest) resolve(kind bridge.SuspendKind, res result) {
	if g.kind == bridge.SuspendNone || (kind != bridge.SuspendNone && g.kind != kind) {
		return
	}
	g.waiter <- res
	g.clear()
}

func (g *Guest) clear() {
	g.kind = bridge.SuspendNone
	g.request = nil
	g.waiter = nil
}

func (g *Guest) SuspendKind() bridge.SuspendKind {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.kind
}

func (g *Guest) RequestData() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.request
}

func (g *Guest) ResumeConnect(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resolve(bridge.SuspendConnect, result{session: sessionID, ok: true})
}

func (g *Guest) ResumeRPC(response []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resolve(bridge.SuspendRPC, result{data: append([]byte(nil), response...), ok: true})
}

func (g *Guest) CancelSuspend() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resolve(bridge.SuspendNone, result{})
}
