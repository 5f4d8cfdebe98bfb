// Package bridge connects an emulator that has no socket stack of its own to
// a network proxy.
//
// When the emulator suspends on network I/O the bridge negotiates a session
// with the proxy, relays request and response buffers over the proxy's
// WebSocket, and resumes the emulator. Every suspend episode ends in exactly
// one resume or one cancel.
//
// All bridge state is owned by the goroutine running Run. Public methods post
// work to that goroutine and may be called from anywhere. Connect sequences
// (handshake, then open) are serialized by a Dispatcher.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudpilot-emu/netbridge/internal/address"
	"github.com/cloudpilot-emu/netbridge/internal/handshake"
	"github.com/cloudpilot-emu/netbridge/internal/proxyconn"
)

const commandBuffer = 32

// Deps wires a Bridge. Emulator, Connections, Handshaker and Address are
// required; the rest default to no-ops.
type Deps struct {
	Emulator    Emulator
	Connections Connections
	Handshaker  Handshaker
	Address     AddressSource
	Notifier    Notifier
	Loader      Loader
	Recorder    Recorder
	Logger      *zerolog.Logger

	// LoaderGrace delays the loader during connect sequences.
	LoaderGrace time.Duration
	// NewSessionID mints session ids. Defaults to random UUIDs.
	NewSessionID func() string
}

// Bridge resolves emulator network suspends through a proxy.
type Bridge struct {
	emu        Emulator
	conns      Connections
	hs         Handshaker
	addr       AddressSource
	notify     Notifier
	rec        Recorder
	log        zerolog.Logger
	newID      func() string
	dispatcher *Dispatcher

	cmds    chan func()
	done    chan struct{}
	resumed chan struct{}

	// Owned by the Run goroutine.
	pending *episode
	epoch   uint64

	// epochCtx is cancelled when epoch advances, aborting handshakes of
	// abandoned connect sequences.
	epochCtx    context.Context
	epochCancel context.CancelFunc
}

// New creates a Bridge. Call Run to start it.
func New(d Deps) *Bridge {
	b := &Bridge{
		emu:     d.Emulator,
		conns:   d.Connections,
		hs:      d.Handshaker,
		addr:    d.Address,
		notify:  d.Notifier,
		rec:     d.Recorder,
		log:     zerolog.Nop(),
		newID:   d.NewSessionID,
		cmds:    make(chan func(), commandBuffer),
		done:    make(chan struct{}),
		resumed: make(chan struct{}, 1),
	}
	if b.notify == nil {
		b.notify = nopNotifier{}
	}
	if b.rec == nil {
		b.rec = nopRecorder{}
	}
	if b.newID == nil {
		b.newID = uuid.NewString
	}
	if d.Logger != nil {
		b.log = d.Logger.With().Str("component", "bridge").Logger()
	}
	b.dispatcher = NewDispatcher(d.LoaderGrace, d.Loader, d.Logger)
	b.epochCtx, b.epochCancel = context.WithCancel(context.Background())
	return b
}

// Run processes suspend signals and connection events until ctx is done. On
// return the connection is closed and an outstanding suspend is cancelled.
// Run must be called once.
func (b *Bridge) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.dispatcher.Run(ctx)
	}()

	events := b.conns.Events()
	for {
		select {
		case <-ctx.Done():
			b.epochCancel()
			b.teardown()
			b.cancelPending("shutdown")
			close(b.done)
			wg.Wait()
			return ctx.Err()
		case fn := <-b.cmds:
			fn()
		case ev := <-events:
			b.handleEvent(ev)
		}
	}
}

// HandleSuspend tells the bridge that the emulator may have suspended on
// network I/O. The suspend kind is read from the emulator.
func (b *Bridge) HandleSuspend() {
	b.post(b.handleSuspend)
}

// ProxyDisconnect handles the emulator's request to drop the proxy session
// sessionID. Requests naming anything but the current session are ignored.
func (b *Bridge) ProxyDisconnect(sessionID string) {
	b.post(func() { b.disconnect(sessionID) })
}

// Reset drops any connection, for example when the user switches emulator
// sessions. Connect sequences still in flight are abandoned.
func (b *Bridge) Reset() {
	b.post(func() {
		b.epoch++
		b.epochCancel()
		b.epochCtx, b.epochCancel = context.WithCancel(context.Background())
		b.log.Debug().Uint64("epoch", b.epoch).Msg("reset")
		b.teardown()
		b.cancelPending("reset")
	})
}

// Connected reports whether a proxy connection exists.
func (b *Bridge) Connected() bool {
	return b.conns.Connected()
}

// Resumed receives a value after the emulator has been resumed with data.
// Signals coalesce; a reader that falls behind sees one.
func (b *Bridge) Resumed() <-chan struct{} {
	return b.resumed
}

func (b *Bridge) post(fn func()) bool {
	select {
	case b.cmds <- fn:
		return true
	case <-b.done:
		return false
	}
}

// exec runs fn on the bridge goroutine and waits for it.
func (b *Bridge) exec(ctx context.Context, fn func()) bool {
	finished := make(chan struct{})
	if !b.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-b.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (b *Bridge) handleSuspend() {
	switch kind := b.emu.SuspendKind(); kind {
	case SuspendConnect:
		if b.pending != nil && !b.pending.resolved() {
			b.log.Debug().Stringer("kind", b.pending.kind).Msg("superseding unresolved episode")
			b.pending.supersede()
		}
		ep := newEpisode(b.emu, kind)
		b.pending = ep
		epoch, epochCtx := b.epoch, b.epochCtx
		b.dispatcher.Submit(func(ctx context.Context) { b.connect(ctx, epochCtx, ep, epoch) })

	case SuspendRPC:
		if b.outstanding(SuspendRPC) != nil {
			b.log.Debug().Msg("rpc already in flight")
			return
		}
		ep := newEpisode(b.emu, kind)
		if !b.conns.Connected() {
			b.log.Warn().Msg("rpc requested without a proxy connection")
			b.pending = ep
			b.cancelPending("not connected")
			return
		}
		b.pending = ep
		req := b.emu.RequestData()
		if err := b.conns.Send(req); err != nil {
			b.fail(fmt.Errorf("%w: %w", ErrTransport, err))
			return
		}
		b.rec.ObserveBytes("out", len(req))
		b.log.Debug().Int("bytes", len(req)).Msg("rpc request sent")

	default:
		b.log.Debug().Stringer("kind", kind).Msg("suspend signal without network suspend")
	}
}

// current reports whether ep is still the episode a connect sequence started
// in epoch should work for.
func (b *Bridge) current(ep *episode, epoch uint64) bool {
	return epoch == b.epoch && b.pending == ep && !ep.resolved()
}

// connect runs on the dispatcher goroutine. epochCtx ends when epoch is
// superseded by a reset.
func (b *Bridge) connect(ctx, epochCtx context.Context, ep *episode, epoch uint64) {
	live := false
	b.exec(ctx, func() {
		if live = b.current(ep, epoch); live {
			b.teardown()
		}
	})
	if !live {
		b.log.Debug().Err(ErrStaleSignal).Msg("connect sequence abandoned before start")
		return
	}

	raw := b.addr.ProxyAddress()
	base, err := address.Normalize(raw)
	if err != nil {
		b.exec(ctx, func() {
			if !b.current(ep, epoch) {
				return
			}
			err := fmt.Errorf("%w: %w", ErrInvalidAddress, err)
			b.rec.ObserveError(Classify(err))
			b.log.Warn().Err(err).Str("address", raw).Msg("not connecting")
			b.notify.Error(fmt.Sprintf(MsgInvalidAddress, raw))
			b.cancelPending("invalid address")
		})
		return
	}

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(epochCtx, cancel)
	defer stop()

	out := b.hs.Handshake(hctx, base)
	b.exec(ctx, func() { b.applyHandshake(ep, epoch, base, out) })
}

func (b *Bridge) applyHandshake(ep *episode, epoch uint64, base string, out handshake.Outcome) {
	if !b.current(ep, epoch) {
		b.log.Debug().Err(ErrStaleSignal).Stringer("status", out.Status).Msg("handshake result discarded")
		return
	}
	b.rec.ObserveHandshake(out.Status.String())

	switch out.Status {
	case handshake.StatusSuccess:
		id, err := b.conns.Open(base, out.Token)
		if err != nil {
			b.fail(fmt.Errorf("%w: %w", ErrTransport, err))
			return
		}
		b.log.Info().Str("address", base).Uint64("conn", id).Msg("opening proxy connection")

	case handshake.StatusVersionMismatch:
		b.rec.ObserveError(Classify(ErrVersionMismatch))
		b.log.Warn().Err(ErrVersionMismatch).Int("version", out.Version).Int("supported", handshake.ProtocolVersion).Msg("not connecting")
		b.notify.Error(MsgVersionMismatch)
		b.cancelPending("version mismatch")

	default:
		b.fail(fmt.Errorf("%w: %v", ErrHandshakeFailed, out.Err))
	}
}

func (b *Bridge) handleEvent(ev proxyconn.Event) {
	if !b.conns.IsCurrent(ev.Conn) {
		b.log.Debug().Err(ErrStaleSignal).Stringer("event", ev.Kind).Uint64("conn", ev.Conn).Msg("event of replaced connection dropped")
		return
	}

	switch ev.Kind {
	case proxyconn.EventOpen:
		b.onOpen()
	case proxyconn.EventMessage:
		b.onMessage(ev)
	case proxyconn.EventError:
		err := ev.Err
		if !errors.Is(err, ErrConnectTimeout) {
			err = fmt.Errorf("%w: %w", ErrTransport, err)
		}
		b.fail(err)
	case proxyconn.EventClose:
		b.onClose(ev)
	}
}

func (b *Bridge) onOpen() {
	b.conns.StopConnectTimer()

	ep := b.outstanding(SuspendConnect)
	if ep == nil {
		err := fmt.Errorf("%w: connection opened while no connect is pending", ErrProtocolViolation)
		b.rec.ObserveError(Classify(err))
		b.log.Error().Err(err).Msg("dropping connection")
		b.teardown()
		return
	}

	id := b.newID()
	b.conns.SetSession(id)
	b.rec.SetConnectionOpen(true)
	if err := ep.resumeConnect(id); err != nil {
		b.log.Error().Err(err).Msg("resume connect")
		return
	}
	b.log.Info().Str("session", id).Msg("proxy connected")
	b.resolvedWithData(ep)
}

func (b *Bridge) onMessage(ev proxyconn.Event) {
	ep := b.outstanding(SuspendRPC)
	if ep == nil {
		b.log.Warn().Int("bytes", len(ev.Data)).Msg("message while no rpc is pending, dropped")
		return
	}

	if !ev.Binary {
		err := fmt.Errorf("%w: text frame received", ErrProtocolViolation)
		b.rec.ObserveError(Classify(err))
		b.log.Error().Err(err).Msg("dropping connection")
		b.teardown()
		b.notify.Error(MsgConnectionError)
		b.cancelPending("text frame")
		return
	}

	b.rec.ObserveBytes("in", len(ev.Data))
	if err := ep.resumeRPC(ev.Data); err != nil {
		b.log.Error().Err(err).Msg("resume rpc")
		return
	}
	b.log.Debug().Int("bytes", len(ev.Data)).Msg("rpc response delivered")
	b.resolvedWithData(ep)
}

// fail is the common path for transport errors, connect timeouts and failed
// handshakes.
func (b *Bridge) fail(err error) {
	b.conns.StopConnectTimer()

	msg := MsgConnectionError
	if b.outstanding(SuspendConnect) != nil {
		msg = MsgConnectFailed
	}

	kind := Classify(err)
	b.rec.ObserveError(kind)
	b.log.Error().Err(err).Str("kind", kind).Msg("proxy connection failed")
	b.notify.Error(msg)

	b.teardown()
	b.cancelPending(kind)
}

func (b *Bridge) onClose(ev proxyconn.Event) {
	b.conns.StopConnectTimer()

	b.rec.ObserveError(Classify(ErrTransport))
	b.log.Warn().AnErr("cause", ev.Err).Msg("proxy connection closed")
	b.notify.Error(MsgConnectionClosed)

	b.teardown()
	b.cancelPending("closed")
}

func (b *Bridge) disconnect(sessionID string) {
	if sessionID == "" || sessionID != b.conns.Session() || !b.conns.Active() {
		b.log.Debug().Err(ErrStaleSignal).Str("session", sessionID).Msg("disconnect ignored")
		return
	}

	b.log.Info().Str("session", sessionID).Msg("disconnect requested")
	b.teardown()
	b.cancelPending("disconnect")
}

func (b *Bridge) teardown() {
	b.conns.Close()
	b.rec.SetConnectionOpen(false)
}

// outstanding returns the pending episode if it is unresolved, of the given
// kind, and the emulator still waits on it.
func (b *Bridge) outstanding(kind SuspendKind) *episode {
	ep := b.pending
	if ep == nil || ep.resolved() || ep.kind != kind || b.emu.SuspendKind() != kind {
		return nil
	}
	return ep
}

func (b *Bridge) cancelPending(reason string) {
	ep := b.pending
	b.pending = nil
	if ep == nil || ep.resolved() {
		return
	}
	if err := ep.cancel(); err != nil {
		b.log.Error().Err(err).Msg("cancel suspend")
		return
	}
	b.rec.ObserveResolution(ep.kind.String(), "cancelled")
	b.log.Debug().Stringer("kind", ep.kind).Str("reason", reason).Msg("suspend cancelled")
}

func (b *Bridge) resolvedWithData(ep *episode) {
	if b.pending == ep {
		b.pending = nil
	}
	b.rec.ObserveResolution(ep.kind.String(), "resumed")
	select {
	case b.resumed <- struct{}{}:
	default:
	}
}
