package bridge

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/cloudpilot-emu/netbridge/internal/handshake"
	"github.com/cloudpilot-emu/netbridge/internal/proxyconn"
	"github.com/cloudpilot-emu/netbridge/internal/proxytest"
)

type fakeEmu struct {
	mu         sync.Mutex
	kind       SuspendKind
	req        []byte
	connects   []string
	responses  [][]byte
	cancels    int
	violations int
}

func (e *fakeEmu) suspend(kind SuspendKind, req []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kind = kind
	e.req = req
}

func (e *fakeEmu) SuspendKind() SuspendKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kind
}

func (e *fakeEmu) RequestData() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req
}

func (e *fakeEmu) ResumeConnect(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.kind != SuspendConnect {
		e.violations++
	}
	e.connects = append(e.connects, id)
	e.kind = SuspendNone
}

func (e *fakeEmu) ResumeRPC(resp []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.kind != SuspendRPC {
		e.violations++
	}
	e.responses = append(e.responses, append([]byte(nil), resp...))
	e.kind = SuspendNone
}

func (e *fakeEmu) CancelSuspend() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.kind == SuspendNone {
		e.violations++
	}
	e.cancels++
	e.kind = SuspendNone
}

type emuCounts struct {
	connects, responses, cancels, violations int
}

func (e *fakeEmu) counts() emuCounts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return emuCounts{len(e.connects), len(e.responses), e.cancels, e.violations}
}

func (e *fakeEmu) lastSession() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.connects) == 0 {
		return ""
	}
	return e.connects[len(e.connects)-1]
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
	errors   []string
}

func (n *fakeNotifier) Message(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
}

func (n *fakeNotifier) Error(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, text)
}

func (n *fakeNotifier) snapshot() (messages, errors []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...), append([]string(nil), n.errors...)
}

type fakeLoader struct {
	mu           sync.Mutex
	shown, hides int
}

func (l *fakeLoader) ShowLoading() {
	l.mu.Lock()
	l.shown++
	l.mu.Unlock()
}

func (l *fakeLoader) HideLoading() {
	l.mu.Lock()
	l.hides++
	l.mu.Unlock()
}

func (l *fakeLoader) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shown, l.hides
}

type fakeRecorder struct {
	mu          sync.Mutex
	handshakes  []string
	resolutions []string
	errors      []string
	bytesIn     int
	bytesOut    int
	open        bool
}

func (r *fakeRecorder) ObserveHandshake(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handshakes = append(r.handshakes, status)
}

func (r *fakeRecorder) ObserveResolution(kind, resolution string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolutions = append(r.resolutions, kind+"/"+resolution)
}

func (r *fakeRecorder) ObserveError(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, kind)
}

func (r *fakeRecorder) ObserveBytes(direction string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if direction == "in" {
		r.bytesIn += n
	} else {
		r.bytesOut += n
	}
}

func (r *fakeRecorder) SetConnectionOpen(open bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = open
}

type harness struct {
	b      *Bridge
	emu    *fakeEmu
	note   *fakeNotifier
	loader *fakeLoader
	rec    *fakeRecorder
	srv    *proxytest.Server
	conns  *proxyconn.Manager

	addrMu sync.Mutex
	addr   string

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan error
}

type harnessOptions struct {
	connectTimeout time.Duration
	loaderGrace    time.Duration
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.connectTimeout == 0 {
		opts.connectTimeout = 2 * time.Second
	}

	h := &harness{
		emu:    &fakeEmu{},
		note:   &fakeNotifier{},
		loader: &fakeLoader{},
		rec:    &fakeRecorder{},
		srv:    proxytest.New(t),
		done:   make(chan error, 1),
	}
	h.addr = h.srv.URL
	h.conns = proxyconn.NewManager(proxyconn.Options{ConnectTimeout: opts.connectTimeout})
	h.b = New(Deps{
		Emulator:    h.emu,
		Connections: h.conns,
		Handshaker:  handshake.NewClient(&http.Client{}, time.Second, nil),
		Address:     AddressFunc(h.address),
		Notifier:    h.note,
		Loader:      h.loader,
		Recorder:    h.rec,
		LoaderGrace: opts.loaderGrace,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.b.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) address() string {
	h.addrMu.Lock()
	defer h.addrMu.Unlock()
	return h.addr
}

func (h *harness) setAddress(addr string) {
	h.addrMu.Lock()
	defer h.addrMu.Unlock()
	h.addr = addr
}

func (h *harness) stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		<-h.done
		h.conns.Close()
	})
}

// sync waits until the bridge goroutine has processed everything posted so
// far.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	if !h.b.exec(context.Background(), func() {}) {
		t.Fatal("bridge not running")
	}
}

func (h *harness) suspendConnect() {
	h.emu.suspend(SuspendConnect, nil)
	h.b.HandleSuspend()
}

func (h *harness) suspendRPC(req []byte) {
	h.emu.suspend(SuspendRPC, req)
	h.b.HandleSuspend()
}

func (h *harness) connect(t *testing.T) string {
	t.Helper()
	before := h.emu.counts().connects
	h.suspendConnect()
	waitFor(t, 3*time.Second, "connect resume", func() bool { return h.emu.counts().connects == before+1 })
	return h.emu.lastSession()
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle gives late events time to arrive before counts are checked.
func (h *harness) settle(t *testing.T) {
	time.Sleep(100 * time.Millisecond)
	h.sync(t)
}

func TestConnectResumesWithSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	id := h.connect(t)
	if id == "" {
		t.Fatal("resumed with an empty session id")
	}
	if got := h.conns.Session(); got != id {
		t.Errorf("manager session = %q, want %q", got, id)
	}
	if !h.b.Connected() {
		t.Error("expected Connected after resume")
	}
	select {
	case <-h.b.Resumed():
	case <-time.After(time.Second):
		t.Error("no resumed signal")
	}

	h.settle(t)
	if c := h.emu.counts(); c != (emuCounts{connects: 1}) {
		t.Errorf("emulator counts = %+v, want one connect", c)
	}
	if got := h.srv.Tokens(); len(got) != 1 || got[0] != "test-token" {
		t.Errorf("server tokens = %v", got)
	}
	if _, errs := h.note.snapshot(); len(errs) != 0 {
		t.Errorf("unexpected errors %v", errs)
	}

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if len(h.rec.handshakes) != 1 || h.rec.handshakes[0] != "success" {
		t.Errorf("recorded handshakes = %v", h.rec.handshakes)
	}
	if !h.rec.open {
		t.Error("connection gauge not set")
	}
	if len(h.rec.resolutions) != 1 || h.rec.resolutions[0] != "connect/resumed" {
		t.Errorf("recorded resolutions = %v", h.rec.resolutions)
	}
}

func TestSessionIDsAreFresh(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	first := h.connect(t)
	second := h.connect(t)
	if first == second {
		t.Errorf("reconnect reused session id %q", first)
	}
}

func TestVersionMismatch(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.srv.Set(func(s *proxytest.Server) { s.Version = 2; s.Token = "abc" })

	h.suspendConnect()
	waitFor(t, 3*time.Second, "cancel", func() bool { return h.emu.counts().cancels == 1 })

	h.settle(t)
	if c := h.emu.counts(); c != (emuCounts{cancels: 1}) {
		t.Errorf("emulator counts = %+v, want one cancel", c)
	}
	if _, errs := h.note.snapshot(); len(errs) != 1 || errs[0] != MsgVersionMismatch {
		t.Errorf("errors = %v, want the version mismatch message", errs)
	}
	if got := h.srv.Tokens(); len(got) != 0 {
		t.Errorf("connection attempted after mismatch: %v", got)
	}
	if h.b.Connected() {
		t.Error("connected after mismatch")
	}
}

func TestRPCRoundTrip(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect(t)

	req := []byte{0x01, 0x02, 0x03, 0x00, 0xff}
	h.suspendRPC(req)
	waitFor(t, 3*time.Second, "rpc resume", func() bool { return h.emu.counts().responses == 1 })

	h.emu.mu.Lock()
	got := h.emu.responses[0]
	h.emu.mu.Unlock()
	if !bytes.Equal(got, req) {
		t.Errorf("response = %x, want %x", got, req)
	}
	if !h.b.Connected() {
		t.Error("connection dropped after rpc")
	}
	if frames := h.srv.Frames(); len(frames) != 1 || !bytes.Equal(frames[0], req) {
		t.Errorf("server frames = %x", frames)
	}

	// A second round trip on the same connection.
	h.suspendRPC([]byte("again"))
	waitFor(t, 3*time.Second, "second rpc resume", func() bool { return h.emu.counts().responses == 2 })

	h.settle(t)
	if c := h.emu.counts(); c != (emuCounts{connects: 1, responses: 2}) {
		t.Errorf("emulator counts = %+v", c)
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if h.rec.bytesOut != len(req)+5 || h.rec.bytesIn != len(req)+5 {
		t.Errorf("relay bytes in=%d out=%d", h.rec.bytesIn, h.rec.bytesOut)
	}
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t, harnessOptions{connectTimeout: 200 * time.Millisecond})
	h.srv.Set(func(s *proxytest.Server) { s.HangConnect = true })

	h.suspendConnect()
	waitFor(t, 3*time.Second, "cancel", func() bool { return h.emu.counts().cancels == 1 })

	h.settle(t)
	if c := h.emu.counts(); c != (emuCounts{cancels: 1}) {
		t.Errorf("emulator counts = %+v, want one cancel", c)
	}
	if _, errs := h.note.snapshot(); len(errs) != 1 || errs[0] != MsgConnectFailed {
		t.Errorf("errors = %v, want %q", errs, MsgConnectFailed)
	}
	if h.conns.Active() {
		t.Error("connection still active after timeout")
	}
}

func TestExactlyOnceResolution(t *testing.T) {
	tests := []struct {
		name    string
		run     func(t *testing.T, h *harness)
		want    emuCounts
		wantErr []string
	}{
		{
			name: "invalid address",
			run: func(t *testing.T, h *harness) {
				h.setAddress("ftp://example.com")
				h.suspendConnect()
			},
			want:    emuCounts{cancels: 1},
			wantErr: []string{fmt.Sprintf(MsgInvalidAddress, "ftp://example.com")},
		},
		{
			name: "handshake failure",
			run: func(t *testing.T, h *harness) {
				h.srv.Set(func(s *proxytest.Server) { s.HandshakeStatus = http.StatusInternalServerError })
				h.suspendConnect()
			},
			want:    emuCounts{cancels: 1},
			wantErr: []string{MsgConnectFailed},
		},
		{
			name: "malformed handshake",
			run: func(t *testing.T, h *harness) {
				h.srv.Set(func(s *proxytest.Server) { s.HandshakeBody = "{" })
				h.suspendConnect()
			},
			want:    emuCounts{cancels: 1},
			wantErr: []string{MsgConnectFailed},
		},
		{
			name: "open then message",
			run: func(t *testing.T, h *harness) {
				h.connect(t)
				h.suspendRPC([]byte("ping"))
			},
			want: emuCounts{connects: 1, responses: 1},
		},
		{
			name: "open then error during rpc",
			run: func(t *testing.T, h *harness) {
				h.srv.Set(func(s *proxytest.Server) { s.Reply = nil })
				h.connect(t)
				h.suspendRPC([]byte("ping"))
				waitFor(t, 3*time.Second, "frame at server", func() bool { return len(h.srv.Frames()) == 1 })
				h.srv.DropConnections()
			},
			want:    emuCounts{connects: 1, cancels: 1},
			wantErr: []string{MsgConnectionError},
		},
		{
			name: "open then error while idle",
			run: func(t *testing.T, h *harness) {
				h.connect(t)
				h.srv.DropConnections()
			},
			want:    emuCounts{connects: 1},
			wantErr: []string{MsgConnectionError},
		},
		{
			name: "open then close during rpc",
			run: func(t *testing.T, h *harness) {
				h.srv.Set(func(s *proxytest.Server) { s.Reply = nil })
				h.connect(t)
				h.suspendRPC([]byte("ping"))
				waitFor(t, 3*time.Second, "frame at server", func() bool { return len(h.srv.Frames()) == 1 })
				h.srv.CloseConnections()
			},
			want:    emuCounts{connects: 1, cancels: 1},
			wantErr: []string{MsgConnectionClosed},
		},
		{
			name: "rpc without connection",
			run: func(t *testing.T, h *harness) {
				h.suspendRPC([]byte("ping"))
			},
			want: emuCounts{cancels: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{})
			tt.run(t, h)

			total := tt.want.connects + tt.want.responses + tt.want.cancels
			waitFor(t, 3*time.Second, "resolutions", func() bool {
				c := h.emu.counts()
				return c.connects+c.responses+c.cancels >= total
			})

			h.settle(t)
			if c := h.emu.counts(); c != tt.want {
				t.Errorf("emulator counts = %+v, want %+v", c, tt.want)
			}
			if len(tt.wantErr) > 0 {
				waitFor(t, time.Second, "error message", func() bool {
					_, errs := h.note.snapshot()
					return len(errs) >= len(tt.wantErr)
				})
			}
			msgs, errs := h.note.snapshot()
			if len(msgs) != 0 {
				t.Errorf("messages = %v, want none", msgs)
			}
			if fmt.Sprint(errs) != fmt.Sprint(tt.wantErr) {
				t.Errorf("errors = %q, want %q", errs, tt.wantErr)
			}
		})
	}
}

func TestInvalidAddressSkipsHandshake(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.setAddress("   ")

	h.suspendConnect()
	waitFor(t, 3*time.Second, "cancel", func() bool { return h.emu.counts().cancels == 1 })

	if n := h.srv.Handshakes(); n != 0 {
		t.Errorf("handshakes = %d, want 0", n)
	}
}

func TestAddressReadPerAttempt(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	h.setAddress("not a url\x7f")
	h.suspendConnect()
	waitFor(t, 3*time.Second, "cancel", func() bool { return h.emu.counts().cancels == 1 })

	h.setAddress(h.srv.URL)
	h.connect(t)
	if n := h.srv.Handshakes(); n != 1 {
		t.Errorf("handshakes = %d, want 1", n)
	}
}

func TestMessageWithoutRPCIgnored(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect(t)

	h.srv.SendBinary([]byte("unsolicited"))
	h.settle(t)

	if c := h.emu.counts(); c != (emuCounts{connects: 1}) {
		t.Errorf("emulator counts = %+v", c)
	}
	if !h.b.Connected() {
		t.Error("connection dropped by unsolicited message")
	}
	if _, errs := h.note.snapshot(); len(errs) != 0 {
		t.Errorf("errors = %v", errs)
	}
}

func TestTextFrameDuringRPC(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.srv.Set(func(s *proxytest.Server) { s.Reply = nil })
	h.connect(t)

	h.suspendRPC([]byte("ping"))
	waitFor(t, 3*time.Second, "frame at server", func() bool { return len(h.srv.Frames()) == 1 })
	h.srv.SendText("nope")

	waitFor(t, 3*time.Second, "cancel", func() bool { return h.emu.counts().cancels == 1 })
	if c := h.emu.counts(); c.responses != 0 {
		t.Errorf("resumed with a text frame: %+v", c)
	}
	waitFor(t, time.Second, "disconnect", func() bool { return !h.b.Connected() })
	if _, errs := h.note.snapshot(); len(errs) != 1 || errs[0] != MsgConnectionError {
		t.Errorf("errors = %v", errs)
	}
}

func TestStaleDisconnectIgnored(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	id := h.connect(t)

	for _, stale := range []string{"", "some-other-session", id + "x"} {
		h.b.ProxyDisconnect(stale)
	}
	h.sync(t)

	if !h.b.Connected() {
		t.Fatal("stale disconnect closed the connection")
	}
	if h.conns.Session() != id {
		t.Errorf("session changed to %q", h.conns.Session())
	}
}

func TestProxyDisconnect(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	id := h.connect(t)

	h.b.ProxyDisconnect(id)
	h.sync(t)

	if h.b.Connected() {
		t.Error("still connected after disconnect")
	}
	waitFor(t, 2*time.Second, "server side close", func() bool { return h.srv.Connections() == 0 })

	h.settle(t)
	msgs, errs := h.note.snapshot()
	if len(msgs) != 0 || len(errs) != 0 {
		t.Errorf("disconnect notified the user: %v %v", msgs, errs)
	}

	// The old session id is no longer current.
	h.b.ProxyDisconnect(id)
	h.sync(t)
	if c := h.emu.counts(); c != (emuCounts{connects: 1}) {
		t.Errorf("emulator counts = %+v", c)
	}
}

func TestReconnectReplacesConnection(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	first := h.connect(t)
	second := h.connect(t)

	waitFor(t, 2*time.Second, "single server connection", func() bool { return h.srv.Connections() == 1 })
	if h.conns.Session() != second {
		t.Errorf("session = %q, want %q", h.conns.Session(), second)
	}

	h.b.ProxyDisconnect(first)
	h.sync(t)
	if !h.b.Connected() {
		t.Error("disconnect of the replaced session closed the new connection")
	}

	h.settle(t)
	if _, errs := h.note.snapshot(); len(errs) != 0 {
		t.Errorf("replacing the connection surfaced errors: %v", errs)
	}
}

func TestResetAbandonsConnect(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.srv.Set(func(s *proxytest.Server) { s.HandshakeDelay = 300 * time.Millisecond })

	h.suspendConnect()
	waitFor(t, 2*time.Second, "handshake started", func() bool { return h.srv.Handshakes() == 1 })
	h.b.Reset()

	waitFor(t, 2*time.Second, "cancel", func() bool { return h.emu.counts().cancels == 1 })
	time.Sleep(500 * time.Millisecond)
	h.sync(t)

	if c := h.emu.counts(); c != (emuCounts{cancels: 1}) {
		t.Errorf("emulator counts = %+v", c)
	}
	if got := h.srv.Tokens(); len(got) != 0 {
		t.Errorf("connection opened after reset: %v", got)
	}
}

func TestResetAbortsHandshake(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.srv.Set(func(s *proxytest.Server) { s.HandshakeDelay = 900 * time.Millisecond })

	h.suspendConnect()
	waitFor(t, 2*time.Second, "handshake started", func() bool { return h.srv.Handshakes() == 1 })
	h.b.Reset()
	h.sync(t)
	h.srv.Set(func(s *proxytest.Server) { s.HandshakeDelay = 0 })

	start := time.Now()
	h.connect(t)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("reconnect after reset took %v", elapsed)
	}
	if n := h.srv.Handshakes(); n != 2 {
		t.Errorf("handshakes = %d, want 2", n)
	}
	h.settle(t)
	if c := h.emu.counts(); c != (emuCounts{connects: 1, cancels: 1}) {
		t.Errorf("emulator counts = %+v", c)
	}
	if _, errs := h.note.snapshot(); len(errs) != 0 {
		t.Errorf("aborted handshake surfaced errors: %v", errs)
	}
}

func TestResetClosesConnection(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect(t)

	h.b.Reset()
	h.sync(t)
	if h.b.Connected() {
		t.Error("connected after reset")
	}
	h.settle(t)
	if _, errs := h.note.snapshot(); len(errs) != 0 {
		t.Errorf("reset surfaced errors: %v", errs)
	}
}

func TestShutdownCancelsPending(t *testing.T) {
	h := newHarness(t, harnessOptions{connectTimeout: 10 * time.Second})
	h.srv.Set(func(s *proxytest.Server) { s.HangConnect = true })

	h.suspendConnect()
	waitFor(t, 2*time.Second, "dial started", func() bool { return len(h.srv.Tokens()) == 1 })
	h.stop()

	if c := h.emu.counts(); c != (emuCounts{cancels: 1}) {
		t.Errorf("emulator counts = %+v", c)
	}
	if h.conns.Active() {
		t.Error("connection active after shutdown")
	}
}

func TestLoaderShownForSlowConnect(t *testing.T) {
	h := newHarness(t, harnessOptions{loaderGrace: 50 * time.Millisecond})
	h.srv.Set(func(s *proxytest.Server) { s.HandshakeDelay = 250 * time.Millisecond })

	h.connect(t)
	waitFor(t, time.Second, "loader hidden", func() bool {
		_, hides := h.loader.counts()
		return hides == 1
	})
	if shown, _ := h.loader.counts(); shown != 1 {
		t.Errorf("loader shown %d times, want 1", shown)
	}
}

func TestSuspendSignalWithoutSuspend(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	h.b.HandleSuspend()
	h.settle(t)

	if c := h.emu.counts(); c != (emuCounts{}) {
		t.Errorf("emulator counts = %+v", c)
	}
	if n := h.srv.Handshakes(); n != 0 {
		t.Errorf("handshakes = %d", n)
	}
}
