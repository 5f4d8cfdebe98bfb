// Package proxyconn owns the single WebSocket connection to the network proxy.
//
// A Manager holds at most one connection at a time. Opening a connection
// always closes the previous one first. Connection activity is reported as
// Events on one channel. A closed connection stops producing events; events
// it queued before Close are recognised with IsCurrent.
package proxyconn

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cloudpilot-emu/netbridge/internal/address"
)

const (
	// ConnectPath is the WebSocket endpoint relative to the proxy base URL.
	ConnectPath = "/network-proxy/connect"

	DefaultConnectTimeout = 5 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultMaxMessageSize = 1 << 20

	eventBuffer = 64
)

var (
	// ErrConnectTimeout is carried by the error event of a connection that
	// did not open before the connect deadline.
	ErrConnectTimeout = errors.New("connect timed out")
	// ErrNotConnected is returned by Send when no connection is open.
	ErrNotConnected = errors.New("not connected")
	// ErrDial wraps dial failures.
	ErrDial = errors.New("dial failed")
	// ErrRead wraps read failures other than a closure frame, including a
	// connection dropped without one.
	ErrRead = errors.New("read failed")
)

// EventKind identifies what happened on a connection.
type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventMessage
	EventError
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event reports activity on the connection identified by Conn.
type Event struct {
	Conn   uint64
	Kind   EventKind
	Data   []byte // EventMessage payload
	Binary bool   // EventMessage framing
	Err    error  // EventError and EventClose cause
}

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	Dialer         *websocket.Dialer
	Logger         *zerolog.Logger
}

// connection is the state of one connection attempt. All fields are guarded
// by Manager.mu.
type connection struct {
	id      uint64
	ctx     context.Context
	cancel  context.CancelFunc
	dialEnd context.CancelFunc
	timer   *time.Timer
	ws      *websocket.Conn
	// settled is set once the attempt has produced its open or error event,
	// or has been closed. The dial result and the connect timer race for it.
	settled bool
}

// Manager owns zero or one live proxy connection.
type Manager struct {
	connectTimeout time.Duration
	writeTimeout   time.Duration
	maxMessageSize int64
	dialer         *websocket.Dialer
	log            zerolog.Logger

	events chan Event

	mu      sync.Mutex
	writeMu sync.Mutex
	nextID  uint64
	cur     *connection
	session string
}

// NewManager creates a Manager with no connection.
func NewManager(opts Options) *Manager {
	m := &Manager{
		connectTimeout: opts.ConnectTimeout,
		writeTimeout:   opts.WriteTimeout,
		maxMessageSize: opts.MaxMessageSize,
		dialer:         opts.Dialer,
		log:            zerolog.Nop(),
		events:         make(chan Event, eventBuffer),
	}
	if m.connectTimeout <= 0 {
		m.connectTimeout = DefaultConnectTimeout
	}
	if m.writeTimeout <= 0 {
		m.writeTimeout = DefaultWriteTimeout
	}
	if m.maxMessageSize <= 0 {
		m.maxMessageSize = DefaultMaxMessageSize
	}
	if m.dialer == nil {
		d := *websocket.DefaultDialer
		m.dialer = &d
	}
	if opts.Logger != nil {
		m.log = opts.Logger.With().Str("component", "proxyconn").Logger()
	}
	return m
}

// ConnectURL builds the WebSocket URL for base (a normalized proxy address)
// carrying token as its credential.
func ConnectURL(base, token string) (string, error) {
	ws, err := address.HTTPToWS(base)
	if err != nil {
		return "", err
	}
	return ws + ConnectPath + "?token=" + url.QueryEscape(token), nil
}

// Events delivers the events of all connections opened by this manager.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Open closes any existing connection and starts connecting to the proxy at
// base. It returns the id of the new connection without waiting for the dial;
// the outcome arrives as exactly one EventOpen or EventError. If no open event
// happens within the connect timeout, an EventError wrapping ErrConnectTimeout
// is delivered instead.
func (m *Manager) Open(base, token string) (uint64, error) {
	target, err := ConnectURL(base, token)
	if err != nil {
		return 0, err
	}

	m.Close()

	m.mu.Lock()
	m.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	dialCtx, dialEnd := context.WithCancel(ctx)
	c := &connection{
		id:      m.nextID,
		ctx:     ctx,
		cancel:  cancel,
		dialEnd: dialEnd,
	}
	c.timer = time.AfterFunc(m.connectTimeout, func() { m.connectExpired(c) })
	m.cur = c
	m.mu.Unlock()

	m.log.Debug().Uint64("conn", c.id).Str("url", redact(target)).Msg("connecting")
	go m.dial(dialCtx, c, target)

	return c.id, nil
}

func (m *Manager) dial(ctx context.Context, c *connection, target string) {
	ws, _, err := m.dialer.DialContext(ctx, target, nil)

	m.mu.Lock()
	if c.settled {
		m.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		return
	}
	c.settled = true
	c.timer.Stop()
	c.dialEnd()
	if err != nil {
		m.mu.Unlock()
		m.emit(c, Event{Kind: EventError, Err: fmt.Errorf("%w: %v", ErrDial, err)})
		return
	}
	ws.SetReadLimit(m.maxMessageSize)
	c.ws = ws
	m.mu.Unlock()

	m.log.Debug().Uint64("conn", c.id).Msg("connected")
	m.emit(c, Event{Kind: EventOpen})
	m.readLoop(c, ws)
}

func (m *Manager) connectExpired(c *connection) {
	m.mu.Lock()
	if c.settled {
		m.mu.Unlock()
		return
	}
	c.settled = true
	c.dialEnd()
	m.mu.Unlock()

	m.log.Debug().Uint64("conn", c.id).Dur("timeout", m.connectTimeout).Msg("connect deadline expired")
	m.emit(c, Event{Kind: EventError, Err: ErrConnectTimeout})
}

func (m *Manager) readLoop(c *connection, ws *websocket.Conn) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
				m.emit(c, Event{Kind: EventClose, Err: err})
			} else {
				m.emit(c, Event{Kind: EventError, Err: fmt.Errorf("%w: %v", ErrRead, err)})
			}
			return
		}
		m.emit(c, Event{Kind: EventMessage, Data: data, Binary: mt == websocket.BinaryMessage})
	}
}

// emit queues ev for c unless c has been closed.
func (m *Manager) emit(c *connection, ev Event) {
	ev.Conn = c.id
	select {
	case <-c.ctx.Done():
		return
	default:
	}
	select {
	case m.events <- ev:
	case <-c.ctx.Done():
	}
}

// Send writes p as one binary frame on the open connection.
func (m *Manager) Send(p []byte) error {
	m.mu.Lock()
	var ws *websocket.Conn
	if m.cur != nil {
		ws = m.cur.ws
	}
	m.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Close tears down the current connection, if any, and clears the session
// id. It is safe to call at any time.
func (m *Manager) Close() {
	m.mu.Lock()
	c := m.cur
	m.cur = nil
	m.session = ""
	var ws *websocket.Conn
	if c != nil {
		c.settled = true
		c.timer.Stop()
		c.cancel()
		ws = c.ws
	}
	m.mu.Unlock()

	if ws == nil {
		return
	}

	m.writeMu.Lock()
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	m.writeMu.Unlock()
	ws.Close()
	m.log.Debug().Uint64("conn", c.id).Msg("closed")
}

// StopConnectTimer cancels the connect deadline of the current connection.
func (m *Manager) StopConnectTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		m.cur.timer.Stop()
	}
}

// Connected reports whether a connection is open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur != nil && m.cur.ws != nil
}

// Active reports whether a connection is open or being opened.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur != nil
}

// IsCurrent reports whether id names the current connection. Events whose
// Conn is not current belong to a connection that has been replaced.
func (m *Manager) IsCurrent(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur != nil && m.cur.id == id
}

// SetSession records the session id of the current connection.
func (m *Manager) SetSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		m.session = id
	}
}

// Session returns the session id of the current connection, or "".
func (m *Manager) Session() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// redact hides the token query parameter of a connect URL.
func redact(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
