// Package proxytest runs an in-process network proxy for tests. It speaks the
// handshake and WebSocket endpoints a real proxy server exposes and, by
// default, echoes every binary frame back to the sender.
package proxytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Handler computes the reply to a binary frame. Returning ok == false sends
// nothing.
type Handler func(request []byte) (reply []byte, ok bool)

// Echo replies with the request itself.
func Echo(request []byte) ([]byte, bool) { return request, true }

// Server is a fake proxy server. Its exported fields may be changed between
// calls; they are read under the server lock on every request.
type Server struct {
	*httptest.Server

	mu sync.Mutex
	// Version and Token are returned by the handshake endpoint.
	Version int
	Token   string
	// HandshakeStatus overrides the 200 status of the handshake endpoint.
	HandshakeStatus int
	// HandshakeBody, when set, replaces the JSON handshake response.
	HandshakeBody string
	// HandshakeDelay delays the handshake response.
	HandshakeDelay time.Duration
	// HangConnect keeps WebSocket upgrades pending until the client gives up.
	HangConnect bool
	// Reply computes responses to binary frames.
	Reply Handler

	handshakes int
	tokens     []string
	frames     [][]byte
	peers      []*peer
	release    chan struct{}
	upgrader   websocket.Upgrader
}

// New starts a fake proxy that accepts handshakes with protocol version 1 and
// token "test-token". It is closed when the test finishes.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		Version: 1,
		Token:   "test-token",
		Reply:   Echo,
		release: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/network-proxy/handshake", s.handleHandshake)
	mux.HandleFunc("/network-proxy/connect", s.handleConnect)
	s.Server = httptest.NewServer(mux)

	t.Cleanup(func() {
		close(s.release)
		s.CloseConnections()
		s.Server.Close()
	})
	return s
}

// Set runs fn under the server lock, for changing behavior while requests may
// be in flight.
func (s *Server) Set(fn func(s *Server)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// Handshakes returns how many handshake requests arrived.
func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

// Tokens returns the tokens presented by WebSocket clients, in order.
func (s *Server) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// Frames returns copies of all binary frames received.
func (s *Server) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	for i, f := range s.frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Connections returns the number of WebSocket connections still open.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// SendText writes a text frame to every open connection.
func (s *Server) SendText(text string) {
	for _, p := range s.snapshot() {
		p.write(websocket.TextMessage, []byte(text))
	}
}

// SendBinary writes an unsolicited binary frame to every open connection.
func (s *Server) SendBinary(data []byte) {
	for _, p := range s.snapshot() {
		p.write(websocket.BinaryMessage, data)
	}
}

// CloseConnections closes every open connection with a normal closure frame.
func (s *Server) CloseConnections() {
	for _, p := range s.snapshot() {
		p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		p.conn.Close()
	}
}

// DropConnections closes the underlying TCP connections without a closure
// frame, which clients observe as a transport error.
func (s *Server) DropConnections() {
	for _, p := range s.snapshot() {
		p.conn.NetConn().Close()
	}
}

// peer serializes writes to one server side connection.
type peer struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (p *peer) write(mt int, data []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.WriteMessage(mt, data)
}

func (s *Server) snapshot() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*peer(nil), s.peers...)
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	s.handshakes++
	delay := s.HandshakeDelay
	status := s.HandshakeStatus
	body := s.HandshakeBody
	version, token := s.Version, s.Token
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		case <-s.release:
			return
		}
	}

	if status != 0 && status != http.StatusOK {
		http.Error(w, "handshake rejected", status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if body != "" {
		w.Write([]byte(body))
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"version": version, "token": token})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	s.mu.Lock()
	s.tokens = append(s.tokens, token)
	hang := s.HangConnect
	expected := s.Token
	s.mu.Unlock()

	if hang {
		select {
		case <-r.Context().Done():
		case <-s.release:
		}
		return
	}

	if token != expected {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &peer{conn: conn}
	s.mu.Lock()
	s.peers = append(s.peers, p)
	s.mu.Unlock()

	go s.serve(p)
}

func (s *Server) serve(p *peer) {
	defer func() {
		s.mu.Lock()
		for i, other := range s.peers {
			if other == p {
				s.peers = append(s.peers[:i], s.peers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		p.conn.Close()
	}()

	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}

		s.mu.Lock()
		s.frames = append(s.frames, append([]byte(nil), data...))
		reply := s.Reply
		s.mu.Unlock()

		if reply == nil {
			continue
		}
		if out, ok := reply(data); ok {
			if err := p.write(websocket.BinaryMessage, out); err != nil {
				return
			}
		}
	}
}
