// Package voicetest provides a mock realtime vendor endpoint for tests.
package voicetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Server simulates a realtime speech vendor websocket endpoint
type Server struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	conn        *websocket.Conn
	lastRequest *http.Request
	received    []map[string]any
	connected   chan struct{}
	receivedCh  chan map[string]any

	// OnMessage, when set, is called for every client event; returned
	// values are sent back to the client in order.
	OnMessage func(msg map[string]any) []any
}

// NewServer starts a mock vendor endpoint
func NewServer() *Server {
	s := &Server{
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		connected:  make(chan struct{}),
		receivedCh: make(chan map[string]any, 1024),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.lastRequest = r.Clone(r.Context())
	s.conn = conn
	first := s.connected
	s.mu.Unlock()

	select {
	case <-first:
	default:
		close(first)
	}

	defer conn.Close()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, msg)
		hook := s.OnMessage
		s.mu.Unlock()

		select {
		case s.receivedCh <- msg:
		default:
		}

		if hook != nil {
			for _, reply := range hook(msg) {
				if err := s.Send(reply); err != nil {
					return
				}
			}
		}
	}
}

// URL returns the ws:// URL of the endpoint
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// HTTPURL returns the http:// URL of the endpoint
func (s *Server) HTTPURL() string {
	return s.server.URL
}

// WaitConnected blocks until a client connected or the timeout elapsed
func (s *Server) WaitConnected(timeout time.Duration) bool {
	select {
	case <-s.connected:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Request returns the upgrade request of the most recent connection
func (s *Server) Request() *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRequest
}

// Received returns every client event received so far
func (s *Server) Received() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.received))
	copy(out, s.received)
	return out
}

// WaitFor returns the next received client event of the given type
func (s *Server) WaitFor(eventType string, timeout time.Duration) (map[string]any, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-s.receivedCh:
			if msg["type"] == eventType {
				return msg, true
			}
		case <-deadline:
			return nil, false
		}
	}
}

// Send writes one server event as JSON
func (s *Server) Send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// SendRaw writes a raw text frame
func (s *Server) SendRaw(data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(data))
}

// CloseConn closes the current client connection with the given close code
func (s *Server) CloseConn(code int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	s.conn.Close()
}

// DropConn closes the TCP connection without a close frame
func (s *Server) DropConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.UnderlyingConn().Close()
	}
}

// Close shuts the endpoint down
func (s *Server) Close() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.server.Close()
}
