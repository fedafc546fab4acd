// Package inspectortest provides an in-process fake inspector endpoint
// for deterministic tests: a WebSocket server speaking the CDP envelope
// with scriptable command handlers and event emission.
package inspectortest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// CommandHandler produces the result (or error) for one command. The
// returned value is marshaled into the "result" field.
type CommandHandler func(params json.RawMessage) (interface{}, *Error)

// Error mirrors the CDP error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Silent, returned as a handler result, suppresses the reply entirely —
// used to exercise command timeouts.
var Silent = &struct{ noReply bool }{noReply: true}

type message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result interface{}     `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Stub is a fake inspector endpoint.
type Stub struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	handlers map[string]CommandHandler
	calls    []string
	connCh   chan struct{}
}

// New starts a stub listening on an httptest server. Unhandled commands
// succeed with an empty result, like a permissive inspector.
func New() *Stub {
	s := &Stub{
		handlers: make(map[string]CommandHandler),
		connCh:   make(chan struct{}, 1),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// URL returns the ws:// endpoint clients dial.
func (s *Stub) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// Handle registers a handler for a CDP method.
func (s *Stub) Handle(method string, fn CommandHandler) {
	s.mu.Lock()
	s.handlers[method] = fn
	s.mu.Unlock()
}

// Calls returns the methods received so far, in order.
func (s *Stub) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// WaitConnected blocks until a client has attached.
func (s *Stub) WaitConnected() {
	<-s.connCh
}

func (s *Stub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	select {
	case s.connCh <- struct{}{}:
	default:
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		s.mu.Lock()
		s.calls = append(s.calls, msg.Method)
		fn := s.handlers[msg.Method]
		s.mu.Unlock()

		reply := message{ID: msg.ID}
		if fn != nil {
			result, cdpErr := fn(msg.Params)
			if result == Silent {
				continue
			}
			if cdpErr != nil {
				reply.Error = cdpErr
			} else if result != nil {
				reply.Result = result
			} else {
				reply.Result = map[string]interface{}{}
			}
		} else {
			reply.Result = map[string]interface{}{}
		}
		s.write(reply)
	}
}

func (s *Stub) write(msg message) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	_ = conn.WriteMessage(websocket.TextMessage, payload)
	s.writeMu.Unlock()
}

// Emit sends an unsolicited event to the attached client.
func (s *Stub) Emit(method string, params interface{}) {
	raw, _ := json.Marshal(params)
	s.write(message{Method: method, Params: raw})
}

// DropConnection severs the WebSocket without closing the server,
// simulating a crashed inspector.
func (s *Stub) DropConnection() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Close shuts the stub down.
func (s *Stub) Close() {
	s.DropConnection()
	s.server.Close()
}
