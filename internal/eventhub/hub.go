// apex-debug Event Hub
// Streams each session's debug events (pauses, output, termination) to
// subscribed WebSocket clients.

package eventhub

import (
	"sync"

	"go.uber.org/zap"

	"apex-debug/internal/debugging"
	"apex-debug/internal/logging"
)

// Hub maintains active client connections grouped by session id and
// fans session events out to them.
type Hub struct {
	// Registered clients by session ID
	sessions map[string]map[*Client]bool

	// Inbound events from debug sessions
	events chan debugging.DebugEvent

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Shutdown channel for graceful termination
	shutdown chan struct{}

	once sync.Once
	log  *zap.Logger
}

// NewHub creates an idle hub; call Run in its own goroutine.
func NewHub() *Hub {
	return &Hub{
		sessions:   make(map[string]map[*Client]bool),
		events:     make(chan debugging.DebugEvent, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
		log:        logging.L(),
	}
}

// Publish enqueues a session event for broadcast. Safe from any
// goroutine; drops when the hub is saturated rather than blocking the
// session dispatcher.
func (h *Hub) Publish(ev debugging.DebugEvent) {
	select {
	case h.events <- ev:
	default:
		h.log.Warn("event hub saturated, dropping event",
			zap.String("session", ev.SessionID), zap.String("type", ev.Type))
	}
}

// Run processes registration and broadcast until Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			clients := h.sessions[client.sessionID]
			if clients == nil {
				clients = make(map[*Client]bool)
				h.sessions[client.sessionID] = clients
			}
			clients[client] = true

		case client := <-h.unregister:
			if clients, ok := h.sessions[client.sessionID]; ok {
				if clients[client] {
					delete(clients, client)
					close(client.send)
					if len(clients) == 0 {
						delete(h.sessions, client.sessionID)
					}
				}
			}

		case ev := <-h.events:
			for client := range h.sessions[ev.SessionID] {
				select {
				case client.send <- ev:
				default:
					// Slow consumer; disconnect rather than stall.
					delete(h.sessions[ev.SessionID], client)
					close(client.send)
				}
			}

		case <-h.shutdown:
			for id, clients := range h.sessions {
				for client := range clients {
					close(client.send)
				}
				delete(h.sessions, id)
			}
			return
		}
	}
}

// Shutdown stops the hub and disconnects every client.
func (h *Hub) Shutdown() {
	h.once.Do(func() { close(h.shutdown) })
}
