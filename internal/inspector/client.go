// apex-debug inspector client
// One full-duplex WebSocket to a child's inspector endpoint with
// correlated request/response and per-event serialized dispatch.

package inspector

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"apex-debug/internal/apexerr"
	"apex-debug/internal/logging"
	"apex-debug/internal/metrics"
)

// State is the client connection state. Transitions are monotonic:
// Connecting → Ready → Closing → Closed.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// EventHandler receives the raw params of one unsolicited event.
type EventHandler func(params json.RawMessage)

// eventQueue serializes delivery for a single event name. Handlers for
// the same event never run in parallel; queues for different events do.
type eventQueue struct {
	ch chan json.RawMessage
}

// Client maintains one inspector WebSocket connection.
type Client struct {
	url  string
	conn *websocket.Conn
	log  *zap.Logger

	// Command ordering on the wire is serialized by this single
	// writer lock; replies are matched strictly by id.
	writeMu sync.Mutex

	nextID  int64
	timeout time.Duration

	pendingMu sync.Mutex
	pending   map[int64]chan *Message

	handlersMu sync.RWMutex
	handlers   map[string][]EventHandler
	queues     map[string]*eventQueue

	state        int32
	closed       chan struct{}
	closeOnce    sync.Once
	onDisconnect func(error)
	disconnectMu sync.Mutex
}

// Option configures a Client at dial time.
type Option func(*Client)

// WithCommandTimeout sets the default per-call deadline (default 10s).
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithDisconnectHandler registers a callback invoked exactly once when
// the connection dies for any reason other than an explicit Close.
func WithDisconnectHandler(fn func(error)) Option {
	return func(c *Client) { c.onDisconnect = fn }
}

// Dial connects to an inspector endpoint and starts the read loop.
func Dial(ctx context.Context, wsURL string, opts ...Option) (*Client, error) {
	c := &Client{
		url:     wsURL,
		timeout: 10 * time.Second,
		pending: make(map[int64]chan *Message),
		handlers: make(map[string][]EventHandler),
		queues:  make(map[string]*eventQueue),
		closed:  make(chan struct{}),
		log:     logging.WithContext(zap.String("inspector", wsURL)),
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		// Node can hand back large Runtime.getProperties payloads.
		ReadBufferSize:  1 << 16,
		WriteBufferSize: 1 << 16,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.CodeDisconnected, err)
	}
	c.conn = conn
	atomic.StoreInt32(&c.state, int32(StateReady))

	go c.readLoop()
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// advance moves the state forward only; it never goes backwards.
func (c *Client) advance(to State) {
	for {
		cur := atomic.LoadInt32(&c.state)
		if cur >= int32(to) {
			return
		}
		if atomic.CompareAndSwapInt32(&c.state, cur, int32(to)) {
			return
		}
	}
}

// Call sends {id, method, params} and awaits the correlated reply,
// decoding its result into out (out may be nil). Errors carry the
// CdpError, Timeout, or Disconnected code.
func (c *Client) Call(ctx context.Context, method string, params, out interface{}) error {
	return c.CallTimeout(ctx, method, params, out, c.timeout)
}

// CallTimeout is Call with an explicit per-call deadline.
func (c *Client) CallTimeout(ctx context.Context, method string, params, out interface{}, timeout time.Duration) error {
	if c.State() != StateReady {
		return apexerr.New(apexerr.CodeDisconnected, "inspector connection is %s", c.State())
	}

	id := atomic.AddInt64(&c.nextID, 1)
	slot := make(chan *Message, 1)

	c.pendingMu.Lock()
	c.pending[id] = slot
	c.pendingMu.Unlock()

	payload, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		c.dropSlot(id)
		return apexerr.Wrap(apexerr.CodeCdpError, err)
	}

	start := time.Now()
	c.writeMu.Lock()
	writeErr := c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if writeErr != nil {
		c.dropSlot(id)
		c.fail(writeErr)
		metrics.Get().CDPCommandsTotal.WithLabelValues(method, "disconnected").Inc()
		return apexerr.Wrap(apexerr.CodeDisconnected, writeErr)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-slot:
		metrics.Get().CDPCommandDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if msg.Error != nil {
			metrics.Get().CDPCommandsTotal.WithLabelValues(method, "error").Inc()
			return apexerr.Wrap(apexerr.CodeCdpError, msg.Error).
				WithContext("cdpCode", msg.Error.Code)
		}
		metrics.Get().CDPCommandsTotal.WithLabelValues(method, "ok").Inc()
		if out != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, out); err != nil {
				return apexerr.Wrap(apexerr.CodeCdpError, err)
			}
		}
		return nil
	case <-timer.C:
		c.dropSlot(id)
		metrics.Get().CDPCommandTimeouts.Inc()
		metrics.Get().CDPCommandsTotal.WithLabelValues(method, "timeout").Inc()
		return apexerr.New(apexerr.CodeTimeout, "%s did not reply within %s", method, timeout).
			WithContext("method", method)
	case <-ctx.Done():
		c.dropSlot(id)
		metrics.Get().CDPCommandsTotal.WithLabelValues(method, "canceled").Inc()
		return apexerr.Wrap(apexerr.CodeTimeout, ctx.Err())
	case <-c.closed:
		metrics.Get().CDPCommandsTotal.WithLabelValues(method, "disconnected").Inc()
		return apexerr.New(apexerr.CodeDisconnected, "inspector connection closed")
	}
}

func (c *Client) dropSlot(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// On subscribes to an unsolicited event by method name. Handlers for
// the same event are invoked in arrival order, never concurrently.
func (c *Client) On(event string, handler EventHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
	if _, ok := c.queues[event]; !ok {
		q := &eventQueue{ch: make(chan json.RawMessage, 256)}
		c.queues[event] = q
		go c.drainQueue(event, q)
	}
}

func (c *Client) drainQueue(event string, q *eventQueue) {
	for {
		select {
		case params := <-q.ch:
			c.handlersMu.RLock()
			handlers := c.handlers[event]
			c.handlersMu.RUnlock()
			for _, h := range handlers {
				func() {
					defer func() {
						if r := recover(); r != nil {
							c.log.Error("event handler panic",
								zap.String("event", event), zap.Any("panic", r))
						}
					}()
					h(params)
				}()
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Client) dispatchEvent(msg *Message) {
	metrics.Get().CDPEventsTotal.WithLabelValues(msg.Method).Inc()
	c.handlersMu.RLock()
	q := c.queues[msg.Method]
	c.handlersMu.RUnlock()
	if q == nil {
		return
	}
	select {
	case q.ch <- msg.Params:
	default:
		c.log.Warn("event queue overflow, dropping event", zap.String("event", msg.Method))
	}
}

// readLoop is the single receiver: it matches replies to pending slots
// and routes events to their queues. Any read error is terminal.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		if c.State() != StateReady {
			// Responses and events are only accepted while Ready.
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("undecodable inspector frame", zap.Error(err))
			continue
		}

		if msg.ID != 0 {
			c.pendingMu.Lock()
			slot, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				slot <- &msg
			}
			continue
		}
		if msg.Method != "" {
			c.dispatchEvent(&msg)
		}
	}
}

// fail tears the connection down after a transport error: every
// outstanding slot resolves with Disconnected and subscribers are
// cleared. Runs at most once.
func (c *Client) fail(cause error) {
	c.closeOnce.Do(func() {
		c.advance(StateClosed)
		_ = c.conn.Close()
		close(c.closed)

		c.pendingMu.Lock()
		pending := c.pending
		c.pending = make(map[int64]chan *Message)
		c.pendingMu.Unlock()
		// Waiters see the closed channel; drain slots anyway so no
		// sender can block.
		for id := range pending {
			delete(pending, id)
		}

		// Queue goroutines observe the closed channel and exit; the
		// maps are cleared so late frames drop silently.
		c.handlersMu.Lock()
		c.queues = make(map[string]*eventQueue)
		c.handlers = make(map[string][]EventHandler)
		c.handlersMu.Unlock()

		c.disconnectMu.Lock()
		fn := c.onDisconnect
		c.onDisconnect = nil
		c.disconnectMu.Unlock()
		if fn != nil && cause != errExplicitClose {
			go fn(cause)
		}
	})
}

// errExplicitClose marks a caller-requested shutdown so the disconnect
// handler does not fire for it.
var errExplicitClose = apexerr.New(apexerr.CodeDisconnected, "closed by owner")

// Close shuts the connection down. Outstanding calls resolve with
// Disconnected. A closed client is terminal; there is no reconnect.
func (c *Client) Close() {
	c.advance(StateClosing)
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.fail(errExplicitClose)
}
