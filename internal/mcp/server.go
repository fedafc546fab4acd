// apex-debug MCP server transport
// JSON-RPC dispatch over stdio (one message per line) or WebSocket.

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"apex-debug/internal/logging"
)

// ToolHandler is a function that handles tool calls
type ToolHandler func(ctx context.Context, arguments map[string]interface{}) (*ToolCallResult, error)

// Server implements the Model Context Protocol tool surface.
type Server struct {
	name    string
	version string

	mu           sync.RWMutex
	tools        map[string]Tool
	toolOrder    []string
	toolHandlers map[string]ToolHandler
	onUnknown    UnknownToolHandler

	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewServer creates an MCP server with no tools registered.
func NewServer(name, version string) *Server {
	return &Server{
		name:         name,
		version:      version,
		tools:        make(map[string]Tool),
		toolHandlers: make(map[string]ToolHandler),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logging.L(),
	}
}

// RegisterTool adds a tool to the server
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[tool.Name]; !exists {
		s.toolOrder = append(s.toolOrder, tool.Name)
	}
	s.tools[tool.Name] = tool
	s.toolHandlers[tool.Name] = handler
}

// UnknownToolHandler is invoked for tool names with no registration.
type UnknownToolHandler func(ctx context.Context, name string, arguments map[string]interface{}) (*ToolCallResult, error)

// SetUnknownToolHandler installs the fallback invoked for tool names
// with no registration.
func (s *Server) SetUnknownToolHandler(handler UnknownToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUnknown = handler
}

// transport abstracts one connected peer.
type transport interface {
	read() ([]byte, error)
	write([]byte) error
}

// ServeStdio runs the server over stdin/stdout until EOF or context
// cancellation. This is the default agent transport.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	t := &stdioTransport{
		scanner: bufio.NewScanner(in),
		out:     out,
	}
	t.scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return s.serve(ctx, t)
}

type stdioTransport struct {
	scanner *bufio.Scanner
	mu      sync.Mutex
	out     io.Writer
}

func (t *stdioTransport) read() ([]byte, error) {
	if !t.scanner.Scan() {
		if err := t.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return t.scanner.Bytes(), nil
}

func (t *stdioTransport) write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.out.Write(data); err != nil {
		return err
	}
	_, err := t.out.Write([]byte{'\n'})
	return err
}

// HandleWebSocket upgrades an HTTP request and serves MCP over it.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("MCP WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	_ = s.serve(r.Context(), &wsTransport{conn: conn})
}

type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *wsTransport) read() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) serve(ctx context.Context, t transport) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := t.read()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if len(data) == 0 {
			continue
		}

		var msg MCPMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.send(t, &MCPMessage{
				JSONRPC: "2.0",
				Error:   &MCPError{Code: ErrCodeParse, Message: "Parse error"},
			})
			continue
		}
		s.handleMessage(ctx, t, &msg)
	}
}

func (s *Server) handleMessage(ctx context.Context, t transport, msg *MCPMessage) {
	switch msg.Method {
	case MethodInitialize:
		s.handleInitialize(t, msg)
	case MethodInitialized:
		// Notification, no response needed
	case MethodShutdown, MethodPing:
		s.sendResult(t, msg.ID, map[string]interface{}{})
	case MethodToolsList:
		s.handleToolsList(t, msg)
	case MethodToolsCall:
		s.handleToolsCall(ctx, t, msg)
	default:
		if msg.ID == nil {
			return
		}
		s.sendError(t, msg.ID, ErrCodeMethodNotFound,
			fmt.Sprintf("Method not found: %s", msg.Method))
	}
}

func (s *Server) handleInitialize(t transport, msg *MCPMessage) {
	var params struct {
		ProtocolVersion string     `json:"protocolVersion"`
		ClientInfo      ClientInfo `json:"clientInfo"`
	}
	_ = json.Unmarshal(msg.Params, &params)
	s.log.Info("MCP client initialized",
		zap.String("client", params.ClientInfo.Name),
		zap.String("client_version", params.ClientInfo.Version))

	s.sendResult(t, msg.ID, InitializeResult{
		ProtocolVersion: MCPVersion,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{},
		},
		ServerInfo: ServerInfo{Name: s.name, Version: s.version},
	})
}

func (s *Server) handleToolsList(t transport, msg *MCPMessage) {
	s.mu.RLock()
	tools := make([]Tool, 0, len(s.toolOrder))
	for _, name := range s.toolOrder {
		tools = append(tools, s.tools[name])
	}
	s.mu.RUnlock()
	s.sendResult(t, msg.ID, ToolsListResult{Tools: tools})
}

func (s *Server) handleToolsCall(ctx context.Context, t transport, msg *MCPMessage) {
	var params ToolCallParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.sendError(t, msg.ID, ErrCodeInvalidParams, "Invalid params")
		return
	}

	s.mu.RLock()
	handler := s.toolHandlers[params.Name]
	fallback := s.onUnknown
	s.mu.RUnlock()

	if params.Arguments == nil {
		params.Arguments = map[string]interface{}{}
	}

	var result *ToolCallResult
	var err error
	switch {
	case handler != nil:
		result, err = handler(ctx, params.Arguments)
	case fallback != nil:
		result, err = fallback(ctx, params.Name, params.Arguments)
	default:
		s.sendError(t, msg.ID, ErrCodeMethodNotFound,
			fmt.Sprintf("Unknown tool: %s", params.Name))
		return
	}
	if err != nil {
		s.sendError(t, msg.ID, ErrCodeInternal, err.Error())
		return
	}
	s.sendResult(t, msg.ID, result)
}

func (s *Server) sendResult(t transport, id interface{}, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.sendError(t, id, ErrCodeInternal, err.Error())
		return
	}
	s.send(t, &MCPMessage{JSONRPC: "2.0", ID: id, Result: raw})
}

func (s *Server) sendError(t transport, id interface{}, code int, message string) {
	s.send(t, &MCPMessage{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &MCPError{Code: code, Message: message},
	})
}

func (s *Server) send(t transport, msg *MCPMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("MCP marshal failure", zap.Error(err))
		return
	}
	if err := t.write(data); err != nil {
		s.log.Warn("MCP write failure", zap.Error(err))
	}
}
