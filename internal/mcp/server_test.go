package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStdio feeds newline-delimited JSON-RPC requests through the stdio
// transport and returns the decoded replies.
func runStdio(t *testing.T, server *Server, requests ...string) []MCPMessage {
	t.Helper()
	in := strings.NewReader(strings.Join(requests, "\n") + "\n")
	var out bytes.Buffer
	require.NoError(t, server.ServeStdio(context.Background(), in, &out))

	var replies []MCPMessage
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var msg MCPMessage
		require.NoError(t, json.Unmarshal([]byte(line), &msg), line)
		replies = append(replies, msg)
	}
	return replies
}

func TestInitialize(t *testing.T) {
	server := NewServer("apex-debug", "test")
	replies := runStdio(t, server,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"agent","version":"1"}}}`)

	require.Len(t, replies, 1)
	var result InitializeResult
	require.NoError(t, json.Unmarshal(replies[0].Result, &result))
	assert.Equal(t, MCPVersion, result.ProtocolVersion)
	assert.Equal(t, "apex-debug", result.ServerInfo.Name)
	require.NotNil(t, result.Capabilities.Tools)
}

func TestToolsListOrder(t *testing.T) {
	server := NewServer("apex-debug", "test")
	server.RegisterTool(Tool{Name: "b", InputSchema: map[string]interface{}{}}, nil)
	server.RegisterTool(Tool{Name: "a", InputSchema: map[string]interface{}{}}, nil)

	replies := runStdio(t, server, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Len(t, replies, 1)

	var result ToolsListResult
	require.NoError(t, json.Unmarshal(replies[0].Result, &result))
	require.Len(t, result.Tools, 2)
	assert.Equal(t, "b", result.Tools[0].Name)
	assert.Equal(t, "a", result.Tools[1].Name)
}

func TestToolCallDispatch(t *testing.T) {
	server := NewServer("apex-debug", "test")
	server.RegisterTool(Tool{Name: "echo", InputSchema: map[string]interface{}{}},
		func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
			return successResult(record{"got": args["value"]})
		})

	replies := runStdio(t, server,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"value":"ping"}}}`)
	require.Len(t, replies, 1)

	var result ToolCallResult
	require.NoError(t, json.Unmarshal(replies[0].Result, &result))
	require.Len(t, result.Content, 1)
	assert.False(t, result.IsError)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &payload))
	assert.Equal(t, "success", payload["status"])
	assert.Equal(t, "ping", payload["got"])
}

func TestUnknownMethod(t *testing.T) {
	server := NewServer("apex-debug", "test")
	replies := runStdio(t, server, `{"jsonrpc":"2.0","id":4,"method":"bogus/method"}`)
	require.Len(t, replies, 1)
	require.NotNil(t, replies[0].Error)
	assert.Equal(t, ErrCodeMethodNotFound, replies[0].Error.Code)
}

func TestParseError(t *testing.T) {
	server := NewServer("apex-debug", "test")
	replies := runStdio(t, server, `{this is not json`)
	require.Len(t, replies, 1)
	require.NotNil(t, replies[0].Error)
	assert.Equal(t, ErrCodeParse, replies[0].Error.Code)
}

func TestNotificationsProduceNoReply(t *testing.T) {
	server := NewServer("apex-debug", "test")
	replies := runStdio(t, server,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":5,"method":"ping"}`)
	require.Len(t, replies, 1)
	assert.Nil(t, replies[0].Error)
}
