package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apex-debug/internal/debugging"
	"apex-debug/internal/hangdetect"
)

func newToolServer(t *testing.T) *Server {
	t.Helper()
	manager := debugging.NewManager(nil)
	server := NewServer("apex-debug", "test")
	RegisterDebugTools(server, &Dispatcher{
		Manager:  manager,
		Detector: hangdetect.New(manager, time.Millisecond),
	})
	return server
}

// callTool invokes one tool and returns the decoded response record.
func callTool(t *testing.T, server *Server, name string, args map[string]interface{}) map[string]interface{} {
	t.Helper()
	params, _ := json.Marshal(ToolCallParams{Name: name, Arguments: args})
	req := MCPMessage{JSONRPC: "2.0", ID: 1, Method: MethodToolsCall, Params: params}
	line, _ := json.Marshal(req)

	var out bytes.Buffer
	require.NoError(t, server.ServeStdio(context.Background(),
		strings.NewReader(string(line)+"\n"), &out))

	var reply MCPMessage
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &reply))
	require.Nil(t, reply.Error, "tool calls surface errors inside the record")

	var result ToolCallResult
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	require.Len(t, result.Content, 1)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &payload))
	return payload
}

func TestUnknownToolRecord(t *testing.T) {
	server := newToolServer(t)
	payload := callTool(t, server, "definitelyNotATool", nil)
	assert.Equal(t, "error", payload["status"])
	assert.Equal(t, "UnknownTool", payload["code"])
	assert.NotEmpty(t, payload["message"])
}

func TestMissingRequiredField(t *testing.T) {
	server := newToolServer(t)

	payload := callTool(t, server, "setBreakpoint", map[string]interface{}{})
	assert.Equal(t, "error", payload["status"])
	assert.Equal(t, "InvalidArguments", payload["code"])

	payload = callTool(t, server, "evaluate", map[string]interface{}{"sessionId": "x"})
	assert.Equal(t, "error", payload["status"])
	// Session resolution runs first; a bogus session is the reported failure.
	assert.Equal(t, "SessionNotFound", payload["code"])
}

func TestSessionNotFound(t *testing.T) {
	server := newToolServer(t)
	for _, tool := range []string{"resume", "pause", "stepOver", "getStack", "listBreakpoints", "stopSession", "getWatches"} {
		payload := callTool(t, server, tool, map[string]interface{}{"sessionId": "nope"})
		assert.Equal(t, "error", payload["status"], tool)
		assert.Equal(t, "SessionNotFound", payload["code"], tool)
		assert.IsType(t, "", payload["message"], tool)
	}
}

func TestResponseShapeDiscriminator(t *testing.T) {
	server := newToolServer(t)

	ok := callTool(t, server, "listSessions", nil)
	assert.Equal(t, "success", ok["status"])
	_, hasCode := ok["code"]
	assert.False(t, hasCode)

	bad := callTool(t, server, "selectFrame", map[string]interface{}{"sessionId": "x"})
	assert.Equal(t, "error", bad["status"])
	assert.IsType(t, "", bad["code"])
	assert.IsType(t, "", bad["message"])
}

func TestDetectHangValidation(t *testing.T) {
	server := newToolServer(t)
	payload := callTool(t, server, "detectHang", map[string]interface{}{"args": []interface{}{"x.js"}})
	assert.Equal(t, "error", payload["status"])
	assert.Equal(t, "InvalidArguments", payload["code"])
}

func TestRunTestsValidation(t *testing.T) {
	server := newToolServer(t)
	payload := callTool(t, server, "runTests", map[string]interface{}{"framework": "ava"})
	assert.Equal(t, "error", payload["status"])
	assert.Equal(t, "InvalidArguments", payload["code"])
}

func TestToolsListCoversOperationSurface(t *testing.T) {
	server := newToolServer(t)

	var out bytes.Buffer
	require.NoError(t, server.ServeStdio(context.Background(),
		strings.NewReader(`{"jsonrpc":"2.0","id":9,"method":"tools/list"}`+"\n"), &out))

	var reply MCPMessage
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &reply))
	var result ToolsListResult
	require.NoError(t, json.Unmarshal(reply.Result, &result))

	names := make(map[string]bool, len(result.Tools))
	for _, tool := range result.Tools {
		names[tool.Name] = true
		require.NotNil(t, tool.InputSchema, tool.Name)
	}
	for _, want := range []string{
		"startSession", "stopSession", "detectHang",
		"setBreakpoint", "setLogpoint", "setHitCount", "setExceptionBreakpoint", "setFunctionBreakpoint",
		"removeBreakpoint", "toggleBreakpoint", "listBreakpoints",
		"resume", "pause", "stepOver", "stepInto", "stepOut",
		"evaluate", "inspectObject", "getLocals", "getGlobals",
		"addWatch", "removeWatch", "getWatches",
		"getStack", "selectFrame", "runTests",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestArgHelpers(t *testing.T) {
	args := map[string]interface{}{
		"s":    "text",
		"n":    float64(7),
		"b":    true,
		"list": []interface{}{"a", "b", 3},
	}

	s, ok := argString(args, "s")
	assert.True(t, ok)
	assert.Equal(t, "text", s)
	_, ok = argString(args, "missing")
	assert.False(t, ok)

	n, ok := argInt(args, "n")
	assert.True(t, ok)
	assert.Equal(t, 7, n)
	_, ok = argInt(args, "s")
	assert.False(t, ok)

	assert.True(t, argBool(args, "b"))
	assert.False(t, argBool(args, "missing"))

	assert.Equal(t, []string{"a", "b"}, argStrings(args, "list"))
	assert.Nil(t, argStrings(args, "missing"))
}
