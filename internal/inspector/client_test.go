package inspector_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apex-debug/internal/apexerr"
	"apex-debug/internal/inspector"
	"apex-debug/internal/inspector/inspectortest"
)

func dialStub(t *testing.T, stub *inspectortest.Stub, opts ...inspector.Option) *inspector.Client {
	t.Helper()
	client, err := inspector.Dial(context.Background(), stub.URL(), opts...)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestCallRoundTrip(t *testing.T) {
	stub := inspectortest.New()
	defer stub.Close()
	stub.Handle("Debugger.getScriptSource", func(params json.RawMessage) (interface{}, *inspectortest.Error) {
		return map[string]string{"scriptSource": "var x = 1;"}, nil
	})

	client := dialStub(t, stub)
	var result inspector.GetScriptSourceResult
	err := client.Call(context.Background(), "Debugger.getScriptSource",
		inspector.GetScriptSourceParams{ScriptID: "1"}, &result)
	require.NoError(t, err)
	assert.Equal(t, "var x = 1;", result.ScriptSource)
	assert.Equal(t, inspector.StateReady, client.State())
}

func TestCallCdpError(t *testing.T) {
	stub := inspectortest.New()
	defer stub.Close()
	stub.Handle("Debugger.removeBreakpoint", func(params json.RawMessage) (interface{}, *inspectortest.Error) {
		return nil, &inspectortest.Error{Code: -32602, Message: "Breakpoint not found"}
	})

	client := dialStub(t, stub)
	err := client.Call(context.Background(), "Debugger.removeBreakpoint", nil, nil)
	require.Error(t, err)
	assert.Equal(t, apexerr.CodeCdpError, apexerr.CodeOf(err))
	assert.Contains(t, err.Error(), "Breakpoint not found")
}

func TestCallTimeout(t *testing.T) {
	stub := inspectortest.New()
	defer stub.Close()
	stub.Handle("Debugger.pause", func(params json.RawMessage) (interface{}, *inspectortest.Error) {
		return inspectortest.Silent, nil
	})

	client := dialStub(t, stub, inspector.WithCommandTimeout(100*time.Millisecond))
	start := time.Now()
	err := client.Call(context.Background(), "Debugger.pause", nil, nil)
	require.Error(t, err)
	assert.Equal(t, apexerr.CodeTimeout, apexerr.CodeOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)

	// The connection survives a timed-out command.
	assert.Equal(t, inspector.StateReady, client.State())
	err = client.Call(context.Background(), "Runtime.enable", nil, nil)
	assert.NoError(t, err)
}

func TestConcurrentCallsCorrelate(t *testing.T) {
	stub := inspectortest.New()
	defer stub.Close()
	stub.Handle("Echo.id", func(params json.RawMessage) (interface{}, *inspectortest.Error) {
		var p struct {
			N int `json:"n"`
		}
		_ = json.Unmarshal(params, &p)
		return map[string]int{"n": p.N}, nil
	})

	client := dialStub(t, stub)
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var out struct {
				N int `json:"n"`
			}
			err := client.Call(context.Background(), "Echo.id", map[string]int{"n": n}, &out)
			assert.NoError(t, err)
			assert.Equal(t, n, out.N)
		}(i)
	}
	wg.Wait()
}

func TestEventsSerializedPerName(t *testing.T) {
	stub := inspectortest.New()
	defer stub.Close()
	client := dialStub(t, stub)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	client.On("Test.tick", func(params json.RawMessage) {
		var p struct {
			N int `json:"n"`
		}
		_ = json.Unmarshal(params, &p)
		mu.Lock()
		got = append(got, p.N)
		n := len(got)
		mu.Unlock()
		if n == 10 {
			close(done)
		}
	})
	stub.WaitConnected()

	for i := 0; i < 10; i++ {
		stub.Emit("Test.tick", map[string]int{"n": i})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, n := range got {
		assert.Equal(t, i, n, "events must arrive in order")
	}
}

func TestDisconnectFailsOutstanding(t *testing.T) {
	stub := inspectortest.New()
	defer stub.Close()
	stub.Handle("Debugger.resume", func(params json.RawMessage) (interface{}, *inspectortest.Error) {
		return inspectortest.Silent, nil
	})

	disconnected := make(chan error, 1)
	client := dialStub(t, stub,
		inspector.WithCommandTimeout(5*time.Second),
		inspector.WithDisconnectHandler(func(err error) { disconnected <- err }))

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Call(context.Background(), "Debugger.resume", nil, nil)
	}()
	time.Sleep(100 * time.Millisecond)
	stub.DropConnection()

	select {
	case err := <-errCh:
		assert.Equal(t, apexerr.CodeDisconnected, apexerr.CodeOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("outstanding call did not fail")
	}

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect handler not invoked")
	}
	assert.Equal(t, inspector.StateClosed, client.State())

	// A closed client is terminal.
	err := client.Call(context.Background(), "Runtime.enable", nil, nil)
	assert.Equal(t, apexerr.CodeDisconnected, apexerr.CodeOf(err))
}

func TestCloseIsIdempotentAndSilent(t *testing.T) {
	stub := inspectortest.New()
	defer stub.Close()

	fired := make(chan error, 1)
	client := dialStub(t, stub, inspector.WithDisconnectHandler(func(err error) { fired <- err }))
	client.Close()
	client.Close()

	select {
	case <-fired:
		t.Fatal("disconnect handler must not fire on explicit Close")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, inspector.StateClosed, client.State())
}

func TestDialFailure(t *testing.T) {
	_, err := inspector.Dial(context.Background(), "ws://127.0.0.1:1/nothing")
	require.Error(t, err)
	assert.Equal(t, apexerr.CodeDisconnected, apexerr.CodeOf(err))
}

func TestWireEnvelope(t *testing.T) {
	// Each outbound {"id":N,"method":...,"params":...} frame reaches the
	// stub, which records its method in arrival order.
	stub := inspectortest.New()
	defer stub.Close()
	client := dialStub(t, stub)

	err := client.Call(context.Background(), "Debugger.enable", nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"Debugger.enable"}, stub.Calls())

	err = client.Call(context.Background(), "Debugger.setBreakpointByUrl",
		inspector.SetBreakpointByURLParams{URL: "file:///x.js", LineNumber: 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%v", []string{"Debugger.enable", "Debugger.setBreakpointByUrl"}),
		fmt.Sprintf("%v", stub.Calls()))
}
