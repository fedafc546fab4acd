package debugging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apex-debug/internal/apexerr"
	"apex-debug/internal/inspector/inspectortest"
)

// pausedEvent builds a minimal Debugger.paused payload at a 1-based
// line of /proj/app.js.
func pausedEvent(line int, hitBreakpoints ...string) map[string]interface{} {
	return map[string]interface{}{
		"reason":         "other",
		"hitBreakpoints": hitBreakpoints,
		"callFrames": []map[string]interface{}{
			{
				"callFrameId":  "frame-0",
				"functionName": "main",
				"location": map[string]interface{}{
					"scriptId":     "s1",
					"lineNumber":   line - 1,
					"columnNumber": 0,
				},
				"url": "file:///proj/app.js",
				"scopeChain": []map[string]interface{}{
					{"type": "local", "object": map[string]interface{}{"type": "object", "objectId": "scope-local"}},
					{"type": "global", "object": map[string]interface{}{"type": "object", "objectId": "scope-global"}},
				},
				"this": map[string]interface{}{"type": "undefined"},
			},
			{
				"callFrameId":  "frame-1",
				"functionName": "",
				"location": map[string]interface{}{
					"scriptId":     "s1",
					"lineNumber":   9,
					"columnNumber": 2,
				},
				"url": "file:///proj/app.js",
				"scopeChain": []map[string]interface{}{
					{"type": "local", "object": map[string]interface{}{"type": "object", "objectId": "scope-local-1"}},
				},
				"this": map[string]interface{}{"type": "undefined"},
			},
		},
	}
}

// newFakeInspector wires a stub that behaves like a cooperative
// inspector: the initial break fires after runIfWaitingForDebugger, and
// resume/pause/step commands emit the matching lifecycle events.
func newFakeInspector(t *testing.T) *inspectortest.Stub {
	t.Helper()
	stub := inspectortest.New()
	t.Cleanup(stub.Close)

	stub.Handle("Runtime.runIfWaitingForDebugger", func(json.RawMessage) (interface{}, *inspectortest.Error) {
		stub.Emit("Debugger.paused", pausedEvent(1))
		return nil, nil
	})
	stub.Handle("Debugger.resume", func(json.RawMessage) (interface{}, *inspectortest.Error) {
		stub.Emit("Debugger.resumed", map[string]interface{}{})
		return nil, nil
	})
	stub.Handle("Debugger.pause", func(json.RawMessage) (interface{}, *inspectortest.Error) {
		stub.Emit("Debugger.paused", pausedEvent(3))
		return nil, nil
	})
	return stub
}

// startStubSession launches a real child (a shell standing in for the
// runtime) that advertises the stub's endpoint, so the full spawn →
// dial → enable → first-pause path runs.
func startStubSession(t *testing.T, stub *inspectortest.Stub) *Session {
	t.Helper()
	script := fmt.Sprintf(`echo "Debugger listening on %s" >&2; sleep 30`, stub.URL())
	s, err := Start(context.Background(), "sess-"+t.Name(), SessionConfig{
		Command:        "sh",
		Args:           []string{"-c", script},
		NoInjectFlags:  true,
		SpawnTimeout:   5 * time.Second,
		CommandTimeout: 2 * time.Second,
		TerminateGrace: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.Stop(ctx)
		cancel()
	})
	return s
}

func waitStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status() == want },
		3*time.Second, 10*time.Millisecond, "status never became %s", want)
}

func TestStartReachesInitialPause(t *testing.T) {
	stub := newFakeInspector(t)
	s := startStubSession(t, stub)

	assert.Equal(t, StatusPaused, s.Status())

	calls := stub.Calls()
	assert.Contains(t, calls, "Debugger.enable")
	assert.Contains(t, calls, "Runtime.enable")
	assert.Contains(t, calls, "Runtime.runIfWaitingForDebugger")

	stack, err := s.GetStack()
	require.NoError(t, err)
	require.Len(t, stack, 2)
	assert.Equal(t, "/proj/app.js", stack[0].FilePath)
	assert.True(t, strings.HasPrefix(stack[0].FilePath, "/"), "paths must be absolute")
	assert.Equal(t, 1, stack[0].Line)
	assert.Equal(t, "main", stack[0].FunctionName)
	assert.Equal(t, "<anonymous>", stack[1].FunctionName)
}

func TestResumeTransitionsToRunning(t *testing.T) {
	stub := newFakeInspector(t)
	s := startStubSession(t, stub)

	require.NoError(t, s.Resume(context.Background()))
	waitStatus(t, s, StatusRunning)

	// Paused-only operations now fail without changing state.
	_, err := s.GetStack()
	assert.Equal(t, apexerr.CodeNotPaused, apexerr.CodeOf(err))
	err = s.Resume(context.Background())
	assert.Equal(t, apexerr.CodeNotPaused, apexerr.CodeOf(err))
	assert.Equal(t, StatusRunning, s.Status())
}

func TestPauseIsNoOpWhenPaused(t *testing.T) {
	stub := newFakeInspector(t)
	s := startStubSession(t, stub)

	require.NoError(t, s.Pause(context.Background()))
	assert.Equal(t, StatusPaused, s.Status())
	// The no-op must not have sent Debugger.pause.
	assert.NotContains(t, stub.Calls(), "Debugger.pause")
}

func TestPauseWhileRunning(t *testing.T) {
	stub := newFakeInspector(t)
	s := startStubSession(t, stub)

	require.NoError(t, s.Resume(context.Background()))
	waitStatus(t, s, StatusRunning)

	require.NoError(t, s.Pause(context.Background()))
	assert.Equal(t, StatusPaused, s.Status())

	stack, err := s.GetStack()
	require.NoError(t, err)
	assert.Equal(t, 3, stack[0].Line)
}

func TestStepOverReturnsNewLocation(t *testing.T) {
	stub := newFakeInspector(t)
	stub.Handle("Debugger.stepOver", func(json.RawMessage) (interface{}, *inspectortest.Error) {
		stub.Emit("Debugger.resumed", map[string]interface{}{})
		stub.Emit("Debugger.paused", pausedEvent(2))
		return nil, nil
	})
	s := startStubSession(t, stub)

	frame, err := s.StepOver(context.Background())
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, 2, frame.Line)
	assert.Equal(t, "/proj/app.js", frame.FilePath)
	assert.Equal(t, StatusPaused, s.Status())
}

func TestStepOffTheEndReturnsNilLocation(t *testing.T) {
	stub := newFakeInspector(t)
	stub.Handle("Debugger.stepOver", func(json.RawMessage) (interface{}, *inspectortest.Error) {
		stub.Emit("Debugger.resumed", map[string]interface{}{})
		go func() {
			time.Sleep(50 * time.Millisecond)
			stub.DropConnection()
		}()
		return nil, nil
	})
	s := startStubSession(t, stub)

	frame, err := s.StepOver(context.Background())
	require.NoError(t, err)
	assert.Nil(t, frame)
	waitStatus(t, s, StatusTerminated)
}

func TestStepRequiresPaused(t *testing.T) {
	stub := newFakeInspector(t)
	s := startStubSession(t, stub)

	require.NoError(t, s.Resume(context.Background()))
	waitStatus(t, s, StatusRunning)

	_, err := s.StepInto(context.Background())
	assert.Equal(t, apexerr.CodeNotPaused, apexerr.CodeOf(err))
}

func TestEvaluate(t *testing.T) {
	stub := newFakeInspector(t)
	stub.Handle("Debugger.evaluateOnCallFrame", func(params json.RawMessage) (interface{}, *inspectortest.Error) {
		var p struct {
			CallFrameID string `json:"callFrameId"`
			Expression  string `json:"expression"`
		}
		_ = json.Unmarshal(params, &p)
		if p.Expression != "x" {
			return nil, &inspectortest.Error{Code: -32000, Message: "unexpected expression"}
		}
		return map[string]interface{}{
			"result": map[string]interface{}{"type": "number", "value": 1, "description": "1"},
		}, nil
	})
	s := startStubSession(t, stub)

	v, err := s.Evaluate(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "1", v.Value)
	assert.Equal(t, "number", v.Type)
	assert.Equal(t, TagPrimitive, v.Tag)
}

func TestEvaluateFailureKeepsState(t *testing.T) {
	stub := newFakeInspector(t)
	stub.Handle("Debugger.evaluateOnCallFrame", func(json.RawMessage) (interface{}, *inspectortest.Error) {
		return map[string]interface{}{
			"result":           map[string]interface{}{"type": "object", "subtype": "error"},
			"exceptionDetails": map[string]interface{}{"exceptionId": 1, "text": "ReferenceError: nope is not defined"},
		}, nil
	})
	s := startStubSession(t, stub)

	_, err := s.Evaluate(context.Background(), "nope")
	assert.Equal(t, apexerr.CodeEvalFailed, apexerr.CodeOf(err))
	assert.Equal(t, StatusPaused, s.Status())
}

func TestSelectFrame(t *testing.T) {
	stub := newFakeInspector(t)
	s := startStubSession(t, stub)

	require.NoError(t, s.SelectFrame(1))
	assert.Equal(t, 1, s.SelectedFrame())

	err := s.SelectFrame(5)
	assert.Equal(t, apexerr.CodeFrameOutOfRange, apexerr.CodeOf(err))
	err = s.SelectFrame(-1)
	assert.Equal(t, apexerr.CodeFrameOutOfRange, apexerr.CodeOf(err))
	assert.Equal(t, 1, s.SelectedFrame())
}

func TestWatchesReportChanges(t *testing.T) {
	stub := newFakeInspector(t)
	var evalCount int64
	stub.Handle("Debugger.evaluateOnCallFrame", func(json.RawMessage) (interface{}, *inspectortest.Error) {
		n := atomic.AddInt64(&evalCount, 1)
		return map[string]interface{}{
			"result": map[string]interface{}{"type": "number", "value": n, "description": "n"},
		}, nil
	})
	s := startStubSession(t, stub)

	w := s.AddWatch(context.Background(), "i")
	assert.Equal(t, "1", w.Value)
	assert.False(t, w.Changed)

	// Next pause re-evaluates and records the change.
	stub.Emit("Debugger.paused", pausedEvent(2))
	require.Eventually(t, func() bool {
		ws := s.GetWatches()
		return len(ws) == 1 && ws[0].Changed
	}, 3*time.Second, 10*time.Millisecond)

	ws := s.GetWatches()
	assert.Equal(t, "2", ws[0].Value)
	assert.Equal(t, "1", ws[0].OldValue)

	require.NoError(t, s.RemoveWatch(w.ID))
	err := s.RemoveWatch(w.ID)
	assert.Equal(t, apexerr.CodeWatchNotFound, apexerr.CodeOf(err))
}

func TestBreakpointHitCountOnPause(t *testing.T) {
	stub := newFakeInspector(t)
	stub.Handle("Debugger.setBreakpointByUrl", func(json.RawMessage) (interface{}, *inspectortest.Error) {
		return map[string]interface{}{
			"breakpointId": "cdp-hit",
			"locations":    []map[string]interface{}{{"scriptId": "s1", "lineNumber": 1}},
		}, nil
	})
	s := startStubSession(t, stub)

	bp, err := s.SetBreakpoint(context.Background(), AddSpec{FilePath: "/proj/app.js", Line: 2})
	require.NoError(t, err)

	stub.Emit("Debugger.paused", pausedEvent(2, "cdp-hit"))
	require.Eventually(t, func() bool {
		list := s.ListBreakpoints()
		return len(list) == 1 && list[0].HitCount == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, bp.ID, s.ListBreakpoints()[0].ID)
}

func TestConsoleOutputCaptured(t *testing.T) {
	stub := newFakeInspector(t)
	s := startStubSession(t, stub)

	stub.Emit("Runtime.consoleAPICalled", map[string]interface{}{
		"type": "log",
		"args": []map[string]interface{}{
			{"type": "string", "value": "hello"},
			{"type": "number", "value": 42, "description": "42"},
		},
	})

	require.Eventually(t, func() bool {
		return strings.Contains(s.CapturedOutput(), "hello 42")
	}, 3*time.Second, 10*time.Millisecond)
}

func TestChildExitTerminatesSession(t *testing.T) {
	stub := newFakeInspector(t)
	script := fmt.Sprintf(`echo "Debugger listening on %s" >&2; sleep 0.2; exit 7`, stub.URL())
	s, err := Start(context.Background(), "sess-exit", SessionConfig{
		Command:        "sh",
		Args:           []string{"-c", script},
		NoInjectFlags:  true,
		SpawnTimeout:   5 * time.Second,
		CommandTimeout: 2 * time.Second,
		TerminateGrace: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	waitStatus(t, s, StatusTerminated)
	select {
	case <-s.Terminated():
	case <-time.After(3 * time.Second):
		t.Fatal("terminated channel never closed")
	}

	exit, ok := s.ExitStatus()
	assert.True(t, ok)
	assert.Equal(t, 7, exit.Code)

	// Post-termination operations resolve with Terminated.
	err = s.Resume(context.Background())
	assert.Equal(t, apexerr.CodeTerminated, apexerr.CodeOf(err))
	_, err = s.GetStack()
	assert.Equal(t, apexerr.CodeTerminated, apexerr.CodeOf(err))
}

func TestStopRunsDestructionSequence(t *testing.T) {
	stub := newFakeInspector(t)
	stub.Handle("Debugger.setBreakpointByUrl", func(json.RawMessage) (interface{}, *inspectortest.Error) {
		return map[string]interface{}{"breakpointId": "cdp-x"}, nil
	})
	s := startStubSession(t, stub)

	_, err := s.SetBreakpoint(context.Background(), AddSpec{FilePath: "/proj/app.js", Line: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)

	assert.Equal(t, StatusTerminated, s.Status())
	assert.Contains(t, stub.Calls(), "Debugger.removeBreakpoint")

	// Stop is idempotent.
	s.Stop(ctx)
	assert.Equal(t, StatusTerminated, s.Status())
}

func TestOutputCapture(t *testing.T) {
	stub := newFakeInspector(t)
	script := fmt.Sprintf(
		`echo "Debugger listening on %s" >&2; echo to-stdout; echo to-stderr >&2; sleep 30`,
		stub.URL())
	s, err := Start(context.Background(), "sess-output", SessionConfig{
		Command:        "sh",
		Args:           []string{"-c", script},
		NoInjectFlags:  true,
		SpawnTimeout:   5 * time.Second,
		CommandTimeout: 2 * time.Second,
		TerminateGrace: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.Stop(ctx)
		cancel()
	}()

	require.Eventually(t, func() bool {
		out := s.CapturedOutput()
		return strings.Contains(out, "to-stdout") && strings.Contains(out, "to-stderr")
	}, 3*time.Second, 10*time.Millisecond)
}

func TestExceptionPauseFilter(t *testing.T) {
	stub := newFakeInspector(t)
	var resumed int64
	stub.Handle("Debugger.resume", func(json.RawMessage) (interface{}, *inspectortest.Error) {
		atomic.AddInt64(&resumed, 1)
		stub.Emit("Debugger.resumed", map[string]interface{}{})
		return nil, nil
	})
	s := startStubSession(t, stub)

	_, err := s.SetExceptionBreakpoint(context.Background(), ExceptionSpec{
		BreakOnUncaught: true,
		Filter:          "TypeError",
	})
	require.NoError(t, err)

	require.NoError(t, s.Resume(context.Background()))
	waitStatus(t, s, StatusRunning)
	before := atomic.LoadInt64(&resumed)

	// A non-matching exception pause is auto-resumed.
	ev := pausedEvent(4)
	ev["reason"] = "exception"
	ev["data"] = map[string]interface{}{"description": "RangeError: nope"}
	stub.Emit("Debugger.paused", ev)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&resumed) > before
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusRunning, s.Status())

	// A matching exception pause holds.
	ev["data"] = map[string]interface{}{"description": "TypeError: boom"}
	stub.Emit("Debugger.paused", ev)
	waitStatus(t, s, StatusPaused)
}
