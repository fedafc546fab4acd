package debugging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apex-debug/internal/apexerr"
	"apex-debug/internal/inspector"
	"apex-debug/internal/inspector/inspectortest"
	"apex-debug/internal/sourcemap"
)

func newStubRegistry(t *testing.T) (*Registry, *inspectortest.Stub) {
	t.Helper()
	stub := inspectortest.New()
	t.Cleanup(stub.Close)

	stub.Handle("Debugger.setBreakpointByUrl", func(params json.RawMessage) (interface{}, *inspectortest.Error) {
		return inspector.SetBreakpointByURLResult{
			BreakpointID: "cdp-bp-1",
			Locations: []inspector.Location{
				{ScriptID: "s1", LineNumber: 1, ColumnNumber: 0},
			},
		}, nil
	})

	client, err := inspector.Dial(context.Background(), stub.URL(),
		inspector.WithCommandTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return NewRegistry(client, sourcemap.NewIndex()), stub
}

func TestAddRoundTrip(t *testing.T) {
	r, _ := newStubRegistry(t)
	ctx := context.Background()

	bp, err := r.Add(ctx, AddSpec{FilePath: "/proj/app.js", Line: 2, Condition: "x > 1"})
	require.NoError(t, err)
	assert.NotEmpty(t, bp.ID)
	assert.True(t, bp.Enabled)
	assert.True(t, bp.Verified)
	assert.Equal(t, "cdp-bp-1", bp.InspectorID)
	require.Len(t, bp.Locations, 1)
	assert.Equal(t, 2, bp.Locations[0].Line)

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, bp.ID, list[0].ID)
	assert.Equal(t, "/proj/app.js", list[0].FilePath)
	assert.Equal(t, 2, list[0].Line)
	assert.Equal(t, "x > 1", list[0].Condition)

	require.NoError(t, r.Remove(ctx, bp.ID))
	assert.Empty(t, r.List())

	err = r.Remove(ctx, bp.ID)
	assert.Equal(t, apexerr.CodeBreakpointNotFound, apexerr.CodeOf(err))
}

func TestAddSendsGeneratedURLAndZeroBasedLine(t *testing.T) {
	r, stub := newStubRegistry(t)

	var got inspector.SetBreakpointByURLParams
	stub.Handle("Debugger.setBreakpointByUrl", func(params json.RawMessage) (interface{}, *inspectortest.Error) {
		_ = json.Unmarshal(params, &got)
		return inspector.SetBreakpointByURLResult{BreakpointID: "cdp-bp-2"}, nil
	})

	_, err := r.Add(context.Background(), AddSpec{FilePath: "/proj/app.js", Line: 7})
	require.NoError(t, err)
	assert.Equal(t, "file:///proj/app.js", got.URL)
	assert.Equal(t, 6, got.LineNumber)
}

func TestAddInvalidLocation(t *testing.T) {
	r, _ := newStubRegistry(t)
	_, err := r.Add(context.Background(), AddSpec{FilePath: "", Line: 1})
	assert.Equal(t, apexerr.CodeInvalidLocation, apexerr.CodeOf(err))

	_, err = r.Add(context.Background(), AddSpec{FilePath: "/x.js", Line: 0})
	assert.Equal(t, apexerr.CodeInvalidLocation, apexerr.CodeOf(err))
}

func TestAddInvalidHitCondition(t *testing.T) {
	r, _ := newStubRegistry(t)
	_, err := r.Add(context.Background(), AddSpec{FilePath: "/x.js", Line: 1, HitCondition: "~= 3"})
	assert.Equal(t, apexerr.CodeInvalidArguments, apexerr.CodeOf(err))
}

func TestTogglePreservesIdentity(t *testing.T) {
	r, stub := newStubRegistry(t)
	ctx := context.Background()

	bp, err := r.Add(ctx, AddSpec{FilePath: "/proj/app.js", Line: 2, Condition: "n === 1"})
	require.NoError(t, err)

	disabled, err := r.Toggle(ctx, bp.ID)
	require.NoError(t, err)
	assert.Equal(t, bp.ID, disabled.ID)
	assert.False(t, disabled.Enabled)
	assert.Equal(t, "/proj/app.js", disabled.FilePath)
	assert.Equal(t, 2, disabled.Line)
	assert.Equal(t, "n === 1", disabled.Condition)
	assert.Contains(t, stub.Calls(), "Debugger.removeBreakpoint")

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, bp.ID, list[0].ID)
	assert.False(t, list[0].Enabled)

	enabled, err := r.Toggle(ctx, bp.ID)
	require.NoError(t, err)
	assert.Equal(t, bp.ID, enabled.ID)
	assert.True(t, enabled.Enabled)
	assert.True(t, enabled.Verified)

	_, err = r.Toggle(ctx, "bp-999")
	assert.Equal(t, apexerr.CodeBreakpointNotFound, apexerr.CodeOf(err))
}

func TestComposeCondition(t *testing.T) {
	r, _ := newStubRegistry(t)

	plain := &Breakpoint{ID: "bp-1", Condition: "x > 1"}
	assert.Equal(t, "(x > 1)", r.composeCondition(plain))

	hit := &Breakpoint{ID: "bp-2", HitCondition: ">= 3"}
	expr := r.composeCondition(hit)
	assert.Contains(t, expr, "__apexdbgHits")
	assert.Contains(t, expr, ">= 3")

	mod := &Breakpoint{ID: "bp-3", HitCondition: "% 2"}
	assert.Contains(t, r.composeCondition(mod), "% 2 === 0")

	eq := &Breakpoint{ID: "bp-4", HitCondition: "== 5"}
	assert.Contains(t, r.composeCondition(eq), "=== 5")

	logpoint := &Breakpoint{ID: "bp-5", LogMessage: "x is {x}"}
	got := r.composeCondition(logpoint)
	assert.Equal(t, "(console.log(`x is ${x}`), false)", got)

	combined := &Breakpoint{ID: "bp-6", Condition: "y", HitCondition: "> 1", LogMessage: "hit {y}"}
	all := r.composeCondition(combined)
	assert.Contains(t, all, "(y) && ")
	assert.Contains(t, all, "__apexdbgHits")
	assert.Contains(t, all, "console.log")
	// A logpoint must never pause the debuggee.
	assert.Contains(t, all, ", false)")
}

func TestLogExpressionEscapes(t *testing.T) {
	got := logExpression("tick `$` {a.b}")
	assert.Equal(t, "console.log(`tick \\`\\$\\` ${a.b}`), false", got)
}

func TestHitConditionParsing(t *testing.T) {
	op, n, ok := parseHitValue(">= 3")
	assert.True(t, ok)
	assert.Equal(t, ">=", op)
	assert.Equal(t, 3, n)

	_, _, ok = parseHitValue("three")
	assert.False(t, ok)
}

func TestRecordHit(t *testing.T) {
	r, _ := newStubRegistry(t)
	bp, err := r.Add(context.Background(), AddSpec{FilePath: "/x.js", Line: 1})
	require.NoError(t, err)

	hit := r.RecordHit([]string{"cdp-bp-1", "unknown-id"})
	assert.Equal(t, []string{bp.ID}, hit)

	got, ok := r.Get(bp.ID)
	require.True(t, ok)
	assert.Equal(t, 1, got.HitCount)

	r.RecordHit([]string{"cdp-bp-1"})
	got, _ = r.Get(bp.ID)
	assert.Equal(t, 2, got.HitCount)
}

func TestExceptionBreakpointPolicy(t *testing.T) {
	r, stub := newStubRegistry(t)
	ctx := context.Background()

	bp, err := r.AddException(ctx, ExceptionSpec{BreakOnUncaught: true, Filter: "TypeError"})
	require.NoError(t, err)
	assert.Equal(t, BreakpointException, bp.Kind)
	assert.Contains(t, stub.Calls(), "Debugger.setPauseOnExceptions")

	assert.True(t, r.ExceptionPolicy("TypeError: x is not a function"))
	assert.False(t, r.ExceptionPolicy("RangeError: out of range"))

	require.NoError(t, r.Remove(ctx, bp.ID))
	assert.False(t, r.ExceptionPolicy("TypeError: anything"))
}

func TestExceptionFilterInvalidRegex(t *testing.T) {
	r, _ := newStubRegistry(t)
	_, err := r.AddException(context.Background(), ExceptionSpec{Filter: "("})
	assert.Equal(t, apexerr.CodeInvalidArguments, apexerr.CodeOf(err))
}

func TestBreakpointResolvedReconciliation(t *testing.T) {
	r, stub := newStubRegistry(t)
	stub.Handle("Debugger.setBreakpointByUrl", func(params json.RawMessage) (interface{}, *inspectortest.Error) {
		// Unresolved: no locations until the script parses.
		return inspector.SetBreakpointByURLResult{BreakpointID: "cdp-lazy"}, nil
	})

	bp, err := r.Add(context.Background(), AddSpec{FilePath: "/later.js", Line: 5})
	require.NoError(t, err)
	assert.False(t, bp.Verified)

	localID, ok := r.HandleResolved("cdp-lazy", inspector.Location{ScriptID: "s9", LineNumber: 4})
	require.True(t, ok)
	assert.Equal(t, bp.ID, localID)

	got, _ := r.Get(bp.ID)
	assert.True(t, got.Verified)
	require.Len(t, got.Locations, 1)
	assert.Equal(t, 5, got.Locations[0].Line)

	_, ok = r.HandleResolved("never-seen", inspector.Location{})
	assert.False(t, ok)
}

func TestRemoveAllUninstalls(t *testing.T) {
	r, stub := newStubRegistry(t)
	_, err := r.Add(context.Background(), AddSpec{FilePath: "/x.js", Line: 1})
	require.NoError(t, err)

	r.RemoveAll(context.Background())
	assert.Empty(t, r.List())
	assert.Contains(t, stub.Calls(), "Debugger.removeBreakpoint")
}

func TestAddTranslatesThroughSourceMap(t *testing.T) {
	stub := inspectortest.New()
	t.Cleanup(stub.Close)

	var got inspector.SetBreakpointByURLParams
	stub.Handle("Debugger.setBreakpointByUrl", func(params json.RawMessage) (interface{}, *inspectortest.Error) {
		_ = json.Unmarshal(params, &got)
		return inspector.SetBreakpointByURLResult{BreakpointID: "cdp-map"}, nil
	})

	client, err := inspector.Dial(context.Background(), stub.URL())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	maps := sourcemap.NewIndex(sourcemap.WithFileReader(func(path string) ([]byte, error) {
		if path == "/proj/dist/app.js.map" {
			return []byte(`{"version":3,"sources":["../src/app.ts"],"names":[],"mappings":"AAAA;AACA;AACA"}`), nil
		}
		return nil, assert.AnError
	}))
	maps.AddScript("s1", "file:///proj/dist/app.js", "")

	r := NewRegistry(client, maps)
	_, err = r.Add(context.Background(), AddSpec{FilePath: "/proj/src/app.ts", Line: 2})
	require.NoError(t, err)
	assert.Equal(t, "file:///proj/dist/app.js", got.URL)
	assert.Equal(t, 1, got.LineNumber)
}
