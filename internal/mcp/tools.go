// apex-debug MCP debugger tools
// Stateless translation between agent tool calls and the debugging
// engine's operations. Every reply is a single structured record with
// status "success" or "error".

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"apex-debug/internal/apexerr"
	"apex-debug/internal/debugging"
	"apex-debug/internal/hangdetect"
	"apex-debug/internal/testrunner"
)

// opTimeout bounds one ordinary debugger operation at the tool layer.
const opTimeout = 30 * time.Second

// Dispatcher routes tool calls to the session manager and detectors.
type Dispatcher struct {
	Manager  *debugging.Manager
	Detector *hangdetect.Detector
}

// record is one outward response document.
type record map[string]interface{}

func successResult(fields record) (*ToolCallResult, error) {
	if fields == nil {
		fields = record{}
	}
	fields["status"] = "success"
	return renderRecord(fields, false)
}

func errorResult(err error) (*ToolCallResult, error) {
	fields := record{
		"status":  "error",
		"code":    string(apexerr.CodeOf(err)),
		"message": err.Error(),
	}
	var ae *apexerr.Error
	if errors.As(err, &ae) && len(ae.Context) > 0 {
		fields["context"] = ae.Context
	}
	return renderRecord(fields, true)
}

func renderRecord(fields record, isError bool) (*ToolCallResult, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return &ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: string(raw)}},
		IsError: isError,
	}, nil
}

// --- argument decoding ---

func argString(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok && v != ""
}

func argInt(args map[string]interface{}, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

func argBool(args map[string]interface{}, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func argStrings(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func missing(field string) (*ToolCallResult, error) {
	return errorResult(apexerr.New(apexerr.CodeInvalidArguments,
		"missing required field %q", field).WithContext("field", field))
}

// session resolves the sessionId argument to a live session.
func (d *Dispatcher) session(args map[string]interface{}) (*debugging.Session, *ToolCallResult, error) {
	id, ok := argString(args, "sessionId")
	if !ok {
		res, err := missing("sessionId")
		return nil, res, err
	}
	session, err := d.Manager.Get(id)
	if err != nil {
		res, rerr := errorResult(err)
		return nil, res, rerr
	}
	return session, nil, nil
}

func schema(required []string, props map[string]interface{}) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func num(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "number", "description": desc}
}

func boolean(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "boolean", "description": desc}
}

// RegisterDebugTools wires the full operation surface onto the server.
func RegisterDebugTools(s *Server, d *Dispatcher) {
	s.SetUnknownToolHandler(func(ctx context.Context, name string, args map[string]interface{}) (*ToolCallResult, error) {
		return errorResult(apexerr.New(apexerr.CodeUnknownTool, "unknown tool %q", name).
			WithContext("tool", name))
	})

	s.RegisterTool(Tool{
		Name:        "startSession",
		Description: "Start a debug session: spawn the runtime under the inspector and pause before the first statement",
		InputSchema: schema(nil, map[string]interface{}{
			"command": str("runtime binary, default node"),
			"args":    map[string]interface{}{"type": "array", "items": str("argument")},
			"cwd":     str("working directory"),
		}),
	}, func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
		command, _ := argString(args, "command")
		cfg := debugging.SessionConfig{
			Command: command,
			Args:    argStrings(args, "args"),
			Cwd:     func() string { v, _ := argString(args, "cwd"); return v }(),
		}
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		session, err := d.Manager.Create(opCtx, cfg)
		if err != nil {
			return errorResult(err)
		}
		return successResult(record{
			"sessionId": session.ID,
			"state":     session.Status(),
		})
	})

	s.RegisterTool(Tool{
		Name:        "stopSession",
		Description: "Stop a debug session and release its process and inspector connection",
		InputSchema: schema([]string{"sessionId"}, map[string]interface{}{
			"sessionId": str("session identifier"),
		}),
	}, func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
		session, res, err := d.session(args)
		if session == nil {
			return res, err
		}
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		session.Stop(opCtx)
		return successResult(record{"sessionId": session.ID})
	})

	s.RegisterTool(Tool{
		Name:        "listSessions",
		Description: "List live debug session identifiers",
		InputSchema: schema(nil, map[string]interface{}{}),
	}, func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
		return successResult(record{"sessions": d.Manager.List()})
	})

	registerBreakpointTools(s, d)
	registerExecutionTools(s, d)
	registerInspectionTools(s, d)
	registerDetectorTools(s, d)
}

func registerBreakpointTools(s *Server, d *Dispatcher) {
	s.RegisterTool(Tool{
		Name:        "setBreakpoint",
		Description: "Set a line breakpoint, optionally conditional",
		InputSchema: schema([]string{"sessionId", "file", "line"}, map[string]interface{}{
			"sessionId": str("session identifier"),
			"file":      str("absolute source file"),
			"line":      num("1-indexed line"),
			"column":    num("optional column"),
			"condition": str("optional condition expression"),
		}),
	}, d.breakpointAdder(""))

	s.RegisterTool(Tool{
		Name:        "setLogpoint",
		Description: "Set a non-breaking logpoint; {expr} tokens interpolate in the paused frame",
		InputSchema: schema([]string{"sessionId", "file", "line", "message"}, map[string]interface{}{
			"sessionId": str("session identifier"),
			"file":      str("absolute source file"),
			"line":      num("1-indexed line"),
			"message":   str("log template with {expr} tokens"),
		}),
	}, d.breakpointAdder("message"))

	s.RegisterTool(Tool{
		Name:        "setHitCount",
		Description: "Set a breakpoint gated by a hit-count predicate (== > >= < <= %)",
		InputSchema: schema([]string{"sessionId", "file", "line", "hitCondition"}, map[string]interface{}{
			"sessionId":    str("session identifier"),
			"file":         str("absolute source file"),
			"line":         num("1-indexed line"),
			"hitCondition": str("predicate, e.g. \">= 3\" or \"% 2\""),
		}),
	}, d.breakpointAdder("hitCondition"))

	s.RegisterTool(Tool{
		Name:        "setExceptionBreakpoint",
		Description: "Pause on thrown exceptions matching caught/uncaught flags and an optional name regex",
		InputSchema: schema([]string{"sessionId"}, map[string]interface{}{
			"sessionId": str("session identifier"),
			"caught":    boolean("break on caught exceptions"),
			"uncaught":  boolean("break on uncaught exceptions"),
			"filter":    str("optional exception-name regex"),
		}),
	}, func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
		session, res, err := d.session(args)
		if session == nil {
			return res, err
		}
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		filter, _ := argString(args, "filter")
		bp, err := session.SetExceptionBreakpoint(opCtx, debugging.ExceptionSpec{
			BreakOnCaught:   argBool(args, "caught"),
			BreakOnUncaught: argBool(args, "uncaught"),
			Filter:          filter,
		})
		if err != nil {
			return errorResult(err)
		}
		return successResult(record{"breakpoint": bp})
	})

	s.RegisterTool(Tool{
		Name:        "setFunctionBreakpoint",
		Description: "Break on calls to a named function",
		InputSchema: schema([]string{"sessionId", "name"}, map[string]interface{}{
			"sessionId": str("session identifier"),
			"name":      str("function name or pattern"),
		}),
	}, func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
		session, res, err := d.session(args)
		if session == nil {
			return res, err
		}
		name, ok := argString(args, "name")
		if !ok {
			return missing("name")
		}
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		bp, err := session.SetFunctionBreakpoint(opCtx, name)
		if err != nil {
			return errorResult(err)
		}
		return successResult(record{"breakpoint": bp})
	})

	s.RegisterTool(Tool{
		Name:        "removeBreakpoint",
		Description: "Remove a breakpoint by id",
		InputSchema: schema([]string{"sessionId", "breakpointId"}, map[string]interface{}{
			"sessionId":    str("session identifier"),
			"breakpointId": str("breakpoint identifier"),
		}),
	}, func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
		session, res, err := d.session(args)
		if session == nil {
			return res, err
		}
		id, ok := argString(args, "breakpointId")
		if !ok {
			return missing("breakpointId")
		}
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		if err := session.RemoveBreakpoint(opCtx, id); err != nil {
			return errorResult(err)
		}
		return successResult(record{"breakpointId": id})
	})

	s.RegisterTool(Tool{
		Name:        "toggleBreakpoint",
		Description: "Flip a breakpoint's enabled flag, preserving its id and location",
		InputSchema: schema([]string{"sessionId", "breakpointId"}, map[string]interface{}{
			"sessionId":    str("session identifier"),
			"breakpointId": str("breakpoint identifier"),
		}),
	}, func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
		session, res, err := d.session(args)
		if session == nil {
			return res, err
		}
		id, ok := argString(args, "breakpointId")
		if !ok {
			return missing("breakpointId")
		}
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		bp, err := session.ToggleBreakpoint(opCtx, id)
		if err != nil {
			return errorResult(err)
		}
		return successResult(record{"breakpoint": bp})
	})

	s.RegisterTool(Tool{
		Name:        "listBreakpoints",
		Description: "Snapshot the session's breakpoints",
		InputSchema: schema([]string{"sessionId"}, map[string]interface{}{
			"sessionId": str("session identifier"),
		}),
	}, func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
		session, res, err := d.session(args)
		if session == nil {
			return res, err
		}
		return successResult(record{"breakpoints": session.ListBreakpoints()})
	})
}

// breakpointAdder builds the shared handler for line breakpoint
// variants; extraField names a required argument ("" for none).
func (d *Dispatcher) breakpointAdder(extraField string) ToolHandler {
	return func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
		session, res, err := d.session(args)
		if session == nil {
			return res, err
		}
		file, ok := argString(args, "file")
		if !ok {
			return missing("file")
		}
		line, ok := argInt(args, "line")
		if !ok {
			return missing("line")
		}
		if extraField != "" {
			if _, ok := argString(args, extraField); !ok {
				return missing(extraField)
			}
		}

		spec := debugging.AddSpec{
			FilePath: file,
			Line:     line,
		}
		spec.Column, _ = argInt(args, "column")
		spec.Condition, _ = argString(args, "condition")
		spec.HitCondition, _ = argString(args, "hitCondition")
		spec.LogMessage, _ = argString(args, "message")

		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		bp, err := session.SetBreakpoint(opCtx, spec)
		if err != nil {
			return errorResult(err)
		}
		return successResult(record{"breakpoint": bp})
	}
}

func registerExecutionTools(s *Server, d *Dispatcher) {
	simple := func(name, desc string, op func(context.Context, *debugging.Session) (record, error)) {
		s.RegisterTool(Tool{
			Name:        name,
			Description: desc,
			InputSchema: schema([]string{"sessionId"}, map[string]interface{}{
				"sessionId": str("session identifier"),
			}),
		}, func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
			session, res, err := d.session(args)
			if session == nil {
				return res, err
			}
			opCtx, cancel := context.WithTimeout(ctx, opTimeout)
			defer cancel()
			fields, err := op(opCtx, session)
			if err != nil {
				return errorResult(err)
			}
			return successResult(fields)
		})
	}

	simple("resume", "Resume execution of a paused session",
		func(ctx context.Context, session *debugging.Session) (record, error) {
			if err := session.Resume(ctx); err != nil {
				return nil, err
			}
			return record{"state": string(debugging.StatusRunning)}, nil
		})

	simple("pause", "Pause a running session; pausing a paused session is a no-op",
		func(ctx context.Context, session *debugging.Session) (record, error) {
			if err := session.Pause(ctx); err != nil {
				return nil, err
			}
			return record{"state": session.Status()}, nil
		})

	step := func(name, desc string, op func(*debugging.Session, context.Context) (*debugging.StackFrame, error)) {
		simple(name, desc, func(ctx context.Context, session *debugging.Session) (record, error) {
			frame, err := op(session, ctx)
			if err != nil {
				return nil, err
			}
			fields := record{"state": session.Status()}
			if frame == nil {
				fields["location"] = nil
			} else {
				fields["location"] = frame
			}
			return fields, nil
		})
	}
	step("stepOver", "Step over the current statement",
		func(s *debugging.Session, ctx context.Context) (*debugging.StackFrame, error) { return s.StepOver(ctx) })
	step("stepInto", "Step into the next call",
		func(s *debugging.Session, ctx context.Context) (*debugging.StackFrame, error) { return s.StepInto(ctx) })
	step("stepOut", "Step out of the current frame",
		func(s *debugging.Session, ctx context.Context) (*debugging.StackFrame, error) { return s.StepOut(ctx) })
}

func registerInspectionTools(s *Server, d *Dispatcher) {
	s.RegisterTool(Tool{
		Name:        "evaluate",
		Description: "Evaluate an expression in the selected frame of a paused session",
		InputSchema: schema([]string{"sessionId", "expression"}, map[string]interface{}{
			"sessionId":  str("session identifier"),
			"expression": str("JavaScript expression"),
		}),
	}, func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
		session, res, err := d.session(args)
		if session == nil {
			return res, err
		}
		expression, ok := argString(args, "expression")
		if !ok {
			return missing("expression")
		}
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		value, err := session.Evaluate(opCtx, expression)
		if err != nil {
			return errorResult(err)
		}
		return successResult(record{"value": value.Value, "type": value.Type, "tag": value.Tag, "objectId": value.ObjectID})
	})

	s.RegisterTool(Tool{
		Name:        "inspectObject",
		Description: "Resolve an object's own enumerable properties to a bounded depth",
		InputSchema: schema([]string{"sessionId", "objectId"}, map[string]interface{}{
			"sessionId": str("session identifier"),
			"objectId":  str("object handle from a prior evaluate"),
			"depth":     num("recursion depth, default 1"),
		}),
	}, func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
		session, res, err := d.session(args)
		if session == nil {
			return res, err
		}
		objectID, ok := argString(args, "objectId")
		if !ok {
			return missing("objectId")
		}
		depth, _ := argInt(args, "depth")
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		props, err := session.InspectObject(opCtx, objectID, depth)
		if err != nil {
			return errorResult(err)
		}
		return successResult(record{"properties": props})
	})

	scoped := func(name, desc string, op func(*debugging.Session, context.Context) ([]debugging.Variable, error), field string) {
		s.RegisterTool(Tool{
			Name:        name,
			Description: desc,
			InputSchema: schema([]string{"sessionId"}, map[string]interface{}{
				"sessionId": str("session identifier"),
			}),
		}, func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
			session, res, err := d.session(args)
			if session == nil {
				return res, err
			}
			opCtx, cancel := context.WithTimeout(ctx, opTimeout)
			defer cancel()
			vars, err := op(session, opCtx)
			if err != nil {
				return errorResult(err)
			}
			return successResult(record{field: vars})
		})
	}
	scoped("getLocals", "Local variables of the selected frame",
		func(s *debugging.Session, ctx context.Context) ([]debugging.Variable, error) { return s.GetLocals(ctx) },
		"locals")
	scoped("getGlobals", "Global variables minus implementation-provided names",
		func(s *debugging.Session, ctx context.Context) ([]debugging.Variable, error) { return s.GetGlobals(ctx) },
		"globals")

	s.RegisterTool(Tool{
		Name:        "getStack",
		Description: "Snapshot the current call stack with absolute paths",
		InputSchema: schema([]string{"sessionId"}, map[string]interface{}{
			"sessionId": str("session identifier"),
		}),
	}, func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
		session, res, err := d.session(args)
		if session == nil {
			return res, err
		}
		stack, err := session.GetStack()
		if err != nil {
			return errorResult(err)
		}
		return successResult(record{"stack": stack, "selectedFrame": session.SelectedFrame()})
	})

	s.RegisterTool(Tool{
		Name:        "selectFrame",
		Description: "Bind subsequent evaluate/locals calls to a call-stack frame",
		InputSchema: schema([]string{"sessionId", "index"}, map[string]interface{}{
			"sessionId": str("session identifier"),
			"index":     num("0-based frame index"),
		}),
	}, func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
		session, res, err := d.session(args)
		if session == nil {
			return res, err
		}
		index, ok := argInt(args, "index")
		if !ok {
			return missing("index")
		}
		if err := session.SelectFrame(index); err != nil {
			return errorResult(err)
		}
		return successResult(record{"selectedFrame": index})
	})

	s.RegisterTool(Tool{
		Name:        "addWatch",
		Description: "Add a watch expression refreshed on every pause",
		InputSchema: schema([]string{"sessionId", "expression"}, map[string]interface{}{
			"sessionId":  str("session identifier"),
			"expression": str("JavaScript expression"),
		}),
	}, func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
		session, res, err := d.session(args)
		if session == nil {
			return res, err
		}
		expression, ok := argString(args, "expression")
		if !ok {
			return missing("expression")
		}
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		watch := session.AddWatch(opCtx, expression)
		return successResult(record{"watch": watch})
	})

	s.RegisterTool(Tool{
		Name:        "removeWatch",
		Description: "Remove a watch expression",
		InputSchema: schema([]string{"sessionId", "watchId"}, map[string]interface{}{
			"sessionId": str("session identifier"),
			"watchId":   str("watch identifier"),
		}),
	}, func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
		session, res, err := d.session(args)
		if session == nil {
			return res, err
		}
		id, ok := argString(args, "watchId")
		if !ok {
			return missing("watchId")
		}
		if err := session.RemoveWatch(id); err != nil {
			return errorResult(err)
		}
		return successResult(record{"watchId": id})
	})

	s.RegisterTool(Tool{
		Name:        "getWatches",
		Description: "Watch values as of the last pause, with change records",
		InputSchema: schema([]string{"sessionId"}, map[string]interface{}{
			"sessionId": str("session identifier"),
		}),
	}, func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
		session, res, err := d.session(args)
		if session == nil {
			return res, err
		}
		return successResult(record{"watches": session.GetWatches()})
	})

	s.RegisterTool(Tool{
		Name:        "getOutput",
		Description: "Captured stdout, stderr, and console output of the session",
		InputSchema: schema([]string{"sessionId"}, map[string]interface{}{
			"sessionId": str("session identifier"),
		}),
	}, func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
		session, res, err := d.session(args)
		if session == nil {
			return res, err
		}
		return successResult(record{"output": session.CapturedOutput()})
	})
}

func registerDetectorTools(s *Server, d *Dispatcher) {
	s.RegisterTool(Tool{
		Name:        "detectHang",
		Description: "Run a script under sampling to classify completion vs. infinite loop vs. hang",
		InputSchema: schema([]string{"args", "timeout"}, map[string]interface{}{
			"command":        str("runtime binary, default node"),
			"args":           map[string]interface{}{"type": "array", "items": str("argument")},
			"cwd":            str("working directory"),
			"timeout":        num("overall deadline in milliseconds"),
			"sampleInterval": num("sample interval in milliseconds, default 100"),
		}),
	}, func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
		timeoutMs, ok := argInt(args, "timeout")
		if !ok {
			return missing("timeout")
		}
		command, _ := argString(args, "command")
		cwd, _ := argString(args, "cwd")
		intervalMs, _ := argInt(args, "sampleInterval")

		result, err := d.Detector.Detect(ctx, hangdetect.Options{
			Command:        command,
			Args:           argStrings(args, "args"),
			Cwd:            cwd,
			Timeout:        time.Duration(timeoutMs) * time.Millisecond,
			SampleInterval: time.Duration(intervalMs) * time.Millisecond,
		})
		if err != nil {
			return errorResult(err)
		}
		return successResult(record{
			"hung":      result.Hung || result.Loop,
			"loop":      result.Loop,
			"completed": result.Completed,
			"exitCode":  result.ExitCode,
			"location":  result.Location,
			"stack":     result.Stack,
			"duration":  result.Duration.Milliseconds(),
		})
	})

	s.RegisterTool(Tool{
		Name:        "runTests",
		Description: "Run a recognized test harness (jest, mocha, vitest) under the inspector and summarize results",
		InputSchema: schema([]string{"framework"}, map[string]interface{}{
			"framework": str("jest | mocha | vitest"),
			"cwd":       str("project directory"),
			"args":      map[string]interface{}{"type": "array", "items": str("extra harness argument")},
			"timeout":   num("deadline in milliseconds"),
		}),
	}, func(ctx context.Context, args map[string]interface{}) (*ToolCallResult, error) {
		framework, ok := argString(args, "framework")
		if !ok {
			return missing("framework")
		}
		cwd, _ := argString(args, "cwd")
		timeoutMs, _ := argInt(args, "timeout")

		summary, err := testrunner.Run(ctx, d.Manager, testrunner.Options{
			Framework: testrunner.Framework(framework),
			Cwd:       cwd,
			Args:      argStrings(args, "args"),
			Timeout:   time.Duration(timeoutMs) * time.Millisecond,
		})
		if err != nil {
			return errorResult(err)
		}
		return successResult(record{
			"passed":   summary.Passed,
			"failed":   summary.Failed,
			"failures": summary.Failures,
			"exitCode": summary.ExitCode,
			"output":   summary.Output,
			"duration": summary.Duration.Milliseconds(),
		})
	})
}
