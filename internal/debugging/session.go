// apex-debug Debug Session
// The per-child state machine composing the spawned process, the
// inspector connection, breakpoints, variables, and call-stack
// navigation under strict ordering and lifetime rules.

package debugging

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"apex-debug/internal/apexerr"
	"apex-debug/internal/inspector"
	"apex-debug/internal/logging"
	"apex-debug/internal/metrics"
	"apex-debug/internal/procspawn"
	"apex-debug/internal/sourcemap"
)

// SessionConfig describes one debuggee launch.
type SessionConfig struct {
	Command        string
	Args           []string
	Cwd            string
	Env            []string
	SpawnTimeout   time.Duration
	CommandTimeout time.Duration
	TerminateGrace time.Duration

	// NoInjectFlags skips the inspector flag injection for runtimes
	// whose argv already carries it (and for test harnesses).
	NoInjectFlags bool
}

func (c *SessionConfig) fillDefaults() {
	if c.Command == "" {
		c.Command = "node"
	}
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = 10 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = 2 * time.Second
	}
}

// Session owns one supervised debuggee: child process, inspector
// client, breakpoint registry, source-map index, variable inspector,
// and the execution state machine Starting → Paused ⇄ Running →
// Terminated.
type Session struct {
	ID string

	cfg    SessionConfig
	handle *procspawn.Handle
	client *inspector.Client
	maps   *sourcemap.Index
	vars   *VariableInspector
	bps    *Registry
	log    *zap.Logger

	// mu guards the brief critical sections around state reads and
	// precondition checks; it is never held across CDP I/O.
	mu            sync.Mutex
	status        Status
	frames        []StackFrame
	selectedFrame int
	stateCh       chan struct{}
	exitStatus    procspawn.ExitStatus
	hasExit       bool

	watchSeq   int
	watches    map[string]*WatchExpression
	watchOrder []string

	console *procspawn.CaptureBuffer

	started     time.Time
	terminated  chan struct{}
	destroyOnce sync.Once
	onDestroy   func(*Session)
	onEvent     func(DebugEvent)
}

// Start spawns the child, connects the inspector, enables the
// Debugger/Runtime domains, and waits for the pre-first-statement
// pause. On any failure nothing is leaked.
func Start(ctx context.Context, id string, cfg SessionConfig) (*Session, error) {
	cfg.fillDefaults()

	handle, err := procspawn.Spawn(ctx, procspawn.Options{
		Command:       cfg.Command,
		Args:          cfg.Args,
		Dir:           cfg.Cwd,
		Env:           cfg.Env,
		Timeout:       cfg.SpawnTimeout,
		NoInjectFlags: cfg.NoInjectFlags,
	})
	if err != nil {
		return nil, apexerr.Wrap(apexerr.CodeSessionStartFailed, err)
	}

	maps := sourcemap.NewIndex()
	s := &Session{
		ID:         id,
		cfg:        cfg,
		handle:     handle,
		maps:       maps,
		status:     StatusStarting,
		stateCh:    make(chan struct{}),
		watches:    make(map[string]*WatchExpression),
		console:    procspawn.NewCaptureBuffer(),
		started:    time.Now(),
		terminated: make(chan struct{}),
		log:        logging.WithContext(zap.String("session", id)),
	}
	metrics.Get().SessionsActive.Inc()

	client, err := inspector.Dial(ctx, handle.WebSocketURL,
		inspector.WithCommandTimeout(cfg.CommandTimeout),
		inspector.WithDisconnectHandler(func(cause error) {
			s.log.Warn("inspector disconnected", zap.Error(cause))
			s.destroy()
		}),
	)
	if err != nil {
		handle.Kill()
		metrics.Get().SessionsActive.Dec()
		return nil, apexerr.Wrap(apexerr.CodeSessionStartFailed, err)
	}
	s.client = client
	s.vars = NewVariableInspector(client, maps)
	s.bps = NewRegistry(client, maps)

	s.wireEvents()
	go s.watchChild()

	for _, method := range []string{"Debugger.enable", "Runtime.enable", "Runtime.runIfWaitingForDebugger"} {
		if err := client.Call(ctx, method, nil, nil); err != nil {
			s.destroy()
			return nil, apexerr.Wrap(apexerr.CodeSessionStartFailed, err)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.SpawnTimeout)
	defer cancel()
	st, err := s.waitUntil(waitCtx, func(st Status) bool { return st == StatusPaused })
	if err != nil || st != StatusPaused {
		s.destroy()
		if err == nil {
			err = apexerr.New(apexerr.CodeTerminated, "child terminated during startup")
		}
		return nil, apexerr.Wrap(apexerr.CodeSessionStartFailed, err)
	}

	metrics.Get().SessionsStartedTotal.Inc()
	return s, nil
}

// wireEvents subscribes the session's handlers. Delivery per event name
// is already serialized by the inspector client; each handler is the
// sole writer of the state it mutates.
func (s *Session) wireEvents() {
	s.client.On("Debugger.scriptParsed", func(params json.RawMessage) {
		var ev inspector.ScriptParsedEvent
		if json.Unmarshal(params, &ev) != nil {
			return
		}
		s.maps.AddScript(ev.ScriptID, ev.URL, ev.SourceMapURL)
		s.bps.OnScriptParsed(s.internalCtx())
	})

	s.client.On("Debugger.breakpointResolved", func(params json.RawMessage) {
		var ev inspector.BreakpointResolvedEvent
		if json.Unmarshal(params, &ev) != nil {
			return
		}
		if localID, ok := s.bps.HandleResolved(ev.BreakpointID, ev.Location); ok {
			if bp, found := s.bps.Get(localID); found {
				s.emit(EventBreakpointVerified, bp)
			}
		}
	})

	s.client.On("Debugger.paused", func(params json.RawMessage) {
		var ev inspector.PausedEvent
		if json.Unmarshal(params, &ev) != nil {
			return
		}
		s.handlePaused(&ev)
	})

	s.client.On("Debugger.resumed", func(params json.RawMessage) {
		s.handleResumed()
	})

	s.client.On("Runtime.consoleAPICalled", func(params json.RawMessage) {
		var ev inspector.ConsoleAPICalledEvent
		if json.Unmarshal(params, &ev) != nil {
			return
		}
		s.handleConsole(&ev)
	})

	s.client.On("Runtime.exceptionThrown", func(params json.RawMessage) {
		var ev inspector.ExceptionThrownEvent
		if json.Unmarshal(params, &ev) != nil {
			return
		}
		s.handleException(&ev)
	})
}

// watchChild turns child termination into session destruction.
func (s *Session) watchChild() {
	select {
	case <-s.handle.Exited():
		s.mu.Lock()
		s.exitStatus = s.handle.ExitStatus()
		s.hasExit = true
		s.mu.Unlock()
		s.destroy()
	case <-s.terminated:
	}
}

// internalCtx bounds CDP calls made from event handlers.
func (s *Session) internalCtx() context.Context {
	return context.Background()
}

// handlePaused applies a Debugger.paused event: hit counters first,
// then frames, then watch refresh, then state and waiter wakeup.
func (s *Session) handlePaused(ev *inspector.PausedEvent) {
	defer s.recoverHandler("paused")

	if ev.Reason == "exception" {
		desc := exceptionDescription(ev.Data)
		if !s.bps.ExceptionPolicy(desc) {
			// No active exception breakpoint wants this pause.
			_ = s.client.Call(s.internalCtx(), "Debugger.resume", nil, nil)
			return
		}
	}

	hitIDs := s.bps.RecordHit(ev.HitBreakpoints)
	frames := s.buildFrames(ev.CallFrames)

	var top *StackFrame
	if len(frames) > 0 {
		top = &frames[0]
	}
	if top != nil {
		s.refreshWatches(top)
	}

	s.mu.Lock()
	if s.status == StatusTerminated {
		s.mu.Unlock()
		return
	}
	s.frames = frames
	s.selectedFrame = 0
	s.status = StatusPaused
	s.broadcastLocked()
	s.mu.Unlock()

	s.emit(EventPaused, PausedEventData{
		Reason:      ev.Reason,
		CallStack:   frames,
		HitBreakIDs: hitIDs,
	})
}

func (s *Session) handleResumed() {
	defer s.recoverHandler("resumed")

	s.vars.InvalidateHandles()

	s.mu.Lock()
	if s.status == StatusTerminated {
		s.mu.Unlock()
		return
	}
	s.frames = nil
	s.status = StatusRunning
	s.broadcastLocked()
	s.mu.Unlock()

	s.emit(EventResumed, nil)
}

func (s *Session) handleConsole(ev *inspector.ConsoleAPICalledEvent) {
	defer s.recoverHandler("console")

	parts := make([]string, 0, len(ev.Args))
	for _, arg := range ev.Args {
		v := variableFromRemoteObject("", arg)
		parts = append(parts, v.Value)
	}
	line := strings.Join(parts, " ")
	s.console.AppendLine(line)
	s.emit(EventConsoleOutput, map[string]string{"type": ev.Type, "text": line})
}

func (s *Session) handleException(ev *inspector.ExceptionThrownEvent) {
	defer s.recoverHandler("exception")

	var detail Variable
	if ev.ExceptionDetails.Exception != nil {
		detail = variableFromRemoteObject("exception", *ev.ExceptionDetails.Exception)
	} else {
		detail = Variable{Name: "exception", Value: ev.ExceptionDetails.Text, Type: "string", Tag: TagPrimitive}
	}
	s.emit(EventException, detail)
}

// recoverHandler converts a panicking event handler into session
// termination instead of letting it cross session boundaries.
func (s *Session) recoverHandler(name string) {
	if r := recover(); r != nil {
		s.log.Error("event handler panic, terminating session",
			zap.String("handler", name), zap.Any("panic", r))
		go s.destroy()
	}
}

func exceptionDescription(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var detail struct {
		Description string `json:"description"`
		ClassName   string `json:"className"`
	}
	if json.Unmarshal(data, &detail) != nil {
		return ""
	}
	if detail.Description != "" {
		return detail.Description
	}
	return detail.ClassName
}

// buildFrames renders CDP call frames into stack frames, mapping
// generated positions back to originals where a map covers them.
// Relative paths are joined to the session cwd when one is set;
// node: internals keep their node: URL.
func (s *Session) buildFrames(cdpFrames []inspector.CallFrame) []StackFrame {
	frames := make([]StackFrame, 0, len(cdpFrames))
	for i, cf := range cdpFrames {
		name := cf.FunctionName
		if name == "" {
			name = "<anonymous>"
		}

		path := sourcemap.NormalizeScriptPath(cf.URL)
		line := cf.Location.LineNumber + 1
		col := cf.Location.ColumnNumber

		if orig, err := s.maps.GeneratedToOriginal(cf.Location.ScriptID, line, col); err == nil {
			path = orig.File
			line = orig.Line
			col = orig.Column
			if orig.Name != "" {
				name = orig.Name
			}
		}

		if path != "" && !filepath.IsAbs(path) && !strings.HasPrefix(path, "node:") && s.cfg.Cwd != "" {
			path = filepath.Join(s.cfg.Cwd, path)
		}

		frame := StackFrame{
			Index:        i,
			FunctionName: name,
			FilePath:     path,
			Line:         line,
			Column:       col,
			ScriptID:     cf.Location.ScriptID,
			CallFrameID:  cf.CallFrameID,
			Scopes:       cf.ScopeChain,
		}
		if i == 0 {
			if content, ok := s.maps.SourceContent(path); ok {
				frame.SourceLine = lineAt(content, line)
			}
		}
		frames = append(frames, frame)
	}
	return frames
}

func lineAt(content string, line int) string {
	lines := strings.Split(content, "\n")
	if line < 1 || line > len(lines) {
		return ""
	}
	return strings.TrimSpace(lines[line-1])
}

// broadcastLocked wakes every waiter; callers hold mu.
func (s *Session) broadcastLocked() {
	close(s.stateCh)
	s.stateCh = make(chan struct{})
}

// waitUntil blocks until the predicate holds, the session terminates,
// or the context expires.
func (s *Session) waitUntil(ctx context.Context, pred func(Status) bool) (Status, error) {
	for {
		s.mu.Lock()
		st := s.status
		ch := s.stateCh
		s.mu.Unlock()

		if pred(st) || st == StatusTerminated {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, apexerr.Wrap(apexerr.CodeTimeout, ctx.Err())
		}
	}
}

// Status returns the current execution state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ExitStatus reports the child's exit, valid once terminated.
func (s *Session) ExitStatus() (procspawn.ExitStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitStatus, s.hasExit
}

// requireStatus checks a precondition under the guard and returns the
// appropriate taxonomy error.
func (s *Session) requireStatus(want Status, code apexerr.Code) error {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	if st == StatusTerminated {
		return s.terminatedError()
	}
	if st != want {
		return apexerr.New(code, "session is %s", st)
	}
	return nil
}

func (s *Session) terminatedError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminatedErrorLocked()
}

func (s *Session) terminatedErrorLocked() error {
	e := apexerr.New(apexerr.CodeTerminated, "session terminated")
	if s.hasExit {
		if s.exitStatus.Signal != "" {
			e.WithContext("signal", s.exitStatus.Signal)
		} else {
			e.WithContext("exitCode", s.exitStatus.Code)
		}
	}
	return e
}

// selectedFrameRef snapshots the currently selected frame.
func (s *Session) selectedFrameRef() (*StackFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusTerminated {
		return nil, s.terminatedErrorLocked()
	}
	if s.status != StatusPaused {
		return nil, apexerr.New(apexerr.CodeNotPaused, "session is %s", s.status)
	}
	if s.selectedFrame >= len(s.frames) {
		return nil, apexerr.New(apexerr.CodeFrameOutOfRange, "selected frame %d of %d",
			s.selectedFrame, len(s.frames))
	}
	frame := s.frames[s.selectedFrame]
	return &frame, nil
}

// --- execution control ---

// Resume continues execution. Precondition: Paused.
func (s *Session) Resume(ctx context.Context) error {
	if err := s.requireStatus(StatusPaused, apexerr.CodeNotPaused); err != nil {
		return err
	}
	return s.client.Call(ctx, "Debugger.resume", nil, nil)
}

// Pause interrupts execution. Pausing an already-paused session is a
// no-op returning success.
func (s *Session) Pause(ctx context.Context) error {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	switch st {
	case StatusPaused:
		return nil
	case StatusTerminated:
		return s.terminatedError()
	case StatusStarting:
		return apexerr.New(apexerr.CodeNotRunning, "session is %s", st)
	}

	if err := s.client.Call(ctx, "Debugger.pause", nil, nil); err != nil {
		return err
	}
	st, err := s.waitUntil(ctx, func(st Status) bool { return st == StatusPaused })
	if err != nil {
		return err
	}
	if st == StatusTerminated {
		return s.terminatedError()
	}
	return nil
}

// StepOver, StepInto, and StepOut execute one step and report the new
// top-frame location. A step that runs off the end of the program
// resumes to termination and returns a nil location.
func (s *Session) StepOver(ctx context.Context) (*StackFrame, error) {
	return s.step(ctx, "Debugger.stepOver")
}

func (s *Session) StepInto(ctx context.Context) (*StackFrame, error) {
	return s.step(ctx, "Debugger.stepInto")
}

func (s *Session) StepOut(ctx context.Context) (*StackFrame, error) {
	return s.step(ctx, "Debugger.stepOut")
}

func (s *Session) step(ctx context.Context, method string) (*StackFrame, error) {
	if err := s.requireStatus(StatusPaused, apexerr.CodeNotPaused); err != nil {
		return nil, err
	}

	// Arm before sending so the paused transition cannot be missed.
	s.mu.Lock()
	armed := s.stateCh
	s.mu.Unlock()

	if err := s.client.Call(ctx, method, nil, nil); err != nil {
		return nil, err
	}

	select {
	case <-armed:
	case <-ctx.Done():
		return nil, apexerr.Wrap(apexerr.CodeTimeout, ctx.Err())
	}

	st, err := s.waitUntil(ctx, func(st Status) bool { return st == StatusPaused })
	if err != nil {
		return nil, err
	}
	if st == StatusTerminated {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil, nil
	}
	top := s.frames[0]
	return &top, nil
}

// --- inspection ---

// Evaluate runs an expression in the selected frame's scope.
func (s *Session) Evaluate(ctx context.Context, expression string) (Variable, error) {
	frame, err := s.selectedFrameRef()
	if err != nil {
		return Variable{}, err
	}
	return s.vars.Evaluate(ctx, frame, expression, false)
}

// InspectObject resolves an object's properties to the given depth.
func (s *Session) InspectObject(ctx context.Context, objectID string, depth int) ([]Variable, error) {
	if err := s.requireStatus(StatusPaused, apexerr.CodeNotPaused); err != nil {
		return nil, err
	}
	return s.vars.Properties(ctx, objectID, depth)
}

// GetLocals returns the selected frame's local variables.
func (s *Session) GetLocals(ctx context.Context) ([]Variable, error) {
	frame, err := s.selectedFrameRef()
	if err != nil {
		return nil, err
	}
	return s.vars.Locals(ctx, frame)
}

// GetGlobals returns the global scope minus implementation names.
func (s *Session) GetGlobals(ctx context.Context) ([]Variable, error) {
	frame, err := s.selectedFrameRef()
	if err != nil {
		return nil, err
	}
	return s.vars.Globals(ctx, frame)
}

// GetStack snapshots the current call stack.
func (s *Session) GetStack() ([]StackFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusTerminated {
		return nil, s.terminatedErrorLocked()
	}
	if s.status != StatusPaused {
		return nil, apexerr.New(apexerr.CodeNotPaused, "session is %s", s.status)
	}
	out := make([]StackFrame, len(s.frames))
	copy(out, s.frames)
	return out, nil
}

// SelectFrame binds subsequent evaluate/locals calls to frame i.
func (s *Session) SelectFrame(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusTerminated {
		return s.terminatedErrorLocked()
	}
	if s.status != StatusPaused {
		return apexerr.New(apexerr.CodeNotPaused, "session is %s", s.status)
	}
	if i < 0 || i >= len(s.frames) {
		return apexerr.New(apexerr.CodeFrameOutOfRange, "frame %d of %d", i, len(s.frames)).
			WithContext("frame", i)
	}
	s.selectedFrame = i
	return nil
}

// SelectedFrame returns the bound frame index.
func (s *Session) SelectedFrame() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedFrame
}

// --- breakpoints (delegated to the registry) ---

// SetBreakpoint registers a line breakpoint or logpoint.
func (s *Session) SetBreakpoint(ctx context.Context, spec AddSpec) (*Breakpoint, error) {
	return s.bps.Add(ctx, spec)
}

// SetExceptionBreakpoint installs the pause-on-exceptions policy.
func (s *Session) SetExceptionBreakpoint(ctx context.Context, spec ExceptionSpec) (*Breakpoint, error) {
	return s.bps.AddException(ctx, spec)
}

// SetFunctionBreakpoint breaks on calls to a named function.
func (s *Session) SetFunctionBreakpoint(ctx context.Context, name string) (*Breakpoint, error) {
	return s.bps.AddFunction(ctx, name)
}

// RemoveBreakpoint drops a breakpoint by local id.
func (s *Session) RemoveBreakpoint(ctx context.Context, id string) error {
	return s.bps.Remove(ctx, id)
}

// ToggleBreakpoint flips a breakpoint's enabled flag.
func (s *Session) ToggleBreakpoint(ctx context.Context, id string) (*Breakpoint, error) {
	return s.bps.Toggle(ctx, id)
}

// ListBreakpoints snapshots the registry.
func (s *Session) ListBreakpoints() []Breakpoint {
	return s.bps.List()
}

// --- watches ---

// AddWatch registers a watch expression; it is evaluated immediately
// when the session is paused.
func (s *Session) AddWatch(ctx context.Context, expression string) *WatchExpression {
	s.mu.Lock()
	s.watchSeq++
	w := &WatchExpression{
		ID:         s.nextWatchIDLocked(),
		Expression: expression,
	}
	s.watches[w.ID] = w
	s.watchOrder = append(s.watchOrder, w.ID)
	paused := s.status == StatusPaused
	s.mu.Unlock()

	if paused {
		if frame, err := s.selectedFrameRef(); err == nil {
			s.evaluateWatch(ctx, w, frame)
		}
	}
	cp := *w
	return &cp
}

func (s *Session) nextWatchIDLocked() string {
	return "watch-" + strconv.Itoa(s.watchSeq)
}

// RemoveWatch drops a watch expression.
func (s *Session) RemoveWatch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watches[id]; !ok {
		return apexerr.New(apexerr.CodeWatchNotFound, "no watch %q", id)
	}
	delete(s.watches, id)
	for i, oid := range s.watchOrder {
		if oid == id {
			s.watchOrder = append(s.watchOrder[:i], s.watchOrder[i+1:]...)
			break
		}
	}
	return nil
}

// GetWatches returns the watch set as of the last refresh, including
// change records.
func (s *Session) GetWatches() []WatchExpression {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WatchExpression, 0, len(s.watchOrder))
	for _, id := range s.watchOrder {
		out = append(out, *s.watches[id])
	}
	return out
}

// refreshWatches re-evaluates every watch against the pause's top
// frame, recording changes since the prior observation.
func (s *Session) refreshWatches(frame *StackFrame) {
	s.mu.Lock()
	list := make([]*WatchExpression, 0, len(s.watchOrder))
	for _, id := range s.watchOrder {
		list = append(list, s.watches[id])
	}
	s.mu.Unlock()

	for _, w := range list {
		s.evaluateWatch(s.internalCtx(), w, frame)
	}
}

func (s *Session) evaluateWatch(ctx context.Context, w *WatchExpression, frame *StackFrame) {
	result, err := s.vars.Evaluate(ctx, frame, w.Expression, false)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		w.Error = err.Error()
		w.Changed = false
		return
	}
	prev := w.Value
	observed := w.observed
	w.Error = ""
	w.Value = result.Value
	w.Type = result.Type
	w.Tag = result.Tag
	w.observed = true
	if observed && prev != result.Value {
		w.Changed = true
		w.OldValue = prev
	} else {
		w.Changed = false
		w.OldValue = ""
	}
}

// --- output & teardown ---

// CapturedOutput returns everything the child wrote to stdout/stderr
// plus console API output routed through the inspector.
func (s *Session) CapturedOutput() string {
	var b strings.Builder
	b.Write(s.handle.Stdout.Bytes())
	b.Write(s.handle.Stderr.Bytes())
	b.Write(s.console.Bytes())
	return b.String()
}

// Terminated is closed once the session reaches its terminal state.
func (s *Session) Terminated() <-chan struct{} { return s.terminated }

// Stop runs the destruction sequence and drains to Terminated.
// Idempotent and cancellation-safe.
func (s *Session) Stop(ctx context.Context) {
	s.destroy()
	select {
	case <-s.terminated:
	case <-ctx.Done():
	}
}

// SetHooks wires manager/hub callbacks. Must be called before the
// session is shared.
func (s *Session) SetHooks(onDestroy func(*Session), onEvent func(DebugEvent)) {
	s.mu.Lock()
	s.onDestroy = onDestroy
	s.onEvent = onEvent
	s.mu.Unlock()
}

func (s *Session) emit(eventType string, data interface{}) {
	s.mu.Lock()
	fn := s.onEvent
	s.mu.Unlock()
	if fn == nil {
		return
	}
	fn(DebugEvent{
		SessionID: s.ID,
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// destroy runs the fixed destruction order exactly once: best-effort
// breakpoint removal → close the inspector socket → terminate the
// child (escalating to kill) → release registries → notify the owner.
func (s *Session) destroy() {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.status = StatusTerminated
		s.frames = nil
		if !s.hasExit {
			select {
			case <-s.handle.Exited():
				s.exitStatus = s.handle.ExitStatus()
				s.hasExit = true
			default:
			}
		}
		s.broadcastLocked()
		s.mu.Unlock()

		if s.client != nil && s.bps != nil && s.client.State() == inspector.StateReady {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			s.bps.RemoveAll(ctx)
			cancel()
		}
		if s.client != nil {
			s.client.Close()
		}
		s.handle.Terminate(s.cfg.TerminateGrace)

		s.mu.Lock()
		if !s.hasExit {
			s.exitStatus = s.handle.ExitStatus()
			s.hasExit = true
		}
		exit := s.exitStatus
		s.mu.Unlock()

		if s.vars != nil {
			s.vars.InvalidateHandles()
		}
		metrics.Get().SessionsActive.Dec()
		metrics.Get().SessionDuration.Observe(time.Since(s.started).Seconds())

		s.emit(EventTerminated, map[string]interface{}{
			"exit_code": exit.Code,
			"signal":    exit.Signal,
		})

		// Owner removal precedes the terminated signal so that a
		// drained Stop implies the manager no longer lists the session.
		s.mu.Lock()
		onDestroy := s.onDestroy
		s.mu.Unlock()
		if onDestroy != nil {
			onDestroy(s)
		}
		close(s.terminated)
		s.log.Info("session destroyed",
			zap.Int("exit_code", exit.Code), zap.String("signal", exit.Signal))
	})
}
