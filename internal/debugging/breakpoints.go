// apex-debug Breakpoint Registry
// Canonical per-session breakpoint list, reconciled against
// inspector-assigned identifiers.

package debugging

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"apex-debug/internal/apexerr"
	"apex-debug/internal/inspector"
	"apex-debug/internal/logging"
	"apex-debug/internal/metrics"
	"apex-debug/internal/sourcemap"
)

// BreakpointKind represents the breakpoint variants sharing one id space.
type BreakpointKind string

const (
	BreakpointLine      BreakpointKind = "line"
	BreakpointLogpoint  BreakpointKind = "logpoint"
	BreakpointException BreakpointKind = "exception"
	BreakpointFunction  BreakpointKind = "function"
)

// ResolvedLocation is a generated position the inspector bound a
// breakpoint to. Line is 1-based.
type ResolvedLocation struct {
	ScriptID string `json:"script_id"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
}

// Breakpoint represents a debugger breakpoint
type Breakpoint struct {
	ID           string             `json:"id"`
	Kind         BreakpointKind     `json:"kind"`
	FilePath     string             `json:"file_path,omitempty"`
	Line         int                `json:"line,omitempty"`
	Column       int                `json:"column,omitempty"`
	Condition    string             `json:"condition,omitempty"`
	HitCondition string             `json:"hit_condition,omitempty"`
	LogMessage   string             `json:"log_message,omitempty"`
	Enabled      bool               `json:"enabled"`
	Verified     bool               `json:"verified"`
	HitCount     int                `json:"hit_count"`
	InspectorID  string             `json:"inspector_id,omitempty"`
	Locations    []ResolvedLocation `json:"locations,omitempty"`

	// Exception variant.
	BreakOnCaught   bool   `json:"break_on_caught,omitempty"`
	BreakOnUncaught bool   `json:"break_on_uncaught,omitempty"`
	ExceptionFilter string `json:"exception_filter,omitempty"`

	// Function variant: a name or a regex pattern.
	FunctionName string `json:"function_name,omitempty"`
}

var hitConditionPattern = regexp.MustCompile(`^\s*(==|>=|<=|>|<|%)\s*(\d+)\s*$`)

// Registry owns the canonical breakpoint list for one session.
type Registry struct {
	client *inspector.Client
	maps   *sourcemap.Index
	log    *zap.Logger

	mu    sync.Mutex
	seq   int
	byID  map[string]*Breakpoint
	order []string

	// byInspectorID reconciles inspector hit notifications.
	byInspectorID map[string]string

	exceptionFilter *regexp.Regexp
}

// NewRegistry builds an empty registry bound to one inspector client.
func NewRegistry(client *inspector.Client, maps *sourcemap.Index) *Registry {
	return &Registry{
		client:        client,
		maps:          maps,
		byID:          make(map[string]*Breakpoint),
		byInspectorID: make(map[string]string),
		log:           logging.L(),
	}
}

// AddSpec describes a requested line breakpoint or logpoint.
type AddSpec struct {
	FilePath     string
	Line         int
	Column       int
	Condition    string
	HitCondition string
	LogMessage   string
}

func (r *Registry) nextID(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

// Add registers a line breakpoint (or logpoint when a log message is
// present), translating original positions through the source-map index
// and issuing the CDP command.
func (r *Registry) Add(ctx context.Context, spec AddSpec) (*Breakpoint, error) {
	if spec.FilePath == "" || spec.Line < 1 {
		return nil, apexerr.New(apexerr.CodeInvalidLocation,
			"breakpoint needs an absolute file and a 1-based line").
			WithContext("file", spec.FilePath).
			WithContext("line", spec.Line)
	}
	if spec.HitCondition != "" && !hitConditionPattern.MatchString(spec.HitCondition) {
		return nil, apexerr.New(apexerr.CodeInvalidArguments,
			"hit condition %q: want <op> <n> with op one of == > >= < <= %%", spec.HitCondition)
	}

	kind := BreakpointLine
	if spec.LogMessage != "" {
		kind = BreakpointLogpoint
	}

	r.mu.Lock()
	bp := &Breakpoint{
		ID:           r.nextID("bp"),
		Kind:         kind,
		FilePath:     filepath.Clean(spec.FilePath),
		Line:         spec.Line,
		Column:       spec.Column,
		Condition:    spec.Condition,
		HitCondition: spec.HitCondition,
		LogMessage:   spec.LogMessage,
		Enabled:      true,
	}
	r.byID[bp.ID] = bp
	r.order = append(r.order, bp.ID)
	r.mu.Unlock()

	if err := r.install(ctx, bp); err != nil {
		r.mu.Lock()
		delete(r.byID, bp.ID)
		r.order = r.order[:len(r.order)-1]
		r.mu.Unlock()
		return nil, err
	}

	metrics.Get().BreakpointsSetTotal.WithLabelValues(string(kind)).Inc()
	return r.snapshot(bp.ID), nil
}

// install sends the CDP command for a line/logpoint breakpoint and
// records the inspector id and resolved locations.
func (r *Registry) install(ctx context.Context, bp *Breakpoint) error {
	genURL, genLine, genCol := r.translate(bp)

	params := inspector.SetBreakpointByURLParams{
		URL:          genURL,
		LineNumber:   genLine - 1,
		ColumnNumber: genCol,
		Condition:    r.composeCondition(bp),
	}
	var result inspector.SetBreakpointByURLResult
	if err := r.client.Call(ctx, "Debugger.setBreakpointByUrl", params, &result); err != nil {
		return err
	}

	r.mu.Lock()
	bp.InspectorID = result.BreakpointID
	bp.Locations = bp.Locations[:0]
	for _, loc := range result.Locations {
		bp.Locations = append(bp.Locations, ResolvedLocation{
			ScriptID: loc.ScriptID,
			Line:     loc.LineNumber + 1,
			Column:   loc.ColumnNumber,
		})
	}
	bp.Verified = len(bp.Locations) > 0
	r.byInspectorID[result.BreakpointID] = bp.ID
	r.mu.Unlock()
	return nil
}

// translate maps the breakpoint's original position to a generated URL
// and position; with no usable map the original file passes through.
func (r *Registry) translate(bp *Breakpoint) (url string, line, col int) {
	if gen, err := r.maps.OriginalToGenerated(bp.FilePath, bp.Line); err == nil {
		return gen.URL, gen.Line, gen.Column
	}
	return fileURL(bp.FilePath), bp.Line, bp.Column
}

// fileURL spells an absolute path the way Node reports script URLs.
func fileURL(path string) string {
	if strings.HasPrefix(path, "file://") {
		return path
	}
	return "file://" + filepath.ToSlash(filepath.Clean(path))
}

// composeCondition folds the user condition, the hit-count predicate,
// and the log template into the single expression handed to the
// inspector. A logpoint's expression performs the interpolated output
// and yields false so the debuggee never pauses.
func (r *Registry) composeCondition(bp *Breakpoint) string {
	var parts []string
	if bp.Condition != "" {
		parts = append(parts, "("+bp.Condition+")")
	}
	if bp.HitCondition != "" {
		if pred := hitPredicate(bp.ID, bp.HitCondition); pred != "" {
			parts = append(parts, pred)
		}
	}
	if bp.LogMessage != "" {
		parts = append(parts, "("+logExpression(bp.LogMessage)+")")
	}
	return strings.Join(parts, " && ")
}

// hitPredicate embeds a per-breakpoint counter on the debuggee side and
// compares it with the requested operator.
func hitPredicate(id, hitCondition string) string {
	m := hitConditionPattern.FindStringSubmatch(hitCondition)
	if m == nil {
		return ""
	}
	op, value := m[1], m[2]
	counter := fmt.Sprintf(
		"((globalThis.__apexdbgHits=globalThis.__apexdbgHits||{}),"+
			"(globalThis.__apexdbgHits[%q]=(globalThis.__apexdbgHits[%q]||0)+1))",
		id, id)
	if op == "%" {
		return fmt.Sprintf("(%s %% %s === 0)", counter, value)
	}
	if op == "==" {
		op = "==="
	}
	return fmt.Sprintf("(%s %s %s)", counter, op, value)
}

// logExpression builds the console-writing, always-false expression for
// a log template. {expr} tokens interpolate as template-literal
// substitutions evaluated in the paused frame.
func logExpression(template string) string {
	var b strings.Builder
	for i := 0; i < len(template); i++ {
		c := template[i]
		switch c {
		case '{':
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				b.WriteString("\\{")
				continue
			}
			b.WriteString("${")
			b.WriteString(template[i+1 : i+end])
			b.WriteString("}")
			i += end
		case '`', '\\', '$':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return fmt.Sprintf("console.log(`%s`), false", b.String())
}

// ExceptionSpec configures the exception breakpoint variant.
type ExceptionSpec struct {
	BreakOnCaught   bool
	BreakOnUncaught bool
	Filter string // optional exception-name regex
}

// AddException installs the pause-on-exceptions policy.
func (r *Registry) AddException(ctx context.Context, spec ExceptionSpec) (*Breakpoint, error) {
	var filter *regexp.Regexp
	if spec.Filter != "" {
		var err error
		filter, err = regexp.Compile(spec.Filter)
		if err != nil {
			return nil, apexerr.New(apexerr.CodeInvalidArguments,
				"exception filter %q: %v", spec.Filter, err)
		}
	}

	state := "none"
	switch {
	case spec.BreakOnCaught:
		state = "all"
	case spec.BreakOnUncaught:
		state = "uncaught"
	}
	if err := r.client.Call(ctx, "Debugger.setPauseOnExceptions",
		inspector.SetPauseOnExceptionsParams{State: state}, nil); err != nil {
		return nil, err
	}

	r.mu.Lock()
	bp := &Breakpoint{
		ID:              r.nextID("bp"),
		Kind:            BreakpointException,
		Enabled:         true,
		Verified:        true,
		BreakOnCaught:   spec.BreakOnCaught,
		BreakOnUncaught: spec.BreakOnUncaught,
		ExceptionFilter: spec.Filter,
	}
	r.byID[bp.ID] = bp
	r.order = append(r.order, bp.ID)
	r.exceptionFilter = filter
	r.mu.Unlock()

	metrics.Get().BreakpointsSetTotal.WithLabelValues(string(BreakpointException)).Inc()
	return r.snapshot(bp.ID), nil
}

// ExceptionPolicy reports whether an exception pause with the given
// description should hold: false means auto-resume.
func (r *Registry) ExceptionPolicy(description string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := false
	for _, id := range r.order {
		bp := r.byID[id]
		if bp.Kind == BreakpointException && bp.Enabled {
			active = true
			break
		}
	}
	if !active {
		return false
	}
	if r.exceptionFilter == nil {
		return true
	}
	return r.exceptionFilter.MatchString(description)
}

// AddFunction installs a function breakpoint via the command-line API
// debug() helper. Names that are not yet defined verify lazily on a
// later attempt.
func (r *Registry) AddFunction(ctx context.Context, nameOrPattern string) (*Breakpoint, error) {
	if nameOrPattern == "" {
		return nil, apexerr.New(apexerr.CodeInvalidArguments, "function breakpoint needs a name")
	}

	r.mu.Lock()
	bp := &Breakpoint{
		ID:           r.nextID("bp"),
		Kind:         BreakpointFunction,
		FunctionName: nameOrPattern,
		Enabled:      true,
	}
	r.byID[bp.ID] = bp
	r.order = append(r.order, bp.ID)
	r.mu.Unlock()

	r.tryBindFunction(ctx, bp)
	metrics.Get().BreakpointsSetTotal.WithLabelValues(string(BreakpointFunction)).Inc()
	return r.snapshot(bp.ID), nil
}

func (r *Registry) tryBindFunction(ctx context.Context, bp *Breakpoint) {
	expr := fmt.Sprintf("typeof %s === 'function' ? (debug(%s), true) : false",
		bp.FunctionName, bp.FunctionName)
	var result inspector.EvaluateResult
	err := r.client.Call(ctx, "Runtime.evaluate", inspector.RuntimeEvaluateParams{
		Expression:            expr,
		IncludeCommandLineAPI: true,
	}, &result)
	if err != nil || result.ExceptionDetails != nil {
		return
	}
	if string(result.Result.Value) == "true" {
		r.mu.Lock()
		bp.Verified = true
		r.mu.Unlock()
	}
}

// Remove drops a breakpoint, removing the inspector-side binding when
// one exists. Removing a missing id reports BreakpointNotFound.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	bp, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		for i, oid := range r.order {
			if oid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		if bp.InspectorID != "" {
			delete(r.byInspectorID, bp.InspectorID)
		}
	}
	r.mu.Unlock()

	if !ok {
		return apexerr.New(apexerr.CodeBreakpointNotFound, "no breakpoint %q", id)
	}

	r.uninstall(ctx, bp)
	return nil
}

func (r *Registry) uninstall(ctx context.Context, bp *Breakpoint) {
	switch bp.Kind {
	case BreakpointException:
		if err := r.client.Call(ctx, "Debugger.setPauseOnExceptions",
			inspector.SetPauseOnExceptionsParams{State: "none"}, nil); err != nil {
			r.log.Debug("setPauseOnExceptions(none) failed", zap.Error(err))
		}
		r.mu.Lock()
		r.exceptionFilter = nil
		r.mu.Unlock()
	case BreakpointFunction:
		expr := fmt.Sprintf("typeof %s === 'function' && undebug(%s)",
			bp.FunctionName, bp.FunctionName)
		_ = r.client.Call(ctx, "Runtime.evaluate", inspector.RuntimeEvaluateParams{
			Expression:            expr,
			IncludeCommandLineAPI: true,
		}, nil)
	default:
		if bp.InspectorID != "" {
			if err := r.client.Call(ctx, "Debugger.removeBreakpoint",
				inspector.RemoveBreakpointParams{BreakpointID: bp.InspectorID}, nil); err != nil {
				r.log.Debug("removeBreakpoint failed",
					zap.String("breakpoint", bp.ID), zap.Error(err))
			}
		}
	}
}

// Toggle flips the enabled flag. Disabling removes the inspector-side
// breakpoint; enabling re-adds it. The local id is preserved.
func (r *Registry) Toggle(ctx context.Context, id string) (*Breakpoint, error) {
	r.mu.Lock()
	bp, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil, apexerr.New(apexerr.CodeBreakpointNotFound, "no breakpoint %q", id)
	}
	enabling := !bp.Enabled
	bp.Enabled = enabling
	inspectorID := bp.InspectorID
	if !enabling {
		bp.InspectorID = ""
		bp.Verified = false
		bp.Locations = nil
		if inspectorID != "" {
			delete(r.byInspectorID, inspectorID)
		}
	}
	r.mu.Unlock()

	if enabling {
		switch bp.Kind {
		case BreakpointException:
			state := "uncaught"
			if bp.BreakOnCaught {
				state = "all"
			}
			if err := r.client.Call(ctx, "Debugger.setPauseOnExceptions",
				inspector.SetPauseOnExceptionsParams{State: state}, nil); err != nil {
				return nil, err
			}
		case BreakpointFunction:
			r.tryBindFunction(ctx, bp)
		default:
			if err := r.install(ctx, bp); err != nil {
				return nil, err
			}
		}
	} else {
		toRemove := *bp
		toRemove.InspectorID = inspectorID
		r.uninstall(ctx, &toRemove)
	}
	return r.snapshot(id), nil
}

// List returns a stable-order snapshot of the registry.
func (r *Registry) List() []Breakpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Breakpoint, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	return out
}

// Get returns a snapshot of one breakpoint.
func (r *Registry) Get(id string) (*Breakpoint, bool) {
	bp := r.snapshot(id)
	return bp, bp != nil
}

func (r *Registry) snapshot(id string) *Breakpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	bp, ok := r.byID[id]
	if !ok {
		return nil
	}
	cp := *bp
	cp.Locations = append([]ResolvedLocation(nil), bp.Locations...)
	return &cp
}

// RecordHit bumps hit counters for the inspector breakpoint ids
// reported by a pause, returning the local ids that matched. Called by
// the session dispatcher before waiters observe the pause.
func (r *Registry) RecordHit(inspectorIDs []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var hit []string
	for _, iid := range inspectorIDs {
		if localID, ok := r.byInspectorID[iid]; ok {
			r.byID[localID].HitCount++
			hit = append(hit, localID)
			metrics.Get().BreakpointHitsTotal.Inc()
		}
	}
	return hit
}

// HandleResolved records a Debugger.breakpointResolved notification.
func (r *Registry) HandleResolved(inspectorID string, loc inspector.Location) (localID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	localID, ok = r.byInspectorID[inspectorID]
	if !ok {
		return "", false
	}
	bp := r.byID[localID]
	bp.Locations = append(bp.Locations, ResolvedLocation{
		ScriptID: loc.ScriptID,
		Line:     loc.LineNumber + 1,
		Column:   loc.ColumnNumber,
	})
	bp.Verified = true
	return localID, true
}

// OnScriptParsed rebinds breakpoints whose original file only now
// gained a source map, and retries unverified function breakpoints.
func (r *Registry) OnScriptParsed(ctx context.Context) {
	r.mu.Lock()
	var rebind []*Breakpoint
	for _, id := range r.order {
		bp := r.byID[id]
		if !bp.Enabled {
			continue
		}
		switch bp.Kind {
		case BreakpointLine, BreakpointLogpoint:
			if !bp.Verified {
				rebind = append(rebind, bp)
			}
		case BreakpointFunction:
			if !bp.Verified {
				rebind = append(rebind, bp)
			}
		}
	}
	r.mu.Unlock()

	for _, bp := range rebind {
		if bp.Kind == BreakpointFunction {
			r.tryBindFunction(ctx, bp)
			continue
		}
		// Only re-issue when a source map now covers the original file.
		if _, err := r.maps.OriginalToGenerated(bp.FilePath, bp.Line); err != nil {
			continue
		}
		old := bp.InspectorID
		if err := r.install(ctx, bp); err != nil {
			continue
		}
		if old != "" && old != bp.InspectorID {
			_ = r.client.Call(ctx, "Debugger.removeBreakpoint",
				inspector.RemoveBreakpointParams{BreakpointID: old}, nil)
			r.mu.Lock()
			delete(r.byInspectorID, old)
			r.mu.Unlock()
		}
	}
}

// RemoveAll best-effort removes every inspector-side breakpoint; part
// of the session destruction sequence.
func (r *Registry) RemoveAll(ctx context.Context) {
	r.mu.Lock()
	bps := make([]*Breakpoint, 0, len(r.order))
	for _, id := range r.order {
		cp := *r.byID[id]
		bps = append(bps, &cp)
	}
	r.byID = make(map[string]*Breakpoint)
	r.byInspectorID = make(map[string]string)
	r.order = nil
	r.mu.Unlock()

	for _, bp := range bps {
		if bp.Enabled {
			r.uninstall(ctx, bp)
		}
	}
}

// parseHitValue is used by tests to validate predicate composition.
func parseHitValue(hitCondition string) (op string, n int, ok bool) {
	m := hitConditionPattern.FindStringSubmatch(hitCondition)
	if m == nil {
		return "", 0, false
	}
	v, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], v, true
}
