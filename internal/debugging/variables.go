// apex-debug Variable Inspector
// Frame-scoped evaluation and lazy, depth-bounded property resolution.

package debugging

import (
	"context"
	"sync"

	"apex-debug/internal/apexerr"
	"apex-debug/internal/inspector"
	"apex-debug/internal/sourcemap"
)

// globalsDenyList hides implementation-provided globals from
// GetGlobals output.
var globalsDenyList = map[string]bool{
	"console": true,
	"process": true,
	"Buffer":  true,
	"global":  true,
	"require": true,
}

// VariableInspector evaluates expressions and resolves properties
// against one inspector connection. Object handles it hands out are
// invalidated wholesale on every resume.
type VariableInspector struct {
	client *inspector.Client
	maps   *sourcemap.Index

	mu         sync.Mutex
	generation int64
	handles    map[string]int64 // objectId → generation it was handed out in

	sourceMu     sync.Mutex
	scriptSource map[string]string
}

// NewVariableInspector builds an inspector over one client.
func NewVariableInspector(client *inspector.Client, maps *sourcemap.Index) *VariableInspector {
	return &VariableInspector{
		client:       client,
		maps:         maps,
		handles:      make(map[string]int64),
		scriptSource: make(map[string]string),
	}
}

// InvalidateHandles marks every outstanding object reference stale.
// Called by the session dispatcher on resume.
func (v *VariableInspector) InvalidateHandles() {
	v.mu.Lock()
	v.generation++
	v.handles = make(map[string]int64)
	v.mu.Unlock()
}

func (v *VariableInspector) register(objectID string) {
	if objectID == "" {
		return
	}
	v.mu.Lock()
	v.handles[objectID] = v.generation
	v.mu.Unlock()
}

func (v *VariableInspector) checkHandle(objectID string) error {
	v.mu.Lock()
	gen, ok := v.handles[objectID]
	current := v.generation
	v.mu.Unlock()
	if !ok || gen != current {
		return apexerr.New(apexerr.CodeStaleHandle,
			"object handle is no longer valid").WithContext("objectId", objectID)
	}
	return nil
}

// Evaluate runs an expression in the given frame. With byValue the
// result is materialized as a primitive (or comes back tagged
// unserializable, without an error); otherwise object references are
// returned and registered.
func (v *VariableInspector) Evaluate(ctx context.Context, frame *StackFrame, expression string, byValue bool) (Variable, error) {
	var result inspector.EvaluateResult
	err := v.client.Call(ctx, "Debugger.evaluateOnCallFrame", inspector.EvaluateOnCallFrameParams{
		CallFrameID:   frame.CallFrameID,
		Expression:    expression,
		ReturnByValue: byValue,
	}, &result)
	if err != nil {
		return Variable{}, err
	}
	if result.ExceptionDetails != nil {
		msg := result.ExceptionDetails.Text
		if result.ExceptionDetails.Exception != nil && result.ExceptionDetails.Exception.Description != "" {
			msg = result.ExceptionDetails.Exception.Description
		}
		return Variable{}, apexerr.New(apexerr.CodeEvalFailed, "%s", msg).
			WithContext("expression", expression)
	}

	out := variableFromRemoteObject(expression, result.Result)
	v.register(out.ObjectID)
	return out, nil
}

// Properties returns the own enumerable properties of an object,
// recursing to maxDepth. Cycles are cut by the visited objectId set; a
// maxDepth < 1 means a single level.
func (v *VariableInspector) Properties(ctx context.Context, objectID string, maxDepth int) ([]Variable, error) {
	if err := v.checkHandle(objectID); err != nil {
		return nil, err
	}
	if maxDepth < 1 {
		maxDepth = 1
	}
	visited := map[string]bool{objectID: true}
	return v.properties(ctx, objectID, maxDepth, visited)
}

func (v *VariableInspector) properties(ctx context.Context, objectID string, depth int, visited map[string]bool) ([]Variable, error) {
	var result inspector.GetPropertiesResult
	err := v.client.Call(ctx, "Runtime.getProperties", inspector.GetPropertiesParams{
		ObjectID:      objectID,
		OwnProperties: true,
	}, &result)
	if err != nil {
		return nil, err
	}

	var out []Variable
	for _, prop := range result.Result {
		if !prop.Enumerable || prop.Value == nil {
			continue
		}
		child := variableFromRemoteObject(prop.Name, *prop.Value)
		v.register(child.ObjectID)
		if child.ObjectID != "" && depth > 1 && !visited[child.ObjectID] {
			visited[child.ObjectID] = true
			grandchildren, err := v.properties(ctx, child.ObjectID, depth-1, visited)
			if err == nil {
				child.Children = grandchildren
			}
		}
		out = append(out, child)
	}
	return out, nil
}

// Locals returns the local-scope variables of a frame, with generated
// names translated back through the source map when it covers them.
func (v *VariableInspector) Locals(ctx context.Context, frame *StackFrame) ([]Variable, error) {
	scope := findScope(frame, "local")
	if scope == nil {
		return nil, nil
	}
	vars, err := v.scopeProperties(ctx, scope)
	if err != nil {
		return nil, err
	}
	v.renameLocals(ctx, frame, vars)
	return vars, nil
}

// Globals returns global-scope variables minus the deny-listed
// implementation names.
func (v *VariableInspector) Globals(ctx context.Context, frame *StackFrame) ([]Variable, error) {
	scope := findScope(frame, "global")
	if scope == nil {
		return nil, nil
	}
	vars, err := v.scopeProperties(ctx, scope)
	if err != nil {
		return nil, err
	}
	out := vars[:0]
	for _, item := range vars {
		if globalsDenyList[item.Name] {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (v *VariableInspector) scopeProperties(ctx context.Context, scope *inspector.Scope) ([]Variable, error) {
	if scope.Object.ObjectID == "" {
		return nil, nil
	}
	var result inspector.GetPropertiesResult
	err := v.client.Call(ctx, "Runtime.getProperties", inspector.GetPropertiesParams{
		ObjectID:      scope.Object.ObjectID,
		OwnProperties: true,
	}, &result)
	if err != nil {
		return nil, err
	}
	var out []Variable
	for _, prop := range result.Result {
		if prop.Value == nil {
			continue
		}
		item := variableFromRemoteObject(prop.Name, *prop.Value)
		v.register(item.ObjectID)
		out = append(out, item)
	}
	return out, nil
}

// renameLocals restores original names for minified locals when the
// script's map covers them.
func (v *VariableInspector) renameLocals(ctx context.Context, frame *StackFrame, vars []Variable) {
	if frame.ScriptID == "" {
		return
	}
	source := v.generatedSource(ctx, frame.ScriptID)
	for i := range vars {
		if original, ok := v.maps.NameForGenerated(frame.ScriptID, vars[i].Name, source); ok {
			vars[i].Name = original
		}
	}
}

// generatedSource fetches and caches the generated script body used to
// anchor the map's rename table.
func (v *VariableInspector) generatedSource(ctx context.Context, scriptID string) string {
	v.sourceMu.Lock()
	cached, ok := v.scriptSource[scriptID]
	v.sourceMu.Unlock()
	if ok {
		return cached
	}

	var result inspector.GetScriptSourceResult
	if err := v.client.Call(ctx, "Debugger.getScriptSource",
		inspector.GetScriptSourceParams{ScriptID: scriptID}, &result); err != nil {
		return ""
	}
	v.sourceMu.Lock()
	v.scriptSource[scriptID] = result.ScriptSource
	v.sourceMu.Unlock()
	return result.ScriptSource
}

func findScope(frame *StackFrame, scopeType string) *inspector.Scope {
	for i := range frame.Scopes {
		if frame.Scopes[i].Type == scopeType {
			return &frame.Scopes[i]
		}
	}
	return nil
}
