// apex-debug CDP domain types
// The slice of Debugger/Runtime domain structures this debugger speaks.

package inspector

import "encoding/json"

// Location is a generated-code position. Lines and columns are 0-based
// on the wire.
type Location struct {
	ScriptID     string `json:"scriptId"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber,omitempty"`
}

// RemoteObject mirrors Runtime.RemoteObject.
type RemoteObject struct {
	Type                string          `json:"type"`
	Subtype             string          `json:"subtype,omitempty"`
	ClassName           string          `json:"className,omitempty"`
	Value               json.RawMessage `json:"value,omitempty"`
	UnserializableValue string          `json:"unserializableValue,omitempty"`
	Description         string          `json:"description,omitempty"`
	ObjectID            string          `json:"objectId,omitempty"`
}

// Scope mirrors Debugger.Scope.
type Scope struct {
	Type   string       `json:"type"`
	Object RemoteObject `json:"object"`
	Name   string       `json:"name,omitempty"`
}

// CallFrame mirrors Debugger.CallFrame.
type CallFrame struct {
	CallFrameID  string       `json:"callFrameId"`
	FunctionName string       `json:"functionName"`
	Location     Location     `json:"location"`
	URL          string       `json:"url"`
	ScopeChain   []Scope      `json:"scopeChain"`
	This         RemoteObject `json:"this"`
}

// ExceptionDetails mirrors Runtime.ExceptionDetails.
type ExceptionDetails struct {
	ExceptionID  int           `json:"exceptionId"`
	Text         string        `json:"text"`
	LineNumber   int           `json:"lineNumber"`
	ColumnNumber int           `json:"columnNumber"`
	ScriptID     string        `json:"scriptId,omitempty"`
	URL          string        `json:"url,omitempty"`
	Exception    *RemoteObject `json:"exception,omitempty"`
}

// PropertyDescriptor mirrors Runtime.PropertyDescriptor.
type PropertyDescriptor struct {
	Name       string        `json:"name"`
	Value      *RemoteObject `json:"value,omitempty"`
	Writable   bool          `json:"writable,omitempty"`
	Enumerable bool          `json:"enumerable"`
	IsOwn      bool          `json:"isOwn,omitempty"`
}

// Event payloads.

// PausedEvent is Debugger.paused.
type PausedEvent struct {
	CallFrames     []CallFrame     `json:"callFrames"`
	Reason         string          `json:"reason"`
	Data           json.RawMessage `json:"data,omitempty"`
	HitBreakpoints []string        `json:"hitBreakpoints,omitempty"`
}

// ScriptParsedEvent is Debugger.scriptParsed.
type ScriptParsedEvent struct {
	ScriptID     string `json:"scriptId"`
	URL          string `json:"url"`
	SourceMapURL string `json:"sourceMapURL,omitempty"`
}

// ConsoleAPICalledEvent is Runtime.consoleAPICalled.
type ConsoleAPICalledEvent struct {
	Type string         `json:"type"`
	Args []RemoteObject `json:"args"`
}

// ExceptionThrownEvent is Runtime.exceptionThrown.
type ExceptionThrownEvent struct {
	Timestamp        float64          `json:"timestamp"`
	ExceptionDetails ExceptionDetails `json:"exceptionDetails"`
}

// Command params/results.

// SetBreakpointByURLParams is Debugger.setBreakpointByUrl.
type SetBreakpointByURLParams struct {
	LineNumber   int    `json:"lineNumber"`
	URL          string `json:"url,omitempty"`
	URLRegex     string `json:"urlRegex,omitempty"`
	ColumnNumber int    `json:"columnNumber,omitempty"`
	Condition    string `json:"condition,omitempty"`
}

// SetBreakpointByURLResult carries the inspector breakpoint id and the
// generated locations it resolved to.
type SetBreakpointByURLResult struct {
	BreakpointID string     `json:"breakpointId"`
	Locations    []Location `json:"locations"`
}

// RemoveBreakpointParams is Debugger.removeBreakpoint.
type RemoveBreakpointParams struct {
	BreakpointID string `json:"breakpointId"`
}

// SetPauseOnExceptionsParams is Debugger.setPauseOnExceptions.
// State is one of "none", "caught", "uncaught", "all".
type SetPauseOnExceptionsParams struct {
	State string `json:"state"`
}

// EvaluateOnCallFrameParams is Debugger.evaluateOnCallFrame.
type EvaluateOnCallFrameParams struct {
	CallFrameID   string `json:"callFrameId"`
	Expression    string `json:"expression"`
	ReturnByValue bool   `json:"returnByValue,omitempty"`
	GeneratePreview bool `json:"generatePreview,omitempty"`
}

// EvaluateResult is shared by Debugger.evaluateOnCallFrame and
// Runtime.evaluate.
type EvaluateResult struct {
	Result           RemoteObject      `json:"result"`
	ExceptionDetails *ExceptionDetails `json:"exceptionDetails,omitempty"`
}

// RuntimeEvaluateParams is Runtime.evaluate.
type RuntimeEvaluateParams struct {
	Expression            string `json:"expression"`
	ReturnByValue         bool   `json:"returnByValue,omitempty"`
	IncludeCommandLineAPI bool   `json:"includeCommandLineAPI,omitempty"`
}

// BreakpointResolvedEvent is Debugger.breakpointResolved.
type BreakpointResolvedEvent struct {
	BreakpointID string   `json:"breakpointId"`
	Location     Location `json:"location"`
}

// GetPropertiesParams is Runtime.getProperties.
type GetPropertiesParams struct {
	ObjectID               string `json:"objectId"`
	OwnProperties          bool   `json:"ownProperties,omitempty"`
	AccessorPropertiesOnly bool   `json:"accessorPropertiesOnly,omitempty"`
	GeneratePreview        bool   `json:"generatePreview,omitempty"`
}

// GetPropertiesResult is the Runtime.getProperties reply.
type GetPropertiesResult struct {
	Result           []PropertyDescriptor `json:"result"`
	ExceptionDetails *ExceptionDetails    `json:"exceptionDetails,omitempty"`
}

// GetScriptSourceParams is Debugger.getScriptSource.
type GetScriptSourceParams struct {
	ScriptID string `json:"scriptId"`
}

// GetScriptSourceResult is the Debugger.getScriptSource reply.
type GetScriptSourceResult struct {
	ScriptSource string `json:"scriptSource"`
}
