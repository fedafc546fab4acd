// apex-debug Debugging API Handlers
// REST and WebSocket endpoints mirroring the tool surface for
// dashboards and manual drivers.

package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"apex-debug/internal/apexerr"
	"apex-debug/internal/debugging"
	"apex-debug/internal/eventhub"
	"apex-debug/internal/hangdetect"
	"apex-debug/internal/testrunner"
)

// DebuggingHandler handles debugging API requests
type DebuggingHandler struct {
	manager  *debugging.Manager
	detector *hangdetect.Detector
	hub      *eventhub.Hub
}

// NewDebuggingHandler creates a new debugging handler
func NewDebuggingHandler(manager *debugging.Manager, detector *hangdetect.Detector, hub *eventhub.Hub) *DebuggingHandler {
	return &DebuggingHandler{
		manager:  manager,
		detector: detector,
		hub:      hub,
	}
}

// RegisterRoutes mounts the debugging API on a router group.
func (h *DebuggingHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.StartSession)
	r.GET("/sessions/:id", h.GetSession)
	r.DELETE("/sessions/:id", h.StopSession)

	r.POST("/sessions/:id/breakpoints", h.SetBreakpoint)
	r.GET("/sessions/:id/breakpoints", h.ListBreakpoints)
	r.DELETE("/sessions/:id/breakpoints/:bp", h.RemoveBreakpoint)
	r.POST("/sessions/:id/breakpoints/:bp/toggle", h.ToggleBreakpoint)

	r.POST("/sessions/:id/resume", h.control((*debugging.Session).Resume))
	r.POST("/sessions/:id/pause", h.control((*debugging.Session).Pause))
	r.POST("/sessions/:id/step-over", h.step((*debugging.Session).StepOver))
	r.POST("/sessions/:id/step-into", h.step((*debugging.Session).StepInto))
	r.POST("/sessions/:id/step-out", h.step((*debugging.Session).StepOut))

	r.POST("/sessions/:id/evaluate", h.Evaluate)
	r.GET("/sessions/:id/stack", h.GetStack)
	r.POST("/sessions/:id/frame", h.SelectFrame)
	r.GET("/sessions/:id/locals", h.GetLocals)
	r.GET("/sessions/:id/globals", h.GetGlobals)
	r.GET("/sessions/:id/output", h.GetOutput)

	r.POST("/sessions/:id/watches", h.AddWatch)
	r.GET("/sessions/:id/watches", h.GetWatches)
	r.DELETE("/sessions/:id/watches/:watch", h.RemoveWatch)

	r.POST("/detect-hang", h.DetectHang)
	r.POST("/run-tests", h.RunTests)
}

// RegisterEventStream mounts the per-session WebSocket event stream.
func (h *DebuggingHandler) RegisterEventStream(r *gin.Engine) {
	r.GET("/ws/debug/:id", func(c *gin.Context) {
		sessionID := c.Param("id")
		if _, err := h.manager.Get(sessionID); err != nil {
			respondError(c, err)
			return
		}
		h.hub.ServeWS(c.Writer, c.Request, sessionID)
	})
}

func respondError(c *gin.Context, err error) {
	code := apexerr.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apexerr.CodeSessionNotFound, apexerr.CodeBreakpointNotFound, apexerr.CodeWatchNotFound:
		status = http.StatusNotFound
	case apexerr.CodeInvalidArguments, apexerr.CodeInvalidLocation, apexerr.CodeFrameOutOfRange,
		apexerr.CodeNotPaused, apexerr.CodeNotRunning, apexerr.CodeStaleHandle, apexerr.CodeEvalFailed:
		status = http.StatusBadRequest
	case apexerr.CodeTimeout:
		status = http.StatusGatewayTimeout
	}

	body := gin.H{"status": "error", "code": string(code), "message": err.Error()}
	var ae *apexerr.Error
	if errors.As(err, &ae) && len(ae.Context) > 0 {
		body["context"] = ae.Context
	}
	c.JSON(status, body)
}

func respond(c *gin.Context, fields gin.H) {
	if fields == nil {
		fields = gin.H{}
	}
	fields["status"] = "success"
	c.JSON(http.StatusOK, fields)
}

func (h *DebuggingHandler) session(c *gin.Context) (*debugging.Session, bool) {
	session, err := h.manager.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return session, true
}

// StartSessionRequest represents the request to start a debug session
type StartSessionRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args" binding:"required"`
	Cwd     string   `json:"cwd"`
	Env     []string `json:"env"`
}

// StartSession starts a new debugging session
// POST /api/v1/debug/sessions
func (h *DebuggingHandler) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apexerr.New(apexerr.CodeInvalidArguments, "invalid request: %v", err))
		return
	}

	session, err := h.manager.Create(c.Request.Context(), debugging.SessionConfig{
		Command: req.Command,
		Args:    req.Args,
		Cwd:     req.Cwd,
		Env:     req.Env,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, gin.H{
		"session_id":    session.ID,
		"state":         session.Status(),
		"websocket_url": "/ws/debug/" + session.ID,
	})
}

// GetSession returns a debug session's state
// GET /api/v1/debug/sessions/:id
func (h *DebuggingHandler) GetSession(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	respond(c, gin.H{
		"session_id":  session.ID,
		"state":       session.Status(),
		"breakpoints": session.ListBreakpoints(),
	})
}

// StopSession stops a debugging session
// DELETE /api/v1/debug/sessions/:id
func (h *DebuggingHandler) StopSession(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	session.Stop(c.Request.Context())
	respond(c, gin.H{"session_id": session.ID})
}

// SetBreakpointRequest covers the line breakpoint variants.
type SetBreakpointRequest struct {
	File         string `json:"file" binding:"required"`
	Line         int    `json:"line" binding:"required"`
	Column       int    `json:"column"`
	Condition    string `json:"condition"`
	HitCondition string `json:"hit_condition"`
	LogMessage   string `json:"log_message"`
}

// SetBreakpoint registers a breakpoint or logpoint
// POST /api/v1/debug/sessions/:id/breakpoints
func (h *DebuggingHandler) SetBreakpoint(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var req SetBreakpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apexerr.New(apexerr.CodeInvalidArguments, "invalid request: %v", err))
		return
	}

	bp, err := session.SetBreakpoint(c.Request.Context(), debugging.AddSpec{
		FilePath:     req.File,
		Line:         req.Line,
		Column:       req.Column,
		Condition:    req.Condition,
		HitCondition: req.HitCondition,
		LogMessage:   req.LogMessage,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, gin.H{"breakpoint": bp})
}

// ListBreakpoints snapshots the registry
// GET /api/v1/debug/sessions/:id/breakpoints
func (h *DebuggingHandler) ListBreakpoints(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	respond(c, gin.H{"breakpoints": session.ListBreakpoints()})
}

// RemoveBreakpoint drops a breakpoint
// DELETE /api/v1/debug/sessions/:id/breakpoints/:bp
func (h *DebuggingHandler) RemoveBreakpoint(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	if err := session.RemoveBreakpoint(c.Request.Context(), c.Param("bp")); err != nil {
		respondError(c, err)
		return
	}
	respond(c, gin.H{"breakpoint_id": c.Param("bp")})
}

// ToggleBreakpoint flips the enabled flag
// POST /api/v1/debug/sessions/:id/breakpoints/:bp/toggle
func (h *DebuggingHandler) ToggleBreakpoint(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	bp, err := session.ToggleBreakpoint(c.Request.Context(), c.Param("bp"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, gin.H{"breakpoint": bp})
}

// control builds a handler for resume/pause.
func (h *DebuggingHandler) control(op func(*debugging.Session, context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, ok := h.session(c)
		if !ok {
			return
		}
		if err := op(session, c.Request.Context()); err != nil {
			respondError(c, err)
			return
		}
		respond(c, gin.H{"state": session.Status()})
	}
}

// step builds a handler for the step variants.
func (h *DebuggingHandler) step(op func(*debugging.Session, context.Context) (*debugging.StackFrame, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, ok := h.session(c)
		if !ok {
			return
		}
		frame, err := op(session, c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		var location interface{}
		if frame != nil {
			location = frame
		}
		respond(c, gin.H{"state": session.Status(), "location": location})
	}
}

// Evaluate runs an expression in the selected frame
// POST /api/v1/debug/sessions/:id/evaluate
func (h *DebuggingHandler) Evaluate(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var req struct {
		Expression string `json:"expression" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apexerr.New(apexerr.CodeInvalidArguments, "invalid request: %v", err))
		return
	}
	value, err := session.Evaluate(c.Request.Context(), req.Expression)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, gin.H{"value": value.Value, "type": value.Type, "tag": value.Tag, "object_id": value.ObjectID})
}

// GetStack snapshots the call stack
// GET /api/v1/debug/sessions/:id/stack
func (h *DebuggingHandler) GetStack(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	stack, err := session.GetStack()
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, gin.H{"stack": stack, "selected_frame": session.SelectedFrame()})
}

// SelectFrame binds subsequent scope queries to a frame
// POST /api/v1/debug/sessions/:id/frame
func (h *DebuggingHandler) SelectFrame(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var req struct {
		Index *int `json:"index" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Index == nil {
		respondError(c, apexerr.New(apexerr.CodeInvalidArguments, "index is required"))
		return
	}
	if err := session.SelectFrame(*req.Index); err != nil {
		respondError(c, err)
		return
	}
	respond(c, gin.H{"selected_frame": *req.Index})
}

// GetLocals returns the selected frame's locals
// GET /api/v1/debug/sessions/:id/locals
func (h *DebuggingHandler) GetLocals(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	vars, err := session.GetLocals(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, gin.H{"locals": vars})
}

// GetGlobals returns globals minus the deny-list
// GET /api/v1/debug/sessions/:id/globals
func (h *DebuggingHandler) GetGlobals(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	vars, err := session.GetGlobals(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, gin.H{"globals": vars})
}

// GetOutput returns the captured output stream
// GET /api/v1/debug/sessions/:id/output
func (h *DebuggingHandler) GetOutput(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	respond(c, gin.H{"output": session.CapturedOutput()})
}

// AddWatch registers a watch expression
// POST /api/v1/debug/sessions/:id/watches
func (h *DebuggingHandler) AddWatch(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var req struct {
		Expression string `json:"expression" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apexerr.New(apexerr.CodeInvalidArguments, "invalid request: %v", err))
		return
	}
	respond(c, gin.H{"watch": session.AddWatch(c.Request.Context(), req.Expression)})
}

// GetWatches returns watch values with change records
// GET /api/v1/debug/sessions/:id/watches
func (h *DebuggingHandler) GetWatches(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	respond(c, gin.H{"watches": session.GetWatches()})
}

// RemoveWatch drops a watch
// DELETE /api/v1/debug/sessions/:id/watches/:watch
func (h *DebuggingHandler) RemoveWatch(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	if err := session.RemoveWatch(c.Param("watch")); err != nil {
		respondError(c, err)
		return
	}
	respond(c, gin.H{"watch_id": c.Param("watch")})
}

// DetectHangRequest mirrors the detector options.
type DetectHangRequest struct {
	Command          string   `json:"command"`
	Args             []string `json:"args" binding:"required"`
	Cwd              string   `json:"cwd"`
	TimeoutMs        int      `json:"timeout" binding:"required"`
	SampleIntervalMs int      `json:"sample_interval"`
}

// DetectHang classifies a run as completed, looping, or hung
// POST /api/v1/debug/detect-hang
func (h *DebuggingHandler) DetectHang(c *gin.Context) {
	var req DetectHangRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apexerr.New(apexerr.CodeInvalidArguments, "invalid request: %v", err))
		return
	}

	result, err := h.detector.Detect(c.Request.Context(), hangdetect.Options{
		Command:        req.Command,
		Args:           req.Args,
		Cwd:            req.Cwd,
		Timeout:        time.Duration(req.TimeoutMs) * time.Millisecond,
		SampleInterval: time.Duration(req.SampleIntervalMs) * time.Millisecond,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, gin.H{
		"hung":      result.Hung || result.Loop,
		"loop":      result.Loop,
		"completed": result.Completed,
		"exit_code": result.ExitCode,
		"location":  result.Location,
		"stack":     result.Stack,
		"duration":  result.Duration.Milliseconds(),
	})
}

// RunTestsRequest names the harness and its arguments.
type RunTestsRequest struct {
	Framework string   `json:"framework" binding:"required"`
	Cwd       string   `json:"cwd"`
	Args      []string `json:"args"`
	TimeoutMs int      `json:"timeout"`
}

// RunTests executes a test harness under the inspector
// POST /api/v1/debug/run-tests
func (h *DebuggingHandler) RunTests(c *gin.Context) {
	var req RunTestsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apexerr.New(apexerr.CodeInvalidArguments, "invalid request: %v", err))
		return
	}

	summary, err := testrunner.Run(c.Request.Context(), h.manager, testrunner.Options{
		Framework: testrunner.Framework(req.Framework),
		Cwd:       req.Cwd,
		Args:      req.Args,
		Timeout:   time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, gin.H{
		"passed":    summary.Passed,
		"failed":    summary.Failed,
		"failures":  summary.Failures,
		"exit_code": summary.ExitCode,
		"output":    summary.Output,
		"duration":  summary.Duration.Milliseconds(),
	})
}
