// Package controller exposes the sandbox over HTTP.
package controller

import (
	"context"
	"net/http"

	"codesandbox/internal/sandbox"
	"codesandbox/internal/sandbox/result"
	appErr "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Executor runs submissions to a verdict.
type Executor interface {
	ExecuteSubmission(ctx context.Context, req sandbox.SubmissionRequest) result.Verdict
	Cancel(submissionID string) bool
	Backend() string
}

// ExecuteRequest is the body of an execute call.
type ExecuteRequest struct {
	SubmissionID string   `json:"submissionId"`
	Code         string   `json:"code" binding:"required"`
	Language     string   `json:"language" binding:"required"`
	Inputs       []string `json:"inputs"`
	// InputList is the /executeCode spelling of Inputs, used when Inputs is empty.
	InputList     []string `json:"inputList,omitempty"`
	TimeLimitMs   int64    `json:"timeLimitMs"`
	MemoryLimitMB int64    `json:"memoryLimitMb"`
}

func (r ExecuteRequest) submission() sandbox.SubmissionRequest {
	inputs := r.Inputs
	if len(inputs) == 0 {
		inputs = r.InputList
	}
	return sandbox.SubmissionRequest{
		SubmissionID:  r.SubmissionID,
		SourceCode:    r.Code,
		Language:      r.Language,
		Inputs:        inputs,
		TimeLimitMs:   r.TimeLimitMs,
		MemoryLimitMB: r.MemoryLimitMB,
	}
}

// SandboxController handles sandbox HTTP endpoints.
type SandboxController struct {
	exec      Executor
	languages []string
}

// NewSandboxController creates a controller. languages is reported by the
// languages endpoint.
func NewSandboxController(exec Executor, languages []string) *SandboxController {
	return &SandboxController{exec: exec, languages: languages}
}

// Register mounts the routes on r. guards run before the execute, cancel and
// stream handlers only.
func (h *SandboxController) Register(r gin.IRouter, guards ...gin.HandlerFunc) {
	r.GET("/health", h.Health)

	execute := append(append([]gin.HandlerFunc{}, guards...), h.Execute)
	r.POST("/api/v1/sandbox/execute", execute...)
	r.POST("/executeCode", execute...)

	cancel := append(append([]gin.HandlerFunc{}, guards...), h.Cancel)
	r.DELETE("/api/v1/sandbox/submissions/:id", cancel...)

	stream := append(append([]gin.HandlerFunc{}, guards...), h.Stream)
	r.GET("/api/v1/sandbox/ws", stream...)

	r.GET("/api/v1/sandbox/languages", h.Languages)
}

// Execute runs one submission synchronously. Any verdict, including a sandbox
// error, is a successful call; only malformed requests fail.
func (h *SandboxController) Execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	v := h.exec.ExecuteSubmission(c.Request.Context(), req.submission())
	response.Success(c, sandbox.NewResponse(v))
}

// Cancel aborts a running submission.
func (h *SandboxController) Cancel(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	if !h.exec.Cancel(id) {
		response.Error(c, appErr.Newf(appErr.NotFound, "submission %s is not running", id))
		return
	}
	response.Success(c, gin.H{"submissionId": id, "cancelled": true})
}

// Languages lists the configured language ids.
func (h *SandboxController) Languages(c *gin.Context) {
	response.Success(c, h.languages)
}

// Health reports liveness.
func (h *SandboxController) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "backend": h.exec.Backend()})
}
