package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/scribeworks/controlplane/internal/domain"
	"github.com/scribeworks/controlplane/internal/httpapi/middleware"
	"github.com/scribeworks/controlplane/internal/httpapi/response"
	"github.com/scribeworks/controlplane/internal/logger"
	"github.com/scribeworks/controlplane/internal/orchestrator"
)

// RunnersHandler is the runner-facing half of spec.md §6's HTTP
// surface: register/unregister/retrieve_job_info/retrieve_job_audio/
// submit_job_result/heartbeat.
type RunnersHandler struct {
	log     *logger.Logger
	session *orchestrator.RunnerSessionManager
}

func NewRunnersHandler(log *logger.Logger, session *orchestrator.RunnerSessionManager) *RunnersHandler {
	return &RunnersHandler{log: log.With("handler", "RunnersHandler"), session: session}
}

// Register handles POST /runners/register (runner token auth).
func (h *RunnersHandler) Register(c *gin.Context) {
	var req struct {
		Name      string `json:"name" binding:"required"`
		Version   string `json:"version"`
		GitHash   string `json:"git_hash"`
		SourceURL string `json:"source_url"`
		Priority  int64  `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "validation", err)
		return
	}
	runnerToken := extractBearer(c)
	if runnerToken == "" {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	id, sessionToken, err := h.session.Register(c.Request.Context(), runnerToken, req.Name, req.Version, req.GitHash, req.SourceURL, req.Priority)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"id": id, "session_token": sessionToken})
}

// Unregister handles POST /runners/unregister.
func (h *RunnersHandler) Unregister(c *gin.Context) {
	if err := h.session.Unregister(c.Request.Context(), middleware.RunnerID(c), middleware.SessionToken(c)); err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"status": "offline"})
}

// RetrieveJobInfo handles GET /runners/retrieve_job_info.
func (h *RunnersHandler) RetrieveJobInfo(c *gin.Context) {
	job, settings, err := h.session.RetrieveJobInfo(c.Request.Context(), middleware.RunnerID(c), middleware.SessionToken(c))
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"id": job.ID, "settings": json.RawMessage(rawSettings(settings))})
}

// RetrieveJobAudio handles POST /runners/retrieve_job_audio, streaming
// the blob and flipping the runner to IN_PROGRESS.
func (h *RunnersHandler) RetrieveJobAudio(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "application/octet-stream")
	if err := h.session.RetrieveJobAudio(c.Request.Context(), middleware.RunnerID(c), middleware.SessionToken(c), c.Writer); err != nil {
		response.RespondFromError(c, err)
		return
	}
}

// SubmitJobResult handles POST /runners/submit_job_result.
func (h *RunnersHandler) SubmitJobResult(c *gin.Context) {
	var req struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"error_msg"`
		AsTXT    string `json:"as_txt"`
		AsSRT    string `json:"as_srt"`
		AsTSV    string `json:"as_tsv"`
		AsVTT    string `json:"as_vtt"`
		AsJSON   []byte `json:"as_json"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "validation", err)
		return
	}
	transcript := domain.Transcript{AsTXT: req.AsTXT, AsSRT: req.AsSRT, AsTSV: req.AsTSV, AsVTT: req.AsVTT, AsJSON: req.AsJSON}
	if err := h.session.SubmitResult(c.Request.Context(), middleware.RunnerID(c), middleware.SessionToken(c), req.Success, transcript, req.ErrorMsg); err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"status": "recorded"})
}

// Heartbeat handles POST /runners/heartbeat.
func (h *RunnersHandler) Heartbeat(c *gin.Context) {
	var req struct {
		Progress float64 `json:"progress"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "validation", err)
		return
	}
	abort, jobAssigned, err := h.session.Heartbeat(c.Request.Context(), middleware.RunnerID(c), middleware.SessionToken(c), req.Progress)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"abort": abort, "job_assigned": jobAssigned})
}

func extractBearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}

func rawSettings(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return bytes.TrimSpace(b)
}
