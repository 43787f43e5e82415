package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/scribeworks/controlplane/internal/dbctx"
	"github.com/scribeworks/controlplane/internal/domain"
	"github.com/scribeworks/controlplane/internal/durable"
	"github.com/scribeworks/controlplane/internal/eventbus"
	"github.com/scribeworks/controlplane/internal/httpapi/middleware"
	"github.com/scribeworks/controlplane/internal/httpapi/response"
	"github.com/scribeworks/controlplane/internal/logger"
	"github.com/scribeworks/controlplane/internal/orchestrator"
)

// JobsHandler is the user-facing half of spec.md §6's HTTP surface:
// submit/count/top_k/info/abort/delete/events, grounded on the
// teacher's internal/http/handlers/job.go request-parsing style.
type JobsHandler struct {
	log       *logger.Logger
	lifecycle *orchestrator.JobLifecycleManager
	jobs      durable.JobsRepo
	hub       *eventbus.Hub
}

func NewJobsHandler(log *logger.Logger, lifecycle *orchestrator.JobLifecycleManager, jobs durable.JobsRepo, hub *eventbus.Hub) *JobsHandler {
	return &JobsHandler{log: log.With("handler", "JobsHandler"), lifecycle: lifecycle, jobs: jobs, hub: hub}
}

// SubmitJob handles POST /jobs/submit_job (multipart audio + optional
// settings id; spec.md §6).
func (h *JobsHandler) SubmitJob(c *gin.Context) {
	userID := middleware.UserID(c)

	fileHeader, err := c.FormFile("audio")
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "validation", err)
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "validation", err)
		return
	}
	defer f.Close()

	var settingsID *int64
	if raw := c.PostForm("settings_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "validation", err)
			return
		}
		settingsID = &id
	}
	priority := int64(0)
	if raw := c.PostForm("priority"); raw != "" {
		if p, err := strconv.ParseInt(raw, 10, 64); err == nil {
			priority = p
		}
	}

	contentType := fileHeader.Header.Get("Content-Type")
	jobID, err := h.lifecycle.SubmitJob(c.Request.Context(), userID, contentType, fileHeader.Filename, f, settingsID, priority)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"id": jobID})
}

// GetJobCount handles GET /jobs/count.
func (h *JobsHandler) GetJobCount(c *gin.Context) {
	userID, err := h.targetUser(c)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	n, err := h.jobs.GetJobCount(dbctx.New(c.Request.Context()), userID)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"count": n})
}

// GetJobTopK handles GET /jobs/top_k.
func (h *JobsHandler) GetJobTopK(c *gin.Context) {
	userID, err := h.targetUser(c)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	sortKey := c.DefaultQuery("sort_key", "created_at")
	descending := c.DefaultQuery("order", "desc") != "asc"
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	ids, err := h.jobs.GetJobIDs(dbctx.New(c.Request.Context()), userID, sortKey, descending, offset, limit)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"ids": ids})
}

// GetJobInfo handles GET /jobs/info.
func (h *JobsHandler) GetJobInfo(c *gin.Context) {
	jobID, err := strconv.ParseInt(c.Query("id"), 10, 64)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "validation", err)
		return
	}
	job, err := h.jobs.GetJobByID(dbctx.New(c.Request.Context()), jobID)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	if job.UserID != middleware.UserID(c) && !middleware.IsAdmin(c) {
		response.RespondError(c, http.StatusForbidden, "forbidden", nil)
		return
	}
	response.RespondOK(c, job)
}

// AbortJob handles POST /jobs/abort.
func (h *JobsHandler) AbortJob(c *gin.Context) {
	var req struct {
		ID int64 `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "validation", err)
		return
	}
	if err := h.lifecycle.AbortJob(c.Request.Context(), middleware.UserID(c), req.ID, middleware.IsAdmin(c)); err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"status": "aborting"})
}

// DeleteJobs handles DELETE /jobs/delete.
func (h *JobsHandler) DeleteJobs(c *gin.Context) {
	var req struct {
		IDs []int64 `json:"ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "validation", err)
		return
	}
	n, err := h.lifecycle.DeleteJobs(c.Request.Context(), middleware.UserID(c), req.IDs)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": n})
}

// GetTranscript handles GET /jobs/transcript.
func (h *JobsHandler) GetTranscript(c *gin.Context) {
	jobID, err := strconv.ParseInt(c.Query("id"), 10, 64)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "validation", err)
		return
	}
	format, ok := domain.ParseTranscriptFormat(c.DefaultQuery("format", string(domain.FormatPlain)))
	if !ok {
		response.RespondError(c, http.StatusBadRequest, "validation", nil)
		return
	}
	transcript, err := h.lifecycle.GetTranscript(c.Request.Context(), middleware.UserID(c), jobID, format)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, transcript)
}

// Events handles GET /jobs/events, the SSE stream of spec.md §4.6.
func (h *JobsHandler) Events(c *gin.Context) {
	userID := middleware.UserID(c)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, unsubscribe := h.hub.Subscribe(ctx, userID)
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(eventbus.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			if _, err := c.Writer.Write(eventbus.WriteSSE(evt)); err != nil {
				return
			}
			c.Writer.Flush()
		case <-ticker.C:
			if _, err := c.Writer.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

// targetUser resolves the user id a read-only query targets: either
// the caller, or (admin only) an explicit user_id query parameter.
func (h *JobsHandler) targetUser(c *gin.Context) (int64, error) {
	if raw := c.Query("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, err
		}
		if id != middleware.UserID(c) && !middleware.IsAdmin(c) {
			return 0, response.ForbiddenCrossUser()
		}
		return id, nil
	}
	return middleware.UserID(c), nil
}
