package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/scribeworks/controlplane/internal/dbctx"
	"github.com/scribeworks/controlplane/internal/durable"
	"github.com/scribeworks/controlplane/internal/httpapi/response"
	"github.com/scribeworks/controlplane/internal/logger"
)

// AdminHandler is the administrative surface SPEC_FULL.md §6 adds on
// top of spec.md's routes: runner accreditation and site banners,
// grounded on create_runner/delete_runner and the site_data CRUD in
// original_source/project_W/database.py.
type AdminHandler struct {
	log     *logger.Logger
	runners durable.RunnersRepo
	banners durable.BannersRepo
}

func NewAdminHandler(log *logger.Logger, runners durable.RunnersRepo, banners durable.BannersRepo) *AdminHandler {
	return &AdminHandler{log: log.With("handler", "AdminHandler"), runners: runners, banners: banners}
}

// CreateRunner handles POST /admin/runners: accredits a new runner
// and returns the one-time bearer token.
func (h *AdminHandler) CreateRunner(c *gin.Context) {
	id, token, err := h.runners.Create(dbctx.New(c.Request.Context()))
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"id": id, "token": token})
}

// DeleteRunner handles DELETE /admin/runners/:id.
func (h *AdminHandler) DeleteRunner(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "validation", err)
		return
	}
	if err := h.runners.Delete(dbctx.New(c.Request.Context()), id); err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"status": "deleted"})
}

// ListSiteBanners handles GET /admin/site_banners.
func (h *AdminHandler) ListSiteBanners(c *gin.Context) {
	banners, err := h.banners.List(dbctx.New(c.Request.Context()))
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, banners)
}

// CreateSiteBanner handles POST /admin/site_banners.
func (h *AdminHandler) CreateSiteBanner(c *gin.Context) {
	var req struct {
		Type    string `json:"type" binding:"required"`
		Urgency int    `json:"urgency"`
		HTML    string `json:"html" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "validation", err)
		return
	}
	banner, err := h.banners.Add(dbctx.New(c.Request.Context()), req.Type, req.Urgency, req.HTML)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, banner)
}

// DeleteSiteBanner handles DELETE /admin/site_banners/:id.
func (h *AdminHandler) DeleteSiteBanner(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "validation", err)
		return
	}
	if err := h.banners.Delete(dbctx.New(c.Request.Context()), id); err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"status": "deleted"})
}
