package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/scribeworks/controlplane/internal/ephemeral"
)

// HealthHandler backs GET /healthz (SPEC_FULL.md §6 supplement):
// pings Postgres and Redis, grounded on the teacher's trivial
// HealthCheck but extended since this service actually has
// dependencies worth checking.
type HealthHandler struct {
	gdb *gorm.DB
	eph *ephemeral.Store
}

func NewHealthHandler(gdb *gorm.DB, eph *ephemeral.Store) *HealthHandler {
	return &HealthHandler{gdb: gdb, eph: eph}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	sqlDB, err := h.gdb.DB()
	if err != nil || sqlDB.PingContext(ctx) != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "postgres unreachable"})
		return
	}
	if err := h.eph.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "redis unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
