package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/health"
	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	checks []health.ReadinessCheck
}

func NewHealthHandler(checks ...health.ReadinessCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

func (h *HealthHandler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if name, err := health.CheckAll(ctx, h.checks); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "check": name})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
