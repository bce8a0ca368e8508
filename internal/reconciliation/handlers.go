package reconciliation

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler exposes the admin sweep trigger.
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandler creates a reconciliation handler.
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// RegisterAdminRoutes sets up admin-only reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile", h.TriggerSweep)
}

// TriggerSweep handles POST /admin/reconcile. The optional windowHours
// query bounds how far back into terminal records the sweep looks.
func (h *Handler) TriggerSweep(c *gin.Context) {
	window := 48 * time.Hour
	if s := c.Query("windowHours"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 24*30 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_window",
				"message": "windowHours must be a positive integer up to 720",
			})
			return
		}
		window = time.Duration(n) * time.Hour
	}

	summary, err := h.engine.Sweep(c.Request.Context(), window)
	if err != nil {
		h.logger.Error("manual reconciliation sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_error",
			"message": "Reconciliation sweep failed",
		})
		return
	}

	c.JSON(http.StatusOK, summary)
}
