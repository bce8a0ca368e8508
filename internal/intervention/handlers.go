package intervention

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes the manual-intervention queue to operators.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates an intervention handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterAdminRoutes sets up admin-only queue routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/interventions", h.ListPending)
	r.GET("/interventions/:id", h.GetItem)
	r.POST("/interventions/:id/receipt", h.SubmitReceipt)
	r.POST("/interventions/:id/rollback", h.Rollback)
}

// ListPending handles GET /admin/interventions.
func (h *Handler) ListPending(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be an integer between 1 and 1000",
			})
			return
		}
		limit = n
	}

	items, err := h.svc.Pending(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list interventions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list intervention queue",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"count": len(items),
	})
}

// GetItem handles GET /admin/interventions/:id.
func (h *Handler) GetItem(c *gin.Context) {
	item, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Intervention item not found",
			})
			return
		}
		h.logger.Error("failed to get intervention", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load intervention item",
		})
		return
	}
	c.JSON(http.StatusOK, item)
}

// ReceiptRequest is the JSON body for POST /admin/interventions/:id/receipt.
type ReceiptRequest struct {
	Operator              string `json:"operator" binding:"required"`
	MpesaReceiptNumber    string `json:"mpesaReceiptNumber"`
	CryptoTransactionHash string `json:"cryptoTransactionHash"`
	Note                  string `json:"note"`
}

// SubmitReceipt handles POST /admin/interventions/:id/receipt.
func (h *Handler) SubmitReceipt(c *gin.Context) {
	var req ReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rec, err := h.svc.SubmitReceipt(c.Request.Context(), c.Param("id"), req.Operator, ReceiptProof{
		MpesaReceiptNumber:    req.MpesaReceiptNumber,
		CryptoTransactionHash: req.CryptoTransactionHash,
		Note:                  req.Note,
	})
	if err != nil {
		h.resolutionFailure(c, err)
		return
	}

	c.JSON(http.StatusOK, rec)
}

// RollbackRequest is the JSON body for POST /admin/interventions/:id/rollback.
type RollbackRequest struct {
	Operator string `json:"operator" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

// Rollback handles POST /admin/interventions/:id/rollback.
func (h *Handler) Rollback(c *gin.Context) {
	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rec, err := h.svc.Rollback(c.Request.Context(), c.Param("id"), req.Operator, req.Reason)
	if err != nil {
		h.resolutionFailure(c, err)
		return
	}

	c.JSON(http.StatusOK, rec)
}

func (h *Handler) resolutionFailure(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Intervention item not found",
		})
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_resolved",
			"message": "Intervention item is already resolved",
		})
	case errors.Is(err, ErrNoProof):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_proof",
			"message": "A receipt number or transaction hash is required",
		})
	default:
		h.logger.Error("intervention resolution failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to resolve intervention item",
		})
	}
}
