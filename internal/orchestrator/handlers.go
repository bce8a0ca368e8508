package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/pesarail/pesarail/internal/chain"
	"github.com/pesarail/pesarail/internal/escrow"
	"github.com/pesarail/pesarail/internal/mpesa"
	"github.com/pesarail/pesarail/internal/pagination"
	"github.com/pesarail/pesarail/internal/validation"
)

// Reconciler applies reconciliation rules to a single record on read.
type Reconciler interface {
	Reconcile(ctx context.Context, rec *escrow.Record) (*escrow.Record, bool, error)
}

// Handler provides HTTP endpoints for transactions and rail callbacks.
type Handler struct {
	orch       *Orchestrator
	reconciler Reconciler // nil = no on-read reconciliation
	logger     *slog.Logger
}

// NewHandler creates a transaction handler.
func NewHandler(orch *Orchestrator, reconciler Reconciler, logger *slog.Logger) *Handler {
	return &Handler{orch: orch, reconciler: reconciler, logger: logger}
}

// RegisterRoutes sets up transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.BeginTransaction)
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/users/:id/transactions", h.ListUserTransactions)
}

// RegisterCallbackRoutes sets up the rail callback routes.
func (h *Handler) RegisterCallbackRoutes(r *gin.RouterGroup) {
	r.POST("/callbacks/mpesa/stk", h.STKCallback)
	r.POST("/callbacks/mpesa/b2c", h.B2CCallback)
	r.POST("/chain/confirmations", h.ChainConfirmation)
}

// BeginTransactionRequest is the JSON body for POST /transactions.
type BeginTransactionRequest struct {
	UserID           string `json:"userId" binding:"required"`
	Type             string `json:"type" binding:"required"`
	Amount           string `json:"amount"`
	CryptoAmount     string `json:"cryptoAmount"`
	Chain            string `json:"chain" binding:"required"`
	TokenSymbol      string `json:"tokenSymbol" binding:"required"`
	Phone            string `json:"phone"`
	Destination      string `json:"destination"`
	PaybillNumber    string `json:"paybillNumber"`
	TillNumber       string `json:"tillNumber"`
	AccountReference string `json:"accountReference"`
}

// BeginTransaction handles POST /transactions.
func (h *Handler) BeginTransaction(c *gin.Context) {
	var req BeginTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	idemKey := c.GetHeader("Idempotency-Key")
	if idemKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_idempotency_key",
			"message": "Idempotency-Key header is required",
		})
		return
	}

	if req.Phone != "" && !validation.IsValidPhone(req.Phone) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_phone",
			"message": "Phone must be in international format (2547XXXXXXXX)",
		})
		return
	}

	begin := BeginRequest{
		UserID:           req.UserID,
		IdempotencyKey:   idemKey,
		Type:             escrow.Type(req.Type),
		Chain:            req.Chain,
		TokenSymbol:      req.TokenSymbol,
		Phone:            req.Phone,
		Destination:      req.Destination,
		PaybillNumber:    req.PaybillNumber,
		TillNumber:       req.TillNumber,
		AccountReference: req.AccountReference,
	}
	if req.Amount != "" {
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be a decimal number",
			})
			return
		}
		begin.Amount = amount
	}
	if req.CryptoAmount != "" {
		amount, err := decimal.NewFromString(req.CryptoAmount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "cryptoAmount must be a decimal number",
			})
			return
		}
		begin.CryptoAmount = amount
	}

	rec, err := h.orch.Begin(c.Request.Context(), begin)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
		h.logger.Error("begin transaction failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "transaction_error",
			"message": "Failed to create transaction",
		})
		return
	}

	c.JSON(http.StatusCreated, rec)
}

// GetTransaction handles GET /transactions/:id. Reconciliation rules
// run against the record before it is returned, so a stale status is
// corrected on read.
func (h *Handler) GetTransaction(c *gin.Context) {
	rec, err := h.orch.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "transaction_error",
			"message": "Failed to load transaction",
		})
		return
	}

	if h.reconciler != nil {
		corrected, changed, rerr := h.reconciler.Reconcile(c.Request.Context(), rec)
		if rerr != nil {
			h.logger.Error("on-read reconciliation failed",
				"transaction_id", rec.TransactionID, "error", rerr)
		} else if changed {
			rec = corrected
		}
	}

	c.JSON(http.StatusOK, rec)
}

// ListUserTransactions handles GET /users/:id/transactions. Pages are
// cursor-based; pass the returned nextCursor to resume.
func (h *Handler) ListUserTransactions(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	var opts []escrow.ListOption
	if cursor := c.Query("cursor"); cursor != "" {
		opts = append(opts, escrow.WithCursor(cursor))
	}

	// Fetch one extra record to learn whether another page exists.
	recs, err := h.orch.ListByUser(c.Request.Context(), c.Param("id"), limit+1, opts...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "transaction_error",
			"message": "Failed to list transactions",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(recs, limit, func(r *escrow.Record) (time.Time, string) {
		return r.CreatedAt, r.TransactionID
	})

	c.JSON(http.StatusOK, gin.H{
		"transactions": page,
		"count":        len(page),
		"nextCursor":   next,
		"hasMore":      hasMore,
	})
}

// STKCallback handles POST /callbacks/mpesa/stk. The gateway retries on
// anything but 200, so the response is always 200 once the body parses.
func (h *Handler) STKCallback(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "unreadable body"})
		return
	}

	cb, err := mpesa.ParseSTKCallback(body)
	if err != nil {
		h.logger.Warn("malformed STK callback", "error", err)
		c.JSON(http.StatusOK, gin.H{"ResultCode": 1, "ResultDesc": "rejected"})
		return
	}

	if err := h.orch.ApplyGatewayEvent(c.Request.Context(), cb); err != nil {
		h.logger.Warn("STK callback not applied",
			"checkout_request_id", cb.CheckoutRequestID, "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}

// B2CCallback handles POST /callbacks/mpesa/b2c.
func (h *Handler) B2CCallback(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "unreadable body"})
		return
	}

	res, err := mpesa.ParseB2CResult(body)
	if err != nil {
		h.logger.Warn("malformed B2C result", "error", err)
		c.JSON(http.StatusOK, gin.H{"ResultCode": 1, "ResultDesc": "rejected"})
		return
	}

	if err := h.orch.ApplyPayoutResult(c.Request.Context(), res); err != nil {
		h.logger.Warn("B2C result not applied",
			"conversation_id", res.ConversationID, "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}

// ChainConfirmationRequest is a collaborator-delivered settlement event.
type ChainConfirmationRequest struct {
	TransactionID string `json:"transactionId" binding:"required"`
	Chain         string `json:"chain" binding:"required"`
	TxHash        string `json:"txHash" binding:"required"`
	Status        string `json:"status" binding:"required"`
	Confirmations uint64 `json:"confirmations"`
	RevertReason  string `json:"revertReason"`
}

// ChainConfirmation handles POST /chain/confirmations, for deployments
// where an external indexer delivers settlement events instead of the
// in-process watcher.
func (h *Handler) ChainConfirmation(c *gin.Context) {
	var req ChainConfirmationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	status := chain.Status(req.Status)
	if status != chain.StatusConfirmed && status != chain.StatusReverted {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": "status must be confirmed or reverted",
		})
		return
	}

	err := h.orch.ApplyChainEvent(c.Request.Context(), chain.Event{
		TransactionID: req.TransactionID,
		Chain:         req.Chain,
		TxHash:        req.TxHash,
		Status:        status,
		Confirmations: req.Confirmations,
		RevertReason:  req.RevertReason,
	})
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		h.logger.Error("chain confirmation not applied",
			"transaction_id", req.TransactionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "confirmation_error",
			"message": "Failed to apply confirmation",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "applied"})
}
