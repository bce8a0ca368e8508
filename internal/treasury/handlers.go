package treasury

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/pesarail/pesarail/internal/validation"
)

// Handler exposes guarded treasury endpoints.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a treasury handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterAdminRoutes sets up admin-only treasury routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/treasury/withdraw", h.Withdraw)
	r.GET("/treasury/balance", h.Balance)
}

// WithdrawRequest is the JSON body for POST /admin/treasury/withdraw.
// Both credentials must sign the exact amount, token, chain and
// destination in this request.
type WithdrawRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Token       string `json:"token" binding:"required"`
	Chain       string `json:"chain" binding:"required"`
	Destination string `json:"destination" binding:"required"`
	Credential1 string `json:"credential_1" binding:"required"`
	Credential2 string `json:"credential_2" binding:"required"`
}

// Withdraw handles POST /admin/treasury/withdraw.
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal number",
		})
		return
	}
	if !validation.IsValidEthAddress(req.Destination) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_destination",
			"message": "Destination must be a valid address (0x + 40 hex chars)",
		})
		return
	}

	op := Operation{
		Action:      ActionWithdraw,
		Chain:       req.Chain,
		Token:       req.Token,
		Amount:      amount,
		Destination: req.Destination,
	}

	creds, ok := h.parseCredentials(c, req.Credential1, req.Credential2)
	if !ok {
		return
	}

	auth, err := h.svc.Guard().Authorize(op, creds)
	if err != nil {
		h.authFailure(c, err)
		return
	}

	result, err := h.svc.Withdraw(c.Request.Context(), auth.Token, op)
	if err != nil {
		h.logger.Error("treasury withdrawal failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "withdrawal_failed",
			"message": "Failed to execute withdrawal",
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// Balance handles GET /admin/treasury/balance?chain=&token=. A single
// credential (X-Treasury-Credential header) suffices for a read.
func (h *Handler) Balance(c *gin.Context) {
	chainName := c.Query("chain")
	token := c.Query("token")
	if chainName == "" || token == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "chain and token query parameters are required",
		})
		return
	}

	op := Operation{Action: ActionViewBalance, Chain: chainName, Token: token, Amount: decimal.Zero}

	creds, ok := h.parseCredentials(c, c.GetHeader("X-Treasury-Credential"))
	if !ok {
		return
	}

	auth, err := h.svc.Guard().Authorize(op, creds)
	if err != nil {
		h.authFailure(c, err)
		return
	}

	balance, err := h.svc.Balance(c.Request.Context(), auth.Token, op)
	if err != nil {
		h.logger.Error("treasury balance read failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to read balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"chain":   chainName,
		"token":   token,
		"balance": balance,
	})
}

func (h *Handler) parseCredentials(c *gin.Context, raw ...string) ([]Credential, bool) {
	creds := make([]Credential, 0, len(raw))
	for _, s := range raw {
		cred, err := ParseCredential(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_credential",
				"message": "Credentials must be operatorId:signature",
			})
			return nil, false
		}
		creds = append(creds, cred)
	}
	return creds, true
}

func (h *Handler) authFailure(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInsufficientSignatures):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "insufficient_signatures",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnknownOperator), errors.Is(err, ErrBadCredential):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "credential_rejected",
			"message": "Credential verification failed",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "authorization_error",
			"message": "Authorization failed",
		})
	}
}
