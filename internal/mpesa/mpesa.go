// Package mpesa is the mobile-money gateway client (Daraja-style API).
//
// The gateway is an at-least-once system: results arrive as asynchronous
// callbacks that may be duplicated or re-ordered. This package only talks
// to the gateway and models its payloads; idempotent application of
// callbacks is the orchestrator's job.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrAuthFailed    = errors.New("mpesa: authentication failed")
	ErrGatewayStatus = errors.New("mpesa: gateway returned non-OK status")
)

// ResultSuccess is the gateway result code for a successful payment.
const ResultSuccess = 0

// Gateway initiates mobile-money movements. Results arrive later via
// callbacks, not on these calls.
type Gateway interface {
	// STKPush asks the customer's phone to approve a debit. The returned
	// CheckoutRequestID is the gateway reference later echoed in the
	// callback.
	STKPush(ctx context.Context, req STKPushRequest) (*STKPushResponse, error)
	// B2CPayment pays out to a phone, paybill or till.
	B2CPayment(ctx context.Context, req B2CRequest) (*B2CResponse, error)
}

// STKPushRequest debits a customer phone.
type STKPushRequest struct {
	Phone            string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
}

// STKPushResponse acknowledges that the push was queued.
type STKPushResponse struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResponseCode      string `json:"ResponseCode"`
	CustomerMessage   string `json:"CustomerMessage"`
}

// B2CKind selects the payout destination type.
type B2CKind string

const (
	B2CKindPhone   B2CKind = "phone"
	B2CKindPaybill B2CKind = "paybill"
	B2CKindTill    B2CKind = "till"
)

// B2CRequest pays out from the platform account.
type B2CRequest struct {
	Kind             B2CKind
	Destination      string // phone, paybill business number, or till number
	AccountReference string // paybill account reference, if any
	Amount           decimal.Decimal
	Remarks          string
}

// B2CResponse acknowledges that the payout was queued.
type B2CResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// Config for the gateway client.
type Config struct {
	BaseURL           string
	ConsumerKey       string
	ConsumerSecret    string
	ShortCode         string
	Passkey           string
	CallbackBaseURL   string // public base URL the gateway posts callbacks to
	InitiatorName     string
	InitiatorPassword string
	Timeout           time.Duration
}

// Client talks to the Daraja-style HTTP API. Access tokens are cached
// until shortly before expiry.
type Client struct {
	cfg    Config
	client *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient creates a gateway client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// token returns a cached access token, refreshing when stale.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint status %d", ErrAuthFailed, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", ErrAuthFailed
	}

	c.accessToken = body.AccessToken
	// Daraja tokens last 3599s; refresh a minute early.
	c.tokenExpiry = time.Now().Add(58 * time.Minute)
	return c.accessToken, nil
}

// STKPush implements Gateway.
func (c *Client) STKPush(ctx context.Context, req STKPushRequest) (*STKPushResponse, error) {
	timestamp := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString(
		[]byte(c.cfg.ShortCode + c.cfg.Passkey + timestamp))

	payload := map[string]interface{}{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          password,
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            req.Amount.Round(0).String(), // gateway takes whole shillings
		"PartyA":            req.Phone,
		"PartyB":            c.cfg.ShortCode,
		"PhoneNumber":       req.Phone,
		"CallBackURL":       c.cfg.CallbackBaseURL + "/v1/callbacks/mpesa/stk",
		"AccountReference":  req.AccountReference,
		"TransactionDesc":   req.Description,
	}

	var out STKPushResponse
	if err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// B2CPayment implements Gateway.
func (c *Client) B2CPayment(ctx context.Context, req B2CRequest) (*B2CResponse, error) {
	commandID := "BusinessPayment"
	switch req.Kind {
	case B2CKindPaybill:
		commandID = "BusinessPayBill"
	case B2CKindTill:
		commandID = "BusinessBuyGoods"
	}

	payload := map[string]interface{}{
		"InitiatorName":      c.cfg.InitiatorName,
		"SecurityCredential": c.cfg.InitiatorPassword,
		"CommandID":          commandID,
		"Amount":             req.Amount.Round(0).String(),
		"PartyA":             c.cfg.ShortCode,
		"PartyB":             req.Destination,
		"Remarks":            req.Remarks,
		"QueueTimeOutURL":    c.cfg.CallbackBaseURL + "/v1/callbacks/mpesa/b2c",
		"ResultURL":          c.cfg.CallbackBaseURL + "/v1/callbacks/mpesa/b2c",
	}
	if req.Kind == B2CKindPaybill && req.AccountReference != "" {
		payload["AccountReference"] = req.AccountReference
	}

	var out B2CResponse
	if err := c.post(ctx, "/mpesa/b2c/v1/paymentrequest", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrGatewayStatus, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}

// Compile-time assertion that Client implements Gateway.
var _ Gateway = (*Client)(nil)
