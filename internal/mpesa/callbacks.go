package mpesa

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// STKCallback is the flattened result of a customer debit. The gateway may
// deliver the same callback more than once.
type STKCallback struct {
	MerchantRequestID  string
	CheckoutRequestID  string
	ResultCode         int
	ResultDesc         string
	Amount             decimal.Decimal
	MpesaReceiptNumber string
	Phone              string
}

// Success reports whether the debit went through.
func (c STKCallback) Success() bool { return c.ResultCode == ResultSuccess }

// B2CResult is the flattened result of a payout. ConversationID matches the
// B2CResponse returned when the payout was queued.
type B2CResult struct {
	ConversationID           string
	OriginatorConversationID string
	ResultCode               int
	ResultDesc               string
	TransactionID            string // gateway receipt for the payout
}

// Success reports whether the payout went through.
func (r B2CResult) Success() bool { return r.ResultCode == ResultSuccess }

// stkEnvelope mirrors the nested callback body the gateway posts.
type stkEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseSTKCallback flattens the gateway's nested STK callback envelope.
// CallbackMetadata is only present on success; a failure callback still
// parses and carries the result code and description.
func ParseSTKCallback(body []byte) (*STKCallback, error) {
	var env stkEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("invalid STK callback body: %w", err)
	}

	cb := &STKCallback{
		MerchantRequestID: env.Body.StkCallback.MerchantRequestID,
		CheckoutRequestID: env.Body.StkCallback.CheckoutRequestID,
		ResultCode:        env.Body.StkCallback.ResultCode,
		ResultDesc:        env.Body.StkCallback.ResultDesc,
	}
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("STK callback missing CheckoutRequestID")
	}

	for _, item := range env.Body.StkCallback.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			if f, ok := item.Value.(float64); ok {
				cb.Amount = decimal.NewFromFloat(f)
			}
		case "MpesaReceiptNumber":
			if s, ok := item.Value.(string); ok {
				cb.MpesaReceiptNumber = s
			}
		case "PhoneNumber":
			// The gateway sends phone numbers as JSON numbers.
			switch v := item.Value.(type) {
			case float64:
				cb.Phone = decimal.NewFromFloat(v).String()
			case string:
				cb.Phone = v
			}
		}
	}
	return cb, nil
}

// b2cEnvelope mirrors the nested payout result body.
type b2cEnvelope struct {
	Result struct {
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
	} `json:"Result"`
}

// ParseB2CResult flattens the gateway's payout result envelope.
func ParseB2CResult(body []byte) (*B2CResult, error) {
	var env b2cEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("invalid B2C result body: %w", err)
	}
	if env.Result.ConversationID == "" && env.Result.OriginatorConversationID == "" {
		return nil, fmt.Errorf("B2C result missing conversation id")
	}
	return &B2CResult{
		ConversationID:           env.Result.ConversationID,
		OriginatorConversationID: env.Result.OriginatorConversationID,
		ResultCode:               env.Result.ResultCode,
		ResultDesc:               env.Result.ResultDesc,
		TransactionID:            env.Result.TransactionID,
	}, nil
}
