package mpesa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
)

func newTestGateway(t *testing.T) (*Client, *httptest.Server, *atomic.Int64) {
	t.Helper()
	var tokenFetches atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		tokenFetches.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok-123", "expires_in": "3599",
		})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var payload map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["PhoneNumber"] != "254712345678" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(STKPushResponse{
			MerchantRequestID: "mr-1",
			CheckoutRequestID: "ws_CO_123",
			ResponseCode:      "0",
		})
	})
	mux.HandleFunc("/mpesa/b2c/v1/paymentrequest", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["CommandID"] != "BusinessPayBill" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(B2CResponse{
			ConversationID: "AG_123", ResponseCode: "0",
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(Config{
		BaseURL:         srv.URL,
		ConsumerKey:     "key",
		ConsumerSecret:  "secret",
		ShortCode:       "174379",
		Passkey:         "passkey",
		CallbackBaseURL: "https://example.test",
	})
	return client, srv, &tokenFetches
}

func TestSTKPush(t *testing.T) {
	client, _, tokenFetches := newTestGateway(t)

	resp, err := client.STKPush(context.Background(), STKPushRequest{
		Phone:            "254712345678",
		Amount:           decimal.NewFromInt(1500),
		AccountReference: "txn_abc",
	})
	if err != nil {
		t.Fatalf("STKPush failed: %v", err)
	}
	if resp.CheckoutRequestID != "ws_CO_123" {
		t.Errorf("CheckoutRequestID = %s", resp.CheckoutRequestID)
	}

	// Second call reuses the cached token.
	if _, err := client.STKPush(context.Background(), STKPushRequest{
		Phone: "254712345678", Amount: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("second STKPush failed: %v", err)
	}
	if tokenFetches.Load() != 1 {
		t.Errorf("token fetches = %d, want 1", tokenFetches.Load())
	}
}

func TestB2CPayment_PaybillCommand(t *testing.T) {
	client, _, _ := newTestGateway(t)

	resp, err := client.B2CPayment(context.Background(), B2CRequest{
		Kind:             B2CKindPaybill,
		Destination:      "888880",
		AccountReference: "ACC-9",
		Amount:           decimal.NewFromInt(2000),
	})
	if err != nil {
		t.Fatalf("B2CPayment failed: %v", err)
	}
	if resp.ConversationID != "AG_123" {
		t.Errorf("ConversationID = %s", resp.ConversationID)
	}
}

func TestParseSTKCallback_Success(t *testing.T) {
	body := []byte(`{
		"Body": {"stkCallback": {
			"MerchantRequestID": "mr-1",
			"CheckoutRequestID": "ws_CO_123",
			"ResultCode": 0,
			"ResultDesc": "The service request is processed successfully.",
			"CallbackMetadata": {"Item": [
				{"Name": "Amount", "Value": 1500.0},
				{"Name": "MpesaReceiptNumber", "Value": "SBL4X2T9QK"},
				{"Name": "PhoneNumber", "Value": 254712345678}
			]}
		}}
	}`)

	cb, err := ParseSTKCallback(body)
	if err != nil {
		t.Fatalf("ParseSTKCallback failed: %v", err)
	}
	if !cb.Success() {
		t.Error("expected success")
	}
	if cb.MpesaReceiptNumber != "SBL4X2T9QK" {
		t.Errorf("receipt = %s", cb.MpesaReceiptNumber)
	}
	if !cb.Amount.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("amount = %s", cb.Amount)
	}
	if cb.Phone != "254712345678" {
		t.Errorf("phone = %s", cb.Phone)
	}
}

func TestParseSTKCallback_FailureHasNoMetadata(t *testing.T) {
	body := []byte(`{
		"Body": {"stkCallback": {
			"MerchantRequestID": "mr-1",
			"CheckoutRequestID": "ws_CO_456",
			"ResultCode": 1032,
			"ResultDesc": "Request cancelled by user"
		}}
	}`)

	cb, err := ParseSTKCallback(body)
	if err != nil {
		t.Fatalf("ParseSTKCallback failed: %v", err)
	}
	if cb.Success() {
		t.Error("result code 1032 must not be success")
	}
	if cb.ResultDesc != "Request cancelled by user" {
		t.Errorf("desc = %s", cb.ResultDesc)
	}
}

func TestParseSTKCallback_MissingReference(t *testing.T) {
	if _, err := ParseSTKCallback([]byte(`{"Body":{"stkCallback":{}}}`)); err == nil {
		t.Fatal("expected error for missing CheckoutRequestID")
	}
}

func TestParseB2CResult(t *testing.T) {
	body := []byte(`{
		"Result": {
			"ResultCode": 0,
			"ResultDesc": "The service request is processed successfully.",
			"OriginatorConversationID": "oc-1",
			"ConversationID": "AG_123",
			"TransactionID": "REC7HG23LM"
		}
	}`)

	res, err := ParseB2CResult(body)
	if err != nil {
		t.Fatalf("ParseB2CResult failed: %v", err)
	}
	if !res.Success() || res.TransactionID != "REC7HG23LM" {
		t.Errorf("unexpected result: %+v", res)
	}
}
