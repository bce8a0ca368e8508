//go:build integration

package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesarail/pesarail/internal/pagination"
	"github.com/pesarail/pesarail/internal/testutil"
)

func TestPostgresStore_CreateGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond)
	rec := &Record{
		TransactionID:  "txn_pg_crud",
		UserID:         "user-1",
		IdempotencyKey: "idem-pg-1",
		Type:           TypeFiatToCrypto,
		Status:         StatusPending,
		Amount:         decimal.NewFromInt(1500),
		CryptoAmount:   decimal.RequireFromString("11.538461538461538462"),
		Chain:          "celo",
		TokenSymbol:    "CUSD",
		Metadata:       Metadata{Phone: "254712345678", Destination: "0xdest"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "txn_pg_crud")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserID != "user-1" || got.Status != StatusPending {
		t.Errorf("unexpected record: %+v", got)
	}
	if !got.Amount.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("Amount = %s, want 1500", got.Amount)
	}
	if !got.CryptoAmount.Equal(rec.CryptoAmount) {
		t.Errorf("CryptoAmount = %s, want %s", got.CryptoAmount, rec.CryptoAmount)
	}
	if got.Metadata.Phone != "254712345678" {
		t.Errorf("metadata did not round-trip: %+v", got.Metadata)
	}

	if _, err := store.Get(ctx, "txn_nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_DuplicateIdempotencyKey(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now()
	first := &Record{
		TransactionID: "txn_pg_dup_1", UserID: "user-1", IdempotencyKey: "idem-dup",
		Type: TypeFiatToCrypto, Status: StatusPending,
		Amount: decimal.NewFromInt(100), CryptoAmount: decimal.NewFromInt(1),
		Chain: "celo", TokenSymbol: "CUSD", CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dup := *first
	dup.TransactionID = "txn_pg_dup_2"
	if err := store.Create(ctx, &dup); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists for duplicate idempotency key, got %v", err)
	}

	got, err := store.GetByIdempotencyKey(ctx, "user-1", "idem-dup")
	if err != nil {
		t.Fatalf("GetByIdempotencyKey: %v", err)
	}
	if got.TransactionID != "txn_pg_dup_1" {
		t.Errorf("got %s, want txn_pg_dup_1", got.TransactionID)
	}
}

func TestPostgresStore_UpdateStatusCAS(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now()
	rec := &Record{
		TransactionID: "txn_pg_cas", UserID: "user-1",
		Type: TypeCryptoToFiat, Status: StatusProcessing,
		Amount: decimal.NewFromInt(100), CryptoAmount: decimal.NewFromInt(1),
		Chain: "celo", TokenSymbol: "CUSD", CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err := store.UpdateStatus(ctx, "txn_pg_cas", StatusProcessing, func(r *Record) error {
		r.Status = StatusCompleted
		done := time.Now()
		r.CompletedAt = &done
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	// Stale expectation loses.
	err = store.UpdateStatus(ctx, "txn_pg_cas", StatusProcessing, func(r *Record) error {
		r.Status = StatusError
		return nil
	})
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}

	got, err := store.Get(ctx, "txn_pg_cas")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}
}

func TestPostgresStore_CorrectTerminal(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now()
	rec := &Record{
		TransactionID: "txn_pg_correct", UserID: "user-1",
		Type: TypeCryptoToFiat, Status: StatusError,
		Amount: decimal.NewFromInt(100), CryptoAmount: decimal.NewFromInt(1),
		Chain: "celo", TokenSymbol: "CUSD",
		CryptoTransactionHash: "0xsettled",
		CreatedAt:             now, UpdatedAt: now,
	}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err := store.Correct(ctx, "txn_pg_correct", StatusError, func(r *Record) error {
		when := time.Now()
		r.Status = StatusCompleted
		r.CompletedAt = &when
		r.Metadata.StatusCorrected = true
		r.Metadata.CorrectedAt = &when
		r.Metadata.OriginalStatus = StatusError
		r.Metadata.CorrectionReason = "settlement hash present"
		return nil
	})
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}

	got, err := store.Get(ctx, "txn_pg_correct")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
	if !got.Metadata.StatusCorrected || got.Metadata.OriginalStatus != StatusError {
		t.Errorf("correction audit missing: %+v", got.Metadata)
	}
}

func TestPostgresStore_GetByGatewayRef(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now()
	rec := &Record{
		TransactionID: "txn_pg_ref", UserID: "user-1",
		Type: TypeFiatToCrypto, Status: StatusReserved,
		Amount: decimal.NewFromInt(100), CryptoAmount: decimal.NewFromInt(1),
		Chain: "celo", TokenSymbol: "CUSD",
		MpesaTransactionID: "ws_CO_pg_1",
		CreatedAt:          now, UpdatedAt: now,
	}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.GetByGatewayRef(ctx, "ws_CO_pg_1")
	if err != nil {
		t.Fatalf("GetByGatewayRef: %v", err)
	}
	if got.TransactionID != "txn_pg_ref" {
		t.Errorf("got %s, want txn_pg_ref", got.TransactionID)
	}
}

func TestPostgresStore_ListByUserCursor(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour).Truncate(time.Microsecond)
	for i := 0; i < 4; i++ {
		rec := &Record{
			TransactionID: "txn_pg_page_" + string(rune('a'+i)),
			UserID:        "pager",
			Type:          TypeTokenTransfer, Status: StatusCompleted,
			Amount: decimal.Zero, CryptoAmount: decimal.NewFromInt(1),
			Chain: "celo", TokenSymbol: "CUSD",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	page1, err := store.ListByUser(ctx, "pager", 2)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(page1) != 2 || page1[0].TransactionID != "txn_pg_page_d" {
		t.Fatalf("unexpected first page: %+v", page1)
	}

	last := page1[len(page1)-1]
	cursor := pagination.Encode(last.CreatedAt, last.TransactionID)
	page2, err := store.ListByUser(ctx, "pager", 2, WithCursor(cursor))
	if err != nil {
		t.Fatalf("ListByUser with cursor: %v", err)
	}
	if len(page2) != 2 || page2[0].TransactionID != "txn_pg_page_b" {
		t.Fatalf("unexpected second page: %+v", page2)
	}
}
