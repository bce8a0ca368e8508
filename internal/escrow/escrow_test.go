package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesarail/pesarail/internal/pagination"
)

func newTestRecord(id string, status Status) *Record {
	now := time.Now()
	return &Record{
		TransactionID: id,
		UserID:        "user-1",
		Type:          TypeFiatToCrypto,
		Status:        status,
		Amount:        decimal.NewFromInt(1500),
		CryptoAmount:  decimal.RequireFromString("11.25"),
		Chain:         "celo",
		TokenSymbol:   "cUSD",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPending, StatusReserved},
		{StatusPending, StatusFailed},
		{StatusReserved, StatusProcessing},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusError},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusCompleted, StatusPending},
		{StatusFailed, StatusCompleted}, // only via reconciliation Correct
		{StatusReserved, StatusPending},
		{StatusProcessing, StatusReserved},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be illegal", tc.from, tc.to)
		}
	}
}

func TestUpdateStatus_CASConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestRecord("txn_1", StatusProcessing)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Writer observed `pending` but record is `processing`.
	err := store.UpdateStatus(ctx, "txn_1", StatusPending, func(r *Record) error {
		r.Status = StatusReserved
		return nil
	})
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
}

func TestUpdateStatus_RejectsTerminalRegression(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestRecord("txn_1", StatusCompleted)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err := store.UpdateStatus(ctx, "txn_1", StatusCompleted, func(r *Record) error {
		r.Status = StatusFailed
		return nil
	})
	if !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}
}

func TestCorrect_RequiresAuditFields(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestRecord("txn_1", StatusFailed)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// A correction that does not append audit metadata must be rejected.
	err := store.Correct(ctx, "txn_1", StatusFailed, func(r *Record) error {
		r.Status = StatusCompleted
		return nil
	})
	if !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition for unaudited correction, got %v", err)
	}

	// With the audit fields populated it succeeds.
	err = store.Correct(ctx, "txn_1", StatusFailed, func(r *Record) error {
		r.Status = StatusCompleted
		r.Metadata.StatusCorrected = true
		r.Metadata.OriginalStatus = StatusFailed
		r.Metadata.CorrectionReason = "blockchain hash present"
		return nil
	})
	if err != nil {
		t.Fatalf("audited correction failed: %v", err)
	}

	rec, err := store.Get(ctx, "txn_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
	if rec.Metadata.OriginalStatus != StatusFailed {
		t.Errorf("originalStatus = %s, want failed", rec.Metadata.OriginalStatus)
	}
}

func TestUpdateStatus_FailedMutationLeavesRecordClean(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestRecord("txn_1", StatusPending)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	boom := errors.New("boom")
	err := store.UpdateStatus(ctx, "txn_1", StatusPending, func(r *Record) error {
		r.CryptoTransactionHash = "0xdead"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutation error, got %v", err)
	}

	rec, _ := store.Get(ctx, "txn_1")
	if rec.CryptoTransactionHash != "" {
		t.Error("failed mutation leaked into the stored record")
	}
}

func TestConcurrentWriters_OneWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestRecord("txn_1", StatusProcessing)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	targets := []Status{StatusCompleted, StatusFailed}

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = store.UpdateStatus(ctx, "txn_1", StatusProcessing, func(r *Record) error {
				r.Status = targets[i]
				return nil
			})
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrStatusConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins=%d conflicts=%d, want exactly one winner and one conflict", wins, conflicts)
	}

	rec, _ := store.Get(ctx, "txn_1")
	if !rec.Status.IsTerminal() {
		t.Errorf("record not terminal after race: %s", rec.Status)
	}
}

func TestCreate_DuplicateIdempotencyKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := newTestRecord("txn_1", StatusPending)
	first.IdempotencyKey = "key-abc"
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	second := newTestRecord("txn_2", StatusPending)
	second.IdempotencyKey = "key-abc"
	if err := store.Create(ctx, second); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists for duplicate idempotency key, got %v", err)
	}

	got, err := store.GetByIdempotencyKey(ctx, "user-1", "key-abc")
	if err != nil {
		t.Fatalf("GetByIdempotencyKey failed: %v", err)
	}
	if got.TransactionID != "txn_1" {
		t.Errorf("lookup returned %s, want txn_1", got.TransactionID)
	}
}

func TestHasSettlementProof(t *testing.T) {
	rec := newTestRecord("txn_1", StatusCompleted)
	if rec.HasSettlementProof() {
		t.Error("no receipts yet, expected no proof")
	}
	rec.CryptoTransactionHash = "0xabc"
	if !rec.HasSettlementProof() {
		t.Error("chain hash present, expected proof")
	}
	rec.CryptoTransactionHash = ""
	rec.MpesaReceiptNumber = "SBL12345"
	if !rec.HasSettlementProof() {
		t.Error("gateway receipt present, expected proof")
	}
}

func TestList_Filters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	old := newTestRecord("txn_old", StatusCompleted)
	old.UpdatedAt = time.Now().Add(-48 * time.Hour)
	live := newTestRecord("txn_live", StatusProcessing)
	fresh := newTestRecord("txn_fresh", StatusFailed)

	for _, rec := range []*Record{old, live, fresh} {
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	// MemoryStore.Create copies the record as-is, so UpdatedAt survives.

	got, err := store.List(ctx, ListFilter{NonTerminal: true, TerminalSince: time.Now().Add(-time.Hour)}, 100)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	ids := map[string]bool{}
	for _, r := range got {
		ids[r.TransactionID] = true
	}
	if !ids["txn_live"] || !ids["txn_fresh"] {
		t.Errorf("sweep window missing live/fresh records: %v", ids)
	}
	if ids["txn_old"] {
		t.Error("sweep window should exclude stale terminal records")
	}
}

func TestListByUser_CursorPaging(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		rec := newTestRecord(fmt.Sprintf("txn_%d", i), StatusCompleted)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	// First page: newest two.
	page1, err := store.ListByUser(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(page1) != 2 || page1[0].TransactionID != "txn_4" || page1[1].TransactionID != "txn_3" {
		t.Fatalf("unexpected first page: %+v", page1)
	}

	// Resume after the last record of the first page.
	last := page1[len(page1)-1]
	cursor := pagination.Encode(last.CreatedAt, last.TransactionID)
	page2, err := store.ListByUser(ctx, "user-1", 2, WithCursor(cursor))
	if err != nil {
		t.Fatalf("ListByUser with cursor failed: %v", err)
	}
	if len(page2) != 2 || page2[0].TransactionID != "txn_2" || page2[1].TransactionID != "txn_1" {
		t.Fatalf("unexpected second page: %+v", page2)
	}

	// A malformed cursor is ignored rather than failing the listing.
	all, err := store.ListByUser(ctx, "user-1", 10, WithCursor("@@@"))
	if err != nil {
		t.Fatalf("ListByUser with bad cursor failed: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("expected bad cursor to be ignored, got %d records", len(all))
	}
}
