package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("coingecko") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("coingecko")
	b.RecordFailure("coingecko")
	if !b.Allow("coingecko") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("coingecko")
	if b.Allow("coingecko") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("coingecko") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("coingecko"))
	}
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("coingecko")
	b.RecordFailure("coingecko")
	if b.Allow("coingecko") {
		t.Fatal("should be open")
	}

	time.Sleep(60 * time.Millisecond)

	// One probe allowed in half-open; a second is rejected.
	if !b.Allow("coingecko") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("coingecko") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("coingecko"))
	}
	if b.Allow("coingecko") {
		t.Fatal("should reject second request in half-open")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("coingecko")
	b.RecordFailure("coingecko")
	time.Sleep(60 * time.Millisecond)
	b.Allow("coingecko") // transitions to half-open

	b.RecordSuccess("coingecko")
	if b.State("coingecko") != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State("coingecko"))
	}
	if !b.Allow("coingecko") {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("coingecko")
	b.RecordFailure("coingecko")
	time.Sleep(60 * time.Millisecond)
	b.Allow("coingecko") // transitions to half-open

	b.RecordFailure("coingecko")
	if b.State("coingecko") != StateOpen {
		t.Fatalf("expected StateOpen after half-open failure, got %v", b.State("coingecko"))
	}
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("coingecko")
	b.RecordFailure("coingecko")
	b.RecordSuccess("coingecko")

	b.RecordFailure("coingecko")
	if !b.Allow("coingecko") {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure("coingecko")
	b.RecordFailure("coingecko")

	if b.Allow("coingecko") {
		t.Fatal("coingecko should be open")
	}
	if !b.Allow("cryptocompare") {
		t.Fatal("cryptocompare should be unaffected")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
