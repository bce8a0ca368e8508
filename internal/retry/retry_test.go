package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesTransientFailures(t *testing.T) {
	calls := 0
	err := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	boom := errors.New("always failing")
	calls := 0
	err := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected final error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	declined := errors.New("gateway declined")
	calls := 0
	err := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}.Do(context.Background(), func() error {
		calls++
		return Permanent(declined)
	})
	if !errors.Is(err, declined) {
		t.Fatalf("expected unwrapped permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (permanent errors are not retried)", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Policy{MaxAttempts: 3, BaseDelay: time.Minute}.Do(ctx, func() error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDo_ZeroAttemptsMeansOne(t *testing.T) {
	calls := 0
	_ = Policy{}.Do(context.Background(), func() error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoNotify_ObservesEachFailedAttempt(t *testing.T) {
	boom := errors.New("always failing")
	var attempts []int
	err := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}.DoNotify(context.Background(), func() error {
		return boom
	}, func(attempt int, cause error) {
		if !errors.Is(cause, boom) {
			t.Errorf("attempt %d: cause = %v", attempt, cause)
		}
		attempts = append(attempts, attempt)
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected final error, got %v", err)
	}
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Errorf("attempts = %v, want [1 2 3]", attempts)
	}
}

func TestDoNotify_NoCallbackOnSuccessOrPermanent(t *testing.T) {
	notified := 0
	notify := func(int, error) { notified++ }

	_ = Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}.DoNotify(context.Background(), func() error {
		return nil
	}, notify)
	_ = Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}.DoNotify(context.Background(), func() error {
		return Permanent(errors.New("declined"))
	}, notify)

	if notified != 0 {
		t.Errorf("notified = %d, want 0", notified)
	}
}

func TestIsPermanent(t *testing.T) {
	if IsPermanent(errors.New("plain")) {
		t.Error("plain error reported as permanent")
	}
	if !IsPermanent(Permanent(errors.New("x"))) {
		t.Error("wrapped error not reported as permanent")
	}
}
