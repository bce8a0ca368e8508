package rates

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fakeSource struct {
	name    string
	rate    decimal.Decimal
	err     error
	delay   time.Duration
	fetches atomic.Int64
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchRate(ctx context.Context, token string) (decimal.Decimal, error) {
	f.fetches.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.rate, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRate_PrimarySource(t *testing.T) {
	primary := &fakeSource{name: "primary", rate: decimal.RequireFromString("129.50")}
	secondary := &fakeSource{name: "secondary", rate: decimal.RequireFromString("128.00")}
	c := NewConverter(testLogger(), []Source{primary, secondary})

	rate, err := c.Rate(context.Background(), "cUSD")
	if err != nil {
		t.Fatalf("Rate failed: %v", err)
	}
	if rate.Source != "primary" {
		t.Errorf("source = %s, want primary", rate.Source)
	}
	if !rate.FiatPerToken.Equal(decimal.RequireFromString("129.50")) {
		t.Errorf("rate = %s, want 129.50", rate.FiatPerToken)
	}
	if secondary.fetches.Load() != 0 {
		t.Error("secondary source should not be queried when primary succeeds")
	}
}

func TestRate_FallsBackToSecondary(t *testing.T) {
	primary := &fakeSource{name: "primary", err: errors.New("503")}
	secondary := &fakeSource{name: "secondary", rate: decimal.RequireFromString("128.00")}
	c := NewConverter(testLogger(), []Source{primary, secondary})

	rate, err := c.Rate(context.Background(), "cUSD")
	if err != nil {
		t.Fatalf("Rate failed: %v", err)
	}
	if rate.Source != "secondary" {
		t.Errorf("source = %s, want secondary", rate.Source)
	}
}

func TestRate_StaticFallback_NeverErrors(t *testing.T) {
	primary := &fakeSource{name: "primary", err: errors.New("timeout")}
	secondary := &fakeSource{name: "secondary", err: errors.New("timeout")}
	c := NewConverter(testLogger(), []Source{primary, secondary})

	rate, err := c.Rate(context.Background(), "cUSD")
	if err != nil {
		t.Fatalf("Rate must not fail for a supported token: %v", err)
	}
	if rate.Source != SourceFallback {
		t.Errorf("source = %s, want %s", rate.Source, SourceFallback)
	}
	if rate.FiatPerToken.Sign() <= 0 {
		t.Error("fallback rate must be positive")
	}
}

func TestRate_UnsupportedToken(t *testing.T) {
	primary := &fakeSource{name: "primary", err: errors.New("down")}
	c := NewConverter(testLogger(), []Source{primary})

	if _, err := c.Rate(context.Background(), "DOGE"); !errors.Is(err, ErrUnsupportedToken) {
		t.Fatalf("expected ErrUnsupportedToken, got %v", err)
	}
}

func TestRate_CacheHit(t *testing.T) {
	primary := &fakeSource{name: "primary", rate: decimal.NewFromInt(130)}
	c := NewConverter(testLogger(), []Source{primary})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := c.Rate(ctx, "USDC"); err != nil {
			t.Fatalf("Rate failed: %v", err)
		}
	}
	if got := primary.fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1 (cache should absorb repeats)", got)
	}
}

func TestRate_FallbackCachedWithShortTTL(t *testing.T) {
	primary := &fakeSource{name: "primary", err: errors.New("down")}
	c := NewConverter(testLogger(), []Source{primary},
		WithTTL(time.Hour, 10*time.Millisecond))

	ctx := context.Background()
	if _, err := c.Rate(ctx, "USDC"); err != nil {
		t.Fatalf("Rate failed: %v", err)
	}
	first := primary.fetches.Load()

	// Within the short fallback TTL: served from cache.
	if _, err := c.Rate(ctx, "USDC"); err != nil {
		t.Fatalf("Rate failed: %v", err)
	}
	if primary.fetches.Load() != first {
		t.Error("fallback rate should be cached briefly")
	}

	// After the fallback TTL the source is retried.
	time.Sleep(15 * time.Millisecond)
	primary.err = nil
	primary.rate = decimal.NewFromInt(131)
	rate, err := c.Rate(ctx, "USDC")
	if err != nil {
		t.Fatalf("Rate failed: %v", err)
	}
	if rate.Source != "primary" {
		t.Errorf("source after recovery = %s, want primary", rate.Source)
	}
}

func TestRate_BreakerSkipsFailingSource(t *testing.T) {
	primary := &fakeSource{name: "primary", err: errors.New("down")}
	secondary := &fakeSource{name: "secondary", rate: decimal.NewFromInt(130)}
	// Zero TTLs so every lookup walks the source chain.
	c := NewConverter(testLogger(), []Source{primary, secondary}, WithTTL(0, 0))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		rate, err := c.Rate(ctx, "cUSD")
		if err != nil {
			t.Fatalf("Rate failed: %v", err)
		}
		if rate.Source != "secondary" {
			t.Errorf("source = %s, want secondary", rate.Source)
		}
	}

	// Three consecutive failures trip the primary's circuit; later
	// lookups must not touch it until the breaker probes again.
	if got := primary.fetches.Load(); got != 3 {
		t.Errorf("primary fetches = %d, want 3", got)
	}
	if got := secondary.fetches.Load(); got != 5 {
		t.Errorf("secondary fetches = %d, want 5", got)
	}
}

func TestRate_SingleFlight(t *testing.T) {
	primary := &fakeSource{
		name:  "primary",
		rate:  decimal.NewFromInt(130),
		delay: 50 * time.Millisecond,
	}
	c := NewConverter(testLogger(), []Source{primary})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Rate(context.Background(), "cUSD"); err != nil {
				t.Errorf("Rate failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := primary.fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1 (concurrent misses must single-flight)", got)
	}
}

func TestFiatToToken_DecimalMath(t *testing.T) {
	primary := &fakeSource{name: "primary", rate: decimal.RequireFromString("130.00")}
	c := NewConverter(testLogger(), []Source{primary})

	got, rate, err := c.FiatToToken(context.Background(), "cUSD", decimal.NewFromInt(1300))
	if err != nil {
		t.Fatalf("FiatToToken failed: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("1300 KES at 130 = %s tokens, want 10", got)
	}
	if rate.Source != "primary" {
		t.Errorf("unexpected rate source %s", rate.Source)
	}

	back, _, err := c.TokenToFiat(context.Background(), "cUSD", got)
	if err != nil {
		t.Fatalf("TokenToFiat failed: %v", err)
	}
	if !back.Equal(decimal.NewFromInt(1300)) {
		t.Errorf("round trip = %s, want 1300", back)
	}
}
