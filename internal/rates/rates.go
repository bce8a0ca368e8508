// Package rates provides fiat<->crypto conversion rates with caching.
//
// Lookup order: cache -> primary source -> secondary source(s) -> static
// fallback table. A fallback-sourced rate is cached with a much shorter TTL
// so a real rate is retried soon. The settlement path never sees an error
// for a supported token; amounts are computed with decimal arithmetic, never
// binary floating point.
package rates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/pesarail/pesarail/internal/circuitbreaker"
	"github.com/pesarail/pesarail/internal/metrics"
)

// ErrUnsupportedToken is returned for tokens with no source and no fallback.
var ErrUnsupportedToken = errors.New("rates: unsupported token")

// SourceFallback marks a rate served from the static fallback table.
const SourceFallback = "fallback"

const (
	// DefaultTTL is how long a fetched rate is served from cache.
	DefaultTTL = 2 * time.Minute
	// FallbackTTL is the short cache window for fallback rates, so a real
	// source is retried soon after an outage.
	FallbackTTL = 15 * time.Second
)

// Rate is a cached conversion rate, quoted as fiat units (KES) per one token.
type Rate struct {
	Token        string          `json:"token"`
	FiatPerToken decimal.Decimal `json:"fiatPerToken"`
	Source       string          `json:"source"`
	FetchedAt    time.Time       `json:"fetchedAt"`
}

// Source fetches a live rate for one token.
type Source interface {
	Name() string
	FetchRate(ctx context.Context, token string) (decimal.Decimal, error)
}

// Converter caches rates per token with a fallback chain.
type Converter struct {
	sources     []Source
	fallback    map[string]decimal.Decimal // uppercase token -> KES per token
	ttl         time.Duration
	fallbackTTL time.Duration
	breaker     *circuitbreaker.Breaker // per-source, skips tripped sources
	logger      *slog.Logger

	mu    sync.RWMutex
	cache map[string]Rate
	group singleflight.Group
}

// Option configures the converter.
type Option func(*Converter)

// WithTTL overrides the cache TTLs.
func WithTTL(ttl, fallbackTTL time.Duration) Option {
	return func(c *Converter) {
		c.ttl = ttl
		c.fallbackTTL = fallbackTTL
	}
}

// WithFallbackTable replaces the static fallback rates.
func WithFallbackTable(table map[string]decimal.Decimal) Option {
	return func(c *Converter) {
		c.fallback = make(map[string]decimal.Decimal, len(table))
		for token, rate := range table {
			c.fallback[strings.ToUpper(token)] = rate
		}
	}
}

// NewConverter creates a converter that tries sources in order.
func NewConverter(logger *slog.Logger, sources []Source, opts ...Option) *Converter {
	c := &Converter{
		sources:     sources,
		fallback:    defaultFallbackTable(),
		ttl:         DefaultTTL,
		fallbackTTL: FallbackTTL,
		breaker:     circuitbreaker.New(3, 30*time.Second),
		logger:      logger,
		cache:       make(map[string]Rate),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// defaultFallbackTable holds last-known-good KES rates. These only serve
// when every live source is down, and only for FallbackTTL at a time.
func defaultFallbackTable() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"CUSD":  decimal.NewFromInt(130),
		"USDC":  decimal.NewFromInt(130),
		"USDT":  decimal.NewFromInt(130),
		"CKES":  decimal.NewFromInt(1),
		"CELO":  decimal.NewFromInt(55),
		"MATIC": decimal.NewFromInt(60),
	}
}

// Rate returns the cached rate for token, refreshing it if stale.
// Concurrent misses for the same token single-flight: one upstream fetch,
// every caller shares the result.
func (c *Converter) Rate(ctx context.Context, token string) (Rate, error) {
	key := strings.ToUpper(token)

	c.mu.RLock()
	cached, ok := c.cache[key]
	c.mu.RUnlock()
	if ok && !c.expired(cached) {
		metrics.RateCacheHits.Inc()
		return cached, nil
	}
	metrics.RateCacheMisses.Inc()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another waiter may have refreshed while we queued.
		c.mu.RLock()
		fresh, ok := c.cache[key]
		c.mu.RUnlock()
		if ok && !c.expired(fresh) {
			return fresh, nil
		}
		return c.refresh(ctx, key)
	})
	if err != nil {
		return Rate{}, err
	}
	return v.(Rate), nil
}

func (c *Converter) expired(r Rate) bool {
	ttl := c.ttl
	if r.Source == SourceFallback {
		ttl = c.fallbackTTL
	}
	return time.Since(r.FetchedAt) >= ttl
}

// refresh walks the source chain and falls back to the static table. A
// source that keeps failing trips its circuit and is skipped until the
// breaker lets a probe through.
func (c *Converter) refresh(ctx context.Context, token string) (Rate, error) {
	for _, src := range c.sources {
		if !c.breaker.Allow(src.Name()) {
			continue
		}
		value, err := src.FetchRate(ctx, token)
		if err != nil {
			c.breaker.RecordFailure(src.Name())
			c.logger.Warn("rate source failed",
				"source", src.Name(), "token", token, "error", err)
			continue
		}
		if value.Sign() <= 0 {
			c.breaker.RecordFailure(src.Name())
			c.logger.Warn("rate source returned non-positive rate",
				"source", src.Name(), "token", token, "rate", value.String())
			continue
		}
		c.breaker.RecordSuccess(src.Name())
		rate := Rate{Token: token, FiatPerToken: value, Source: src.Name(), FetchedAt: time.Now()}
		c.store(token, rate)
		return rate, nil
	}

	fallback, ok := c.fallback[token]
	if !ok {
		return Rate{}, fmt.Errorf("%w: %s", ErrUnsupportedToken, token)
	}
	metrics.RateFallbacksTotal.Inc()
	c.logger.Warn("all rate sources failed, serving fallback rate",
		"token", token, "rate", fallback.String())
	rate := Rate{Token: token, FiatPerToken: fallback, Source: SourceFallback, FetchedAt: time.Now()}
	c.store(token, rate)
	return rate, nil
}

func (c *Converter) store(token string, rate Rate) {
	c.mu.Lock()
	c.cache[token] = rate
	c.mu.Unlock()
}

// FiatToToken converts a fiat amount to token units at the current rate.
func (c *Converter) FiatToToken(ctx context.Context, token string, fiat decimal.Decimal) (decimal.Decimal, Rate, error) {
	rate, err := c.Rate(ctx, token)
	if err != nil {
		return decimal.Zero, Rate{}, err
	}
	// 18 decimal places covers every token we settle.
	return fiat.DivRound(rate.FiatPerToken, 18), rate, nil
}

// TokenToFiat converts token units to a fiat amount at the current rate.
func (c *Converter) TokenToFiat(ctx context.Context, token string, amount decimal.Decimal) (decimal.Decimal, Rate, error) {
	rate, err := c.Rate(ctx, token)
	if err != nil {
		return decimal.Zero, Rate{}, err
	}
	return amount.Mul(rate.FiatPerToken).Round(2), rate, nil
}
