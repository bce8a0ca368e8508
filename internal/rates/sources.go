package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// coingeckoIDs maps token symbols to CoinGecko coin ids.
var coingeckoIDs = map[string]string{
	"CUSD":  "celo-dollar",
	"CKES":  "celo-kenyan-shilling",
	"CELO":  "celo",
	"USDC":  "usd-coin",
	"USDT":  "tether",
	"MATIC": "matic-network",
}

// CoinGeckoSource fetches KES rates from the CoinGecko simple price API
// (free tier, no key required).
type CoinGeckoSource struct {
	baseURL string
	client  *http.Client
}

// NewCoinGeckoSource creates the primary rate source. baseURL is overridable
// for tests; empty means the public API.
func NewCoinGeckoSource(baseURL string) *CoinGeckoSource {
	if baseURL == "" {
		baseURL = "https://api.coingecko.com"
	}
	return &CoinGeckoSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *CoinGeckoSource) Name() string { return "coingecko" }

func (s *CoinGeckoSource) FetchRate(ctx context.Context, token string) (decimal.Decimal, error) {
	id, ok := coingeckoIDs[strings.ToUpper(token)]
	if !ok {
		return decimal.Zero, fmt.Errorf("no coingecko id for token %q", token)
	}

	u := fmt.Sprintf("%s/api/v3/simple/price?ids=%s&vs_currencies=kes", s.baseURL, url.QueryEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch rate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("rate API returned status %d", resp.StatusCode)
	}

	// {"celo-dollar":{"kes":129.53}}
	var result map[string]map[string]json.Number
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode rate response: %w", err)
	}

	raw, ok := result[id]["kes"]
	if !ok {
		return decimal.Zero, fmt.Errorf("no KES rate in response for %s", id)
	}
	rate, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid rate %q: %w", raw.String(), err)
	}
	return rate, nil
}

// CryptoCompareSource is the secondary rate source.
type CryptoCompareSource struct {
	baseURL string
	client  *http.Client
}

// NewCryptoCompareSource creates the secondary source. baseURL is
// overridable for tests; empty means the public API.
func NewCryptoCompareSource(baseURL string) *CryptoCompareSource {
	if baseURL == "" {
		baseURL = "https://min-api.cryptocompare.com"
	}
	return &CryptoCompareSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *CryptoCompareSource) Name() string { return "cryptocompare" }

func (s *CryptoCompareSource) FetchRate(ctx context.Context, token string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/data/price?fsym=%s&tsyms=KES",
		s.baseURL, url.QueryEscape(strings.ToUpper(token)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch rate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("rate API returned status %d", resp.StatusCode)
	}

	// {"KES":129.53}
	var result map[string]json.Number
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode rate response: %w", err)
	}

	raw, ok := result["KES"]
	if !ok {
		return decimal.Zero, fmt.Errorf("no KES rate in response for %s", token)
	}
	rate, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid rate %q: %w", raw.String(), err)
	}
	return rate, nil
}
