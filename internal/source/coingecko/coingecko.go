// Package coingecko fetches crypto prices from the CoinGecko simple price
// endpoint and normalizes them to "base units per 1 coin" records.
package coingecko

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/KiraraGho/valutatrade-hub/config"
	"github.com/KiraraGho/valutatrade-hub/internal/rates"
	"github.com/KiraraGho/valutatrade-hub/internal/source"
	"github.com/KiraraGho/valutatrade-hub/logger"
)

// SourceName identifies this provider in records and logs.
const SourceName = "CoinGecko"

const userAgent = "valutatrade-hub/1.0"

// defaultIDs maps currency codes to CoinGecko asset ids.
var defaultIDs = map[string]string{
	"BTC": "bitcoin",
	"ETH": "ethereum",
	"SOL": "solana",
}

// Client is a stateless CoinGecko provider client.
type Client struct {
	baseURL    string
	apiKey     string
	base       string
	currencies []string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Log
}

// New builds a client from the provider config block. base is the currency
// every rate is quoted against.
func New(cfg config.SourceConfig, base string, timeout time.Duration) *Client {
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL:    cfg.URL,
		apiKey:     cfg.APIKey,
		base:       strings.ToUpper(base),
		currencies: cfg.Currencies,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: source.UserAgentTransport{Agent: userAgent},
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger(),
	}
}

func (c *Client) Name() string { return SourceName }

// FetchRates requests prices for every configured crypto currency and
// returns records keyed by "<CODE>_<BASE>". A currency absent from the
// response payload is omitted.
func (c *Client) FetchRates(ctx context.Context) (map[string]rates.RateRecord, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, rates.NewSourceError(SourceName, "rate limiter: %v", err)
	}

	ids := make([]string, 0, len(c.currencies))
	for _, code := range c.currencies {
		if id, ok := defaultIDs[strings.ToUpper(code)]; ok {
			ids = append(ids, id)
		}
	}

	query := url.Values{}
	query.Set("ids", strings.Join(ids, ","))
	query.Set("vs_currencies", strings.ToLower(c.base))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, rates.NewSourceError(SourceName, "build request: %v", err)
	}
	if c.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, rates.NewSourceError(SourceName, "network error: %v", err)
	}
	defer resp.Body.Close()
	requestMS := time.Since(start).Milliseconds()

	if resp.StatusCode != http.StatusOK {
		return nil, rates.NewSourceError(SourceName, "HTTP %d", resp.StatusCode)
	}

	// {"bitcoin": {"usd": 59337.21}, ...}
	var payload map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, rates.NewSourceError(SourceName, "malformed payload: %v", err)
	}

	ts := time.Now().UTC().Truncate(time.Second)
	vs := strings.ToLower(c.base)

	out := make(map[string]rates.RateRecord, len(c.currencies))
	for _, code := range c.currencies {
		code = strings.ToUpper(code)
		id, ok := defaultIDs[code]
		if !ok {
			c.log.WithComponent("coingecko").WithFields(logger.Fields{"code": code}).
				Warn("no asset id mapping, skipping currency")
			continue
		}
		quote, ok := payload[id]
		if !ok {
			continue
		}
		value, ok := quote[vs]
		if !ok || value <= 0 {
			continue
		}

		out[rates.PairKey(code, c.base)] = rates.RateRecord{
			From:      code,
			To:        c.base,
			Rate:      value,
			Timestamp: ts,
			Source:    SourceName,
			Meta: map[string]any{
				"raw_id":      id,
				"request_ms":  requestMS,
				"status_code": resp.StatusCode,
				"etag":        resp.Header.Get("ETag"),
			},
		}
	}

	return out, nil
}

var _ source.Source = (*Client)(nil)
