// Package exchangerate fetches fiat rates from the ExchangeRate-API v6
// endpoint. The provider quotes "X per 1 base", so every rate is inverted to
// the canonical "base per 1 X" form before it leaves the client.
package exchangerate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/KiraraGho/valutatrade-hub/config"
	"github.com/KiraraGho/valutatrade-hub/internal/rates"
	"github.com/KiraraGho/valutatrade-hub/internal/source"
	"github.com/KiraraGho/valutatrade-hub/logger"
)

// SourceName identifies this provider in records and logs.
const SourceName = "ExchangeRate-API"

const userAgent = "valutatrade-hub/1.0"

// latestResponse is the v6 /latest payload.
type latestResponse struct {
	Result          string             `json:"result"`
	ErrorType       string             `json:"error-type"`
	BaseCode        string             `json:"base_code"`
	ConversionRates map[string]float64 `json:"conversion_rates"`
}

// Client is a stateless ExchangeRate-API provider client.
type Client struct {
	baseURL    string
	apiKey     string
	base       string
	currencies []string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Log
}

// New builds a client from the provider config block. The API key is
// required by the provider; its absence is reported at fetch time so one
// misconfigured source degrades the cycle instead of failing startup.
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
		baseURL:    strings.TrimRight(cfg.URL, "/"),
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

// FetchRates requests the latest table for the base currency and returns
// inverted records keyed by "<CODE>_<BASE>" for every configured fiat code
// present in the response.
func (c *Client) FetchRates(ctx context.Context) (map[string]rates.RateRecord, error) {
	if c.apiKey == "" {
		return nil, rates.NewSourceError(SourceName, "%s is not set in the environment", config.EnvExchangeRateAPIKey)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, rates.NewSourceError(SourceName, "rate limiter: %v", err)
	}

	url := fmt.Sprintf("%s/%s/latest/%s", c.baseURL, c.apiKey, c.base)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, rates.NewSourceError(SourceName, "build request: %v", err)
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

	var payload latestResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, rates.NewSourceError(SourceName, "malformed payload: %v", err)
	}
	if payload.Result != "success" {
		reason := payload.ErrorType
		if reason == "" {
			reason = payload.Result
		}
		return nil, rates.NewSourceError(SourceName, "response is not success (%s)", reason)
	}
	if payload.ConversionRates == nil {
		return nil, rates.NewSourceError(SourceName, "conversion_rates table is missing")
	}

	ts := time.Now().UTC().Truncate(time.Second)

	out := make(map[string]rates.RateRecord, len(c.currencies))
	for _, code := range c.currencies {
		code = strings.ToUpper(code)
		if code == c.base {
			continue
		}
		baseToX, ok := payload.ConversionRates[code]
		if !ok {
			continue
		}
		if baseToX <= 0 {
			c.log.WithComponent("exchangerate").WithFields(logger.Fields{"code": code, "rate": baseToX}).
				Warn("non-positive rate in response, skipping currency")
			continue
		}

		out[rates.PairKey(code, c.base)] = rates.RateRecord{
			From:      code,
			To:        c.base,
			Rate:      1.0 / baseToX,
			Timestamp: ts,
			Source:    SourceName,
			Meta: map[string]any{
				"request_ms":  requestMS,
				"status_code": resp.StatusCode,
			},
		}
	}

	return out, nil
}

var _ source.Source = (*Client)(nil)
