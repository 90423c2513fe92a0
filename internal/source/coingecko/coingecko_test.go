package coingecko

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KiraraGho/valutatrade-hub/config"
	"github.com/KiraraGho/valutatrade-hub/internal/rates"
)

func newTestClient(url string, currencies []string) *Client {
	cfg := config.SourceConfig{
		Enabled:    true,
		URL:        url,
		Currencies: currencies,
		RateLimit:  config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 10},
	}
	return New(cfg, "USD", 2*time.Second)
}

func TestFetchRates(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("ETag", `"abc"`)
		w.Write([]byte(`{"bitcoin":{"usd":59337.21},"ethereum":{"usd":3720.0}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, []string{"BTC", "ETH"})
	out, err := c.FetchRates(context.Background())
	if err != nil {
		t.Fatalf("FetchRates failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 records, got %d", len(out))
	}

	rec, ok := out["BTC_USD"]
	if !ok {
		t.Fatalf("BTC_USD missing from %v", out)
	}
	if rec.Rate != 59337.21 || rec.From != "BTC" || rec.To != "USD" || rec.Source != SourceName {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Timestamp.Location() != time.UTC {
		t.Error("timestamp must be UTC")
	}
	if rec.Meta["raw_id"] != "bitcoin" || rec.Meta["etag"] != `"abc"` {
		t.Errorf("unexpected meta: %v", rec.Meta)
	}
	if gotQuery == "" {
		t.Error("query string not sent")
	}
}

func TestFetchRatesMissingCurrencyOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bitcoin":{"usd":59337.21}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, []string{"BTC", "ETH", "SOL"})
	out, err := c.FetchRates(context.Background())
	if err != nil {
		t.Fatalf("FetchRates failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected missing currencies to be omitted, got %v", out)
	}
	if _, ok := out["BTC_USD"]; !ok {
		t.Errorf("BTC_USD missing from %v", out)
	}
}

func TestFetchRatesValidEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	// A well-formed response with none of our currencies is not a source
	// failure, it contributes zero records to the cycle.
	c := newTestClient(srv.URL, []string{"BTC", "ETH"})
	out, err := c.FetchRates(context.Background())
	if err != nil {
		t.Fatalf("FetchRates failed: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected no records, got %v", out)
	}
}

func TestFetchRatesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, []string{"BTC"})
	if _, err := c.FetchRates(context.Background()); !errors.Is(err, rates.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestFetchRatesMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bitcoin": "oops"`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, []string{"BTC"})
	if _, err := c.FetchRates(context.Background()); !errors.Is(err, rates.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestFetchRatesNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // shut down before the request

	c := newTestClient(srv.URL, []string{"BTC"})
	if _, err := c.FetchRates(context.Background()); !errors.Is(err, rates.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestFetchRatesAPIKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-cg-pro-api-key")
		w.Write([]byte(`{"bitcoin":{"usd":1.0}}`))
	}))
	defer srv.Close()

	cfg := config.SourceConfig{
		URL:        srv.URL,
		Currencies: []string{"BTC"},
		APIKey:     "pro-key",
		RateLimit:  config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 10},
	}
	c := New(cfg, "USD", time.Second)
	if _, err := c.FetchRates(context.Background()); err != nil {
		t.Fatalf("FetchRates failed: %v", err)
	}
	if gotKey != "pro-key" {
		t.Errorf("API key header not sent, got %q", gotKey)
	}
}
