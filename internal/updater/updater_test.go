package updater

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/KiraraGho/valutatrade-hub/config"
	"github.com/KiraraGho/valutatrade-hub/internal/currency"
	"github.com/KiraraGho/valutatrade-hub/internal/rates"
	"github.com/KiraraGho/valutatrade-hub/internal/storage"
)

// fakeSource returns canned records or a canned error.
type fakeSource struct {
	name  string
	data  map[string]rates.RateRecord
	err   error
	calls int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchRates(ctx context.Context) (map[string]rates.RateRecord, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]rates.RateRecord, len(f.data))
	for k, v := range f.data {
		out[k] = v
	}
	return out, nil
}

func record(from, to string, rate float64, ts time.Time, src string) rates.RateRecord {
	return rates.RateRecord{From: from, To: to, Rate: rate, Timestamp: ts, Source: src}
}

func newFixture(t *testing.T, sources ...*fakeSource) (*Updater, *storage.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()

	store := storage.New(cfg.Storage)
	reg := currency.DefaultRegistry()

	u := New(cfg, store, reg)
	for _, s := range sources {
		u.sources = append(u.sources, s)
	}
	return u, store
}

func TestRunUpdatePartialFailure(t *testing.T) {
	t1 := time.Now().UTC().Truncate(time.Second)
	good := &fakeSource{name: "CoinGecko", data: map[string]rates.RateRecord{
		"BTC_USD": record("BTC", "USD", 59337.21, t1, "CoinGecko"),
	}}
	bad := &fakeSource{name: "ExchangeRate-API", err: rates.NewSourceError("ExchangeRate-API", "HTTP 502")}

	u, _ := newFixture(t, good, bad)
	res, err := u.RunUpdate(context.Background(), "")
	if err != nil {
		t.Fatalf("partial failure must not fail the call: %v", err)
	}
	if res.Updated != 1 {
		t.Errorf("expected 1 updated pair, got %d", res.Updated)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "ExchangeRate-API") {
		t.Errorf("unexpected errors: %v", res.Errors)
	}
	if res.LastRefresh == "" {
		t.Error("last refresh not stamped")
	}
}

func TestRunUpdateAllSourcesEmpty(t *testing.T) {
	// Sources that answered but carried none of our currencies make a
	// zero-update cycle, not a failed one.
	a := &fakeSource{name: "CoinGecko", data: map[string]rates.RateRecord{}}
	b := &fakeSource{name: "ExchangeRate-API", data: map[string]rates.RateRecord{}}

	u, _ := newFixture(t, a, b)
	res, err := u.RunUpdate(context.Background(), "")
	if err != nil {
		t.Fatalf("empty cycle must succeed: %v", err)
	}
	if res.Updated != 0 || len(res.Errors) != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.LastRefresh == "" {
		t.Error("last refresh not stamped")
	}
}

func TestRunUpdateTotalFailure(t *testing.T) {
	bad1 := &fakeSource{name: "CoinGecko", err: rates.NewSourceError("CoinGecko", "network error")}
	bad2 := &fakeSource{name: "ExchangeRate-API", err: rates.NewSourceError("ExchangeRate-API", "HTTP 502")}

	u, store := newFixture(t, bad1, bad2)
	_, err := u.RunUpdate(context.Background(), "")
	if !errors.Is(err, rates.ErrAllSourcesFailed) {
		t.Fatalf("expected ErrAllSourcesFailed, got %v", err)
	}
	// Both reasons are joined into the failure.
	if !strings.Contains(err.Error(), "network error") || !strings.Contains(err.Error(), "HTTP 502") {
		t.Errorf("joined error missing reasons: %v", err)
	}
	// The snapshot file must be untouched.
	if _, serr := store.ReadSnapshot(); !errors.Is(serr, storage.ErrSnapshotNotExist) {
		t.Errorf("snapshot must not be written on total failure, got %v", serr)
	}
}

func TestRunUpdateLastWriterWins(t *testing.T) {
	t0 := time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	src := &fakeSource{name: "CoinGecko", data: map[string]rates.RateRecord{
		"BTC_USD": record("BTC", "USD", 59337.21, t1, "CoinGecko"),
	}}
	u, store := newFixture(t, src)

	if res, err := u.RunUpdate(context.Background(), ""); err != nil || res.Updated != 1 {
		t.Fatalf("first update: %v %v", res, err)
	}

	// A later cycle carrying an older producer timestamp must not clobber.
	src.data = map[string]rates.RateRecord{
		"BTC_USD": record("BTC", "USD", 60000.0, t0, "CoinGecko"),
	}
	res, err := u.RunUpdate(context.Background(), "")
	if err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	if res.Updated != 0 {
		t.Errorf("stale record must not count as updated, got %d", res.Updated)
	}

	snap, err := store.ReadSnapshot()
	if err != nil {
		t.Fatalf("ReadSnapshot failed: %v", err)
	}
	entry := snap.Pairs["BTC_USD"]
	if entry.Rate != 59337.21 {
		t.Errorf("stale write clobbered the fresher rate: %v", entry.Rate)
	}
	if entry.UpdatedAt != rates.FormatTime(t1) {
		t.Errorf("updated_at regressed: %s", entry.UpdatedAt)
	}
}

func TestRunUpdateIdempotentMerge(t *testing.T) {
	t1 := time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "CoinGecko", data: map[string]rates.RateRecord{
		"BTC_USD": record("BTC", "USD", 59337.21, t1, "CoinGecko"),
	}}
	u, store := newFixture(t, src)

	if _, err := u.RunUpdate(context.Background(), ""); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	res, err := u.RunUpdate(context.Background(), "")
	if err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	// Same pair with the same timestamp is a tie and must be skipped.
	if res.Updated != 0 {
		t.Errorf("tie must not update, got %d", res.Updated)
	}

	// History keeps exactly one record for the id.
	hist, err := store.ReadHistory()
	if err != nil {
		t.Fatalf("ReadHistory failed: %v", err)
	}
	if len(hist) != 1 {
		t.Errorf("expected 1 history record, got %d", len(hist))
	}
}

func TestRunUpdateSameCycleCollision(t *testing.T) {
	ts := time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC)
	first := &fakeSource{name: "SourceA", data: map[string]rates.RateRecord{
		"EUR_USD": record("EUR", "USD", 1.07, ts, "SourceA"),
	}}
	second := &fakeSource{name: "SourceB", data: map[string]rates.RateRecord{
		"EUR_USD": record("EUR", "USD", 1.08, ts, "SourceB"),
	}}

	u, store := newFixture(t, first, second)
	if _, err := u.RunUpdate(context.Background(), ""); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	snap, _ := store.ReadSnapshot()
	entry := snap.Pairs["EUR_USD"]
	// The later source in configuration order wins the same-cycle collision.
	if entry.Source != "SourceB" || entry.Rate != 1.08 {
		t.Errorf("expected SourceB to win the collision, got %+v", entry)
	}
}

func TestRunUpdateSourceFilter(t *testing.T) {
	ts := time.Now().UTC().Truncate(time.Second)
	gecko := &fakeSource{name: "CoinGecko", data: map[string]rates.RateRecord{
		"BTC_USD": record("BTC", "USD", 59337.21, ts, "CoinGecko"),
	}}
	fiat := &fakeSource{name: "ExchangeRate-API", data: map[string]rates.RateRecord{
		"EUR_USD": record("EUR", "USD", 1.07, ts, "ExchangeRate-API"),
	}}

	u, store := newFixture(t, gecko, fiat)
	res, err := u.RunUpdate(context.Background(), "gecko")
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if res.Updated != 1 {
		t.Errorf("expected only the matching source to run, got %d", res.Updated)
	}
	if fiat.calls != 0 {
		t.Errorf("filtered-out source was invoked %d times", fiat.calls)
	}

	snap, _ := store.ReadSnapshot()
	if _, ok := snap.Pairs["EUR_USD"]; ok {
		t.Error("filtered-out source contributed a pair")
	}
}

func TestRunUpdateDropsUnknownCurrency(t *testing.T) {
	ts := time.Now().UTC().Truncate(time.Second)
	src := &fakeSource{name: "CoinGecko", data: map[string]rates.RateRecord{
		"XYZ_USD": record("XYZ", "USD", 42.0, ts, "CoinGecko"),
		"BTC_USD": record("BTC", "USD", 59337.21, ts, "CoinGecko"),
	}}

	u, store := newFixture(t, src)
	res, err := u.RunUpdate(context.Background(), "")
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if res.Updated != 1 {
		t.Errorf("unknown code must be dropped, got %d updates", res.Updated)
	}
	snap, _ := store.ReadSnapshot()
	if _, ok := snap.Pairs["XYZ_USD"]; ok {
		t.Error("unknown currency pair persisted")
	}
}

func TestRunUpdateRetries(t *testing.T) {
	flaky := &failNTimesSource{name: "CoinGecko", failures: 1, data: map[string]rates.RateRecord{
		"BTC_USD": record("BTC", "USD", 59337.21, time.Now().UTC(), "CoinGecko"),
	}}

	u, _ := newFixture(t)
	u.sources = append(u.sources, flaky)
	u.cfg.Rates.RetryAttempts = 2
	u.cfg.Rates.RetryDelaySeconds = 1

	res, err := u.RunUpdate(context.Background(), "")
	if err != nil {
		t.Fatalf("update failed despite retries: %v", err)
	}
	if res.Updated != 1 {
		t.Errorf("expected retry to recover the source, got %d", res.Updated)
	}
	if flaky.calls != 2 {
		t.Errorf("expected 2 attempts, got %d", flaky.calls)
	}
}

type failNTimesSource struct {
	name     string
	failures int
	calls    int
	data     map[string]rates.RateRecord
}

func (f *failNTimesSource) Name() string { return f.name }

func (f *failNTimesSource) FetchRates(ctx context.Context) (map[string]rates.RateRecord, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, rates.NewSourceError(f.name, "transient failure")
	}
	return f.data, nil
}

// TestScenario: one source, one pair, then a later cycle carrying an older
// producer stamp that must not win.
func TestScenario(t *testing.T) {
	t1 := time.Now().UTC().Truncate(time.Second)
	t0 := t1.Add(-time.Hour)

	src := &fakeSource{name: "CoinGecko", data: map[string]rates.RateRecord{
		"BTC_USD": record("BTC", "USD", 59337.21, t1, "CoinGecko"),
	}}
	u, store := newFixture(t, src)

	res, err := u.RunUpdate(context.Background(), "")
	if err != nil || res.Updated != 1 {
		t.Fatalf("initial update: res=%+v err=%v", res, err)
	}

	src.data = map[string]rates.RateRecord{
		"BTC_USD": record("BTC", "USD", 60000.0, t0, "CoinGecko"),
	}
	if _, err := u.RunUpdate(context.Background(), ""); err != nil {
		t.Fatalf("second update: %v", err)
	}

	snap, _ := store.ReadSnapshot()
	if snap.Pairs["BTC_USD"].Rate != 59337.21 {
		t.Errorf("older timestamp overwrote the fresher rate: %v", snap.Pairs["BTC_USD"].Rate)
	}
}
