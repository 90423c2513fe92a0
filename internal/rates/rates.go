package rates

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the canonical timestamp format for everything the engine
// persists: UTC, second precision, trailing Z. With a fixed format a
// lexicographic comparison of two stamps is equivalent to comparing the
// instants, which is what the snapshot merge relies on.
const TimeLayout = "2006-01-02T15:04:05Z"

// FormatTime renders t in the canonical UTC layout.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimeLayout)
}

// ParseTime parses a canonical timestamp. RFC3339 stamps with an explicit
// offset are accepted too and normalized to UTC.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// PairKey builds the "FROM_TO" key identifying a directed conversion rate.
func PairKey(from, to string) string {
	return from + "_" + to
}

// SplitPairKey splits a "FROM_TO" key back into its currency codes.
func SplitPairKey(key string) (from, to string, err error) {
	parts := strings.SplitN(key, "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed pair key %q", key)
	}
	return parts[0], parts[1], nil
}

// RateRecord is one normalized rate observation produced by a source client.
// Records are immutable once produced; the timestamp is stamped by the
// producer, never by a reader.
type RateRecord struct {
	From      string
	To        string
	Rate      float64
	Timestamp time.Time
	Source    string
	// Meta is a diagnostic bag (request latency, HTTP status, cache
	// validators). Never consulted for correctness.
	Meta map[string]any
}

// PairKey returns the snapshot key for the record.
func (r RateRecord) PairKey() string {
	return PairKey(r.From, r.To)
}

// HistoryID returns the deduplication id for the record.
func (r RateRecord) HistoryID() string {
	return fmt.Sprintf("%s_%s_%s", r.From, r.To, FormatTime(r.Timestamp))
}

// Validate checks the record invariants.
func (r RateRecord) Validate() error {
	if r.From == "" || r.To == "" {
		return fmt.Errorf("rate record %s: empty currency code", r.PairKey())
	}
	if r.Rate <= 0 {
		return fmt.Errorf("rate record %s: rate must be positive, got %v", r.PairKey(), r.Rate)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("rate record %s: zero timestamp", r.PairKey())
	}
	return nil
}

// SnapshotEntry is the durable cache row for a single pair.
type SnapshotEntry struct {
	Rate      float64 `json:"rate"`
	UpdatedAt string  `json:"updated_at"`
	Source    string  `json:"source"`
}

// Snapshot is the full rates cache persisted as one JSON document.
type Snapshot struct {
	Pairs       map[string]SnapshotEntry `json:"pairs"`
	LastRefresh string                   `json:"last_refresh"`
}

// NewSnapshot returns an empty snapshot with an initialized pair map.
func NewSnapshot() Snapshot {
	return Snapshot{Pairs: make(map[string]SnapshotEntry)}
}

// Clone returns a deep copy so a merge never mutates the snapshot a reader
// may still be holding.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Pairs:       make(map[string]SnapshotEntry, len(s.Pairs)),
		LastRefresh: s.LastRefresh,
	}
	for k, v := range s.Pairs {
		out.Pairs[k] = v
	}
	return out
}

// HistoryRecord is one append-only audit row, deduplicated by ID.
type HistoryRecord struct {
	ID           string         `json:"id"`
	FromCurrency string         `json:"from_currency"`
	ToCurrency   string         `json:"to_currency"`
	Rate         float64        `json:"rate"`
	Timestamp    string         `json:"timestamp"`
	Source       string         `json:"source"`
	Meta         map[string]any `json:"meta"`
}

// HistoryFromRecord converts an accepted RateRecord into its audit row.
func HistoryFromRecord(r RateRecord) HistoryRecord {
	return HistoryRecord{
		ID:           r.HistoryID(),
		FromCurrency: r.From,
		ToCurrency:   r.To,
		Rate:         r.Rate,
		Timestamp:    FormatTime(r.Timestamp),
		Source:       r.Source,
		Meta:         r.Meta,
	}
}
