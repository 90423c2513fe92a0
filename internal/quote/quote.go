// Package quote is the read path over the rates snapshot. It enforces the
// TTL policy and reports explicit, typed conditions instead of guessing: a
// caller always learns whether a rate was missing, stale or corrupt.
package quote

import (
	"errors"
	"fmt"
	"time"

	"github.com/KiraraGho/valutatrade-hub/internal/currency"
	"github.com/KiraraGho/valutatrade-hub/internal/rates"
	"github.com/KiraraGho/valutatrade-hub/internal/storage"
	"github.com/KiraraGho/valutatrade-hub/logger"
)

// DefaultTTL bounds the age of a usable cache entry when none is configured.
const DefaultTTL = 300 * time.Second

// Quote is one priced conversion. Derived marks a rate synthesized from the
// reverse pair (1/reverse) rather than read directly.
type Quote struct {
	Pair      string
	From      string
	To        string
	Rate      float64
	UpdatedAt time.Time
	Source    string
	Derived   bool
}

// SnapshotReader is the slice of the store the reader needs.
type SnapshotReader interface {
	ReadSnapshot() (rates.Snapshot, error)
}

// Reader answers rate queries from the snapshot. It never writes.
type Reader struct {
	store    SnapshotReader
	registry *currency.Registry
	ttl      time.Duration
	now      func() time.Time
	log      *logger.Log
}

// NewReader builds a reader with the given TTL; a non-positive TTL falls
// back to DefaultTTL.
func NewReader(store SnapshotReader, registry *currency.Registry, ttl time.Duration) *Reader {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Reader{
		store:    store,
		registry: registry,
		ttl:      ttl,
		now:      time.Now,
		log:      logger.GetLogger(),
	}
}

// GetRate returns the cached rate for from→to.
//
// The identity pair returns 1.0 without consulting storage. When the direct
// pair is stale or missing but the reverse pair is fresh, the reader answers
// with 1/reverse and marks the quote Derived. Failures are the typed
// conditions of the rates package plus currency.ErrUnknown.
func (r *Reader) GetRate(from, to string) (Quote, error) {
	fromCur, err := r.registry.Get(from)
	if err != nil {
		return Quote{}, err
	}
	toCur, err := r.registry.Get(to)
	if err != nil {
		return Quote{}, err
	}

	now := r.now().UTC()
	pair := rates.PairKey(fromCur.Code, toCur.Code)

	if fromCur.Code == toCur.Code {
		return Quote{
			Pair:      pair,
			From:      fromCur.Code,
			To:        toCur.Code,
			Rate:      1.0,
			UpdatedAt: now,
			Source:    "identity",
		}, nil
	}

	snap, err := r.store.ReadSnapshot()
	if err != nil {
		if errors.Is(err, storage.ErrSnapshotNotExist) {
			return Quote{}, fmt.Errorf("%w: no snapshot has been written yet", rates.ErrCacheEmpty)
		}
		return Quote{}, err
	}

	direct, haveDirect := snap.Pairs[pair]
	var directErr error
	if haveDirect {
		q, err := r.buildQuote(pair, fromCur.Code, toCur.Code, direct, now)
		if err == nil {
			return q, nil
		}
		if errors.Is(err, rates.ErrCorruptEntry) {
			// A corrupt row is an operator problem; hiding it behind the
			// reverse pair would mask it.
			return Quote{}, err
		}
		directErr = err
	}

	// Best-effort fallback through the fresh reverse pair.
	reverseKey := rates.PairKey(toCur.Code, fromCur.Code)
	if reverse, ok := snap.Pairs[reverseKey]; ok {
		if q, err := r.buildQuote(reverseKey, toCur.Code, fromCur.Code, reverse, now); err == nil && q.Rate > 0 {
			r.log.WithComponent("quote").WithFields(logger.Fields{"pair": pair, "via": reverseKey}).
				Debug("serving derived inverse rate")
			return Quote{
				Pair:      pair,
				From:      fromCur.Code,
				To:        toCur.Code,
				Rate:      1.0 / q.Rate,
				UpdatedAt: q.UpdatedAt,
				Source:    q.Source,
				Derived:   true,
			}, nil
		}
	}

	if directErr != nil {
		return Quote{}, directErr
	}
	return Quote{}, fmt.Errorf("%w: %s", rates.ErrPairNotCached, pair)
}

// buildQuote interprets one snapshot entry and applies the TTL policy.
func (r *Reader) buildQuote(pair, from, to string, entry rates.SnapshotEntry, now time.Time) (Quote, error) {
	updatedAt, err := rates.ParseTime(entry.UpdatedAt)
	if err != nil {
		return Quote{}, &rates.CorruptEntryError{Pair: pair, Reason: fmt.Sprintf("bad updated_at %q", entry.UpdatedAt)}
	}
	if entry.Rate <= 0 {
		return Quote{}, &rates.CorruptEntryError{Pair: pair, Reason: fmt.Sprintf("non-positive rate %v", entry.Rate)}
	}

	if age := now.Sub(updatedAt); age > r.ttl {
		return Quote{}, &rates.StaleError{Pair: pair, Age: age, TTL: r.ttl}
	}

	return Quote{
		Pair:      pair,
		From:      from,
		To:        to,
		Rate:      entry.Rate,
		UpdatedAt: updatedAt,
		Source:    entry.Source,
	}, nil
}
