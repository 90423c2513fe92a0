package rates

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel conditions of the rate engine. Callers are expected to branch on
// these with errors.Is instead of matching message text.
var (
	// ErrSourceUnavailable marks a network, HTTP or payload failure of a
	// single provider.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrAllSourcesFailed is returned when every provider in a cycle failed
	// and none contributed data.
	ErrAllSourcesFailed = errors.New("all rate sources failed")
	// ErrCacheEmpty means no snapshot has ever been written.
	ErrCacheEmpty = errors.New("rates cache is empty")
	// ErrPairNotCached means the snapshot exists but lacks the pair.
	ErrPairNotCached = errors.New("pair is not cached")
	// ErrCorruptEntry means the stored entry cannot be interpreted.
	ErrCorruptEntry = errors.New("corrupt cache entry")
	// ErrStaleEntry means the entry exceeded the configured TTL.
	ErrStaleEntry = errors.New("cache entry is stale")
)

// SourceError describes why one provider failed. It unwraps to
// ErrSourceUnavailable so the aggregator can treat all provider failures
// uniformly.
type SourceError struct {
	Source string
	Reason string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Source, e.Reason)
}

func (e *SourceError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrSourceUnavailable
}

// NewSourceError builds a SourceError unwrapping to ErrSourceUnavailable.
func NewSourceError(source, format string, args ...any) *SourceError {
	return &SourceError{Source: source, Reason: fmt.Sprintf(format, args...)}
}

// StaleError reports how stale an entry is relative to its TTL.
type StaleError struct {
	Pair string
	Age  time.Duration
	TTL  time.Duration
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("rate %s is stale: age %s exceeds ttl %s", e.Pair, e.Age, e.TTL)
}

func (e *StaleError) Unwrap() error { return ErrStaleEntry }

// CorruptEntryError reports an entry whose rate or timestamp cannot be
// interpreted.
type CorruptEntryError struct {
	Pair   string
	Reason string
}

func (e *CorruptEntryError) Error() string {
	return fmt.Sprintf("rate %s is corrupt: %s", e.Pair, e.Reason)
}

func (e *CorruptEntryError) Unwrap() error { return ErrCorruptEntry }
