// Package updater orchestrates one aggregation cycle: fan out to every
// configured rate source, merge the results into the snapshot under the
// last-writer-wins-by-timestamp rule and persist them crash-safely.
package updater

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sethvargo/go-retry"

	"github.com/KiraraGho/valutatrade-hub/config"
	"github.com/KiraraGho/valutatrade-hub/internal/currency"
	"github.com/KiraraGho/valutatrade-hub/internal/rates"
	"github.com/KiraraGho/valutatrade-hub/internal/source"
	"github.com/KiraraGho/valutatrade-hub/internal/storage"
	"github.com/KiraraGho/valutatrade-hub/logger"
)

// Result summarizes one aggregation cycle. Errors holds one human-readable
// string per failed source; a non-empty Errors with Updated > 0 is a partial
// success, not a failure.
type Result struct {
	Updated     int
	LastRefresh string
	Errors      []string
}

// Updater owns the snapshot write path. All mutation of the snapshot and
// history files funnels through RunUpdate, which serializes the
// read-merge-write critical section with a mutex.
type Updater struct {
	cfg      *config.Config
	store    *storage.Store
	registry *currency.Registry
	sources  []source.Source
	log      *logger.Log

	// Serializes merge-and-persist; fetches stay concurrent.
	mu sync.Mutex
}

// New builds an updater over the given sources. Source order is the
// configuration order and decides same-cycle collisions: a later source wins
// the pair key.
func New(cfg *config.Config, store *storage.Store, registry *currency.Registry, sources ...source.Source) *Updater {
	return &Updater{
		cfg:      cfg,
		store:    store,
		registry: registry,
		sources:  sources,
		log:      logger.GetLogger(),
	}
}

type fetchOutcome struct {
	name string
	data map[string]rates.RateRecord
	err  error
}

// RunUpdate fetches rates from every source whose name contains sourceFilter
// (case-insensitive; empty selects all), merges them into the snapshot and
// appends the accepted records to history. A failing source contributes an
// entry to Result.Errors and never aborts the cycle; only a cycle in which
// every source failed returns an error, and then the snapshot is untouched.
func (u *Updater) RunUpdate(ctx context.Context, sourceFilter string) (Result, error) {
	cycleID := uuid.NewString()
	log := u.log.WithComponent("updater").WithFields(logger.Fields{"cycle_id": cycleID})
	log.Info("starting rates update")

	selected := u.selectSources(sourceFilter)
	if len(selected) == 0 {
		log.WithFields(logger.Fields{"filter": sourceFilter}).Warn("no sources match the filter")
	}

	outcomes := u.fetchAll(ctx, selected, log)

	var errs []string
	combined := make(map[string]rates.RateRecord)
	for _, o := range outcomes {
		if o.err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", o.name, o.err))
			continue
		}
		// Later sources overwrite earlier ones for the same pair.
		for pair, rec := range o.data {
			combined[pair] = rec
		}
	}

	if len(combined) == 0 && len(errs) > 0 {
		merr := &multierror.Error{}
		for _, e := range errs {
			merr = multierror.Append(merr, fmt.Errorf("%s", e))
		}
		log.WithFields(logger.Fields{"errors": len(errs)}).Error("every source failed, snapshot left untouched")
		return Result{Errors: errs}, fmt.Errorf("%w: %v", rates.ErrAllSourcesFailed, merr.ErrorOrNil())
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	snap, err := u.store.ReadSnapshot()
	if err != nil && !errors.Is(err, storage.ErrSnapshotNotExist) {
		return Result{Errors: errs}, fmt.Errorf("load snapshot: %w", err)
	}
	merged := snap.Clone()

	now := rates.FormatTime(time.Now())
	updated := 0
	history := make([]rates.HistoryRecord, 0, len(combined))

	// Deterministic pair order for history and logs.
	pairs := make([]string, 0, len(combined))
	for pair := range combined {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)

	for _, pair := range pairs {
		rec := combined[pair]

		if err := u.validateRecord(rec); err != nil {
			log.WithFields(logger.Fields{"pair": pair}).WithError(err).Warn("skipping invalid rate")
			continue
		}

		if rec.Meta == nil {
			rec.Meta = make(map[string]any, 1)
		}
		rec.Meta["cycle_id"] = cycleID
		history = append(history, rates.HistoryFromRecord(rec))

		ts := rates.FormatTime(rec.Timestamp)
		if prev, ok := merged.Pairs[pair]; ok && prev.UpdatedAt >= ts {
			// Stored entry is as fresh or fresher; never clobber it.
			continue
		}
		merged.Pairs[pair] = rates.SnapshotEntry{Rate: rec.Rate, UpdatedAt: ts, Source: rec.Source}
		updated++
	}

	if err := u.store.AppendHistory(history); err != nil {
		return Result{Errors: errs}, fmt.Errorf("append history: %w", err)
	}

	merged.LastRefresh = now
	if err := u.store.WriteSnapshot(merged); err != nil {
		return Result{Errors: errs}, fmt.Errorf("persist snapshot: %w", err)
	}

	log.WithFields(logger.Fields{
		"updated":        updated,
		"failed_sources": len(errs),
	}).Info("rates update finished")

	return Result{Updated: updated, LastRefresh: now, Errors: errs}, nil
}

// selectSources returns the sources whose name contains the filter,
// preserving configuration order.
func (u *Updater) selectSources(filter string) []source.Source {
	if filter == "" {
		return u.sources
	}
	needle := strings.ToLower(filter)
	var selected []source.Source
	for _, s := range u.sources {
		if strings.Contains(strings.ToLower(s.Name()), needle) {
			selected = append(selected, s)
		}
	}
	return selected
}

// fetchAll invokes every source concurrently and returns outcomes indexed by
// configuration order. Each fetch retries with a constant delay when
// configured.
func (u *Updater) fetchAll(ctx context.Context, selected []source.Source, log *logger.Entry) []fetchOutcome {
	outcomes := make([]fetchOutcome, len(selected))

	var wg sync.WaitGroup
	for i, src := range selected {
		wg.Add(1)
		go func(i int, src source.Source) {
			defer wg.Done()

			data, err := u.fetchOne(ctx, src)
			outcomes[i] = fetchOutcome{name: src.Name(), data: data, err: err}

			if err != nil {
				log.WithFields(logger.Fields{"source": src.Name()}).WithError(err).Error("source fetch failed")
				return
			}
			log.WithFields(logger.Fields{"source": src.Name(), "rates": len(data)}).Info("source fetch ok")
		}(i, src)
	}
	wg.Wait()

	return outcomes
}

func (u *Updater) fetchOne(ctx context.Context, src source.Source) (map[string]rates.RateRecord, error) {
	attempts := u.cfg.Rates.RetryAttempts
	if attempts <= 0 {
		return src.FetchRates(ctx)
	}

	backoff, err := retry.NewConstant(u.cfg.Rates.RetryDelay())
	if err != nil {
		return src.FetchRates(ctx)
	}
	backoff = retry.WithMaxRetries(uint64(attempts), backoff)

	var data map[string]rates.RateRecord
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		out, ferr := src.FetchRates(ctx)
		if ferr != nil {
			return retry.RetryableError(ferr)
		}
		data = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// validateRecord checks the record invariants and both currency codes
// against the registry.
func (u *Updater) validateRecord(rec rates.RateRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if _, err := u.registry.Get(rec.From); err != nil {
		return err
	}
	if _, err := u.registry.Get(rec.To); err != nil {
		return err
	}
	return nil
}
