// Package storage owns the JSON files under the data directory: the rates
// snapshot, the append-only history log and the users/portfolios records.
// Every write goes through an atomic temp-file-plus-rename so a concurrent
// reader observes either the previous or the next file in full, never a mix.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/KiraraGho/valutatrade-hub/config"
	"github.com/KiraraGho/valutatrade-hub/internal/rates"
	"github.com/KiraraGho/valutatrade-hub/logger"
)

// ErrSnapshotNotExist reports that no snapshot file has ever been written.
var ErrSnapshotNotExist = errors.New("snapshot file does not exist")

// UserRecord is the persisted shape of one user.
type UserRecord struct {
	UserID           int    `json:"user_id"`
	Username         string `json:"username"`
	HashedPassword   string `json:"hashed_password"`
	RegistrationDate string `json:"registration_date"`
}

// WalletRecord is the persisted balance of one wallet.
type WalletRecord struct {
	Balance float64 `json:"balance"`
}

// PortfolioRecord is the persisted shape of one user's portfolio.
type PortfolioRecord struct {
	UserID  int                     `json:"user_id"`
	Wallets map[string]WalletRecord `json:"wallets"`
}

// Store reads and writes the application's JSON files.
type Store struct {
	cfg config.StorageConfig
	log *logger.Log
}

// New returns a store over the configured data directory.
func New(cfg config.StorageConfig) *Store {
	return &Store{cfg: cfg, log: logger.GetLogger()}
}

// Ensure creates the data directory and seeds missing files with valid empty
// JSON documents.
func (s *Store) Ensure() error {
	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	seeds := map[string]string{
		s.cfg.UsersPath():      "[]\n",
		s.cfg.PortfoliosPath(): "[]\n",
		s.cfg.HistoryPath():    "[]\n",
	}
	for path, content := range seeds {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return fmt.Errorf("seed %s: %w", path, err)
			}
		}
	}
	return nil
}

// ReadSnapshot loads the current rates snapshot. A missing file returns
// ErrSnapshotNotExist; an unreadable or malformed file degrades to an empty
// snapshot with a warning, matching the forgiving read policy of the rest of
// the store.
func (s *Store) ReadSnapshot() (rates.Snapshot, error) {
	path := s.cfg.RatesPath()
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rates.NewSnapshot(), ErrSnapshotNotExist
		}
		return rates.NewSnapshot(), fmt.Errorf("read snapshot: %w", err)
	}
	if len(raw) == 0 {
		return rates.NewSnapshot(), nil
	}

	var snap rates.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.log.WithComponent("storage").WithError(err).Warn("snapshot file is malformed, treating as empty")
		return rates.NewSnapshot(), nil
	}
	if snap.Pairs == nil {
		snap.Pairs = make(map[string]rates.SnapshotEntry)
	}
	return snap, nil
}

// WriteSnapshot atomically replaces the snapshot file.
func (s *Store) WriteSnapshot(snap rates.Snapshot) error {
	if snap.Pairs == nil {
		snap.Pairs = make(map[string]rates.SnapshotEntry)
	}
	return s.writeJSON(s.cfg.RatesPath(), snap)
}

// ReadHistory loads the audit log. Missing or malformed files degrade to an
// empty log.
func (s *Store) ReadHistory() ([]rates.HistoryRecord, error) {
	var records []rates.HistoryRecord
	if err := s.readJSON(s.cfg.HistoryPath(), &records); err != nil {
		return nil, err
	}
	return records, nil
}

// AppendHistory appends records to the audit log, skipping any id that is
// already present. Records are never mutated or deleted once written.
func (s *Store) AppendHistory(records []rates.HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}

	existing, err := s.ReadHistory()
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		seen[r.ID] = struct{}{}
	}

	appended := 0
	for _, r := range records {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		existing = append(existing, r)
		appended++
	}
	if appended == 0 {
		return nil
	}
	return s.writeJSON(s.cfg.HistoryPath(), existing)
}

// ReadUsers loads all user records.
func (s *Store) ReadUsers() ([]UserRecord, error) {
	var users []UserRecord
	if err := s.readJSON(s.cfg.UsersPath(), &users); err != nil {
		return nil, err
	}
	return users, nil
}

// WriteUsers atomically replaces the users file.
func (s *Store) WriteUsers(users []UserRecord) error {
	if users == nil {
		users = []UserRecord{}
	}
	return s.writeJSON(s.cfg.UsersPath(), users)
}

// ReadPortfolios loads all portfolio records.
func (s *Store) ReadPortfolios() ([]PortfolioRecord, error) {
	var portfolios []PortfolioRecord
	if err := s.readJSON(s.cfg.PortfoliosPath(), &portfolios); err != nil {
		return nil, err
	}
	return portfolios, nil
}

// WritePortfolios atomically replaces the portfolios file.
func (s *Store) WritePortfolios(portfolios []PortfolioRecord) error {
	if portfolios == nil {
		portfolios = []PortfolioRecord{}
	}
	return s.writeJSON(s.cfg.PortfoliosPath(), portfolios)
}

// readJSON decodes path into out. Missing, empty and malformed files leave
// out at its zero value.
func (s *Store) readJSON(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		s.log.WithComponent("storage").WithFields(logger.Fields{"path": path}).
			WithError(err).Warn("file is malformed, treating as empty")
	}
	return nil
}

// writeJSON marshals v and atomically replaces path: the document is written
// to a sibling temp file first and renamed into place.
func (s *Store) writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
