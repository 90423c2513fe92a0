// Package ledger implements accounts and wallets on top of the persisted
// user and portfolio records: registration, login and the deposit/buy/sell
// operations priced through the rate cache.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/KiraraGho/valutatrade-hub/internal/currency"
	"github.com/KiraraGho/valutatrade-hub/internal/quote"
	"github.com/KiraraGho/valutatrade-hub/internal/rates"
	"github.com/KiraraGho/valutatrade-hub/internal/storage"
	"github.com/KiraraGho/valutatrade-hub/logger"
)

var (
	ErrUserExists     = errors.New("username is already taken")
	ErrUserNotFound   = errors.New("user not found")
	ErrBadCredentials = errors.New("invalid username or password")
	ErrInvalidAmount  = errors.New("amount must be positive")
	ErrShortUsername  = errors.New("username must be at least 4 characters")
	ErrShortPassword  = errors.New("password must be at least 4 characters")
)

// InsufficientFundsError reports a debit larger than the wallet holds.
type InsufficientFundsError struct {
	Code      string
	Available float64
	Required  float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s funds: have %.8f, need %.8f", e.Code, e.Available, e.Required)
}

// UserStore is the slice of the storage layer the ledger needs.
type UserStore interface {
	ReadUsers() ([]storage.UserRecord, error)
	WriteUsers([]storage.UserRecord) error
	ReadPortfolios() ([]storage.PortfolioRecord, error)
	WritePortfolios([]storage.PortfolioRecord) error
}

// QuoteReader prices one conversion from the rate cache.
type QuoteReader interface {
	GetRate(from, to string) (quote.Quote, error)
}

// PortfolioItem is one wallet valued in the base currency. Priced is false
// when the cache could not supply a usable rate; Reason says why.
type PortfolioItem struct {
	Code    string
	Balance float64
	Value   float64
	Priced  bool
	Reason  string
}

// PortfolioView is a user's holdings with a best-effort total valuation.
type PortfolioView struct {
	UserID int
	Base   string
	Items  []PortfolioItem
	Total  float64
}

// Service is the account and wallet engine. All mutating operations are
// serialized so concurrent CLI commands cannot interleave read-modify-write
// cycles on the JSON files.
type Service struct {
	store    UserStore
	quotes   QuoteReader
	registry *currency.Registry
	base     string
	now      func() time.Time
	log      *logger.Log
	mu       sync.Mutex
}

// New builds a ledger service pricing wallets against base.
func New(store UserStore, quotes QuoteReader, registry *currency.Registry, base string) *Service {
	return &Service{
		store:    store,
		quotes:   quotes,
		registry: registry,
		base:     strings.ToUpper(base),
		now:      time.Now,
		log:      logger.GetLogger(),
	}
}

// Register creates a new user with a bcrypt password hash and an empty
// portfolio holding a zero-balance base wallet.
func (s *Service) Register(username, password string) (storage.UserRecord, error) {
	username = strings.TrimSpace(username)
	if len(username) < 4 {
		return storage.UserRecord{}, ErrShortUsername
	}
	if len(password) < 4 {
		return storage.UserRecord{}, ErrShortPassword
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.store.ReadUsers()
	if err != nil {
		return storage.UserRecord{}, err
	}

	maxID := 0
	for _, u := range users {
		if strings.EqualFold(u.Username, username) {
			return storage.UserRecord{}, ErrUserExists
		}
		if u.UserID > maxID {
			maxID = u.UserID
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return storage.UserRecord{}, fmt.Errorf("hash password: %w", err)
	}

	user := storage.UserRecord{
		UserID:           maxID + 1,
		Username:         username,
		HashedPassword:   string(hash),
		RegistrationDate: rates.FormatTime(s.now()),
	}
	if err := s.store.WriteUsers(append(users, user)); err != nil {
		return storage.UserRecord{}, err
	}

	portfolios, err := s.store.ReadPortfolios()
	if err != nil {
		return storage.UserRecord{}, err
	}
	portfolios = append(portfolios, storage.PortfolioRecord{
		UserID:  user.UserID,
		Wallets: map[string]storage.WalletRecord{s.base: {}},
	})
	if err := s.store.WritePortfolios(portfolios); err != nil {
		return storage.UserRecord{}, err
	}

	s.log.WithComponent("ledger").WithFields(logger.Fields{
		"user_id":  user.UserID,
		"username": user.Username,
	}).Info("user registered")
	return user, nil
}

// Login verifies credentials and returns the matching user.
func (s *Service) Login(username, password string) (storage.UserRecord, error) {
	username = strings.TrimSpace(username)

	users, err := s.store.ReadUsers()
	if err != nil {
		return storage.UserRecord{}, err
	}
	for _, u := range users {
		if !strings.EqualFold(u.Username, username) {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(u.HashedPassword), []byte(password)); err != nil {
			return storage.UserRecord{}, ErrBadCredentials
		}
		s.log.WithComponent("ledger").WithFields(logger.Fields{"user_id": u.UserID}).Info("user logged in")
		return u, nil
	}
	return storage.UserRecord{}, ErrUserNotFound
}

// Deposit credits amount of code to the user's wallet, creating the wallet
// on first use. It returns the new balance.
func (s *Service) Deposit(userID int, code string, amount float64) (float64, error) {
	cur, err := s.registry.Get(code)
	if err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var balance float64
	err = s.mutatePortfolio(userID, func(p *storage.PortfolioRecord) error {
		w := p.Wallets[cur.Code]
		w.Balance += amount
		p.Wallets[cur.Code] = w
		balance = w.Balance
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.WithComponent("ledger").WithFields(logger.Fields{
		"user_id":  userID,
		"currency": cur.Code,
		"amount":   amount,
		"balance":  balance,
	}).Info("deposit")
	return balance, nil
}

// Buy purchases amount of code, paying from the base wallet at the cached
// code→base rate. It returns the cost in base currency.
func (s *Service) Buy(userID int, code string, amount float64) (float64, error) {
	cur, err := s.registry.Get(code)
	if err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	q, err := s.quotes.GetRate(cur.Code, s.base)
	if err != nil {
		return 0, err
	}
	cost := amount * q.Rate

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.mutatePortfolio(userID, func(p *storage.PortfolioRecord) error {
		base := p.Wallets[s.base]
		if base.Balance < cost {
			return &InsufficientFundsError{Code: s.base, Available: base.Balance, Required: cost}
		}
		base.Balance -= cost
		p.Wallets[s.base] = base

		target := p.Wallets[cur.Code]
		target.Balance += amount
		p.Wallets[cur.Code] = target
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.WithComponent("ledger").WithFields(logger.Fields{
		"user_id":  userID,
		"currency": cur.Code,
		"amount":   amount,
		"cost":     cost,
		"rate":     q.Rate,
		"derived":  q.Derived,
	}).Info("buy")
	return cost, nil
}

// Sell converts amount of code back into the base currency at the cached
// code→base rate. It returns the proceeds in base currency.
func (s *Service) Sell(userID int, code string, amount float64) (float64, error) {
	cur, err := s.registry.Get(code)
	if err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	q, err := s.quotes.GetRate(cur.Code, s.base)
	if err != nil {
		return 0, err
	}
	proceeds := amount * q.Rate

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.mutatePortfolio(userID, func(p *storage.PortfolioRecord) error {
		w := p.Wallets[cur.Code]
		if w.Balance < amount {
			return &InsufficientFundsError{Code: cur.Code, Available: w.Balance, Required: amount}
		}
		w.Balance -= amount
		p.Wallets[cur.Code] = w

		base := p.Wallets[s.base]
		base.Balance += proceeds
		p.Wallets[s.base] = base
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.WithComponent("ledger").WithFields(logger.Fields{
		"user_id":  userID,
		"currency": cur.Code,
		"amount":   amount,
		"proceeds": proceeds,
		"rate":     q.Rate,
		"derived":  q.Derived,
	}).Info("sell")
	return proceeds, nil
}

// Portfolio values every wallet in the requested base currency, or the
// service's own base when base is empty. A wallet the cache cannot price is
// included unpriced with the reason, and the total covers priced wallets
// only.
func (s *Service) Portfolio(userID int, base string) (PortfolioView, error) {
	target := s.base
	if base != "" {
		cur, err := s.registry.Get(base)
		if err != nil {
			return PortfolioView{}, err
		}
		target = cur.Code
	}

	portfolios, err := s.store.ReadPortfolios()
	if err != nil {
		return PortfolioView{}, err
	}
	var record *storage.PortfolioRecord
	for i := range portfolios {
		if portfolios[i].UserID == userID {
			record = &portfolios[i]
			break
		}
	}
	if record == nil {
		return PortfolioView{}, ErrUserNotFound
	}

	codes := make([]string, 0, len(record.Wallets))
	for code := range record.Wallets {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	view := PortfolioView{UserID: userID, Base: target}
	for _, code := range codes {
		item := PortfolioItem{Code: code, Balance: record.Wallets[code].Balance}
		q, err := s.quotes.GetRate(code, target)
		if err != nil {
			item.Reason = err.Error()
		} else {
			item.Value = item.Balance * q.Rate
			item.Priced = true
			view.Total += item.Value
		}
		view.Items = append(view.Items, item)
	}
	return view, nil
}

// mutatePortfolio runs fn against the user's portfolio record and persists
// the result. The caller holds s.mu.
func (s *Service) mutatePortfolio(userID int, fn func(*storage.PortfolioRecord) error) error {
	portfolios, err := s.store.ReadPortfolios()
	if err != nil {
		return err
	}
	for i := range portfolios {
		if portfolios[i].UserID != userID {
			continue
		}
		if portfolios[i].Wallets == nil {
			portfolios[i].Wallets = make(map[string]storage.WalletRecord)
		}
		if err := fn(&portfolios[i]); err != nil {
			return err
		}
		return s.store.WritePortfolios(portfolios)
	}
	return ErrUserNotFound
}
