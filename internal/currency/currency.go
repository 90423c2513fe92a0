package currency

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnknown marks a syntactically valid code that is not in the registry.
	ErrUnknown = errors.New("unknown currency")
	// ErrInvalidCode marks a code that fails the shape rules.
	ErrInvalidCode = errors.New("invalid currency code")
)

// Kind distinguishes fiat money from crypto assets.
type Kind string

const (
	KindFiat   Kind = "fiat"
	KindCrypto Kind = "crypto"
)

// Currency is static metadata about one supported currency.
type Currency struct {
	Code string
	Name string
	Kind Kind

	// Fiat only.
	IssuingCountry string
	// Crypto only.
	Algorithm string
	MarketCap float64
}

// DisplayInfo renders a one-line human readable description.
func (c Currency) DisplayInfo() string {
	switch c.Kind {
	case KindCrypto:
		return fmt.Sprintf("[CRYPTO] %s - %s (algo: %s, mcap: %.2e)", c.Code, c.Name, c.Algorithm, c.MarketCap)
	default:
		return fmt.Sprintf("[FIAT] %s - %s (issuing: %s)", c.Code, c.Name, c.IssuingCountry)
	}
}

// Normalize trims and uppercases a code and checks its shape: 2-5 characters,
// no spaces.
func Normalize(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) < 2 || len(code) > 5 || strings.ContainsRune(code, ' ') {
		return "", fmt.Errorf("%w: %q must be 2-5 characters without spaces", ErrInvalidCode, code)
	}
	return code, nil
}

// Registry is the supported-currency catalog. It is immutable after
// construction and safe for concurrent readers.
type Registry struct {
	byCode map[string]Currency
}

// NewRegistry builds a registry from the given currencies.
func NewRegistry(currencies ...Currency) *Registry {
	byCode := make(map[string]Currency, len(currencies))
	for _, c := range currencies {
		byCode[c.Code] = c
	}
	return &Registry{byCode: byCode}
}

// DefaultRegistry returns the built-in catalog of supported currencies.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Currency{Code: "USD", Name: "US Dollar", Kind: KindFiat, IssuingCountry: "United States"},
		Currency{Code: "EUR", Name: "Euro", Kind: KindFiat, IssuingCountry: "Eurozone"},
		Currency{Code: "GBP", Name: "British Pound", Kind: KindFiat, IssuingCountry: "United Kingdom"},
		Currency{Code: "RUB", Name: "Russian Ruble", Kind: KindFiat, IssuingCountry: "Russia"},
		Currency{Code: "BTC", Name: "Bitcoin", Kind: KindCrypto, Algorithm: "SHA-256", MarketCap: 1.12e12},
		Currency{Code: "ETH", Name: "Ethereum", Kind: KindCrypto, Algorithm: "Ethash", MarketCap: 4.50e11},
		Currency{Code: "SOL", Name: "Solana", Kind: KindCrypto, Algorithm: "Proof-of-History", MarketCap: 0},
	)
}

// Get normalizes the code and looks it up.
func (r *Registry) Get(code string) (Currency, error) {
	normalized, err := Normalize(code)
	if err != nil {
		return Currency{}, err
	}
	c, ok := r.byCode[normalized]
	if !ok {
		return Currency{}, fmt.Errorf("%w: %s", ErrUnknown, normalized)
	}
	return c, nil
}

// SupportedCodes returns all registered codes sorted alphabetically.
func (r *Registry) SupportedCodes() []string {
	codes := make([]string, 0, len(r.byCode))
	for code := range r.byCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
