// Package source defines the provider client contract. One implementation
// exists per external rate provider; each is a stateless fetch-and-normalize
// client that owns no persistent state.
package source

import (
	"context"
	"net/http"

	"github.com/KiraraGho/valutatrade-hub/internal/rates"
)

// Source fetches current rates from one external provider and normalizes
// them into canonical records keyed by pair. Implementations fail with a
// rates.SourceError on network, HTTP or payload problems; a single currency
// missing from an otherwise valid response is omitted, not an error.
type Source interface {
	Name() string
	FetchRates(ctx context.Context) (map[string]rates.RateRecord, error)
}

// UserAgentTransport sets a stable User-Agent on every outbound request.
type UserAgentTransport struct {
	Agent string
	Base  http.RoundTripper
}

func (t UserAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.Agent)
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}
