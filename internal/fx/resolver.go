// Package fx resolves point-in-time exchange rates into the tenant's
// functional currency.
package fx

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrRateNotFound indicates no rate exists on or before the requested date.
// Callers skip the worksheet and log; a silent 1.0 default is only valid for
// the functional currency itself.
var ErrRateNotFound = errors.New("fx: no exchange rate on or before date")

// Rate is one exchange-rate sample for a currency.
type Rate struct {
	CurrencyID string
	ValidAsOf  time.Time
	Rate       decimal.Decimal
}

// Resolver selects rates against a fixed functional currency.
type Resolver struct {
	functional string
	rates      []Rate
}

// NewResolver constructs a resolver over the available rate samples.
func NewResolver(functionalCurrency string, rates []Rate) *Resolver {
	return &Resolver{functional: functionalCurrency, rates: rates}
}

// FunctionalCurrency returns the tenant's accounting base currency.
func (r *Resolver) FunctionalCurrency() string {
	return r.functional
}

// RateFor returns the rate with the latest ValidAsOf <= asOf for the
// currency. The functional currency always converts at 1.
func (r *Resolver) RateFor(currency string, asOf time.Time) (decimal.Decimal, error) {
	if strings.EqualFold(currency, r.functional) {
		return decimal.NewFromInt(1), nil
	}
	var (
		best  Rate
		found bool
	)
	for _, rate := range r.rates {
		if !strings.EqualFold(rate.CurrencyID, currency) || rate.ValidAsOf.After(asOf) {
			continue
		}
		if !found || rate.ValidAsOf.After(best.ValidAsOf) {
			best = rate
			found = true
		}
	}
	if !found {
		return decimal.Decimal{}, fmt.Errorf("%w: %s as of %s", ErrRateNotFound, currency, asOf.Format("2006-01-02"))
	}
	return best.Rate, nil
}

// Convert multiplies an amount by a rate and rounds to 2 decimal places,
// half away from zero.
func Convert(amount, rate decimal.Decimal) decimal.Decimal {
	return Round2(amount.Mul(rate))
}

// Round2 rounds to 2 decimal places, half away from zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
