package importer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/tellma"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/worksheet"
)

// importExchangeRates pushes the staging rates the platform does not yet
// hold. Only the current month is compared; a rate matching an existing
// sample on every attribute is a no-op, a changed sample for the same
// (currency, date) becomes an edit carrying the platform id.
func (imp *Importer) importExchangeRates(ctx context.Context, tenantID int) error {
	monthStart := firstOfMonth(imp.now())
	filter := fmt.Sprintf("ValidAsOf >= '%s'", monthStart.Format("2006-01-02"))
	platform, err := imp.gw.ExchangeRates(ctx, tenantID, filter)
	if err != nil {
		return fmt.Errorf("fetch platform rates: %w", err)
	}

	staged, err := imp.src.LatestRates(ctx)
	if err != nil {
		return fmt.Errorf("fetch staging rates: %w", err)
	}

	saves := diffRates(staged, platform)
	if len(saves) == 0 {
		imp.log.Info("exchange rates are up to date", slog.Int("tenantId", tenantID))
		return nil
	}

	created, edited := 0, 0
	for _, r := range saves {
		if r.ID == 0 {
			created++
		} else {
			edited++
		}
	}
	imp.log.Info("saving exchange rates",
		slog.Int("tenantId", tenantID),
		slog.Int("new", created),
		slog.Int("edited", edited))
	if err := imp.gw.SaveExchangeRates(ctx, tenantID, saves); err != nil {
		return fmt.Errorf("save exchange rates: %w", err)
	}
	return nil
}

// diffRates returns the staging rates absent from or different on the
// platform. Edits adopt the platform id of the sample sharing the
// (currency, valid-as-of) key.
func diffRates(staged []worksheet.Rate, platform []tellma.ExchangeRate) []tellma.ExchangeRateForSave {
	have := make(map[string]struct{}, len(platform))
	ids := make(map[string]int64, len(platform))
	for _, p := range platform {
		day := p.ValidAsOf.Format("2006-01-02")
		have[rateTuple(p.CurrencyID, day, p.AmountInCurrency.String(), p.AmountInFunctional.String())] = struct{}{}
		ids[p.CurrencyID+"|"+day] = p.ID
	}

	var saves []tellma.ExchangeRateForSave
	for _, r := range staged {
		day := r.ValidAsOf.Format("2006-01-02")
		if _, same := have[rateTuple(r.CurrencyID, day, r.AmountInCurrency.String(), r.AmountInFunctional.String())]; same {
			continue
		}
		saves = append(saves, tellma.ExchangeRateForSave{
			ID:                 ids[r.CurrencyID+"|"+day],
			CurrencyID:         r.CurrencyID,
			ValidAsOf:          tellma.NewDate(r.ValidAsOf),
			AmountInCurrency:   r.AmountInCurrency,
			AmountInFunctional: r.AmountInFunctional,
		})
	}
	return saves
}

func rateTuple(currency, day, inCurrency, inFunctional string) string {
	return currency + "|" + day + "|" + inCurrency + "|" + inFunctional
}
