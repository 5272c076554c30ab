package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/fx"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/mastersync"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/posting"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/tellma"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/worksheet"
)

// Ledger accounts a pairing document posts through.
const (
	remittanceControlAccount = "16002"
	fxGainAccount            = "4400050"
	fxLossAccount            = "5212018"
)

// importPairings settles imported remittances against imported technical
// worksheets. Both sides must already exist on the platform; pairings blocked
// on a missing side are reported and left pending.
func (imp *Importer) importPairings(ctx context.Context, tenantCode string, tenantID int, opts Options) error {
	blocked, err := imp.src.BlockedPairings(ctx, tenantCode)
	if err != nil {
		return fmt.Errorf("fetch blocked pairings: %w", err)
	}
	for _, p := range blocked {
		imp.log.Warn("pairing blocked on a side not yet imported",
			slog.String("tenant", tenantCode),
			slog.Int64("pk", p.PK),
			slog.String("technical", p.TechWorksheet),
			slog.String("remittance", p.RemitWorksheet))
	}

	rows, err := imp.src.PendingPairings(ctx, tenantCode)
	if err != nil {
		return fmt.Errorf("fetch pairings: %w", err)
	}
	if len(rows) == 0 {
		imp.log.Info("pairings are up to date", slog.String("tenant", tenantCode))
		return nil
	}

	profile, err := imp.gw.Profile(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("fetch tenant profile: %w", err)
	}
	imp.log.Info("processing pairings",
		slog.String("tenant", tenantCode),
		slog.String("company", profile.CompanyName),
		slog.Int("rows", len(rows)))

	f := worksheet.NewFilter(imp.log, "pairing", func(p worksheet.Pairing) string {
		return "PK " + strconv.FormatInt(p.PK, 10)
	})
	rows = validatePairings(f, rows, tenantCode, opts.PairingPrefixes)
	rows = f.Remove(rows, func(p worksheet.Pairing) bool {
		return p.ExternalDocumentID > 0 && !p.PairingDate.After(profile.ArchiveDate.Time)
	}, fmt.Sprintf("have a pairing date on or before the archive date %s for existing documents", profile.ArchiveDate.Format("2006-01-02")))
	rows = f.Remove(rows, func(p worksheet.Pairing) bool {
		return !p.PairingDate.After(profile.FreezeDate.Time)
	}, fmt.Sprintf("have a pairing date on or before the freeze date %s for new documents", profile.FreezeDate.Format("2006-01-02")))

	currencies, err := imp.gw.Currencies(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("fetch currencies: %w", err)
	}
	known := currencySet(currencies)
	rows = removeMissingRefs(f, rows, known, func(p worksheet.Pairing) []string {
		return []string{p.TechCurrency, p.RemitCurrency}
	}, "carry currencies not found on the platform")

	if len(rows) == 0 {
		imp.log.Info("pairings are up to date", slog.String("tenant", tenantCode))
		return nil
	}

	agentIdx, err := imp.pairingAgents(ctx, tenantID, rows)
	if err != nil {
		return err
	}
	custIdx, err := imp.pairingCustomerAccounts(ctx, tenantID, rows)
	if err != nil {
		return err
	}

	// Settlement conversions run off the platform's own rate table.
	platformRates, err := imp.gw.ExchangeRates(ctx, tenantID, "")
	if err != nil {
		return fmt.Errorf("fetch exchange rates: %w", err)
	}
	samples := make([]fx.Rate, 0, len(platformRates))
	for _, r := range platformRates {
		samples = append(samples, fx.Rate{CurrencyID: r.CurrencyID, ValidAsOf: r.ValidAsOf.Time, Rate: r.Rate()})
	}
	rates := fx.NewResolver(profile.FunctionalCurrencyID, samples)

	accountCodes := collectPairings(rows, func(p worksheet.Pairing) string { return p.AccountCode })
	accountCodes = append(accountCodes, remittanceControlAccount, fxGainAccount, fxLossAccount)
	accounts, err := imp.gw.Accounts(ctx, tenantID, tellma.OrFilter("Code", accountCodes))
	if err != nil {
		return fmt.Errorf("fetch accounts: %w", err)
	}
	accIdx := accountIndex(accounts)
	for _, code := range []string{remittanceControlAccount, fxGainAccount, fxLossAccount} {
		if _, ok := accIdx[code]; !ok {
			return fmt.Errorf("settlement account %s not found on the platform", code)
		}
	}

	refs, docDefID, err := imp.pairingRefs(ctx, tenantID, opts, accIdx, agentIdx, custIdx)
	if err != nil {
		return err
	}

	docs := imp.builder.BuildPairings(rows, refs, rates)
	return imp.saveAndClose(ctx, "pairing", tenantCode, tenantID, docDefID, docs, func(d tellma.Document) worksheet.ImportedRef {
		return worksheet.ImportedRef{PK: d.SerialNumber, DocumentID: d.ID}
	})
}

// pairingAgents resolves every referenced insurance agent, creating a
// platform stub named by its code for agents the platform has never seen.
func (imp *Importer) pairingAgents(ctx context.Context, tenantID int, rows []worksheet.Pairing) (map[string]int64, error) {
	codes := collectPairings(rows, func(p worksheet.Pairing) string { return p.TechInsuranceAgent })
	codes = append(codes, collectPairings(rows, func(p worksheet.Pairing) string { return p.RemitInsuranceAgent })...)

	definitionID, err := imp.gw.AgentDefinitionID(ctx, tenantID, string(mastersync.KindInsuranceAgent))
	if err != nil {
		return nil, fmt.Errorf("resolve insurance agent definition: %w", err)
	}
	existing, err := imp.gw.Agents(ctx, tenantID, definitionID, tellma.OrFilter("Code", codes))
	if err != nil {
		return nil, fmt.Errorf("fetch insurance agents: %w", err)
	}
	idx := agentIndex(existing)

	var missing []tellma.Agent
	for _, code := range codes {
		if _, ok := idx[code]; !ok {
			missing = append(missing, tellma.Agent{Code: code, Name: code, Name2: code})
		}
	}
	if len(missing) > 0 {
		synced, err := imp.sync.Sync(ctx, tenantID, mastersync.KindInsuranceAgent, missing)
		if err != nil {
			return nil, fmt.Errorf("sync pairing agents: %w", err)
		}
		for code, id := range agentIndex(synced) {
			idx[code] = id
		}
	}
	return idx, nil
}

// pairingCustomerAccounts fetches the receivable accounts the technical lines
// settle against. Pairings never create master data on the technical side; a
// missing account skips its line downstream.
func (imp *Importer) pairingCustomerAccounts(ctx context.Context, tenantID int, rows []worksheet.Pairing) (map[string]int64, error) {
	codes := collectPairings(rows, func(p worksheet.Pairing) string {
		return posting.CustomerAccountCode(p.ContractCode, p.BusinessMainClassCode, p.TechInsuranceAgent)
	})
	definitionID, err := imp.gw.AgentDefinitionID(ctx, tenantID, string(mastersync.KindTradeReceivableAccount))
	if err != nil {
		return nil, fmt.Errorf("resolve customer account definition: %w", err)
	}
	existing, err := imp.gw.Agents(ctx, tenantID, definitionID, tellma.OrFilter("Code", codes))
	if err != nil {
		return nil, fmt.Errorf("fetch customer accounts: %w", err)
	}
	return agentIndex(existing), nil
}

func (imp *Importer) pairingRefs(ctx context.Context, tenantID int, opts Options,
	accIdx, agentIdx, custIdx map[string]int64) (posting.PairingRefs, int64, error) {

	var refs posting.PairingRefs
	docDefID, err := imp.gw.DocumentDefinitionID(ctx, tenantID, codePairingDoc)
	if err != nil {
		return refs, 0, fmt.Errorf("resolve pairing document definition: %w", err)
	}
	common, err := imp.commonRefs(ctx, tenantID, operationCenterDefault)
	if err != nil {
		return refs, 0, err
	}

	taxDeptDefID, err := imp.gw.AgentDefinitionID(ctx, tenantID, codeTaxDepartment)
	if err != nil {
		return refs, 0, fmt.Errorf("resolve tax department definition: %w", err)
	}
	vatID, err := imp.gw.AgentIDByCode(ctx, tenantID, taxDeptDefID, codeValueAddedTax)
	if err != nil {
		return refs, 0, fmt.Errorf("resolve VAT department: %w", err)
	}

	var gainLossET *int64
	etID, err := imp.gw.EntryTypeIDByConcept(ctx, tenantID, conceptGainsLosses)
	switch {
	case err == nil:
		gainLossET = &etID
	case errors.Is(err, tellma.ErrNotFound):
		imp.log.Warn("gains/losses entry type not found, balancing entries post untyped",
			slog.Int("tenantId", tenantID), slog.String("concept", conceptGainsLosses))
	default:
		return refs, 0, fmt.Errorf("resolve gains/losses entry type: %w", err)
	}

	refs = posting.PairingRefs{
		LineDefinitionID:    common.lineDefID,
		CenterID:            common.centerID,
		VatDeptID:           vatID,
		InwardLookupID:      common.inwardID,
		OutwardLookupID:     common.outwardID,
		RemittanceAccountID: accIdx[remittanceControlAccount],
		GainAccountID:       accIdx[fxGainAccount],
		LossAccountID:       accIdx[fxLossAccount],
		GainLossEntryTypeID: gainLossET,
		CutoverDate:         opts.PairingCutover,
		AccountIDs:          accIdx,
		AgentIDs:            agentIdx,
		CustomerAccountIDs:  custIdx,
	}
	return refs, docDefID, nil
}

// validatePairings applies the structural exclusion rules a pairing must pass
// before any platform data is fetched. A pairing settles one remittance
// against one technical worksheet, so both sides must exist, belong to the
// processed tenant and sit on opposite sides of the settlement; equal-currency
// pairs must cancel exactly, anything else is bad data rather than a forex
// difference.
func validatePairings(f *worksheet.Filter[worksheet.Pairing], rows []worksheet.Pairing, tenantCode string, prefixes []string) []worksheet.Pairing {
	rows = f.Remove(rows, func(p worksheet.Pairing) bool { return p.TenantCode1 != p.TenantCode2 },
		"pair worksheets from two different tenants")
	rows = f.Remove(rows, func(p worksheet.Pairing) bool { return p.TenantCode1 != tenantCode || p.TenantCode2 != tenantCode },
		"belong to another tenant")
	rows = f.Remove(rows, func(p worksheet.Pairing) bool { return strings.TrimSpace(p.ContractCode) == "" },
		"must carry a technical contract code")
	rows = f.Remove(rows, func(p worksheet.Pairing) bool {
		return pairingSide(p.TechWorksheet) == pairingSide(p.RemitWorksheet)
	}, "pair two worksheets of the same type")
	rows = f.Remove(rows, func(p worksheet.Pairing) bool {
		return strings.TrimSpace(p.TechWorksheet) == "" || strings.TrimSpace(p.RemitWorksheet) == ""
	}, "must reference both worksheet ids")
	rows = f.Remove(rows, func(p worksheet.Pairing) bool {
		return p.SumMonetaryValue.IsZero() || p.SumValue.IsZero()
	}, "aggregate to zero technical values")
	rows = f.Remove(rows, func(p worksheet.Pairing) bool { return p.TechDirection != 1 && p.TechDirection != -1 },
		"must have technical direction 1 or -1")
	rows = f.Remove(rows, func(p worksheet.Pairing) bool {
		return !worksheet.HasAnyPrefix(p.TechWorksheet, prefixes) ||
			!worksheet.HasAnyPrefix(p.RemitWorksheet, prefixes)
	}, "pair worksheets with unsupported prefixes")
	rows = f.Remove(rows, func(p worksheet.Pairing) bool { return p.RemittancePaymentDate.IsZero() },
		"must carry a remittance payment date")
	rows = f.Remove(rows, func(p worksheet.Pairing) bool {
		return p.TechCurrency == p.RemitCurrency && !p.TechAmount.Add(p.RemitAmount).IsZero()
	}, "have equal currencies but asymmetric amounts")
	rows = f.Remove(rows, func(p worksheet.Pairing) bool { return p.RemitAmount.IsZero() },
		"must carry a non-zero remittance amount")
	rows = f.Remove(rows, func(p worksheet.Pairing) bool { return p.TechAmount.IsZero() },
		"must carry a non-zero technical amount")
	return rows
}

// pairingSide classifies a worksheet id as the cash side (RW) or the
// technical side (TW/CW). Unknown prefixes fall to the prefix gate.
func pairingSide(worksheetID string) string {
	switch {
	case strings.HasPrefix(worksheetID, worksheet.PrefixRemittance):
		return "cash"
	case strings.HasPrefix(worksheetID, worksheet.PrefixTechnical),
		strings.HasPrefix(worksheetID, worksheet.PrefixClaim):
		return "technical"
	default:
		return worksheetID
	}
}

// collectPairings gathers distinct non-blank values of pick.
func collectPairings(rows []worksheet.Pairing, pick func(worksheet.Pairing) string) []string {
	seen := make(map[string]struct{})
	var values []string
	for _, r := range rows {
		v := pick(r)
		if strings.TrimSpace(v) == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}
	return values
}
