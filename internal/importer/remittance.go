package importer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/mastersync"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/posting"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/tellma"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/worksheet"
)

// importRemittances reconciles cash remittance worksheets into posted
// documents. Write-offs and bank charges skip the bank-account checks since
// they move no cash.
func (imp *Importer) importRemittances(ctx context.Context, tenantCode string, tenantID int, opts Options) error {
	rows, err := imp.src.PendingRemittances(ctx, tenantCode)
	if err != nil {
		return fmt.Errorf("fetch remittances: %w", err)
	}
	if len(rows) == 0 {
		imp.log.Info("remittance worksheets are up to date", slog.String("tenant", tenantCode))
		return nil
	}

	mappingTable, err := imp.src.RemittanceMappingTable(ctx)
	if err != nil {
		return fmt.Errorf("fetch remittance mapping table: %w", err)
	}
	profile, err := imp.gw.Profile(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("fetch tenant profile: %w", err)
	}
	imp.log.Info("processing remittance worksheets",
		slog.String("tenant", tenantCode),
		slog.String("company", profile.CompanyName),
		slog.Int("rows", len(rows)))

	f := worksheet.NewFilter(imp.log, "remittance", func(r worksheet.Remittance) string { return r.WorksheetID })
	rows = validateRemittances(f, rows, opts.RemittancePrefixes)

	rows = f.Remove(rows, func(r worksheet.Remittance) bool {
		return r.ExternalDocumentID > 0 && r.PostingDate.Before(profile.ArchiveDate.Time)
	}, fmt.Sprintf("have a posting date before the archive date %s for existing documents", profile.ArchiveDate.Format("2006-01-02")))
	rows = f.Remove(rows, func(r worksheet.Remittance) bool {
		return r.PostingDate.Before(profile.FreezeDate.Time)
	}, fmt.Sprintf("have a posting date before the freeze date %s for new documents", profile.FreezeDate.Format("2006-01-02")))
	if len(rows) == 0 {
		imp.log.Info("remittance worksheets are up to date", slog.String("tenant", tenantCode))
		return nil
	}

	// Recipients and issuers.
	agents, err := imp.sync.Sync(ctx, tenantID, mastersync.KindInsuranceAgent, remittanceAgents(rows))
	if err != nil {
		return fmt.Errorf("sync remittance agents: %w", err)
	}

	// Bank accounts are platform-managed; the worksheet references them by the
	// account number the platform stores in Text3.
	bankIdx, err := imp.bankAccounts(ctx, tenantID, rows)
	if err != nil {
		return err
	}
	rows = removeMissingRefs(f, rows, bankIdx, func(r worksheet.Remittance) []string {
		if !r.CashOnly() {
			return nil
		}
		return []string{r.BankAccountCode}
	}, "reference bank accounts not found on the platform")

	currencyClash := func(r worksheet.Remittance) bool {
		bank, ok := bankIdx[r.BankAccountCode]
		return r.CashOnly() && ok && !strings.EqualFold(bank.CurrencyID, r.BankAccountCurrencyID)
	}
	var clashing []string
	for _, r := range rows {
		if currencyClash(r) {
			bank := bankIdx[r.BankAccountCode]
			clashing = append(clashing, fmt.Sprintf("%s (worksheet %s, platform %s)", r.BankAccountCode, r.BankAccountCurrencyID, bank.CurrencyID))
		}
	}
	reason := "disagree with the platform on the bank account currency"
	if names := distinctNonBlank(clashing); len(names) > 0 {
		reason = fmt.Sprintf("%s: %s", reason, strings.Join(names, ", "))
	}
	rows = f.Remove(rows, currencyClash, reason)

	// Posting templates.
	mappings := worksheet.NewRemittanceMappings(mappingTable)
	rows = f.Remove(rows, func(r worksheet.Remittance) bool {
		return !mappings.SupportedType(r.RemittanceType)
	}, "have a remittance type with no posting template")
	rows = mappings.Apply(rows, imp.log)
	rows = f.Remove(rows, func(r worksheet.Remittance) bool { return !r.Mapped },
		"have a type and direction with no posting template")

	// Ledger accounts.
	accountCodes := make([]string, 0, 2*len(rows))
	for _, r := range rows {
		accountCodes = append(accountCodes, r.AAccount, r.BAccount)
	}
	accounts, err := imp.gw.Accounts(ctx, tenantID, tellma.OrFilter("Code", accountCodes))
	if err != nil {
		return fmt.Errorf("fetch accounts: %w", err)
	}
	accIdx := accountIndex(accounts)
	rows = removeMissingRefs(f, rows, accIdx, func(r worksheet.Remittance) []string {
		return []string{r.AAccount, r.BAccount}
	}, "post to accounts not found on the platform")

	// Entry types.
	concepts := make([]string, 0, 2*len(rows))
	for _, r := range rows {
		concepts = append(concepts, r.APurposeConcept, r.BPurposeConcept)
	}
	entryTypes, err := imp.gw.EntryTypes(ctx, tenantID, tellma.OrFilter("Concept", concepts))
	if err != nil {
		return fmt.Errorf("fetch entry types: %w", err)
	}
	etIdx := entryTypeIndex(entryTypes)
	if unresolved := missingFrom(concepts, etIdx); len(unresolved) > 0 {
		imp.log.Warn("entry type concepts not found on the platform, entries post untyped",
			slog.String("tenant", tenantCode),
			slog.String("concepts", strings.Join(unresolved, ", ")))
	}

	// Currencies. Only cash movements carry a transfer currency worth checking.
	currencies, err := imp.gw.Currencies(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("fetch currencies: %w", err)
	}
	known := currencySet(currencies)
	rows = removeMissingRefs(f, rows, known, func(r worksheet.Remittance) []string {
		if !r.CashOnly() {
			return nil
		}
		return []string{r.TransferCurrencyID}
	}, "carry transfer currencies not found on the platform")

	if len(rows) == 0 {
		imp.log.Info("remittance worksheets are up to date", slog.String("tenant", tenantCode))
		return nil
	}

	docDefID, err := imp.gw.DocumentDefinitionID(ctx, tenantID, codeRemittanceDoc)
	if err != nil {
		return fmt.Errorf("resolve remittance document definition: %w", err)
	}
	common, err := imp.commonRefs(ctx, tenantID, operationCenterCode(tenantID))
	if err != nil {
		return err
	}

	bankIDs := make(map[string]int64, len(bankIdx))
	for code, bank := range bankIdx {
		bankIDs[code] = bank.ID
	}
	refs := posting.RemittanceRefs{
		LineDefinitionID: common.lineDefID,
		CenterID:         common.centerID,
		InwardLookupID:   common.inwardID,
		OutwardLookupID:  common.outwardID,
		AccountIDs:       accIdx,
		EntryTypeIDs:     etIdx,
		AgentIDs:         agentIndex(agents),
		BankAccountIDs:   bankIDs,
	}

	docs := imp.builder.BuildRemittances(rows, refs)
	return imp.saveAndClose(ctx, "remittance", tenantCode, tenantID, docDefID, docs, func(d tellma.Document) worksheet.ImportedRef {
		return worksheet.ImportedRef{WorksheetID: fmt.Sprintf("%s%d", worksheet.PrefixRemittance, d.SerialNumber), DocumentID: d.ID}
	})
}

func validateRemittances(f *worksheet.Filter[worksheet.Remittance], rows []worksheet.Remittance, prefixes []string) []worksheet.Remittance {
	rows = f.Remove(rows, func(r worksheet.Remittance) bool { return strings.TrimSpace(r.AgentCode) == "" },
		"must carry an insurance agent code")
	rows = f.Remove(rows, func(r worksheet.Remittance) bool { return strings.TrimSpace(r.AgentName) == "" },
		"must carry an insurance agent name")
	rows = f.Remove(rows, func(r worksheet.Remittance) bool { return r.ValueFC2.IsZero() },
		"must carry a non-zero functional value")
	rows = f.Remove(rows, func(r worksheet.Remittance) bool { return r.Direction != 1 && r.Direction != -1 },
		"must have direction 1 or -1")
	rows = f.Remove(rows, func(r worksheet.Remittance) bool {
		return !worksheet.HasAnyPrefix(r.WorksheetID, prefixes)
	}, "have an unsupported worksheet prefix")
	return rows
}

// remittanceAgents collects the distinct (code, name) agent pairs of a batch.
func remittanceAgents(rows []worksheet.Remittance) []tellma.Agent {
	seen := make(map[string]struct{})
	var agents []tellma.Agent
	for _, r := range rows {
		if strings.TrimSpace(r.AgentCode) == "" || strings.TrimSpace(r.AgentName) == "" {
			continue
		}
		if _, dup := seen[r.AgentCode]; dup {
			continue
		}
		seen[r.AgentCode] = struct{}{}
		agents = append(agents, tellma.Agent{Code: r.AgentCode, Name: r.AgentName, Name2: r.AgentName})
	}
	return agents
}

// bankAccounts fetches the referenced bank accounts, indexed by the account
// number stored in Text3.
func (imp *Importer) bankAccounts(ctx context.Context, tenantID int, rows []worksheet.Remittance) (map[string]tellma.Agent, error) {
	codes := make([]string, 0, len(rows))
	seen := make(map[string]struct{})
	for _, r := range rows {
		if !r.CashOnly() || strings.TrimSpace(r.BankAccountCode) == "" {
			continue
		}
		if _, dup := seen[r.BankAccountCode]; dup {
			continue
		}
		seen[r.BankAccountCode] = struct{}{}
		codes = append(codes, r.BankAccountCode)
	}
	if len(codes) == 0 {
		return map[string]tellma.Agent{}, nil
	}

	definitionID, err := imp.gw.AgentDefinitionID(ctx, tenantID, codeBankAccount)
	if err != nil {
		return nil, fmt.Errorf("resolve bank account definition: %w", err)
	}
	banks, err := imp.gw.Agents(ctx, tenantID, definitionID, tellma.OrFilter("Text3", codes))
	if err != nil {
		return nil, fmt.Errorf("fetch bank accounts: %w", err)
	}
	idx := make(map[string]tellma.Agent, len(banks))
	for _, b := range banks {
		idx[b.Text3] = b
	}
	return idx, nil
}
