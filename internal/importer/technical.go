package importer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/mastersync"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/posting"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/tellma"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/worksheet"
)

// partnership roles a technical worksheet can reference, with the lookup code
// each role carries on the platform.
var partnerRoles = []struct {
	lookupCode string
	code       func(worksheet.Technical) string
}{
	{"Cedant", func(t worksheet.Technical) string { return t.CedantCode }},
	{"BrokerCh", func(t worksheet.Technical) string { return t.ChannelCode }},
	{"Insured", func(t worksheet.Technical) string { return t.InsuredCode }},
	{"Reinsurer", func(t worksheet.Technical) string { return t.ReinsurerCode }},
}

// importTechnicals reconciles technical and claims worksheets: validate,
// ensure master data, map posting templates, build balanced documents, save,
// close, mark imported.
func (imp *Importer) importTechnicals(ctx context.Context, tenantCode string, tenantID int, opts Options) error {
	rows, err := imp.src.PendingTechnicals(ctx, tenantCode)
	if err != nil {
		return fmt.Errorf("fetch technicals: %w", err)
	}
	if len(rows) == 0 {
		imp.log.Info("technical worksheets are up to date", slog.String("tenant", tenantCode))
		return nil
	}

	mappingTable, err := imp.src.TechnicalMappingTable(ctx)
	if err != nil {
		return fmt.Errorf("fetch technical mapping table: %w", err)
	}
	profile, err := imp.gw.Profile(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("fetch tenant profile: %w", err)
	}

	distinctSheets := make(map[string]struct{})
	for _, r := range rows {
		distinctSheets[r.WorksheetID] = struct{}{}
	}
	imp.log.Info("processing technical worksheets",
		slog.String("tenant", tenantCode),
		slog.String("company", profile.CompanyName),
		slog.Int("rows", len(rows)),
		slog.Int("worksheets", len(distinctSheets)))

	f := worksheet.NewFilter(imp.log, "technical", func(t worksheet.Technical) string { return t.WorksheetID })
	rows = validateTechnicals(f, rows, opts.TechnicalPrefixes)

	rows = f.Remove(rows, func(t worksheet.Technical) bool {
		return t.ExternalDocumentID > 0 && t.PostingDate.Before(profile.ArchiveDate.Time)
	}, fmt.Sprintf("have a posting date before the archive date %s for existing documents", profile.ArchiveDate.Format("2006-01-02")))
	rows = f.Remove(rows, func(t worksheet.Technical) bool {
		return t.PostingDate.Before(profile.FreezeDate.Time)
	}, fmt.Sprintf("have a posting date before the freeze date %s for new documents", profile.FreezeDate.Format("2006-01-02")))
	if len(rows) == 0 {
		imp.log.Info("technical worksheets are up to date", slog.String("tenant", tenantCode))
		return nil
	}

	// Insurance agents: the primary agent plus every optional counterparty
	// role, each synced as its own group.
	agentPool, err := imp.syncInsuranceAgents(ctx, tenantID, rows)
	if err != nil {
		return err
	}
	agentByCode := make(map[string]tellma.Agent, len(agentPool))
	for _, a := range agentPool {
		agentByCode[a.Code] = a
	}

	// Business types.
	btIdx, err := imp.lookupsByCode(ctx, tenantID, codeBusinessType, collect(rows, func(t worksheet.Technical) string { return t.BusinessTypeCode }))
	if err != nil {
		return err
	}
	rows = removeMissingRefs(f, rows, btIdx, func(t worksheet.Technical) []string {
		if t.BusinessTypeCode == "" {
			return nil
		}
		return []string{t.BusinessTypeCode}
	}, "reference business types not found on the platform")

	// Main business classes.
	mbcIdx, err := imp.lookupsByCode(ctx, tenantID, codeMainBusinessClass, collect(rows, func(t worksheet.Technical) string { return t.BusinessMainClassCode }))
	if err != nil {
		return err
	}
	rows = removeMissingRefs(f, rows, mbcIdx, func(t worksheet.Technical) []string {
		if t.BusinessMainClassCode == "" {
			return nil
		}
		return []string{t.BusinessMainClassCode}
	}, "reference main business classes not found on the platform")

	// Risk countries are advisory: a miss never blocks the worksheet.
	rcIdx, err := imp.lookupsByCode(ctx, tenantID, codeCitizenship, collect(rows, func(t worksheet.Technical) string { return t.RiskCountry }))
	if err != nil {
		return err
	}
	f.Warn(rows, func(t worksheet.Technical) bool {
		_, ok := rcIdx[t.RiskCountry]
		return t.RiskCountry == "" || !ok
	}, "reference risk countries not found on the platform")

	// Contracts.
	contracts, err := imp.sync.Sync(ctx, tenantID, mastersync.KindInsuranceContract, buildContracts(rows, btIdx, rcIdx, agentByCode))
	if err != nil {
		return fmt.Errorf("sync contracts: %w", err)
	}
	contractIdx := agentIndex(contracts)

	// Business partners per role, keyed by (contract, role agent, type).
	ptIdx, err := imp.lookupsByCode(ctx, tenantID, codePartnershipTypes, nil)
	if err != nil {
		return err
	}
	partners := buildPartners(rows, agentByCode, contractIdx, ptIdx)
	if _, err := imp.sync.Sync(ctx, tenantID, mastersync.KindBusinessPartner, partners); err != nil {
		return fmt.Errorf("sync business partners: %w", err)
	}

	// Customer accounts.
	customerAccounts, err := imp.sync.Sync(ctx, tenantID, mastersync.KindTradeReceivableAccount,
		buildCustomerAccounts(rows, agentByCode, contractIdx, mbcIdx))
	if err != nil {
		return fmt.Errorf("sync customer accounts: %w", err)
	}

	// Posting templates.
	mappings := worksheet.NewTechnicalMappings(mappingTable)
	rows = f.Remove(rows, func(t worksheet.Technical) bool {
		return !mappings.Supported(t)
	}, "have a source account with no posting template")
	rows = mappings.Apply(rows, imp.log)
	rows = validateTechnicals(f, rows, opts.TechnicalPrefixes)

	// Ledger accounts.
	accountCodes := collect(rows, func(t worksheet.Technical) string { return t.AAccount })
	accountCodes = append(accountCodes, collect(rows, func(t worksheet.Technical) string { return t.BAccount })...)
	accounts, err := imp.gw.Accounts(ctx, tenantID, tellma.OrFilter("Code", accountCodes))
	if err != nil {
		return fmt.Errorf("fetch accounts: %w", err)
	}
	accIdx := accountIndex(accounts)
	rows = removeMissingRefs(f, rows, accIdx, func(t worksheet.Technical) []string {
		return []string{t.AAccount, t.BAccount}
	}, "post to accounts not found on the platform")

	// Entry types.
	concepts := collect(rows, func(t worksheet.Technical) string { return t.APurposeConcept })
	concepts = append(concepts, collect(rows, func(t worksheet.Technical) string { return t.BPurposeConcept })...)
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

	// Currencies.
	currencies, err := imp.gw.Currencies(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("fetch currencies: %w", err)
	}
	known := currencySet(currencies)
	rows = removeMissingRefs(f, rows, known, func(t worksheet.Technical) []string {
		return []string{t.ContractCurrencyID}
	}, "carry currencies not found on the platform")

	// Far-future noted dates are advisory.
	notedHorizon := imp.now().AddDate(10, 0, 0)
	f.Warn(rows, func(t worksheet.Technical) bool {
		return (t.AHasNotedDate || t.BHasNotedDate) && !t.NotedDate.Before(notedHorizon)
	}, "have noted dates more than ten years out")

	if len(rows) == 0 {
		imp.log.Info("technical worksheets are up to date", slog.String("tenant", tenantCode))
		return nil
	}

	refs, techDocDefID, claimDocDefID, err := imp.technicalRefs(ctx, tenantID, accIdx, etIdx, agentIndex(customerAccounts))
	if err != nil {
		return err
	}

	techDocs, claimDocs := imp.builder.BuildTechnical(rows, refs)

	if err := imp.saveAndClose(ctx, "technical", tenantCode, tenantID, techDocDefID, techDocs, func(d tellma.Document) worksheet.ImportedRef {
		return worksheet.ImportedRef{WorksheetID: fmt.Sprintf("%s%d", worksheet.PrefixTechnical, d.SerialNumber), DocumentID: d.ID}
	}); err != nil {
		return err
	}
	return imp.saveAndClose(ctx, "technical", tenantCode, tenantID, claimDocDefID, claimDocs, func(d tellma.Document) worksheet.ImportedRef {
		return worksheet.ImportedRef{WorksheetID: fmt.Sprintf("%s%d", worksheet.PrefixClaim, d.SerialNumber), DocumentID: d.ID}
	})
}

// syncInsuranceAgents syncs the primary agent group and every counterparty
// role, folding the results into one pool. Later groups replace earlier
// entries sharing a code.
func (imp *Importer) syncInsuranceAgents(ctx context.Context, tenantID int, rows []worksheet.Technical) ([]tellma.Agent, error) {
	groups := []struct {
		role string
		pick func(worksheet.Technical) (string, string)
	}{
		{"agent", func(t worksheet.Technical) (string, string) { return t.AgentCode, t.AgentName }},
		{"broker", func(t worksheet.Technical) (string, string) { return t.BrokerCode, t.BrokerName }},
		{"channel", func(t worksheet.Technical) (string, string) { return t.ChannelCode, t.ChannelName }},
		{"cedant", func(t worksheet.Technical) (string, string) { return t.CedantCode, t.CedantName }},
		{"reinsurer", func(t worksheet.Technical) (string, string) { return t.ReinsurerCode, t.ReinsurerName }},
		{"insured", func(t worksheet.Technical) (string, string) { return t.InsuredCode, t.InsuredName }},
	}

	var pool []tellma.Agent
	for _, g := range groups {
		desired := distinctAgents(rows, g.pick)
		if len(desired) == 0 {
			continue
		}
		synced, err := imp.sync.Sync(ctx, tenantID, mastersync.KindInsuranceAgent, desired)
		if err != nil {
			return nil, fmt.Errorf("sync %s agents: %w", g.role, err)
		}
		pool = mergeAgents(pool, synced)
	}
	return pool, nil
}

// lookupsByCode fetches a lookup definition's values, filtered to the given
// codes when they fit the filter budget, indexed by code.
func (imp *Importer) lookupsByCode(ctx context.Context, tenantID int, definitionCode string, codes []string) (map[string]int64, error) {
	definitionID, err := imp.gw.LookupDefinitionID(ctx, tenantID, definitionCode)
	if err != nil {
		return nil, fmt.Errorf("resolve lookup definition %s: %w", definitionCode, err)
	}
	lookups, err := imp.gw.Lookups(ctx, tenantID, definitionID, tellma.OrFilter("Code", codes))
	if err != nil {
		return nil, fmt.Errorf("fetch %s lookups: %w", definitionCode, err)
	}
	return lookupIndex(lookups), nil
}

func (imp *Importer) technicalRefs(ctx context.Context, tenantID int,
	accIdx, etIdx, custIdx map[string]int64) (posting.TechnicalRefs, int64, int64, error) {

	var refs posting.TechnicalRefs
	techDocDefID, err := imp.gw.DocumentDefinitionID(ctx, tenantID, codeTechnicalDoc)
	if err != nil {
		return refs, 0, 0, fmt.Errorf("resolve technical document definition: %w", err)
	}
	claimDocDefID, err := imp.gw.DocumentDefinitionID(ctx, tenantID, codeClaimDoc)
	if err != nil {
		return refs, 0, 0, fmt.Errorf("resolve claim document definition: %w", err)
	}

	common, err := imp.commonRefs(ctx, tenantID, operationCenterDefault)
	if err != nil {
		return refs, 0, 0, err
	}

	taxDeptDefID, err := imp.gw.AgentDefinitionID(ctx, tenantID, codeTaxDepartment)
	if err != nil {
		return refs, 0, 0, fmt.Errorf("resolve tax department definition: %w", err)
	}
	vatID, err := imp.gw.AgentIDByCode(ctx, tenantID, taxDeptDefID, codeValueAddedTax)
	if err != nil {
		return refs, 0, 0, fmt.Errorf("resolve VAT department: %w", err)
	}

	refs = posting.TechnicalRefs{
		LineDefinitionID:   common.lineDefID,
		CenterID:           common.centerID,
		VatDeptID:          vatID,
		InwardLookupID:     common.inwardID,
		OutwardLookupID:    common.outwardID,
		AccountIDs:         accIdx,
		EntryTypeIDs:       etIdx,
		CustomerAccountIDs: custIdx,
	}
	return refs, techDocDefID, claimDocDefID, nil
}

// operationCenterDefault is the responsibility center technical and pairing
// documents post to regardless of tenant.
const operationCenterDefault = "20"

type commonRefs struct {
	lineDefID int64
	centerID  int64
	inwardID  int64
	outwardID int64
}

func (imp *Importer) commonRefs(ctx context.Context, tenantID int, centerCode string) (commonRefs, error) {
	var c commonRefs
	var err error
	if c.lineDefID, err = imp.gw.LineDefinitionID(ctx, tenantID, codeManualLine); err != nil {
		return c, fmt.Errorf("resolve line definition: %w", err)
	}
	if c.centerID, err = imp.gw.CenterID(ctx, tenantID, centerCode); err != nil {
		return c, fmt.Errorf("resolve center %s: %w", centerCode, err)
	}
	ioDefID, err := imp.gw.LookupDefinitionID(ctx, tenantID, codeTechnicalInOutward)
	if err != nil {
		return c, fmt.Errorf("resolve inward/outward definition: %w", err)
	}
	if c.inwardID, err = imp.gw.LookupID(ctx, tenantID, ioDefID, codeInward); err != nil {
		return c, fmt.Errorf("resolve inward lookup: %w", err)
	}
	if c.outwardID, err = imp.gw.LookupID(ctx, tenantID, ioDefID, codeOutward); err != nil {
		return c, fmt.Errorf("resolve outward lookup: %w", err)
	}
	return c, nil
}

func validateTechnicals(f *worksheet.Filter[worksheet.Technical], rows []worksheet.Technical, prefixes []string) []worksheet.Technical {
	rows = f.Remove(rows, func(t worksheet.Technical) bool { return strings.TrimSpace(t.AgentCode) == "" },
		"must carry an insurance agent code")
	rows = f.Remove(rows, func(t worksheet.Technical) bool { return strings.TrimSpace(t.AgentName) == "" },
		"must carry an insurance agent name")
	rows = f.Remove(rows, func(t worksheet.Technical) bool { return strings.TrimSpace(t.ContractCode) == "" },
		"must carry a contract code")
	rows = f.Remove(rows, func(t worksheet.Technical) bool { return strings.TrimSpace(t.ContractName) == "" },
		"must carry a contract name")
	rows = f.Remove(rows, func(t worksheet.Technical) bool { return strings.TrimSpace(t.BusinessTypeCode) == "" },
		"must carry a business type")
	rows = f.Remove(rows, func(t worksheet.Technical) bool { return strings.TrimSpace(t.BusinessMainClassCode) == "" },
		"must carry a main business class")
	rows = f.Remove(rows, func(t worksheet.Technical) bool {
		return t.Direction != 1 && t.Direction != -1 && !t.ContractAmount.IsZero() && !t.ValueFc2.IsZero()
	}, "must have direction 1 or -1")
	rows = f.Remove(rows, func(t worksheet.Technical) bool {
		return !worksheet.HasAnyPrefix(t.WorksheetID, prefixes)
	}, "have an unsupported worksheet prefix")
	return rows
}

// distinctAgents collects the distinct (code, name) pairs pick yields,
// skipping pairs with a blank part.
func distinctAgents(rows []worksheet.Technical, pick func(worksheet.Technical) (string, string)) []tellma.Agent {
	seen := make(map[string]struct{})
	var agents []tellma.Agent
	for _, r := range rows {
		code, name := pick(r)
		if strings.TrimSpace(code) == "" || strings.TrimSpace(name) == "" {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		agents = append(agents, tellma.Agent{Code: code, Name: name, Name2: name})
	}
	return agents
}

// mergeAgents folds newly synced agents into the pool, replacing entries
// sharing a code.
func mergeAgents(pool, synced []tellma.Agent) []tellma.Agent {
	replaced := make(map[string]struct{}, len(synced))
	for _, a := range synced {
		replaced[a.Code] = struct{}{}
	}
	merged := make([]tellma.Agent, 0, len(pool)+len(synced))
	for _, a := range pool {
		if _, drop := replaced[a.Code]; !drop {
			merged = append(merged, a)
		}
	}
	return append(merged, synced...)
}

// buildContracts derives one desired contract per code from the latest row,
// with the inception date pulled back to the earliest effective date seen.
func buildContracts(rows []worksheet.Technical, btIdx, rcIdx map[string]int64, agentByCode map[string]tellma.Agent) []tellma.Agent {
	latest := make(map[string]worksheet.Technical)
	earliestEffective := make(map[string]time.Time)
	var order []string
	for _, r := range rows {
		cur, seen := latest[r.ContractCode]
		if !seen {
			order = append(order, r.ContractCode)
			latest[r.ContractCode] = r
			earliestEffective[r.ContractCode] = r.EffectiveDate
			continue
		}
		if r.PostingDate.After(cur.PostingDate) {
			latest[r.ContractCode] = r
		}
		if r.EffectiveDate.Before(earliestEffective[r.ContractCode]) {
			earliestEffective[r.ContractCode] = r.EffectiveDate
		}
	}

	contracts := make([]tellma.Agent, 0, len(order))
	for _, code := range order {
		r := latest[code]
		name := fmt.Sprintf("%s: %s", r.ContractCode, r.ContractName)
		var brokerID *int64
		if broker, ok := agentByCode[r.BrokerCode]; ok {
			id := broker.ID
			brokerID = &id
		}
		contracts = append(contracts, tellma.Agent{
			Code:         r.ContractCode,
			Name:         name,
			Name2:        name,
			Lookup1ID:    idOrNil(btIdx, r.BusinessTypeCode),
			Lookup3ID:    idOrNil(rcIdx, r.RiskCountry),
			Agent2ID:     brokerID,
			FromDate:     tellma.DatePtr(earliestEffective[code]),
			ToDate:       tellma.DatePtr(r.ExpiryDate),
			Description:  r.Description,
			Description2: fmt.Sprintf("Max closing date = %s", r.ClosingDate.Format("2006-01-02")),
		})
	}
	return contracts
}

// buildPartners derives desired business partners for every counterparty
// role. Partners carry no natural code; the composite (contract, partner,
// type) key identifies them.
func buildPartners(rows []worksheet.Technical, agentByCode map[string]tellma.Agent, contractIdx map[string]int64, ptIdx map[string]int64) []tellma.Agent {
	var partners []tellma.Agent
	for _, role := range partnerRoles {
		typeID := idOrNil(ptIdx, role.lookupCode)

		latest := make(map[string]worksheet.Technical)
		var order []string
		for _, r := range rows {
			if strings.TrimSpace(role.code(r)) == "" {
				continue
			}
			cur, seen := latest[r.ContractCode]
			if !seen {
				order = append(order, r.ContractCode)
				latest[r.ContractCode] = r
			} else if r.PostingDate.After(cur.PostingDate) {
				latest[r.ContractCode] = r
			}
		}

		for _, contractCode := range order {
			r := latest[contractCode]
			roleAgent, ok := agentByCode[role.code(r)]
			if !ok {
				continue
			}
			agentID := roleAgent.ID
			partners = append(partners, tellma.Agent{
				Code:      "-",
				Name:      roleAgent.Name,
				Agent1ID:  idOrNil(contractIdx, contractCode),
				Agent2ID:  &agentID,
				Lookup1ID: typeID,
			})
		}
	}

	complete := partners[:0:0]
	for _, p := range partners {
		if p.Agent1ID != nil && p.Agent2ID != nil && p.Lookup1ID != nil {
			complete = append(complete, p)
		}
	}
	sort.SliceStable(complete, func(i, j int) bool { return *complete[i].Agent1ID < *complete[j].Agent1ID })
	return complete
}

// buildCustomerAccounts derives one desired receivable account per
// (contract, main class, agent) triple.
func buildCustomerAccounts(rows []worksheet.Technical, agentByCode map[string]tellma.Agent, contractIdx, mbcIdx map[string]int64) []tellma.Agent {
	latest := make(map[string]worksheet.Technical)
	var order []string
	for _, r := range rows {
		code := posting.CustomerAccountCode(r.ContractCode, r.BusinessMainClassCode, r.AgentCode)
		cur, seen := latest[code]
		if !seen {
			order = append(order, code)
			latest[code] = r
		} else if r.PostingDate.After(cur.PostingDate) {
			latest[code] = r
		}
	}

	accounts := make([]tellma.Agent, 0, len(order))
	for _, code := range order {
		r := latest[code]
		name := fmt.Sprintf("%s: %s", code, r.ContractName)
		var agentID *int64
		if a, ok := agentByCode[r.AgentCode]; ok {
			id := a.ID
			agentID = &id
		}
		accounts = append(accounts, tellma.Agent{
			Code:      code,
			Name:      name,
			Name2:     name,
			Agent1ID:  agentID,
			Agent2ID:  idOrNil(contractIdx, r.ContractCode),
			Lookup2ID: idOrNil(mbcIdx, r.BusinessMainClassCode),
		})
	}
	return accounts
}

// collect gathers distinct non-blank values of pick.
func collect(rows []worksheet.Technical, pick func(worksheet.Technical) string) []string {
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

func idOrNil(m map[string]int64, key string) *int64 {
	if id, ok := m[key]; ok && id != 0 {
		return &id
	}
	return nil
}
