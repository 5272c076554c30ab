// Package importer runs the per-tenant reconciliation pipeline: exchange
// rates, remittances, technicals/claims, then pairings, in that order.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/mastersync"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/posting"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/tellma"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/worksheet"
)

// Business keys of the platform entities the pipeline resolves at run time.
const (
	codeBankAccount        = "BankAccount"
	codeBusinessType       = "BusinessType"
	codeMainBusinessClass  = "MainBusinessClass"
	codeCitizenship        = "Citizenship"
	codePartnershipTypes   = "PartnershipTypes"
	codeTechnicalInOutward = "TechnicalInOutward"
	codeInward             = "Inward"
	codeOutward            = "Outward"
	codeManualLine         = "ManualLine"
	codeTechnicalDoc       = "TechnicalWorksheet"
	codeClaimDoc           = "ClaimWorksheet"
	codeRemittanceDoc      = "RemittanceWorksheet"
	codePairingDoc         = "PairingWorksheet"
	codeTaxDepartment      = "TaxDepartment"
	codeValueAddedTax      = "ValueAddedTax"
	conceptGainsLosses     = "OtherGainsLosses"
)

// Step names for toggles, logs and run summaries.
const (
	StepExchangeRates = "exchange_rates"
	StepRemittances   = "remittances"
	StepTechnicals    = "technicals"
	StepPairings      = "pairings"
)

// Source is the staging database the pipeline reads worksheets from and
// back-writes import markers to.
type Source interface {
	PendingTechnicals(ctx context.Context, tenantCode string) ([]worksheet.Technical, error)
	PendingRemittances(ctx context.Context, tenantCode string) ([]worksheet.Remittance, error)
	PendingPairings(ctx context.Context, tenantCode string) ([]worksheet.Pairing, error)
	BlockedPairings(ctx context.Context, tenantCode string) ([]worksheet.Pairing, error)
	TechnicalMappingTable(ctx context.Context) ([]worksheet.TechnicalMapping, error)
	RemittanceMappingTable(ctx context.Context) ([]worksheet.RemittanceMapping, error)
	LatestRates(ctx context.Context) ([]worksheet.Rate, error)
	SetDocumentIDs(ctx context.Context, kind, tenantCode string, refs []worksheet.ImportedRef) error
	MarkImported(ctx context.Context, kind, tenantCode string, refs []worksheet.ImportedRef) error
}

// Gateway is the accounting platform surface the pipeline consumes.
type Gateway interface {
	mastersync.Gateway

	DocumentDefinitionID(ctx context.Context, tenantID int, code string) (int64, error)
	LineDefinitionID(ctx context.Context, tenantID int, code string) (int64, error)
	LookupDefinitionID(ctx context.Context, tenantID int, code string) (int64, error)
	CenterID(ctx context.Context, tenantID int, code string) (int64, error)
	EntryTypeIDByConcept(ctx context.Context, tenantID int, concept string) (int64, error)
	LookupID(ctx context.Context, tenantID int, definitionID int64, code string) (int64, error)
	AgentIDByCode(ctx context.Context, tenantID int, definitionID int64, code string) (int64, error)

	Accounts(ctx context.Context, tenantID int, filter string) ([]tellma.Account, error)
	EntryTypes(ctx context.Context, tenantID int, filter string) ([]tellma.EntryType, error)
	Currencies(ctx context.Context, tenantID int) ([]tellma.Currency, error)
	Lookups(ctx context.Context, tenantID int, definitionID int64, filter string) ([]tellma.Lookup, error)
	ExchangeRates(ctx context.Context, tenantID int, filter string) ([]tellma.ExchangeRate, error)

	SaveDocuments(ctx context.Context, tenantID int, definitionID int64, docs []tellma.Document) ([]tellma.Document, error)
	CloseDocuments(ctx context.Context, tenantID int, definitionID int64, ids []int64) error
	SaveExchangeRates(ctx context.Context, tenantID int, rates []tellma.ExchangeRateForSave) error
	Profile(ctx context.Context, tenantID int) (tellma.TenantProfile, error)
}

// Options is the immutable configuration snapshot one run operates under.
// Taking the snapshot up front keeps a mid-run config change from mixing old
// and new behavior within a tenant pass.
type Options struct {
	Tenants map[string]int

	ExchangeRates bool
	Remittances   bool
	Technicals    bool
	Pairings      bool

	TechnicalPrefixes  []string
	RemittancePrefixes []string
	PairingPrefixes    []string

	PairingCutover time.Time
}

// StepResult records one pipeline step's outcome.
type StepResult struct {
	Name     string
	Skipped  bool
	Err      error
	Duration time.Duration
}

// TenantResult records one tenant's pass.
type TenantResult struct {
	TenantCode string
	TenantID   int
	Steps      []StepResult
}

// Failed reports whether any step errored.
func (t TenantResult) Failed() bool {
	for _, s := range t.Steps {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// Summary describes a whole run across tenants.
type Summary struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Tenants  []TenantResult
}

// Importer drives the reconciliation pipeline.
type Importer struct {
	src     Source
	gw      Gateway
	sync    *mastersync.Synchronizer
	builder *posting.Builder
	log     *slog.Logger
	now     func() time.Time
}

// New constructs the importer over a worksheet source and platform gateway.
func New(src Source, gw Gateway, log *slog.Logger) *Importer {
	if log == nil {
		log = slog.Default()
	}
	return &Importer{
		src:     src,
		gw:      gw,
		sync:    mastersync.New(gw, log),
		builder: posting.NewBuilder(log),
		log:     log,
		now:     time.Now,
	}
}

// RunOnce processes every configured tenant sequentially. A tenant's failure
// is contained: it aborts that tenant's remaining steps and the run moves on
// to the next tenant.
func (imp *Importer) RunOnce(ctx context.Context, opts Options) Summary {
	summary := Summary{RunID: uuid.NewString(), Started: imp.now()}
	log := imp.log.With(slog.String("run", summary.RunID))
	log.Info("import run starting", slog.Int("tenants", len(opts.Tenants)))

	codes := make([]string, 0, len(opts.Tenants))
	for code := range opts.Tenants {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		if ctx.Err() != nil {
			log.Warn("import run cancelled", slog.String("tenant", code))
			break
		}
		summary.Tenants = append(summary.Tenants, imp.runTenant(ctx, log, code, opts.Tenants[code], opts))
	}

	summary.Finished = imp.now()
	log.Info("import run finished",
		slog.Duration("took", summary.Finished.Sub(summary.Started)),
		slog.Int("tenants", len(summary.Tenants)))
	return summary
}

func (imp *Importer) runTenant(ctx context.Context, log *slog.Logger, tenantCode string, tenantID int, opts Options) TenantResult {
	result := TenantResult{TenantCode: tenantCode, TenantID: tenantID}
	log = log.With(slog.String("tenant", tenantCode), slog.Int("tenantId", tenantID))

	steps := []struct {
		name    string
		enabled bool
		run     func(context.Context) error
	}{
		{StepExchangeRates, opts.ExchangeRates, func(ctx context.Context) error {
			return imp.importExchangeRates(ctx, tenantID)
		}},
		{StepRemittances, opts.Remittances, func(ctx context.Context) error {
			return imp.importRemittances(ctx, tenantCode, tenantID, opts)
		}},
		{StepTechnicals, opts.Technicals, func(ctx context.Context) error {
			return imp.importTechnicals(ctx, tenantCode, tenantID, opts)
		}},
		{StepPairings, opts.Pairings, func(ctx context.Context) error {
			return imp.importPairings(ctx, tenantCode, tenantID, opts)
		}},
	}

	for _, step := range steps {
		if ctx.Err() != nil {
			return result
		}
		if !step.enabled {
			log.Debug("step disabled", slog.String("step", step.name))
			result.Steps = append(result.Steps, StepResult{Name: step.name, Skipped: true})
			continue
		}
		started := imp.now()
		err := step.run(ctx)
		took := imp.now().Sub(started)
		result.Steps = append(result.Steps, StepResult{Name: step.name, Err: err, Duration: took})
		if err != nil {
			log.Error("step failed, aborting tenant",
				slog.String("step", step.name),
				slog.Duration("took", took),
				slog.Any("error", err))
			return result
		}
		log.Info("step finished", slog.String("step", step.name), slog.Duration("took", took))
	}
	return result
}

// operationCenterCode maps a platform tenant onto its responsibility center.
func operationCenterCode(tenantID int) string {
	switch tenantID {
	case 601, 602:
		return "20"
	default:
		return "30"
	}
}

func firstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// lookupIndex maps codes to platform ids.
func lookupIndex(lookups []tellma.Lookup) map[string]int64 {
	idx := make(map[string]int64, len(lookups))
	for _, l := range lookups {
		idx[l.Code] = l.ID
	}
	return idx
}

func accountIndex(accounts []tellma.Account) map[string]int64 {
	idx := make(map[string]int64, len(accounts))
	for _, a := range accounts {
		idx[a.Code] = a.ID
	}
	return idx
}

func entryTypeIndex(entryTypes []tellma.EntryType) map[string]int64 {
	idx := make(map[string]int64, len(entryTypes))
	for _, et := range entryTypes {
		idx[et.Concept] = et.ID
	}
	return idx
}

func agentIndex(agents []tellma.Agent) map[string]int64 {
	idx := make(map[string]int64, len(agents))
	for _, a := range agents {
		idx[a.Code] = a.ID
	}
	return idx
}

func currencySet(currencies []tellma.Currency) map[string]struct{} {
	set := make(map[string]struct{}, len(currencies))
	for _, c := range currencies {
		set[c.ID] = struct{}{}
	}
	return set
}

// removeMissingRefs drops rows referencing codes the platform fetch did not
// return, naming the unresolved codes in the exclusion diagnostic. refs yields
// the codes a row needs resolved; returning nil exempts the row.
func removeMissingRefs[T any, V any](f *worksheet.Filter[T], rows []T, known map[string]V, refs func(T) []string, reason string) []T {
	unresolved := func(r T) bool {
		for _, c := range refs(r) {
			if _, ok := known[c]; !ok {
				return true
			}
		}
		return false
	}
	var missing []string
	for _, r := range rows {
		for _, c := range refs(r) {
			if _, ok := known[c]; !ok {
				missing = append(missing, c)
			}
		}
	}
	if names := distinctNonBlank(missing); len(names) > 0 {
		reason = fmt.Sprintf("%s: %s", reason, strings.Join(names, ", "))
	}
	return f.Remove(rows, unresolved, reason)
}

// missingFrom lists which of the codes the platform index lacks, sorted.
func missingFrom[V any](codes []string, known map[string]V) []string {
	var missing []string
	for _, c := range codes {
		if _, ok := known[c]; !ok {
			missing = append(missing, c)
		}
	}
	return distinctNonBlank(missing)
}

func distinctNonBlank(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// saveAndClose submits documents, back-writes their platform ids, closes
// them and marks the source rows imported. refFor ties a saved document back
// to its worksheet reference.
func (imp *Importer) saveAndClose(ctx context.Context, kind, tenantCode string, tenantID int,
	definitionID int64, docs []tellma.Document, refFor func(tellma.Document) worksheet.ImportedRef) error {

	if len(docs) == 0 {
		return nil
	}
	saved, err := imp.gw.SaveDocuments(ctx, tenantID, definitionID, docs)
	if err != nil {
		return fmt.Errorf("save %s documents: %w", kind, err)
	}

	refs := make([]worksheet.ImportedRef, 0, len(saved))
	ids := make([]int64, 0, len(saved))
	for _, doc := range saved {
		refs = append(refs, refFor(doc))
		ids = append(ids, doc.ID)
	}

	if err := imp.src.SetDocumentIDs(ctx, kind, tenantCode, refs); err != nil {
		return fmt.Errorf("record %s document ids: %w", kind, err)
	}
	if err := imp.gw.CloseDocuments(ctx, tenantID, definitionID, ids); err != nil {
		return fmt.Errorf("close %s documents: %w", kind, err)
	}
	if err := imp.src.MarkImported(ctx, kind, tenantCode, refs); err != nil {
		return fmt.Errorf("mark %s imported: %w", kind, err)
	}
	imp.log.Info("documents imported",
		slog.String("kind", kind),
		slog.String("tenant", tenantCode),
		slog.Int("count", len(saved)))
	return nil
}
