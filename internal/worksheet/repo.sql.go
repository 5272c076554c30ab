package worksheet

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/platform/db"
)

// Repository reads worksheets from the staging database and writes back
// import markers. Worksheets are read-only apart from the document id and
// the imported flag.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const technicalColumns = `worksheet_id, tenant_code, posting_date,
agent_code, agent_name, broker_code, broker_name, channel_code, channel_name,
cedant_code, cedant_name, reinsurer_code, reinsurer_name, insured_code, insured_name,
contract_code, contract_name, contract_currency_id, contract_amount, value_fc2, direction,
business_type_code, business_main_class_code, business_main_class_name, risk_country, is_inward,
account_code, effective_date, expiry_date, closing_date, noted_date,
COALESCE(notes, ''), COALESCE(description, ''), COALESCE(tellma_document_id, 0)`

// PendingTechnicals fetches technical lines not yet imported for the tenant.
func (r *Repository) PendingTechnicals(ctx context.Context, tenantCode string) ([]Technical, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+technicalColumns+`
FROM technical_worksheets
WHERE import_date IS NULL AND tenant_code = $1
ORDER BY worksheet_id`, tenantCode)
	if err != nil {
		return nil, fmt.Errorf("fetch technicals: %w", err)
	}
	defer rows.Close()
	var out []Technical
	for rows.Next() {
		var t Technical
		if err := rows.Scan(&t.WorksheetID, &t.TenantCode, &t.PostingDate,
			&t.AgentCode, &t.AgentName, &t.BrokerCode, &t.BrokerName, &t.ChannelCode, &t.ChannelName,
			&t.CedantCode, &t.CedantName, &t.ReinsurerCode, &t.ReinsurerName, &t.InsuredCode, &t.InsuredName,
			&t.ContractCode, &t.ContractName, &t.ContractCurrencyID, &t.ContractAmount, &t.ValueFc2, &t.Direction,
			&t.BusinessTypeCode, &t.BusinessMainClassCode, &t.BusinessMainClassName, &t.RiskCountry, &t.IsInward,
			&t.AccountCode, &t.EffectiveDate, &t.ExpiryDate, &t.ClosingDate, &t.NotedDate,
			&t.Notes, &t.Description, &t.ExternalDocumentID); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PendingRemittances fetches remittances not yet imported for the tenant.
func (r *Repository) PendingRemittances(ctx context.Context, tenantCode string) ([]Remittance, error) {
	rows, err := r.pool.Query(ctx, `SELECT worksheet_id, tenant_code, pk, posting_date,
agent_code, agent_name, remittance_type, direction,
transfer_amount, transfer_currency_id, value_fc2,
COALESCE(bank_account_code, ''), COALESCE(bank_account_currency_id, ''),
COALESCE(reference, ''), COALESCE(notes, ''), COALESCE(tellma_document_id, 0)
FROM remittance_worksheets
WHERE import_date IS NULL AND tenant_code = $1
ORDER BY worksheet_id`, tenantCode)
	if err != nil {
		return nil, fmt.Errorf("fetch remittances: %w", err)
	}
	defer rows.Close()
	var out []Remittance
	for rows.Next() {
		var m Remittance
		if err := rows.Scan(&m.WorksheetID, &m.TenantCode, &m.PK, &m.PostingDate,
			&m.AgentCode, &m.AgentName, &m.RemittanceType, &m.Direction,
			&m.TransferAmount, &m.TransferCurrencyID, &m.ValueFC2,
			&m.BankAccountCode, &m.BankAccountCurrencyID,
			&m.Reference, &m.Notes, &m.ExternalDocumentID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const pairingSelect = `SELECT p.pk, p.tenant_code1, p.tenant_code2,
t.worksheet_id, r.worksheet_id,
p.tech_amount, p.remit_amount, p.tech_currency, p.remit_currency,
t.direction, t.is_inward,
t.agent_code, r.agent_code,
t.contract_code, t.business_main_class_code, t.contract_currency_id,
COALESCE(tm.b_account, '06001'), COALESCE(tm.b_tax_account, FALSE),
SUM(t.direction * t.contract_amount), SUM(t.direction * t.value_fc2),
t.effective_date, t.expiry_date, t.noted_date, p.pairing_date, r.payment_date,
COALESCE(p.tellma_document_id, 0)
FROM pairings p
JOIN technical_worksheets t ON t.worksheet_id = p.tech_worksheet_id
JOIN remittance_worksheets r ON r.worksheet_id = p.remit_worksheet_id
LEFT JOIN technical_mappings tm ON tm.account_code = t.account_code AND tm.is_inward = t.is_inward`

const pairingGroup = `
GROUP BY p.pk, p.tenant_code1, p.tenant_code2, t.worksheet_id, r.worksheet_id,
p.tech_amount, p.remit_amount, p.tech_currency, p.remit_currency,
t.direction, t.is_inward, t.agent_code, r.agent_code,
t.contract_code, t.business_main_class_code, t.contract_currency_id,
tm.b_account, tm.b_tax_account,
t.effective_date, t.expiry_date, t.noted_date, p.pairing_date, r.payment_date,
p.tellma_document_id
ORDER BY p.pk`

// PendingPairings fetches pairing lines whose technical and remittance sides
// are already imported. Only mappings usable for pairing qualify.
func (r *Repository) PendingPairings(ctx context.Context, tenantCode string) ([]Pairing, error) {
	return r.queryPairings(ctx, pairingSelect+`
WHERE p.import_date IS NULL
AND t.import_date IS NOT NULL AND r.import_date IS NOT NULL
AND t.tenant_code = $1 AND r.tenant_code = $1
AND (p.tenant_code1 = $1 OR p.tenant_code2 = $1)
AND (tm.can_be_pairing OR tm.b_account IS NULL)`+pairingGroup, tenantCode)
}

// BlockedPairings fetches pairing lines waiting on an unimported side, so
// they can be reported without being processed.
func (r *Repository) BlockedPairings(ctx context.Context, tenantCode string) ([]Pairing, error) {
	return r.queryPairings(ctx, pairingSelect+`
WHERE p.import_date IS NULL
AND (t.import_date IS NULL OR r.import_date IS NULL)
AND t.tenant_code = $1 AND r.tenant_code = $1
AND (p.tenant_code1 = $1 OR p.tenant_code2 = $1)
AND (tm.can_be_pairing OR tm.b_account IS NULL)`+pairingGroup, tenantCode)
}

func (r *Repository) queryPairings(ctx context.Context, sql, tenantCode string) ([]Pairing, error) {
	rows, err := r.pool.Query(ctx, sql, tenantCode)
	if err != nil {
		return nil, fmt.Errorf("fetch pairings: %w", err)
	}
	defer rows.Close()
	var out []Pairing
	for rows.Next() {
		var p Pairing
		if err := rows.Scan(&p.PK, &p.TenantCode1, &p.TenantCode2,
			&p.TechWorksheet, &p.RemitWorksheet,
			&p.TechAmount, &p.RemitAmount, &p.TechCurrency, &p.RemitCurrency,
			&p.TechDirection, &p.TechIsInward,
			&p.TechInsuranceAgent, &p.RemitInsuranceAgent,
			&p.ContractCode, &p.BusinessMainClassCode, &p.ContractCurrencyID,
			&p.AccountCode, &p.BTaxAccount,
			&p.SumMonetaryValue, &p.SumValue,
			&p.EffectiveDate, &p.ExpiryDate, &p.TechNotedDate, &p.PairingDate, &p.RemittancePaymentDate,
			&p.ExternalDocumentID); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TechnicalMappingTable loads the technical posting templates.
func (r *Repository) TechnicalMappingTable(ctx context.Context) ([]TechnicalMapping, error) {
	rows, err := r.pool.Query(ctx, `SELECT account_code, is_inward, can_be_pairing,
a_account, b_account, a_purpose_concept, b_purpose_concept,
a_tax_account, b_tax_account, a_has_noted_date, b_has_noted_date
FROM technical_mappings`)
	if err != nil {
		return nil, fmt.Errorf("fetch technical mappings: %w", err)
	}
	defer rows.Close()
	var out []TechnicalMapping
	for rows.Next() {
		var m TechnicalMapping
		if err := rows.Scan(&m.AccountCode, &m.IsInward, &m.CanBePairing,
			&m.AAccount, &m.BAccount, &m.APurposeConcept, &m.BPurposeConcept,
			&m.ATaxAccount, &m.BTaxAccount, &m.AHasNotedDate, &m.BHasNotedDate); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RemittanceMappingTable loads the remittance posting templates.
func (r *Repository) RemittanceMappingTable(ctx context.Context) ([]RemittanceMapping, error) {
	rows, err := r.pool.Query(ctx, `SELECT remittance_type, remittance_type_name, direction,
a_account, b_account, a_purpose_concept, b_purpose_concept,
a_direction, b_direction, a_is_bank_acc, b_is_bank_acc,
a_noted_agent_id, b_noted_agent_id, a_resource_id, b_resource_id,
a_has_noted_date, b_has_noted_date
FROM remittance_mappings`)
	if err != nil {
		return nil, fmt.Errorf("fetch remittance mappings: %w", err)
	}
	defer rows.Close()
	var out []RemittanceMapping
	for rows.Next() {
		var m RemittanceMapping
		if err := rows.Scan(&m.RemittanceType, &m.RemittanceTypeName, &m.Direction,
			&m.AAccount, &m.BAccount, &m.APurposeConcept, &m.BPurposeConcept,
			&m.ADirection, &m.BDirection, &m.AIsBankAcc, &m.BIsBankAcc,
			&m.ANotedAgentID, &m.BNotedAgentID, &m.AResourceID, &m.BResourceID,
			&m.AHasNotedDate, &m.BHasNotedDate); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LatestRates returns the most recent staging rate per currency.
func (r *Repository) LatestRates(ctx context.Context) ([]Rate, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT ON (currency_id)
currency_id, valid_as_of, amount_in_currency, amount_in_functional
FROM exchange_rates
ORDER BY currency_id, valid_as_of DESC`)
	if err != nil {
		return nil, fmt.Errorf("fetch rates: %w", err)
	}
	defer rows.Close()
	var out []Rate
	for rows.Next() {
		var rt Rate
		if err := rows.Scan(&rt.CurrencyID, &rt.ValidAsOf, &rt.AmountInCurrency, &rt.AmountInFunctional); err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

// SetDocumentIDs back-writes platform document ids onto worksheets.
// kind selects the staging table; pairings are keyed by PK, the rest by
// worksheet id.
func (r *Repository) SetDocumentIDs(ctx context.Context, kind string, tenantCode string, refs []ImportedRef) error {
	return r.markBatch(ctx, kind, tenantCode, refs, false)
}

// MarkImported stamps worksheets as imported so the next run skips them.
func (r *Repository) MarkImported(ctx context.Context, kind string, tenantCode string, refs []ImportedRef) error {
	return r.markBatch(ctx, kind, tenantCode, refs, true)
}

func (r *Repository) markBatch(ctx context.Context, kind, tenantCode string, refs []ImportedRef, imported bool) error {
	if len(refs) == 0 {
		return nil
	}
	table, byPK, err := markTarget(kind)
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, ref := range refs {
		switch {
		case imported && byPK:
			batch.Queue(`UPDATE `+table+` SET import_date = now() WHERE pk = $1 AND (tenant_code1 = $2 OR tenant_code2 = $2)`, ref.PK, tenantCode)
		case imported:
			batch.Queue(`UPDATE `+table+` SET import_date = now() WHERE worksheet_id = $1 AND tenant_code = $2`, ref.WorksheetID, tenantCode)
		case byPK:
			batch.Queue(`UPDATE `+table+` SET tellma_document_id = $1 WHERE pk = $2 AND (tenant_code1 = $3 OR tenant_code2 = $3)`, ref.DocumentID, ref.PK, tenantCode)
		default:
			batch.Queue(`UPDATE `+table+` SET tellma_document_id = $1 WHERE worksheet_id = $2 AND tenant_code = $3`, ref.DocumentID, ref.WorksheetID, tenantCode)
		}
	}
	// All-or-nothing: a partially stamped batch would strand worksheets
	// between runs.
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		defer results.Close()
		for range refs {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("mark %s: %w", kind, err)
			}
		}
		return results.Close()
	})
}

func markTarget(kind string) (table string, byPK bool, err error) {
	switch kind {
	case "technical":
		return "technical_worksheets", false, nil
	case "remittance":
		return "remittance_worksheets", false, nil
	case "pairing":
		return "pairings", true, nil
	default:
		return "", false, errors.New("worksheet: unknown kind " + kind)
	}
}
