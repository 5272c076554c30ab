package posting

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/fx"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/tellma"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/worksheet"
)

// Platform field limits.
const (
	memoLimit      = 255
	referenceLimit = 50
)

// balanceTolerance is the residual below which no balancing entry is added.
var balanceTolerance = decimal.RequireFromString("0.00")

// imbalanceWarnRatio is the alerting threshold for forced-balance residuals
// relative to technical turnover. Warning only, never a gate.
var imbalanceWarnRatio = decimal.RequireFromString("0.03")

// Builder turns validated, mapped worksheet rows into platform documents.
type Builder struct {
	log *slog.Logger
}

// NewBuilder constructs a document builder.
func NewBuilder(log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{log: log}
}

// TechnicalRefs carries the platform ids a technical document needs.
type TechnicalRefs struct {
	LineDefinitionID int64
	CenterID         int64
	VatDeptID        int64
	InwardLookupID   int64
	OutwardLookupID  int64

	AccountIDs         map[string]int64 // by account code
	EntryTypeIDs       map[string]int64 // by concept
	CustomerAccountIDs map[string]int64 // by customer account code
}

// RemittanceRefs carries the platform ids a remittance document needs.
type RemittanceRefs struct {
	LineDefinitionID int64
	CenterID         int64
	InwardLookupID   int64
	OutwardLookupID  int64

	AccountIDs     map[string]int64 // by account code
	EntryTypeIDs   map[string]int64 // by concept
	AgentIDs       map[string]int64 // insurance agents by code
	BankAccountIDs map[string]int64 // bank accounts by IBAN text
}

// PairingRefs carries the platform ids a pairing document needs.
type PairingRefs struct {
	LineDefinitionID    int64
	CenterID            int64
	VatDeptID           int64
	InwardLookupID      int64
	OutwardLookupID     int64
	RemittanceAccountID int64
	GainAccountID       int64
	LossAccountID       int64
	GainLossEntryTypeID *int64
	CutoverDate         time.Time

	AccountIDs         map[string]int64 // by account code
	AgentIDs           map[string]int64 // insurance agents by code
	CustomerAccountIDs map[string]int64 // by customer account code
}

// CustomerAccountCode derives the composite customer account code a
// technical line posts against.
func CustomerAccountCode(contractCode, mainClassCode, agentCode string) string {
	return contractCode + "-" + mainClassCode + "-" + agentCode
}

// BuildTechnical assembles technical and claims documents from mapped rows.
// Lines sharing a worksheet id accumulate into one document; the serial
// number is the worksheet id's numeric suffix and the posting date is the
// first day of the worksheet's month.
func (b *Builder) BuildTechnical(rows []worksheet.Technical, refs TechnicalRefs) (technical, claims []tellma.Document) {
	// Per-worksheet aggregates: the memo is the greatest notes string and
	// the noted date the greatest noted date across the worksheet's lines.
	maxNotes := make(map[string]string)
	maxNoted := make(map[string]time.Time)
	for _, r := range rows {
		if r.Notes > maxNotes[r.WorksheetID] {
			maxNotes[r.WorksheetID] = r.Notes
		}
		if r.NotedDate.After(maxNoted[r.WorksheetID]) {
			maxNoted[r.WorksheetID] = r.NotedDate
		}
	}

	techIdx := make(map[int64]int)
	claimIdx := make(map[int64]int)

	for _, r := range rows {
		serial, err := worksheet.SerialNumber(r.WorksheetID)
		if err != nil {
			b.log.Error("worksheet id has no serial", slog.String("worksheet", r.WorksheetID))
			continue
		}

		memo := maxNotes[r.WorksheetID]
		if memo == "" {
			memo = "-"
		}
		memo = b.truncate(memo, memoLimit, "memo", r.WorksheetID)

		customerAccID := refs.CustomerAccountIDs[CustomerAccountCode(r.ContractCode, r.BusinessMainClassCode, r.AgentCode)]
		notedDate := maxNoted[r.WorksheetID]

		entryA := tellma.Entry{
			AccountID:     refs.AccountIDs[r.AAccount],
			EntryTypeID:   idPtr(refs.EntryTypeIDs, r.APurposeConcept),
			Direction:     plusWhenPositive(r.Direction),
			MonetaryValue: r.ContractAmount,
			Value:         r.ValueFc2,
			CurrencyID:    r.ContractCurrencyID,
			CenterID:      refs.CenterID,
			Time1:         tellma.DatePtr(r.EffectiveDate),
			Time2:         tellma.DatePtr(r.ExpiryDate),
		}
		applyTaxAgent(&entryA, r.ATaxAccount, customerAccID, refs.VatDeptID)
		if r.AHasNotedDate {
			entryA.NotedDate = tellma.DatePtr(notedDate)
		}

		entryB := tellma.Entry{
			AccountID:     refs.AccountIDs[r.BAccount],
			EntryTypeID:   idPtr(refs.EntryTypeIDs, r.BPurposeConcept),
			Direction:     -plusWhenPositive(r.Direction),
			MonetaryValue: r.ContractAmount,
			Value:         r.ValueFc2,
			CurrencyID:    r.ContractCurrencyID,
			CenterID:      refs.CenterID,
			Time1:         tellma.DatePtr(r.EffectiveDate),
			Time2:         tellma.DatePtr(r.ExpiryDate),
		}
		applyTaxAgent(&entryB, r.BTaxAccount, customerAccID, refs.VatDeptID)
		if r.BHasNotedDate {
			entryB.NotedDate = tellma.DatePtr(notedDate)
		}

		entries := []tellma.Entry{entryA, entryB}
		if entries[0].Direction < 0 {
			entries[0], entries[1] = entries[1], entries[0]
		}
		entries = dropZeroEntries(entries)
		if len(entries) == 0 {
			continue
		}

		docs, idx := &technical, techIdx
		if r.IsClaim() {
			docs, idx = &claims, claimIdx
		}
		if i, ok := idx[serial]; ok {
			(*docs)[i].Lines[0].Entries = append((*docs)[i].Lines[0].Entries, entries...)
			continue
		}

		lookupID := refs.OutwardLookupID
		if r.IsInward {
			lookupID = refs.InwardLookupID
		}
		*docs = append(*docs, tellma.Document{
			ID:                  r.ExternalDocumentID,
			SerialNumber:        serial,
			PostingDate:         tellma.NewDate(firstOfMonth(r.PostingDate)),
			PostingDateIsCommon: true,
			Lookup1ID:           &lookupID,
			Memo:                memo,
			MemoIsCommon:        true,
			CenterIsCommon:      true,
			Lines:               []tellma.Line{{DefinitionID: refs.LineDefinitionID, Entries: entries}},
		})
		idx[serial] = len(*docs) - 1
	}
	return technical, claims
}

// BuildRemittances assembles one document per remittance worksheet.
func (b *Builder) BuildRemittances(rows []worksheet.Remittance, refs RemittanceRefs) []tellma.Document {
	docs := make([]tellma.Document, 0, len(rows))
	for _, r := range rows {
		serial, err := worksheet.SerialNumber(r.WorksheetID)
		if err != nil {
			b.log.Error("worksheet id has no serial", slog.String("worksheet", r.WorksheetID))
			continue
		}

		memo := fmt.Sprintf("%s, %s, DIR = %d, PK = %d, %s",
			r.RemittanceTypeName, r.RemittanceType, r.Direction, r.PK, r.Notes)
		memo = b.truncate(memo, memoLimit, "memo", r.WorksheetID)
		reference := b.truncate(r.Reference, referenceLimit, "reference", r.WorksheetID)
		agentName := b.truncate(r.AgentName, referenceLimit, "recipient/issuer name", r.WorksheetID)

		agentID := refs.AgentIDs[r.AgentCode]
		bankAccountID := refs.BankAccountIDs[r.BankAccountCode]

		// Exchange-difference worksheets post with both legs inverted.
		exdiff := r.TypeIs("exdiff")

		entryA := tellma.Entry{
			AccountID:     refs.AccountIDs[r.AAccount],
			EntryTypeID:   idPtr(refs.EntryTypeIDs, r.APurposeConcept),
			Direction:     negateIf(exdiff, r.ADirection),
			MonetaryValue: r.TransferAmount,
			Value:         r.ValueFC2,
			NotedAgentID:  r.ANotedAgentID,
			ResourceID:    r.AResourceID,
			CenterID:      refs.CenterID,
		}
		applyBankLeg(&entryA, r.AIsBankAcc, r, bankAccountID, agentID, reference, agentName)
		if r.AHasNotedDate {
			entryA.NotedDate = tellma.DatePtr(r.PostingDate)
		}

		entryB := tellma.Entry{
			AccountID:     refs.AccountIDs[r.BAccount],
			EntryTypeID:   idPtr(refs.EntryTypeIDs, r.BPurposeConcept),
			Direction:     negateIf(exdiff, r.BDirection),
			MonetaryValue: r.TransferAmount,
			Value:         r.ValueFC2,
			NotedAgentID:  r.BNotedAgentID,
			ResourceID:    r.BResourceID,
			CenterID:      refs.CenterID,
		}
		applyBankLeg(&entryB, r.BIsBankAcc, r, bankAccountID, agentID, reference, agentName)
		if r.BHasNotedDate {
			entryB.NotedDate = tellma.DatePtr(r.PostingDate)
		}

		entries := []tellma.Entry{entryA, entryB}
		if entries[0].Direction < 0 {
			entries[0], entries[1] = entries[1], entries[0]
		}
		entries = dropZeroEntries(entries)
		if len(entries) == 0 {
			continue
		}

		// Outward wires settle the opposite side of the book.
		lookupID := refs.InwardLookupID
		if r.TypeIs("wire2") {
			lookupID = refs.OutwardLookupID
		}
		docs = append(docs, tellma.Document{
			ID:                  r.ExternalDocumentID,
			SerialNumber:        serial,
			PostingDate:         tellma.NewDate(r.PostingDate),
			PostingDateIsCommon: true,
			Lookup1ID:           &lookupID,
			Memo:                memo,
			MemoIsCommon:        true,
			CenterIsCommon:      true,
			Lines:               []tellma.Line{{DefinitionID: refs.LineDefinitionID, Entries: entries}},
		})
	}
	return docs
}

// BuildPairings assembles one document per pairing group. Each document holds
// one remittance entry, scaled technical entries, and, when the sides do not
// balance, a gain/loss entry forcing the residual to zero.
func (b *Builder) BuildPairings(rows []worksheet.Pairing, refs PairingRefs, rates *fx.Resolver) []tellma.Document {
	groups := make(map[int64][]worksheet.Pairing)
	order := make([]int64, 0)
	for _, r := range rows {
		if _, seen := groups[r.PK]; !seen {
			order = append(order, r.PK)
		}
		groups[r.PK] = append(groups[r.PK], r)
	}

	docs := make([]tellma.Document, 0, len(order))
	for _, pk := range order {
		doc, ok := b.buildPairingGroup(groups[pk], refs, rates)
		if ok {
			docs = append(docs, doc)
		}
	}
	return docs
}

func (b *Builder) buildPairingGroup(group []worksheet.Pairing, refs PairingRefs, rates *fx.Resolver) (tellma.Document, bool) {
	first := group[0]

	aggregate := decimal.Zero
	totalMonetary := decimal.Zero
	for _, p := range group {
		aggregate = aggregate.Add(p.SumValue)
		totalMonetary = totalMonetary.Add(p.SumMonetaryValue)
	}
	aggregateSign := 1
	if aggregate.Sign() <= 0 {
		aggregateSign = -1
	}

	// A normal pairing settles a remittance against technicals; a reverse
	// pairing has the remittance worksheet on the technical side.
	isNormal := strings.HasPrefix(first.RemitWorksheet, worksheet.PrefixRemittance)
	isReverse := strings.HasPrefix(first.TechWorksheet, worksheet.PrefixRemittance)
	if !isNormal && !isReverse {
		b.log.Warn("pairing has no remittance side", slog.Int64("pk", first.PK),
			slog.String("technical", first.TechWorksheet), slog.String("remittance", first.RemitWorksheet))
		return tellma.Document{}, false
	}

	remitAmount, remitCurrency, remitAgentCode := first.RemitAmount, first.RemitCurrency, first.RemitInsuranceAgent
	techAmountInPairing := first.TechAmount
	if !isNormal {
		remitAmount, remitCurrency, remitAgentCode = first.TechAmount, first.TechCurrency, first.TechInsuranceAgent
		techAmountInPairing = first.RemitAmount
	}

	rate := decimal.NewFromInt(1)
	if !strings.EqualFold(remitCurrency, rates.FunctionalCurrency()) {
		var err error
		rate, err = rates.RateFor(remitCurrency, first.RemittancePaymentDate)
		if err != nil {
			b.log.Error("no exchange rate for pairing", slog.Int64("pk", first.PK),
				slog.String("currency", remitCurrency),
				slog.String("asOf", first.RemittancePaymentDate.Format("2006-01-02")))
			return tellma.Document{}, false
		}
	}

	if totalMonetary.IsZero() || aggregate.IsZero() {
		b.log.Error("pairing technical sums are zero", slog.Int64("pk", first.PK),
			slog.String("technical", first.TechWorksheet), slog.String("remittance", first.RemitWorksheet))
		return tellma.Document{}, false
	}

	// Partial settlements scale every technical line down to the paired amount.
	scaling := decimal.NewFromInt(1)
	if !techAmountInPairing.Abs().Equal(totalMonetary.Abs()) {
		scaling = techAmountInPairing.Abs().Div(totalMonetary.Abs())
		b.log.Debug("applying pairing scaling factor", slog.Int64("pk", first.PK), slog.String("factor", scaling.String()))
	}

	remitAgentID, ok := refs.AgentIDs[remitAgentCode]
	if !ok {
		b.log.Error("remittance agent not found for pairing", slog.Int64("pk", first.PK), slog.String("agent", remitAgentCode))
		return tellma.Document{}, false
	}

	remitDirection := int16(1)
	if remitAmount.Sign() > 0 {
		remitDirection = -1
	}
	entries := []tellma.Entry{{
		AccountID:     refs.RemittanceAccountID,
		AgentID:       &remitAgentID,
		CenterID:      refs.CenterID,
		NotedDate:     tellma.DatePtr(first.RemittancePaymentDate),
		CurrencyID:    remitCurrency,
		Direction:     remitDirection,
		MonetaryValue: fx.Round2(remitAmount).Abs(),
		Value:         fx.Round2(remitAmount.Mul(rate).Abs()),
	}}

	totalTechnicalValue := decimal.Zero
	for _, line := range group {
		lineMonetary := fx.Round2(line.SumMonetaryValue.Mul(scaling)).Abs()
		lineValue := fx.Round2(line.SumValue.Mul(scaling)).Abs()

		techAmount := line.TechAmount
		if !isNormal {
			techAmount = line.RemitAmount
		}
		pairingSign := 1
		if techAmount.Sign() <= 0 {
			pairingSign = -1
		}
		direction, err := ResolveDirection(pairingSign, aggregateSign, line.TechDirection)
		if err != nil {
			b.log.Error("pairing direction unresolved", slog.Int64("pk", first.PK), slog.Any("error", err))
			return tellma.Document{}, false
		}

		customerAccCode := CustomerAccountCode(line.ContractCode, line.BusinessMainClassCode, line.TechInsuranceAgent)
		customerAccID, ok := refs.CustomerAccountIDs[customerAccCode]
		if !ok {
			b.log.Error("customer account not found for pairing", slog.Int64("pk", first.PK), slog.String("account", customerAccCode))
			continue
		}
		accountID, ok := refs.AccountIDs[line.AccountCode]
		if !ok {
			b.log.Error("account not found for pairing", slog.Int64("pk", first.PK), slog.String("account", line.AccountCode))
			continue
		}

		entry := tellma.Entry{
			AccountID:     accountID,
			CenterID:      refs.CenterID,
			CurrencyID:    line.ContractCurrencyID,
			Direction:     direction,
			MonetaryValue: lineMonetary,
			Value:         lineValue,
			Time1:         tellma.DatePtr(line.EffectiveDate),
			Time2:         tellma.DatePtr(line.ExpiryDate),
			NotedDate:     tellma.DatePtr(line.TechNotedDate),
		}
		applyTaxAgent(&entry, line.BTaxAccount, customerAccID, refs.VatDeptID)
		entries = append(entries, entry)

		if direction > 0 {
			totalTechnicalValue = totalTechnicalValue.Add(lineValue)
		} else {
			totalTechnicalValue = totalTechnicalValue.Sub(lineValue)
		}
	}

	remittanceEntryValue := entries[0].Value
	if entries[0].Direction < 0 {
		remittanceEntryValue = remittanceEntryValue.Neg()
	}
	balanceDifference := fx.Round2(totalTechnicalValue.Add(remittanceEntryValue))

	signedTotal := decimal.Zero
	for _, e := range entries {
		signedTotal = signedTotal.Add(e.Value.Mul(decimal.NewFromInt(int64(e.Direction))))
	}
	totalOffBalance := signedTotal.Abs().Sub(balanceDifference.Abs())

	if balanceDifference.Abs().GreaterThan(balanceTolerance) {
		entries = append(entries, b.balancingEntry(first, refs, rates, balanceDifference, totalOffBalance, totalTechnicalValue))
	}

	entries = dropZeroEntries(entries)
	if len(entries) == 0 {
		return tellma.Document{}, false
	}

	remitSign, pairingType := "Reverse", "Reverse"
	if remitAmount.Sign() > 0 {
		remitSign = "Receipt"
	}
	if isNormal {
		pairingType = "Normal"
	}
	memo := fmt.Sprintf("Pairing %s and %s, Remit original sign = %s, Pairing type = %s",
		first.TechWorksheet, first.RemitWorksheet, remitSign, pairingType)
	memo = b.truncate(memo, memoLimit, "memo", first.TechWorksheet)

	// Settlements from before the pairing-date cutover post on the payment
	// date instead.
	postingDate := first.PairingDate
	if postingDate.Before(refs.CutoverDate) {
		postingDate = first.RemittancePaymentDate
	}

	lookupID := refs.OutwardLookupID
	if first.TechIsInward {
		lookupID = refs.InwardLookupID
	}
	return tellma.Document{
		ID:                  first.ExternalDocumentID,
		SerialNumber:        first.PK,
		PostingDate:         tellma.NewDate(postingDate),
		PostingDateIsCommon: true,
		Lookup1ID:           &lookupID,
		Memo:                memo,
		MemoIsCommon:        true,
		CenterIsCommon:      true,
		Lines:               []tellma.Line{{DefinitionID: refs.LineDefinitionID, Entries: entries}},
	}, true
}

// balancingEntry forces the document residual to zero through the forex
// gain/loss account matching the residual's sign.
func (b *Builder) balancingEntry(first worksheet.Pairing, refs PairingRefs, rates *fx.Resolver,
	balanceDifference, totalOffBalance, totalTechnicalValue decimal.Decimal) tellma.Entry {

	nonFunctional := first.RemitCurrency
	if strings.EqualFold(nonFunctional, rates.FunctionalCurrency()) {
		nonFunctional = first.TechCurrency
	}
	rate := decimal.NewFromInt(1)
	if !strings.EqualFold(nonFunctional, rates.FunctionalCurrency()) {
		if r, err := rates.RateFor(nonFunctional, first.PairingDate); err == nil {
			rate = r
		}
	}

	adjustment := fx.Round2(balanceDifference.Abs().Add(totalOffBalance))
	adjustmentMonetary := fx.Round2(adjustment.Div(rate))

	if !totalTechnicalValue.IsZero() {
		ratio := adjustment.Div(totalTechnicalValue.Abs())
		if ratio.GreaterThan(imbalanceWarnRatio) {
			b.log.Warn("high exchange rate difference for pairing",
				slog.Int64("pk", first.PK),
				slog.String("ratio", ratio.StringFixed(4)),
				slog.String("adjustment", adjustment.StringFixed(2)))
		}
	}

	accountID, direction := refs.GainAccountID, int16(-1)
	if balanceDifference.Sign() < 0 {
		accountID, direction = refs.LossAccountID, 1
	}
	return tellma.Entry{
		AccountID:     accountID,
		EntryTypeID:   refs.GainLossEntryTypeID,
		CenterID:      refs.CenterID,
		CurrencyID:    nonFunctional,
		Direction:     direction,
		MonetaryValue: adjustmentMonetary,
		Value:         adjustment,
	}
}

func (b *Builder) truncate(s string, limit int, field, worksheetID string) string {
	if len(s) <= limit {
		return s
	}
	b.log.Warn("field exceeds platform limit, truncating",
		slog.String("field", field),
		slog.String("worksheet", worksheetID),
		slog.Int("limit", limit))
	return s[:limit]
}

// applyTaxAgent routes tax-account entries through the VAT department, moving
// the customer account to the noted agent.
func applyTaxAgent(e *tellma.Entry, taxAccount bool, customerAccID, vatDeptID int64) {
	if taxAccount {
		e.AgentID = &vatDeptID
		if customerAccID != 0 {
			id := customerAccID
			e.NotedAgentID = &id
		}
		return
	}
	if customerAccID != 0 {
		id := customerAccID
		e.AgentID = &id
	}
}

// applyBankLeg fills the fields that differ between the bank-account leg and
// the counterparty leg of a remittance entry.
func applyBankLeg(e *tellma.Entry, isBankLeg bool, r worksheet.Remittance, bankAccountID, agentID int64, reference, agentName string) {
	if isBankLeg {
		if bankAccountID != 0 {
			id := bankAccountID
			e.AgentID = &id
		}
		e.CurrencyID = r.BankAccountCurrencyID
		e.ExternalReference = reference
		e.NotedAgentName = agentName
		return
	}
	if agentID != 0 {
		id := agentID
		e.AgentID = &id
	}
	e.CurrencyID = r.TransferCurrencyID
}

func dropZeroEntries(entries []tellma.Entry) []tellma.Entry {
	kept := entries[:0:0]
	for _, e := range entries {
		if e.MonetaryValue.IsZero() && e.Value.IsZero() {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

func idPtr(m map[string]int64, key string) *int64 {
	if id, ok := m[key]; ok && id != 0 {
		return &id
	}
	return nil
}

func plusWhenPositive(direction int16) int16 {
	if direction > 0 {
		return 1
	}
	return -1
}

func negateIf(cond bool, d int16) int16 {
	if cond {
		return -d
	}
	return d
}

func firstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}
