package posting

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/fx"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/tellma"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/worksheet"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func signedTotal(entries []tellma.Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Value.Mul(decimal.NewFromInt(int64(e.Direction))))
	}
	return total
}

func technicalRefs() TechnicalRefs {
	return TechnicalRefs{
		LineDefinitionID: 10,
		CenterID:         20,
		VatDeptID:        30,
		InwardLookupID:   41,
		OutwardLookupID:  42,
		AccountIDs:       map[string]int64{"16002": 100, "06001": 101, "25001": 102},
		EntryTypeIDs:     map[string]int64{"PremiumsWritten": 200},
		CustomerAccountIDs: map[string]int64{
			CustomerAccountCode("C1", "MC", "A1"): 300,
		},
	}
}

func baseTechnical() worksheet.Technical {
	return worksheet.Technical{
		WorksheetID:           "TW123",
		TenantCode:            "IR1",
		PostingDate:           day("2024-03-18"),
		AgentCode:             "A1",
		ContractCode:          "C1",
		BusinessMainClassCode: "MC",
		ContractCurrencyID:    "USD",
		ContractAmount:        d("1000"),
		ValueFc2:              d("920"),
		Direction:             1,
		IsInward:              true,
		Mapped:                true,
		AAccount:              "16002",
		BAccount:              "06001",
		APurposeConcept:       "PremiumsWritten",
		EffectiveDate:         day("2024-01-01"),
		ExpiryDate:            day("2024-12-31"),
		Notes:                 "March premium",
	}
}

func TestBuildTechnicalProducesBalancedDocument(t *testing.T) {
	b := NewBuilder(nil)

	tech, claims := b.BuildTechnical([]worksheet.Technical{baseTechnical()}, technicalRefs())
	require.Len(t, tech, 1)
	assert.Empty(t, claims)

	doc := tech[0]
	assert.Equal(t, int64(123), doc.SerialNumber)
	assert.Equal(t, "2024-03-01", doc.PostingDate.Format("2006-01-02"), "posting date snaps to first of month")
	assert.Equal(t, "March premium", doc.Memo)
	require.NotNil(t, doc.Lookup1ID)
	assert.Equal(t, int64(41), *doc.Lookup1ID)

	require.Len(t, doc.Lines, 1)
	entries := doc.Lines[0].Entries
	require.Len(t, entries, 2)

	assert.Equal(t, int16(1), entries[0].Direction)
	assert.Equal(t, int64(100), entries[0].AccountID)
	assert.Equal(t, "920", entries[0].Value.String())
	assert.Equal(t, int16(-1), entries[1].Direction)
	assert.Equal(t, int64(101), entries[1].AccountID)

	assert.True(t, signedTotal(entries).IsZero(), "document must balance")
}

func TestBuildTechnicalReversesWhenFirstEntryNegative(t *testing.T) {
	b := NewBuilder(nil)
	row := baseTechnical()
	row.Direction = -1

	tech, _ := b.BuildTechnical([]worksheet.Technical{row}, technicalRefs())
	require.Len(t, tech, 1)
	entries := tech[0].Lines[0].Entries
	require.Len(t, entries, 2)

	assert.Equal(t, int16(1), entries[0].Direction, "positive entry leads")
	assert.Equal(t, int64(101), entries[0].AccountID, "legs swap under reversal")
	assert.Equal(t, int16(-1), entries[1].Direction)
}

func TestBuildTechnicalAggregatesSameWorksheet(t *testing.T) {
	b := NewBuilder(nil)
	row1 := baseTechnical()
	row2 := baseTechnical()
	row2.ContractAmount = d("500")
	row2.ValueFc2 = d("460")

	tech, _ := b.BuildTechnical([]worksheet.Technical{row1, row2}, technicalRefs())
	require.Len(t, tech, 1, "same serial accumulates into one document")
	assert.Len(t, tech[0].Lines[0].Entries, 4)
	assert.True(t, signedTotal(tech[0].Lines[0].Entries).IsZero())
}

func TestBuildTechnicalSplitsClaims(t *testing.T) {
	b := NewBuilder(nil)
	claim := baseTechnical()
	claim.WorksheetID = "CW77"

	tech, claims := b.BuildTechnical([]worksheet.Technical{baseTechnical(), claim}, technicalRefs())
	assert.Len(t, tech, 1)
	require.Len(t, claims, 1)
	assert.Equal(t, int64(77), claims[0].SerialNumber)
}

func TestBuildTechnicalTaxAccountRoutesThroughVatDepartment(t *testing.T) {
	b := NewBuilder(nil)
	row := baseTechnical()
	row.BAccount = "25001"
	row.BTaxAccount = true

	tech, _ := b.BuildTechnical([]worksheet.Technical{row}, technicalRefs())
	require.Len(t, tech, 1)
	entries := tech[0].Lines[0].Entries

	require.NotNil(t, entries[1].AgentID)
	assert.Equal(t, int64(30), *entries[1].AgentID, "tax leg posts against the VAT department")
	require.NotNil(t, entries[1].NotedAgentID)
	assert.Equal(t, int64(300), *entries[1].NotedAgentID, "customer moves to the noted agent")
}

func TestBuildTechnicalTruncatesLongMemo(t *testing.T) {
	b := NewBuilder(nil)
	row := baseTechnical()
	row.Notes = strings.Repeat("x", 300)

	tech, _ := b.BuildTechnical([]worksheet.Technical{row}, technicalRefs())
	require.Len(t, tech, 1)
	assert.Len(t, tech[0].Memo, 255)
}

func remittanceRefs() RemittanceRefs {
	return RemittanceRefs{
		LineDefinitionID: 10,
		CenterID:         20,
		InwardLookupID:   41,
		OutwardLookupID:  42,
		AccountIDs:       map[string]int64{"11001": 100, "16002": 101},
		EntryTypeIDs:     map[string]int64{},
		AgentIDs:         map[string]int64{"A1": 300},
		BankAccountIDs:   map[string]int64{"SA4420000001": 400},
	}
}

func baseRemittance() worksheet.Remittance {
	return worksheet.Remittance{
		WorksheetID:           "RW555",
		TenantCode:            "IR1",
		PK:                    9001,
		PostingDate:           day("2024-04-10"),
		AgentCode:             "A1",
		AgentName:             "Acme Underwriting",
		RemittanceType:        "wire",
		RemittanceTypeName:    "Wire transfer",
		Direction:             1,
		TransferAmount:        d("500"),
		TransferCurrencyID:    "EUR",
		ValueFC2:              d("540"),
		BankAccountCode:       "SA4420000001",
		BankAccountCurrencyID: "USD",
		Reference:             "REF-1",
		Mapped:                true,
		AAccount:              "11001",
		BAccount:              "16002",
		ADirection:            1,
		BDirection:            -1,
		AIsBankAcc:            true,
	}
}

func TestBuildRemittancesBankLegCarriesBankDetails(t *testing.T) {
	b := NewBuilder(nil)

	docs := b.BuildRemittances([]worksheet.Remittance{baseRemittance()}, remittanceRefs())
	require.Len(t, docs, 1)

	doc := docs[0]
	assert.Equal(t, int64(555), doc.SerialNumber)
	assert.Equal(t, "Wire transfer, wire, DIR = 1, PK = 9001, ", doc.Memo)
	require.NotNil(t, doc.Lookup1ID)
	assert.Equal(t, int64(41), *doc.Lookup1ID)

	entries := doc.Lines[0].Entries
	require.Len(t, entries, 2)

	bankLeg := entries[0]
	require.NotNil(t, bankLeg.AgentID)
	assert.Equal(t, int64(400), *bankLeg.AgentID)
	assert.Equal(t, "USD", bankLeg.CurrencyID, "bank leg posts in the bank account currency")
	assert.Equal(t, "REF-1", bankLeg.ExternalReference)
	assert.Equal(t, "Acme Underwriting", bankLeg.NotedAgentName)

	counterLeg := entries[1]
	require.NotNil(t, counterLeg.AgentID)
	assert.Equal(t, int64(300), *counterLeg.AgentID)
	assert.Equal(t, "EUR", counterLeg.CurrencyID)
	assert.Empty(t, counterLeg.ExternalReference)

	assert.True(t, signedTotal(entries).IsZero())
}

func TestBuildRemittancesExchangeDifferenceInvertsLegs(t *testing.T) {
	b := NewBuilder(nil)
	row := baseRemittance()
	row.RemittanceType = "exdiff"

	docs := b.BuildRemittances([]worksheet.Remittance{row}, remittanceRefs())
	require.Len(t, docs, 1)
	entries := docs[0].Lines[0].Entries

	// A leg flips to -1 and the reversal rule then reorders the entries.
	assert.Equal(t, int16(1), entries[0].Direction)
	assert.Equal(t, int64(101), entries[0].AccountID)
	assert.Equal(t, int16(-1), entries[1].Direction)
	assert.Equal(t, int64(100), entries[1].AccountID)
}

func TestBuildRemittancesOutwardWireUsesOutwardLookup(t *testing.T) {
	b := NewBuilder(nil)
	row := baseRemittance()
	row.RemittanceType = "wire2"

	docs := b.BuildRemittances([]worksheet.Remittance{row}, remittanceRefs())
	require.Len(t, docs, 1)
	require.NotNil(t, docs[0].Lookup1ID)
	assert.Equal(t, int64(42), *docs[0].Lookup1ID)
}

func pairingRefs() PairingRefs {
	entryType := int64(900)
	return PairingRefs{
		LineDefinitionID:    10,
		CenterID:            20,
		VatDeptID:           30,
		InwardLookupID:      41,
		OutwardLookupID:     42,
		RemittanceAccountID: 100,
		GainAccountID:       110,
		LossAccountID:       111,
		GainLossEntryTypeID: &entryType,
		CutoverDate:         day("2025-05-16"),
		AccountIDs:          map[string]int64{"06001": 120},
		AgentIDs:            map[string]int64{"A1": 300, "A2": 301},
		CustomerAccountIDs: map[string]int64{
			CustomerAccountCode("C1", "MC", "A1"): 400,
		},
	}
}

func basePairing() worksheet.Pairing {
	return worksheet.Pairing{
		PK:                    7001,
		TechWorksheet:         "TW10",
		RemitWorksheet:        "RW20",
		TechAmount:            d("1000"),
		RemitAmount:           d("980"),
		TechCurrency:          "USD",
		RemitCurrency:         "USD",
		TechDirection:         -1,
		TechIsInward:          true,
		TechInsuranceAgent:    "A1",
		RemitInsuranceAgent:   "A2",
		ContractCode:          "C1",
		BusinessMainClassCode: "MC",
		ContractCurrencyID:    "USD",
		AccountCode:           "06001",
		SumMonetaryValue:      d("1000"),
		SumValue:              d("1000"),
		PairingDate:           day("2025-06-01"),
		RemittancePaymentDate: day("2025-05-20"),
	}
}

func TestBuildPairingsAddsGainEntryForShortfall(t *testing.T) {
	b := NewBuilder(nil)
	rates := fx.NewResolver("USD", nil)

	docs := b.BuildPairings([]worksheet.Pairing{basePairing()}, pairingRefs(), rates)
	require.Len(t, docs, 1)

	doc := docs[0]
	assert.Equal(t, int64(7001), doc.SerialNumber)
	assert.Equal(t, "2025-06-01", doc.PostingDate.Format("2006-01-02"))
	assert.Equal(t, "Pairing TW10 and RW20, Remit original sign = Receipt, Pairing type = Normal", doc.Memo)

	entries := doc.Lines[0].Entries
	require.Len(t, entries, 3)

	remit := entries[0]
	assert.Equal(t, int64(100), remit.AccountID)
	assert.Equal(t, int16(-1), remit.Direction)
	assert.Equal(t, "980", remit.Value.String())

	tech := entries[1]
	assert.Equal(t, int64(120), tech.AccountID)
	assert.Equal(t, int16(1), tech.Direction)
	assert.Equal(t, "1000", tech.Value.String())

	gain := entries[2]
	assert.Equal(t, int64(110), gain.AccountID, "technical exceeds remittance, so the residual is a gain")
	assert.Equal(t, int16(-1), gain.Direction)
	assert.Equal(t, "20", gain.Value.String())
	require.NotNil(t, gain.EntryTypeID)
	assert.Equal(t, int64(900), *gain.EntryTypeID)

	assert.True(t, signedTotal(entries).IsZero(), "forced balance must hold")
}

func TestBuildPairingsAddsLossEntryForExcess(t *testing.T) {
	b := NewBuilder(nil)
	rates := fx.NewResolver("USD", nil)
	row := basePairing()
	row.RemitAmount = d("1030")

	docs := b.BuildPairings([]worksheet.Pairing{row}, pairingRefs(), rates)
	require.Len(t, docs, 1)
	entries := docs[0].Lines[0].Entries
	require.Len(t, entries, 3)

	loss := entries[2]
	assert.Equal(t, int64(111), loss.AccountID)
	assert.Equal(t, int16(1), loss.Direction)
	assert.Equal(t, "30", loss.Value.String())
	assert.True(t, signedTotal(entries).IsZero())
}

func TestBuildPairingsBalancedGroupHasNoAdjustment(t *testing.T) {
	b := NewBuilder(nil)
	rates := fx.NewResolver("USD", nil)
	row := basePairing()
	row.RemitAmount = d("1000")

	docs := b.BuildPairings([]worksheet.Pairing{row}, pairingRefs(), rates)
	require.Len(t, docs, 1)
	assert.Len(t, docs[0].Lines[0].Entries, 2)
}

func TestBuildPairingsScalesPartialSettlement(t *testing.T) {
	b := NewBuilder(nil)
	rates := fx.NewResolver("USD", nil)
	row := basePairing()
	// Half the technical worksheet is being settled.
	row.TechAmount = d("500")
	row.RemitAmount = d("500")

	docs := b.BuildPairings([]worksheet.Pairing{row}, pairingRefs(), rates)
	require.Len(t, docs, 1)
	entries := docs[0].Lines[0].Entries
	require.Len(t, entries, 2)
	assert.Equal(t, "500", entries[1].MonetaryValue.String())
	assert.Equal(t, "500", entries[1].Value.String())
}

func TestBuildPairingsPreCutoverPostsOnPaymentDate(t *testing.T) {
	b := NewBuilder(nil)
	rates := fx.NewResolver("USD", nil)
	row := basePairing()
	row.PairingDate = day("2025-04-01")
	row.RemittancePaymentDate = day("2025-03-28")
	row.RemitAmount = d("1000")

	docs := b.BuildPairings([]worksheet.Pairing{row}, pairingRefs(), rates)
	require.Len(t, docs, 1)
	assert.Equal(t, "2025-03-28", docs[0].PostingDate.Format("2006-01-02"))
}

func TestBuildPairingsSkipsGroupWithoutRate(t *testing.T) {
	b := NewBuilder(nil)
	rates := fx.NewResolver("USD", nil)
	row := basePairing()
	row.RemitCurrency = "EUR"

	docs := b.BuildPairings([]worksheet.Pairing{row}, pairingRefs(), rates)
	assert.Empty(t, docs)
}

func TestBuildPairingsSkipsGroupWithoutRemittanceSide(t *testing.T) {
	b := NewBuilder(nil)
	rates := fx.NewResolver("USD", nil)
	row := basePairing()
	row.TechWorksheet = "TW10"
	row.RemitWorksheet = "TW11"

	docs := b.BuildPairings([]worksheet.Pairing{row}, pairingRefs(), rates)
	assert.Empty(t, docs)
}
