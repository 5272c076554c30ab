package importer

import (
	"bytes"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/worksheet"
)

func pairRow(pk int64) worksheet.Pairing {
	return worksheet.Pairing{
		PK:                    pk,
		TenantCode1:           "IR1",
		TenantCode2:           "IR1",
		TechWorksheet:         "TW10",
		RemitWorksheet:        "RW20",
		TechAmount:            decimal.NewFromInt(1000),
		RemitAmount:           decimal.NewFromInt(-1000),
		TechCurrency:          "USD",
		RemitCurrency:         "USD",
		TechDirection:         1,
		ContractCode:          "C1",
		SumMonetaryValue:      decimal.NewFromInt(1000),
		SumValue:              decimal.NewFromInt(65000),
		PairingDate:           time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		RemittancePaymentDate: time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC),
	}
}

func pairingFilter(w io.Writer) *worksheet.Filter[worksheet.Pairing] {
	if w == nil {
		w = io.Discard
	}
	return worksheet.NewFilter(slog.New(slog.NewTextHandler(w, nil)), "pairing", func(p worksheet.Pairing) string {
		return "PK " + strconv.FormatInt(p.PK, 10)
	})
}

var pairingTestPrefixes = []string{"RW", "TW", "CW"}

func TestValidatePairingsKeepsSettleablePairs(t *testing.T) {
	symmetric := pairRow(1)

	crossCurrency := pairRow(2)
	crossCurrency.RemitCurrency = "EUR"
	crossCurrency.RemitAmount = decimal.NewFromInt(-920)

	claimSide := pairRow(3)
	claimSide.TechWorksheet = "CW30"

	kept := validatePairings(pairingFilter(nil),
		[]worksheet.Pairing{symmetric, crossCurrency, claimSide}, "IR1", pairingTestPrefixes)

	require.Len(t, kept, 3)
}

func TestValidatePairingsExclusions(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*worksheet.Pairing)
	}{
		{"tenant codes differ across sides", func(p *worksheet.Pairing) { p.TenantCode2 = "IR160" }},
		{"belongs to another tenant", func(p *worksheet.Pairing) { p.TenantCode1 = "IR160"; p.TenantCode2 = "IR160" }},
		{"blank contract code", func(p *worksheet.Pairing) { p.ContractCode = " " }},
		{"both sides technical", func(p *worksheet.Pairing) { p.RemitWorksheet = "TW99" }},
		{"technical against claim", func(p *worksheet.Pairing) { p.RemitWorksheet = "CW99" }},
		{"both sides remittances", func(p *worksheet.Pairing) { p.TechWorksheet = "RW99" }},
		{"blank worksheet id", func(p *worksheet.Pairing) { p.RemitWorksheet = "" }},
		{"zero aggregated value", func(p *worksheet.Pairing) { p.SumValue = decimal.Zero }},
		{"zero aggregated monetary value", func(p *worksheet.Pairing) { p.SumMonetaryValue = decimal.Zero }},
		{"invalid technical direction", func(p *worksheet.Pairing) { p.TechDirection = 2 }},
		{"unsupported prefix", func(p *worksheet.Pairing) { p.TechWorksheet = "XX1" }},
		{"missing remittance payment date", func(p *worksheet.Pairing) { p.RemittancePaymentDate = time.Time{} }},
		{"equal currency asymmetric amounts", func(p *worksheet.Pairing) { p.RemitAmount = decimal.NewFromInt(-980) }},
		{"zero remittance amount", func(p *worksheet.Pairing) {
			p.RemitCurrency = "EUR"
			p.RemitAmount = decimal.Zero
		}},
		{"zero technical amount", func(p *worksheet.Pairing) {
			p.RemitCurrency = "EUR"
			p.TechAmount = decimal.Zero
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			row := pairRow(1)
			tc.mutate(&row)
			kept := validatePairings(pairingFilter(nil), []worksheet.Pairing{row}, "IR1", pairingTestPrefixes)
			assert.Empty(t, kept)
		})
	}
}

// An equal-currency pair that does not cancel is bad data, not a forex
// difference: it must never reach the document builder, where the balance
// forcing would paper over the gap with a synthetic gain or loss entry.
func TestValidatePairingsExcludesAsymmetryBeforeBalanceForcing(t *testing.T) {
	var buf bytes.Buffer

	row := pairRow(7)
	row.TechAmount = decimal.NewFromInt(1000)
	row.RemitAmount = decimal.NewFromInt(-980)

	kept := validatePairings(pairingFilter(&buf), []worksheet.Pairing{row}, "IR1", pairingTestPrefixes)

	assert.Empty(t, kept)
	assert.Contains(t, buf.String(), "PK 7")
	assert.Contains(t, buf.String(), "equal currencies but asymmetric amounts")
}

func TestRemoveMissingRefsNamesUnresolvedCodes(t *testing.T) {
	var buf bytes.Buffer
	f := pairingFilter(&buf)

	good := pairRow(1)
	bad := pairRow(2)
	bad.TechCurrency = "XYZ"

	known := map[string]struct{}{"USD": {}, "EUR": {}}
	kept := removeMissingRefs(f, []worksheet.Pairing{good, bad}, known, func(p worksheet.Pairing) []string {
		return []string{p.TechCurrency, p.RemitCurrency}
	}, "carry currencies not found on the platform")

	require.Len(t, kept, 1)
	assert.Equal(t, int64(1), kept[0].PK)
	assert.Contains(t, buf.String(), "PK 2")
	assert.Contains(t, buf.String(), "XYZ", "the diagnostic names the unresolved currency")
}

func TestMissingFromSortsAndDeduplicates(t *testing.T) {
	known := map[string]int64{"Premium": 1}
	missing := missingFrom([]string{"Claims", "Premium", "Claims", "", "Acquisition"}, known)
	assert.Equal(t, []string{"Acquisition", "Claims"}, missing)
}
