package worksheet

import (
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionRemovesExactlyMatchingRows(t *testing.T) {
	rows := []Technical{
		{WorksheetID: "TW1", AgentCode: "A1"},
		{WorksheetID: "TW2", AgentCode: ""},
		{WorksheetID: "TW3", AgentCode: "A3"},
	}

	kept, excluded := Partition(rows, func(r Technical) string { return r.WorksheetID },
		func(r Technical) bool { return r.AgentCode == "" })

	require.Len(t, kept, 2)
	assert.Equal(t, "TW1", kept[0].WorksheetID)
	assert.Equal(t, "TW3", kept[1].WorksheetID)
	assert.Equal(t, []string{"TW2"}, excluded)
}

func TestPartitionDropsMultiLineWorksheetsWhole(t *testing.T) {
	// TW1 has two lines; one bad line must take the whole worksheet out.
	rows := []Technical{
		{WorksheetID: "TW1", ContractCode: "C1"},
		{WorksheetID: "TW1", ContractCode: ""},
		{WorksheetID: "TW2", ContractCode: "C2"},
	}

	kept, excluded := Partition(rows, func(r Technical) string { return r.WorksheetID },
		func(r Technical) bool { return r.ContractCode == "" })

	require.Len(t, kept, 1)
	assert.Equal(t, "TW2", kept[0].WorksheetID)
	assert.Equal(t, []string{"TW1"}, excluded)
}

func TestPartitionDeduplicatesExcludedKeys(t *testing.T) {
	rows := []Remittance{
		{WorksheetID: "RW9"},
		{WorksheetID: "RW9"},
		{WorksheetID: "RW2"},
	}

	kept, excluded := Partition(rows, func(r Remittance) string { return r.WorksheetID },
		func(r Remittance) bool { return r.WorksheetID == "RW9" })

	require.Len(t, kept, 1)
	assert.Equal(t, []string{"RW9"}, excluded)
}

func TestPartitionNoMatchesReturnsInputUnchanged(t *testing.T) {
	rows := []Technical{{WorksheetID: "TW1"}, {WorksheetID: "TW2"}}

	kept, excluded := Partition(rows, func(r Technical) string { return r.WorksheetID },
		func(Technical) bool { return false })

	assert.Equal(t, rows, kept)
	assert.Nil(t, excluded)
}

func TestPartitionDoesNotMutateInput(t *testing.T) {
	rows := []Technical{
		{WorksheetID: "TW1", ContractAmount: decimal.NewFromInt(100)},
		{WorksheetID: "TW2"},
	}

	_, _ = Partition(rows, func(r Technical) string { return r.WorksheetID },
		func(r Technical) bool { return r.ContractAmount.IsZero() })

	assert.Equal(t, "TW1", rows[0].WorksheetID)
	assert.True(t, rows[0].ContractAmount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "TW2", rows[1].WorksheetID)
}

func TestFilterRemoveKeepsSurvivors(t *testing.T) {
	f := NewFilter(slog.Default(), "technical", func(r Technical) string { return r.WorksheetID })
	rows := []Technical{
		{WorksheetID: "TW1", Direction: 1},
		{WorksheetID: "TW2", Direction: 0},
	}

	kept := f.Remove(rows, func(r Technical) bool { return r.Direction != 1 && r.Direction != -1 }, "invalid direction")

	require.Len(t, kept, 1)
	assert.Equal(t, "TW1", kept[0].WorksheetID)
}

func TestFilterWarnDoesNotRemove(t *testing.T) {
	f := NewFilter(slog.Default(), "technical", func(r Technical) string { return r.WorksheetID })
	rows := []Technical{{WorksheetID: "TW1", RiskCountry: ""}}

	f.Warn(rows, func(r Technical) bool { return r.RiskCountry == "" }, "missing risk country")

	assert.Len(t, rows, 1)
}
