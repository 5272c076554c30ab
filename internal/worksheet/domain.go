package worksheet

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Worksheet id prefixes used by the source system.
const (
	PrefixTechnical  = "TW"
	PrefixClaim      = "CW"
	PrefixRemittance = "RW"
)

// ErrBadWorksheetID indicates a worksheet id without a numeric serial suffix.
var ErrBadWorksheetID = errors.New("worksheet: id has no numeric serial")

// SerialNumber extracts the numeric suffix of a worksheet id (e.g. "TW123" -> 123).
// The serial is the idempotency key for the posted document.
func SerialNumber(worksheetID string) (int64, error) {
	if len(worksheetID) <= 2 {
		return 0, fmt.Errorf("%w: %q", ErrBadWorksheetID, worksheetID)
	}
	n, err := strconv.ParseInt(worksheetID[2:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadWorksheetID, worksheetID)
	}
	return n, nil
}

// HasAnyPrefix reports whether the worksheet id starts with one of the prefixes.
func HasAnyPrefix(worksheetID string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(worksheetID, p) {
			return true
		}
	}
	return false
}

// Technical is one line of a technical or claims worksheet.
type Technical struct {
	WorksheetID string
	TenantCode  string
	PostingDate time.Time

	AgentCode     string
	AgentName     string
	BrokerCode    string
	BrokerName    string
	ChannelCode   string
	ChannelName   string
	CedantCode    string
	CedantName    string
	ReinsurerCode string
	ReinsurerName string
	InsuredCode   string
	InsuredName   string

	ContractCode       string
	ContractName       string
	ContractCurrencyID string
	ContractAmount     decimal.Decimal
	ValueFc2           decimal.Decimal
	Direction          int16

	BusinessTypeCode      string
	BusinessMainClassCode string
	BusinessMainClassName string
	RiskCountry           string
	IsInward              bool

	AccountCode   string
	EffectiveDate time.Time
	ExpiryDate    time.Time
	ClosingDate   time.Time
	NotedDate     time.Time
	Notes         string
	Description   string

	ExternalDocumentID int64

	// Posting template, attached by the account mapper.
	Mapped          bool
	AAccount        string
	BAccount        string
	APurposeConcept string
	BPurposeConcept string
	ATaxAccount     bool
	BTaxAccount     bool
	AHasNotedDate   bool
	BHasNotedDate   bool
}

// IsClaim reports whether the line belongs to a claims worksheet.
func (t Technical) IsClaim() bool {
	return strings.HasPrefix(t.WorksheetID, PrefixClaim)
}

// Remittance is a cash remittance worksheet.
type Remittance struct {
	WorksheetID string
	TenantCode  string
	PK          int64
	PostingDate time.Time

	AgentCode string
	AgentName string

	RemittanceType     string
	RemittanceTypeName string
	Direction          int16

	TransferAmount     decimal.Decimal
	TransferCurrencyID string
	ValueFC2           decimal.Decimal

	BankAccountCode       string
	BankAccountCurrencyID string
	Reference             string
	Notes                 string

	ExternalDocumentID int64

	// Posting template, attached by the account mapper.
	Mapped          bool
	AAccount        string
	BAccount        string
	APurposeConcept string
	BPurposeConcept string
	ADirection      int16
	BDirection      int16
	AIsBankAcc      bool
	BIsBankAcc      bool
	ANotedAgentID   *int64
	BNotedAgentID   *int64
	AResourceID     *int64
	BResourceID     *int64
	AHasNotedDate   bool
	BHasNotedDate   bool
}

// TypeIs reports whether the remittance type matches, case-insensitively.
func (r Remittance) TypeIs(t string) bool {
	return strings.EqualFold(r.RemittanceType, t)
}

// CashOnly reports whether the remittance moves cash through a bank account.
// Write-offs and bank charges carry no bank-account reference.
func (r Remittance) CashOnly() bool {
	return !r.TypeIs("write_off") && !r.TypeIs("bcharge")
}

// Pairing is one technical line of a cross-settlement pairing group. Lines
// sharing a PK settle the same remittance against one technical worksheet.
type Pairing struct {
	PK          int64
	TenantCode1 string
	TenantCode2 string

	TechWorksheet  string
	RemitWorksheet string

	TechAmount     decimal.Decimal
	RemitAmount    decimal.Decimal
	TechCurrency   string
	RemitCurrency  string
	TechDirection  int16
	TechIsInward   bool

	TechInsuranceAgent  string
	RemitInsuranceAgent string

	ContractCode          string
	BusinessMainClassCode string
	ContractCurrencyID    string

	AccountCode string
	BTaxAccount bool

	// Aggregated over the technical lines feeding this pairing line.
	SumMonetaryValue decimal.Decimal
	SumValue         decimal.Decimal

	EffectiveDate         time.Time
	ExpiryDate            time.Time
	TechNotedDate         time.Time
	PairingDate           time.Time
	RemittancePaymentDate time.Time

	ExternalDocumentID int64
}

// Rate is a staging-side exchange rate sample.
type Rate struct {
	CurrencyID         string
	ValidAsOf          time.Time
	AmountInCurrency   decimal.Decimal
	AmountInFunctional decimal.Decimal
}

// TechnicalMapping is a dual-account posting template for technicals, keyed
// by (source account code, inward flag).
type TechnicalMapping struct {
	AccountCode     string
	IsInward        bool
	CanBePairing    bool
	AAccount        string
	BAccount        string
	APurposeConcept string
	BPurposeConcept string
	ATaxAccount     bool
	BTaxAccount     bool
	AHasNotedDate   bool
	BHasNotedDate   bool
}

// RemittanceMapping is a dual-account posting template for remittances,
// keyed by (remittance type, direction).
type RemittanceMapping struct {
	RemittanceType     string
	RemittanceTypeName string
	Direction          int16
	AAccount           string
	BAccount           string
	APurposeConcept    string
	BPurposeConcept    string
	ADirection         int16
	BDirection         int16
	AIsBankAcc         bool
	BIsBankAcc         bool
	ANotedAgentID      *int64
	BNotedAgentID      *int64
	AResourceID        *int64
	BResourceID        *int64
	AHasNotedDate      bool
	BHasNotedDate      bool
}

// ImportedRef ties a worksheet back to the platform document it produced.
type ImportedRef struct {
	WorksheetID string
	PK          int64
	DocumentID  int64
}
