// Package tellma is the HTTP gateway to the external accounting platform.
package tellma

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Date marshals as a calendar day, the granularity the platform stores for
// posting, noted and validity dates.
type Date struct {
	time.Time
}

// NewDate builds a Date from a time, dropping the clock.
func NewDate(t time.Time) Date {
	return Date{time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)}
}

// DatePtr returns a *Date for non-zero times, nil otherwise.
func DatePtr(t time.Time) *Date {
	if t.IsZero() {
		return nil
	}
	d := NewDate(t)
	return &d
}

// MarshalJSON renders the date as "2006-01-02".
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Format("2006-01-02") + `"`), nil
}

// UnmarshalJSON accepts bare dates and timestamp strings.
func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		d.Time = time.Time{}
		return nil
	}
	if len(s) > 10 {
		s = s[:10]
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return fmt.Errorf("tellma: bad date %q: %w", s, err)
	}
	d.Time = t
	return nil
}

// SameDay compares two optional dates at calendar-day granularity.
func SameDay(a, b *Date) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Format("2006-01-02") == b.Format("2006-01-02")
}

// Agent is the platform's generic counterparty entity. Insurance agents,
// contracts, customer accounts, business partners and bank accounts are all
// agent definitions.
type Agent struct {
	ID           int64  `json:"Id"`
	Code         string `json:"Code"`
	Name         string `json:"Name"`
	Name2        string `json:"Name2"`
	Agent1ID     *int64 `json:"Agent1Id"`
	Agent2ID     *int64 `json:"Agent2Id"`
	Lookup1ID    *int64 `json:"Lookup1Id"`
	Lookup2ID    *int64 `json:"Lookup2Id"`
	Lookup3ID    *int64 `json:"Lookup3Id"`
	FromDate     *Date  `json:"FromDate"`
	ToDate       *Date  `json:"ToDate"`
	Description  string `json:"Description"`
	Description2 string `json:"Description2"`
	Text3        string `json:"Text3"`
	CurrencyID   string `json:"CurrencyId"`
}

// AgentForSave is the write shape of Agent. A zero ID creates.
type AgentForSave struct {
	ID           int64  `json:"Id,omitempty"`
	Code         string `json:"Code"`
	Name         string `json:"Name"`
	Name2        string `json:"Name2,omitempty"`
	Agent1ID     *int64 `json:"Agent1Id,omitempty"`
	Agent2ID     *int64 `json:"Agent2Id,omitempty"`
	Lookup1ID    *int64 `json:"Lookup1Id,omitempty"`
	Lookup2ID    *int64 `json:"Lookup2Id,omitempty"`
	Lookup3ID    *int64 `json:"Lookup3Id,omitempty"`
	FromDate     *Date  `json:"FromDate,omitempty"`
	ToDate       *Date  `json:"ToDate,omitempty"`
	Description  string `json:"Description,omitempty"`
	Description2 string `json:"Description2,omitempty"`
}

// Account is a ledger account.
type Account struct {
	ID   int64  `json:"Id"`
	Code string `json:"Code"`
	Name string `json:"Name"`
}

// EntryType classifies an entry's economic purpose, keyed by concept.
type EntryType struct {
	ID      int64  `json:"Id"`
	Concept string `json:"Concept"`
	Name    string `json:"Name"`
}

// Currency as known to the platform; the id is the ISO code.
type Currency struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

// Lookup is a platform enumeration value under a lookup definition.
type Lookup struct {
	ID   int64  `json:"Id"`
	Code string `json:"Code"`
	Name string `json:"Name"`
}

// ExchangeRate is a platform-side rate sample.
type ExchangeRate struct {
	ID                 int64           `json:"Id"`
	CurrencyID         string          `json:"CurrencyId"`
	ValidAsOf          Date            `json:"ValidAsOf"`
	AmountInCurrency   decimal.Decimal `json:"AmountInCurrency"`
	AmountInFunctional decimal.Decimal `json:"AmountInFunctional"`
}

// Rate is the functional units bought by one unit of the currency.
func (e ExchangeRate) Rate() decimal.Decimal {
	if e.AmountInCurrency.IsZero() {
		return decimal.Decimal{}
	}
	return e.AmountInFunctional.Div(e.AmountInCurrency)
}

// ExchangeRateForSave is the write shape of ExchangeRate.
type ExchangeRateForSave struct {
	ID                 int64           `json:"Id,omitempty"`
	CurrencyID         string          `json:"CurrencyId"`
	ValidAsOf          Date            `json:"ValidAsOf"`
	AmountInCurrency   decimal.Decimal `json:"AmountInCurrency"`
	AmountInFunctional decimal.Decimal `json:"AmountInFunctional"`
}

// Entry is one posting within a document line. Monetary and functional
// values are magnitudes; the sign lives in Direction.
type Entry struct {
	AccountID         int64           `json:"AccountId"`
	EntryTypeID       *int64          `json:"EntryTypeId,omitempty"`
	AgentID           *int64          `json:"AgentId,omitempty"`
	NotedAgentID      *int64          `json:"NotedAgentId,omitempty"`
	ResourceID        *int64          `json:"ResourceId,omitempty"`
	CenterID          int64           `json:"CenterId"`
	CurrencyID        string          `json:"CurrencyId"`
	Direction         int16           `json:"Direction"`
	MonetaryValue     decimal.Decimal `json:"MonetaryValue"`
	Value             decimal.Decimal `json:"Value"`
	NotedDate         *Date           `json:"NotedDate,omitempty"`
	Time1             *Date           `json:"Time1,omitempty"`
	Time2             *Date           `json:"Time2,omitempty"`
	ExternalReference string          `json:"ExternalReference,omitempty"`
	NotedAgentName    string          `json:"NotedAgentName,omitempty"`
}

// Line groups balanced entries under a line definition.
type Line struct {
	DefinitionID int64   `json:"DefinitionId"`
	Entries      []Entry `json:"Entries"`
}

// Document is the platform posting unit. SerialNumber together with tenant
// and document definition is the idempotency key; ID zero creates, non-zero
// updates the previously posted document.
type Document struct {
	ID                  int64  `json:"Id"`
	SerialNumber        int64  `json:"SerialNumber"`
	PostingDate         Date   `json:"PostingDate"`
	PostingDateIsCommon bool   `json:"PostingDateIsCommon"`
	Lookup1ID           *int64 `json:"Lookup1Id,omitempty"`
	Memo                string `json:"Memo"`
	MemoIsCommon        bool   `json:"MemoIsCommon"`
	CenterIsCommon      bool   `json:"CenterIsCommon"`
	State               int    `json:"State,omitempty"`
	Lines               []Line `json:"Lines"`
}

// TenantProfile carries the tenant settings the importer needs.
type TenantProfile struct {
	CompanyName          string `json:"CompanyName"`
	FunctionalCurrencyID string `json:"FunctionalCurrencyId"`
	FreezeDate           Date   `json:"FreezeDate"`
	ArchiveDate          Date   `json:"ArchiveDate"`
}
