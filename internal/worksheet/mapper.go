package worksheet

import (
	"log/slog"
	"strings"
)

type technicalMappingKey struct {
	accountCode string
	isInward    bool
}

// TechnicalMappings resolves posting templates for technical lines.
type TechnicalMappings struct {
	byKey map[technicalMappingKey]TechnicalMapping
}

// NewTechnicalMappings indexes the mapping table by (account code, inward flag).
func NewTechnicalMappings(mappings []TechnicalMapping) *TechnicalMappings {
	byKey := make(map[technicalMappingKey]TechnicalMapping, len(mappings))
	for _, m := range mappings {
		byKey[technicalMappingKey{m.AccountCode, m.IsInward}] = m
	}
	return &TechnicalMappings{byKey: byKey}
}

// Supported reports whether a template exists for the source account.
func (tm *TechnicalMappings) Supported(t Technical) bool {
	_, ok := tm.byKey[technicalMappingKey{t.AccountCode, t.IsInward}]
	return ok
}

// Apply attaches posting templates to the rows. A miss leaves the row
// unmapped with a warning; the downstream account validation excludes it.
func (tm *TechnicalMappings) Apply(rows []Technical, logger *slog.Logger) []Technical {
	out := make([]Technical, len(rows))
	for i, t := range rows {
		m, ok := tm.byKey[technicalMappingKey{t.AccountCode, t.IsInward}]
		if !ok {
			logger.Warn("no posting template for source account",
				slog.String("worksheet", t.WorksheetID),
				slog.String("account", t.AccountCode),
				slog.Bool("inward", t.IsInward),
			)
			out[i] = t
			continue
		}
		t.Mapped = true
		t.AAccount = m.AAccount
		t.BAccount = m.BAccount
		t.APurposeConcept = m.APurposeConcept
		t.BPurposeConcept = m.BPurposeConcept
		t.ATaxAccount = m.ATaxAccount
		t.BTaxAccount = m.BTaxAccount
		t.AHasNotedDate = m.AHasNotedDate
		t.BHasNotedDate = m.BHasNotedDate
		out[i] = t
	}
	return out
}

type remittanceMappingKey struct {
	remittanceType string
	direction      int16
}

// RemittanceMappings resolves posting templates for remittances.
type RemittanceMappings struct {
	byKey map[remittanceMappingKey]RemittanceMapping
	types map[string]struct{}
}

// NewRemittanceMappings indexes the mapping table by (type, direction).
// Type comparison is case-insensitive.
func NewRemittanceMappings(mappings []RemittanceMapping) *RemittanceMappings {
	byKey := make(map[remittanceMappingKey]RemittanceMapping, len(mappings))
	types := make(map[string]struct{})
	for _, m := range mappings {
		t := strings.ToLower(m.RemittanceType)
		byKey[remittanceMappingKey{t, m.Direction}] = m
		types[t] = struct{}{}
	}
	return &RemittanceMappings{byKey: byKey, types: types}
}

// SupportedType reports whether any template exists for the remittance type.
func (rm *RemittanceMappings) SupportedType(remittanceType string) bool {
	_, ok := rm.types[strings.ToLower(remittanceType)]
	return ok
}

// Apply attaches posting templates to the rows. A miss leaves the row
// unmapped with a warning.
func (rm *RemittanceMappings) Apply(rows []Remittance, logger *slog.Logger) []Remittance {
	out := make([]Remittance, len(rows))
	for i, r := range rows {
		m, ok := rm.byKey[remittanceMappingKey{strings.ToLower(r.RemittanceType), r.Direction}]
		if !ok {
			logger.Warn("no posting template for remittance",
				slog.String("worksheet", r.WorksheetID),
				slog.String("type", r.RemittanceType),
				slog.Int("direction", int(r.Direction)),
			)
			out[i] = r
			continue
		}
		r.Mapped = true
		r.RemittanceTypeName = m.RemittanceTypeName
		r.AAccount = m.AAccount
		r.BAccount = m.BAccount
		r.APurposeConcept = m.APurposeConcept
		r.BPurposeConcept = m.BPurposeConcept
		r.ADirection = m.ADirection
		r.BDirection = m.BDirection
		r.AIsBankAcc = m.AIsBankAcc
		r.BIsBankAcc = m.BIsBankAcc
		r.ANotedAgentID = m.ANotedAgentID
		r.BNotedAgentID = m.BNotedAgentID
		r.AResourceID = m.AResourceID
		r.BResourceID = m.BResourceID
		r.AHasNotedDate = m.AHasNotedDate
		r.BHasNotedDate = m.BHasNotedDate
		out[i] = r
	}
	return out
}
