// Package mastersync keeps platform master data (agents, contracts, customer
// accounts, business partners) in step with the desired state derived from
// staging rows. Sync is idempotent: an unchanged desired set produces no
// creates or updates.
package mastersync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"

	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/tellma"
)

// Kind names an agent definition with sync semantics of its own.
type Kind string

const (
	KindInsuranceAgent         Kind = "InsuranceAgent"
	KindInsuranceContract      Kind = "InsuranceContract"
	KindTradeReceivableAccount Kind = "TradeReceivableAccount"
	KindBusinessPartner        Kind = "BusinessPartner"
)

// businessPartnerPlaceholder marks desired business partners with no source
// code; the platform assigns one from the serial probe.
const businessPartnerPlaceholder = "-"

// Gateway is the slice of the platform client the synchronizer needs.
type Gateway interface {
	AgentDefinitionID(ctx context.Context, tenantID int, code string) (int64, error)
	Agents(ctx context.Context, tenantID int, definitionID int64, filter string) ([]tellma.Agent, error)
	AgentsTop(ctx context.Context, tenantID int, definitionID int64, filter, orderBy string, top int) ([]tellma.Agent, error)
	SaveAgents(ctx context.Context, tenantID int, definitionID int64, agents []tellma.AgentForSave) error
	MaxAgentSerial(ctx context.Context, tenantID int, definitionID int64) (int64, error)
}

// Synchronizer reconciles desired agents against the platform.
type Synchronizer struct {
	gw     Gateway
	log    *slog.Logger
	folder cases.Caser
}

// New constructs a synchronizer.
func New(gw Gateway, log *slog.Logger) *Synchronizer {
	if log == nil {
		log = slog.Default()
	}
	return &Synchronizer{gw: gw, log: log, folder: cases.Fold()}
}

// Sync reconciles the desired agents of one kind and returns the platform's
// state afterwards (pre-existing plus saved-and-refetched agents). Business
// partners are write-only by convention: their saves are not fetched back.
func (s *Synchronizer) Sync(ctx context.Context, tenantID int, kind Kind, desired []tellma.Agent) ([]tellma.Agent, error) {
	pending := make([]tellma.Agent, 0, len(desired))
	for _, a := range desired {
		if strings.TrimSpace(a.Code) != "" {
			pending = append(pending, a)
		}
	}

	definitionID, err := s.gw.AgentDefinitionID(ctx, tenantID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("mastersync: resolve definition %s: %w", kind, err)
	}

	var serial int64
	if kind == KindBusinessPartner {
		serial, err = s.gw.MaxAgentSerial(ctx, tenantID, definitionID)
		if err != nil {
			return nil, fmt.Errorf("mastersync: probe %s serial: %w", kind, err)
		}
	}

	existing, err := s.gw.Agents(ctx, tenantID, definitionID, keyFilter(kind, pending))
	if err != nil {
		return nil, fmt.Errorf("mastersync: fetch existing %s: %w", kind, err)
	}

	pending = s.settleExisting(kind, pending, existing)
	if len(pending) == 0 {
		s.log.Info("master data up to date", slog.String("kind", string(kind)), slog.Int64("definition", definitionID))
		return existing, nil
	}

	if kind == KindInsuranceAgent {
		s.disambiguateNames(pending)
	}

	saves := make([]tellma.AgentForSave, 0, len(pending))
	created, updated := 0, 0
	for _, want := range pending {
		save := s.prepare(kind, want, existing, &serial)
		if save.ID == 0 {
			created++
		} else {
			updated++
		}
		saves = append(saves, save)
	}

	s.log.Info("saving master data",
		slog.String("kind", string(kind)),
		slog.Int("creating", created),
		slog.Int("updating", updated))
	if err := s.gw.SaveAgents(ctx, tenantID, definitionID, saves); err != nil {
		return nil, fmt.Errorf("mastersync: save %s: %w", kind, err)
	}

	if kind == KindBusinessPartner {
		return existing, nil
	}

	saved, err := s.refetch(ctx, tenantID, definitionID, saves)
	if err != nil {
		return nil, fmt.Errorf("mastersync: refetch %s: %w", kind, err)
	}
	return append(existing, saved...), nil
}

// keyFilter builds the batch-fetch filter over the desired business keys.
func keyFilter(kind Kind, pending []tellma.Agent) string {
	if kind == KindBusinessPartner {
		clauses := make([]string, 0, len(pending))
		for _, a := range pending {
			clauses = append(clauses, fmt.Sprintf("(Agent1Id=%s AND Agent2Id=%s AND Lookup1Id=%s)",
				idOrNull(a.Agent1ID), idOrNull(a.Agent2ID), idOrNull(a.Lookup1ID)))
		}
		return tellma.OrClauses(clauses)
	}
	codes := make([]string, 0, len(pending))
	for _, a := range pending {
		codes = append(codes, a.Code)
	}
	return tellma.OrFilter("Code", codes)
}

func idOrNull(id *int64) string {
	if id == nil {
		return "null"
	}
	return fmt.Sprintf("%d", *id)
}

// settleExisting removes desired agents the platform already holds with equal
// business attributes, and for key-matched business partners adopts the
// platform id and code so the save becomes an update.
func (s *Synchronizer) settleExisting(kind Kind, pending []tellma.Agent, existing []tellma.Agent) []tellma.Agent {
	remaining := make([]tellma.Agent, 0, len(pending))
	for _, want := range pending {
		if _, ok := findEqual(kind, existing, want); ok {
			continue
		}
		if kind == KindBusinessPartner {
			if match, ok := findByPartnerKey(existing, want); ok {
				want.ID = match.ID
				want.Code = match.Code
			}
		}
		remaining = append(remaining, want)
	}
	return remaining
}

func findEqual(kind Kind, existing []tellma.Agent, want tellma.Agent) (tellma.Agent, bool) {
	for _, have := range existing {
		if kind == KindBusinessPartner {
			if ptrEq(have.Agent1ID, want.Agent1ID) && ptrEq(have.Agent2ID, want.Agent2ID) && ptrEq(have.Lookup1ID, want.Lookup1ID) {
				return have, true
			}
			continue
		}
		if agentsEqual(have, want) {
			return have, true
		}
	}
	return tellma.Agent{}, false
}

func findByPartnerKey(existing []tellma.Agent, want tellma.Agent) (tellma.Agent, bool) {
	for _, have := range existing {
		if ptrEq(have.Agent1ID, want.Agent1ID) && ptrEq(have.Lookup1ID, want.Lookup1ID) {
			return have, true
		}
	}
	return tellma.Agent{}, false
}

// agentsEqual is the no-op predicate for code-keyed kinds. Names match when
// equal outright or when the platform carries the duplicate-name form
// "Name - Code"; blank and absent descriptions are equal.
func agentsEqual(have, want tellma.Agent) bool {
	return have.Code == want.Code &&
		nameMatches(have.Name, want.Name, want.Code) &&
		nameMatches(have.Name2, want.Name2, want.Code) &&
		ptrEq(have.Agent1ID, want.Agent1ID) &&
		ptrEq(have.Agent2ID, want.Agent2ID) &&
		ptrEq(have.Lookup1ID, want.Lookup1ID) &&
		ptrEq(have.Lookup2ID, want.Lookup2ID) &&
		tellma.SameDay(have.FromDate, want.FromDate) &&
		tellma.SameDay(have.ToDate, want.ToDate) &&
		descriptionEqual(have.Description, want.Description) &&
		have.Description2 == want.Description2
}

func nameMatches(have, want, code string) bool {
	return have == want || have == want+" - "+code
}

func descriptionEqual(have, want string) bool {
	return have == want || (strings.TrimSpace(have) == "" && strings.TrimSpace(want) == "")
}

func ptrEq(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// disambiguateNames suffixes the code onto names shared by more than one
// pending insurance agent, preventing unique-name collisions on the platform.
func (s *Synchronizer) disambiguateNames(pending []tellma.Agent) {
	counts := make(map[string]int, len(pending))
	for _, a := range pending {
		counts[s.folder.String(a.Name)]++
	}
	for i := range pending {
		if counts[s.folder.String(pending[i].Name)] > 1 {
			s.log.Warn("duplicate agent name, suffixing code",
				slog.String("name", pending[i].Name), slog.String("code", pending[i].Code))
			pending[i].Name = pending[i].Name + " - " + pending[i].Code
			pending[i].Name2 = pending[i].Name2 + " - " + pending[i].Code
		}
	}
}

// prepare builds the save payload for one desired agent, applying the fields
// each kind owns. Everything not listed stays under platform control.
func (s *Synchronizer) prepare(kind Kind, want tellma.Agent, existing []tellma.Agent, serial *int64) tellma.AgentForSave {
	var have *tellma.Agent
	for i := range existing {
		if existing[i].Code == want.Code {
			have = &existing[i]
			break
		}
	}

	save := tellma.AgentForSave{Code: want.Code, Name: want.Name}
	if have != nil {
		save.ID = have.ID
	} else if want.ID != 0 {
		save.ID = want.ID
	}

	switch kind {
	case KindInsuranceAgent:
		// Name only; links and dates are managed by hand on the platform.

	case KindInsuranceContract:
		save.Lookup1ID = want.Lookup1ID  // business type
		save.Lookup3ID = want.Lookup3ID  // risk country
		save.Agent2ID = want.Agent2ID    // broker
		save.Description = want.Description
		save.Description2 = want.Description2 // max closing date
		save.FromDate = want.FromDate
		// Never narrow an inception date the platform already holds.
		if have != nil && have.FromDate != nil &&
			(save.FromDate == nil || have.FromDate.Before(save.FromDate.Time)) {
			save.FromDate = have.FromDate
		}
		save.ToDate = want.ToDate

	case KindTradeReceivableAccount:
		save.Agent1ID = want.Agent1ID // insurance agent
		save.Agent2ID = want.Agent2ID // contract
		save.Lookup2ID = want.Lookup2ID // main business class

	case KindBusinessPartner:
		if save.Code == businessPartnerPlaceholder {
			*serial++
			save.Code = fmt.Sprintf("BP%05d", *serial)
		}
		save.Name = save.Code + ": " + want.Name
		save.Agent1ID = want.Agent1ID  // contract
		save.Agent2ID = want.Agent2ID  // partner agent
		save.Lookup1ID = want.Lookup1ID // partnership type
	}

	save.Name2 = save.Name
	return save
}

// refetch recovers platform ids for the saved batch, by code filter when it
// fits the budget, otherwise via a full paginated fetch.
func (s *Synchronizer) refetch(ctx context.Context, tenantID int, definitionID int64, saves []tellma.AgentForSave) ([]tellma.Agent, error) {
	codes := make([]string, 0, len(saves))
	for _, a := range saves {
		codes = append(codes, a.Code)
	}
	filter := tellma.OrFilter("Code", codes)
	if filter == "" {
		return s.gw.Agents(ctx, tenantID, definitionID, "")
	}
	return s.gw.AgentsTop(ctx, tenantID, definitionID, filter, "Id desc", len(saves))
}
