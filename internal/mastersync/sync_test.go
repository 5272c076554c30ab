package mastersync

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/tellma"
)

// fakeGateway holds an in-memory agent store and records every save batch.
type fakeGateway struct {
	definitionID int64
	agents       []tellma.Agent
	saveBatches  [][]tellma.AgentForSave
	nextID       int64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{definitionID: 7, nextID: 1000}
}

func (f *fakeGateway) AgentDefinitionID(ctx context.Context, tenantID int, code string) (int64, error) {
	return f.definitionID, nil
}

func (f *fakeGateway) Agents(ctx context.Context, tenantID int, definitionID int64, filter string) ([]tellma.Agent, error) {
	return append([]tellma.Agent(nil), f.agents...), nil
}

func (f *fakeGateway) AgentsTop(ctx context.Context, tenantID int, definitionID int64, filter, orderBy string, top int) ([]tellma.Agent, error) {
	out := append([]tellma.Agent(nil), f.agents...)
	if len(out) > top {
		out = out[:top]
	}
	return out, nil
}

func (f *fakeGateway) SaveAgents(ctx context.Context, tenantID int, definitionID int64, agents []tellma.AgentForSave) error {
	f.saveBatches = append(f.saveBatches, agents)
	for _, a := range agents {
		if a.ID == 0 {
			f.nextID++
			f.agents = append(f.agents, saveToAgent(f.nextID, a))
			continue
		}
		for i := range f.agents {
			if f.agents[i].ID == a.ID {
				f.agents[i] = saveToAgent(a.ID, a)
			}
		}
	}
	return nil
}

func (f *fakeGateway) MaxAgentSerial(ctx context.Context, tenantID int, definitionID int64) (int64, error) {
	max := int64(0)
	for _, a := range f.agents {
		if strings.HasPrefix(a.Code, "BP") {
			var n int64
			if _, err := fmt.Sscanf(a.Code[2:], "%d", &n); err == nil && n > max {
				max = n
			}
		}
	}
	return max, nil
}

func saveToAgent(id int64, a tellma.AgentForSave) tellma.Agent {
	return tellma.Agent{
		ID: id, Code: a.Code, Name: a.Name, Name2: a.Name2,
		Agent1ID: a.Agent1ID, Agent2ID: a.Agent2ID,
		Lookup1ID: a.Lookup1ID, Lookup2ID: a.Lookup2ID, Lookup3ID: a.Lookup3ID,
		FromDate: a.FromDate, ToDate: a.ToDate,
		Description: a.Description, Description2: a.Description2,
	}
}

func totalSaves(f *fakeGateway) int {
	n := 0
	for _, b := range f.saveBatches {
		n += len(b)
	}
	return n
}

func TestSyncIsIdempotent(t *testing.T) {
	gw := newFakeGateway()
	s := New(gw, nil)

	desired := []tellma.Agent{
		{Code: "A1", Name: "Acme Re"},
		{Code: "A2", Name: "Borealis"},
	}

	first, err := s.Sync(context.Background(), 601, KindInsuranceAgent, desired)
	require.NoError(t, err)
	assert.Len(t, first, 2)
	assert.Equal(t, 2, totalSaves(gw), "first pass creates both agents")

	second, err := s.Sync(context.Background(), 601, KindInsuranceAgent, desired)
	require.NoError(t, err)
	assert.Len(t, second, 2)
	assert.Equal(t, 2, totalSaves(gw), "unchanged desired set must produce zero saves")
}

func TestSyncSkipsBlankCodes(t *testing.T) {
	gw := newFakeGateway()
	s := New(gw, nil)

	_, err := s.Sync(context.Background(), 601, KindInsuranceAgent, []tellma.Agent{
		{Code: "  ", Name: "No key"},
		{Code: "A1", Name: "Acme Re"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, totalSaves(gw))
	assert.Equal(t, "A1", gw.saveBatches[0][0].Code)
}

func TestSyncUpdatesChangedName(t *testing.T) {
	gw := newFakeGateway()
	gw.agents = []tellma.Agent{{ID: 5, Code: "A1", Name: "Old Name", Name2: "Old Name"}}
	s := New(gw, nil)

	_, err := s.Sync(context.Background(), 601, KindInsuranceAgent, []tellma.Agent{{Code: "A1", Name: "New Name"}})
	require.NoError(t, err)
	require.Equal(t, 1, totalSaves(gw))
	save := gw.saveBatches[0][0]
	assert.Equal(t, int64(5), save.ID, "key match becomes an update")
	assert.Equal(t, "New Name", save.Name)
}

func TestSyncAcceptsSuffixedDuplicateNameAsEqual(t *testing.T) {
	gw := newFakeGateway()
	gw.agents = []tellma.Agent{{ID: 5, Code: "A1", Name: "Acme - A1", Name2: "Acme - A1"}}
	s := New(gw, nil)

	_, err := s.Sync(context.Background(), 601, KindInsuranceAgent, []tellma.Agent{{Code: "A1", Name: "Acme", Name2: "Acme"}})
	require.NoError(t, err)
	assert.Zero(t, totalSaves(gw), "platform's disambiguated form counts as equal")
}

func TestSyncDisambiguatesDuplicateNamesInBatch(t *testing.T) {
	gw := newFakeGateway()
	s := New(gw, nil)

	_, err := s.Sync(context.Background(), 601, KindInsuranceAgent, []tellma.Agent{
		{Code: "A1", Name: "Acme", Name2: "Acme"},
		{Code: "A2", Name: "ACME", Name2: "ACME"},
		{Code: "A3", Name: "Solo", Name2: "Solo"},
	})
	require.NoError(t, err)
	require.Equal(t, 3, totalSaves(gw))

	byCode := map[string]tellma.AgentForSave{}
	for _, a := range gw.saveBatches[0] {
		byCode[a.Code] = a
	}
	assert.Equal(t, "Acme - A1", byCode["A1"].Name, "case-insensitive duplicates get the code suffix")
	assert.Equal(t, "ACME - A2", byCode["A2"].Name)
	assert.Equal(t, "Solo", byCode["A3"].Name)
}

func TestSyncContractNeverNarrowsInceptionDate(t *testing.T) {
	gw := newFakeGateway()
	early := tellma.NewDate(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	gw.agents = []tellma.Agent{{ID: 5, Code: "C1", Name: "Contract", Name2: "Contract", FromDate: &early}}
	s := New(gw, nil)

	later := tellma.NewDate(time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC))
	_, err := s.Sync(context.Background(), 601, KindInsuranceContract, []tellma.Agent{
		{Code: "C1", Name: "Contract", FromDate: &later},
	})
	require.NoError(t, err)
	require.Equal(t, 1, totalSaves(gw))
	save := gw.saveBatches[0][0]
	require.NotNil(t, save.FromDate)
	assert.Equal(t, "2020-01-01", save.FromDate.Format("2006-01-02"), "earliest inception wins")
}

func TestSyncBusinessPartnerAssignsSerialCodes(t *testing.T) {
	gw := newFakeGateway()
	gw.agents = []tellma.Agent{{ID: 1, Code: "BP00041", Name: "BP00041: Existing"}}
	s := New(gw, nil)

	contract1, partner1, ptype := int64(10), int64(20), int64(30)
	contract2 := int64(11)
	_, err := s.Sync(context.Background(), 601, KindBusinessPartner, []tellma.Agent{
		{Code: "-", Name: "First Partner", Agent1ID: &contract1, Agent2ID: &partner1, Lookup1ID: &ptype},
		{Code: "-", Name: "Second Partner", Agent1ID: &contract2, Agent2ID: &partner1, Lookup1ID: &ptype},
	})
	require.NoError(t, err)
	require.Equal(t, 2, totalSaves(gw))

	saves := gw.saveBatches[0]
	assert.Equal(t, "BP00042", saves[0].Code)
	assert.Equal(t, "BP00042: First Partner", saves[0].Name)
	assert.Equal(t, "BP00043", saves[1].Code)
}

func TestSyncBusinessPartnerMatchesOnCompositeKey(t *testing.T) {
	gw := newFakeGateway()
	contract, partner, ptype := int64(10), int64(20), int64(30)
	gw.agents = []tellma.Agent{{
		ID: 9, Code: "BP00001", Name: "BP00001: Existing",
		Agent1ID: &contract, Agent2ID: &partner, Lookup1ID: &ptype,
	}}
	s := New(gw, nil)

	_, err := s.Sync(context.Background(), 601, KindBusinessPartner, []tellma.Agent{
		{Code: "-", Name: "Existing", Agent1ID: &contract, Agent2ID: &partner, Lookup1ID: &ptype},
	})
	require.NoError(t, err)
	assert.Zero(t, totalSaves(gw), "composite key match with equal links is a no-op")
}

func TestSyncBusinessPartnerKeyMatchBecomesUpdate(t *testing.T) {
	gw := newFakeGateway()
	contract, ptype := int64(10), int64(30)
	oldPartner, newPartner := int64(20), int64(21)
	gw.agents = []tellma.Agent{{
		ID: 9, Code: "BP00001", Name: "BP00001: Existing",
		Agent1ID: &contract, Agent2ID: &oldPartner, Lookup1ID: &ptype,
	}}
	s := New(gw, nil)

	_, err := s.Sync(context.Background(), 601, KindBusinessPartner, []tellma.Agent{
		{Code: "-", Name: "Existing", Agent1ID: &contract, Agent2ID: &newPartner, Lookup1ID: &ptype},
	})
	require.NoError(t, err)
	require.Equal(t, 1, totalSaves(gw))
	save := gw.saveBatches[0][0]
	assert.Equal(t, int64(9), save.ID, "partner-key match adopts the platform id")
	assert.Equal(t, "BP00001", save.Code, "platform code is kept")
	require.NotNil(t, save.Agent2ID)
	assert.Equal(t, newPartner, *save.Agent2ID)
}
