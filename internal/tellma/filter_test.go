package tellma

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrFilterDedupesAndSkipsEmpty(t *testing.T) {
	got := OrFilter("Code", []string{"TW1", "", "TW2", "TW1"})
	assert.Equal(t, "Code='TW1' OR Code='TW2'", got)
}

func TestOrFilterEmptyValues(t *testing.T) {
	assert.Equal(t, "", OrFilter("Code", nil))
	assert.Equal(t, "", OrFilter("Code", []string{"", ""}))
}

func TestOrFilterDropsOverBudget(t *testing.T) {
	values := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		values = append(values, strings.Repeat("X", 8)+string(rune('A'+i%26))+string(rune('A'+i/26)))
	}
	assert.Equal(t, "", OrFilter("Code", values))
}

func TestCapFilterBoundary(t *testing.T) {
	under := strings.Repeat("a", FilterBudget-1)
	assert.Equal(t, under, CapFilter(under))

	at := strings.Repeat("a", FilterBudget)
	assert.Equal(t, "", CapFilter(at), "a filter at the budget is dropped")
}
