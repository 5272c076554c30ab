package tellma

import (
	"fmt"
	"strings"
)

// FilterBudget is the platform's hard ceiling on filter expressions. Filters
// at or over the budget are dropped in favour of a full paginated fetch.
const FilterBudget = 1024

// OrFilter composes `field='v1' OR field='v2' ...` over distinct non-empty
// values. Returns "" when there are no values or the expression would reach
// the filter budget.
func OrFilter(field string, values []string) string {
	seen := make(map[string]struct{}, len(values))
	clauses := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		clauses = append(clauses, fmt.Sprintf("%s='%s'", field, v))
	}
	return CapFilter(strings.Join(clauses, " OR "))
}

// OrClauses joins pre-built clauses with OR under the same budget rule.
func OrClauses(clauses []string) string {
	return CapFilter(strings.Join(clauses, " OR "))
}

// CapFilter drops a filter that would exceed the platform budget.
func CapFilter(filter string) string {
	if len(filter) >= FilterBudget {
		return ""
	}
	return filter
}
