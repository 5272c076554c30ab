package worksheet

import (
	"log/slog"
	"sort"
	"strings"
)

// Partition splits rows by predicate. Every row whose key matches a failing
// row's key is excluded, so multi-line worksheets are dropped whole. The
// returned key set is deduplicated and sorted; rows are never mutated.
func Partition[T any](rows []T, key func(T) string, pred func(T) bool) (kept []T, excludedKeys []string) {
	excluded := make(map[string]struct{})
	for _, r := range rows {
		if pred(r) {
			excluded[key(r)] = struct{}{}
		}
	}
	if len(excluded) == 0 {
		return rows, nil
	}
	kept = make([]T, 0, len(rows))
	for _, r := range rows {
		if _, bad := excluded[key(r)]; !bad {
			kept = append(kept, r)
		}
	}
	excludedKeys = make([]string, 0, len(excluded))
	for k := range excluded {
		excludedKeys = append(excludedKeys, k)
	}
	sort.Strings(excludedKeys)
	return kept, excludedKeys
}

// Filter applies exclusion rules to a batch of rows, emitting one diagnostic
// per rule so no data is ever dropped silently.
type Filter[T any] struct {
	log   *slog.Logger
	label string
	key   func(T) string
}

// NewFilter constructs a filter for rows labelled by kind (e.g. "technical"),
// keyed by their natural identifier.
func NewFilter[T any](logger *slog.Logger, label string, key func(T) string) *Filter[T] {
	return &Filter[T]{log: logger, label: label, key: key}
}

// Remove drops all rows matching pred and logs the excluded keys with the
// reason. Returns the surviving rows.
func (f *Filter[T]) Remove(rows []T, pred func(T) bool, reason string) []T {
	kept, excluded := Partition(rows, f.key, pred)
	if len(excluded) > 0 {
		f.logger().Error("validation excluded worksheets",
			slog.String("kind", f.label),
			slog.Int("count", len(excluded)),
			slog.String("keys", strings.Join(excluded, ", ")),
			slog.String("reason", reason),
		)
	}
	return kept
}

// Warn logs matching rows without removing them, for advisory rules.
func (f *Filter[T]) Warn(rows []T, pred func(T) bool, reason string) {
	_, matched := Partition(rows, f.key, pred)
	if len(matched) > 0 {
		f.logger().Warn("validation warning",
			slog.String("kind", f.label),
			slog.Int("count", len(matched)),
			slog.String("keys", strings.Join(matched, ", ")),
			slog.String("reason", reason),
		)
	}
}

func (f *Filter[T]) logger() *slog.Logger {
	if f.log != nil {
		return f.log
	}
	return slog.Default()
}
