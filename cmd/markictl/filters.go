package main

import (
	"fmt"
	"strings"

	"marki/models"
)

var operators = map[string]bool{
	models.OpEquals:         true,
	models.OpContains:       true,
	models.OpDoesNotContain: true,
	models.OpStartsWith:     true,
	models.OpEndsWith:       true,
	models.OpIsEmpty:        true,
	models.OpIsNotEmpty:     true,
}

func splitPair(raw string) (string, string, error) {
	col, val, ok := strings.Cut(raw, "=")
	col = strings.TrimSpace(col)
	if !ok || col == "" {
		return "", "", fmt.Errorf("invalid filter %q, expected column=value", raw)
	}
	return col, val, nil
}

// addValue keeps a single value as a scalar and turns repeats into a list.
func addValue(m map[string]any, col, val string) {
	switch cur := m[col].(type) {
	case nil:
		m[col] = val
	case []any:
		m[col] = append(cur, val)
	default:
		m[col] = []any{cur, val}
	}
}

// parseFilters builds auto filters from repeated column=value flags.
func parseFilters(include, exclude, ops []string) (models.AutoFilters, error) {
	f := models.AutoFilters{Include: map[string]any{}, Exclude: map[string]any{}}
	for _, raw := range include {
		col, val, err := splitPair(raw)
		if err != nil {
			return f, err
		}
		addValue(f.Include, col, val)
	}
	for _, raw := range exclude {
		col, val, err := splitPair(raw)
		if err != nil {
			return f, err
		}
		addValue(f.Exclude, col, val)
	}
	for _, raw := range ops {
		col, op, err := splitPair(raw)
		if err != nil {
			return f, err
		}
		if !operators[op] {
			return f, fmt.Errorf("unknown operator %q for %s", op, col)
		}
		if f.Operators == nil {
			f.Operators = &models.FilterOperators{Include: map[string]string{}}
		}
		f.Operators.Include[col] = op
		if _, ok := f.Include[col]; !ok {
			f.Include[col] = ""
		}
	}
	return f, nil
}
