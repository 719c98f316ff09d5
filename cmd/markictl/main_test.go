package main

import (
	"bytes"
	"context"
	"reflect"
	"testing"
)

func TestParseFilters(t *testing.T) {
	f, err := parseFilters(
		[]string{"payeur_type=Client", "agence=Lyon", "agence=Paris", "commentaire="},
		[]string{"statut=litige"},
		[]string{"commentaire=isEmpty"},
	)
	if err != nil {
		t.Fatalf("parseFilters: %v", err)
	}
	if f.Include["payeur_type"] != "Client" {
		t.Errorf("payeur_type = %v", f.Include["payeur_type"])
	}
	if !reflect.DeepEqual(f.Include["agence"], []any{"Lyon", "Paris"}) {
		t.Errorf("agence = %v", f.Include["agence"])
	}
	if f.Exclude["statut"] != "litige" {
		t.Errorf("exclude = %v", f.Exclude)
	}
	if f.Operator("commentaire") != "isEmpty" || f.Operator("agence") != "equals" {
		t.Errorf("operators = %+v", f.Operators)
	}
}

func TestParseFiltersRejectsBadInput(t *testing.T) {
	cases := []struct {
		name             string
		include, exclude []string
		ops              []string
	}{
		{name: "no separator", include: []string{"payeur_type"}},
		{name: "empty column", exclude: []string{"=x"}},
		{name: "unknown operator", ops: []string{"agence=like"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseFilters(tc.include, tc.exclude, tc.ops); err == nil {
				t.Fatal("accepted")
			}
		})
	}
}

func TestRequiredFlagsAreEnforced(t *testing.T) {
	var out bytes.Buffer
	err := newApp(&out).Run(context.Background(), []string{"markictl", "populate"})
	if err == nil {
		t.Fatal("populate without --sequence accepted")
	}
}
