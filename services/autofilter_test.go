package services

import (
	"context"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"marki/models"
	"marki/parse"
	"marki/parse/parsetest"
)

func TestBuildWhere(t *testing.T) {
	f := models.AutoFilters{
		Include: map[string]any{
			"ville":       "Lyon",
			"payeur_nom":  "SCI (A)",
			"type":        []any{"client", "locataire"},
			"commentaire": "",
		},
		Exclude:   map[string]any{"ville": "Paris", "statut": []any{"litige"}},
		Operators: &models.FilterOperators{Include: map[string]string{"payeur_nom": models.OpStartsWith}},
	}
	where := BuildWhere(f)

	if _, ok := where["commentaire"]; ok {
		t.Error("empty include value must be ignored")
	}
	if got := where["payeur_nom"].(map[string]any)["$regex"]; got != `^SCI \(A\)` {
		t.Errorf("startsWith regex = %v", got)
	}
	ville := where["ville"].(map[string]any)
	if ville["$eq"] != "Lyon" || ville["$ne"] != "Paris" {
		t.Errorf("ville = %v", ville)
	}
	if in := where["type"].(map[string]any)["$in"].([]any); len(in) != 2 {
		t.Errorf("type = %v", where["type"])
	}
	if nin := where["statut"].(map[string]any)["$nin"].([]any); len(nin) != 1 {
		t.Errorf("statut = %v", where["statut"])
	}

	lone := BuildWhere(models.AutoFilters{Include: map[string]any{"ville": "Lyon"}})
	if lone["ville"] != "Lyon" {
		t.Errorf("a lone equality should stay a plain value, got %v", lone["ville"])
	}
}

func TestMatchesOperators(t *testing.T) {
	rec := map[string]any{"payeur_nom": "SCI Les Tilleuls", "ville": "Lyon", "montant": 120.0}
	cases := []struct {
		op, value string
		want      bool
	}{
		{models.OpEquals, "SCI Les Tilleuls", true},
		{models.OpContains, "Tilleuls", true},
		{models.OpContains, "tilleuls", false},
		{models.OpDoesNotContain, "Chênes", true},
		{models.OpStartsWith, "SCI", true},
		{models.OpEndsWith, "SCI", false},
		{models.OpIsNotEmpty, "", true},
		{models.OpIsEmpty, "", false},
	}
	for _, c := range cases {
		f := models.AutoFilters{
			Include:   map[string]any{"payeur_nom": c.value},
			Operators: &models.FilterOperators{Include: map[string]string{"payeur_nom": c.op}},
		}
		if got := Matches(f, rec); got != c.want {
			t.Errorf("%s %q = %v, want %v", c.op, c.value, got, c.want)
		}
	}

	if !Matches(models.AutoFilters{Include: map[string]any{"montant": 120.0}}, rec) {
		t.Error("numbers should compare as numbers")
	}
	if !Matches(models.AutoFilters{Include: map[string]any{"absent": "x"}, Exclude: map[string]any{"ville": "Paris"}}, map[string]any{"absent": "x"}) {
		t.Error("exclude on a missing column should hold")
	}
}

// The in-process evaluator must select exactly what the Parse query selects.
func TestMatchesAgreesWithParseQuery(t *testing.T) {
	srv := parsetest.New(t)
	pc := srv.Client()
	ctx := context.Background()

	names := []any{"ACME", "Acme Lyon", "SCI Tilleuls", "", nil}
	villes := []any{"Lyon", "Paris", nil}
	for _, n := range names {
		for _, v := range villes {
			rec := map[string]any{}
			if n != nil {
				rec["payeur_nom"] = n
			}
			if v != nil {
				rec["ville"] = v
			}
			srv.Seed(models.ClassImpayes, rec)
		}
	}
	corpus := srv.Objects(models.ClassImpayes)

	operators := []any{models.OpEquals, models.OpContains, models.OpDoesNotContain, models.OpStartsWith,
		models.OpEndsWith, models.OpIsEmpty, models.OpIsNotEmpty}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("matches_equals_query", prop.ForAll(
		func(op string, value string, exclude string) bool {
			f := models.AutoFilters{
				Include:   map[string]any{"payeur_nom": value},
				Exclude:   map[string]any{"ville": exclude},
				Operators: &models.FilterOperators{Include: map[string]string{"payeur_nom": op}},
			}
			rows, err := parse.FindAll[parse.Object](ctx, pc, models.ClassImpayes, parse.Query{Where: BuildWhere(f)})
			if err != nil {
				t.Logf("query: %v", err)
				return false
			}
			var fromQuery, fromMatch []string
			for _, r := range rows {
				fromQuery = append(fromQuery, r.ID())
			}
			for _, r := range corpus {
				if Matches(f, r) {
					fromMatch = append(fromMatch, parse.Object(r).ID())
				}
			}
			sort.Strings(fromQuery)
			sort.Strings(fromMatch)
			if len(fromQuery) != len(fromMatch) {
				return false
			}
			for i := range fromQuery {
				if fromQuery[i] != fromMatch[i] {
					return false
				}
			}
			return true
		},
		gen.OneConstOf(operators...),
		gen.OneConstOf("ACME", "Acme", "Lyon", "SCI", "Tilleuls", "", "A.C"),
		gen.OneConstOf("Lyon", "Paris", ""),
	))

	properties.TestingRun(t)
}

func TestConvertToAutoAndApply(t *testing.T) {
	srv := parsetest.New(t)
	s := newSequences(srv)
	ctx := context.Background()

	seqID := seedSequence(srv, "Auto Lyon", true, map[string]any{"delay": 0})
	if _, err := s.ConvertToAuto(ctx, seqID, models.AutoFilters{}); err == nil {
		t.Fatal("empty filters accepted")
	}

	match := seedImpaye(srv, "", map[string]any{"nfacture": "L1", "ville": "Lyon", "payeur_email": "l@x.fr"})
	seedImpaye(srv, "", map[string]any{"nfacture": "P1", "ville": "Paris", "payeur_email": "p@x.fr"})
	seedImpaye(srv, "", map[string]any{"nfacture": "L2", "ville": "Lyon", "facturesoldee": true})
	other := seedSequence(srv, "Autre", true)
	taken := seedImpaye(srv, other, map[string]any{"nfacture": "L3", "ville": "Lyon"})

	seq, err := s.ConvertToAuto(ctx, seqID, models.AutoFilters{Include: map[string]any{"ville": "Lyon"}})
	if err != nil {
		t.Fatalf("ConvertToAuto: %v", err)
	}
	if !seq.IsAuto || seq.RequeteAuto == nil || seq.PopulationType() != "automatique" {
		t.Fatalf("sequence = %+v", seq)
	}

	preview, err := s.TestAutoFilters(ctx, *seq.RequeteAuto)
	if err != nil || preview.Count != 3 {
		t.Fatalf("TestAutoFilters = %+v, %v", preview, err)
	}

	res, err := s.ApplyAutoSequence(ctx, seqID)
	if err != nil {
		t.Fatalf("ApplyAutoSequence: %v", err)
	}
	if res.Linked != 1 || res.Populate == nil || res.Populate.Created != 1 {
		t.Fatalf("ApplyAutoSequence = %+v", res)
	}
	if parse.Object(srv.Object(models.ClassImpayes, match)).PointerID("sequence") != seqID {
		t.Error("matching invoice not linked")
	}
	if parse.Object(srv.Object(models.ClassImpayes, taken)).PointerID("sequence") != other {
		t.Error("invoice of another sequence must not move")
	}
}
