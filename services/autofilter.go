package services

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"marki/models"
	"marki/parse"
)

// predicate is one constraint on a column.
type predicate struct {
	op  string
	arg any
}

// filterPredicates lists the constraints of f per column. Include values that are
// lists mean "any of", exclude lists mean "none of". Empty values are ignored except
// for the isEmpty and isNotEmpty operators, which take none.
func filterPredicates(f models.AutoFilters) map[string][]predicate {
	out := map[string][]predicate{}
	for col, v := range f.Include {
		op := f.Operator(col)
		switch op {
		case models.OpIsEmpty:
			out[col] = append(out[col], predicate{"$exists", false})
			continue
		case models.OpIsNotEmpty:
			out[col] = append(out[col], predicate{"$exists", true})
			continue
		}
		if blank(v) {
			continue
		}
		switch op {
		case models.OpContains:
			out[col] = append(out[col], predicate{"$regex", regexp.QuoteMeta(scalar(v))})
		case models.OpDoesNotContain:
			out[col] = append(out[col], predicate{"$not", map[string]any{"$regex": regexp.QuoteMeta(scalar(v))}})
		case models.OpStartsWith:
			out[col] = append(out[col], predicate{"$regex", "^" + regexp.QuoteMeta(scalar(v))})
		case models.OpEndsWith:
			out[col] = append(out[col], predicate{"$regex", regexp.QuoteMeta(scalar(v)) + "$"})
		default:
			if list, ok := v.([]any); ok {
				out[col] = append(out[col], predicate{"$in", list})
			} else {
				out[col] = append(out[col], predicate{"$eq", v})
			}
		}
	}
	for col, v := range f.Exclude {
		if blank(v) {
			continue
		}
		if list, ok := v.([]any); ok {
			out[col] = append(out[col], predicate{"$nin", list})
		} else {
			out[col] = append(out[col], predicate{"$ne", v})
		}
	}
	return out
}

func blank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	}
	return false
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// BuildWhere translates auto filters into a Parse where clause. A lone equality stays a
// plain value so Parse can use its index.
func BuildWhere(f models.AutoFilters) map[string]any {
	where := map[string]any{}
	for col, preds := range filterPredicates(f) {
		if len(preds) == 1 && preds[0].op == "$eq" {
			where[col] = preds[0].arg
			continue
		}
		ops := map[string]any{}
		for _, p := range preds {
			ops[p.op] = p.arg
		}
		where[col] = ops
	}
	return where
}

// Matches evaluates the filters against an already fetched record, with the same
// answer Parse gives for BuildWhere.
func Matches(f models.AutoFilters, record map[string]any) bool {
	for col, preds := range filterPredicates(f) {
		val, present := record[col]
		present = present && val != nil
		for _, p := range preds {
			if !holds(p, val, present) {
				return false
			}
		}
	}
	return true
}

func holds(p predicate, val any, present bool) bool {
	switch p.op {
	case "$exists":
		return present == p.arg.(bool)
	case "$eq":
		return present && sameValue(val, p.arg)
	case "$ne":
		return !present || !sameValue(val, p.arg)
	case "$in":
		if !present {
			return false
		}
		for _, it := range p.arg.([]any) {
			if sameValue(val, it) {
				return true
			}
		}
		return false
	case "$nin":
		if !present {
			return true
		}
		for _, it := range p.arg.([]any) {
			if sameValue(val, it) {
				return false
			}
		}
		return true
	case "$regex":
		s, ok := val.(string)
		return ok && regexp.MustCompile(p.arg.(string)).MatchString(s)
	case "$not":
		s, ok := val.(string)
		if !ok {
			return true
		}
		pattern := p.arg.(map[string]any)["$regex"].(string)
		return !regexp.MustCompile(pattern).MatchString(s)
	}
	return false
}

// sameValue is Parse equality on decoded JSON: numbers compare as numbers, everything
// else by type and value. A list field equals any of its elements.
func sameValue(a, b any) bool {
	if list, ok := a.([]any); ok {
		for _, it := range list {
			if sameValue(it, b) {
				return true
			}
		}
		return false
	}
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// FilterTestResult is the preview of auto filters.
type FilterTestResult struct {
	Success bool             `json:"success"`
	Count   int              `json:"count"`
	Results []map[string]any `json:"results"`
	Message string           `json:"message"`
}

const filterPreviewLimit = 10

// TestAutoFilters previews the first invoices matching filters.
func (s *SequenceService) TestAutoFilters(ctx context.Context, f models.AutoFilters) (FilterTestResult, error) {
	var rows []map[string]any
	if err := s.parse.Find(ctx, models.ClassImpayes, parse.Query{
		Where: BuildWhere(f),
		Limit: filterPreviewLimit,
	}, &rows); err != nil {
		return FilterTestResult{}, fmt.Errorf("test auto filters: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	for _, r := range rows {
		r["id"] = r["objectId"]
	}
	return FilterTestResult{
		Success: true,
		Count:   len(rows),
		Results: rows,
		Message: fmt.Sprintf("Trouvé %d impayés correspondant aux critères", len(rows)),
	}, nil
}

// ConvertToAuto turns a sequence into an automatic one driven by filters.
func (s *SequenceService) ConvertToAuto(ctx context.Context, sequenceID string, f models.AutoFilters) (models.Sequence, error) {
	if len(filterPredicates(f)) == 0 {
		return models.Sequence{}, invalid("Au moins un critère de filtre est requis")
	}
	if _, err := s.Get(ctx, sequenceID); err != nil {
		return models.Sequence{}, err
	}
	if f.Exclude == nil {
		f.Exclude = map[string]any{}
	}
	if err := s.parse.Update(ctx, models.ClassSequences, sequenceID, map[string]any{
		"isAuto":       true,
		"requete_auto": f,
	}); err != nil {
		return models.Sequence{}, fmt.Errorf("convert %s to auto: %w", sequenceID, err)
	}
	s.log.WithFields(logrus.Fields{"sequence_id": sequenceID, "columns": columns(f)}).Info("Sequence converted to automatic")
	return s.Get(ctx, sequenceID)
}

func columns(f models.AutoFilters) []string {
	var out []string
	for col := range filterPredicates(f) {
		out = append(out, col)
	}
	sort.Strings(out)
	return out
}

// AutoApplyResult reports the invoices an automatic sequence picked up.
type AutoApplyResult struct {
	Message  string          `json:"message"`
	Linked   int             `json:"linked"`
	Populate *PopulateResult `json:"populate,omitempty"`
}

// ApplyAutoSequence links every unpaid invoice that matches the sequence filters and is
// not yet in a sequence, then populates relances when the sequence is active.
func (s *SequenceService) ApplyAutoSequence(ctx context.Context, sequenceID string) (AutoApplyResult, error) {
	seq, err := s.Get(ctx, sequenceID)
	if err != nil {
		return AutoApplyResult{}, err
	}
	if !seq.IsAuto || seq.RequeteAuto == nil {
		return AutoApplyResult{}, invalid("La séquence n'est pas automatique")
	}
	where := BuildWhere(*seq.RequeteAuto)
	if len(where) == 0 {
		return AutoApplyResult{}, invalid("Au moins un critère de filtre est requis")
	}
	if _, taken := where["sequence"]; !taken {
		where["sequence"] = parse.Exists(false)
	}
	if _, taken := where["facturesoldee"]; !taken {
		where["facturesoldee"] = parse.Ne(true)
	}

	candidates, err := parse.FindAll[models.Impaye](ctx, s.parse, models.ClassImpayes, parse.Query{Where: where})
	if err != nil {
		return AutoApplyResult{}, fmt.Errorf("auto sequence candidates: %w", err)
	}
	res := AutoApplyResult{}
	for _, i := range candidates {
		if i.SequenceID() != "" || i.Soldee() {
			continue
		}
		if err := s.parse.Update(ctx, models.ClassImpayes, i.ID(), map[string]any{"sequence": sequencePtr(sequenceID)}); err != nil {
			return res, fmt.Errorf("link invoice %s: %w", i.ID(), err)
		}
		res.Linked++
	}
	res.Message = fmt.Sprintf("%d impayés associés à la séquence", res.Linked)

	if seq.IsActif && res.Linked > 0 {
		pop, err := s.Populate(ctx, sequenceID)
		if err != nil {
			return res, err
		}
		res.Populate = &pop
	}
	s.log.WithFields(logrus.Fields{"sequence_id": sequenceID, "linked": res.Linked}).Info("Automatic sequence applied")
	return res, nil
}
