package utils

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// placeholderRe matches, in priority order: aggregate placeholders over several
// invoices ([[[LIST:f]]], [[[SUM:f]]], [[[COUNT]]], also accepted with two brackets),
// then [[[field]]], {{field}} and [[field]].
var placeholderRe = regexp.MustCompile(
	`\[\[\[?\s*(?:(LIST|SUM)\s*:\s*([^\[\]]+?)|(COUNT))\s*\]\]\]?` +
		`|\[\[\[\s*([^\[\]]+?)\s*\]\]\]` +
		`|\{\{\s*([^{}]+?)\s*\}\}` +
		`|\[\[\s*([^\[\]]+?)\s*\]\]`,
)

var frPrinter = message.NewPrinter(language.French)

const (
	fieldDate = "datepiece"
)

func isCurrencyField(field string) bool {
	return field == "totalttcnet" || field == "resteapayer"
}

// Render substitutes the placeholders of tmpl with values from record in a single pass.
func Render(tmpl string, record map[string]any) string {
	if record == nil {
		record = map[string]any{}
	}
	return RenderMultiple(tmpl, []map[string]any{record})
}

// RenderMultiple renders a template for a group of invoices of the same payer. Plain
// placeholders take the first invoice's values.
func RenderMultiple(tmpl string, records []map[string]any) string {
	if tmpl == "" {
		return tmpl
	}
	var first map[string]any
	if len(records) > 0 {
		first = records[0]
	}

	return placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		m := placeholderRe.FindStringSubmatch(match)
		switch {
		case m[3] != "":
			return strconv.Itoa(len(records))
		case m[1] == "LIST":
			field := strings.TrimSpace(m[2])
			values := make([]string, 0, len(records))
			for _, r := range records {
				values = append(values, FieldValue(r, field))
			}
			return strings.Join(values, ", ")
		case m[1] == "SUM":
			field := strings.TrimSpace(m[2])
			var sum float64
			for _, r := range records {
				if f, ok := ToFloat(r[field]); ok {
					sum += f
				}
			}
			return FormatCurrency(sum)
		case m[4] != "":
			return FieldValue(first, m[4])
		case m[5] != "":
			return FieldValue(first, m[5])
		default:
			return FieldValue(first, m[6])
		}
	})
}

// FieldValue renders one record field the way placeholders show it. The "impaye."
// prefix of older templates is accepted.
func FieldValue(record map[string]any, field string) string {
	field = strings.TrimPrefix(strings.TrimSpace(field), "impaye.")
	v, ok := record[field]
	if !ok || v == nil {
		return ""
	}
	if field == fieldDate {
		return FormatDate(v)
	}
	if isCurrencyField(field) {
		if f, ok := ToFloat(v); ok {
			return FormatCurrency(f)
		}
	}
	return stringify(v)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any:
		if iso, ok := t["iso"].(string); ok {
			return FormatDate(iso)
		}
		if id, ok := t["objectId"].(string); ok {
			return id
		}
	case time.Time:
		return FormatDate(t)
	}
	return ""
}

// nbsp separates thousands and the currency sign so mail clients never wrap an amount.
const nbsp = "\u00a0"

// FormatCurrency renders an amount the fr-FR way: "1 234,56 €", every space a
// U+00A0. CLDR's narrow no-break space is folded into it.
func FormatCurrency(amount float64) string {
	s := frPrinter.Sprint(number.Decimal(amount, number.Scale(2)))
	return strings.ReplaceAll(s, "\u202f", nbsp) + nbsp + "€"
}

// FormatDate renders dates as DD/MM/YYYY. Unparseable strings are returned unchanged.
func FormatDate(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format("02/01/2006")
	case string:
		if parsed, ok := parseAnyTime(t); ok {
			return parsed.UTC().Format("02/01/2006")
		}
		return t
	case map[string]any:
		if iso, ok := t["iso"].(string); ok {
			return FormatDate(iso)
		}
	}
	return stringify(v)
}

func parseAnyTime(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z", "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
