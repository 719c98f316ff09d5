package parse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Error is the {code, error} body Parse Server returns on failure.
type Error struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("parse: %s (code %d, status %d)", e.Message, e.Code, e.Status)
}

const (
	CodeObjectNotFound  = 101
	CodeInvalidClass    = 103
	CodeInvalidSession  = 209
	CodeDuplicateValue  = 137
	CodeEmailTaken      = 203
	CodeUsernameTaken   = 202
	CodeOperationForbid = 119
)

func IsNotFound(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == CodeObjectNotFound || pe.Status == http.StatusNotFound
	}
	return false
}

func IsUnauthorized(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Status == http.StatusUnauthorized || pe.Code == CodeInvalidSession
	}
	return false
}

func IsDuplicate(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == CodeDuplicateValue || pe.Code == CodeEmailTaken || pe.Code == CodeUsernameTaken
	}
	return false
}

// Pointer references another object.
type Pointer struct {
	Type      string `json:"__type"`
	ClassName string `json:"className"`
	ObjectID  string `json:"objectId"`
}

func NewPointer(className, objectID string) Pointer {
	return Pointer{Type: "Pointer", ClassName: className, ObjectID: objectID}
}

// PointerRef is used for optional pointer fields.
func PointerRef(className, objectID string) *Pointer {
	if objectID == "" {
		return nil
	}
	p := NewPointer(className, objectID)
	return &p
}

// Date is a Parse date. It decodes both {"__type":"Date","iso":...} and bare ISO strings
// and always encodes to the typed form.
type Date struct {
	time.Time
}

const isoLayout = "2006-01-02T15:04:05.000Z"

func NewDate(t time.Time) *Date {
	return &Date{Time: t.UTC()}
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"__type": "Date",
		"iso":    d.UTC().Format(isoLayout),
	})
}

func (d *Date) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		t, err := ParseTime(s)
		if err != nil {
			return err
		}
		d.Time = t
		return nil
	}
	var typed struct {
		ISO string `json:"iso"`
	}
	if err := json.Unmarshal(b, &typed); err != nil {
		return err
	}
	t, err := ParseTime(typed.ISO)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

// ParseTime accepts the layouts found in Parse data and synced rows.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, isoLayout, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse: unrecognised date %q", s)
}

// Object is a dynamic Parse record.
type Object map[string]any

func (o Object) ID() string {
	return o.String("objectId")
}

func (o Object) String(key string) string {
	switch v := o[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case map[string]any:
		if iso, ok := v["iso"].(string); ok {
			return iso
		}
		if id, ok := v["objectId"].(string); ok {
			return id
		}
	}
	return fmt.Sprint(o[key])
}

func (o Object) Bool(key string) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func (o Object) Float(key string) (float64, bool) {
	switch v := o[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func (o Object) Time(key string) (time.Time, bool) {
	switch v := o[key].(type) {
	case string:
		t, err := ParseTime(v)
		return t, err == nil
	case map[string]any:
		if iso, ok := v["iso"].(string); ok {
			t, err := ParseTime(iso)
			return t, err == nil
		}
	case time.Time:
		return v, true
	case *Date:
		if v != nil {
			return v.Time, true
		}
	case Date:
		return v.Time, true
	}
	return time.Time{}, false
}

// PointerID returns the objectId of a pointer (or included object) field.
func (o Object) PointerID(key string) string {
	if m, ok := o[key].(map[string]any); ok {
		if id, ok := m["objectId"].(string); ok {
			return id
		}
	}
	return ""
}

// CreateResult is returned by object creation.
type CreateResult struct {
	ObjectID  string `json:"objectId"`
	CreatedAt string `json:"createdAt"`
}

// Session is what /login and /users/me return.
type Session struct {
	ObjectID     string `json:"objectId"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	SessionToken string `json:"sessionToken"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	IsAdmin      bool   `json:"is_admin"`
	IsActive     *bool  `json:"is_active"`
}

// Operators used in where clauses.
func Ne(v any) map[string]any      { return map[string]any{"$ne": v} }
func In(v any) map[string]any      { return map[string]any{"$in": v} }
func NotIn(v any) map[string]any   { return map[string]any{"$nin": v} }
func Exists(b bool) map[string]any { return map[string]any{"$exists": b} }
func Lte(v any) map[string]any     { return map[string]any{"$lte": v} }
func Lt(v any) map[string]any      { return map[string]any{"$lt": v} }
func Regex(pattern, options string) map[string]any {
	m := map[string]any{"$regex": pattern}
	if options != "" {
		m["$options"] = options
	}
	return m
}
