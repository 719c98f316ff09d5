package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// Query holds the REST query parameters of a find.
type Query struct {
	Where   map[string]any
	Limit   int
	Skip    int
	Order   string
	Keys    string
	Include string
}

// MaxLimit is the page size used when reading a whole class.
const MaxLimit = 1000

func (q Query) values() (url.Values, error) {
	v := url.Values{}
	if len(q.Where) > 0 {
		b, err := json.Marshal(q.Where)
		if err != nil {
			return nil, fmt.Errorf("parse: encode where: %w", err)
		}
		v.Set("where", string(b))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Skip > 0 {
		v.Set("skip", strconv.Itoa(q.Skip))
	}
	if q.Order != "" {
		v.Set("order", q.Order)
	}
	if q.Keys != "" {
		v.Set("keys", q.Keys)
	}
	if q.Include != "" {
		v.Set("include", q.Include)
	}
	return v, nil
}

// Find decodes the results of a query into out, which must point to a slice.
func (c *Client) Find(ctx context.Context, class string, q Query, out any) error {
	values, err := q.values()
	if err != nil {
		return err
	}
	var envelope struct {
		Results json.RawMessage `json:"results"`
	}
	if err := c.do(ctx, "GET", classPath(class), values, nil, &envelope); err != nil {
		return err
	}
	if len(envelope.Results) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Results, out)
}

// First returns the first match or a not-found *Error.
func First[T any](ctx context.Context, c *Client, class string, q Query) (T, error) {
	var zero T
	q.Limit = 1
	var rows []T
	if err := c.Find(ctx, class, q, &rows); err != nil {
		return zero, err
	}
	if len(rows) == 0 {
		return zero, &Error{Status: 404, Code: CodeObjectNotFound, Message: "Object not found."}
	}
	return rows[0], nil
}

// FindAll pages through every result of q.
func FindAll[T any](ctx context.Context, c *Client, class string, q Query) ([]T, error) {
	var all []T
	q.Skip = 0
	q.Limit = MaxLimit
	for {
		var page []T
		if err := c.Find(ctx, class, q, &page); err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < MaxLimit {
			return all, nil
		}
		q.Skip += len(page)
	}
}

// Count runs a count=1 query with limit 0.
func (c *Client) Count(ctx context.Context, class string, where map[string]any) (int, error) {
	values, err := Query{Where: where}.values()
	if err != nil {
		return 0, err
	}
	values.Set("count", "1")
	values.Set("limit", "0")

	var envelope struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, "GET", classPath(class), values, nil, &envelope); err != nil {
		return 0, err
	}
	return envelope.Count, nil
}
