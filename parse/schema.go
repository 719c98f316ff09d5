package parse

import (
	"context"
	"errors"
	"net/url"
)

// Field describes one column of a class schema.
type Field struct {
	Type         string `json:"type"`
	TargetClass  string `json:"targetClass,omitempty"`
	Required     bool   `json:"required,omitempty"`
	DefaultValue any    `json:"defaultValue,omitempty"`
}

type Schema struct {
	ClassName string           `json:"className"`
	Fields    map[string]Field `json:"fields"`
}

func (c *Client) GetSchema(ctx context.Context, class string) (*Schema, error) {
	var s Schema
	if err := c.do(ctx, "GET", "schemas/"+url.PathEscape(class), nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) CreateSchema(ctx context.Context, s Schema) error {
	return c.do(ctx, "POST", "schemas/"+url.PathEscape(s.ClassName), nil, s, nil)
}

// EnsureSchema creates the class when Parse does not know it yet. It reports whether
// the class was created.
func (c *Client) EnsureSchema(ctx context.Context, s Schema) (bool, error) {
	_, err := c.GetSchema(ctx, s.ClassName)
	if err == nil {
		return false, nil
	}
	var pe *Error
	if !errors.As(err, &pe) || (pe.Code != CodeInvalidClass && pe.Status != 404) {
		return false, err
	}
	if err := c.CreateSchema(ctx, s); err != nil {
		return false, err
	}
	return true, nil
}
