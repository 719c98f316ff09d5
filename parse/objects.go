package parse

import (
	"context"
	"net/url"
)

func (c *Client) Get(ctx context.Context, class, id string, out any) error {
	return c.GetWithInclude(ctx, class, id, "", out)
}

func (c *Client) GetWithInclude(ctx context.Context, class, id, include string, out any) error {
	var values url.Values
	if include != "" {
		values = url.Values{"include": {include}}
	}
	return c.do(ctx, "GET", classPath(class)+"/"+url.PathEscape(id), values, nil, out)
}

func (c *Client) Create(ctx context.Context, class string, data any) (*CreateResult, error) {
	var res CreateResult
	if err := c.do(ctx, "POST", classPath(class), nil, data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Update(ctx context.Context, class, id string, data any) error {
	return c.do(ctx, "PUT", classPath(class)+"/"+url.PathEscape(id), nil, data, nil)
}

func (c *Client) Delete(ctx context.Context, class, id string) error {
	return c.do(ctx, "DELETE", classPath(class)+"/"+url.PathEscape(id), nil, nil, nil)
}

// CallFunction runs a Cloud Code function and decodes its "result" into out.
func (c *Client) CallFunction(ctx context.Context, name string, params, out any) error {
	if params == nil {
		params = map[string]any{}
	}
	var envelope struct {
		Result any `json:"result"`
	}
	envelope.Result = out
	return c.do(ctx, "POST", "functions/"+url.PathEscape(name), nil, params, &envelope)
}

// Login exchanges credentials for a session.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	var s Session
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, "POST", "login", nil, body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Me resolves a session token to its user.
func (c *Client) Me(ctx context.Context, token string) (*Session, error) {
	var s Session
	if err := c.WithSession(token).do(ctx, "GET", "users/me", nil, nil, &s); err != nil {
		return nil, err
	}
	s.SessionToken = token
	return &s, nil
}

func (c *Client) Logout(ctx context.Context, token string) error {
	return c.WithSession(token).do(ctx, "POST", "logout", nil, map[string]any{}, nil)
}
