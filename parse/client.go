package parse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/valyala/fasthttp"

	"marki/metrics"
)

type Config struct {
	ServerURL string
	AppID     string
	RESTKey   string
	MasterKey string
	Timeout   time.Duration
}

// Client talks to the Parse Server REST API. The zero session client uses the master key;
// WithSession derives a client acting as a user.
type Client struct {
	baseURL      string
	appID        string
	restKey      string
	masterKey    string
	sessionToken string
	timeout      time.Duration
	http         *fasthttp.Client
	breaker      *gobreaker.CircuitBreaker
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.ServerURL, "/"),
		appID:     cfg.AppID,
		restKey:   cfg.RESTKey,
		masterKey: cfg.MasterKey,
		timeout:   cfg.Timeout,
		http: &fasthttp.Client{
			Name:                "marki",
			MaxConnsPerHost:     64,
			MaxConnWaitTimeout:  cfg.Timeout,
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxIdleConnDuration: time.Minute,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:         "parse",
			MaxRequests:  3,
			Timeout:      20 * time.Second,
			ReadyToTrip:  func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
			IsSuccessful: breakerSuccess,
		}),
	}
}

// WithSession returns a client that authenticates as the user owning token.
func (c *Client) WithSession(token string) *Client {
	cp := *c
	cp.masterKey = ""
	cp.sessionToken = token
	return &cp
}

func (c *Client) ServerURL() string {
	return c.baseURL
}

type response struct {
	status int
	body   []byte
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("parse: encode body: %w", err)
		}
		payload = b
	}

	uri := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	start := time.Now()
	res, err := c.breaker.Execute(func() (interface{}, error) {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI(uri)
		req.Header.SetMethod(method)
		req.Header.Set("X-Parse-Application-Id", c.appID)
		if c.restKey != "" {
			req.Header.Set("X-Parse-REST-API-Key", c.restKey)
		}
		if c.masterKey != "" {
			req.Header.Set("X-Parse-Master-Key", c.masterKey)
		}
		if c.sessionToken != "" {
			req.Header.Set("X-Parse-Session-Token", c.sessionToken)
		}
		if payload != nil {
			req.Header.SetContentType("application/json")
			req.SetBody(payload)
		}

		if err := c.http.DoDeadline(req, resp, deadline); err != nil {
			return nil, fmt.Errorf("parse: %s %s: %w", method, path, err)
		}

		r := response{status: resp.StatusCode(), body: append([]byte(nil), resp.Body()...)}
		if r.status >= 400 {
			pe := &Error{Status: r.status}
			if jsonErr := json.Unmarshal(r.body, pe); jsonErr != nil || pe.Message == "" {
				pe.Message = strings.TrimSpace(string(r.body))
			}
			return r, pe
		}
		return r, nil
	})
	metrics.ParseLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ParseRequests.WithLabelValues(method, resultLabel(err)).Inc()
		return err
	}
	metrics.ParseRequests.WithLabelValues(method, "ok").Inc()

	if out == nil {
		return nil
	}
	r := res.(response)
	if len(r.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.body, out); err != nil {
		return fmt.Errorf("parse: decode %s %s: %w", method, path, err)
	}
	return nil
}

// breakerSuccess reports whether err says nothing about Parse's health: a 4xx
// answer, or a request that never left because the local pool was exhausted.
func breakerSuccess(err error) bool {
	var pe *Error
	switch {
	case err == nil:
		return true
	case errors.As(err, &pe):
		return pe.Status < 500
	case errors.Is(err, fasthttp.ErrNoFreeConns):
		return true
	}
	return false
}

func resultLabel(err error) string {
	var pe *Error
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.As(err, &pe):
		return fmt.Sprintf("http_%d", pe.Status)
	default:
		return "transport_error"
	}
}

// classPath maps system classes to their dedicated endpoints.
func classPath(class string) string {
	switch class {
	case "_User":
		return "users"
	case "_Role":
		return "roles"
	case "_Session":
		return "sessions"
	}
	return "classes/" + url.PathEscape(class)
}
