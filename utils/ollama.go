package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/valyala/fasthttp"
)

var (
	ErrOllamaNotConfigured = errors.New("ollama client not configured")
	ErrOllamaCallFailed    = errors.New("ollama call failed")
	ErrOllamaEmptyAnswer   = errors.New("ollama returned an empty answer")
)

type OllamaSettings struct {
	Host    string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options"`
}

type chatResponse struct {
	Model   string      `json:"model"`
	Message ChatMessage `json:"message"`
	Error   string      `json:"error,omitempty"`
}

// OllamaClient calls the non-streaming /api/chat endpoint of an Ollama host.
type OllamaClient struct {
	settings OllamaSettings
	http     *fasthttp.Client
	breaker  *gobreaker.CircuitBreaker
}

func NewOllamaClient(s OllamaSettings) *OllamaClient {
	if s.Timeout <= 0 {
		s.Timeout = time.Minute
	}
	s.Host = strings.TrimRight(s.Host, "/")
	return &OllamaClient{
		settings: s,
		http: &fasthttp.Client{
			Name:               "marki",
			MaxConnsPerHost:    4,
			MaxConnWaitTimeout: s.Timeout,
			ReadTimeout:        s.Timeout,
			WriteTimeout:       s.Timeout,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ollama",
			Timeout:     time.Minute,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
		}),
	}
}

func (c *OllamaClient) Model() string {
	return c.settings.Model
}

// Chat sends the conversation and returns the assistant's reply.
func (c *OllamaClient) Chat(ctx context.Context, messages []ChatMessage) (string, error) {
	if c == nil || c.settings.Host == "" || c.settings.Model == "" {
		return "", ErrOllamaNotConfigured
	}
	payload, err := json.Marshal(chatRequest{
		Model:    c.settings.Model,
		Messages: messages,
		Options:  chatOptions{Temperature: 0.7, TopP: 0.9},
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	deadline := time.Now().Add(c.settings.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI(c.settings.Host + "/api/chat")
		req.Header.SetMethod(fasthttp.MethodPost)
		req.Header.SetContentType("application/json")
		if c.settings.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.settings.APIKey)
		}
		req.SetBody(payload)

		if err := c.http.DoDeadline(req, resp, deadline); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOllamaCallFailed, err)
		}
		var out chatResponse
		if err := json.Unmarshal(resp.Body(), &out); err != nil && resp.StatusCode() < 400 {
			return nil, fmt.Errorf("%w: decode: %v", ErrOllamaCallFailed, err)
		}
		if resp.StatusCode() >= 400 {
			msg := out.Error
			if msg == "" {
				msg = strings.TrimSpace(string(resp.Body()))
			}
			return nil, fmt.Errorf("%w: status %d: %s", ErrOllamaCallFailed, resp.StatusCode(), msg)
		}
		return out.Message.Content, nil
	})
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(res.(string))
	if content == "" {
		return "", ErrOllamaEmptyAnswer
	}
	return content, nil
}
