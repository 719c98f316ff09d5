package utils

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func ollamaServer(t *testing.T, handler http.HandlerFunc) *OllamaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOllamaClient(OllamaSettings{Host: srv.URL + "/", APIKey: "k3y", Model: "mistral", Timeout: 5 * time.Second})
}

func TestOllamaChat(t *testing.T) {
	var got chatRequest
	var auth, path string
	c := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		path, auth = r.URL.Path, r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "mistral",
			"message": map[string]string{"role": "assistant", "content": "  {\"subject\":\"S\",\"body\":\"B\"}\n"},
		})
	})

	out, err := c.Chat(context.Background(), []ChatMessage{{Role: "system", Content: "sys"}, {Role: "user", Content: "hello"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != `{"subject":"S","body":"B"}` {
		t.Fatalf("content = %q", out)
	}
	if path != "/api/chat" || auth != "Bearer k3y" {
		t.Errorf("path %q auth %q", path, auth)
	}
	if got.Model != "mistral" || got.Stream || len(got.Messages) != 2 || got.Options.Temperature != 0.7 || got.Options.TopP != 0.9 {
		t.Errorf("request = %+v", got)
	}
}

func TestOllamaChatErrors(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{"upstream error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
		}, ErrOllamaCallFailed},
		{"garbage", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		}, ErrOllamaCallFailed},
		{"empty answer", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"   "}}`))
		}, ErrOllamaEmptyAnswer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := ollamaServer(t, tc.handler)
			if _, err := c.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "x"}}); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	var none *OllamaClient
	if _, err := none.Chat(context.Background(), nil); !errors.Is(err, ErrOllamaNotConfigured) {
		t.Fatalf("nil client err = %v", err)
	}
}
