package parse

import (
	"errors"
	"fmt"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestBreakerSuccess(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"client error", &Error{Status: 404}, true},
		{"server error", &Error{Status: 502}, false},
		{"pool exhausted", fmt.Errorf("parse: GET classes/Impayes: %w", fasthttp.ErrNoFreeConns), true},
		{"dial failure", errors.New("dial tcp: connection refused"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := breakerSuccess(tc.err); got != tc.want {
				t.Fatalf("breakerSuccess(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
