package reqctx

import (
	"context"
	"net/http"
	"testing"

	"github.com/maruel/blobdb/internal/auth"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.195, 70.41.3.18"}, "127.0.0.1:8080", "203.0.113.195"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.1"}, "127.0.0.1:8080", "198.51.100.1"},
		{"ipv4", nil, "192.0.2.1:1234", "192.0.2.1"},
		{"ipv6", nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"no port", nil, "192.0.2.1", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{Header: http.Header{}, RemoteAddr: tt.remoteAddr}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := GetClientIP(r); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	for header, want := range map[string]string{
		"Bearer abc":  "abc",
		"bearer abc":  "abc",
		"Basic abc":   "",
		"Bearer":      "",
		"":            "",
		"Bearer  abc": "abc",
	} {
		r := &http.Request{Header: http.Header{"Authorization": {header}}}
		if got := BearerToken(r); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	if ClientIP(ctx) != "" || Token(ctx) != "" || Session(ctx) != nil {
		t.Fatal("empty context must yield zero values")
	}
	s := &auth.Session{Token: "t"}
	ctx = WithSession(WithToken(WithClientIP(ctx, "192.0.2.1"), "t"), s)
	if ClientIP(ctx) != "192.0.2.1" || Token(ctx) != "t" || Session(ctx) != s {
		t.Fatal("values lost")
	}
}
