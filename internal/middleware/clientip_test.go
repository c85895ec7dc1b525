package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseTrustProxy(t *testing.T) {
	valid := []string{"", "false", "true", "0", "2", "loopback", "loopback, 10.0.0.0/8", "192.168.1.7", "uniquelocal,linklocal", "::1"}
	for _, v := range valid {
		if _, err := ParseTrustProxy(v); err != nil {
			t.Errorf("ParseTrustProxy(%q) error = %v", v, err)
		}
	}

	invalid := []string{"-1", "not-an-ip", "10.0.0.0/99"}
	for _, v := range invalid {
		if _, err := ParseTrustProxy(v); err == nil {
			t.Errorf("ParseTrustProxy(%q) error = nil, want error", v)
		}
	}
}

func TestTrustPolicyResolve(t *testing.T) {
	tests := []struct {
		name   string
		policy string
		remote string
		xff    string
		want   string
	}{
		{name: "untrusted ignores header", policy: "false", remote: "10.0.0.1:1234", xff: "1.1.1.1", want: "10.0.0.1"},
		{name: "trust all takes leftmost", policy: "true", remote: "10.0.0.1:1234", xff: "1.1.1.1, 2.2.2.2", want: "1.1.1.1"},
		{name: "trust all without header", policy: "true", remote: "10.0.0.1:1234", want: "10.0.0.1"},
		{name: "one hop", policy: "1", remote: "10.0.0.1:1234", xff: "1.1.1.1, 2.2.2.2", want: "2.2.2.2"},
		{name: "two hops", policy: "2", remote: "10.0.0.1:1234", xff: "1.1.1.1, 2.2.2.2", want: "1.1.1.1"},
		{name: "hops beyond chain", policy: "5", remote: "10.0.0.1:1234", xff: "1.1.1.1", want: "1.1.1.1"},
		{name: "loopback proxy", policy: "loopback", remote: "127.0.0.1:80", xff: "203.0.113.9", want: "203.0.113.9"},
		{name: "untrusted peer", policy: "loopback", remote: "198.51.100.4:80", xff: "203.0.113.9", want: "198.51.100.4"},
		{name: "chain of trusted", policy: "loopback, uniquelocal", remote: "127.0.0.1:80", xff: "203.0.113.9, 10.1.2.3", want: "203.0.113.9"},
		{name: "spoofed leftmost ignored", policy: "loopback", remote: "127.0.0.1:80", xff: "6.6.6.6, 203.0.113.9", want: "203.0.113.9"},
		{name: "single address", policy: "192.0.2.1", remote: "192.0.2.1:80", xff: "203.0.113.9", want: "203.0.113.9"},
		{name: "ipv6 loopback", policy: "loopback", remote: "[::1]:80", xff: "2001:db8::1", want: "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy, err := ParseTrustProxy(tt.policy)
			if err != nil {
				t.Fatalf("ParseTrustProxy() error = %v", err)
			}
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := policy.Resolve(req); got != tt.want {
				t.Fatalf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveClientIPMiddleware(t *testing.T) {
	policy, _ := ParseTrustProxy("true")
	var got string
	handler := ResolveClientIP(policy)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = ClientIP(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got != "203.0.113.9" {
		t.Fatalf("ClientIP() = %q, want 203.0.113.9", got)
	}

	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	bare.RemoteAddr = "192.0.2.5:4000"
	if ip := ClientIP(bare); ip != "192.0.2.5" {
		t.Fatalf("ClientIP() fallback = %q, want 192.0.2.5", ip)
	}
}

func TestExtractIP(t *testing.T) {
	tests := map[string]string{
		"192.0.2.1:80": "192.0.2.1",
		"[::1]:443":    "::1",
		"192.0.2.1":    "192.0.2.1",
	}
	for in, want := range tests {
		if got := ExtractIP(in); got != want {
			t.Errorf("ExtractIP(%q) = %q, want %q", in, got, want)
		}
	}
}
