package util

import (
	"net/http/httptest"
	"testing"
)

func TestNewTrustedProxies(t *testing.T) {
	proxies, err := NewTrustedProxies([]string{" 10.0.0.0/8 ", "", "2001:db8::1"})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}
	if proxies == nil {
		t.Fatal("expected non-nil set for valid entries")
	}

	empty, err := NewTrustedProxies([]string{"", "  "})
	if err != nil {
		t.Fatalf("empty entries: %v", err)
	}
	if empty != nil {
		t.Fatal("expected nil set when no entries remain")
	}

	if _, err := NewTrustedProxies([]string{"not-an-ip"}); err == nil {
		t.Fatal("expected error for malformed entry")
	}
	if _, err := NewTrustedProxies([]string{"10.0.0.0/99"}); err == nil {
		t.Fatal("expected error for malformed CIDR")
	}
}

func TestClientIP(t *testing.T) {
	proxies, err := NewTrustedProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		trusted    *TrustedProxies
		want       string
	}{
		{
			name:       "direct peer with no trust ignores headers",
			remoteAddr: "203.0.113.9:41000",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.1"},
			want:       "203.0.113.9",
		},
		{
			name:       "trusted proxy reveals forwarded client",
			remoteAddr: "10.1.2.3:41000",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.1"},
			trusted:    proxies,
			want:       "198.51.100.1",
		},
		{
			name:       "chain is walked past trusted hops",
			remoteAddr: "10.1.2.3:41000",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.1, 10.9.9.9"},
			trusted:    proxies,
			want:       "198.51.100.1",
		},
		{
			name:       "fully trusted chain keeps leftmost hop",
			remoteAddr: "10.1.2.3:41000",
			headers:    map[string]string{"X-Forwarded-For": "10.5.5.5, 10.9.9.9"},
			trusted:    proxies,
			want:       "10.5.5.5",
		},
		{
			name:       "x-real-ip fallback when forwarded chain is garbage",
			remoteAddr: "10.1.2.3:41000",
			headers: map[string]string{
				"X-Forwarded-For": "unknown",
				"X-Real-IP":       "198.51.100.2",
			},
			trusted: proxies,
			want:    "198.51.100.2",
		},
		{
			name:       "trusted peer with no headers is its own client",
			remoteAddr: "10.1.2.3:41000",
			trusted:    proxies,
			want:       "10.1.2.3",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://bookforge.test/", nil)
			req.RemoteAddr = tc.remoteAddr
			for name, value := range tc.headers {
				req.Header.Set(name, value)
			}
			if got := ClientIP(req, tc.trusted); got != tc.want {
				t.Fatalf("client ip = %q, want %q", got, tc.want)
			}
		})
	}
}
