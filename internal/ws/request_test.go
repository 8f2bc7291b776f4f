package ws

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		realIP     string
		trust      bool
		want       string
	}{
		{"peer only", "198.51.100.1:5555", "", "", true, "198.51.100.1"},
		{"forwarded trusted", "10.0.0.1:5555", "203.0.113.7, 10.0.0.1", "", true, "203.0.113.7"},
		{"forwarded untrusted", "10.0.0.1:5555", "203.0.113.7", "", false, "10.0.0.1"},
		{"real ip fallback", "10.0.0.1:5555", "", "203.0.113.9", true, "203.0.113.9"},
		{"garbage forwarded", "10.0.0.1:5555", "unknown", "", true, "10.0.0.1"},
		{"mapped ipv4", "[::ffff:198.51.100.2]:5555", "", "", false, "198.51.100.2"},
		{"ipv6 peer", "[2001:db8::1]:5555", "", "", false, "2001:db8::1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			r.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				r.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := ClientIP(r, tc.trust); got != tc.want {
				t.Errorf("ClientIP() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		origin  string
		allowed string
		want    bool
	}{
		{"https://chat.example.com", "*", true},
		{"https://chat.example.com", "", true},
		{"", "https://chat.example.com", true},
		{"https://chat.example.com", "https://chat.example.com", true},
		{"https://chat.example.com", "https://a.example.com, https://chat.example.com", true},
		{"https://evil.example.com", "https://chat.example.com", false},
	}

	for _, tc := range tests {
		if got := OriginAllowed(tc.origin, tc.allowed); got != tc.want {
			t.Errorf("OriginAllowed(%q, %q) = %v, want %v", tc.origin, tc.allowed, got, tc.want)
		}
	}
}
