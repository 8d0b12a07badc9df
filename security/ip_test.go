package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name          string
		remoteAddr    string
		xForwardedFor string
		xRealIP       string
		trust         ProxyTrust
		want          string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.168.1.100:12345",
			want:       "192.168.1.100",
		},
		{
			name:          "forwarded chain behind one proxy",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1, 10.0.0.2",
			trust:         ProxyTrust{Enabled: true},
			want:          "203.0.113.1",
		},
		{
			name:          "forwarding headers ignored without trust",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1",
			xRealIP:       "203.0.113.2",
			want:          "10.0.0.1",
		},
		{
			name:       "X-Real-IP fallback",
			remoteAddr: "10.0.0.1:12345",
			xRealIP:    "203.0.113.1",
			trust:      ProxyTrust{Enabled: true},
			want:       "203.0.113.1",
		},
		{
			name:          "two controlled hops",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1, 10.0.0.2, 10.0.0.3",
			trust:         ProxyTrust{Enabled: true, Hops: 2},
			want:          "203.0.113.1",
		},
		{
			name:          "chain shorter than hop count uses leftmost entry",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1",
			trust:         ProxyTrust{Enabled: true, Hops: 3},
			want:          "203.0.113.1",
		},
		{
			name:          "whitespace around entries",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: " 203.0.113.1 , 10.0.0.2 ",
			trust:         ProxyTrust{Enabled: true},
			want:          "203.0.113.1",
		},
		{
			name:          "garbage chain falls back to peer address",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "not-an-ip",
			trust:         ProxyTrust{Enabled: true},
			want:          "10.0.0.1",
		},
		{
			name:       "IPv6 peer address",
			remoteAddr: "[::1]:12345",
			want:       "::1",
		},
		{
			name:       "peer address without port",
			remoteAddr: "malformed",
			want:       "malformed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := ClientIP(req, tt.trust); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIP_ForwardedChainWinsOverRealIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	req.Header.Set("X-Forwarded-For", "203.0.113.1")
	req.Header.Set("X-Real-IP", "203.0.113.2")

	if got := ClientIP(req, ProxyTrust{Enabled: true}); got != "203.0.113.1" {
		t.Errorf("ClientIP() should prefer X-Forwarded-For, got %q", got)
	}
}
