package security

import (
	"net"
	"net/http"
	"strings"
)

// ProxyTrust describes the reverse-proxy topology in front of the server.
// The zero value trusts nothing: forwarding headers are ignored and the TCP
// peer address is taken as the client.
type ProxyTrust struct {
	// Enabled turns on X-Forwarded-For and X-Real-IP handling. Only set
	// this when every hop between the internet and this process is a proxy
	// the operator controls; the headers are client-supplied otherwise.
	Enabled bool

	// Hops is the number of controlled proxies appending to
	// X-Forwarded-For. Zero is treated as one.
	Hops int
}

// ClientIP resolves the originating client address of a request under the
// given proxy topology. With trust enabled the X-Forwarded-For chain is
// consulted first, then X-Real-IP; anything unparseable falls through to the
// peer address, so the function always returns a usable rate-limit key.
func ClientIP(r *http.Request, trust ProxyTrust) string {
	if trust.Enabled {
		if ip := forwardedClient(r.Header.Get("X-Forwarded-For"), trust.Hops); ip != "" {
			return ip
		}
		if ip := validIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return peerAddr(r.RemoteAddr)
}

// forwardedClient picks the client entry out of an X-Forwarded-For chain.
// Proxies append, so the chain reads "client, hop1, ..., hopN" and only the
// rightmost hops entries came from proxies we control. The client is the
// entry immediately left of those; a chain shorter than expected yields the
// leftmost entry. SECURITY: entries further left are whatever the client
// sent and must never be selected.
func forwardedClient(chain string, hops int) string {
	if chain == "" {
		return ""
	}
	if hops < 1 {
		hops = 1
	}

	entries := strings.Split(chain, ",")
	idx := len(entries) - hops - 1
	if idx < 0 {
		idx = 0
	}
	return validIP(strings.TrimSpace(entries[idx]))
}

// validIP returns s when it parses as an IP address, otherwise "".
func validIP(s string) string {
	if s == "" || net.ParseIP(s) == nil {
		return ""
	}
	return s
}

// peerAddr strips the port from a net/http RemoteAddr. Values that do not
// split host:port (as in some tests and unix-socket setups) pass through
// unchanged.
func peerAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
