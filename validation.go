package connect

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net"
	"net/url"
	"slices"

	"github.com/quillcms/connect/storage"
)

// validateRedirectURI checks a redirect URI presented at the authorization
// endpoint against the client's registration.
//
// SECURITY: Non-wildcard clients require a byte-exact match against a
// registered URI; "https://a.example/cb/" does not match "https://a.example/cb".
// Wildcard-flagged clients accept any well-formed absolute URI without a
// fragment. That weakens redirect pinning to nothing for those clients and is
// a deliberate trust trade-off for host-provisioned integrations.
func (s *Server) validateRedirectURI(client *storage.Client, uri string) *OAuthError {
	return checkRedirectURI(client.RedirectURIs, client.WildcardRedirect, uri)
}

// checkRedirectURI is the concrete redirect validation used by the server
func checkRedirectURI(registered []string, wildcard bool, uri string) *OAuthError {
	if uri == "" {
		return ErrInvalidRedirectURI("redirect_uri is required")
	}

	parsed, err := url.Parse(uri)
	if err != nil || !parsed.IsAbs() {
		return ErrInvalidRedirectURI("redirect_uri must be an absolute URI")
	}
	if parsed.Fragment != "" {
		return ErrInvalidRedirectURI("redirect_uri must not contain a fragment")
	}

	if wildcard {
		return nil
	}
	if !slices.Contains(registered, uri) {
		return ErrInvalidRedirectURI("redirect_uri does not match a registered URI")
	}
	return nil
}

// validateRegistrationRedirectURI enforces the dynamic registration rules:
// scheme https, or http restricted to loopback hosts, and no fragment.
func validateRegistrationRedirectURI(uri string) *OAuthError {
	parsed, err := url.Parse(uri)
	if err != nil || !parsed.IsAbs() {
		return ErrInvalidRedirectURI("redirect_uri must be an absolute URI")
	}
	if parsed.Fragment != "" {
		return ErrInvalidRedirectURI("redirect_uri must not contain a fragment")
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(parsed.Hostname()) {
			return nil
		}
		return ErrInvalidRedirectURI("http redirect_uri is only allowed for loopback hosts")
	default:
		return ErrInvalidRedirectURI("redirect_uri scheme must be https or loopback http")
	}
}

// isLoopbackHost reports whether the host is a loopback address
func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// PKCE verifier constraints (RFC 7636 section 4.1)
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// validVerifierChar reports whether c is in the RFC 7636 unreserved set
func validVerifierChar(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}

// validCodeVerifier checks RFC 7636 verifier length and charset
func validCodeVerifier(verifier string) bool {
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return false
	}
	for i := 0; i < len(verifier); i++ {
		if !validVerifierChar(verifier[i]) {
			return false
		}
	}
	return true
}

// validCodeChallenge checks the stored-challenge shape. An S256 challenge is
// the unpadded base64url encoding of a SHA-256 digest, always 43 characters.
func validCodeChallenge(challenge string) bool {
	if len(challenge) != 43 {
		return false
	}
	for i := 0; i < len(challenge); i++ {
		if !validVerifierChar(challenge[i]) {
			return false
		}
	}
	return true
}

// verifyPKCE checks that base64url(SHA-256(verifier)) equals the stored
// challenge, in constant time.
func verifyPKCE(verifier, challenge string) bool {
	if !validCodeVerifier(verifier) {
		return false
	}
	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
