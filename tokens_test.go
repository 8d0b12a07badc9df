package connect

import (
	"context"
	"testing"
	"time"

	"github.com/quillcms/connect/internal/testutil"
	"github.com/quillcms/connect/storage"
)

// exchangeCode drives the full code flow for the public test client and
// returns the issued token pair.
func exchangeCode(t *testing.T, srv *Server) *TokenResponse {
	t.Helper()

	challenge, verifier := testutil.GeneratePKCEPair()
	code := obtainCode(t, srv, "client-1", "https://a.example/cb", challenge)

	resp, oauthErr := srv.Exchange(context.Background(), ExchangeRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  "https://a.example/cb",
		CodeVerifier: verifier,
		ClientID:     "client-1",
		ClientIP:     "203.0.113.9",
	})
	if oauthErr != nil {
		t.Fatalf("Exchange: %v", oauthErr)
	}
	return resp
}

func TestExchange_HappyPath(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedPublicClient(t, store)

	resp := exchangeCode(t, srv)

	testutil.AssertEqual(t, resp.TokenType, "Bearer")
	testutil.AssertEqual(t, resp.ExpiresIn, int64(3600))
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatal("token pair incomplete")
	}

	grant, oauthErr := srv.ValidateToken(context.Background(), resp.AccessToken)
	if oauthErr != nil {
		t.Fatalf("ValidateToken: %v", oauthErr)
	}
	testutil.AssertEqual(t, grant.UserID, "user-1")
	testutil.AssertEqual(t, grant.ClientID, "client-1")

	// Only the hash hits the store
	if _, err := store.GetAccessTokenByHash(context.Background(), resp.AccessToken); err == nil {
		t.Error("access token stored in plaintext")
	}
}

func TestExchange_CodeSingleUse(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedPublicClient(t, store)

	challenge, verifier := testutil.GeneratePKCEPair()
	code := obtainCode(t, srv, "client-1", "https://a.example/cb", challenge)

	req := ExchangeRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  "https://a.example/cb",
		CodeVerifier: verifier,
		ClientID:     "client-1",
	}
	if _, oauthErr := srv.Exchange(context.Background(), req); oauthErr != nil {
		t.Fatalf("first redemption: %v", oauthErr)
	}
	_, oauthErr := srv.Exchange(context.Background(), req)
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("second redemption = %v, want %s", oauthErr, ErrorCodeInvalidGrant)
	}
}

func TestExchange_PKCEMismatch(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedPublicClient(t, store)

	challenge, _ := testutil.GeneratePKCEPair()
	code := obtainCode(t, srv, "client-1", "https://a.example/cb", challenge)
	_, wrongVerifier := testutil.GeneratePKCEPair()

	_, oauthErr := srv.Exchange(context.Background(), ExchangeRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  "https://a.example/cb",
		CodeVerifier: wrongVerifier,
		ClientID:     "client-1",
	})
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("error = %v, want %s", oauthErr, ErrorCodeInvalidGrant)
	}
}

func TestExchange_RedirectURIMismatch(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedPublicClient(t, store)

	challenge, verifier := testutil.GeneratePKCEPair()
	code := obtainCode(t, srv, "client-1", "https://a.example/cb", challenge)

	_, oauthErr := srv.Exchange(context.Background(), ExchangeRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  "https://a.example/cb/",
		CodeVerifier: verifier,
		ClientID:     "client-1",
	})
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("error = %v, want %s", oauthErr, ErrorCodeInvalidGrant)
	}
}

func TestExchange_CodeBoundToClient(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedPublicClient(t, store)
	other := &storage.Client{
		ID:           "client-2",
		Name:         "Other App",
		RedirectURIs: []string{"https://a.example/cb"},
		CreatedAt:    time.Now(),
	}
	if err := store.SaveClient(context.Background(), other); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}

	challenge, verifier := testutil.GeneratePKCEPair()
	code := obtainCode(t, srv, "client-1", "https://a.example/cb", challenge)

	_, oauthErr := srv.Exchange(context.Background(), ExchangeRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  "https://a.example/cb",
		CodeVerifier: verifier,
		ClientID:     "client-2",
	})
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("cross-client redemption = %v, want %s", oauthErr, ErrorCodeInvalidGrant)
	}
}

func TestExchange_RefreshRotation(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedPublicClient(t, store)
	ctx := context.Background()

	first := exchangeCode(t, srv)

	second, oauthErr := srv.Exchange(ctx, ExchangeRequest{
		GrantType:    "refresh_token",
		RefreshToken: first.RefreshToken,
		ClientID:     "client-1",
	})
	if oauthErr != nil {
		t.Fatalf("refresh: %v", oauthErr)
	}
	if second.AccessToken == first.AccessToken || second.RefreshToken == first.RefreshToken {
		t.Fatal("rotation must mint a fresh pair")
	}

	// The access token issued alongside the consumed refresh token is dead
	if _, oauthErr := srv.ValidateToken(ctx, first.AccessToken); oauthErr == nil {
		t.Error("rotated-out access token still validates")
	}
	if _, oauthErr := srv.ValidateToken(ctx, second.AccessToken); oauthErr != nil {
		t.Errorf("fresh access token rejected: %v", oauthErr)
	}

	// Replaying the consumed refresh token fails
	_, oauthErr = srv.Exchange(ctx, ExchangeRequest{
		GrantType:    "refresh_token",
		RefreshToken: first.RefreshToken,
		ClientID:     "client-1",
	})
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("refresh replay = %v, want %s", oauthErr, ErrorCodeInvalidGrant)
	}
}

func TestExchange_ConfidentialClientAuth(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := testutil.GenerateTestClient() // bcrypt hash of "secret"
	client.RedirectURIs = []string{"https://a.example/cb"}
	if err := store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}

	challenge, verifier := testutil.GeneratePKCEPair()
	code := obtainCode(t, srv, client.ID, "https://a.example/cb", challenge)

	req := ExchangeRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  "https://a.example/cb",
		CodeVerifier: verifier,
		ClientID:     client.ID,
	}

	// No secret
	_, oauthErr := srv.Exchange(context.Background(), req)
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidClient {
		t.Fatalf("missing secret = %v, want %s", oauthErr, ErrorCodeInvalidClient)
	}

	// Wrong secret
	req.ClientSecret = "wrong"
	_, oauthErr = srv.Exchange(context.Background(), req)
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidClient {
		t.Fatalf("wrong secret = %v, want %s", oauthErr, ErrorCodeInvalidClient)
	}

	// Correct secret; the code survived the failed attempts because client
	// authentication happens before consumption
	req.ClientSecret = "secret"
	if _, oauthErr := srv.Exchange(context.Background(), req); oauthErr != nil {
		t.Fatalf("correct secret: %v", oauthErr)
	}
}

func TestExchange_UnsupportedGrantType(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedPublicClient(t, store)

	_, oauthErr := srv.Exchange(context.Background(), ExchangeRequest{
		GrantType: "client_credentials",
		ClientID:  "client-1",
	})
	if oauthErr == nil || oauthErr.Code != ErrorCodeUnsupportedGrantType {
		t.Fatalf("error = %v, want %s", oauthErr, ErrorCodeUnsupportedGrantType)
	}
}

func TestValidateToken_RevokedAndExpiredEquivalent(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	expired, expiredRecord := testutil.GenerateTestAccessToken()
	expiredRecord.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.SaveAccessToken(ctx, expiredRecord); err != nil {
		t.Fatalf("SaveAccessToken: %v", err)
	}

	revoked, revokedRecord := testutil.GenerateTestAccessToken()
	revokedRecord.Revoked = true
	if err := store.SaveAccessToken(ctx, revokedRecord); err != nil {
		t.Fatalf("SaveAccessToken: %v", err)
	}

	for name, token := range map[string]string{
		"expired": expired,
		"revoked": revoked,
		"unknown": "never-issued",
	} {
		_, oauthErr := srv.ValidateToken(ctx, token)
		if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidToken {
			t.Errorf("%s token = %v, want %s", name, oauthErr, ErrorCodeInvalidToken)
		}
	}
}

func TestRevoke(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedPublicClient(t, store)
	ctx := context.Background()

	resp := exchangeCode(t, srv)

	// Unknown tokens are not an error
	if err := srv.Revoke(ctx, "no-such-token", "203.0.113.9"); err != nil {
		t.Errorf("unknown token: %v", err)
	}

	// Revoking the access token kills validation
	if err := srv.Revoke(ctx, resp.AccessToken, "203.0.113.9"); err != nil {
		t.Fatalf("Revoke access: %v", err)
	}
	if _, oauthErr := srv.ValidateToken(ctx, resp.AccessToken); oauthErr == nil {
		t.Error("revoked access token still validates")
	}

	// Revoking the refresh token kills rotation
	if err := srv.Revoke(ctx, resp.RefreshToken, "203.0.113.9"); err != nil {
		t.Fatalf("Revoke refresh: %v", err)
	}
	_, oauthErr := srv.Exchange(ctx, ExchangeRequest{
		GrantType:    "refresh_token",
		RefreshToken: resp.RefreshToken,
		ClientID:     "client-1",
	})
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("revoked refresh token = %v, want %s", oauthErr, ErrorCodeInvalidGrant)
	}
}

func TestRevokeConnection(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedPublicClient(t, store)
	ctx := context.Background()

	resp := exchangeCode(t, srv)

	revoked, err := srv.RevokeConnection(ctx, "user-1", "client-1")
	if err != nil {
		t.Fatalf("RevokeConnection: %v", err)
	}
	if revoked != 2 {
		t.Errorf("revoked = %d, want 2 (access + refresh)", revoked)
	}
	if _, oauthErr := srv.ValidateToken(ctx, resp.AccessToken); oauthErr == nil {
		t.Error("access token survives connection revocation")
	}
}
