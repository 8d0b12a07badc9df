package connect

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/quillcms/connect/host"
	"github.com/quillcms/connect/internal/testutil"
	"github.com/quillcms/connect/storage"
)

func validAuthParams(clientID string) AuthorizationParams {
	challenge, _ := testutil.GeneratePKCEPair()
	return AuthorizationParams{
		ResponseType:        "code",
		ClientID:            clientID,
		RedirectURI:         "https://a.example/cb",
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	}
}

func TestBeginAuthorization_UnknownClient(t *testing.T) {
	srv, _, _ := newTestServer(t)

	_, oauthErr := srv.BeginAuthorization(context.Background(), validAuthParams("nope"))
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidClient {
		t.Fatalf("error = %v, want %s", oauthErr, ErrorCodeInvalidClient)
	}
}

func TestBeginAuthorization_ValidationOrder(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedPublicClient(t, store)

	tests := []struct {
		name     string
		mutate   func(*AuthorizationParams)
		wantCode string
	}{
		{
			"missing client_id",
			func(p *AuthorizationParams) { p.ClientID = "" },
			ErrorCodeInvalidRequest,
		},
		{
			"unregistered redirect",
			func(p *AuthorizationParams) { p.RedirectURI = "https://a.example/cb/" },
			ErrorCodeInvalidRedirectURI,
		},
		{
			"wrong response_type",
			func(p *AuthorizationParams) { p.ResponseType = "token" },
			ErrorCodeInvalidRequest,
		},
		{
			"missing code_challenge",
			func(p *AuthorizationParams) { p.CodeChallenge = "" },
			ErrorCodeInvalidRequest,
		},
		{
			"plain method",
			func(p *AuthorizationParams) { p.CodeChallengeMethod = "plain" },
			ErrorCodeInvalidRequest,
		},
		{
			"malformed challenge",
			func(p *AuthorizationParams) { p.CodeChallenge = "not-a-challenge" },
			ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := validAuthParams("client-1")
			tt.mutate(&params)
			_, oauthErr := srv.BeginAuthorization(context.Background(), params)
			if oauthErr == nil || oauthErr.Code != tt.wantCode {
				t.Errorf("error = %v, want %s", oauthErr, tt.wantCode)
			}
		})
	}
}

func TestBeginAuthorization_DefaultScope(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedPublicClient(t, store)

	params := validAuthParams("client-1")
	params.Scope = ""
	request, oauthErr := srv.BeginAuthorization(context.Background(), params)
	if oauthErr != nil {
		t.Fatalf("BeginAuthorization: %v", oauthErr)
	}
	if request.Scope == "" {
		t.Error("empty scope should fall back to the default")
	}
}

func TestBeginAuthorization_WildcardClient(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := &storage.Client{
		ID:               "wild-1",
		Name:             "Host Integration",
		WildcardRedirect: true,
		CreatedAt:        time.Now(),
	}
	if err := store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}

	params := validAuthParams("wild-1")
	params.RedirectURI = "https://anything.example/anywhere"
	if _, oauthErr := srv.BeginAuthorization(context.Background(), params); oauthErr != nil {
		t.Errorf("wildcard client rejected: %v", oauthErr)
	}
}

func TestDecide_RequiresAuthentication(t *testing.T) {
	srv, _, _ := newTestServer(t)

	_, oauthErr := srv.Decide(context.Background(), "any", true, nil, "203.0.113.9")
	if oauthErr == nil || oauthErr.Code != ErrorCodeAccessDenied {
		t.Fatalf("error = %v, want %s", oauthErr, ErrorCodeAccessDenied)
	}
}

func TestDecide_UnknownHandle(t *testing.T) {
	srv, _, _ := newTestServer(t)

	_, oauthErr := srv.Decide(context.Background(), "missing", true, &host.User{ID: "user-1"}, "203.0.113.9")
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidRequest {
		t.Fatalf("error = %v, want %s", oauthErr, ErrorCodeInvalidRequest)
	}
}

func TestDecide_HandleSingleUse(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedPublicClient(t, store)

	request, oauthErr := srv.BeginAuthorization(context.Background(), validAuthParams("client-1"))
	if oauthErr != nil {
		t.Fatalf("BeginAuthorization: %v", oauthErr)
	}

	user := &host.User{ID: "user-1"}
	if _, oauthErr := srv.Decide(context.Background(), request.ID, true, user, "203.0.113.9"); oauthErr != nil {
		t.Fatalf("first Decide: %v", oauthErr)
	}
	if _, oauthErr := srv.Decide(context.Background(), request.ID, true, user, "203.0.113.9"); oauthErr == nil {
		t.Fatal("a consent handle must be decidable exactly once")
	}
}

func TestDecide_AllowlistFailsClosed(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedPublicClient(t, store)

	// Empty allow-list: nobody may approve
	if err := store.SetConsentAllowlist(context.Background(), nil); err != nil {
		t.Fatalf("SetConsentAllowlist: %v", err)
	}
	request, _ := srv.BeginAuthorization(context.Background(), validAuthParams("client-1"))
	_, oauthErr := srv.Decide(context.Background(), request.ID, true, &host.User{ID: "user-1"}, "203.0.113.9")
	if oauthErr == nil || oauthErr.Code != ErrorCodeAccessDenied {
		t.Fatalf("empty allow-list: error = %v, want %s", oauthErr, ErrorCodeAccessDenied)
	}

	// A user off the list is denied in-page, never via redirect
	_ = store.SetConsentAllowlist(context.Background(), []string{"someone-else"})
	request, _ = srv.BeginAuthorization(context.Background(), validAuthParams("client-1"))
	_, oauthErr = srv.Decide(context.Background(), request.ID, true, &host.User{ID: "user-1"}, "203.0.113.9")
	if oauthErr == nil || oauthErr.Code != ErrorCodeAccessDenied {
		t.Fatalf("off-list user: error = %v, want %s", oauthErr, ErrorCodeAccessDenied)
	}
}

func TestDecide_AllowlistOptOut(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedPublicClient(t, store)
	srv.Config.Security.DisableConsentAllowlist = true
	_ = store.SetConsentAllowlist(context.Background(), nil)

	request, _ := srv.BeginAuthorization(context.Background(), validAuthParams("client-1"))
	redirect, oauthErr := srv.Decide(context.Background(), request.ID, true, &host.User{ID: "user-1"}, "203.0.113.9")
	if oauthErr != nil {
		t.Fatalf("Decide with allow-list disabled: %v", oauthErr)
	}
	if !strings.Contains(redirect, "code=") {
		t.Errorf("redirect %q carries no code", redirect)
	}
}

func TestDecide_Denial(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedPublicClient(t, store)

	request, _ := srv.BeginAuthorization(context.Background(), validAuthParams("client-1"))
	redirect, oauthErr := srv.Decide(context.Background(), request.ID, false, &host.User{ID: "user-1"}, "203.0.113.9")
	if oauthErr != nil {
		t.Fatalf("Decide: %v", oauthErr)
	}

	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	q := u.Query()
	testutil.AssertEqual(t, q.Get("error"), ErrorCodeAccessDenied)
	testutil.AssertEqual(t, q.Get("state"), "xyz")
	if q.Get("code") != "" {
		t.Error("denial redirect must not carry a code")
	}
}

func TestDecide_Approval(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedPublicClient(t, store)

	challenge, _ := testutil.GeneratePKCEPair()
	code := obtainCode(t, srv, "client-1", "https://a.example/cb", challenge)

	// The stored record holds the hash, never the plaintext
	record, err := store.ConsumeAuthorizationCode(context.Background(), storage.HashToken(code))
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode: %v", err)
	}
	testutil.AssertEqual(t, record.ClientID, "client-1")
	testutil.AssertEqual(t, record.UserID, "user-1")
	testutil.AssertEqual(t, record.CodeChallenge, challenge)
	if record.CodeHash == code {
		t.Error("code stored in plaintext")
	}
}

func TestDecide_ExpiredHandle(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedPublicClient(t, store)

	challenge, _ := testutil.GeneratePKCEPair()
	request := &storage.AuthorizationRequest{
		ID:                  "req-expiring",
		ClientID:            "client-1",
		RedirectURI:         "https://a.example/cb",
		Scope:               "default",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(30 * time.Millisecond),
	}
	if err := store.SaveAuthorizationRequest(context.Background(), request); err != nil {
		t.Fatalf("SaveAuthorizationRequest: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	_, oauthErr := srv.Decide(context.Background(), request.ID, true, &host.User{ID: "user-1"}, "203.0.113.9")
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidRequest {
		t.Fatalf("error = %v, want %s", oauthErr, ErrorCodeInvalidRequest)
	}
}
