package connect

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/quillcms/connect/host"
	"github.com/quillcms/connect/internal/testutil"
	"github.com/quillcms/connect/storage"
	"github.com/quillcms/connect/storage/memory"
)

// newTestServer builds a server over a fresh memory store with one host user
// ("user-1", on the consent allow-list, session cookie "sess-1").
func newTestServer(t *testing.T) (*Server, *memory.Store, *host.Directory) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	dir := host.NewDirectory()
	dir.AddUser(&host.User{ID: "user-1", Name: "Ada", Email: "ada@example.com"})
	dir.AddSession("sess-1", "user-1")
	if err := store.SetConsentAllowlist(context.Background(), []string{"user-1"}); err != nil {
		t.Fatalf("SetConsentAllowlist: %v", err)
	}

	srv, err := NewServer(Config{Issuer: "https://connect.example"}, store, dir)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv, store, dir
}

// seedPublicClient registers a public client with one exact redirect URI
func seedPublicClient(t *testing.T, store *memory.Store) *storage.Client {
	t.Helper()
	client := &storage.Client{
		ID:           "client-1",
		Name:         "Example App",
		RedirectURIs: []string{"https://a.example/cb"},
		Confidential: false,
		CreatedAt:    time.Now(),
	}
	if err := store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}
	return client
}

// obtainCode drives begin + approve and returns the minted authorization code
func obtainCode(t *testing.T, srv *Server, clientID, redirectURI, challenge string) string {
	t.Helper()
	ctx := context.Background()

	request, oauthErr := srv.BeginAuthorization(ctx, AuthorizationParams{
		ResponseType:        "code",
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	if oauthErr != nil {
		t.Fatalf("BeginAuthorization: %v", oauthErr)
	}

	redirect, oauthErr := srv.Decide(ctx, request.ID, true, &host.User{ID: "user-1"}, "203.0.113.9")
	if oauthErr != nil {
		t.Fatalf("Decide: %v", oauthErr)
	}

	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	code := u.Query().Get("code")
	if code == "" {
		t.Fatalf("redirect %q carries no code", redirect)
	}
	return code
}

func TestNewServer_RequiresIssuer(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)

	if _, err := NewServer(Config{}, store, host.NewDirectory()); err == nil {
		t.Error("expected error for missing issuer")
	}
	if _, err := NewServer(Config{Issuer: "https://x.example"}, nil, host.NewDirectory()); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := NewServer(Config{Issuer: "https://x.example"}, store, nil); err == nil {
		t.Error("expected error for nil session resolver")
	}
}

func TestConfig_Defaults(t *testing.T) {
	srv, _, _ := newTestServer(t)

	cfg := srv.Config
	testutil.AssertEqual(t, cfg.AccessTokenTTL, DefaultAccessTokenTTL)
	testutil.AssertEqual(t, cfg.AuthorizationCodeTTL, DefaultAuthorizationCodeTTL)
	testutil.AssertEqual(t, cfg.RequestTTL, DefaultRequestTTL)
	testutil.AssertEqual(t, cfg.Security.RefreshTokenTTL, DefaultRefreshTokenTTL)
	if len(cfg.SupportedScopes) == 0 {
		t.Error("SupportedScopes should default to a non-empty list")
	}
}

func TestConfig_CapsExcessiveTTLs(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)

	cfg := Config{Issuer: "https://x.example", RequestTTL: time.Hour}
	cfg.Security.RefreshTokenTTL = 365 * 24 * time.Hour
	srv, err := NewServer(cfg, store, host.NewDirectory())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	testutil.AssertEqual(t, srv.Config.RequestTTL, DefaultRequestTTL)
	testutil.AssertEqual(t, srv.Config.Security.RefreshTokenTTL, DefaultRefreshTokenTTL)
}

func TestMetadata(t *testing.T) {
	srv, _, _ := newTestServer(t)

	md := srv.Metadata()
	testutil.AssertEqual(t, md.Issuer, "https://connect.example")
	testutil.AssertEqual(t, md.AuthorizationEndpoint, "https://connect.example/authorize")
	testutil.AssertEqual(t, md.TokenEndpoint, "https://connect.example/token")
	testutil.AssertEqual(t, md.RegistrationEndpoint, "https://connect.example/register")
	testutil.AssertEqual(t, md.RevocationEndpoint, "https://connect.example/revoke")

	if len(md.CodeChallengeMethodsSupported) != 1 || md.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("CodeChallengeMethodsSupported = %v, want [S256] only", md.CodeChallengeMethodsSupported)
	}
	if len(md.ResponseTypesSupported) != 1 || md.ResponseTypesSupported[0] != "code" {
		t.Errorf("ResponseTypesSupported = %v, want [code] only", md.ResponseTypesSupported)
	}

	// Every auth method the token endpoint accepts must be advertised.
	want := map[string]bool{"none": true, "client_secret_post": true, "client_secret_basic": true}
	for _, m := range md.TokenEndpointAuthMethodsSupported {
		delete(want, m)
	}
	if len(want) != 0 {
		t.Errorf("TokenEndpointAuthMethodsSupported = %v, missing %v", md.TokenEndpointAuthMethodsSupported, want)
	}
}
