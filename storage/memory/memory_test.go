package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quillcms/connect/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	return s
}

func TestStore_ClientRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	client := &storage.Client{
		ID:           "client-1",
		Name:         "Test",
		RedirectURIs: []string{"https://a.example/cb"},
		CreatedAt:    time.Now(),
	}
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}

	got, err := s.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if got.Name != "Test" {
		t.Errorf("Name = %q, want Test", got.Name)
	}

	if _, err := s.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(missing) = %v, want ErrClientNotFound", err)
	}
}

func TestStore_IPLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CheckIPLimit(ctx, "203.0.113.1", 2); err != nil {
		t.Fatalf("CheckIPLimit below limit: %v", err)
	}
	_ = s.RecordClientIP(ctx, "203.0.113.1")
	_ = s.RecordClientIP(ctx, "203.0.113.1")

	if err := s.CheckIPLimit(ctx, "203.0.113.1", 2); err == nil {
		t.Error("CheckIPLimit at limit should fail")
	}
	if err := s.CheckIPLimit(ctx, "203.0.113.2", 2); err != nil {
		t.Errorf("CheckIPLimit other IP: %v", err)
	}
}

func TestStore_AuthorizationRequestExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := &storage.AuthorizationRequest{
		ID:        "req-1",
		ClientID:  "client-1",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(-time.Minute), // already past its TTL
	}
	if err := s.SaveAuthorizationRequest(ctx, req); err != nil {
		t.Fatalf("SaveAuthorizationRequest: %v", err)
	}

	if _, err := s.GetAuthorizationRequest(ctx, "req-1"); !errors.Is(err, storage.ErrRequestNotFound) {
		t.Errorf("expired request lookup = %v, want ErrRequestNotFound", err)
	}
}

func TestStore_ConsumeAuthorizationCode_SingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		CodeHash:  storage.HashToken("the-code"),
		ClientID:  "client-1",
		UserID:    "user-1",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode: %v", err)
	}

	got, err := s.ConsumeAuthorizationCode(ctx, code.CodeHash)
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", got.UserID)
	}

	if _, err := s.ConsumeAuthorizationCode(ctx, code.CodeHash); !errors.Is(err, storage.ErrCodeConsumed) {
		t.Errorf("second consume = %v, want ErrCodeConsumed", err)
	}
	if _, err := s.ConsumeAuthorizationCode(ctx, storage.HashToken("unknown")); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("unknown consume = %v, want ErrCodeNotFound", err)
	}
}

func TestStore_ConsumeAuthorizationCode_Race(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		CodeHash:  storage.HashToken("race-code"),
		ClientID:  "client-1",
		UserID:    "user-1",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	successes := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthorizationCode(ctx, code.CodeHash); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	if count != 1 {
		t.Errorf("concurrent consumes succeeded %d times, want exactly 1", count)
	}
}

func TestStore_ConsumeRefreshToken_SingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token := &storage.RefreshToken{
		TokenHash:     storage.HashToken("refresh-1"),
		AccessTokenID: "at-1",
		ClientID:      "client-1",
		UserID:        "user-1",
		CreatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(24 * time.Hour),
	}
	if err := s.SaveRefreshToken(ctx, token); err != nil {
		t.Fatalf("SaveRefreshToken: %v", err)
	}

	got, err := s.ConsumeRefreshToken(ctx, token.TokenHash)
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if got.AccessTokenID != "at-1" {
		t.Errorf("AccessTokenID = %q, want at-1", got.AccessTokenID)
	}

	if _, err := s.ConsumeRefreshToken(ctx, token.TokenHash); !errors.Is(err, storage.ErrTokenConsumed) {
		t.Errorf("second consume = %v, want ErrTokenConsumed", err)
	}
}

func TestStore_RevokeAccessToken_Monotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token := &storage.AccessToken{
		ID:        "at-1",
		TokenHash: storage.HashToken("access-1"),
		ClientID:  "client-1",
		UserID:    "user-1",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.SaveAccessToken(ctx, token); err != nil {
		t.Fatalf("SaveAccessToken: %v", err)
	}

	if err := s.RevokeAccessToken(ctx, "at-1"); err != nil {
		t.Fatalf("RevokeAccessToken: %v", err)
	}
	// Revoking again is a no-op, not an error
	if err := s.RevokeAccessToken(ctx, "at-1"); err != nil {
		t.Errorf("second revoke: %v", err)
	}

	// The row is kept, flagged revoked
	got, err := s.GetAccessTokenByHash(ctx, token.TokenHash)
	if err != nil {
		t.Fatalf("GetAccessTokenByHash after revoke: %v", err)
	}
	if !got.Revoked {
		t.Error("token should be flagged revoked")
	}
}

func TestStore_RevokeTokensForUserClient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_ = s.SaveAccessToken(ctx, &storage.AccessToken{
		ID: "at-1", TokenHash: storage.HashToken("a1"),
		ClientID: "client-1", UserID: "user-1",
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	_ = s.SaveRefreshToken(ctx, &storage.RefreshToken{
		TokenHash: storage.HashToken("r1"), AccessTokenID: "at-1",
		ClientID: "client-1", UserID: "user-1",
		CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour),
	})
	_ = s.SaveAccessToken(ctx, &storage.AccessToken{
		ID: "at-2", TokenHash: storage.HashToken("a2"),
		ClientID: "client-2", UserID: "user-1",
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	})

	revoked, err := s.RevokeTokensForUserClient(ctx, "user-1", "client-1")
	if err != nil {
		t.Fatalf("RevokeTokensForUserClient: %v", err)
	}
	if revoked != 2 {
		t.Errorf("revoked = %d, want 2", revoked)
	}

	other, err := s.GetAccessTokenByHash(ctx, storage.HashToken("a2"))
	if err != nil {
		t.Fatalf("GetAccessTokenByHash: %v", err)
	}
	if other.Revoked {
		t.Error("token for a different client should be untouched")
	}
}

func TestStore_Settings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	overrides, err := s.AbilityOverrides(ctx)
	if err != nil {
		t.Fatalf("AbilityOverrides: %v", err)
	}
	if len(overrides) != 0 {
		t.Errorf("fresh store overrides = %v, want empty", overrides)
	}

	if err := s.SetAbilityOverride(ctx, "content/delete-post", true); err != nil {
		t.Fatalf("SetAbilityOverride: %v", err)
	}
	overrides, _ = s.AbilityOverrides(ctx)
	if enabled, ok := overrides["content/delete-post"]; !ok || !enabled {
		t.Errorf("override = (%v, %v), want (true, true)", enabled, ok)
	}

	if err := s.SetConsentAllowlist(ctx, []string{"user-1", "user-2"}); err != nil {
		t.Fatalf("SetConsentAllowlist: %v", err)
	}
	allowlist, err := s.ConsentAllowlist(ctx)
	if err != nil {
		t.Fatalf("ConsentAllowlist: %v", err)
	}
	if len(allowlist) != 2 {
		t.Errorf("allowlist = %v, want 2 entries", allowlist)
	}
}
