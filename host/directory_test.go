package host

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDirectory_CurrentUser(t *testing.T) {
	dir := NewDirectory()
	dir.AddUser(&User{ID: "user-1", Name: "Ada"})
	dir.AddSession("sess-1", "user-1")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := dir.CurrentUser(r); ok {
		t.Error("request without cookie resolved a user")
	}

	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: "sess-1"})
	u, ok := dir.CurrentUser(r)
	if !ok || u.ID != "user-1" {
		t.Fatalf("CurrentUser = (%v, %v), want user-1", u, ok)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: "unknown"})
	if _, ok := dir.CurrentUser(r); ok {
		t.Error("unknown session cookie resolved a user")
	}
}

func TestDirectory_Can(t *testing.T) {
	dir := NewDirectory()
	dir.AddUser(&User{ID: "user-1"})
	dir.Grant("user-1", "read", "posts")
	dir.Grant("user-2", "manage", "*")

	ctx := context.Background()

	tests := []struct {
		userID, action, target string
		want                   bool
	}{
		{"user-1", "read", "posts", true},
		{"user-1", "read", "media", false},
		{"user-1", "manage", "posts", false},
		{"user-2", "manage", "posts", true},
		{"user-2", "manage", "site", true},
		{"user-2", "read", "posts", false},
		{"ghost", "read", "posts", false},
	}
	for _, tt := range tests {
		got, err := dir.Can(ctx, tt.userID, tt.action, tt.target)
		if err != nil {
			t.Fatalf("Can(%s, %s, %s): %v", tt.userID, tt.action, tt.target, err)
		}
		if got != tt.want {
			t.Errorf("Can(%s, %s, %s) = %v, want %v", tt.userID, tt.action, tt.target, got, tt.want)
		}
	}
}
