package host

import (
	"context"
	"net/http"
	"sync"
)

// Directory is a static in-memory implementation of SessionResolver and
// Capabilities for development and testing. Users are keyed by ID; grants
// are (action, target) pairs per user, with "*" matching any target.
type Directory struct {
	mu     sync.RWMutex
	users  map[string]*User
	grants map[string]map[grant]bool

	// session maps a cookie value to a user ID
	sessions map[string]string
}

type grant struct {
	action string
	target string
}

// SessionCookie is the cookie consulted by the Directory session resolver.
const SessionCookie = "connect_session"

// Compile-time interface checks
var (
	_ SessionResolver = (*Directory)(nil)
	_ Capabilities    = (*Directory)(nil)
)

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		users:    make(map[string]*User),
		grants:   make(map[string]map[grant]bool),
		sessions: make(map[string]string),
	}
}

// AddUser registers a user.
func (d *Directory) AddUser(u *User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *u
	d.users[u.ID] = &cp
}

// Grant allows userID to perform action on target. Use "*" as target to
// allow the action on any resource.
func (d *Directory) Grant(userID, action, target string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.grants[userID] == nil {
		d.grants[userID] = make(map[grant]bool)
	}
	d.grants[userID][grant{action, target}] = true
}

// AddSession binds a session cookie value to a user ID.
func (d *Directory) AddSession(cookie, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[cookie] = userID
}

// CurrentUser resolves the session cookie on the request.
func (d *Directory) CurrentUser(r *http.Request) (*User, bool) {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return nil, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	userID, ok := d.sessions[c.Value]
	if !ok {
		return nil, false
	}
	u, ok := d.users[userID]
	if !ok {
		return nil, false
	}
	cp := *u
	return &cp, true
}

// Can reports whether the user holds a grant for (action, target), either
// exactly or via a "*" target wildcard.
func (d *Directory) Can(ctx context.Context, userID, action, target string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	grants, ok := d.grants[userID]
	if !ok {
		return false, nil
	}
	if grants[grant{action, target}] {
		return true, nil
	}
	return grants[grant{action, "*"}], nil
}
