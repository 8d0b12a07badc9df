// Package host defines the ports through which the authorization server and
// ability dispatcher reach into the surrounding CMS: who the currently
// authenticated operator is, and what each user may do.
//
// The CMS owns users and permissions; this package only references them.
// Implementations are injected at wiring time. Directory provides a static
// implementation for development and tests.
package host

import (
	"context"
	"net/http"
)

// User identifies an authenticated host operator (the resource owner).
type User struct {
	ID    string
	Name  string
	Email string
}

// SessionResolver resolves the host login session attached to a request.
// The authorization server never authenticates users itself; consent pages
// require a session the CMS has already established.
type SessionResolver interface {
	// CurrentUser returns the authenticated user for the request, or false
	// when no session exists.
	CurrentUser(r *http.Request) (*User, bool)
}

// Capabilities is the capability-check port into the host's per-user
// authorization model. Ability permission predicates call it synchronously;
// a connected client can never exercise more authority than the user who
// approved the connection.
type Capabilities interface {
	// Can reports whether the user may perform action on the target
	// resource. Target may be empty for site-wide actions.
	Can(ctx context.Context, userID, action, target string) (bool, error)
}
