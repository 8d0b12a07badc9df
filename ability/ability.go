// Package ability implements the permission-gated catalog of host operations
// exposed to connected clients: a registry of named, schema-typed abilities
// and a dispatcher that validates, authorizes, and invokes them.
package ability

import (
	"context"
	"encoding/json"

	"github.com/quillcms/connect/host"
)

// Kind classifies an ability for the default enable policy: read abilities
// are enabled on a fresh install, write abilities are disabled until an
// administrator enables them.
type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
)

// Caller identifies the authenticated invoker of an ability: the resource
// owner resolved from the bearer token and the client acting on their behalf.
type Caller struct {
	UserID   string
	ClientID string
}

// HandlerFunc executes an ability. Arguments have already been validated
// against the input schema and the caller has passed the permission
// predicate. The returned value is validated against the output schema.
// Return an *Error to surface a typed failure to the client; any other error
// is logged and reported as a generic execution failure.
type HandlerFunc func(ctx context.Context, caller Caller, args map[string]any) (any, error)

// PermissionFunc decides whether the resource owner may invoke an ability
// with the given arguments, re-delegating to the host capability model.
// The client never exercises more authority than the owner holds.
type PermissionFunc func(ctx context.Context, caps host.Capabilities, userID string, args map[string]any) (bool, error)

// Ability is one catalog entry: a named operation with schema-typed input
// and output, a permission predicate, and a handler.
type Ability struct {
	// Name is the namespaced identifier, "domain/action".
	Name string

	// Description is shown to clients in the catalog listing.
	Description string

	// Kind is the read/write classification driving the default enable policy.
	Kind Kind

	// Group is the content-type group used by admin enable/disable surfaces.
	// Dispatch ignores it.
	Group string

	// InputSchema and OutputSchema are JSON Schema documents.
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage

	// Permission gates execution. A nil predicate denies by default.
	Permission PermissionFunc

	// Handler executes the operation.
	Handler HandlerFunc
}

// Descriptor is the client-visible shape of an enabled ability.
type Descriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`
}
