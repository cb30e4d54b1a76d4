// Package apikey defines the interface for resolving API keys into
// subject grants. The authorization server never manages keys itself; the
// embedding application supplies a Resolver backed by its own key store.
package apikey

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by a Resolver when the presented key is
// unknown, disabled, or expired. Resolvers must not distinguish the
// cases; the server answers all of them identically.
var ErrKeyNotFound = errors.New("api key not found")

// Grant is the permission ceiling attached to an API key. Scopes granted
// to OAuth clients are always clipped against it; an authorization can
// narrow a grant but never widen it.
type Grant struct {
	// KeyID is a stable identifier for the key, safe to log and to use
	// as the token subject. Never the raw key value.
	KeyID string

	// ProjectID scopes the grant to a project; carried into issued
	// tokens as the project_id claim.
	ProjectID string

	// Scopes is the set of scopes the key holder may delegate.
	Scopes []string
}

// Resolver resolves a raw API key into its grant.
type Resolver interface {
	// Resolve validates rawKey and returns the grant it carries.
	// Unknown keys return ErrKeyNotFound.
	Resolve(ctx context.Context, rawKey string) (*Grant, error)
}
