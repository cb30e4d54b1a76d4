// Package mock provides a mock implementation of the apikey.Resolver
// interface for testing.
package mock

import (
	"context"
	"sync"

	"github.com/toolgate/oauth/apikey"
)

// MockResolver is an in-memory apikey.Resolver for tests.
type MockResolver struct {
	// ResolveFunc, when set, overrides the keyed lookup entirely.
	// Useful for injecting errors.
	ResolveFunc func(ctx context.Context, rawKey string) (*apikey.Grant, error)

	mu     sync.RWMutex
	grants map[string]*apikey.Grant
	calls  int
}

// Compile-time interface check
var _ apikey.Resolver = (*MockResolver)(nil)

// NewMockResolver creates an empty mock resolver.
func NewMockResolver() *MockResolver {
	return &MockResolver{
		grants: make(map[string]*apikey.Grant),
	}
}

// Add registers a raw key with its grant.
func (m *MockResolver) Add(rawKey string, grant *apikey.Grant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[rawKey] = grant
}

// Remove deletes a raw key.
func (m *MockResolver) Remove(rawKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, rawKey)
}

// Resolve implements apikey.Resolver.
func (m *MockResolver) Resolve(ctx context.Context, rawKey string) (*apikey.Grant, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.ResolveFunc != nil {
		return m.ResolveFunc(ctx, rawKey)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	grant, ok := m.grants[rawKey]
	if !ok {
		return nil, apikey.ErrKeyNotFound
	}

	// Return a copy so callers cannot mutate shared state.
	out := *grant
	out.Scopes = append([]string(nil), grant.Scopes...)
	return &out, nil
}

// ResolveCalls returns how many times Resolve was invoked.
func (m *MockResolver) ResolveCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}
