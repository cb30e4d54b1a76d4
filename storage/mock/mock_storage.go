// Package mock provides a mock implementation of the storage interfaces
// for testing. It wraps the in-memory store and lets individual
// operations be overridden, typically to inject errors.
package mock

import (
	"context"

	"github.com/toolgate/oauth/storage"
	"github.com/toolgate/oauth/storage/memory"
)

// MockStore delegates to an in-memory store unless a per-operation
// override is set.
type MockStore struct {
	Backend *memory.Store

	SaveClientFunc                      func(ctx context.Context, client *storage.Client) error
	GetClientFunc                       func(ctx context.Context, clientID string) (*storage.Client, error)
	RevokeClientFunc                    func(ctx context.Context, clientID string) error
	CountClientsForIPFunc               func(ctx context.Context, ip string) (int, error)
	SaveAuthorizationCodeFunc           func(ctx context.Context, code *storage.AuthorizationCode) error
	ConsumeAuthorizationCodeFunc        func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	DeleteSubjectAuthorizationCodesFunc func(ctx context.Context, clientID, keyID string) (int, error)
	SaveRefreshTokenFunc                func(ctx context.Context, token *storage.RefreshToken) error
	GetRefreshTokenFunc                 func(ctx context.Context, raw string) (*storage.RefreshToken, error)
	RotateRefreshTokenFunc              func(ctx context.Context, raw string, next *storage.RefreshToken) (*storage.RefreshToken, error)
	RevokeRefreshTokenFamilyFunc        func(ctx context.Context, familyID string) (int, error)
	RevokeClientRefreshTokensFunc       func(ctx context.Context, clientID string) (int, error)
	RevokeSubjectRefreshTokensFunc      func(ctx context.Context, clientID, keyID string) (int, error)
}

// Compile-time interface check
var _ storage.Store = (*MockStore)(nil)

// NewMockStore creates a mock store with a fresh in-memory backend.
// Call Stop when done.
func NewMockStore() *MockStore {
	return &MockStore{Backend: memory.NewStore()}
}

// Stop stops the backing store's cleanup goroutine.
func (m *MockStore) Stop() {
	m.Backend.Stop()
}

func (m *MockStore) SaveClient(ctx context.Context, client *storage.Client) error {
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	return m.Backend.SaveClient(ctx, client)
}

func (m *MockStore) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.Backend.GetClient(ctx, clientID)
}

func (m *MockStore) RevokeClient(ctx context.Context, clientID string) error {
	if m.RevokeClientFunc != nil {
		return m.RevokeClientFunc(ctx, clientID)
	}
	return m.Backend.RevokeClient(ctx, clientID)
}

func (m *MockStore) CountClientsForIP(ctx context.Context, ip string) (int, error) {
	if m.CountClientsForIPFunc != nil {
		return m.CountClientsForIPFunc(ctx, ip)
	}
	return m.Backend.CountClientsForIP(ctx, ip)
}

func (m *MockStore) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if m.SaveAuthorizationCodeFunc != nil {
		return m.SaveAuthorizationCodeFunc(ctx, code)
	}
	return m.Backend.SaveAuthorizationCode(ctx, code)
}

func (m *MockStore) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if m.ConsumeAuthorizationCodeFunc != nil {
		return m.ConsumeAuthorizationCodeFunc(ctx, code)
	}
	return m.Backend.ConsumeAuthorizationCode(ctx, code)
}

func (m *MockStore) DeleteSubjectAuthorizationCodes(ctx context.Context, clientID, keyID string) (int, error) {
	if m.DeleteSubjectAuthorizationCodesFunc != nil {
		return m.DeleteSubjectAuthorizationCodesFunc(ctx, clientID, keyID)
	}
	return m.Backend.DeleteSubjectAuthorizationCodes(ctx, clientID, keyID)
}

func (m *MockStore) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if m.SaveRefreshTokenFunc != nil {
		return m.SaveRefreshTokenFunc(ctx, token)
	}
	return m.Backend.SaveRefreshToken(ctx, token)
}

func (m *MockStore) GetRefreshToken(ctx context.Context, raw string) (*storage.RefreshToken, error) {
	if m.GetRefreshTokenFunc != nil {
		return m.GetRefreshTokenFunc(ctx, raw)
	}
	return m.Backend.GetRefreshToken(ctx, raw)
}

func (m *MockStore) RotateRefreshToken(ctx context.Context, raw string, next *storage.RefreshToken) (*storage.RefreshToken, error) {
	if m.RotateRefreshTokenFunc != nil {
		return m.RotateRefreshTokenFunc(ctx, raw, next)
	}
	return m.Backend.RotateRefreshToken(ctx, raw, next)
}

func (m *MockStore) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error) {
	if m.RevokeRefreshTokenFamilyFunc != nil {
		return m.RevokeRefreshTokenFamilyFunc(ctx, familyID)
	}
	return m.Backend.RevokeRefreshTokenFamily(ctx, familyID)
}

func (m *MockStore) RevokeClientRefreshTokens(ctx context.Context, clientID string) (int, error) {
	if m.RevokeClientRefreshTokensFunc != nil {
		return m.RevokeClientRefreshTokensFunc(ctx, clientID)
	}
	return m.Backend.RevokeClientRefreshTokens(ctx, clientID)
}

func (m *MockStore) RevokeSubjectRefreshTokens(ctx context.Context, clientID, keyID string) (int, error) {
	if m.RevokeSubjectRefreshTokensFunc != nil {
		return m.RevokeSubjectRefreshTokensFunc(ctx, clientID, keyID)
	}
	return m.Backend.RevokeSubjectRefreshTokens(ctx, clientID, keyID)
}
