package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/toolgate/oauth/storage"
)

// SaveClient stores an OAuth client registration. Client records carry no
// TTL: clients persist until explicitly revoked, and revoked clients are
// kept as tombstones so token introspection can distinguish "revoked" from
// "never existed".
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client and client ID are required")
	}
	if err := validateStringLength(client.ClientID, MaxIDLength, "client ID"); err != nil {
		return err
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.ClientID)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	// Track the registering IP so per-IP caps survive restarts.
	if client.RegistrationIP != "" && !client.Revoked {
		if err := s.client.Do(ctx,
			s.client.B().Sadd().Key(s.clientIPKey(client.RegistrationIP)).Member(client.ClientID).Build(),
		).Error(); err != nil {
			return fmt.Errorf("failed to track client IP: %w", err)
		}
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID. Revoked clients are returned with
// the Revoked flag set; callers decide how to treat tombstones.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return getAndUnmarshal(ctx, s, s.clientKey(clientID), storage.ErrClientNotFound, fromClientJSON)
}

// RevokeClient tombstones a client. The record is kept with Revoked set
// and the IP slot is released. Revoking an already-revoked client is a no-op.
func (s *Store) RevokeClient(ctx context.Context, clientID string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return err
	}
	if client.Revoked {
		return nil
	}

	client.Revoked = true
	client.RevokedAt = time.Now().UTC()

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.clientKey(clientID)).Value(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to revoke client: %w", err)
	}

	if client.RegistrationIP != "" {
		if err := s.client.Do(ctx,
			s.client.B().Srem().Key(s.clientIPKey(client.RegistrationIP)).Member(clientID).Build(),
		).Error(); err != nil {
			return fmt.Errorf("failed to release client IP slot: %w", err)
		}
	}

	s.logger.Info("Revoked client", "client_id", clientID)
	return nil
}

// CountClientsForIP returns the number of live (non-revoked) clients
// registered from the given IP address.
func (s *Store) CountClientsForIP(ctx context.Context, ip string) (int, error) {
	count, err := s.client.Do(ctx,
		s.client.B().Scard().Key(s.clientIPKey(ip)).Build(),
	).AsInt64()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count clients for IP: %w", err)
	}
	return int(count), nil
}
