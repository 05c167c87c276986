package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const connectionColumns = `id, owner_id, provider, access_token_encrypted, refresh_token_encrypted,
	token_expires_at, COALESCE(provider_email,''), status, COALESCE(last_error,''), last_used_at`

func scanConnection(row interface{ Scan(...interface{}) error }) (ProviderConnection, error) {
	var c ProviderConnection
	err := row.Scan(&c.ID, &c.OwnerID, &c.Provider, &c.AccessTokenEncrypted, &c.RefreshTokenEncrypted,
		&c.TokenExpiresAt, &c.ProviderEmail, &c.Status, &c.LastError, &c.LastUsedAt)
	return c, err
}

// GetActiveConnection returns the owner's active mailbox connection, newest
// first when more than one provider is linked.
func (s *Store) GetActiveConnection(ctx context.Context, ownerID uuid.UUID) (*ProviderConnection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM provider_connections
		WHERE owner_id = $1 AND status = 'active'
		ORDER BY updated_at DESC LIMIT 1`, ownerID)
	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertConnection stores a fresh OAuth grant, replacing any earlier grant
// for the same owner and provider.
func (s *Store) UpsertConnection(ctx context.Context, c *ProviderConnection) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_connections
		(id, owner_id, provider, access_token_encrypted, refresh_token_encrypted,
		 token_expires_at, provider_email, status, last_error, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'active','',NOW())
		ON CONFLICT (owner_id, provider) DO UPDATE SET
			access_token_encrypted = EXCLUDED.access_token_encrypted,
			refresh_token_encrypted = EXCLUDED.refresh_token_encrypted,
			token_expires_at = EXCLUDED.token_expires_at,
			provider_email = EXCLUDED.provider_email,
			status = 'active', last_error = '', updated_at = NOW()`,
		c.ID, c.OwnerID, c.Provider, c.AccessTokenEncrypted, c.RefreshTokenEncrypted,
		c.TokenExpiresAt, c.ProviderEmail)
	return err
}

// UpdateConnectionTokens persists a refreshed access token. The refresh token
// only changes when the provider rotated it.
func (s *Store) UpdateConnectionTokens(ctx context.Context, id uuid.UUID, accessEnc, refreshEnc string, expiresAt time.Time) error {
	if refreshEnc != "" {
		_, err := s.db.ExecContext(ctx,
			`UPDATE provider_connections
			SET access_token_encrypted = $2, refresh_token_encrypted = $3,
			    token_expires_at = $4, status = 'active', last_error = '', updated_at = NOW()
			WHERE id = $1`, id, accessEnc, refreshEnc, expiresAt)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE provider_connections
		SET access_token_encrypted = $2, token_expires_at = $3,
		    status = 'active', last_error = '', updated_at = NOW()
		WHERE id = $1`, id, accessEnc, expiresAt)
	return err
}

// MarkConnectionExpired flags a connection whose refresh was rejected, so
// the UI can prompt a reconnect.
func (s *Store) MarkConnectionExpired(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE provider_connections
		SET status = 'expired', last_error = $2, updated_at = NOW()
		WHERE id = $1`, id, errMsg)
	return err
}

// TouchConnectionUsed stamps a successful use.
func (s *Store) TouchConnectionUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE provider_connections SET last_used_at = NOW() WHERE id = $1`, id)
	return err
}

// DeleteConnection removes a connection after the owner disconnects.
func (s *Store) DeleteConnection(ctx context.Context, ownerID uuid.UUID, provider string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM provider_connections WHERE owner_id = $1 AND provider = $2`,
		ownerID, provider)
	return err
}
