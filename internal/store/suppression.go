package store

import (
	"context"
	"strings"
)

// IsSuppressed reports whether the address sits on the hard-suppression list
// (bounces, spam reports, drops).
func (s *Store) IsSuppressed(ctx context.Context, email string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM email_suppressions WHERE LOWER(email) = LOWER($1)`,
		strings.TrimSpace(email)).Scan(&count)
	return count > 0, err
}

// AddSuppression adds an address to the hard-suppression list. Idempotent;
// re-adding keeps the original reason.
func (s *Store) AddSuppression(ctx context.Context, email, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO email_suppressions (email, reason, created_at)
		VALUES (LOWER($1), $2, NOW())
		ON CONFLICT (email) DO NOTHING`,
		strings.TrimSpace(email), reason)
	return err
}

// IsUnsubscribed reports whether the address has opted out of marketing mail.
func (s *Store) IsUnsubscribed(ctx context.Context, email string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM email_unsubscribes WHERE LOWER(email) = LOWER($1)`,
		strings.TrimSpace(email)).Scan(&count)
	return count > 0, err
}

// AddUnsubscribe records an opt-out. Idempotent.
func (s *Store) AddUnsubscribe(ctx context.Context, email, source string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO email_unsubscribes (email, source, created_at)
		VALUES (LOWER($1), $2, NOW())
		ON CONFLICT (email) DO NOTHING`,
		strings.TrimSpace(email), source)
	return err
}
