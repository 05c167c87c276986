package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
)

const templateColumns = `id, owner_id, COALESCE(default_key,''), COALESCE(category,''),
	COALESCE(subject,''), COALESCE(html_content,''), COALESCE(text_content,''),
	COALESCE(from_email,''), COALESCE(from_name,'')`

func scanTemplate(row interface{ Scan(...interface{}) error }) (EmailTemplate, error) {
	var t EmailTemplate
	err := row.Scan(&t.ID, &t.OwnerID, &t.DefaultKey, &t.Category,
		&t.Subject, &t.HTMLContent, &t.TextContent,
		&t.FromEmail, &t.FromName)
	return t, err
}

// GetTemplate fetches one template by id.
func (s *Store) GetTemplate(ctx context.Context, id uuid.UUID) (*EmailTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM email_templates WHERE id = $1`, id)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTemplateByKey resolves a templateKey to the owner's template by its
// stable default_key.
func (s *Store) GetTemplateByKey(ctx context.Context, ownerID uuid.UUID, defaultKey string) (*EmailTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM email_templates
		WHERE owner_id = $1 AND default_key = $2 LIMIT 1`, ownerID, defaultKey)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetVerifiedDomain returns the owner's verified sending domain, or "".
func (s *Store) GetVerifiedDomain(ctx context.Context, ownerID uuid.UUID) (string, error) {
	var domain string
	err := s.db.QueryRowContext(ctx,
		`SELECT domain FROM sender_domains
		WHERE owner_id = $1 AND status = 'verified'
		ORDER BY created_at LIMIT 1`, ownerID).Scan(&domain)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return domain, nil
}

// FindInboundDomainOwner resolves an inbound-parse domain to its owner.
// Used as the last correlation fallback for replies.
func (s *Store) FindInboundDomainOwner(ctx context.Context, domain string) (*uuid.UUID, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	var ownerID uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id FROM sender_domains
		WHERE LOWER(domain) = $1 AND inbound_parse_enabled = TRUE
		LIMIT 1`, domain).Scan(&ownerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ownerID, nil
}
