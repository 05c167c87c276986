package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// InsertReply persists an inbound reply with its correlation result.
func (s *Store) InsertReply(ctx context.Context, r *EmailReply) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	headersJSON, err := json.Marshal(r.RawHeaders)
	if err != nil {
		headersJSON = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO email_replies
		(id, owner_id, email_log_id, account_id, from_email, from_name, to_email,
		 subject, body_text, body_html, in_reply_to, references_header, raw_headers,
		 received_at, sender_verified, expected_sender_email, verification_notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		r.ID, r.OwnerID, r.EmailLogID, r.AccountID, r.FromEmail, r.FromName, r.ToEmail,
		r.Subject, r.BodyText, r.BodyHTML, r.InReplyTo, r.ReferencesHeader, headersJSON,
		r.ReceivedAt, r.SenderVerified, r.ExpectedSenderEmail, r.VerificationNotes)
	return err
}

// MarkReplyInjected records a successful inbox injection and the provider
// that accepted it.
func (s *Store) MarkReplyInjected(ctx context.Context, id uuid.UUID, provider string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_replies
		SET inbox_injected = TRUE, inbox_injected_at = NOW(),
		    inbox_injection_provider = $2, inbox_injection_error = ''
		WHERE id = $1`, id, provider)
	return err
}

// MarkReplyInjectionFailed records the failure; the reply row itself is kept.
func (s *Store) MarkReplyInjectionFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_replies
		SET inbox_injected = FALSE, inbox_injection_error = $2
		WHERE id = $1`, id, errMsg)
	return err
}
