package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const logColumns = `id, owner_id, account_id, template_id, to_email, COALESCE(to_name,''),
	COALESCE(from_email,''), COALESCE(from_name,''), COALESCE(subject,''), status,
	queued_at, sent_at, delivered_at, first_opened_at, first_clicked_at, bounced_at,
	unsubscribed_at, failed_at, open_count, click_count,
	COALESCE(message_id,''), COALESCE(custom_message_id,''), COALESCE(reply_to,''),
	COALESCE(bounce_type,''), COALESCE(error_message,'')`

func scanLog(row interface{ Scan(...interface{}) error }) (EmailLog, error) {
	var l EmailLog
	err := row.Scan(&l.ID, &l.OwnerID, &l.AccountID, &l.TemplateID, &l.ToEmail, &l.ToName,
		&l.FromEmail, &l.FromName, &l.Subject, &l.Status,
		&l.QueuedAt, &l.SentAt, &l.DeliveredAt, &l.FirstOpenedAt, &l.FirstClickedAt, &l.BouncedAt,
		&l.UnsubscribedAt, &l.FailedAt, &l.OpenCount, &l.ClickCount,
		&l.MessageID, &l.CustomMessageID, &l.ReplyTo,
		&l.BounceType, &l.ErrorMessage)
	return l, err
}

// CreateEmailLog inserts a Queued log row and returns its integer id.
func (s *Store) CreateEmailLog(ctx context.Context, l *EmailLog) (int64, error) {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO email_logs
		(owner_id, account_id, template_id, to_email, to_name, from_email, from_name,
		 subject, status, queued_at, reply_to)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'Queued',NOW(),$9)
		RETURNING id`,
		l.OwnerID, l.AccountID, l.TemplateID, l.ToEmail, l.ToName, l.FromEmail, l.FromName,
		l.Subject, l.ReplyTo).Scan(&l.ID)
	return l.ID, err
}

// MarkLogSent advances a Queued log to Sent with the provider's message id
// and the custom Message-ID we minted.
func (s *Store) MarkLogSent(ctx context.Context, id int64, messageID, customMessageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_logs
		SET status = 'Sent', sent_at = NOW(), message_id = $2, custom_message_id = $3
		WHERE id = $1`, id, messageID, customMessageID)
	return err
}

// MarkLogFailed records a dispatch failure on the log.
func (s *Store) MarkLogFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_logs SET status = 'Failed', failed_at = NOW(), error_message = $2
		WHERE id = $1`, id, errMsg)
	return err
}

// GetLogByID fetches one log.
func (s *Store) GetLogByID(ctx context.Context, id int64) (*EmailLog, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM email_logs WHERE id = $1`, id)
	l, err := scanLog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetLogByMessageID looks a log up by provider message id, exact match
// first, then prefix (SendGrid suffixes the id after the first dot).
func (s *Store) GetLogByMessageID(ctx context.Context, messageID string) (*EmailLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+logColumns+` FROM email_logs WHERE message_id = $1 LIMIT 1`, messageID)
	l, err := scanLog(row)
	if err == nil {
		return &l, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT `+logColumns+` FROM email_logs WHERE message_id LIKE $1 || '%' ORDER BY id DESC LIMIT 1`,
		messageID)
	l, err = scanLog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetLogByCustomMessageID matches an inbound In-Reply-To against the custom
// Message-ID recorded at dispatch.
func (s *Store) GetLogByCustomMessageID(ctx context.Context, customMessageID string) (*EmailLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+logColumns+` FROM email_logs WHERE custom_message_id = $1 LIMIT 1`, customMessageID)
	l, err := scanLog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// HasRecentSend implements the 7-day recency rule: a successful send of the
// same template to the same recipient inside the window suppresses the next.
func (s *Store) HasRecentSend(ctx context.Context, templateID uuid.UUID, recipientEmail string, since time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM email_logs
		WHERE template_id = $1 AND LOWER(to_email) = LOWER($2)
		  AND sent_at >= $3
		  AND status NOT IN ('Failed')`,
		templateID, recipientEmail, since).Scan(&count)
	return count > 0, err
}

// UpdateLogStatus writes a status transition with its timestamp column.
// The caller owns the poset rules; this just persists the result.
func (s *Store) UpdateLogStatus(ctx context.Context, id int64, status string, tsColumn string, ts time.Time) error {
	query := `UPDATE email_logs SET status = $2 WHERE id = $1`
	args := []interface{}{id, status}
	if tsColumn != "" {
		query = `UPDATE email_logs SET status = $2, ` + tsColumn + ` = $3 WHERE id = $1`
		args = append(args, ts)
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// IncrementOpenCount bumps the counter and stamps the first open.
func (s *Store) IncrementOpenCount(ctx context.Context, id int64, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_logs
		SET open_count = open_count + 1, first_opened_at = COALESCE(first_opened_at, $2)
		WHERE id = $1`, id, ts)
	return err
}

// IncrementClickCount bumps the counter and stamps the first click.
func (s *Store) IncrementClickCount(ctx context.Context, id int64, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_logs
		SET click_count = click_count + 1, first_clicked_at = COALESCE(first_clicked_at, $2)
		WHERE id = $1`, id, ts)
	return err
}

// RecordBounce marks the log bounced with its classification.
func (s *Store) RecordBounce(ctx context.Context, id int64, bounceType, reason string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_logs
		SET status = 'Bounced', bounced_at = $2, bounce_type = $3, error_message = $4
		WHERE id = $1`, id, ts, bounceType, reason)
	return err
}

// MarkLogDropped records a provider-side drop with its reason.
func (s *Store) MarkLogDropped(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_logs SET status = 'Dropped', error_message = $2 WHERE id = $1`,
		id, reason)
	return err
}

// InsertEmailEvent appends an analytics row (currently click metadata).
func (s *Store) InsertEmailEvent(ctx context.Context, e *EmailEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO email_events (id, email_log_id, event_type, url, ip, useragent, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.EmailLogID, e.EventType, e.URL, e.IP, e.UserAgent, e.OccurredAt)
	return err
}
