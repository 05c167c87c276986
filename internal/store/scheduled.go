package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// uniqueViolation is the Postgres error code the dedup index raises when
// two refreshers race.
const uniqueViolation = "23505"

const scheduledColumns = `id, owner_id, automation_id, account_id, template_id, COALESCE(node_id,''),
	recipient_email, COALESCE(recipient_name,''), COALESCE(from_email,''), COALESCE(from_name,''),
	COALESCE(subject,''), scheduled_for, status, requires_verification,
	COALESCE(qualification_value,''), COALESCE(trigger_field,''), attempts, max_attempts,
	last_attempt_at, COALESCE(error_message,''), email_log_id`

func scanScheduled(row interface{ Scan(...interface{}) error }) (ScheduledEmail, error) {
	var e ScheduledEmail
	err := row.Scan(&e.ID, &e.OwnerID, &e.AutomationID, &e.AccountID, &e.TemplateID, &e.NodeID,
		&e.RecipientEmail, &e.RecipientName, &e.FromEmail, &e.FromName,
		&e.Subject, &e.ScheduledFor, &e.Status, &e.RequiresVerification,
		&e.QualificationValue, &e.TriggerField, &e.Attempts, &e.MaxAttempts,
		&e.LastAttemptAt, &e.ErrorMessage, &e.EmailLogID)
	return e, err
}

// LoadDedupKeys returns the dedup keys of the automation's live rows, so a
// refresh never duplicates Pending/Processing/Sent work.
func (s *Store) LoadDedupKeys(ctx context.Context, automationID uuid.UUID) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT automation_id, account_id, template_id, COALESCE(qualification_value,'')
		FROM scheduled_emails
		WHERE automation_id = $1 AND status IN ('Pending', 'Processing', 'Sent')`,
		automationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var aid, accountID, templateID uuid.UUID
		var qual string
		if err := rows.Scan(&aid, &accountID, &templateID, &qual); err != nil {
			continue
		}
		keys[aid.String()+"|"+accountID.String()+"|"+templateID.String()+"|"+qual] = true
	}
	return keys, rows.Err()
}

// InsertScheduledBatch inserts pending rows in chunks of 100. Duplicate-key
// conflicts from the dedup index are swallowed row by row: a concurrent
// refresher winning the race is not an error.
func (s *Store) InsertScheduledBatch(ctx context.Context, emails []ScheduledEmail) (int, error) {
	const chunkSize = 100
	inserted := 0

	for start := 0; start < len(emails); start += chunkSize {
		end := start + chunkSize
		if end > len(emails) {
			end = len(emails)
		}
		for i := start; i < end; i++ {
			if err := s.insertScheduled(ctx, &emails[i]); err != nil {
				if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
					continue
				}
				return inserted, fmt.Errorf("insert scheduled email: %w", err)
			}
			inserted++
		}
	}
	return inserted, nil
}

func (s *Store) insertScheduled(ctx context.Context, e *ScheduledEmail) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = 3
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_emails
		(id, owner_id, automation_id, account_id, template_id, node_id,
		 recipient_email, recipient_name, from_email, from_name, subject,
		 scheduled_for, status, requires_verification, qualification_value,
		 trigger_field, attempts, max_attempts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,0,$17)`,
		e.ID, e.OwnerID, e.AutomationID, e.AccountID, e.TemplateID, e.NodeID,
		e.RecipientEmail, e.RecipientName, e.FromEmail, e.FromName, e.Subject,
		e.ScheduledFor, ScheduledPending, e.RequiresVerification, e.QualificationValue,
		e.TriggerField, e.MaxAttempts)
	return err
}

// ListDueForVerification returns Pending rows that still require the 24-hour
// re-qualification check and dispatch within the window, oldest first.
func (s *Store) ListDueForVerification(ctx context.Context, now time.Time, limit int) ([]ScheduledEmail, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduledColumns+` FROM scheduled_emails
		WHERE status = 'Pending' AND requires_verification = TRUE
		  AND scheduled_for > $1 AND scheduled_for <= $2
		ORDER BY scheduled_for ASC
		LIMIT $3`, now, now.Add(24*time.Hour), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var emails []ScheduledEmail
	for rows.Next() {
		e, err := scanScheduled(rows)
		if err != nil {
			continue
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

// ListDueForDispatch returns rows ready to send, oldest first: verified
// Pending rows past their send time, plus Processing rows whose reservation
// went stale (worker crashed more than 10 minutes ago).
func (s *Store) ListDueForDispatch(ctx context.Context, now time.Time, limit int) ([]ScheduledEmail, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduledColumns+` FROM scheduled_emails
		WHERE scheduled_for <= $1
		  AND (
			(status = 'Pending' AND requires_verification = FALSE)
			OR (status = 'Processing' AND last_attempt_at < $2)
		  )
		ORDER BY scheduled_for ASC
		LIMIT $3`, now, now.Add(-10*time.Minute), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var emails []ScheduledEmail
	for rows.Next() {
		e, err := scanScheduled(rows)
		if err != nil {
			continue
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

// ReserveScheduled moves a row to Processing with a compare-and-swap on its
// current status. Returns false when another worker won the row. Reclaiming a
// Processing row re-checks staleness inside the UPDATE: a row another worker
// reserved after the lister saw it carries a fresh last_attempt_at and must
// not be stolen.
func (s *Store) ReserveScheduled(ctx context.Context, id uuid.UUID, fromStatus string) (bool, error) {
	query := `UPDATE scheduled_emails
		SET status = 'Processing', attempts = attempts + 1, last_attempt_at = NOW()
		WHERE id = $1 AND status = $2`
	if fromStatus == ScheduledProcessing {
		query += ` AND last_attempt_at < NOW() - interval '10 minutes'`
	}
	res, err := s.db.ExecContext(ctx, query, id, fromStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkVerified clears the verification flag after a passed 24-hour check.
func (s *Store) MarkVerified(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_emails SET requires_verification = FALSE, updated_at = NOW()
		WHERE id = $1`, id)
	return err
}

// CancelScheduled terminally cancels a row with a human-readable reason.
func (s *Store) CancelScheduled(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_emails SET status = 'Cancelled', error_message = $2, updated_at = NOW()
		WHERE id = $1`, id, reason)
	return err
}

// MarkScheduledSent links the realized log and closes the row.
func (s *Store) MarkScheduledSent(ctx context.Context, id uuid.UUID, emailLogID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_emails SET status = 'Sent', email_log_id = $2, error_message = '', updated_at = NOW()
		WHERE id = $1`, id, emailLogID)
	return err
}

// ReturnScheduledToPending re-queues a failed attempt for the next tick.
func (s *Store) ReturnScheduledToPending(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_emails SET status = 'Pending', error_message = $2, updated_at = NOW()
		WHERE id = $1`, id, errMsg)
	return err
}

// FailScheduled terminally fails a row after max_attempts.
func (s *Store) FailScheduled(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_emails SET status = 'Failed', error_message = $2, updated_at = NOW()
		WHERE id = $1`, id, errMsg)
	return err
}

// GetScheduled fetches one row by id.
func (s *Store) GetScheduled(ctx context.Context, id uuid.UUID) (*ScheduledEmail, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduledColumns+` FROM scheduled_emails WHERE id = $1`, id)
	e, err := scanScheduled(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
