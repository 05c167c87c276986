package events

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insurgrid/email-engine/internal/store"
)

func TestNormalizeMessageID(t *testing.T) {
	assert.Equal(t, "abc123", NormalizeMessageID("abc123.filter0001p1las1"))
	assert.Equal(t, "abc123", NormalizeMessageID("abc123"))
	assert.Equal(t, "", NormalizeMessageID(""))
	assert.Equal(t, "a", NormalizeMessageID("a.b.c"))
}

func TestAdvanceForwardOnly(t *testing.T) {
	assert.Equal(t, store.LogDelivered, Advance(store.LogSent, store.LogDelivered))
	assert.Equal(t, store.LogOpened, Advance(store.LogDelivered, store.LogOpened))
	assert.Equal(t, store.LogClicked, Advance(store.LogOpened, store.LogClicked))

	// Never regress.
	assert.Equal(t, store.LogClicked, Advance(store.LogClicked, store.LogOpened))
	assert.Equal(t, store.LogClicked, Advance(store.LogClicked, store.LogDelivered))
	assert.Equal(t, store.LogOpened, Advance(store.LogOpened, store.LogSent))
}

func TestAdvanceTerminalAbsorbs(t *testing.T) {
	for _, terminal := range []string{store.LogBounced, store.LogDropped,
		store.LogSpamReport, store.LogUnsubscribed, store.LogFailed} {
		assert.Equal(t, terminal, Advance(terminal, store.LogOpened))
		assert.Equal(t, terminal, Advance(terminal, store.LogClicked))
		assert.Equal(t, terminal, Advance(terminal, store.LogBounced))
		assert.Equal(t, terminal, Advance(store.LogSent, terminal))
	}
}

func permutations(in []string) [][]string {
	if len(in) <= 1 {
		return [][]string{append([]string(nil), in...)}
	}
	var out [][]string
	for i := range in {
		rest := make([]string, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]string{in[i]}, p...))
		}
	}
	return out
}

// Replaying any permutation of a webhook batch lands on the status the
// canonical order produces.
func TestAdvancePermutationInvariance(t *testing.T) {
	batches := [][]string{
		{store.LogDelivered, store.LogOpened, store.LogClicked},
		{store.LogDelivered, store.LogOpened, store.LogBounced},
		{store.LogOpened, store.LogClicked, store.LogUnsubscribed},
		{store.LogDelivered, store.LogDelivered, store.LogOpened},
	}

	for _, batch := range batches {
		canonical := store.LogSent
		for _, c := range batch {
			canonical = Advance(canonical, c)
		}
		for _, perm := range permutations(batch) {
			got := store.LogSent
			for _, c := range perm {
				got = Advance(got, c)
			}
			assert.Equal(t, canonical, got, "permutation %v diverged", perm)
		}
	}
}

func logRows(id int64, status string) *sqlmock.Rows {
	cols := []string{"id", "owner_id", "account_id", "template_id", "to_email", "to_name",
		"from_email", "from_name", "subject", "status",
		"queued_at", "sent_at", "delivered_at", "first_opened_at", "first_clicked_at", "bounced_at",
		"unsubscribed_at", "failed_at", "open_count", "click_count",
		"message_id", "custom_message_id", "reply_to", "bounce_type", "error_message"}
	now := time.Now()
	return sqlmock.NewRows(cols).AddRow(
		id, uuid.New(), uuid.New(), uuid.New(), "jane@example.com", "Jane",
		"agent@agency.example.com", "Agency", "Subject", status,
		now, &now, nil, nil, nil, nil,
		nil, nil, 0, 0,
		"abc123", "<isg-42-1700000000000@agency.example.com>", "", "", "")
}

func newTestProcessor(t *testing.T) (*Processor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewProcessor(store.New(db)), mock
}

func TestProcessClickEvent(t *testing.T) {
	p, mock := newTestProcessor(t)

	mock.ExpectQuery(`FROM email_logs WHERE message_id = \$1`).
		WithArgs("abc123").
		WillReturnRows(logRows(42, store.LogDelivered))
	mock.ExpectExec(`UPDATE email_logs`).
		WillReturnResult(sqlmock.NewResult(0, 1)) // click count
	mock.ExpectExec(`INSERT INTO email_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE email_logs SET status = \$2`).
		WithArgs(int64(42), store.LogClicked).
		WillReturnResult(sqlmock.NewResult(0, 1))

	p.ProcessBatch(context.Background(), []Event{{
		Event:       "click",
		SGMessageID: "abc123.filter001",
		Timestamp:   1700000000,
		URL:         "https://example.com/quote",
		IP:          "203.0.113.9",
		UserAgent:   "Mozilla/5.0",
	}})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessHardBounceAddsSuppression(t *testing.T) {
	p, mock := newTestProcessor(t)

	mock.ExpectQuery(`FROM email_logs WHERE message_id = \$1`).
		WithArgs("abc123").
		WillReturnRows(logRows(42, store.LogSent))
	mock.ExpectExec(`UPDATE email_logs`).
		WillReturnResult(sqlmock.NewResult(0, 1)) // bounce status
	mock.ExpectExec(`INSERT INTO email_suppressions`).
		WithArgs("jane@example.com", "hard_bounce").
		WillReturnResult(sqlmock.NewResult(0, 1))

	p.ProcessBatch(context.Background(), []Event{{
		Event:       "bounce",
		SGMessageID: "abc123",
		Type:        "bounce",
		Reason:      "550 user unknown",
		Email:       "jane@example.com",
	}})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessUnsubscribeOptsOutAccounts(t *testing.T) {
	p, mock := newTestProcessor(t)

	mock.ExpectQuery(`FROM email_logs WHERE message_id = \$1`).
		WithArgs("abc123").
		WillReturnRows(logRows(42, store.LogOpened))
	mock.ExpectExec(`UPDATE email_logs SET status = \$2, unsubscribed_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO email_unsubscribes`).
		WithArgs("jane@example.com", "unsubscribe").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE accounts SET opted_out = TRUE`).
		WithArgs("jane@example.com").
		WillReturnResult(sqlmock.NewResult(0, 2))

	p.ProcessBatch(context.Background(), []Event{{
		Event:       "unsubscribe",
		SGMessageID: "abc123",
		Email:       "jane@example.com",
	}})

	assert.NoError(t, mock.ExpectationsWereMet())
}

// deferred mutates nothing, unmatched ids are skipped quietly.
func TestProcessBatchTolerantCases(t *testing.T) {
	p, mock := newTestProcessor(t)

	mock.ExpectQuery(`FROM email_logs WHERE message_id = \$1`).
		WithArgs("unknown").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`FROM email_logs WHERE message_id LIKE`).
		WithArgs("unknown").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	p.ProcessBatch(context.Background(), []Event{
		{Event: "deferred", SGMessageID: "whatever", Reason: "mailbox busy"},
		{Event: "delivered", SGMessageID: "unknown"},
		{Event: "open", SGMessageID: ""},
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
