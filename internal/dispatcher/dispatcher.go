// Package dispatcher sends due scheduled emails through the outbound mail
// provider. The datastore is the queue: reservation is a compare-and-swap on
// the row's status, so horizontally scaled dispatchers never double-send.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/insurgrid/email-engine/internal/mailutil"
	"github.com/insurgrid/email-engine/internal/sendgrid"
	"github.com/insurgrid/email-engine/internal/store"
)

const (
	recencyWindow     = 7 * 24 * time.Hour
	recencyReason     = "Template already sent to this recipient within 7 days"
	suppressionReason = "Recipient address is on the suppression list"
)

// ineligibleError marks a row that must be cancelled rather than retried:
// the condition will not clear by waiting for the next tick.
type ineligibleError struct {
	reason string
}

func (e *ineligibleError) Error() string { return e.reason }

// Dispatcher drains the due scheduled-email queue.
type Dispatcher struct {
	store          *store.Store
	mail           *sendgrid.Client
	recency        *recencyCache
	batchSize      int
	unsubscribeURL string
	now            func() time.Time
}

// New builds a dispatcher. redisClient may be nil; the recency check then
// always hits SQL. batchSize caps rows per run; zero means 50.
func New(st *store.Store, mail *sendgrid.Client, redisClient *redis.Client, batchSize int, unsubscribeURL string) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Dispatcher{
		store:          st,
		mail:           mail,
		recency:        newRecencyCache(redisClient, st, recencyWindow),
		batchSize:      batchSize,
		unsubscribeURL: unsubscribeURL,
		now:            time.Now,
	}
}

// Result summarizes one dispatch run.
type Result struct {
	Reserved  int
	Sent      int
	Cancelled int
	Failed    int
	Retried   int
}

// Run processes the due batch sequentially, oldest first.
func (d *Dispatcher) Run(ctx context.Context) (*Result, error) {
	now := d.now().UTC()
	due, err := d.store.ListDueForDispatch(ctx, now, d.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list due for dispatch: %w", err)
	}

	result := &Result{}
	for i := range due {
		row := &due[i]

		won, err := d.store.ReserveScheduled(ctx, row.ID, row.Status)
		if err != nil {
			log.Printf("[Dispatcher] Reserve %s: %v", row.ID, err)
			continue
		}
		if !won {
			continue // another dispatcher took the row
		}
		row.Attempts++
		result.Reserved++

		d.processRow(ctx, row, now, result)
	}
	log.Printf("[Dispatcher] Run complete: %d reserved, %d sent, %d cancelled, %d retried, %d failed",
		result.Reserved, result.Sent, result.Cancelled, result.Retried, result.Failed)
	return result, nil
}

func (d *Dispatcher) processRow(ctx context.Context, row *store.ScheduledEmail, now time.Time, result *Result) {
	suppressed, err := d.store.IsSuppressed(ctx, row.RecipientEmail)
	if err != nil {
		d.retryOrFail(ctx, row, "suppression check: "+err.Error(), result)
		return
	}
	if suppressed {
		d.cancelRow(ctx, row, suppressionReason, result)
		return
	}

	recent, err := d.recency.HasRecentSend(ctx, row.TemplateID, row.RecipientEmail, now)
	if err != nil {
		d.retryOrFail(ctx, row, "recency check: "+err.Error(), result)
		return
	}
	if recent {
		d.cancelRow(ctx, row, recencyReason, result)
		return
	}

	msg, err := d.buildMessage(ctx, row)
	if err != nil {
		var inel *ineligibleError
		if errors.As(err, &inel) {
			d.cancelRow(ctx, row, inel.reason, result)
			return
		}
		d.retryOrFail(ctx, row, err.Error(), result)
		return
	}

	logID, err := d.store.CreateEmailLog(ctx, &store.EmailLog{
		OwnerID:    row.OwnerID,
		AccountID:  row.AccountID,
		TemplateID: row.TemplateID,
		ToEmail:    row.RecipientEmail,
		ToName:     row.RecipientName,
		FromEmail:  msg.fromEmail,
		FromName:   msg.fromName,
		Subject:    msg.subject,
		ReplyTo:    msg.replyTo,
	})
	if err != nil {
		d.retryOrFail(ctx, row, "create email log: "+err.Error(), result)
		return
	}

	customMessageID := fmt.Sprintf("<isg-%d-%d@%s>", logID, now.UnixMilli(), msg.senderDomain)

	providerID, err := d.mail.Send(ctx, sendgrid.SendRequest{
		To:          sendgrid.Address{Email: row.RecipientEmail, Name: row.RecipientName},
		From:        sendgrid.Address{Email: msg.fromEmail, Name: msg.fromName},
		ReplyTo:     sendgrid.Address{Email: msg.replyTo},
		Subject:     msg.subject,
		TextContent: msg.text,
		HTMLContent: msg.html,
		MessageID:   customMessageID,
		Categories:  []string{"automation"},
		CustomArgs: map[string]string{
			"scheduled_email_id": row.ID.String(),
			"automation_id":      automationIDString(row),
			"account_id":         row.AccountID.String(),
			"owner_id":           row.OwnerID.String(),
			"email_log_id":       strconv.FormatInt(logID, 10),
		},
	})
	if err != nil {
		if logErr := d.store.MarkLogFailed(ctx, logID, err.Error()); logErr != nil {
			log.Printf("[Dispatcher] Mark log failed %d: %v", logID, logErr)
		}
		d.retryOrFail(ctx, row, "send: "+err.Error(), result)
		return
	}

	if err := d.store.MarkLogSent(ctx, logID, providerID, customMessageID); err != nil {
		log.Printf("[Dispatcher] Mark log sent %d: %v", logID, err)
	}
	if err := d.store.MarkScheduledSent(ctx, row.ID, logID); err != nil {
		log.Printf("[Dispatcher] Mark scheduled sent %s: %v", row.ID, err)
	}
	d.recency.RecordSend(ctx, row.TemplateID, row.RecipientEmail)
	result.Sent++
}

// builtMessage is the fully rendered payload for one row.
type builtMessage struct {
	fromEmail    string
	fromName     string
	replyTo      string
	subject      string
	html         string
	text         string
	senderDomain string
}

func (d *Dispatcher) buildMessage(ctx context.Context, row *store.ScheduledEmail) (*builtMessage, error) {
	tpl, err := d.store.GetTemplate(ctx, row.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	if tpl == nil {
		return nil, fmt.Errorf("template %s not found", row.TemplateID)
	}

	account, err := d.store.GetAccount(ctx, row.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("account %s not found", row.AccountID)
	}
	if account.OptedOut {
		return nil, &ineligibleError{fmt.Sprintf("Account %s has opted out", row.AccountID)}
	}
	if account.EmailValidationStatus != store.ValidationValid {
		return nil, &ineligibleError{"Recipient address not validated (status " + account.EmailValidationStatus + ")"}
	}

	owner, err := d.store.GetOwner(ctx, row.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("load owner: %w", err)
	}

	fromEmail := row.FromEmail
	if fromEmail == "" {
		fromEmail = tpl.FromEmail
	}
	fromName := row.FromName
	if fromName == "" {
		fromName = tpl.FromName
	}
	subject := row.Subject
	if subject == "" {
		subject = tpl.Subject
	}
	senderDomain := mailutil.EmailDomain(fromEmail)
	if senderDomain == "" {
		return nil, fmt.Errorf("from address %q has no domain", fromEmail)
	}

	mc := mailutil.MergeContext{
		FirstName:      account.FirstName,
		LastName:       account.LastName,
		Email:          account.BestEmail(),
		Phone:          account.Phone,
		Address:        account.Address,
		City:           account.City,
		State:          account.State,
		Zip:            account.Zip,
		RecipientName:  row.RecipientName,
		RecipientEmail: row.RecipientEmail,
	}
	if row.QualificationValue != "" && row.QualificationValue != "immediate" {
		mc.TriggerDate = row.QualificationValue
	}

	var signature string
	var company mailutil.CompanyBlock
	if owner != nil {
		mc.CompanyName = owner.CompanyName
		signature = owner.SignatureHTML
		company = mailutil.CompanyBlock{
			Name:    owner.CompanyName,
			Address: owner.CompanyAddress,
			Phone:   owner.CompanyPhone,
			Website: owner.CompanyWebsite,
		}
	}

	now := d.now()
	html := mailutil.RenderMergeFields(tpl.HTMLContent, mc, now)
	text := mailutil.RenderMergeFields(tpl.TextContent, mc, now)
	subject = mailutil.RenderMergeFields(subject, mc, now)
	html += mailutil.BuildFooter(signature, company, d.unsubscribeURL, row.ID.String(), row.RecipientEmail)

	return &builtMessage{
		fromEmail:    fromEmail,
		fromName:     fromName,
		replyTo:      fromEmail,
		subject:      subject,
		html:         html,
		text:         text,
		senderDomain: senderDomain,
	}, nil
}

func (d *Dispatcher) cancelRow(ctx context.Context, row *store.ScheduledEmail, reason string, result *Result) {
	if err := d.store.CancelScheduled(ctx, row.ID, reason); err != nil {
		log.Printf("[Dispatcher] Cancel %s: %v", row.ID, err)
	}
	result.Cancelled++
}

// retryOrFail returns the row to Pending while attempts remain, otherwise
// fails it terminally. The next dispatch tick is the retry delay.
func (d *Dispatcher) retryOrFail(ctx context.Context, row *store.ScheduledEmail, errMsg string, result *Result) {
	log.Printf("[Dispatcher] Row %s attempt %d/%d failed: %s", row.ID, row.Attempts, row.MaxAttempts, errMsg)
	if row.Attempts < row.MaxAttempts {
		if err := d.store.ReturnScheduledToPending(ctx, row.ID, errMsg); err != nil {
			log.Printf("[Dispatcher] Return to pending %s: %v", row.ID, err)
		}
		result.Retried++
		return
	}
	if err := d.store.FailScheduled(ctx, row.ID, errMsg); err != nil {
		log.Printf("[Dispatcher] Fail %s: %v", row.ID, err)
	}
	result.Failed++
}

func automationIDString(row *store.ScheduledEmail) string {
	if row.AutomationID == nil {
		return ""
	}
	return row.AutomationID.String()
}
