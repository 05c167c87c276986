// Package verifier re-qualifies scheduled emails in the 24 hours before
// their send time. Conditions that held at refresh time can rot: policies
// get cancelled, accounts opt out, addresses unsubscribe.
package verifier

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/insurgrid/email-engine/internal/mailutil"
	"github.com/insurgrid/email-engine/internal/store"
)

const recencyWindow = 7 * 24 * time.Hour

// Verifier runs the 24-hour pre-send checks.
type Verifier struct {
	store     *store.Store
	batchSize int
	now       func() time.Time
}

// New builds a verifier. batchSize caps rows per run; zero means 100.
func New(st *store.Store, batchSize int) *Verifier {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Verifier{store: st, batchSize: batchSize, now: time.Now}
}

// Result summarizes one verification run.
type Result struct {
	Checked   int
	Verified  int
	Cancelled int
}

// Run verifies the due batch, oldest first. Each row ends Verified or
// Cancelled; a row-level datastore error leaves the row for the next run.
func (v *Verifier) Run(ctx context.Context) (*Result, error) {
	now := v.now().UTC()
	due, err := v.store.ListDueForVerification(ctx, now, v.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list due for verification: %w", err)
	}

	result := &Result{}
	for i := range due {
		row := &due[i]
		result.Checked++

		reason, err := v.check(ctx, row, now)
		if err != nil {
			log.Printf("[Verifier] Row %s check failed, retrying next run: %v", row.ID, err)
			continue
		}
		if reason == "" {
			if err := v.store.MarkVerified(ctx, row.ID); err != nil {
				log.Printf("[Verifier] Mark verified %s: %v", row.ID, err)
				continue
			}
			result.Verified++
		} else {
			if err := v.store.CancelScheduled(ctx, row.ID, reason); err != nil {
				log.Printf("[Verifier] Cancel %s: %v", row.ID, err)
				continue
			}
			log.Printf("[Verifier] Cancelled %s: %s", row.ID, reason)
			result.Cancelled++
		}
	}
	log.Printf("[Verifier] Run complete: %d checked, %d verified, %d cancelled",
		result.Checked, result.Verified, result.Cancelled)
	return result, nil
}

// check returns "" when the row still qualifies, otherwise the human-readable
// cancellation reason.
func (v *Verifier) check(ctx context.Context, row *store.ScheduledEmail, now time.Time) (string, error) {
	if row.AutomationID != nil {
		active, err := v.store.IsAutomationActive(ctx, *row.AutomationID)
		if err != nil {
			return "", err
		}
		if !active {
			return "Automation is no longer active", nil
		}
	}

	account, err := v.store.GetAccount(ctx, row.AccountID)
	if err != nil {
		return "", err
	}
	if account == nil {
		return "Account no longer exists", nil
	}
	if account.OptedOut {
		return "Account has opted out of emails", nil
	}

	if !mailutil.IsValidEmail(row.RecipientEmail) {
		return "Recipient email address is invalid", nil
	}

	unsubscribed, err := v.store.IsUnsubscribed(ctx, row.RecipientEmail)
	if err != nil {
		return "", err
	}
	if unsubscribed {
		return "Recipient has unsubscribed", nil
	}

	if row.TriggerField == store.TriggerPolicyExpiration || row.TriggerField == store.TriggerPolicyEffective {
		qualDate, err := time.Parse("2006-01-02", row.QualificationValue)
		if err != nil {
			return "Qualification date is malformed: " + row.QualificationValue, nil
		}
		hasPolicy, err := v.store.HasActivePolicyOnDate(ctx, row.AccountID, row.TriggerField, qualDate)
		if err != nil {
			return "", err
		}
		if !hasPolicy {
			return fmt.Sprintf("No active policy with %s on %s", row.TriggerField, row.QualificationValue), nil
		}
	}

	recent, err := v.store.HasRecentSend(ctx, row.TemplateID, row.RecipientEmail, now.Add(-recencyWindow))
	if err != nil {
		return "", err
	}
	if recent {
		return "Template already sent to this recipient within 7 days", nil
	}

	return "", nil
}
