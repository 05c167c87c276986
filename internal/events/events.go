// Package events processes provider engagement webhooks into EmailLog state.
// Status moves only forward along the delivery poset, so replaying or
// reordering webhook batches converges on the same final state.
package events

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/insurgrid/email-engine/internal/store"
)

// Event is one provider webhook entry.
type Event struct {
	Event       string `json:"event"`
	Timestamp   int64  `json:"timestamp"`
	SGMessageID string `json:"sg_message_id"`
	Email       string `json:"email"`
	Type        string `json:"type"`
	Reason      string `json:"reason"`
	URL         string `json:"url"`
	IP          string `json:"ip"`
	UserAgent   string `json:"useragent"`
}

// OccurredAt converts the epoch-seconds timestamp.
func (e Event) OccurredAt() time.Time {
	if e.Timestamp == 0 {
		return time.Now().UTC()
	}
	return time.Unix(e.Timestamp, 0).UTC()
}

// NormalizeMessageID strips the filter suffix the provider appends after the
// first dot of sg_message_id.
func NormalizeMessageID(id string) string {
	if idx := strings.Index(id, "."); idx >= 0 {
		return id[:idx]
	}
	return id
}

var statusRank = map[string]int{
	store.LogQueued:    0,
	store.LogSent:      1,
	store.LogDelivered: 2,
	store.LogOpened:    3,
	store.LogClicked:   4,
}

var terminalStatus = map[string]bool{
	store.LogBounced:      true,
	store.LogDropped:      true,
	store.LogSpamReport:   true,
	store.LogUnsubscribed: true,
	store.LogFailed:       true,
}

// Advance returns the status after applying candidate to current. Terminal
// states absorb; within the progression poset, only forward moves apply.
// Pure, so any permutation of a webhook batch converges.
func Advance(current, candidate string) string {
	if terminalStatus[current] {
		return current
	}
	if terminalStatus[candidate] {
		return candidate
	}
	if statusRank[candidate] > statusRank[current] {
		return candidate
	}
	return current
}

// Processor applies webhook batches to the store.
type Processor struct {
	store *store.Store
}

// NewProcessor builds an event processor.
func NewProcessor(st *store.Store) *Processor {
	return &Processor{store: st}
}

// ProcessBatch applies each event independently. Failures are logged, never
// returned: the webhook endpoint must answer 2xx regardless.
func (p *Processor) ProcessBatch(ctx context.Context, batch []Event) {
	for _, e := range batch {
		if err := p.processOne(ctx, e); err != nil {
			log.Printf("[Events] %s event for %s failed: %v", e.Event, e.SGMessageID, err)
		}
	}
}

func (p *Processor) processOne(ctx context.Context, e Event) error {
	if e.Event == "deferred" {
		log.Printf("[Events] Deferred delivery for %s: %s", e.SGMessageID, e.Reason)
		return nil
	}

	messageID := NormalizeMessageID(e.SGMessageID)
	if messageID == "" {
		log.Printf("[Events] %s event carries no sg_message_id, skipping", e.Event)
		return nil
	}

	emailLog, err := p.store.GetLogByMessageID(ctx, messageID)
	if err != nil {
		return err
	}
	if emailLog == nil {
		log.Printf("[Events] No log matches message id %s, skipping %s event", messageID, e.Event)
		return nil
	}

	ts := e.OccurredAt()
	recipient := e.Email
	if recipient == "" {
		recipient = emailLog.ToEmail
	}

	switch e.Event {
	case "delivered":
		return p.advanceStatus(ctx, emailLog, store.LogDelivered, "delivered_at", ts)

	case "open":
		if err := p.store.IncrementOpenCount(ctx, emailLog.ID, ts); err != nil {
			return err
		}
		return p.advanceStatus(ctx, emailLog, store.LogOpened, "", ts)

	case "click":
		if err := p.store.IncrementClickCount(ctx, emailLog.ID, ts); err != nil {
			return err
		}
		if err := p.store.InsertEmailEvent(ctx, &store.EmailEvent{
			EmailLogID: emailLog.ID,
			EventType:  "click",
			URL:        e.URL,
			IP:         e.IP,
			UserAgent:  e.UserAgent,
			OccurredAt: ts,
		}); err != nil {
			return err
		}
		return p.advanceStatus(ctx, emailLog, store.LogClicked, "", ts)

	case "bounce":
		if Advance(emailLog.Status, store.LogBounced) == store.LogBounced && emailLog.Status != store.LogBounced {
			if err := p.store.RecordBounce(ctx, emailLog.ID, e.Type, e.Reason, ts); err != nil {
				return err
			}
		}
		if e.Type == "bounce" {
			return p.store.AddSuppression(ctx, recipient, "hard_bounce")
		}
		return nil

	case "dropped":
		if Advance(emailLog.Status, store.LogDropped) == store.LogDropped && emailLog.Status != store.LogDropped {
			return p.store.MarkLogDropped(ctx, emailLog.ID, e.Reason)
		}
		return nil

	case "spamreport":
		if Advance(emailLog.Status, store.LogSpamReport) == store.LogSpamReport && emailLog.Status != store.LogSpamReport {
			if err := p.store.UpdateLogStatus(ctx, emailLog.ID, store.LogSpamReport, "", ts); err != nil {
				return err
			}
		}
		return p.store.AddSuppression(ctx, recipient, "spam_report")

	case "unsubscribe", "group_unsubscribe":
		if Advance(emailLog.Status, store.LogUnsubscribed) == store.LogUnsubscribed && emailLog.Status != store.LogUnsubscribed {
			if err := p.store.UpdateLogStatus(ctx, emailLog.ID, store.LogUnsubscribed, "unsubscribed_at", ts); err != nil {
				return err
			}
		}
		if err := p.store.AddUnsubscribe(ctx, recipient, e.Event); err != nil {
			return err
		}
		return p.store.OptOutAccountsByEmail(ctx, recipient)

	case "processed":
		return nil
	}

	log.Printf("[Events] Unknown event type %q, skipping", e.Event)
	return nil
}

// advanceStatus persists a poset move when one applies.
func (p *Processor) advanceStatus(ctx context.Context, emailLog *store.EmailLog, candidate, tsColumn string, ts time.Time) error {
	next := Advance(emailLog.Status, candidate)
	if next == emailLog.Status {
		return nil
	}
	emailLog.Status = next
	return p.store.UpdateLogStatus(ctx, emailLog.ID, next, tsColumn, ts)
}
