// Package inbound turns inbound-parse webhook payloads into stored replies,
// correlating each to the outbound send that provoked it.
package inbound

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/insurgrid/email-engine/internal/mailutil"
	"github.com/insurgrid/email-engine/internal/pkg/logger"
	"github.com/insurgrid/email-engine/internal/store"
)

// Message is the parsed inbound-parse form payload.
type Message struct {
	To         string
	From       string
	Subject    string
	Text       string
	HTML       string
	RawHeaders string
	RawMIME    string // the "email" field, full MIME fallback
}

// Result reports what became of one inbound message.
type Result struct {
	Reply      *store.EmailReply
	Correlated bool // an owner was resolved and the reply stored
}

// Processor correlates and stores inbound replies.
type Processor struct {
	store *store.Store
	now   func() time.Time
}

// NewProcessor builds an inbound processor.
func NewProcessor(st *store.Store) *Processor {
	return &Processor{store: st, now: time.Now}
}

var (
	plusAddressRegex = regexp.MustCompile(`(?i)reply-(\d+)@`)
	embeddedIDRegex  = regexp.MustCompile(`<isg-(\d+)-\d+@`)
)

// Process correlates the message and stores the reply. Correlated reports
// whether an owner was resolved; when false nothing is stored and the
// webhook should still answer 200.
func (p *Processor) Process(ctx context.Context, msg Message) (*Result, error) {
	headers := mailutil.ParseRawHeaders(msg.RawHeaders)
	if len(headers) == 0 && msg.RawMIME != "" {
		headers = mailutil.ParseRawHeaders(msg.RawMIME)
	}
	inReplyTo := headers["in-reply-to"]

	fromName, fromEmail := mailutil.ParseAddress(msg.From)
	_, toEmail := mailutil.ParseAddress(msg.To)

	emailLog, ownerID, err := p.correlate(ctx, toEmail, inReplyTo)
	if err != nil {
		return nil, err
	}
	if emailLog == nil && ownerID == nil {
		log.Printf("[Inbound] No owner resolved for reply to %s, dropping", logger.RedactEmail(toEmail))
		return &Result{Correlated: false}, nil
	}

	body := mailutil.ExtractBody(msg.Text, msg.HTML, msg.RawMIME)

	reply := &store.EmailReply{
		FromEmail:        fromEmail,
		FromName:         fromName,
		ToEmail:          toEmail,
		Subject:          msg.Subject,
		BodyText:         body.Text,
		BodyHTML:         body.HTML,
		InReplyTo:        inReplyTo,
		ReferencesHeader: headers["references"],
		RawHeaders:       headers,
		ReceivedAt:       p.now().UTC(),
	}

	if emailLog != nil {
		reply.OwnerID = emailLog.OwnerID
		reply.EmailLogID = &emailLog.ID
		reply.AccountID = &emailLog.AccountID
		reply.ExpectedSenderEmail = emailLog.ToEmail
		reply.SenderVerified, reply.VerificationNotes = verifySender(fromEmail, emailLog.ToEmail)
	} else {
		reply.OwnerID = *ownerID
		reply.VerificationNotes = "No originating send found; matched by inbound domain"
	}

	if err := p.store.InsertReply(ctx, reply); err != nil {
		return nil, fmt.Errorf("store reply: %w", err)
	}
	return &Result{Reply: reply, Correlated: true}, nil
}

// correlate resolves the reply to an EmailLog, or failing that to an owner
// via the inbound-parse domain.
func (p *Processor) correlate(ctx context.Context, toEmail, inReplyTo string) (*store.EmailLog, *uuid.UUID, error) {
	if m := plusAddressRegex.FindStringSubmatch(toEmail); m != nil {
		if id, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			emailLog, err := p.store.GetLogByID(ctx, id)
			if err != nil {
				return nil, nil, err
			}
			if emailLog != nil {
				return emailLog, nil, nil
			}
		}
	}

	if inReplyTo != "" {
		emailLog, err := p.store.GetLogByCustomMessageID(ctx, strings.TrimSpace(inReplyTo))
		if err != nil {
			return nil, nil, err
		}
		if emailLog != nil {
			return emailLog, nil, nil
		}

		if m := embeddedIDRegex.FindStringSubmatch(inReplyTo); m != nil {
			if id, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				emailLog, err := p.store.GetLogByID(ctx, id)
				if err != nil {
					return nil, nil, err
				}
				if emailLog != nil {
					return emailLog, nil, nil
				}
			}
		}
	}

	domain := mailutil.EmailDomain(toEmail)
	if domain != "" {
		ownerID, err := p.store.FindInboundDomainOwner(ctx, domain)
		if err != nil {
			return nil, nil, err
		}
		if ownerID != nil {
			return nil, ownerID, nil
		}
	}

	return nil, nil, nil
}

// verifySender compares the reply sender against the original recipient.
func verifySender(fromEmail, expectedEmail string) (bool, string) {
	from := strings.ToLower(strings.TrimSpace(fromEmail))
	expected := strings.ToLower(strings.TrimSpace(expectedEmail))

	if from == expected {
		return true, "Exact email match"
	}
	if mailutil.EmailDomain(from) != "" && mailutil.EmailDomain(from) == mailutil.EmailDomain(expected) {
		return false, "Domain matches but address differs from original recipient"
	}
	return false, "Sender does not match original recipient"
}
