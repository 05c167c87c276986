// Package inbox writes correlated replies into the owner's real mailbox via
// Gmail or Microsoft Graph, falling back to a plain forward through the
// outbound mail provider when no usable connection exists.
package inbox

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/insurgrid/email-engine/internal/crypto"
	"github.com/insurgrid/email-engine/internal/oauth"
	"github.com/insurgrid/email-engine/internal/pkg/httpretry"
	"github.com/insurgrid/email-engine/internal/sendgrid"
	"github.com/insurgrid/email-engine/internal/store"
)

const (
	defaultGmailBaseURL = "https://gmail.googleapis.com/gmail/v1"
	defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

	fallbackProvider = "sendgrid_fallback"
)

// Injector delivers replies into owner mailboxes.
type Injector struct {
	store         *store.Store
	vault         *crypto.Vault
	adapters      map[string]oauth.Adapter
	mail          *sendgrid.Client
	defaultDomain string

	gmailBaseURL string
	graphBaseURL string
	httpClient   httpretry.HTTPDoer
	now          func() time.Time
}

// New builds an injector. adapters is keyed by provider name; a missing
// adapter just forces the fallback path for that provider.
func New(st *store.Store, vault *crypto.Vault, adapters map[string]oauth.Adapter, mail *sendgrid.Client, defaultDomain string) *Injector {
	return &Injector{
		store:         st,
		vault:         vault,
		adapters:      adapters,
		mail:          mail,
		defaultDomain: defaultDomain,
		gmailBaseURL:  defaultGmailBaseURL,
		graphBaseURL:  defaultGraphBaseURL,
		httpClient:    httpretry.NewRetryClient(nil, 2),
		now:           time.Now,
	}
}

// Inject writes the reply into the owner's inbox, best effort. The outcome
// lands on the reply row either way.
func (i *Injector) Inject(ctx context.Context, reply *store.EmailReply) error {
	conn, err := i.store.GetActiveConnection(ctx, reply.OwnerID)
	if err != nil {
		return fmt.Errorf("load connection: %w", err)
	}
	if conn == nil {
		log.Printf("[Inbox] Owner %s has no active connection, using fallback", reply.OwnerID)
		return i.fallback(ctx, reply)
	}

	accessToken, err := i.usableAccessToken(ctx, conn)
	if err != nil {
		log.Printf("[Inbox] Owner %s token unusable (%v), using fallback", reply.OwnerID, err)
		return i.fallback(ctx, reply)
	}

	switch conn.Provider {
	case store.ProviderGmail:
		err = i.injectGmail(ctx, accessToken, reply)
	case store.ProviderMicrosoft:
		err = i.injectGraph(ctx, accessToken, reply)
	default:
		err = fmt.Errorf("unknown provider %q", conn.Provider)
	}
	if err != nil {
		log.Printf("[Inbox] Injection via %s failed (%v), using fallback", conn.Provider, err)
		return i.fallback(ctx, reply)
	}

	if err := i.store.TouchConnectionUsed(ctx, conn.ID); err != nil {
		log.Printf("[Inbox] Touch connection %s: %v", conn.ID, err)
	}
	return i.markInjected(ctx, reply, conn.Provider)
}

// usableAccessToken decrypts the stored token, refreshing it first when
// expired. A failed refresh flips the connection to expired.
func (i *Injector) usableAccessToken(ctx context.Context, conn *store.ProviderConnection) (string, error) {
	accessToken, err := i.vault.Decrypt(conn.AccessTokenEncrypted)
	if err != nil {
		return "", fmt.Errorf("decrypt access token: %w", err)
	}
	if conn.TokenExpiresAt.After(i.now()) {
		return accessToken, nil
	}

	adapter, ok := i.adapters[conn.Provider]
	if !ok {
		return "", fmt.Errorf("no oauth adapter for %s", conn.Provider)
	}
	refreshToken, err := i.vault.Decrypt(conn.RefreshTokenEncrypted)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}

	refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	tok, err := adapter.Refresh(refreshCtx, refreshToken)
	if err != nil {
		if markErr := i.store.MarkConnectionExpired(ctx, conn.ID, err.Error()); markErr != nil {
			log.Printf("[Inbox] Mark connection expired %s: %v", conn.ID, markErr)
		}
		return "", fmt.Errorf("refresh: %w", err)
	}

	accessEnc, err := i.vault.Encrypt(tok.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypt refreshed token: %w", err)
	}
	refreshEnc := ""
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		if refreshEnc, err = i.vault.Encrypt(tok.RefreshToken); err != nil {
			return "", fmt.Errorf("encrypt rotated refresh token: %w", err)
		}
	}
	if err := i.store.UpdateConnectionTokens(ctx, conn.ID, accessEnc, refreshEnc, tok.ExpiresAt); err != nil {
		log.Printf("[Inbox] Persist refreshed tokens %s: %v", conn.ID, err)
	}
	return tok.AccessToken, nil
}

// fallback forwards the reply through the outbound provider from the
// owner's replies@ address, with Reply-To pointed at the contact.
func (i *Injector) fallback(ctx context.Context, reply *store.EmailReply) error {
	owner, err := i.store.GetOwner(ctx, reply.OwnerID)
	if err != nil || owner == nil {
		return i.recordFailure(ctx, reply, fmt.Sprintf("fallback: owner lookup failed: %v", err))
	}
	if owner.Email == "" {
		return i.recordFailure(ctx, reply, "fallback: owner has no registered email")
	}

	domain, err := i.store.GetVerifiedDomain(ctx, reply.OwnerID)
	if err != nil || domain == "" {
		domain = i.defaultDomain
	}

	subject := reply.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	body := forwardBody(reply)
	_, err = i.mail.Send(ctx, sendgrid.SendRequest{
		To:          sendgrid.Address{Email: owner.Email, Name: owner.Name},
		From:        sendgrid.Address{Email: "replies@" + domain, Name: senderDisplay(reply)},
		ReplyTo:     sendgrid.Address{Email: reply.FromEmail, Name: reply.FromName},
		Subject:     subject,
		HTMLContent: body,
		Categories:  []string{"reply-forward"},
	})
	if err != nil {
		return i.recordFailure(ctx, reply, "fallback send: "+err.Error())
	}
	return i.markInjected(ctx, reply, fallbackProvider)
}

func (i *Injector) markInjected(ctx context.Context, reply *store.EmailReply, provider string) error {
	reply.InboxInjected = true
	reply.InboxInjectionProvider = provider
	return i.store.MarkReplyInjected(ctx, reply.ID, provider)
}

func (i *Injector) recordFailure(ctx context.Context, reply *store.EmailReply, msg string) error {
	log.Printf("[Inbox] Reply %s not injected: %s", reply.ID, msg)
	reply.InboxInjectionError = msg
	if err := i.store.MarkReplyInjectionFailed(ctx, reply.ID, msg); err != nil {
		return err
	}
	return fmt.Errorf("%s", msg)
}

func senderDisplay(reply *store.EmailReply) string {
	if reply.FromName != "" {
		return reply.FromName + " (via reply forward)"
	}
	return reply.FromEmail + " (via reply forward)"
}

// forwardBody quotes the reply under a banner identifying the true sender.
func forwardBody(reply *store.EmailReply) string {
	content := reply.BodyHTML
	if content == "" {
		content = "<pre>" + reply.BodyText + "</pre>"
	}
	var b strings.Builder
	b.WriteString(`<div style="padding:8px 12px;background:#f2f6ff;border-left:4px solid #3b6fd4;margin-bottom:12px;">`)
	b.WriteString("Reply from <strong>")
	if reply.FromName != "" {
		b.WriteString(reply.FromName)
		b.WriteString("</strong> &lt;")
		b.WriteString(reply.FromEmail)
		b.WriteString("&gt;")
	} else {
		b.WriteString(reply.FromEmail)
		b.WriteString("</strong>")
	}
	b.WriteString(". Reply to this email to respond directly.")
	b.WriteString("</div>")
	b.WriteString(content)
	return b.String()
}
