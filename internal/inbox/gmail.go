package inbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/insurgrid/email-engine/internal/store"
)

// injectGmail inserts the reply as an RFC-822 message directly into the
// owner's inbox, unread, dated from the message's own Date header.
func (i *Injector) injectGmail(ctx context.Context, accessToken string, reply *store.EmailReply) error {
	raw := buildRFC822(reply)

	payload, err := json.Marshal(map[string]interface{}{
		"raw":      base64.URLEncoding.EncodeToString([]byte(raw)),
		"labelIds": []string{"INBOX", "UNREAD"},
	})
	if err != nil {
		return err
	}

	url := i.gmailBaseURL + "/users/me/messages?internalDateSource=dateHeader"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gmail insert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("gmail insert returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// buildRFC822 renders the reply as a minimal HTML email from the contact.
func buildRFC822(reply *store.EmailReply) string {
	body := reply.BodyHTML
	if body == "" {
		body = "<pre>" + reply.BodyText + "</pre>"
	}
	from := reply.FromEmail
	if reply.FromName != "" {
		from = fmt.Sprintf("%q <%s>", reply.FromName, reply.FromEmail)
	}

	date := reply.ReceivedAt
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	b.WriteString("To: me\r\n")
	fmt.Fprintf(&b, "Subject: %s\r\n", reply.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	fmt.Fprintf(&b, "Reply-To: %s\r\n", from)
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}
