package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/insurgrid/email-engine/internal/store"
)

// injectGraph posts the reply into the owner's Outlook inbox. Graph will not
// honor an external from address, so the body opens with a banner naming the
// actual sender and replyTo points at the contact.
func (i *Injector) injectGraph(ctx context.Context, accessToken string, reply *store.EmailReply) error {
	body := reply.BodyHTML
	if body == "" {
		body = "<pre>" + reply.BodyText + "</pre>"
	}
	content := graphSenderBanner(reply) + body

	message := map[string]interface{}{
		"subject": reply.Subject,
		"body": map[string]string{
			"contentType": "HTML",
			"content":     content,
		},
		"replyTo": []map[string]map[string]string{{
			"emailAddress": {
				"address": reply.FromEmail,
				"name":    reply.FromName,
			},
		}},
		"isRead":  false,
		"isDraft": false,
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	url := i.graphBaseURL + "/me/mailFolders/inbox/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph insert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("graph insert returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func graphSenderBanner(reply *store.EmailReply) string {
	var b strings.Builder
	b.WriteString(`<div style="padding:8px 12px;background:#fff4e5;border-left:4px solid #e8a33d;margin-bottom:12px;">`)
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
	b.WriteString(". Use Reply to respond to them directly.")
	b.WriteString("</div>")
	return b.String()
}
