// Package sendgrid wraps the v3 mail send and address validation APIs.
package sendgrid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Client talks to the SendGrid v3 API. An empty API key puts the client in
// dry-run mode: sends are logged and a synthetic message id is returned so
// the full state machine still runs outside production.
type Client struct {
	apiKey        string
	validationKey string
	baseURL       string
	httpClient    *http.Client
}

// New builds a client. baseURL defaults to the public API host.
func New(apiKey, validationKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://api.sendgrid.com/v3"
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:        apiKey,
		validationKey: validationKey,
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

// DryRun reports whether the client has no API key and will fake sends.
func (c *Client) DryRun() bool {
	return c.apiKey == ""
}

// Address is a name/email pair.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// SendRequest is one outbound message.
type SendRequest struct {
	To          Address
	From        Address
	ReplyTo     Address
	Subject     string
	TextContent string
	HTMLContent string
	MessageID   string
	Categories  []string
	CustomArgs  map[string]string
}

type personalization struct {
	To         []Address         `json:"to"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type content struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type trackingSettings struct {
	ClickTracking struct {
		Enable     bool `json:"enable"`
		EnableText bool `json:"enable_text"`
	} `json:"click_tracking"`
	OpenTracking struct {
		Enable bool `json:"enable"`
	} `json:"open_tracking"`
}

type mailSendPayload struct {
	Personalizations []personalization `json:"personalizations"`
	From             Address           `json:"from"`
	ReplyTo          *Address          `json:"reply_to,omitempty"`
	Subject          string            `json:"subject"`
	Content          []content         `json:"content"`
	Headers          map[string]string `json:"headers,omitempty"`
	TrackingSettings trackingSettings  `json:"tracking_settings"`
	Categories       []string          `json:"categories,omitempty"`
}

// Send posts one message. Returns the provider message id from the
// X-Message-Id response header, or a synthetic id in dry-run mode.
func (c *Client) Send(ctx context.Context, req SendRequest) (string, error) {
	if c.DryRun() {
		syntheticID := "dry-run-" + uuid.New().String()
		log.Printf("[SendGrid] Dry run: would send %q to %s (message id %s)",
			req.Subject, req.To.Email, syntheticID)
		return syntheticID, nil
	}

	payload := mailSendPayload{
		Personalizations: []personalization{{
			To:         []Address{req.To},
			CustomArgs: req.CustomArgs,
		}},
		From:       req.From,
		Subject:    req.Subject,
		Categories: req.Categories,
	}
	if req.ReplyTo.Email != "" {
		payload.ReplyTo = &req.ReplyTo
	}
	if req.TextContent != "" {
		payload.Content = append(payload.Content, content{Type: "text/plain", Value: req.TextContent})
	}
	if req.HTMLContent != "" {
		payload.Content = append(payload.Content, content{Type: "text/html", Value: req.HTMLContent})
	}
	if req.MessageID != "" {
		payload.Headers = map[string]string{"Message-ID": req.MessageID}
	}
	payload.TrackingSettings.ClickTracking.Enable = true
	payload.TrackingSettings.ClickTracking.EnableText = false
	payload.TrackingSettings.OpenTracking.Enable = true

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal send payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mail/send", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sendgrid request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("sendgrid returned %d: %s", resp.StatusCode, string(respBody))
	}

	messageID := resp.Header.Get("X-Message-Id")
	if messageID == "" {
		messageID = "sg-" + uuid.New().String()
	}
	return messageID, nil
}
