package sendgrid

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendBuildsV3Payload(t *testing.T) {
	var captured map[string]interface{}
	var auth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mail/send", r.URL.Path)
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.Header().Set("X-Message-Id", "msgid-123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New("sk-test", "", srv.URL, 5*time.Second)
	messageID, err := c.Send(context.Background(), SendRequest{
		To:          Address{Email: "to@example.com", Name: "To Name"},
		From:        Address{Email: "from@example.com", Name: "From Name"},
		ReplyTo:     Address{Email: "owner@example.com"},
		Subject:     "Hello",
		TextContent: "text body",
		HTMLContent: "<p>html body</p>",
		MessageID:   "<isg-42-1700000000000@example.com>",
		Categories:  []string{"automation"},
		CustomArgs: map[string]string{
			"email_log_id": "42",
			"owner_id":     "o-1",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "msgid-123", messageID)
	assert.Equal(t, "Bearer sk-test", auth)

	personalizations := captured["personalizations"].([]interface{})
	p := personalizations[0].(map[string]interface{})
	to := p["to"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "to@example.com", to["email"])

	customArgs := p["custom_args"].(map[string]interface{})
	assert.Equal(t, "42", customArgs["email_log_id"])

	headers := captured["headers"].(map[string]interface{})
	assert.Equal(t, "<isg-42-1700000000000@example.com>", headers["Message-ID"])

	replyTo := captured["reply_to"].(map[string]interface{})
	assert.Equal(t, "owner@example.com", replyTo["email"])

	contents := captured["content"].([]interface{})
	require.Len(t, contents, 2)
	assert.Equal(t, "text/plain", contents[0].(map[string]interface{})["type"])
	assert.Equal(t, "text/html", contents[1].(map[string]interface{})["type"])

	tracking := captured["tracking_settings"].(map[string]interface{})
	click := tracking["click_tracking"].(map[string]interface{})
	assert.Equal(t, true, click["enable"])
}

func TestSendSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errors":[{"message":"bad from address"}]}`))
	}))
	defer srv.Close()

	c := New("sk-test", "", srv.URL, 5*time.Second)
	_, err := c.Send(context.Background(), SendRequest{
		To:      Address{Email: "to@example.com"},
		From:    Address{Email: "bad"},
		Subject: "x",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "bad from address")
}

func TestDryRunReturnsSyntheticID(t *testing.T) {
	c := New("", "", "", 0)
	require.True(t, c.DryRun())

	messageID, err := c.Send(context.Background(), SendRequest{
		To:      Address{Email: "to@example.com"},
		From:    Address{Email: "from@example.com"},
		Subject: "Hello",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(messageID, "dry-run-"))
}

func TestSendSynthesizesMessageIDWhenHeaderMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New("sk-test", "", srv.URL, 5*time.Second)
	messageID, err := c.Send(context.Background(), SendRequest{
		To:      Address{Email: "to@example.com"},
		From:    Address{Email: "from@example.com"},
		Subject: "x",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(messageID, "sg-"))
}

func TestValidateAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/validations/email", r.URL.Path)
		require.Equal(t, "Bearer vk-test", r.Header.Get("Authorization"))
		w.Write([]byte(`{"result":{"email":"jane@example.com","verdict":"Valid","score":0.97,
			"checks":{"domain":{"has_valid_address_syntax":true,"has_mx_or_a_record":true,
			"is_suspected_disposable_address":false},
			"additional":{"has_known_bounces":false,"has_suspected_bounces":false}}}}`))
	}))
	defer srv.Close()

	c := New("sk", "vk-test", srv.URL, 5*time.Second)
	res, err := c.ValidateAddress(context.Background(), "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Valid", res.Verdict)
	assert.InDelta(t, 0.97, res.Score, 0.001)
	assert.Empty(t, res.Reason)
}

func TestValidateAddressRequiresKey(t *testing.T) {
	c := New("sk", "", "", 0)
	_, err := c.ValidateAddress(context.Background(), "x@example.com")
	assert.Error(t, err)
}

func TestValidateAddressReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"email":"x@nomx.test","verdict":"Invalid","score":0.01,
			"checks":{"domain":{"has_valid_address_syntax":true,"has_mx_or_a_record":false,
			"is_suspected_disposable_address":false},
			"additional":{"has_known_bounces":false,"has_suspected_bounces":false}}}}`))
	}))
	defer srv.Close()

	c := New("sk", "vk", srv.URL, 5*time.Second)
	res, err := c.ValidateAddress(context.Background(), "x@nomx.test")
	require.NoError(t, err)
	assert.Equal(t, "Invalid", res.Verdict)
	assert.Equal(t, "no MX or A record", res.Reason)
}
