package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insurgrid/email-engine/internal/crypto"
	"github.com/insurgrid/email-engine/internal/dispatcher"
	"github.com/insurgrid/email-engine/internal/events"
	"github.com/insurgrid/email-engine/internal/inbound"
	"github.com/insurgrid/email-engine/internal/inbox"
	"github.com/insurgrid/email-engine/internal/oauth"
	"github.com/insurgrid/email-engine/internal/scheduler"
	"github.com/insurgrid/email-engine/internal/sendgrid"
	"github.com/insurgrid/email-engine/internal/store"
	"github.com/insurgrid/email-engine/internal/verifier"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type stubAdapter struct {
	provider string
	token    *oauth.Token
	info     *oauth.UserInfo
	err      error
}

func (a *stubAdapter) Provider() string            { return a.provider }
func (a *stubAdapter) AuthURL(state string) string { return "https://consent.example/auth?state=" + state }
func (a *stubAdapter) Exchange(ctx context.Context, code string) (*oauth.Token, error) {
	return a.token, a.err
}
func (a *stubAdapter) Refresh(ctx context.Context, refreshToken string) (*oauth.Token, error) {
	return a.token, a.err
}
func (a *stubAdapter) UserInfo(ctx context.Context, accessToken string) (*oauth.UserInfo, error) {
	return a.info, nil
}
func (a *stubAdapter) Revoke(ctx context.Context, accessToken string) error { return nil }

func newTestRouter(t *testing.T, adapters map[string]oauth.Adapter) (http.Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	vault, err := crypto.NewVault(testKeyHex)
	require.NoError(t, err)
	mail := sendgrid.New("", "", "", 0)

	h := NewHandlers(st, db,
		scheduler.New(st),
		verifier.New(st, 0),
		dispatcher.New(st, mail, nil, 0, "https://app.example.com/unsubscribe"),
		nil,
		events.NewProcessor(st),
		inbound.NewProcessor(st),
		inbox.New(st, vault, adapters, mail, "notifications.example.com"),
		vault, adapters, "https://app.example.com")
	return SetupRoutes(h, nil), mock
}

func TestHandleActionRejectsUnknownAction(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/email-engine/action",
		strings.NewReader(`{"action":"explode"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleActionActivateRequiresAutomationID(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/email-engine/action",
		strings.NewReader(`{"action":"activate"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleActionVerifyRunsBatch(t *testing.T) {
	router, mock := newTestRouter(t, nil)

	// Empty verification queue
	mock.ExpectQuery(`FROM scheduled_emails`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	req := httptest.NewRequest(http.MethodPost, "/api/email-engine/action",
		strings.NewReader(`{"action":"verify"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, true, out["success"])
	assert.Equal(t, float64(0), out["verified"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

// Malformed event payloads still answer 200 so the provider does not
// replay the batch forever.
func TestEventWebhookAlwaysReturns200(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sendgrid/events",
		strings.NewReader(`{"not":"an array"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, false, out["success"])
}

func TestEventWebhookProcessesBatch(t *testing.T) {
	router, mock := newTestRouter(t, nil)

	// deferred is log-only, no store access
	body := `[{"event":"deferred","sg_message_id":"abc.filter","email":"user@example.com","timestamp":1700000000}]`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sendgrid/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, true, out["success"])
	assert.Equal(t, float64(1), out["received"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInboundParseUncorrelatedStillAnswers200(t *testing.T) {
	router, mock := newTestRouter(t, nil)

	mock.ExpectQuery(`SELECT owner_id FROM sender_domains`).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}))

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	form.WriteField("to", "nobody@unknown.example.org")
	form.WriteField("from", "stranger@elsewhere.example.net")
	form.WriteField("subject", "hello")
	form.WriteField("text", "hi there")
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sendgrid/inbound", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, false, out["success"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOAuthConnectRedirectsToConsent(t *testing.T) {
	router, _ := newTestRouter(t, map[string]oauth.Adapter{
		"gmail": &stubAdapter{provider: "gmail"},
	})

	ownerID := uuid.New()
	req := httptest.NewRequest(http.MethodGet,
		"/email-oauth/gmail/connect?owner_id="+ownerID.String()+"&redirect_after=/settings", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "consent.example", loc.Host)

	state, err := oauth.DecodeState(loc.Query().Get("state"))
	require.NoError(t, err)
	assert.Equal(t, ownerID.String(), state.OwnerID)
	assert.Equal(t, "/settings", state.RedirectAfter)
}

func TestOAuthCallbackStoresConnectionAndRedirects(t *testing.T) {
	ownerID := uuid.New()
	adapter := &stubAdapter{
		provider: "gmail",
		token: &oauth.Token{
			AccessToken:  "at",
			RefreshToken: "rt",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
		info: &oauth.UserInfo{ProviderUserID: "g-123", Email: "owner@gmail.example.com"},
	}
	router, mock := newTestRouter(t, map[string]oauth.Adapter{"gmail": adapter})

	mock.ExpectExec(`INSERT INTO provider_connections`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	state, err := oauth.EncodeState(oauth.State{OwnerID: ownerID.String(), RedirectAfter: "/settings/email"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet,
		"/email-oauth/gmail/callback?code=authcode&state="+url.QueryEscape(state), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t,
		"https://app.example.com/settings/email?oauth=success&provider=gmail",
		rec.Header().Get("Location"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOAuthCallbackBadStateRedirectsWithError(t *testing.T) {
	router, _ := newTestRouter(t, map[string]oauth.Adapter{
		"gmail": &stubAdapter{provider: "gmail"},
	})

	req := httptest.NewRequest(http.MethodGet, "/email-oauth/gmail/callback?code=x&state=garbage", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "oauth=error")
	assert.Contains(t, rec.Header().Get("Location"), "invalid_state")
}

func TestHealthCheck(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "healthy", out["status"])
}
