package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/insurgrid/email-engine/internal/config"
)

const graphMeURL = "https://graph.microsoft.com/v1.0/me"

// Microsoft is the Outlook/Graph adapter. Tokens are scoped to the tenant
// configured on the app registration; "common" covers multi-tenant apps.
type Microsoft struct {
	conf       *oauth2.Config
	httpClient *http.Client
}

// NewMicrosoft builds the Graph adapter against the tenant's endpoint.
func NewMicrosoft(app config.OAuthAppConfig, redirectURI string) *Microsoft {
	tenant := app.TenantID
	if tenant == "" {
		tenant = "common"
	}
	return &Microsoft{
		conf: &oauth2.Config{
			ClientID:     app.ClientID,
			ClientSecret: app.ClientSecret,
			RedirectURL:  redirectURI,
			Endpoint:     microsoft.AzureADEndpoint(tenant),
			Scopes: []string{
				"offline_access",
				"User.Read",
				"Mail.ReadWrite",
			},
		},
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (m *Microsoft) Provider() string { return "microsoft" }

func (m *Microsoft) AuthURL(state string) string {
	return m.conf.AuthCodeURL(state)
}

func (m *Microsoft) Exchange(ctx context.Context, code string) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	tok, err := m.conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("microsoft code exchange: %w", err)
	}
	return fromOAuth2Token(tok), nil
}

func (m *Microsoft) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	src := m.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("microsoft token refresh: %w", err)
	}
	return fromOAuth2Token(tok), nil
}

func (m *Microsoft) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, graphMeURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph me: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("graph me returned %d: %s", resp.StatusCode, string(body))
	}

	var info struct {
		ID                string `json:"id"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	email := info.Mail
	if email == "" {
		email = info.UserPrincipalName
	}
	return &UserInfo{ProviderUserID: info.ID, Email: email}, nil
}

// Revoke is a no-op: Microsoft has no token revocation endpoint for
// delegated grants; deleting the stored connection is the disconnect.
func (m *Microsoft) Revoke(ctx context.Context, accessToken string) error {
	return nil
}
