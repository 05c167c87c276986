// Package oauth holds the provider adapters for mailbox connections. The
// adapters are stateless: token storage and encryption belong to the caller.
package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/insurgrid/email-engine/internal/config"
)

// Token is the provider-neutral grant shape handed back to the caller.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// UserInfo identifies the mailbox the grant belongs to.
type UserInfo struct {
	ProviderUserID string
	Email          string
}

// Adapter is the common provider contract. Revoke is best-effort; callers
// ignore its error.
type Adapter interface {
	Provider() string
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*Token, error)
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
	UserInfo(ctx context.Context, accessToken string) (*UserInfo, error)
	Revoke(ctx context.Context, accessToken string) error
}

// State is the opaque blob round-tripped through the provider's consent
// screen. RedirectAfter is a frontend path, not a full URL.
type State struct {
	OwnerID       string `json:"owner_id"`
	RedirectAfter string `json:"redirect_after"`
}

// EncodeState serializes the state for the authorization URL.
func EncodeState(s State) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// DecodeState parses and validates a callback state parameter.
func DecodeState(raw string) (*State, error) {
	data, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	if s.OwnerID == "" {
		return nil, fmt.Errorf("state missing owner id")
	}
	return &s, nil
}

// RedirectURI builds the path-based callback URL for a provider.
func RedirectURI(baseURL, provider string) string {
	return baseURL + "/email-oauth/" + provider + "/callback"
}

// NewAdapter returns the adapter for the named provider.
func NewAdapter(provider, baseURL string, cfg *config.Config) (Adapter, error) {
	switch provider {
	case "gmail", "google":
		return NewGoogle(cfg.Google, RedirectURI(baseURL, "gmail")), nil
	case "microsoft":
		return NewMicrosoft(cfg.Microsoft, RedirectURI(baseURL, "microsoft")), nil
	}
	return nil, fmt.Errorf("unknown oauth provider: %s", provider)
}

func fromOAuth2Token(t *oauth2.Token) *Token {
	return &Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    t.Expiry,
	}
}
