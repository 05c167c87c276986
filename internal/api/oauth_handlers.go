package api

import (
	"log"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/insurgrid/email-engine/internal/oauth"
	"github.com/insurgrid/email-engine/internal/pkg/httputil"
	"github.com/insurgrid/email-engine/internal/store"
)

// HandleOAuthConnect starts the provider consent flow. The owner id and the
// post-auth frontend path travel in the opaque state blob.
func (h *Handlers) HandleOAuthConnect(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	adapter, ok := h.adapters[provider]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown provider")
		return
	}

	ownerID := r.URL.Query().Get("owner_id")
	if _, err := uuid.Parse(ownerID); err != nil {
		respondError(w, http.StatusBadRequest, "owner_id must be a valid uuid")
		return
	}
	redirectAfter := r.URL.Query().Get("redirect_after")
	if redirectAfter == "" {
		redirectAfter = "/settings/email"
	}

	state, err := oauth.EncodeState(oauth.State{OwnerID: ownerID, RedirectAfter: redirectAfter})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to build state")
		return
	}

	http.Redirect(w, r, adapter.AuthURL(state), http.StatusFound)
}

// HandleOAuthCallback finishes the consent flow: exchanges the code, stores
// the encrypted tokens, and bounces back to the frontend. Every outcome
// redirects; the frontend reads oauth=success|error off the query string.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	adapter, ok := h.adapters[provider]
	if !ok {
		h.redirectOAuthError(w, r, "/settings/email", "unknown_provider")
		return
	}

	state, err := oauth.DecodeState(r.URL.Query().Get("state"))
	if err != nil {
		h.redirectOAuthError(w, r, "/settings/email", "invalid_state")
		return
	}
	ownerID, err := uuid.Parse(state.OwnerID)
	if err != nil {
		h.redirectOAuthError(w, r, state.RedirectAfter, "invalid_state")
		return
	}

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.redirectOAuthError(w, r, state.RedirectAfter, errParam)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		h.redirectOAuthError(w, r, state.RedirectAfter, "missing_code")
		return
	}

	ctx := r.Context()
	tok, err := adapter.Exchange(ctx, code)
	if err != nil {
		log.Printf("[OAuth] Exchange failed for %s: %v", provider, err)
		h.redirectOAuthError(w, r, state.RedirectAfter, "exchange_failed")
		return
	}

	info, err := adapter.UserInfo(ctx, tok.AccessToken)
	if err != nil {
		log.Printf("[OAuth] Userinfo failed for %s: %v", provider, err)
		h.redirectOAuthError(w, r, state.RedirectAfter, "userinfo_failed")
		return
	}

	accessEnc, err := h.vault.Encrypt(tok.AccessToken)
	if err != nil {
		h.redirectOAuthError(w, r, state.RedirectAfter, "token_storage_failed")
		return
	}
	refreshEnc := ""
	if tok.RefreshToken != "" {
		if refreshEnc, err = h.vault.Encrypt(tok.RefreshToken); err != nil {
			h.redirectOAuthError(w, r, state.RedirectAfter, "token_storage_failed")
			return
		}
	}

	conn := &store.ProviderConnection{
		OwnerID:               ownerID,
		Provider:              adapter.Provider(),
		AccessTokenEncrypted:  accessEnc,
		RefreshTokenEncrypted: refreshEnc,
		TokenExpiresAt:        tok.ExpiresAt,
		ProviderEmail:         info.Email,
		Status:                "active",
	}
	if err := h.store.UpsertConnection(ctx, conn); err != nil {
		log.Printf("[OAuth] Persist connection for owner %s: %v", ownerID, err)
		h.redirectOAuthError(w, r, state.RedirectAfter, "storage_failed")
		return
	}

	log.Printf("[OAuth] Owner %s connected %s (%s)", ownerID, provider, info.Email)
	target := h.frontendURL + state.RedirectAfter +
		"?oauth=success&provider=" + url.QueryEscape(provider)
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleOAuthDisconnect revokes (best effort) and deletes the connection.
func (h *Handlers) HandleOAuthDisconnect(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	adapter, ok := h.adapters[provider]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown provider")
		return
	}

	ownerID, err := uuid.Parse(r.URL.Query().Get("owner_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "owner_id must be a valid uuid")
		return
	}

	ctx := r.Context()
	if conn, err := h.store.GetActiveConnection(ctx, ownerID); err == nil && conn != nil && conn.Provider == provider {
		if accessToken, err := h.vault.Decrypt(conn.AccessTokenEncrypted); err == nil {
			if err := adapter.Revoke(ctx, accessToken); err != nil {
				log.Printf("[OAuth] Revoke %s for owner %s: %v", provider, ownerID, err)
			}
		}
	}

	if err := h.store.DeleteConnection(ctx, ownerID, provider); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete connection")
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handlers) redirectOAuthError(w http.ResponseWriter, r *http.Request, redirectAfter, errCode string) {
	if redirectAfter == "" {
		redirectAfter = "/settings/email"
	}
	target := h.frontendURL + redirectAfter + "?oauth=error&error=" + url.QueryEscape(errCode)
	http.Redirect(w, r, target, http.StatusFound)
}
