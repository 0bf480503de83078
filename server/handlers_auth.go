package server

import (
	"errors"
	"net/http"

	"github.com/castforge/streammeta/credstore"
	"github.com/castforge/streammeta/kvstore"
	"github.com/castforge/streammeta/session"
)

// HandleTwitchAuthStart redirects the browser to the identity provider's
// authorize page. ?return_url= is persisted and echoed back after callback.
func (h *Handlers) HandleTwitchAuthStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	authURL, err := h.Twitch.BeginAuthorization(r.Context(), r.URL.Query().Get("return_url"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchAuthCallback completes the implicit flow. The fragment token
// never reaches the server in the redirect itself, so the dashboard posts it
// here together with the anti-forgery state.
func (h *Handlers) HandleTwitchAuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var in struct {
		AccessToken string `json:"access_token"`
		State       string `json:"state"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "access_token required")
		return
	}
	if err := h.Twitch.CompleteAuthorization(r.Context(), in.AccessToken, in.State); err != nil {
		status := http.StatusBadGateway
		var authErr *session.AuthError
		if errors.As(err, &authErr) {
			status = http.StatusUnauthorized
		}
		writeError(w, status, err.Error())
		return
	}
	returnURL, _, _ := h.KV.Get(r.Context(), kvstore.KeyAuthReturnURL)
	writeJSON(w, http.StatusOK, map[string]any{"state": h.Twitch.State(), "return_url": returnURL})
}

// HandleTwitchCredentials accepts an out-of-band credential entry. Fields
// omitted from the body are left unchanged.
func (h *Handlers) HandleTwitchCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var in struct {
		ClientID     *string `json:"client_id"`
		ClientSecret *string `json:"client_secret"`
		AccessToken  *string `json:"access_token"`
		RefreshToken *string `json:"refresh_token"`
		ExpiresAt    *int64  `json:"expires_at"`
		AccountID    *string `json:"account_id"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	err := h.Twitch.SetCredentials(r.Context(), session.Update{
		ClientID:     in.ClientID,
		ClientSecret: in.ClientSecret,
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		ExpiresAt:    in.ExpiresAt,
		AccountID:    in.AccountID,
	})
	if err != nil {
		var authErr *session.AuthError
		if errors.As(err, &authErr) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.Twitch.State())
}

// HandleBlueskyCredentials stores an identifier/app-password pair without
// opening a session; the next publish connects lazily.
func (h *Handlers) HandleBlueskyCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var in struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Identifier == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "identifier and password required")
		return
	}
	err := h.Creds.SaveBasic(r.Context(), kvstore.KeyBlueskyCredentials, credstore.BasicCredential{
		Identifier: in.Identifier,
		Secret:     in.Password,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleBlueskyLogin verifies the stored or supplied credential against the
// network immediately, surfacing a bad app password at save time instead of
// at the first publish.
func (h *Handlers) HandleBlueskyLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var in struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	var err error
	if in.Identifier != "" {
		err = h.Bluesky.Login(r.Context(), in.Identifier, in.Password)
	} else {
		err = h.Bluesky.EnsureSession(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.Bluesky.State())
}
