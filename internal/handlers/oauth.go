package handlers

import (
	"errors"
	"net/http"

	"runningcoach-garmin-sync/internal/oauth"
)

// HandleOAuthConnect starts the Garmin authorization flow for a user and
// returns the consent URL the client should open
func (h *Handlers) HandleOAuthConnect(w http.ResponseWriter, r *http.Request) {
	if !h.requireInternalAuth(w, r) {
		return
	}

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "userId is required")
		return
	}

	authURL, err := h.oauth.GenerateAuthURL(userID)
	if err != nil {
		h.logger.Error("failed to generate auth url", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to start authorization")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"authorizeUrl": authURL})
}

// HandleOAuthCallback finishes the flow when Garmin redirects back
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errCode := query.Get("error"); errCode != "" {
		h.logger.Warn("authorization denied at consent screen", "error", errCode)
		writeError(w, http.StatusBadRequest, "authorization_denied", "the authorization was not granted")
		return
	}

	state := query.Get("state")
	code := query.Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "state and code are required")
		return
	}

	userID, err := h.oauth.HandleCallback(r.Context(), state, code)
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidState) {
			writeError(w, http.StatusBadRequest, "invalid_state", "unknown or expired authorization attempt")
			return
		}
		h.logger.Error("oauth callback failed", "error", err)
		writeError(w, http.StatusBadGateway, "exchange_failed", "could not complete the Garmin authorization")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connected": true,
		"userId":    userID,
	})
}

// HandleOAuthRevoke disconnects a user's Garmin account. Local
// disconnection always succeeds; the upstream revoke is best-effort
func (h *Handlers) HandleOAuthRevoke(w http.ResponseWriter, r *http.Request) {
	if !h.requireInternalAuth(w, r) {
		return
	}

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "userId is required")
		return
	}

	result, err := h.tokens.Revoke(r.Context(), userID)
	if err != nil {
		h.logger.Error("revoke failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to revoke connection")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{
		"revokedUpstream": result.RevokedUpstream,
		"hadStoredTokens": result.HadStoredTokens,
	})
}
