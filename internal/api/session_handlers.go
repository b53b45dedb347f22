package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fuomag9/indieauth/internal/indieauth"
)

// SelectProviderRequest is the body of POST /auth/sessions/{id}/provider. The account
// is named by the provider_profile_url of one of the session's discovered providers.
type SelectProviderRequest struct {
	ProviderProfileURL string `json:"provider_profile_url"`
}

// ConsentRequest is the body of POST /auth/sessions/{id}/consent
type ConsentRequest struct {
	Approve bool `json:"approve"`
}

// RedirectResponse tells the presentation layer where to send the browser next
type RedirectResponse struct {
	RedirectURL string `json:"redirect_url"`
}

// HandleGetSession returns what the selection and consent pages display
func HandleGetSession(svc *indieauth.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.GetSession(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, logger, err)
			return
		}

		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, view)
	}
}

// HandleSelectProvider records the provider chosen on the selection page
func HandleSelectProvider(svc *indieauth.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SelectProviderRequest
		if err := decodeJSON(w, r, &req); err != nil || req.ProviderProfileURL == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: string(indieauth.CodeInvalidRequest), ErrorDescription: "provider_profile_url is required"})
			return
		}

		redirectURL, err := svc.SelectProvider(r.Context(), chi.URLParam(r, "id"), req.ProviderProfileURL)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, RedirectResponse{RedirectURL: redirectURL})
	}
}

// HandleConsent records the user's approve or deny decision
func HandleConsent(svc *indieauth.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ConsentRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: string(indieauth.CodeInvalidRequest), ErrorDescription: "malformed JSON body"})
			return
		}

		redirectURL, err := svc.SubmitConsent(r.Context(), chi.URLParam(r, "id"), req.Approve)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, RedirectResponse{RedirectURL: redirectURL})
	}
}
