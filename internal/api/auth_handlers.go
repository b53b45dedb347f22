package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/fuomag9/indieauth/internal/indieauth"
)

// HandleAuthorize validates an authorization request and redirects to the next step
func HandleAuthorize(svc *indieauth.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		req := indieauth.AuthorizationRequest{
			ResponseType:        q.Get("response_type"),
			ClientID:            q.Get("client_id"),
			RedirectURI:         q.Get("redirect_uri"),
			State:               q.Get("state"),
			CodeChallenge:       q.Get("code_challenge"),
			CodeChallengeMethod: q.Get("code_challenge_method"),
			Scope:               q.Get("scope"),
			Me:                  q.Get("me"),
		}

		result, err := svc.Authorize(r.Context(), req)
		if err != nil {
			redirectOrRender(w, r, logger, svc.Issuer(), err)
			return
		}

		http.Redirect(w, r, result.RedirectURL, http.StatusFound)
	}
}

// HandleProfileCode redeems an authorization code for the profile URL only
func HandleProfileCode(svc *indieauth.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := parseForm(w, r); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: string(indieauth.CodeInvalidRequest), ErrorDescription: "malformed form body"})
			return
		}

		if gt := r.PostForm.Get("grant_type"); gt != "" && gt != indieauth.GrantAuthorizationCode {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: string(indieauth.CodeUnsupportedGrantType), ErrorDescription: "only authorization_code is accepted here"})
			return
		}

		resp, err := svc.VerifyProfileCode(r.Context(), codeRequestFromForm(r))
		if err != nil {
			writeError(w, logger, err)
			return
		}

		writeTokenJSON(w, resp)
	}
}

// HandleCallback receives the identity provider's redirect
func HandleCallback(svc *indieauth.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		consentURL, err := svc.HandleCallback(r.Context(), indieauth.CallbackRequest{
			State:            q.Get("state"),
			Code:             q.Get("code"),
			Error:            q.Get("error"),
			ErrorDescription: q.Get("error_description"),
		})
		if err != nil {
			redirectOrRender(w, r, logger, svc.Issuer(), err)
			return
		}

		http.Redirect(w, r, consentURL, http.StatusFound)
	}
}

// HandleMetadata serves the authorization server metadata document
func HandleMetadata(svc *indieauth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		writeJSON(w, http.StatusOK, svc.Metadata())
	}
}

func codeRequestFromForm(r *http.Request) indieauth.CodeRequest {
	return indieauth.CodeRequest{
		Code:         r.PostForm.Get("code"),
		ClientID:     r.PostForm.Get("client_id"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
	}
}
