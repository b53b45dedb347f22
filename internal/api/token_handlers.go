package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fuomag9/indieauth/internal/indieauth"
)

// HandleToken dispatches the token endpoint by grant_type
func HandleToken(svc *indieauth.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := parseForm(w, r); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: string(indieauth.CodeInvalidRequest), ErrorDescription: "malformed form body"})
			return
		}

		var (
			resp *indieauth.TokenResponse
			err  error
		)
		switch gt := r.PostForm.Get("grant_type"); gt {
		case indieauth.GrantAuthorizationCode:
			resp, err = svc.ExchangeCode(r.Context(), codeRequestFromForm(r))
		case indieauth.GrantRefreshToken:
			resp, err = svc.Refresh(r.Context(), indieauth.RefreshRequest{
				RefreshToken: r.PostForm.Get("refresh_token"),
				ClientID:     r.PostForm.Get("client_id"),
			})
		case "":
			writeJSON(w, http.StatusBadRequest, errorBody{Error: string(indieauth.CodeInvalidRequest), ErrorDescription: "grant_type is required"})
			return
		default:
			logger.Debug("unsupported grant type", zap.String("grant_type", gt))
			writeJSON(w, http.StatusBadRequest, errorBody{Error: string(indieauth.CodeUnsupportedGrantType), ErrorDescription: "grant_type is not supported"})
			return
		}
		if err != nil {
			writeError(w, logger, err)
			return
		}

		writeTokenJSON(w, resp)
	}
}

// HandleIntrospect reports whether an access token is active. Callers authenticate
// with the shared introspection secret as a bearer token.
func HandleIntrospect(svc *indieauth.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := parseForm(w, r); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: string(indieauth.CodeInvalidRequest), ErrorDescription: "malformed form body"})
			return
		}

		resp, err := svc.Introspect(r.Context(), bearerToken(r), r.PostForm.Get("token"))
		if err != nil {
			writeError(w, logger, err)
			return
		}

		writeTokenJSON(w, resp)
	}
}

// HandleRevoke revokes a refresh token. The response is 200 whether or not the token existed.
func HandleRevoke(svc *indieauth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := parseForm(w, r); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: string(indieauth.CodeInvalidRequest), ErrorDescription: "malformed form body"})
			return
		}

		svc.Revoke(r.Context(), r.PostForm.Get("token"))
		w.WriteHeader(http.StatusOK)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
