package api

import (
	"encoding/json"
	"html/template"
	"net/http"

	"go.uber.org/zap"

	"github.com/fuomag9/indieauth/internal/indieauth"
)

// maxBodySize caps form and JSON request bodies
const maxBodySize = 64 << 10

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeTokenJSON adds the no-store headers RFC 6749 requires on credential responses
func writeTokenJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, v)
}

// writeError renders err as an OAuth JSON error body
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	e := indieauth.AsError(err)
	if e.Code == indieauth.CodeServerError {
		logger.Error("request failed", zap.Error(err))
	}
	if e.Code == indieauth.CodeUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="introspection"`)
	}
	writeJSON(w, e.HTTPStatus(), errorBody{Error: string(e.Code), ErrorDescription: e.Description})
}

// redirectOrRender sends a verified error back to the client, and shows
// anything else on the error page
func redirectOrRender(w http.ResponseWriter, r *http.Request, logger *zap.Logger, issuer string, err error) {
	e := indieauth.AsError(err)
	if e.Code == indieauth.CodeServerError {
		logger.Error("request failed", zap.Error(err))
	}
	if e.Redirectable() {
		http.Redirect(w, r, e.RedirectURL(issuer), http.StatusFound)
		return
	}
	renderErrorPage(w, e)
}

var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Sign-in error</title>
<style>body{font-family:system-ui,sans-serif;max-width:36rem;margin:4rem auto;padding:0 1rem;color:#222}code{background:#eee;padding:0 .25rem}</style>
</head>
<body>
<h1>Sign-in could not continue</h1>
<p>{{.Description}}</p>
<p>Error code: <code>{{.Code}}</code></p>
<p>Return to the application you came from and try again.</p>
</body>
</html>
`))

func renderErrorPage(w http.ResponseWriter, e *indieauth.Error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(e.HTTPStatus())
	_ = errorPage.Execute(w, struct {
		Code        string
		Description string
	}{string(e.Code), e.Description})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

func parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	return r.ParseForm()
}
