package indieauth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// ErrorCode is an OAuth 2.0 / IndieAuth error code
type ErrorCode string

const (
	CodeInvalidRequest          ErrorCode = "invalid_request"
	CodeUnsupportedResponseType ErrorCode = "unsupported_response_type"
	CodeUnsupportedGrantType    ErrorCode = "unsupported_grant_type"
	CodeAccessDenied            ErrorCode = "access_denied"
	CodeInvalidGrant            ErrorCode = "invalid_grant"
	CodeUnauthorized            ErrorCode = "unauthorized"
	CodeServerError             ErrorCode = "server_error"
	CodeTokenExchangeFailed     ErrorCode = "token_exchange_failed"
	CodeVerificationFailed      ErrorCode = "verification_failed"
	CodeInvalidState            ErrorCode = "invalid_state"
	CodeSessionNotFound         ErrorCode = "session_not_found"
)

// Error is returned by every Service operation that fails. It carries enough
// redirect context for the HTTP layer to decide how to report it.
type Error struct {
	Code        ErrorCode
	Description string

	// RedirectURI and State are set once the client's redirect_uri is known
	RedirectURI string
	State       string
	// Untrusted marks a redirect_uri that was never verified. Such errors are
	// rendered in-app and never sent to the client.
	Untrusted bool

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Redirectable reports whether the error may be delivered to the client's redirect_uri
func (e *Error) Redirectable() bool {
	return !e.Untrusted && e.RedirectURI != ""
}

// RedirectURL builds the client redirect carrying error, error_description, state and iss
func (e *Error) RedirectURL(issuer string) string {
	params := url.Values{}
	params.Set("error", string(e.Code))
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	if issuer != "" {
		params.Set("iss", issuer)
	}
	return appendQuery(e.RedirectURI, params)
}

// HTTPStatus maps the error code to a response status for JSON endpoints
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeAccessDenied, CodeVerificationFailed:
		return http.StatusForbidden
	case CodeSessionNotFound:
		return http.StatusNotFound
	case CodeTokenExchangeFailed:
		return http.StatusBadGateway
	case CodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// AsError extracts an *Error from err, wrapping anything else as server_error
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeServerError, Description: "internal server error", Err: err}
}

func newError(code ErrorCode, description string) *Error {
	return &Error{Code: code, Description: description}
}

// untrusted builds an error raised before redirect_uri was verified
func untrusted(code ErrorCode, description string, err error) *Error {
	return &Error{Code: code, Description: description, Untrusted: true, Err: err}
}

// toClient builds an error delivered back to a verified redirect_uri
func toClient(code ErrorCode, description, redirectURI, state string, err error) *Error {
	return &Error{Code: code, Description: description, RedirectURI: redirectURI, State: state, Err: err}
}

func serverError(description string, err error) *Error {
	return &Error{Code: CodeServerError, Description: description, Err: err}
}

// appendQuery merges params into the query of rawURL, keeping existing parameters
func appendQuery(rawURL string, params url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, vs := range params {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String()
}
