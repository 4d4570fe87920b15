// Package errors defines the OAuth error taxonomy returned by the
// authorization server and the sentinel errors shared between layers.
package errors

import (
	"errors"
	"net/http"
)

// Code is an OAuth 2.0 error code as sent in the "error" response field.
type Code string

const (
	InvalidRequest          Code = "invalid_request"
	InvalidClient           Code = "invalid_client"
	InvalidGrant            Code = "invalid_grant"
	UnsupportedGrantType    Code = "unsupported_grant_type"
	UnsupportedResponseType Code = "unsupported_response_type"
	ServerError             Code = "server_error"
)

// Token errors. These never leave the process as-is; endpoints translate
// them into one of the codes above.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")
)

// Lookup and storage errors.
var (
	ErrClientNotFound    = errors.New("client not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrCodeNotConsumable = errors.New("authorization code not consumable")
)

// Error is an OAuth protocol error. Description is safe to show to the
// client; Err carries the internal cause for logging.
type Error struct {
	Code        Code
	Description string
	Err         error
}

// New returns an Error without an underlying cause.
func New(code Code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Wrap returns an Error that keeps err as its cause.
func Wrap(code Code, description string, err error) *Error {
	return &Error{Code: code, Description: description, Err: err}
}

// From converts any error into an *Error. Errors that are not already
// protocol errors become server_error with a generic description so
// internal detail never reaches the caller.
func From(err error) *Error {
	if err == nil {
		return nil
	}

	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}

	return Wrap(ServerError, "internal server error", err)
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}

	return string(e.Code) + ": " + e.Description
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a protocol error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Code == e.Code
}

// Status returns the HTTP status for the error code.
func (e *Error) Status() int {
	return e.Code.Status()
}

// Status returns the HTTP status conventionally paired with the code.
func (c Code) Status() int {
	switch c {
	case InvalidClient:
		return http.StatusUnauthorized
	case ServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
