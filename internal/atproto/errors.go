package atproto

import (
	"errors"
	"net/http"

	"github.com/bluesky-social/indigo/xrpc"
)

// APIError is the typed failure returned by every remote call helper.
// Auth distinguishes credential failures (expired or invalid tokens) from
// everything else; callers that process entries in a loop abort on Auth
// because every remaining call would fail identically.
type APIError struct {
	StatusCode int
	Auth       bool
	Wrapped    error
}

func (e *APIError) Error() string {
	if e.Wrapped == nil {
		return "remote API error"
	}
	return e.Wrapped.Error()
}

func (e *APIError) Unwrap() error {
	return e.Wrapped
}

// authErrStrs are XRPC error names that indicate a credential problem
// on responses that are not plain 401s.
var authErrStrs = map[string]bool{
	"ExpiredToken":           true,
	"InvalidToken":           true,
	"AuthenticationRequired": true,
	"AuthMissing":            true,
}

// wrapErr converts an error from the XRPC client into an *APIError,
// classifying auth failures by status code and error name.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}

	var xe *xrpc.Error
	if !errors.As(err, &xe) {
		return &APIError{Wrapped: err}
	}

	auth := xe.StatusCode == http.StatusUnauthorized
	if !auth {
		var inner *xrpc.XRPCError
		if errors.As(xe.Wrapped, &inner) && authErrStrs[inner.ErrStr] {
			auth = true
		}
	}

	return &APIError{
		StatusCode: xe.StatusCode,
		Auth:       auth,
		Wrapped:    err,
	}
}

// IsAuthError reports whether err is a credential failure.
func IsAuthError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Auth
}
