package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrAuthenticationRequired is returned by guarded calls when no OAuth access
// token is available.
var ErrAuthenticationRequired = errors.New("auth: authentication required")

// ErrNoRefreshToken is wrapped in a RefreshError when renewal is needed but
// the credentials carry no refresh token.
var ErrNoRefreshToken = errors.New("auth: no refresh token")

// ErrNoRefresher is wrapped in a RefreshError when renewal is needed but the
// guard was built without a Refresher.
var ErrNoRefresher = errors.New("auth: no token refresher configured")

// RefreshError reports a failed token exchange. Status and Body are set when
// the provider rejected the request; Err is set for local or transport
// failures.
type RefreshError struct {
	Status int
	Body   string
	Err    error
}

func (e *RefreshError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("token refresh failed: %d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
	case e.Err != nil:
		return "token refresh failed: " + e.Err.Error()
	default:
		return "token refresh failed"
	}
}

func (e *RefreshError) Unwrap() error { return e.Err }

// AuthRetryExhaustedError is returned when a call still fails after one
// renewal and retry. Err is the retry's error.
type AuthRetryExhaustedError struct {
	Op  string
	Err error
}

func (e *AuthRetryExhaustedError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("auth: %s failed after token renewal: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("auth: call failed after token renewal: %v", e.Err)
}

func (e *AuthRetryExhaustedError) Unwrap() error { return e.Err }

// StatusError is implemented by errors that carry an HTTP status code.
type StatusError interface {
	error
	HTTPStatus() int
}

// IsAuthFailure reports whether err means the access token was rejected.
// Errors carrying a status code are judged by it alone; plain errors fall
// back to looking for "401" or "unauthorized" in the message.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	var se StatusError
	if errors.As(err, &se) {
		return se.HTTPStatus() == http.StatusUnauthorized
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized")
}
