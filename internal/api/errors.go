package api

import (
	"errors"
	"fmt"
)

// ErrSessionExpired is returned when a token refresh fails: the pair has
// been cleared and the session is terminally unauthenticated. Callers must
// not retry; only a new login recovers.
var ErrSessionExpired = errors.New("session expired: token refresh rejected")

// ErrNotAuthenticated is returned by auth-requiring calls made with no
// stored token pair.
var ErrNotAuthenticated = errors.New("not authenticated")

// StatusError is a non-2xx daemon response.
type StatusError struct {
	Code     int
	Endpoint string
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.Code, e.Body)
	}
	return fmt.Sprintf("%s: status %d", e.Endpoint, e.Code)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
