package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

var (
	// ErrInvalidCursor means the stored sync token is no longer accepted and
	// a full windowed fetch is required.
	ErrInvalidCursor = errors.New("sync cursor invalid or expired")

	// ErrNotFound means the provider no longer knows the event or channel.
	ErrNotFound = errors.New("not found at provider")
)

// AuthReason classifies an AuthError.
type AuthReason string

const (
	ReasonNotConnected      AuthReason = "not_connected"
	ReasonRevoked           AuthReason = "revoked"
	ReasonInsufficientScope AuthReason = "insufficient_scope"
)

// AuthError is terminal for a sync run: the user must reconnect the account.
type AuthError struct {
	Reason AuthReason
	Err    error
}

func (e *AuthError) Error() string {
	msg := "google account not connected"
	switch e.Reason {
	case ReasonRevoked:
		msg = "google credentials revoked or expired, re-authentication required"
	case ReasonInsufficientScope:
		msg = "google account granted insufficient calendar scope"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// AsAuthError returns the AuthError in err's chain, if any.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// TransientError wraps a provider failure that is safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	opList   = "list"
	opInsert = "insert"
	opUpdate = "update"
	opDelete = "delete"
	opWatch  = "watch"
	opStop   = "stop"
)

// classify maps a Calendar API failure onto the sync error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("google %s: %w", op, err)

	if errors.Is(err, context.Canceled) {
		return wrapped
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return refreshFailure(re, wrapped)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusGone && op == opList:
			return fmt.Errorf("google %s: %w", op, ErrInvalidCursor)
		case gerr.Code == http.StatusGone, gerr.Code == http.StatusNotFound:
			return fmt.Errorf("google %s: %w", op, ErrNotFound)
		case gerr.Code == http.StatusUnauthorized:
			return &AuthError{Reason: ReasonRevoked, Err: wrapped}
		case gerr.Code == http.StatusForbidden:
			if hasReason(gerr, "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded") {
				return &TransientError{Err: wrapped}
			}
			if hasReason(gerr, "insufficientPermissions", "ACCESS_TOKEN_SCOPE_INSUFFICIENT") {
				return &AuthError{Reason: ReasonInsufficientScope, Err: wrapped}
			}
			return wrapped
		case gerr.Code == http.StatusTooManyRequests, gerr.Code >= http.StatusInternalServerError:
			return &TransientError{Err: wrapped}
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: wrapped}
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return &TransientError{Err: wrapped}
	}
	return wrapped
}

// refreshFailure classifies a token endpoint rejection. Only invalid_grant or
// a 400/401 answer means the refresh token is dead.
func refreshFailure(re *oauth2.RetrieveError, wrapped error) error {
	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	switch {
	case re.ErrorCode == "invalid_grant",
		status == http.StatusBadRequest, status == http.StatusUnauthorized:
		return &AuthError{Reason: ReasonRevoked, Err: wrapped}
	case status == 0, status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return &TransientError{Err: wrapped}
	}
	return wrapped
}

func hasReason(gerr *googleapi.Error, reasons ...string) bool {
	for _, item := range gerr.Errors {
		for _, r := range reasons {
			if item.Reason == r {
				return true
			}
		}
	}
	return false
}
