package application

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to callers. The HTTP layer maps these to user-facing
// responses; nothing here is allowed to crash the host process.
var (
	// ErrInvalidState means the OAuth CSRF state token is missing, expired,
	// already consumed, or bound to a different provider. Never retried.
	ErrInvalidState = errors.New("invalid oauth state")

	// ErrInvalidGrant means an authorization code or refresh token was rejected
	// by the provider as expired, reused, or revoked.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrReauthenticationRequired means the stored refresh token is no longer
	// usable; the connection is marked disconnected and the user must redo the
	// OAuth flow. Never retried.
	ErrReauthenticationRequired = errors.New("reauthentication required")

	// ErrCursorInvalidated means the provider no longer recognizes the sync
	// cursor. This is the designed trigger for a full-sync fallback, not a
	// user-facing failure.
	ErrCursorInvalidated = errors.New("sync cursor invalidated")

	// ErrConnectionNotFound means no matching connection exists for the caller.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrProviderNotConfigured means no adapter is registered for the provider.
	ErrProviderNotConfigured = errors.New("provider not configured")
)

// TransientError wraps a provider failure (network, 5xx, 429) that is safe to
// retry with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// AuthorizationError wraps a 401/403 from the provider for the current access
// token. The coordinator responds with exactly one forced token refresh before
// treating it as a failure.
type AuthorizationError struct {
	StatusCode int
	Err        error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("provider rejected access token (status %d): %v", e.StatusCode, e.Err)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// IsAuthorization reports whether err is a provider token rejection.
func IsAuthorization(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}

// ValidationError marks a single malformed remote event. The offending event is
// skipped and recorded; it never aborts the rest of a sync run.
type ValidationError struct {
	ProviderEventID string
	Err             error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event %q: %v", e.ProviderEventID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
