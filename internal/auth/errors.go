package auth

import "errors"

var (
	// ErrValidation marks malformed input; the message is safe to return to callers.
	ErrValidation = errors.New("auth: invalid input")
	// ErrInvalidCredentials is the single answer for unknown email and wrong password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrUnauthenticated covers missing, invalid or expired session credentials.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrInvalidToken indicates a session or reset token failed validation.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrForbidden marks an authenticated subject without the required role or scope.
	ErrForbidden = errors.New("auth: forbidden")
	// ErrAccountLocked is returned while an account is locked.
	ErrAccountLocked = errors.New("auth: account locked")
	// ErrAccountSuspended is returned for suspended accounts with valid credentials.
	ErrAccountSuspended = errors.New("auth: account suspended")
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("auth: not found")
	// ErrConflict is returned by stores on unique constraint violations.
	ErrConflict = errors.New("auth: conflict")
	// ErrMissingSecret is returned when no signing secret is configured.
	ErrMissingSecret = errors.New("auth: signing secret is not configured")
	// ErrInternal wraps unexpected failures whose details must stay server-side.
	ErrInternal = errors.New("auth: internal error")
)
