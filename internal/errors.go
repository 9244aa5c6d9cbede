package relay

import (
	"errors"
	"fmt"
)

// Error is a domain error with a stable machine-readable code. The code is
// what clients switch on; the message is for humans.
type Error struct {
	Code    string
	Message string
}

// Error returns the human-readable message, falling back to the code.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

// WithMessage returns a copy of e carrying msg. errors.Is still matches the
// sentinel because Is compares codes, not pointers.
func (e *Error) WithMessage(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Is matches any *Error with the same code, so wrapped and
// WithMessage-annotated errors compare equal to their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinel errors for the relay domain. HTTP status mapping lives in the
// server package.
var (
	ErrUnauthorized       = &Error{Code: "unauthorized"}
	ErrInvalidToken       = &Error{Code: "invalid_token"}
	ErrTokenRevoked       = &Error{Code: "token_revoked"}
	ErrOAuthUser          = &Error{Code: "oauth_user"}
	ErrAccountBlocked     = &Error{Code: "account_blocked"}
	ErrEmailExists        = &Error{Code: "email_exists"}
	ErrOAuthAccountExists = &Error{Code: "oauth_account_exists"}
	ErrDeviceLimit        = &Error{Code: "device_limit"}
	ErrSlowDown           = &Error{Code: "slow_down"}

	ErrInvalidRequest = &Error{Code: "invalid_request"}
	ErrUserNotFound   = &Error{Code: "user_not_found"}
	ErrNotFound       = &Error{Code: "not_found"}

	ErrDailyLimitReached     = &Error{Code: "daily_limit_reached"}
	ErrSmartModeNotAvailable = &Error{Code: "smart_mode_not_available"}
	ErrProviderNotConfigured = &Error{Code: "provider_not_configured"}
	ErrUnsupportedProvider   = &Error{Code: "unsupported_provider"}
	ErrUnsupportedModel      = &Error{Code: "unsupported_model"}
	ErrNoProviders           = &Error{Code: "no_providers"}

	ErrProviderError      = &Error{Code: "provider_error"}
	ErrAllProvidersFailed = &Error{Code: "all_providers_failed"}
	ErrServerError        = &Error{Code: "server_error"}
)

// ErrorCode returns the stable code for err, or "server_error" for anything
// that is not a domain error.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrServerError.Code
}
