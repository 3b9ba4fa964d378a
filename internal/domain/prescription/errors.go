package prescription

import "errors"

var (
	ErrNotFound               = errors.New("prescription not found")
	ErrNotOwner               = errors.New("caller does not own this prescription")
	ErrInvalidContent         = errors.New("invalid prescription content")
	ErrUnsupportedHashVersion = errors.New("unsupported hash version")
	ErrAuditUnavailable       = errors.New("audit trail is not stored")
)

// Access-control denials. They are always wrapped in *AccessDeniedError.
var (
	ErrLocked          = errors.New("prescription is locked")
	ErrExpired         = errors.New("share code expired")
	ErrInvalidCode     = errors.New("share code does not match")
	ErrOTPRequired     = errors.New("share code must be redeemed first")
	ErrNotRedeemer     = errors.New("share code was redeemed by another party")
	ErrTooManyAttempts = errors.New("too many incorrect share codes")
)

// Denial reasons reported to callers.
const (
	ReasonLocked          = "locked"
	ReasonExpired         = "expired"
	ReasonInvalidCode     = "invalid-code"
	ReasonOTPRequired     = "otp-required"
	ReasonNotRedeemer     = "not-redeemer"
	ReasonTooManyAttempts = "too-many-attempts"
)

// AccessDeniedError is returned instead of content, or from RedeemOTP, when
// a non-owner may not proceed. errors.Is matches the wrapped sentinel.
type AccessDeniedError struct {
	Reason      string
	RequiresOTP bool
	Err         error
}

func (e *AccessDeniedError) Error() string { return "access denied: " + e.Err.Error() }

func (e *AccessDeniedError) Unwrap() error { return e.Err }

func deny(reason string, requiresOTP bool, err error) *AccessDeniedError {
	return &AccessDeniedError{Reason: reason, RequiresOTP: requiresOTP, Err: err}
}
