package prescription

import "time"

// AccessDecision is the outcome of CheckAccess.
type AccessDecision struct {
	Granted     bool   `json:"granted"`
	RequiresOTP bool   `json:"requiresOtp"`
	Reason      string `json:"reason,omitempty"`
}

// Err returns the denial as an error, or nil when access is granted.
func (d AccessDecision) Err() error {
	if d.Granted {
		return nil
	}
	var sentinel error
	switch d.Reason {
	case ReasonLocked:
		sentinel = ErrLocked
	case ReasonExpired:
		sentinel = ErrExpired
	case ReasonNotRedeemer:
		sentinel = ErrNotRedeemer
	default:
		sentinel = ErrOTPRequired
	}
	return deny(d.Reason, d.RequiresOTP, sentinel)
}

// otpExpired is true when no expiry is set or it has passed.
func (r *Record) otpExpired(now time.Time) bool {
	return r.OTPExpiresAt == nil || !now.Before(*r.OTPExpiresAt)
}

// HasActiveOTP reports whether a share code can currently be redeemed.
func (r *Record) HasActiveOTP(now time.Time) bool {
	return !r.IsLocked && r.ShareOTP != nil && !r.otpExpired(now)
}

// share installs a fresh code, replacing any previous one and any prior redemption.
func (r *Record) share(code string, expiresAt time.Time) {
	r.IsLocked = false
	r.ShareOTP = &code
	r.OTPExpiresAt = &expiresAt
	r.OTPVerifiedBy = nil
}

// lock returns the record to owner-only access. Idempotent.
func (r *Record) lock() {
	r.IsLocked = true
	r.ShareOTP = nil
	r.OTPExpiresAt = nil
	r.OTPVerifiedBy = nil
}

// redeem checks, in order, lock state, expiry and an exact code match.
func (r *Record) redeem(code, redeemer string, now time.Time) error {
	if r.IsLocked {
		return deny(ReasonLocked, false, ErrLocked)
	}
	if r.otpExpired(now) {
		return deny(ReasonExpired, false, ErrExpired)
	}
	if r.ShareOTP == nil || code != *r.ShareOTP {
		return deny(ReasonInvalidCode, false, ErrInvalidCode)
	}
	r.OTPVerifiedBy = &redeemer
	return nil
}

// CheckAccess decides whether a non-owner may read the content right now.
// Expiry revokes access even after a successful redemption.
func (r *Record) CheckAccess(requester string, now time.Time) AccessDecision {
	switch {
	case r.IsLocked:
		return AccessDecision{RequiresOTP: true, Reason: ReasonLocked}
	case r.OTPVerifiedBy == nil || *r.OTPVerifiedBy == "":
		return AccessDecision{RequiresOTP: true, Reason: ReasonOTPRequired}
	case r.otpExpired(now):
		return AccessDecision{RequiresOTP: true, Reason: ReasonExpired}
	case *r.OTPVerifiedBy != requester:
		return AccessDecision{RequiresOTP: true, Reason: ReasonNotRedeemer}
	default:
		return AccessDecision{Granted: true}
	}
}
