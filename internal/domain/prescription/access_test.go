package prescription

import (
	"errors"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func TestCheckAccess(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	live := now.Add(5 * time.Minute)
	past := now.Add(-time.Second)

	tests := []struct {
		name      string
		rec       Record
		requester string
		granted   bool
		reason    string
	}{
		{
			name:      "locked",
			rec:       Record{IsLocked: true},
			requester: "pharm-1",
			reason:    ReasonLocked,
		},
		{
			name:      "locked wins over a redemption",
			rec:       Record{IsLocked: true, OTPVerifiedBy: strPtr("pharm-1"), OTPExpiresAt: &live},
			requester: "pharm-1",
			reason:    ReasonLocked,
		},
		{
			name:      "shared but not redeemed",
			rec:       Record{ShareOTP: strPtr("1234"), OTPExpiresAt: &live},
			requester: "pharm-1",
			reason:    ReasonOTPRequired,
		},
		{
			name:      "redeemed and live",
			rec:       Record{ShareOTP: strPtr("1234"), OTPExpiresAt: &live, OTPVerifiedBy: strPtr("pharm-1")},
			requester: "pharm-1",
			granted:   true,
		},
		{
			name:      "redeemed but expired",
			rec:       Record{ShareOTP: strPtr("1234"), OTPExpiresAt: &past, OTPVerifiedBy: strPtr("pharm-1")},
			requester: "pharm-1",
			reason:    ReasonExpired,
		},
		{
			name:      "expiry exactly now",
			rec:       Record{ShareOTP: strPtr("1234"), OTPExpiresAt: &now, OTPVerifiedBy: strPtr("pharm-1")},
			requester: "pharm-1",
			reason:    ReasonExpired,
		},
		{
			name:      "redeemed by someone else",
			rec:       Record{ShareOTP: strPtr("1234"), OTPExpiresAt: &live, OTPVerifiedBy: strPtr("pharm-1")},
			requester: "pharm-2",
			reason:    ReasonNotRedeemer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.rec.CheckAccess(tt.requester, now)
			if d.Granted != tt.granted {
				t.Fatalf("Granted = %v, want %v", d.Granted, tt.granted)
			}
			if tt.granted {
				if d.Err() != nil {
					t.Errorf("granted decision must have nil Err, got %v", d.Err())
				}
				return
			}
			if d.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", d.Reason, tt.reason)
			}
			if !d.RequiresOTP {
				t.Error("denials must require an OTP")
			}
			var denied *AccessDeniedError
			if !errors.As(d.Err(), &denied) || denied.Reason != tt.reason {
				t.Errorf("Err() = %v, want *AccessDeniedError with reason %q", d.Err(), tt.reason)
			}
		})
	}
}

func TestRedeem_Order(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	live := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	tests := []struct {
		name string
		rec  Record
		code string
		want error
	}{
		{"locked beats wrong code", Record{IsLocked: true}, "0000", ErrLocked},
		{"expired beats wrong code", Record{ShareOTP: strPtr("1234"), OTPExpiresAt: &past}, "0000", ErrExpired},
		{"wrong code", Record{ShareOTP: strPtr("1234"), OTPExpiresAt: &live}, "4321", ErrInvalidCode},
		{"no leading zero trimming", Record{ShareOTP: strPtr("0042"), OTPExpiresAt: &live}, "42", ErrInvalidCode},
		{"correct", Record{ShareOTP: strPtr("1234"), OTPExpiresAt: &live}, "1234", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.rec
			err := rec.redeem(tt.code, "pharm-1", now)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if rec.OTPVerifiedBy == nil || *rec.OTPVerifiedBy != "pharm-1" {
					t.Error("expected redeemer to be recorded")
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if rec.OTPVerifiedBy != nil {
				t.Error("failed redemption must not record a redeemer")
			}
		})
	}
}

func TestShareAndLock_Invariants(t *testing.T) {
	now := time.Now()
	rec := Record{IsLocked: true}

	rec.share("1111", now.Add(time.Minute))
	if rec.IsLocked || rec.ShareOTP == nil || rec.OTPExpiresAt == nil || rec.OTPVerifiedBy != nil {
		t.Fatalf("unexpected state after share: %+v", rec)
	}
	rec.OTPVerifiedBy = strPtr("pharm-1")
	rec.share("2222", now.Add(time.Minute))
	if rec.OTPVerifiedBy != nil {
		t.Error("re-sharing must clear a previous redemption")
	}
	if !rec.HasActiveOTP(now) {
		t.Error("expected an active OTP")
	}

	rec.lock()
	rec.lock()
	if !rec.IsLocked || rec.ShareOTP != nil || rec.OTPExpiresAt != nil || rec.OTPVerifiedBy != nil {
		t.Errorf("unexpected state after lock: %+v", rec)
	}
	if rec.HasActiveOTP(now) {
		t.Error("locked record has no active OTP")
	}
}

func TestIsOwner(t *testing.T) {
	c, err := NewContentBuilder().SubjectName("X").AuthorID("dr-1").SubjectContact("pat@example.com").Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	rec := Record{Content: c}
	for identity, want := range map[string]bool{
		"dr-1":            true,
		"pat@example.com": true,
		"pharm-1":         false,
		"":                false,
	} {
		if got := rec.IsOwner(identity); got != want {
			t.Errorf("IsOwner(%q) = %v, want %v", identity, got, want)
		}
	}

	anon, _ := NewContentBuilder().SubjectName("X").Build()
	if (&Record{Content: anon}).IsOwner("") {
		t.Error("empty identity never owns a record")
	}
}
