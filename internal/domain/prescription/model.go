package prescription

import (
	"time"

	"github.com/google/uuid"
)

// AnchorStatus tracks a record through the anchoring outbox.
type AnchorStatus string

const (
	AnchorPending  AnchorStatus = "pending"
	AnchorAnchored AnchorStatus = "anchored"
	AnchorFailed   AnchorStatus = "failed"
)

// AnchorState is the outbox bookkeeping for one record.
type AnchorState struct {
	Status    AnchorStatus `json:"status"`
	Attempts  int          `json:"attempts"`
	NextAt    *time.Time   `json:"nextAt,omitempty"`
	LastError *string      `json:"lastError,omitempty"`
}

// Record is a stored prescription. Content never changes after Create.
type Record struct {
	ID          uuid.UUID
	Content     Content
	DataHash    string
	HashVersion int

	LedgerTxRef     *string
	LedgerNetwork   *string
	LedgerConfirmed *bool
	Anchor          AnchorState

	IsLocked      bool
	ShareOTP      *string
	OTPExpiresAt  *time.Time
	OTPVerifiedBy *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsOwner reports whether identity is the prescriber or the subject.
func (r *Record) IsOwner(identity string) bool {
	if identity == "" {
		return false
	}
	if identity == r.Content.AuthorID() {
		return true
	}
	contact := r.Content.SubjectContact()
	return contact != "" && identity == contact
}

func (r *Record) clone() *Record {
	out := *r
	out.LedgerTxRef = clonePtr(r.LedgerTxRef)
	out.LedgerNetwork = clonePtr(r.LedgerNetwork)
	out.LedgerConfirmed = clonePtr(r.LedgerConfirmed)
	out.Anchor.NextAt = clonePtr(r.Anchor.NextAt)
	out.Anchor.LastError = clonePtr(r.Anchor.LastError)
	out.ShareOTP = clonePtr(r.ShareOTP)
	out.OTPExpiresAt = clonePtr(r.OTPExpiresAt)
	out.OTPVerifiedBy = clonePtr(r.OTPVerifiedBy)
	return &out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
