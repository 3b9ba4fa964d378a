package prescription

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rxtrust/rxtrust/internal/integrity"
	"github.com/rxtrust/rxtrust/internal/platform/attempts"
	"github.com/rxtrust/rxtrust/internal/platform/audit"
	"github.com/rxtrust/rxtrust/internal/platform/events"
	"github.com/rxtrust/rxtrust/internal/platform/ledger"
)

// DefaultOTPTTL is how long a share code stays redeemable.
const DefaultOTPTTL = 10 * time.Minute

// AnchorMode selects whether CreateAndAnchor makes the first ledger attempt
// itself or leaves every attempt to the AnchorWorker.
type AnchorMode string

const (
	AnchorInline   AnchorMode = "inline"
	AnchorDeferred AnchorMode = "deferred"
)

// Created is returned by CreateAndAnchor.
type Created struct {
	ID          uuid.UUID `json:"id"`
	DataHash    string    `json:"dataHash"`
	LedgerTxRef *string   `json:"ledgerTxRef"`
}

// Verification is an integrity verdict plus the canonical form it was computed from.
type Verification struct {
	integrity.Result
	Canonical *CanonicalForm `json:"canonical,omitempty"`
}

// View is a record together with a fresh verification.
type View struct {
	Record       *Record
	Verification Verification
}

// Grant is what the owner passes on, out of band, to the party they share with.
type Grant struct {
	OTP       string    `json:"otp"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Status summarises access and anchoring state without exposing content or the code.
type Status struct {
	IsLocked        bool         `json:"isLocked"`
	HasActiveOTP    bool         `json:"hasActiveOtp"`
	OTPExpiresAt    *time.Time   `json:"otpExpiresAt"`
	OTPVerifiedBy   *string      `json:"otpVerifiedBy"`
	AnchorStatus    AnchorStatus `json:"anchorStatus"`
	LedgerTxRef     *string      `json:"ledgerTxRef"`
	LedgerConfirmed *bool        `json:"ledgerConfirmed"`
}

type Service struct {
	repo        Repository
	anchor      ledger.Anchor
	engine      *integrity.Engine
	codes       CodeGenerator
	now         func() time.Time
	otpTTL      time.Duration
	log         zerolog.Logger
	audit       audit.Recorder
	events      events.Publisher
	limiter     attempts.Limiter
	maxAttempts int
	anchorMode  AnchorMode
	retry       RetryPolicy
	network     string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithCodeGenerator(g CodeGenerator) Option { return func(s *Service) { s.codes = g } }

func WithOTPTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.otpTTL = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

func WithAuditRecorder(r audit.Recorder) Option { return func(s *Service) { s.audit = r } }

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.events = p } }

// WithAttemptLimiter caps failed redemptions per share code at max.
func WithAttemptLimiter(l attempts.Limiter, max int) Option {
	return func(s *Service) {
		s.limiter = l
		s.maxAttempts = max
	}
}

func WithAnchorMode(m AnchorMode) Option { return func(s *Service) { s.anchorMode = m } }

func WithRetryPolicy(p RetryPolicy) Option { return func(s *Service) { s.retry = p } }

// WithLedgerNetwork names the network recorded when a receipt does not carry one.
func WithLedgerNetwork(n string) Option { return func(s *Service) { s.network = n } }

// NewService wires the prescription operations. A nil anchor behaves as an
// unconfigured ledger.
func NewService(repo Repository, anchor ledger.Anchor, opts ...Option) *Service {
	if anchor == nil {
		anchor = ledger.Unconfigured{}
	}
	s := &Service{
		repo:       repo,
		anchor:     anchor,
		codes:      RandomCodes{Digits: 4},
		now:        time.Now,
		otpTTL:     DefaultOTPTTL,
		log:        zerolog.Nop(),
		events:     events.NopPublisher{},
		anchorMode: AnchorInline,
		retry:      DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.audit == nil {
		s.audit = audit.NewLogRecorder(s.log)
	}
	s.engine = integrity.NewEngine(anchor, s.log)
	return s
}

func (s *Service) record(ctx context.Context, id uuid.UUID, action, actor, outcome, reason string) {
	s.audit.Record(ctx, audit.NewEvent(id, action, actor, outcome, reason))
}

// CreateAndAnchor hashes and stores content, then makes a best-effort ledger
// attempt. Anchoring problems never fail the call; the record stays pending
// and the worker retries.
func (s *Service) CreateAndAnchor(ctx context.Context, content Content) (*Created, error) {
	canonical, err := Canonicalize(content, CurrentHashVersion)
	if err != nil {
		return nil, err
	}
	digest := integrity.Sum(canonical.Bytes)

	now := s.now().UTC()
	rec := &Record{
		ID:          uuid.New(),
		Content:     content,
		DataHash:    digest.String(),
		HashVersion: CurrentHashVersion,
		Anchor:      AnchorState{Status: AnchorPending, NextAt: &now},
		IsLocked:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("store prescription: %w", err)
	}

	author := content.AuthorID()
	s.record(ctx, rec.ID, audit.ActionCreate, author, audit.OutcomeSuccess, "")
	s.events.Publish(ctx, events.TypeCreated, rec.ID.String(), author, map[string]interface{}{
		"dataHash":    rec.DataHash,
		"hashVersion": rec.HashVersion,
	})

	out := &Created{ID: rec.ID, DataHash: rec.DataHash}
	if s.anchorMode == AnchorInline {
		anchored, err := s.AnchorOne(ctx, rec.ID)
		if err != nil {
			s.log.Warn().Err(err).
				Str("prescription_id", rec.ID.String()).
				Str("digest", rec.DataHash).
				Msg("inline anchoring failed; left for retry")
		} else if anchored != nil {
			out.LedgerTxRef = anchored.LedgerTxRef
		}
	}
	return out, nil
}

// Verify recomputes the digest of the stored content and consults the ledger.
func (s *Service) Verify(ctx context.Context, rec *Record) Verification {
	canonical, err := render(rec.Content, rec.HashVersion)
	if err != nil {
		return Verification{Result: integrity.Unsupported(rec.DataHash)}
	}
	res := s.engine.Verify(ctx, canonical.Bytes, rec.DataHash)
	if !res.Verified {
		s.log.Warn().
			Str("prescription_id", rec.ID.String()).
			Str("reason", res.Reason).
			Str("computed", res.ComputedHash).
			Str("stored", res.StoredHash).
			Msg("prescription failed verification")
	}
	form := canonical.Form
	return Verification{Result: res, Canonical: &form}
}

// FetchAndVerify always returns content with its verdict, even when the
// content no longer matches its hash.
func (s *Service) FetchAndVerify(ctx context.Context, id uuid.UUID) (*View, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	v := s.Verify(ctx, rec)
	outcome := audit.OutcomeSuccess
	if !v.Verified {
		outcome = audit.OutcomeFailure
	}
	s.record(ctx, id, audit.ActionVerify, "", outcome, v.Reason)
	return &View{Record: rec, Verification: v}, nil
}

// Share issues a new code, replacing any live one. Only the owner may share.
func (s *Service) Share(ctx context.Context, id uuid.UUID, owner string) (*Grant, error) {
	code, err := s.codes.Generate()
	if err != nil {
		return nil, err
	}
	expiresAt := s.now().UTC().Add(s.otpTTL)

	_, err = s.repo.Update(ctx, id, func(r *Record) error {
		if !r.IsOwner(owner) {
			return ErrNotOwner
		}
		r.share(code, expiresAt)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotOwner) {
			s.record(ctx, id, audit.ActionShare, owner, audit.OutcomeDenied, "not-owner")
		}
		return nil, err
	}

	s.record(ctx, id, audit.ActionShare, owner, audit.OutcomeSuccess, "")
	s.events.Publish(ctx, events.TypeShared, id.String(), owner, map[string]interface{}{
		"expiresAt": expiresAt,
	})
	return &Grant{OTP: code, ExpiresAt: expiresAt}, nil
}

// Lock revokes any share. Only the owner may lock; locking twice is harmless.
func (s *Service) Lock(ctx context.Context, id uuid.UUID, owner string) error {
	_, err := s.repo.Update(ctx, id, func(r *Record) error {
		if !r.IsOwner(owner) {
			return ErrNotOwner
		}
		r.lock()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotOwner) {
			s.record(ctx, id, audit.ActionLock, owner, audit.OutcomeDenied, "not-owner")
		}
		return err
	}
	s.record(ctx, id, audit.ActionLock, owner, audit.OutcomeSuccess, "")
	s.events.Publish(ctx, events.TypeLocked, id.String(), owner, nil)
	return nil
}

// ForceLock locks on behalf of the system, e.g. when dispensing completes.
func (s *Service) ForceLock(ctx context.Context, id string, reason string) error {
	rxID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, err := s.repo.Update(ctx, rxID, func(r *Record) error {
		r.lock()
		return nil
	}); err != nil {
		return err
	}
	s.record(ctx, rxID, audit.ActionLock, "system", audit.OutcomeSuccess, reason)
	s.events.Publish(ctx, events.TypeLocked, id, "system", map[string]interface{}{"reason": reason})
	s.log.Info().Str("prescription_id", id).Str("reason", reason).Msg("prescription force-locked")
	return nil
}

func attemptKey(id uuid.UUID, expiresAt time.Time) string {
	return "otp:" + id.String() + ":" + strconv.FormatInt(expiresAt.UnixNano(), 10)
}

// blocked reports whether the live code has seen too many wrong guesses.
// Limiter outages fail open.
func (s *Service) blocked(ctx context.Context, key string) bool {
	if s.limiter == nil || s.maxAttempts <= 0 {
		return false
	}
	n, err := s.limiter.Failures(ctx, key)
	if err != nil {
		s.log.Error().Err(err).Msg("attempt limiter unavailable")
		return false
	}
	return n >= s.maxAttempts
}

func (s *Service) countFailure(ctx context.Context, key string, until time.Time) {
	if s.limiter == nil || s.maxAttempts <= 0 {
		return
	}
	if _, err := s.limiter.Fail(ctx, key, until); err != nil {
		s.log.Error().Err(err).Msg("attempt limiter unavailable")
	}
}

// resetFailures clears the wrong-guess count once the code is redeemed.
func (s *Service) resetFailures(ctx context.Context, key string) {
	if s.limiter == nil || s.maxAttempts <= 0 {
		return
	}
	if err := s.limiter.Reset(ctx, key); err != nil {
		s.log.Error().Err(err).Msg("attempt limiter unavailable")
	}
}

// RedeemOTP records redeemer as the party allowed to read while the code is
// live. Denials come back as *AccessDeniedError.
func (s *Service) RedeemOTP(ctx context.Context, id uuid.UUID, code, redeemer string) error {
	now := s.now().UTC()
	_, err := s.repo.Update(ctx, id, func(r *Record) error {
		if r.IsLocked || r.otpExpired(now) {
			return r.redeem(code, redeemer, now)
		}
		key := attemptKey(r.ID, *r.OTPExpiresAt)
		if s.blocked(ctx, key) {
			return deny(ReasonTooManyAttempts, false, ErrTooManyAttempts)
		}
		err := r.redeem(code, redeemer, now)
		switch {
		case err == nil:
			s.resetFailures(ctx, key)
		case errors.Is(err, ErrInvalidCode):
			s.countFailure(ctx, key, *r.OTPExpiresAt)
		}
		return err
	})
	if err != nil {
		var denied *AccessDeniedError
		if errors.As(err, &denied) {
			s.record(ctx, id, audit.ActionRedeem, redeemer, audit.OutcomeDenied, denied.Reason)
		}
		return err
	}
	s.record(ctx, id, audit.ActionRedeem, redeemer, audit.OutcomeSuccess, "")
	s.events.Publish(ctx, events.TypeRedeemed, id.String(), redeemer, nil)
	return nil
}

func (s *Service) Status(ctx context.Context, id uuid.UUID) (*Status, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Status{
		IsLocked:        rec.IsLocked,
		HasActiveOTP:    rec.HasActiveOTP(s.now()),
		OTPExpiresAt:    rec.OTPExpiresAt,
		OTPVerifiedBy:   rec.OTPVerifiedBy,
		AnchorStatus:    rec.Anchor.Status,
		LedgerTxRef:     rec.LedgerTxRef,
		LedgerConfirmed: rec.LedgerConfirmed,
	}, nil
}

// DefaultAuditLimit caps AuditTrail when the caller asks for no limit.
const DefaultAuditLimit = 50

// AuditTrail returns the recorded events for a prescription to its owner.
// It needs a recorder that can read events back.
func (s *Service) AuditTrail(ctx context.Context, id uuid.UUID, owner string, limit int) ([]audit.Event, error) {
	lister, ok := s.audit.(audit.Lister)
	if !ok {
		return nil, ErrAuditUnavailable
	}
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.IsOwner(owner) {
		return nil, ErrNotOwner
	}
	if limit <= 0 || limit > DefaultAuditLimit {
		limit = DefaultAuditLimit
	}
	events, err := lister.List(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit trail: %w", err)
	}
	if events == nil {
		events = []audit.Event{}
	}
	return events, nil
}

// GatedFetch returns content to owners unconditionally and to anyone else
// only while CheckAccess grants it.
func (s *Service) GatedFetch(ctx context.Context, id uuid.UUID, requester string) (*View, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.IsOwner(requester) {
		if decision := rec.CheckAccess(requester, s.now()); !decision.Granted {
			s.record(ctx, id, audit.ActionView, requester, audit.OutcomeDenied, decision.Reason)
			return nil, decision.Err()
		}
	}
	s.record(ctx, id, audit.ActionView, requester, audit.OutcomeSuccess, "")
	return &View{Record: rec, Verification: s.Verify(ctx, rec)}, nil
}
