package prescription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rxtrust/rxtrust/internal/platform/audit"
	"github.com/rxtrust/rxtrust/internal/platform/events"
	"github.com/rxtrust/rxtrust/internal/platform/ledger"
)

// RetryPolicy controls the anchoring outbox.
type RetryPolicy struct {
	// Delays[i] is the wait after the (i+1)th failed attempt; the last entry repeats.
	Delays      []time.Duration
	MaxAttempts int
	// Lease is how long a claimed record is hidden from other workers.
	Lease time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	Delays:      []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute, time.Hour},
	MaxAttempts: 8,
	Lease:       2 * time.Minute,
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if len(p.Delays) == 0 {
		return time.Minute
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Delays) {
		i = len(p.Delays) - 1
	}
	return p.Delays[i]
}

var errNotDue = errors.New("anchoring not due")

// claimAnchor takes a lease on a pending record so concurrent workers never
// submit the same digest at the same time.
func (s *Service) claimAnchor(ctx context.Context, id uuid.UUID) (*Record, error) {
	now := s.now().UTC()
	return s.repo.Update(ctx, id, func(r *Record) error {
		if r.Anchor.Status != AnchorPending {
			return errNotDue
		}
		if r.Anchor.NextAt != nil && r.Anchor.NextAt.After(now) {
			return errNotDue
		}
		lease := now.Add(s.retry.Lease)
		r.Anchor.NextAt = &lease
		r.Anchor.Attempts++
		return nil
	})
}

// AnchorOne makes one anchoring attempt for id. It returns (nil, nil) when the
// record is not due, e.g. already anchored or leased by another worker.
// Retries first ask the ledger whether an earlier attempt landed, so a digest
// is never submitted twice after a lost response.
func (s *Service) AnchorOne(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := s.claimAnchor(ctx, id)
	if errors.Is(err, errNotDue) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if rec.Anchor.Attempts > 1 && ledger.Check(ctx, s.anchor, rec.DataHash) == ledger.StatePresent {
		// The reference of the earlier submission, if any, is already stored.
		return s.ConfirmAnchor(ctx, id, ledger.Receipt{})
	}

	receipt, err := s.anchor.Anchor(ctx, rec.DataHash)
	if err != nil {
		// The request context may be gone; bookkeeping must still land.
		s.recordAnchorFailure(context.WithoutCancel(ctx), id, err)
		return nil, err
	}
	return s.ConfirmAnchor(ctx, id, receipt)
}

// ConfirmAnchor stores a ledger receipt. Once a record is anchored, calling it
// again keeps the first transaction reference. Before that, a receipt replaces
// the reference of an unconfirmed submission.
func (s *Service) ConfirmAnchor(ctx context.Context, id uuid.UUID, receipt ledger.Receipt) (*Record, error) {
	network := receipt.Network
	if network == "" {
		network = s.network
	}
	rec, err := s.repo.Update(ctx, id, func(r *Record) error {
		replace := r.Anchor.Status != AnchorAnchored
		if receipt.TxRef != "" && (r.LedgerTxRef == nil || replace) {
			ref := receipt.TxRef
			r.LedgerTxRef = &ref
			if receipt.Network != "" {
				r.LedgerNetwork = &network
			}
		}
		if network != "" && r.LedgerNetwork == nil {
			r.LedgerNetwork = &network
		}
		confirmed := true
		r.LedgerConfirmed = &confirmed
		r.Anchor.Status = AnchorAnchored
		r.Anchor.NextAt = nil
		r.Anchor.LastError = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, id, audit.ActionAnchor, "system", audit.OutcomeSuccess, "")
	data := map[string]interface{}{"dataHash": rec.DataHash}
	if rec.LedgerTxRef != nil {
		data["ledgerTxRef"] = *rec.LedgerTxRef
	}
	s.events.Publish(ctx, events.TypeAnchored, id.String(), "system", data)
	s.log.Info().
		Str("prescription_id", id.String()).
		Str("digest", rec.DataHash).
		Int("attempts", rec.Anchor.Attempts).
		Msg("prescription anchored")
	return rec, nil
}

// recordAnchorFailure schedules the next attempt, or gives up after
// MaxAttempts. An unconfigured ledger does not use up attempts. The reference
// of a transaction that was sent but not confirmed is kept for the retry.
func (s *Service) recordAnchorFailure(ctx context.Context, id uuid.UUID, cause error) {
	now := s.now().UTC()
	msg := cause.Error()
	var submitted *ledger.SubmittedError
	errors.As(cause, &submitted)
	rec, err := s.repo.Update(ctx, id, func(r *Record) error {
		r.Anchor.LastError = &msg
		if submitted != nil && submitted.Receipt.TxRef != "" {
			ref := submitted.Receipt.TxRef
			r.LedgerTxRef = &ref
			if n := submitted.Receipt.Network; n != "" {
				r.LedgerNetwork = &n
			}
		}
		if errors.Is(cause, ledger.ErrUnconfigured) {
			if r.Anchor.Attempts > 0 {
				r.Anchor.Attempts--
			}
			next := now.Add(s.retry.delay(len(s.retry.Delays)))
			r.Anchor.NextAt = &next
			return nil
		}
		if r.Anchor.Attempts >= s.retry.MaxAttempts {
			confirmed := false
			r.Anchor.Status = AnchorFailed
			r.Anchor.NextAt = nil
			r.LedgerConfirmed = &confirmed
			return nil
		}
		next := now.Add(s.retry.delay(r.Anchor.Attempts))
		r.Anchor.NextAt = &next
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("prescription_id", id.String()).Msg("failed to record anchoring failure")
		return
	}

	ev := s.log.Warn().Err(cause).
		Str("prescription_id", id.String()).
		Str("digest", rec.DataHash).
		Int("attempts", rec.Anchor.Attempts)
	if rec.Anchor.Status == AnchorFailed {
		s.record(ctx, id, audit.ActionAnchor, "system", audit.OutcomeFailure, msg)
		ev.Msg("anchoring abandoned")
		return
	}
	ev.Time("next_at", *rec.Anchor.NextAt).Msg("anchoring failed; retry scheduled")
}

// DrainResult counts what one pass of the worker did.
type DrainResult struct {
	Due      int `json:"due"`
	Anchored int `json:"anchored"`
	Failed   int `json:"failed"`
}

// AnchorWorker retries pending anchors in the background.
type AnchorWorker struct {
	svc      *Service
	interval time.Duration
	batch    int
	log      zerolog.Logger
}

func NewAnchorWorker(svc *Service, interval time.Duration, logger zerolog.Logger) *AnchorWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &AnchorWorker{svc: svc, interval: interval, batch: 50, log: logger}
}

// Drain makes one attempt for every record currently due.
func (w *AnchorWorker) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	ids, err := w.svc.repo.ListAnchorDue(ctx, w.svc.now().UTC(), w.batch)
	if err != nil {
		return res, err
	}
	res.Due = len(ids)
	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		rec, err := w.svc.AnchorOne(ctx, id)
		switch {
		case err != nil:
			res.Failed++
		case rec != nil:
			res.Anchored++
		}
	}
	return res, nil
}

// Run drains on every tick until ctx is cancelled.
func (w *AnchorWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info().Dur("interval", w.interval).Msg("anchor worker started")
	for {
		res, err := w.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("anchor drain failed")
		} else if res.Due > 0 {
			w.log.Info().Int("due", res.Due).Int("anchored", res.Anchored).Int("failed", res.Failed).Msg("anchor drain")
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("anchor worker stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
