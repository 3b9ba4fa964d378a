package prescription

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rxtrust/rxtrust/internal/platform/ledger"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, 2 * time.Minute},
		{3, 10 * time.Minute},
		{4, time.Hour},
		{9, time.Hour},
	}
	for _, tt := range tests {
		if got := p.delay(tt.attempt); got != tt.want {
			t.Errorf("delay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
	if (RetryPolicy{}).delay(3) != time.Minute {
		t.Error("empty policy falls back to one minute")
	}
}

func TestAnchoring_DeferredModeLeavesWorkToWorker(t *testing.T) {
	env := newTestEnv(WithAnchorMode(AnchorDeferred))
	ctx := context.Background()
	created := env.create(t)
	if created.LedgerTxRef != nil {
		t.Fatal("deferred mode must not anchor inline")
	}

	w := NewAnchorWorker(env.svc, time.Second, zerolog.Nop())
	res, err := w.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.Due != 1 || res.Anchored != 1 || res.Failed != 0 {
		t.Errorf("unexpected drain result %+v", res)
	}
	rec, _ := env.repo.GetByID(ctx, created.ID)
	if rec.Anchor.Status != AnchorAnchored || rec.LedgerTxRef == nil {
		t.Errorf("expected anchored record, got %+v", rec.Anchor)
	}

	res, _ = w.Drain(ctx)
	if res.Due != 0 {
		t.Errorf("anchored records are never due again, got %+v", res)
	}
}

func TestAnchoring_BackoffThenSuccess(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.ledger.anchorErr = errors.New("rpc unavailable")
	created := env.create(t)
	w := NewAnchorWorker(env.svc, time.Second, zerolog.Nop())

	rec, _ := env.repo.GetByID(ctx, created.ID)
	if rec.Anchor.Attempts != 1 || !rec.Anchor.NextAt.Equal(env.clock.Now().Add(30*time.Second)) {
		t.Fatalf("unexpected state after first failure %+v", rec.Anchor)
	}

	if res, _ := w.Drain(ctx); res.Due != 0 {
		t.Errorf("record must not be due before its backoff elapses, got %+v", res)
	}

	env.clock.Advance(30 * time.Second)
	res, err := w.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.Failed != 1 {
		t.Errorf("expected one failure, got %+v", res)
	}
	rec, _ = env.repo.GetByID(ctx, created.ID)
	if rec.Anchor.Attempts != 2 || !rec.Anchor.NextAt.Equal(env.clock.Now().Add(2*time.Minute)) {
		t.Fatalf("unexpected state after second failure %+v", rec.Anchor)
	}

	env.ledger.mu.Lock()
	env.ledger.anchorErr = nil
	env.ledger.mu.Unlock()
	env.clock.Advance(2 * time.Minute)
	if res, _ := w.Drain(ctx); res.Anchored != 1 {
		t.Fatalf("expected the retry to anchor, got %+v", res)
	}
	rec, _ = env.repo.GetByID(ctx, created.ID)
	if rec.Anchor.Status != AnchorAnchored || rec.Anchor.LastError != nil || rec.Anchor.NextAt != nil {
		t.Errorf("unexpected anchored state %+v", rec.Anchor)
	}
}

func TestAnchoring_GivesUpAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(WithRetryPolicy(RetryPolicy{
		Delays:      []time.Duration{time.Second},
		MaxAttempts: 3,
		Lease:       time.Minute,
	}))
	ctx := context.Background()
	env.ledger.anchorErr = errors.New("reverted")
	created := env.create(t)

	for i := 0; i < 2; i++ {
		env.clock.Advance(time.Second)
		if _, err := env.svc.AnchorOne(ctx, created.ID); err == nil {
			t.Fatalf("attempt %d: expected error", i+2)
		}
	}
	rec, _ := env.repo.GetByID(ctx, created.ID)
	if rec.Anchor.Status != AnchorFailed || rec.Anchor.Attempts != 3 {
		t.Fatalf("expected failed after 3 attempts, got %+v", rec.Anchor)
	}
	if rec.LedgerConfirmed == nil || *rec.LedgerConfirmed {
		t.Error("abandoned anchoring must record ledgerConfirmed=false")
	}

	env.clock.Advance(time.Hour)
	got, err := env.svc.AnchorOne(ctx, created.ID)
	if got != nil || err != nil {
		t.Errorf("failed records are not retried, got %v, %v", got, err)
	}
}

func TestAnchoring_UnconfiguredLedgerKeepsAttempts(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.ledger.anchorErr = &ledger.ConfigError{Missing: []string{"LEDGER_RPC_URL"}}
	created := env.create(t)

	rec, _ := env.repo.GetByID(ctx, created.ID)
	if rec.Anchor.Status != AnchorPending || rec.Anchor.Attempts != 0 {
		t.Errorf("unconfigured ledger must not consume attempts, got %+v", rec.Anchor)
	}
	if !rec.Anchor.NextAt.Equal(env.clock.Now().Add(time.Hour)) {
		t.Errorf("expected the longest backoff, got %v", rec.Anchor.NextAt)
	}
}

func TestAnchoring_RetryFindsEarlierSubmission(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.ledger.anchorErr = errors.New("response lost")
	created := env.create(t)

	// The first submission landed even though the client saw an error.
	env.ledger.mu.Lock()
	env.ledger.digests[created.DataHash] = true
	env.ledger.mu.Unlock()

	env.clock.Advance(30 * time.Second)
	rec, err := env.svc.AnchorOne(ctx, created.ID)
	if err != nil {
		t.Fatalf("AnchorOne: %v", err)
	}
	if rec == nil || rec.Anchor.Status != AnchorAnchored {
		t.Fatalf("expected anchored record, got %+v", rec)
	}
	if env.ledger.anchors != 0 {
		t.Errorf("digest must not be submitted twice, got %d submissions", env.ledger.anchors)
	}
}

func TestAnchoring_MiningTimeoutKeepsTxRef(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.ledger.waitErr = fmt.Errorf("wait mined: %w", context.DeadlineExceeded)
	created := env.create(t)

	pending, _ := env.repo.GetByID(ctx, created.ID)
	if pending.Anchor.Status != AnchorPending {
		t.Fatalf("expected pending after the wait failed, got %s", pending.Anchor.Status)
	}
	if pending.LedgerTxRef == nil || *pending.LedgerTxRef != "0xtx1" {
		t.Fatalf("submitted tx hash must be kept, got %v", pending.LedgerTxRef)
	}
	if pending.LedgerConfirmed != nil && *pending.LedgerConfirmed {
		t.Error("an unmined transaction must not be confirmed")
	}

	env.clock.Advance(30 * time.Second)
	rec, err := env.svc.AnchorOne(ctx, created.ID)
	if err != nil {
		t.Fatalf("AnchorOne: %v", err)
	}
	if rec == nil || rec.Anchor.Status != AnchorAnchored {
		t.Fatalf("expected anchored record, got %+v", rec)
	}
	if rec.LedgerTxRef == nil || *rec.LedgerTxRef != "0xtx1" {
		t.Errorf("expected tx ref 0xtx1, got %v", rec.LedgerTxRef)
	}
	if rec.LedgerNetwork == nil || *rec.LedgerNetwork != "mock" {
		t.Errorf("expected network mock, got %v", rec.LedgerNetwork)
	}
	if env.ledger.anchors != 1 {
		t.Errorf("digest must not be submitted twice, got %d submissions", env.ledger.anchors)
	}
}

func TestAnchoring_DroppedSubmissionIsReplaced(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.ledger.waitErr = errors.New("wait mined: timeout")
	env.ledger.dropSent = true
	created := env.create(t)

	env.ledger.mu.Lock()
	env.ledger.waitErr = nil
	env.ledger.mu.Unlock()

	env.clock.Advance(30 * time.Second)
	rec, err := env.svc.AnchorOne(ctx, created.ID)
	if err != nil {
		t.Fatalf("AnchorOne: %v", err)
	}
	if rec == nil || rec.LedgerTxRef == nil || *rec.LedgerTxRef != "0xtx2" {
		t.Errorf("expected the mined transaction 0xtx2, got %+v", rec)
	}
}

func TestAnchoring_LeaseBlocksConcurrentClaim(t *testing.T) {
	env := newTestEnv(WithAnchorMode(AnchorDeferred))
	ctx := context.Background()
	created := env.create(t)

	if _, err := env.svc.claimAnchor(ctx, created.ID); err != nil {
		t.Fatalf("claimAnchor: %v", err)
	}
	rec, err := env.svc.AnchorOne(ctx, created.ID)
	if rec != nil || err != nil {
		t.Errorf("leased record must be skipped, got %v, %v", rec, err)
	}
}

func TestAnchoring_ConfirmAnchorKeepsFirstReceipt(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	created := env.create(t)

	rec, err := env.svc.ConfirmAnchor(ctx, created.ID, ledger.Receipt{TxRef: "0xother", Network: "other"})
	if err != nil {
		t.Fatalf("ConfirmAnchor: %v", err)
	}
	if *rec.LedgerTxRef != "0xtx1" || *rec.LedgerNetwork != "mock" {
		t.Errorf("expected the original receipt, got %s on %s", *rec.LedgerTxRef, *rec.LedgerNetwork)
	}
}

func TestAnchorWorker_RunStopsOnCancel(t *testing.T) {
	env := newTestEnv(WithAnchorMode(AnchorDeferred))
	env.create(t)
	w := NewAnchorWorker(env.svc, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		ids, _ := env.repo.ListAnchorDue(context.Background(), env.clock.Now().Add(time.Hour), 0)
		if len(ids) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker did not anchor the pending record")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
