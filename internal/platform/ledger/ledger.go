// Package ledger anchors content digests to an external append-only ledger and
// answers whether a digest has been anchored.
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the tri-state answer to "is this digest on the ledger".
type State string

const (
	StatePresent State = "present"
	StateAbsent  State = "absent"
	StateUnknown State = "unknown"
)

var (
	// ErrUnconfigured is returned when endpoint, credentials, contract address
	// or ABI are missing or malformed.
	ErrUnconfigured = errors.New("ledger not configured")
	// ErrTimeout is returned when a ledger call exceeds its deadline.
	ErrTimeout = errors.New("ledger call timed out")
)

// ConfigError names the settings that prevented the ledger from being built.
type ConfigError struct {
	Missing []string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := "ledger not configured"
	if len(e.Missing) > 0 {
		msg += ": missing " + strings.Join(e.Missing, ", ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Is(target error) bool { return target == ErrUnconfigured }

func (e *ConfigError) Unwrap() error { return e.Err }

// Receipt identifies the ledger transaction that recorded a digest.
type Receipt struct {
	TxRef   string `json:"txRef"`
	Network string `json:"network,omitempty"`
}

// SubmittedError means the transaction in Receipt was sent but its outcome was
// not observed, e.g. the wait for mining timed out.
type SubmittedError struct {
	Receipt Receipt
	Err     error
}

func (e *SubmittedError) Error() string {
	return fmt.Sprintf("transaction %s submitted but not confirmed: %v", e.Receipt.TxRef, e.Err)
}

func (e *SubmittedError) Unwrap() error { return e.Err }

// DigestBytes32 decodes a "0x" prefixed 64 digit hex digest into the array
// contracts take as bytes32. The prefix is optional.
func DigestBytes32(d string) (out [32]byte, ok bool) {
	s := strings.TrimPrefix(strings.ToLower(d), "0x")
	if len(s) != 64 {
		return out, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, false
	}
	copy(out[:], b)
	return out, true
}

// Verifier answers presence queries. A non-nil error always comes with StateUnknown.
type Verifier interface {
	Verify(ctx context.Context, digest string) (State, error)
}

// Anchor records digests and answers presence queries.
type Anchor interface {
	Verifier
	Anchor(ctx context.Context, digest string) (Receipt, error)
}

// Check collapses a Verify call into a State, treating every error as unknown.
func Check(ctx context.Context, v Verifier, digest string) State {
	state, err := v.Verify(ctx, digest)
	if err != nil {
		return StateUnknown
	}
	switch state {
	case StatePresent, StateAbsent:
		return state
	default:
		return StateUnknown
	}
}

// Unconfigured is the ledger used when no backend is available.
type Unconfigured struct {
	Reason error
}

func (u Unconfigured) err() error {
	if u.Reason != nil {
		return u.Reason
	}
	return ErrUnconfigured
}

func (u Unconfigured) Anchor(context.Context, string) (Receipt, error) {
	return Receipt{}, u.err()
}

func (u Unconfigured) Verify(context.Context, string) (State, error) {
	return StateUnknown, u.err()
}

// Bounded wraps an Anchor so each call carries its own deadline.
type Bounded struct {
	inner         Anchor
	anchorTimeout time.Duration
	verifyTimeout time.Duration
}

// NewBounded wraps inner with per-call timeouts. Non-positive values disable the bound.
func NewBounded(inner Anchor, anchorTimeout, verifyTimeout time.Duration) *Bounded {
	return &Bounded{inner: inner, anchorTimeout: anchorTimeout, verifyTimeout: verifyTimeout}
}

func (b *Bounded) Anchor(ctx context.Context, digest string) (Receipt, error) {
	ctx, cancel := withTimeout(ctx, b.anchorTimeout)
	defer cancel()

	r, err := b.inner.Anchor(ctx, digest)
	if err != nil {
		return Receipt{}, timeoutErr(ctx, "anchor", err)
	}
	return r, nil
}

func (b *Bounded) Verify(ctx context.Context, digest string) (State, error) {
	ctx, cancel := withTimeout(ctx, b.verifyTimeout)
	defer cancel()

	s, err := b.inner.Verify(ctx, digest)
	if err != nil {
		return StateUnknown, timeoutErr(ctx, "verify", err)
	}
	return s, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func timeoutErr(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return err
}
