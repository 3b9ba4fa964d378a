package integrity

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/rxtrust/rxtrust/internal/platform/ledger"
)

// Reasons attached to an unverified Result.
const (
	ReasonHashMismatch           = "hash-mismatch"
	ReasonLedgerMismatch         = "ledger-mismatch"
	ReasonUnsupportedHashVersion = "unsupported-hash-version"
)

// Result is the verdict for one piece of content.
type Result struct {
	Verified     bool         `json:"verified"`
	Reason       string       `json:"reason,omitempty"`
	ComputedHash string       `json:"computedHash"`
	StoredHash   string       `json:"storedHash"`
	HashMatches  bool         `json:"hashMatches"`
	LedgerState  ledger.State `json:"ledgerState"`
}

// Engine recomputes digests and consults the ledger. It never mutates anything
// and is safe for concurrent use.
type Engine struct {
	ledger ledger.Verifier
	log    zerolog.Logger
}

// NewEngine builds an Engine. A nil verifier behaves like an unconfigured ledger.
func NewEngine(v ledger.Verifier, logger zerolog.Logger) *Engine {
	if v == nil {
		v = ledger.Unconfigured{}
	}
	return &Engine{ledger: v, log: logger}
}

// Verify hashes canonical and compares it to storedHash. The ledger is only
// asked when a stored hash exists; any ledger failure degrades to unknown and
// does not affect the verdict.
func (e *Engine) Verify(ctx context.Context, canonical []byte, storedHash string) Result {
	computed := Sum(canonical)
	res := Result{
		ComputedHash: computed.String(),
		StoredHash:   storedHash,
		HashMatches:  storedHash != "" && computed.Equal(storedHash),
		LedgerState:  ledger.StateUnknown,
	}

	if storedHash != "" {
		state, err := e.ledger.Verify(ctx, storedHash)
		if err != nil {
			e.log.Warn().Err(err).Str("digest", storedHash).Msg("ledger verification unavailable")
			state = ledger.StateUnknown
		}
		res.LedgerState = state
	}

	switch {
	case !res.HashMatches:
		res.Reason = ReasonHashMismatch
	case res.LedgerState == ledger.StateAbsent:
		res.Reason = ReasonLedgerMismatch
	default:
		res.Verified = true
	}
	return res
}

// Unsupported is the verdict for records whose hash version this build cannot
// reproduce. The stored hash is echoed so callers can still display it.
func Unsupported(storedHash string) Result {
	return Result{
		Reason:      ReasonUnsupportedHashVersion,
		StoredHash:  storedHash,
		LedgerState: ledger.StateUnknown,
	}
}
