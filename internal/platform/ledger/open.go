package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Options selects and configures a backend.
type Options struct {
	Backend       string // evm, local or none
	EVM           EVMConfig
	LocalPath     string
	AnchorTimeout time.Duration
	VerifyTimeout time.Duration
}

// Open builds the process-wide ledger. A misconfigured EVM backend does not
// fail startup: it is logged and replaced by Unconfigured so prescriptions can
// still be created and read. An unreachable RPC node is not detected here; its
// calls fail later and verification reports unknown. The returned close func
// is never nil.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (Anchor, func() error, error) {
	noop := func() error { return nil }

	var (
		inner  Anchor
		closer = noop
	)
	switch opts.Backend {
	case "", "none":
		logger.Warn().Msg("no ledger backend configured; digests will not be anchored")
		inner = Unconfigured{}
	case "local":
		l, err := OpenLocal(opts.LocalPath, opts.EVM.Network)
		if err != nil {
			return nil, noop, err
		}
		h, err := l.Height()
		if err != nil {
			_ = l.Close()
			return nil, noop, fmt.Errorf("open local ledger: %w", err)
		}
		inner, closer = l, l.Close
		logger.Info().Str("path", opts.LocalPath).Uint64("height", h).Msg("using local ledger")
	case "evm":
		e, err := DialEVM(ctx, opts.EVM)
		if err != nil {
			if !errors.Is(err, ErrUnconfigured) {
				return nil, noop, err
			}
			logger.Warn().Err(err).Msg("evm ledger unavailable; anchoring disabled")
			inner = Unconfigured{Reason: err}
			break
		}
		inner, closer = e, e.Close
		logger.Info().Str("contract", opts.EVM.ContractAddress).Msg("evm ledger bound")
	default:
		return nil, noop, fmt.Errorf("unknown ledger backend %q", opts.Backend)
	}

	return NewBounded(inner, opts.AnchorTimeout, opts.VerifyTimeout), closer, nil
}
