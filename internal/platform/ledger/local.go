package ledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"golang.org/x/crypto/sha3"
)

const (
	localDigestPrefix = "digest:"
	localHeightKey    = "meta:height"
	localNetwork      = "local"
)

// Local is an append-only ledger kept in a goleveldb directory. It is meant for
// development and single node deployments where no external chain is available.
type Local struct {
	mu      sync.Mutex
	db      *leveldb.DB
	network string
}

// OpenLocal opens (or creates) the ledger stored at path.
func OpenLocal(path, network string) (*Local, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open local ledger %s: %w", path, err)
	}
	if network == "" {
		network = localNetwork
	}
	return &Local{db: db, network: network}, nil
}

func (l *Local) Close() error {
	return l.db.Close()
}

func digestKey(digest string) []byte {
	return []byte(localDigestPrefix + strings.ToLower(digest))
}

// Anchor appends digest. Anchoring the same digest twice returns the original receipt.
func (l *Local) Anchor(ctx context.Context, digest string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if digest == "" {
		return Receipt{}, fmt.Errorf("anchor: empty digest")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := digestKey(digest)
	if ref, err := l.db.Get(key, nil); err == nil {
		return Receipt{TxRef: string(ref), Network: l.network}, nil
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return Receipt{}, fmt.Errorf("read digest: %w", err)
	}

	height, err := l.height()
	if err != nil {
		return Receipt{}, err
	}
	height++

	var hb [8]byte
	binary.BigEndian.PutUint64(hb[:], height)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(strings.ToLower(digest)))
	h.Write(hb[:])
	ref := "0x" + hex.EncodeToString(h.Sum(nil))

	batch := new(leveldb.Batch)
	batch.Put(key, []byte(ref))
	batch.Put([]byte(localHeightKey), hb[:])
	if err := l.db.Write(batch, nil); err != nil {
		return Receipt{}, fmt.Errorf("write anchor: %w", err)
	}
	return Receipt{TxRef: ref, Network: l.network}, nil
}

// Verify reports whether digest was anchored. Storage errors map to unknown.
func (l *Local) Verify(ctx context.Context, digest string) (State, error) {
	if err := ctx.Err(); err != nil {
		return StateUnknown, err
	}
	_, err := l.db.Get(digestKey(digest), nil)
	switch {
	case err == nil:
		return StatePresent, nil
	case errors.Is(err, leveldb.ErrNotFound):
		return StateAbsent, nil
	default:
		return StateUnknown, fmt.Errorf("read digest: %w", err)
	}
}

// Height is the number of digests anchored so far.
func (l *Local) Height() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height()
}

func (l *Local) height() (uint64, error) {
	b, err := l.db.Get([]byte(localHeightKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read height: %w", err)
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("corrupt height record")
	}
	return binary.BigEndian.Uint64(b), nil
}
