package prescription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository stores prescription records. Update is an atomic
// read-modify-write on a single record: fn sees the latest state, and when it
// returns an error nothing is written and that error is returned.
type Repository interface {
	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	Update(ctx context.Context, id uuid.UUID, fn func(r *Record) error) (*Record, error)
	// ListAnchorDue returns ids of pending records whose next attempt is due.
	ListAnchorDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}
