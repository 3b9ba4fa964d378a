// Package audit records who did what to which prescription, and whether it was allowed.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/rxtrust/rxtrust/internal/platform/db"
)

// Actions.
const (
	ActionCreate = "create"
	ActionAnchor = "anchor"
	ActionVerify = "verify"
	ActionShare  = "share"
	ActionLock   = "lock"
	ActionRedeem = "redeem"
	ActionView   = "view"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// Event is one audit trail row.
type Event struct {
	ID             uuid.UUID `json:"id"`
	PrescriptionID uuid.UUID `json:"prescription_id"`
	Action         string    `json:"action"`
	Actor          string    `json:"actor"`
	Outcome        string    `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	Recorded       time.Time `json:"recorded"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(prescriptionID uuid.UUID, action, actor, outcome, reason string) Event {
	return Event{
		ID:             uuid.New(),
		PrescriptionID: prescriptionID,
		Action:         action,
		Actor:          actor,
		Outcome:        outcome,
		Reason:         reason,
		Recorded:       time.Now().UTC(),
	}
}

// Recorder persists audit events. Record must not fail the caller's operation;
// implementations log their own errors.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// Lister reads back the trail for one prescription, newest first.
type Lister interface {
	List(ctx context.Context, prescriptionID uuid.UUID, limit int) ([]Event, error)
}

// LogRecorder writes events to a zerolog logger.
type LogRecorder struct {
	log zerolog.Logger
}

func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{log: logger}
}

func (r *LogRecorder) Record(_ context.Context, e Event) {
	r.log.Info().
		Str("audit_id", e.ID.String()).
		Str("prescription_id", e.PrescriptionID.String()).
		Str("action", e.Action).
		Str("actor", e.Actor).
		Str("outcome", e.Outcome).
		Str("reason", e.Reason).
		Time("recorded", e.Recorded).
		Msg("audit")
}

// PGRecorder inserts events into prescription_audit_event. On failure the event
// is written to the fallback logger so it is never silently lost.
type PGRecorder struct {
	pool     *pgxpool.Pool
	fallback *LogRecorder
}

func NewPGRecorder(pool *pgxpool.Pool, logger zerolog.Logger) *PGRecorder {
	return &PGRecorder{pool: pool, fallback: NewLogRecorder(logger)}
}

func (r *PGRecorder) Record(ctx context.Context, e Event) {
	if err := r.insert(ctx, e); err != nil {
		r.fallback.log.Error().Err(err).Msg("audit insert failed")
		r.fallback.Record(ctx, e)
	}
}

func (r *PGRecorder) insert(ctx context.Context, e Event) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO prescription_audit_event (id, prescription_id, action, actor, outcome, reason, recorded)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.PrescriptionID, e.Action, e.Actor, e.Outcome, e.Reason, e.Recorded)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// List returns the most recent events for a prescription, newest first.
func (r *PGRecorder) List(ctx context.Context, prescriptionID uuid.UUID, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, prescription_id, action, actor, outcome, reason, recorded
		FROM prescription_audit_event
		WHERE prescription_id = $1
		ORDER BY recorded DESC
		LIMIT $2`, prescriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.PrescriptionID, &e.Action, &e.Actor, &e.Outcome, &e.Reason, &e.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
