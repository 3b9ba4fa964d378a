package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rxtrust/rxtrust/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const prescriptionCols = `id, subject_name, subject_contact, author_id, age, sex, medicines, notes,
	data_hash, hash_version, ledger_tx_ref, ledger_network, ledger_confirmed,
	anchor_status, anchor_attempts, anchor_next_at, anchor_last_error,
	is_locked, share_otp, otp_expires_at, otp_verified_by, created_at, updated_at`

func (r *repoPG) scan(row pgx.Row) (*Record, error) {
	var (
		rec       Record
		form      CanonicalForm
		medicines []byte
		status    string
	)
	err := row.Scan(&rec.ID, &form.SubjectName, &form.SubjectContact, &form.AuthorID, &form.Age, &form.Sex,
		&medicines, &form.Notes,
		&rec.DataHash, &rec.HashVersion, &rec.LedgerTxRef, &rec.LedgerNetwork, &rec.LedgerConfirmed,
		&status, &rec.Anchor.Attempts, &rec.Anchor.NextAt, &rec.Anchor.LastError,
		&rec.IsLocked, &rec.ShareOTP, &rec.OTPExpiresAt, &rec.OTPVerifiedBy, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(medicines) > 0 {
		if err := json.Unmarshal(medicines, &form.Medicines); err != nil {
			return nil, fmt.Errorf("decode medicines for %s: %w", rec.ID, err)
		}
	}
	rec.Content = contentFromForm(form)
	rec.Anchor.Status = AnchorStatus(status)
	return &rec, nil
}

func (r *repoPG) Create(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	form := formOf(rec.Content)
	medicines, err := json.Marshal(form.Medicines)
	if err != nil {
		return fmt.Errorf("encode medicines: %w", err)
	}

	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO prescription (`+prescriptionCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		rec.ID, form.SubjectName, form.SubjectContact, form.AuthorID, form.Age, form.Sex,
		string(medicines), form.Notes,
		rec.DataHash, rec.HashVersion, rec.LedgerTxRef, rec.LedgerNetwork, rec.LedgerConfirmed,
		string(rec.Anchor.Status), rec.Anchor.Attempts, rec.Anchor.NextAt, rec.Anchor.LastError,
		rec.IsLocked, rec.ShareOTP, rec.OTPExpiresAt, rec.OTPVerifiedBy, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return r.scan(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+prescriptionCols+` FROM prescription WHERE id = $1`, id))
}

// Update locks the row for the duration of fn. Only integrity and access
// columns are written back; clinical columns are never part of the statement.
func (r *repoPG) Update(ctx context.Context, id uuid.UUID, fn func(*Record) error) (*Record, error) {
	var out *Record
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)
		rec, err := r.scan(q.QueryRow(ctx,
			`SELECT `+prescriptionCols+` FROM prescription WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		rec.UpdatedAt = time.Now().UTC()

		_, err = q.Exec(ctx, `
			UPDATE prescription SET
				ledger_tx_ref = $2, ledger_network = $3, ledger_confirmed = $4,
				anchor_status = $5, anchor_attempts = $6, anchor_next_at = $7, anchor_last_error = $8,
				is_locked = $9, share_otp = $10, otp_expires_at = $11, otp_verified_by = $12,
				updated_at = $13
			WHERE id = $1`,
			id, rec.LedgerTxRef, rec.LedgerNetwork, rec.LedgerConfirmed,
			string(rec.Anchor.Status), rec.Anchor.Attempts, rec.Anchor.NextAt, rec.Anchor.LastError,
			rec.IsLocked, rec.ShareOTP, rec.OTPExpiresAt, rec.OTPVerifiedBy, rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update prescription: %w", err)
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repoPG) ListAnchorDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id FROM prescription
		WHERE anchor_status = 'pending' AND (anchor_next_at IS NULL OR anchor_next_at <= $1)
		ORDER BY anchor_next_at NULLS FIRST
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list anchor due: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
