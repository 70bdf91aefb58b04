package spacerepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"workover/model"
)

type Repo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Space, error)

	// GetForUpdate locks the space row inside tx. Every reservation for a
	// space takes this lock first, so concurrent conflict checks are
	// linearized and the schedule snapshot is consistent with the check.
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Space, error)

	UpdateAvailability(ctx context.Context, id uuid.UUID, hostID uuid.UUID, av model.Availability) error
}

type repo struct {
	db *sql.DB
}

func New(db *sql.DB) Repo { return &repo{db: db} }

const spaceColumns = `
	s.id, s.host_id, s.title, s.currency,
	s.hourly_rate_cents, s.daily_rate_cents, s.buffer_minutes,
	s.availability, COALESCE(s.cancellation_policy, 'moderate'),
	COALESCE(p.stripe_account_id, ''),
	s.created_at, s.updated_at`

func (r *repo) GetByID(ctx context.Context, id uuid.UUID) (*model.Space, error) {
	q := fmt.Sprintf(`
		SELECT %s
		FROM spaces s
		LEFT JOIN host_profiles p ON p.user_id = s.host_id
		WHERE s.id = $1`, spaceColumns)
	return scanSpace(r.db.QueryRowContext(ctx, q, id))
}

func (r *repo) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Space, error) {
	// FOR UPDATE OF s: only the space row is locked, not the host profile.
	q := fmt.Sprintf(`
		SELECT %s
		FROM spaces s
		LEFT JOIN host_profiles p ON p.user_id = s.host_id
		WHERE s.id = $1
		FOR UPDATE OF s`, spaceColumns)
	return scanSpace(tx.QueryRowContext(ctx, q, id))
}

func (r *repo) UpdateAvailability(ctx context.Context, id uuid.UUID, hostID uuid.UUID, av model.Availability) error {
	raw, err := json.Marshal(av)
	if err != nil {
		return err
	}
	const q = `
		UPDATE spaces
		SET availability = $3,
			updated_at = NOW()
		WHERE id = $1
		AND host_id = $2`
	res, err := r.db.ExecContext(ctx, q, id, hostID, raw)
	if err != nil {
		return err
	}
	if aff, _ := res.RowsAffected(); aff == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpace(row rowScanner) (*model.Space, error) {
	var s model.Space
	var rawAvailability []byte
	err := row.Scan(
		&s.ID, &s.HostID, &s.Title, &s.Currency,
		&s.HourlyRateCents, &s.DailyRateCents, &s.BufferMinutes,
		&rawAvailability, &s.CancellationPolicy, &s.HostStripeAccount,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(rawAvailability) > 0 {
		if err := json.Unmarshal(rawAvailability, &s.Availability); err != nil {
			return nil, fmt.Errorf("space %s: bad availability document: %w", s.ID, err)
		}
	}
	return &s, nil
}
