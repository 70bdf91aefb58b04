package bookingrepo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"workover/model"
)

// ErrOverlap: another active booking occupies the buffer-expanded interval.
var ErrOverlap = errors.New("slot overlap")

// ReserveCheck runs against the locked space snapshot before the overlap
// check. Returning an error aborts the reservation transaction.
type ReserveCheck func(space *model.Space) error

type ReconRow struct {
	Booking       model.Booking
	SessionID     string
	PaymentID     *uuid.UUID
	PaymentStatus *model.PaymentStatus
	IntentID      *string
}

type Repo interface {
	// ReserveSlot is the atomic conflict-check-and-insert. It locks the space
	// row, runs check against the locked snapshot, counts buffer-expanded
	// overlaps among active bookings (lapsed holds do not count), and inserts
	// the hold. Two concurrent overlapping attempts serialize on the space
	// lock; the second sees the first's row and gets ErrOverlap.
	ReserveSlot(ctx context.Context, b *model.Booking, check ReserveCheck) error

	GetByID(ctx context.Context, id uuid.UUID) (*model.Booking, error)

	// ExpireHolds sweeps every lapsed hold. Shares its predicate with
	// MarkExpiredIfLapsed.
	ExpireHolds(ctx context.Context, now time.Time) (int64, error)

	// MarkExpiredIfLapsed is the lazy-expiry path; idempotent, zero rows when
	// a concurrent expirer won.
	MarkExpiredIfLapsed(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	// UpdateStatusIf advances the state machine conditionally. false = the
	// booking was not in any of the from states (benign for retries).
	UpdateStatusIf(ctx context.Context, id uuid.UUID, from []model.BookingStatus, to model.BookingStatus) (bool, error)

	// MarkCancelled cancels only when the booking is in one of the from
	// states; a system path that reacts to "session expired" must not touch a
	// booking that got confirmed in the meantime.
	MarkCancelled(ctx context.Context, id uuid.UUID, from []model.BookingStatus, by model.CancelInitiator, reason string, at time.Time) (bool, error)

	// ListForReconciliation returns non-terminal bookings with a known
	// gateway session that have been stale since updatedBefore, with their
	// payment linkage (if any).
	ListForReconciliation(ctx context.Context, updatedBefore time.Time) ([]ReconRow, error)

	// ListConfirmedSince scopes the refund-drift repair pass.
	ListConfirmedSince(ctx context.Context, since time.Time) ([]ReconRow, error)

	ListActiveBySpace(ctx context.Context, spaceID uuid.UUID) ([]model.Booking, error)
}

type SpaceLocker interface {
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Space, error)
}

type repo struct {
	db     *sql.DB
	spaces SpaceLocker
}

func New(db *sql.DB, spaces SpaceLocker) Repo { return &repo{db: db, spaces: spaces} }

func (r *repo) ReserveSlot(ctx context.Context, b *model.Booking, check ReserveCheck) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	space, err := r.spaces.GetForUpdate(ctx, tx, b.SpaceID)
	if err != nil {
		return err
	}
	if err = check(space); err != nil {
		return err
	}

	buffer := time.Duration(space.BufferMinutes) * time.Minute
	winStart := b.StartAt.Add(-buffer)
	winEnd := b.EndAt.Add(buffer)

	const overlapQ = `
		SELECT COUNT(*)
		FROM bookings
		WHERE space_id = $1
		AND status IN ('pending_hold', 'pending_payment', 'confirmed')
		AND NOT (status = 'pending_hold' AND reservation_expires_at <= $4)
		AND start_at < $3
		AND end_at > $2`
	var n int64
	if err = tx.QueryRowContext(ctx, overlapQ, b.SpaceID, winStart, winEnd, time.Now().UTC()).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return ErrOverlap
	}

	const insertQ = `
		INSERT INTO bookings
			(id, space_id, user_id, booking_date, start_at, end_at, guests_count,
			 status, reservation_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending_hold', $8, NOW(), NOW())`
	if _, err = tx.ExecContext(ctx, insertQ,
		b.ID, b.SpaceID, b.UserID, b.BookingDate, b.StartAt, b.EndAt, b.GuestsCount,
		b.ReservationExpiresAt,
	); err != nil {
		return err
	}

	return tx.Commit()
}

const bookingColumns = `
	id, space_id, user_id, booking_date, start_at, end_at, guests_count,
	status, reservation_expires_at, stripe_session_id,
	cancelled_by, cancellation_reason, cancelled_at, created_at, updated_at`

func (r *repo) GetByID(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	q := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`
	return scanBooking(r.db.QueryRowContext(ctx, q, id))
}

func (r *repo) ExpireHolds(ctx context.Context, now time.Time) (int64, error) {
	const q = `
		UPDATE bookings
		SET status = 'expired',
			updated_at = NOW()
		WHERE status = 'pending_hold'
		AND reservation_expires_at <= $1`
	res, err := r.db.ExecContext(ctx, q, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *repo) MarkExpiredIfLapsed(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	const q = `
		UPDATE bookings
		SET status = 'expired',
			updated_at = NOW()
		WHERE id = $1
		AND status = 'pending_hold'
		AND reservation_expires_at <= $2`
	res, err := r.db.ExecContext(ctx, q, id, now)
	if err != nil {
		return false, err
	}
	aff, _ := res.RowsAffected()
	return aff > 0, nil
}

func (r *repo) UpdateStatusIf(ctx context.Context, id uuid.UUID, from []model.BookingStatus, to model.BookingStatus) (bool, error) {
	states := make([]string, 0, len(from))
	for _, s := range from {
		states = append(states, string(s))
	}
	const q = `
		UPDATE bookings
		SET status = $2,
			reservation_expires_at = CASE WHEN $2 = 'pending_hold' THEN reservation_expires_at ELSE NULL END,
			updated_at = NOW()
		WHERE id = $1
		AND status = ANY($3)`
	res, err := r.db.ExecContext(ctx, q, id, string(to), states)
	if err != nil {
		return false, err
	}
	aff, _ := res.RowsAffected()
	return aff > 0, nil
}

func (r *repo) MarkCancelled(ctx context.Context, id uuid.UUID, from []model.BookingStatus, by model.CancelInitiator, reason string, at time.Time) (bool, error) {
	states := make([]string, 0, len(from))
	for _, s := range from {
		states = append(states, string(s))
	}
	const q = `
		UPDATE bookings
		SET status = 'cancelled',
			reservation_expires_at = NULL,
			cancelled_by = $2,
			cancellation_reason = $3,
			cancelled_at = $4,
			updated_at = NOW()
		WHERE id = $1
		AND status = ANY($5)`
	res, err := r.db.ExecContext(ctx, q, id, string(by), reason, at, states)
	if err != nil {
		return false, err
	}
	aff, _ := res.RowsAffected()
	return aff > 0, nil
}

func (r *repo) ListForReconciliation(ctx context.Context, updatedBefore time.Time) ([]ReconRow, error) {
	const q = `
		SELECT ` + reconColumns + `
		FROM bookings b
		LEFT JOIN payments p ON p.booking_id = b.id AND p.status <> 'failed'
		WHERE b.status IN ('pending_hold', 'pending_payment')
		AND b.stripe_session_id IS NOT NULL
		AND b.updated_at <= $1
		ORDER BY b.updated_at ASC`
	return r.queryReconRows(ctx, q, updatedBefore)
}

func (r *repo) ListConfirmedSince(ctx context.Context, since time.Time) ([]ReconRow, error) {
	const q = `
		SELECT ` + reconColumns + `
		FROM bookings b
		LEFT JOIN payments p ON p.booking_id = b.id AND p.status <> 'failed'
		WHERE b.status = 'confirmed'
		AND b.updated_at >= $1
		ORDER BY b.updated_at ASC`
	return r.queryReconRows(ctx, q, since)
}

const reconColumns = `
	b.id, b.space_id, b.user_id, b.booking_date, b.start_at, b.end_at, b.guests_count,
	b.status, b.reservation_expires_at, b.stripe_session_id,
	b.cancelled_by, b.cancellation_reason, b.cancelled_at, b.created_at, b.updated_at,
	p.id, p.status, p.stripe_payment_intent_id`

func (r *repo) queryReconRows(ctx context.Context, q string, arg any) ([]ReconRow, error) {
	rows, err := r.db.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReconRow
	for rows.Next() {
		var row ReconRow
		var sessionID sql.NullString
		var cancelledBy sql.NullString
		var paymentStatus sql.NullString
		b := &row.Booking
		if err := rows.Scan(
			&b.ID, &b.SpaceID, &b.UserID, &b.BookingDate, &b.StartAt, &b.EndAt, &b.GuestsCount,
			&b.Status, &b.ReservationExpiresAt, &sessionID,
			&cancelledBy, &b.CancellationReason, &b.CancelledAt, &b.CreatedAt, &b.UpdatedAt,
			&row.PaymentID, &paymentStatus, &row.IntentID,
		); err != nil {
			return nil, err
		}
		if sessionID.Valid {
			row.SessionID = sessionID.String
			b.StripeSessionID = &sessionID.String
		}
		if cancelledBy.Valid {
			ci := model.CancelInitiator(cancelledBy.String)
			b.CancelledBy = &ci
		}
		if paymentStatus.Valid {
			ps := model.PaymentStatus(paymentStatus.String)
			row.PaymentStatus = &ps
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *repo) ListActiveBySpace(ctx context.Context, spaceID uuid.UUID) ([]model.Booking, error) {
	q := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE space_id = $1
		AND status IN ('pending_hold', 'pending_payment', 'confirmed')
		AND NOT (status = 'pending_hold' AND reservation_expires_at <= NOW())
		ORDER BY start_at ASC`
	rows, err := r.db.QueryContext(ctx, q, spaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Booking
	for rows.Next() {
		b, err := scanBookingRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*model.Booking, error) {
	return scanBookingRows(row)
}

func scanBookingRows(row rowScanner) (*model.Booking, error) {
	var b model.Booking
	var sessionID sql.NullString
	var cancelledBy sql.NullString
	err := row.Scan(
		&b.ID, &b.SpaceID, &b.UserID, &b.BookingDate, &b.StartAt, &b.EndAt, &b.GuestsCount,
		&b.Status, &b.ReservationExpiresAt, &sessionID,
		&cancelledBy, &b.CancellationReason, &b.CancelledAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sessionID.Valid {
		b.StripeSessionID = &sessionID.String
	}
	if cancelledBy.Valid {
		ci := model.CancelInitiator(cancelledBy.String)
		b.CancelledBy = &ci
	}
	return &b, nil
}
