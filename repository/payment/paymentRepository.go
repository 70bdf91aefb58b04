package paymentrepo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"workover/model"
)

// ErrStateChanged: the booking left pending_hold between the gateway call and
// the local commit. The caller reports a stale view; no payment row is kept.
var ErrStateChanged = errors.New("booking state changed")

type Repo interface {
	// CreateForBooking persists the pending payment and advances the booking
	// pending_hold -> pending_payment (recording the session id on the
	// booking) in one transaction. ErrStateChanged when the booking is no
	// longer holdable.
	CreateForBooking(ctx context.Context, p *model.PaymentRecord) error

	GetActiveByBooking(ctx context.Context, bookingID uuid.UUID) (*model.PaymentRecord, error)
	GetBySessionID(ctx context.Context, sessionID string) (*model.PaymentRecord, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*model.PaymentRecord, error)

	// Insert writes a reconciliation-backfilled record without touching the
	// booking row.
	Insert(ctx context.Context, p *model.PaymentRecord) error

	// MarkCompletedIf flips pending -> completed. false = already terminal
	// (duplicate webhook or sweep overlap), which callers treat as a no-op.
	MarkCompletedIf(ctx context.Context, id uuid.UUID) (bool, error)

	MarkRefunded(ctx context.Context, id uuid.UUID, refundID string) (bool, error)

	// MarkFailedIf flips pending -> failed when a session dies without funds
	// captured.
	MarkFailedIf(ctx context.Context, id uuid.UUID) (bool, error)

	// BackfillIntentID is the one-time self-heal: set only when currently
	// NULL, never overwritten.
	BackfillIntentID(ctx context.Context, id uuid.UUID, intentID string) error

	// SetCancellationFee records the share withheld under the space
	// cancellation policy.
	SetCancellationFee(ctx context.Context, id uuid.UUID, feeCents int64) error

	SetCreditNoteRequired(ctx context.Context, id uuid.UUID, deadline time.Time) error
	ClearCreditNote(ctx context.Context, id uuid.UUID) (bool, error)
	MarkInvoiceIssued(ctx context.Context, bookingID uuid.UUID, at time.Time) (bool, error)
	ListOverdueCreditNotes(ctx context.Context, now time.Time) ([]model.PaymentRecord, error)
}

type repo struct {
	db *sql.DB
}

func New(db *sql.DB) Repo { return &repo{db: db} }

const paymentColumns = `
	id, booking_id, user_id, amount_cents, currency, status,
	stripe_session_id, stripe_payment_intent_id, idempotency_key,
	host_amount_cents, platform_fee_cents,
	credit_note_required, credit_note_deadline, invoice_issued_at, refund_id,
	cancellation_fee_cents,
	created_at, updated_at`

func (r *repo) CreateForBooking(ctx context.Context, p *model.PaymentRecord) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const bookingQ = `
		UPDATE bookings
		SET status = 'pending_payment',
			stripe_session_id = $2,
			updated_at = NOW()
		WHERE id = $1
		AND status = 'pending_hold'
		AND reservation_expires_at > NOW()`
	res, err := tx.ExecContext(ctx, bookingQ, p.BookingID, p.StripeSessionID)
	if err != nil {
		return err
	}
	if aff, _ := res.RowsAffected(); aff == 0 {
		return ErrStateChanged
	}

	if err = insertPayment(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *repo) Insert(ctx context.Context, p *model.PaymentRecord) error {
	return insertPayment(ctx, r.db, p)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertPayment(ctx context.Context, db execer, p *model.PaymentRecord) error {
	const q = `
		INSERT INTO payments
			(id, booking_id, user_id, amount_cents, currency, status,
			 stripe_session_id, stripe_payment_intent_id, idempotency_key,
			 host_amount_cents, platform_fee_cents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())`
	_, err := db.ExecContext(ctx, q,
		p.ID, p.BookingID, p.UserID, p.AmountCents, p.Currency, p.Status,
		p.StripeSessionID, p.StripePaymentIntentID, p.IdempotencyKey,
		p.HostAmountCents, p.PlatformFeeCents,
	)
	return err
}

func (r *repo) GetActiveByBooking(ctx context.Context, bookingID uuid.UUID) (*model.PaymentRecord, error) {
	q := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE booking_id = $1
		AND status <> 'failed'
		ORDER BY created_at DESC
		LIMIT 1`
	return scanPayment(r.db.QueryRowContext(ctx, q, bookingID))
}

func (r *repo) GetBySessionID(ctx context.Context, sessionID string) (*model.PaymentRecord, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE stripe_session_id = $1`
	return scanPayment(r.db.QueryRowContext(ctx, q, sessionID))
}

func (r *repo) GetByIdempotencyKey(ctx context.Context, key string) (*model.PaymentRecord, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE idempotency_key = $1`
	return scanPayment(r.db.QueryRowContext(ctx, q, key))
}

func (r *repo) MarkCompletedIf(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `
		UPDATE payments
		SET status = 'completed',
			updated_at = NOW()
		WHERE id = $1
		AND status = 'pending'`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return false, err
	}
	aff, _ := res.RowsAffected()
	return aff > 0, nil
}

func (r *repo) MarkFailedIf(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `
		UPDATE payments
		SET status = 'failed',
			updated_at = NOW()
		WHERE id = $1
		AND status = 'pending'`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return false, err
	}
	aff, _ := res.RowsAffected()
	return aff > 0, nil
}

func (r *repo) MarkRefunded(ctx context.Context, id uuid.UUID, refundID string) (bool, error) {
	const q = `
		UPDATE payments
		SET status = 'refunded',
			refund_id = $2,
			updated_at = NOW()
		WHERE id = $1
		AND status IN ('pending', 'completed', 'failed')`
	res, err := r.db.ExecContext(ctx, q, id, refundID)
	if err != nil {
		return false, err
	}
	aff, _ := res.RowsAffected()
	return aff > 0, nil
}

func (r *repo) BackfillIntentID(ctx context.Context, id uuid.UUID, intentID string) error {
	const q = `
		UPDATE payments
		SET stripe_payment_intent_id = $2,
			updated_at = NOW()
		WHERE id = $1
		AND stripe_payment_intent_id IS NULL`
	_, err := r.db.ExecContext(ctx, q, id, intentID)
	return err
}

func (r *repo) SetCancellationFee(ctx context.Context, id uuid.UUID, feeCents int64) error {
	const q = `
		UPDATE payments
		SET cancellation_fee_cents = $2,
			updated_at = NOW()
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, q, id, feeCents)
	return err
}

func (r *repo) SetCreditNoteRequired(ctx context.Context, id uuid.UUID, deadline time.Time) error {
	const q = `
		UPDATE payments
		SET credit_note_required = TRUE,
			credit_note_deadline = $2,
			updated_at = NOW()
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, q, id, deadline)
	return err
}

func (r *repo) ClearCreditNote(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `
		UPDATE payments
		SET credit_note_required = FALSE,
			updated_at = NOW()
		WHERE id = $1
		AND credit_note_required = TRUE`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return false, err
	}
	aff, _ := res.RowsAffected()
	return aff > 0, nil
}

func (r *repo) MarkInvoiceIssued(ctx context.Context, bookingID uuid.UUID, at time.Time) (bool, error) {
	const q = `
		UPDATE payments
		SET invoice_issued_at = $2,
			updated_at = NOW()
		WHERE booking_id = $1
		AND status = 'completed'
		AND invoice_issued_at IS NULL`
	res, err := r.db.ExecContext(ctx, q, bookingID, at)
	if err != nil {
		return false, err
	}
	aff, _ := res.RowsAffected()
	return aff > 0, nil
}

func (r *repo) ListOverdueCreditNotes(ctx context.Context, now time.Time) ([]model.PaymentRecord, error) {
	q := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE credit_note_required = TRUE
		AND credit_note_deadline < $1
		ORDER BY credit_note_deadline ASC`
	rows, err := r.db.QueryContext(ctx, q, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PaymentRecord
	for rows.Next() {
		p, err := scanPaymentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*model.PaymentRecord, error) {
	return scanPaymentRows(row)
}

func scanPaymentRows(row rowScanner) (*model.PaymentRecord, error) {
	var p model.PaymentRecord
	err := row.Scan(
		&p.ID, &p.BookingID, &p.UserID, &p.AmountCents, &p.Currency, &p.Status,
		&p.StripeSessionID, &p.StripePaymentIntentID, &p.IdempotencyKey,
		&p.HostAmountCents, &p.PlatformFeeCents,
		&p.CreditNoteRequired, &p.CreditNoteDeadline, &p.InvoiceIssuedAt, &p.RefundID,
		&p.CancellationFeeCents,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
