package model

import (
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// PaymentRecord links a Booking to its gateway checkout session. At most one
// active record per booking. StripeSessionID is immutable once set;
// StripePaymentIntentID may be backfilled exactly once when it was unknown at
// creation time.
type PaymentRecord struct {
	ID                    uuid.UUID
	BookingID             uuid.UUID
	UserID                uuid.UUID
	AmountCents           int64
	Currency              string
	Status                PaymentStatus
	StripeSessionID       string
	StripePaymentIntentID *string
	IdempotencyKey        string
	HostAmountCents       int64
	PlatformFeeCents      int64

	CreditNoteRequired bool
	CreditNoteDeadline *time.Time
	InvoiceIssuedAt    *time.Time
	RefundID           *string

	// Share of AmountCents withheld under the space cancellation policy.
	CancellationFeeCents int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SplitConsistent checks host_amount + platform_fee == amount in minor units.
func (p *PaymentRecord) SplitConsistent() bool {
	return p.HostAmountCents+p.PlatformFeeCents == p.AmountCents
}
