package model

import (
	"time"

	"github.com/google/uuid"
)

type BookingStatus string

const (
	BookingPendingHold    BookingStatus = "pending_hold"
	BookingPendingPayment BookingStatus = "pending_payment"
	BookingConfirmed      BookingStatus = "confirmed"
	BookingCancelled      BookingStatus = "cancelled"
	BookingExpired        BookingStatus = "expired"
)

// Terminal states are never left; transitions attempted from them are no-ops.
func (s BookingStatus) Terminal() bool {
	return s == BookingCancelled || s == BookingExpired
}

// Active states occupy the slot for overlap purposes.
func (s BookingStatus) Active() bool {
	return s == BookingPendingHold || s == BookingPendingPayment || s == BookingConfirmed
}

type CancelInitiator string

const (
	CancelledByRequester CancelInitiator = "requester"
	CancelledByHost      CancelInitiator = "host"
	CancelledBySystem    CancelInitiator = "system"
)

// Booking is the central entity. Rows are never deleted; terminal status plus
// the cancellation fields form the audit trail.
type Booking struct {
	ID          uuid.UUID
	SpaceID     uuid.UUID
	UserID      uuid.UUID
	BookingDate string // "2006-01-02", derived from StartAt in UTC
	StartAt     time.Time
	EndAt       time.Time
	GuestsCount int
	Status      BookingStatus

	// Set only while Status == pending_hold.
	ReservationExpiresAt *time.Time

	// Gateway checkout session linkage, set when a payment session is opened.
	// Kept on the booking so orphan rows (session opened, payment row lost)
	// remain reconcilable.
	StripeSessionID *string

	CancelledBy        *CancelInitiator
	CancellationReason *string
	CancelledAt        *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HoldExpired is the single expiry predicate shared by the lazy check and the
// sweep.
func (b *Booking) HoldExpired(now time.Time) bool {
	return b.Status == BookingPendingHold &&
		b.ReservationExpiresAt != nil &&
		now.After(*b.ReservationExpiresAt)
}
