package notifysvc

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"workover/model"
)

// Broker is what the amqp publisher provides.
type Broker interface {
	PublishJSON(ctx context.Context, routingKey string, payload any) error
}

// Service publishes booking lifecycle events. Every publish is fire and
// forget: a broker outage is logged, never propagated, because no booking
// state transition may depend on the notification fabric.
type Service interface {
	BookingConfirmed(ctx context.Context, b *model.Booking)
	BookingCancelled(ctx context.Context, b *model.Booking, reason string)
	BookingConflict(ctx context.Context, b *model.Booking, severity string)
	CreditNoteOverdue(ctx context.Context, bookingID uuid.UUID, deadline time.Time)
}

type service struct {
	broker Broker
}

// New accepts a nil broker; the service then drops events silently, which
// keeps local setups without RabbitMQ working.
func New(b Broker) Service { return &service{broker: b} }

type bookingEvent struct {
	BookingID uuid.UUID `json:"booking_id"`
	SpaceID   uuid.UUID `json:"space_id"`
	UserID    uuid.UUID `json:"user_id"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
}

func (s *service) BookingConfirmed(ctx context.Context, b *model.Booking) {
	s.publish(ctx, "booking.confirmed", bookingEvent{
		BookingID: b.ID, SpaceID: b.SpaceID, UserID: b.UserID, Status: string(b.Status),
	})
}

func (s *service) BookingCancelled(ctx context.Context, b *model.Booking, reason string) {
	s.publish(ctx, "booking.cancelled", bookingEvent{
		BookingID: b.ID, SpaceID: b.SpaceID, UserID: b.UserID,
		Status: string(model.BookingCancelled), Reason: reason,
	})
}

func (s *service) BookingConflict(ctx context.Context, b *model.Booking, severity string) {
	s.publish(ctx, "booking.conflict", bookingEvent{
		BookingID: b.ID, SpaceID: b.SpaceID, UserID: b.UserID,
		Status: string(b.Status), Reason: severity,
	})
}

type creditNoteEvent struct {
	BookingID uuid.UUID `json:"booking_id"`
	Deadline  time.Time `json:"deadline"`
}

func (s *service) CreditNoteOverdue(ctx context.Context, bookingID uuid.UUID, deadline time.Time) {
	s.publish(ctx, "payment.credit_note.overdue", creditNoteEvent{BookingID: bookingID, Deadline: deadline})
}

func (s *service) publish(ctx context.Context, key string, payload any) {
	if s.broker == nil {
		return
	}
	if err := s.broker.PublishJSON(ctx, key, payload); err != nil {
		slog.Warn("notification publish failed", "routing_key", key, "error", err)
	}
}
