package reconcilesvc

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"workover/model"
	bookingrepo "workover/repository/booking"
	striperepo "workover/repository/stripe"
	notifysvc "workover/service/notify"
)

// Outcome classifies what the sweep did with one booking.
type Outcome string

const (
	OutcomeConfirmed      Outcome = "confirmed"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomePendingCreated Outcome = "pending_payment_created"
	OutcomeLeftOpen       Outcome = "left_open"
	OutcomeError          Outcome = "error"
)

type ReportRow struct {
	BookingID uuid.UUID `json:"booking_id"`
	SessionID string    `json:"session_id"`
	Outcome   Outcome   `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

type Report struct {
	Scanned int         `json:"scanned"`
	Rows    []ReportRow `json:"rows"`
}

type BookingRepo interface {
	ListForReconciliation(ctx context.Context, updatedBefore time.Time) ([]bookingrepo.ReconRow, error)
	ListConfirmedSince(ctx context.Context, since time.Time) ([]bookingrepo.ReconRow, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Booking, error)
	UpdateStatusIf(ctx context.Context, id uuid.UUID, from []model.BookingStatus, to model.BookingStatus) (bool, error)
	MarkCancelled(ctx context.Context, id uuid.UUID, from []model.BookingStatus, by model.CancelInitiator, reason string, at time.Time) (bool, error)
}

type PaymentRepo interface {
	Insert(ctx context.Context, p *model.PaymentRecord) error
	MarkCompletedIf(ctx context.Context, id uuid.UUID) (bool, error)
	MarkFailedIf(ctx context.Context, id uuid.UUID) (bool, error)
	MarkRefunded(ctx context.Context, id uuid.UUID, refundID string) (bool, error)
	BackfillIntentID(ctx context.Context, id uuid.UUID, intentID string) error
}

type Gateway interface {
	RetrieveSession(ctx context.Context, sessionID string) (*striperepo.Session, error)
	RetrieveIntent(ctx context.Context, intentID string) (striperepo.IntentStatus, error)
}

type Service interface {
	// Sweep re-checks every stale non-terminal booking against the gateway
	// and converges it to the state the gateway reports. Safe to run
	// repeatedly and concurrently with the webhook handler.
	Sweep(ctx context.Context) (*Report, error)

	// RepairRefundDrift finds confirmed bookings whose gateway intent was
	// voided or refunded behind our back and repairs the local state.
	RepairRefundDrift(ctx context.Context, since time.Time) (*Report, error)
}

type service struct {
	bRepo   BookingRepo
	pRepo   PaymentRepo
	gateway Gateway
	notify  notifysvc.Service
	tracer  trace.Tracer

	grace time.Duration
	now   func() time.Time
}

func New(b BookingRepo, p PaymentRepo, gw Gateway, n notifysvc.Service, graceMinutes int) Service {
	return &service{
		bRepo: b, pRepo: p, gateway: gw, notify: n,
		tracer: otel.Tracer("workover/reconcile"),
		grace:  time.Duration(graceMinutes) * time.Minute,
		now:    time.Now,
	}
}

var pendingStates = []model.BookingStatus{model.BookingPendingHold, model.BookingPendingPayment}

func (s *service) Sweep(ctx context.Context) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "reconcile.sweep")
	defer span.End()

	now := s.now()
	rows, err := s.bRepo.ListForReconciliation(ctx, now.Add(-s.grace))
	if err != nil {
		return nil, err
	}

	report := &Report{Scanned: len(rows)}
	for _, row := range rows {
		out := s.sweepOne(ctx, row, now)
		report.Rows = append(report.Rows, out)
		if out.Outcome == OutcomeError {
			slog.Error("sweep row failed", "booking_id", out.BookingID, "detail", out.Detail)
		}
	}
	span.SetAttributes(attribute.Int("sweep.scanned", report.Scanned))
	return report, nil
}

func (s *service) sweepOne(ctx context.Context, row bookingrepo.ReconRow, now time.Time) ReportRow {
	out := ReportRow{BookingID: row.Booking.ID, SessionID: row.SessionID}

	sess, err := s.gateway.RetrieveSession(ctx, row.SessionID)
	if err != nil {
		out.Outcome, out.Detail = OutcomeError, err.Error()
		return out
	}

	switch sess.Status {
	case striperepo.SessionPaid:
		if err := s.confirmPaid(ctx, row, sess); err != nil {
			out.Outcome, out.Detail = OutcomeError, err.Error()
			return out
		}
		out.Outcome = OutcomeConfirmed

	case striperepo.SessionExpired:
		if err := s.cancelDead(ctx, row, "payment session expired", now); err != nil {
			out.Outcome, out.Detail = OutcomeError, err.Error()
			return out
		}
		out.Outcome, out.Detail = OutcomeCancelled, "payment session expired"

	case striperepo.SessionNotFound:
		if err := s.cancelDead(ctx, row, "payment session not found", now); err != nil {
			out.Outcome, out.Detail = OutcomeError, err.Error()
			return out
		}
		out.Outcome, out.Detail = OutcomeCancelled, "payment session not found"

	case striperepo.SessionOpen:
		if row.PaymentID == nil {
			if err := s.pRepo.Insert(ctx, backfillRecord(row, sess, model.PaymentPending)); err != nil {
				out.Outcome, out.Detail = OutcomeError, err.Error()
				return out
			}
			out.Outcome = OutcomePendingCreated
		} else {
			out.Outcome = OutcomeLeftOpen
		}
	}
	return out
}

func (s *service) confirmPaid(ctx context.Context, row bookingrepo.ReconRow, sess *striperepo.Session) error {
	if row.PaymentID == nil {
		if err := s.pRepo.Insert(ctx, backfillRecord(row, sess, model.PaymentCompleted)); err != nil {
			return err
		}
	} else {
		if _, err := s.pRepo.MarkCompletedIf(ctx, *row.PaymentID); err != nil {
			return err
		}
		if sess.PaymentIntentID != "" && row.IntentID == nil {
			if err := s.pRepo.BackfillIntentID(ctx, *row.PaymentID, sess.PaymentIntentID); err != nil {
				return err
			}
		}
	}

	moved, err := s.bRepo.UpdateStatusIf(ctx, row.Booking.ID, pendingStates, model.BookingConfirmed)
	if err != nil {
		return err
	}
	if moved {
		slog.Info("sweep confirmed booking", "booking_id", row.Booking.ID, "session_id", sess.ID)
		if b, err := s.bRepo.GetByID(ctx, row.Booking.ID); err == nil {
			s.notify.BookingConfirmed(ctx, b)
		}
	}
	return nil
}

func (s *service) cancelDead(ctx context.Context, row bookingrepo.ReconRow, reason string, now time.Time) error {
	if row.PaymentID != nil {
		if _, err := s.pRepo.MarkFailedIf(ctx, *row.PaymentID); err != nil {
			return err
		}
	}
	moved, err := s.bRepo.MarkCancelled(ctx, row.Booking.ID, pendingStates, model.CancelledBySystem, reason, now)
	if err != nil {
		return err
	}
	if moved {
		slog.Info("sweep cancelled booking", "booking_id", row.Booking.ID, "reason", reason)
		s.notify.BookingCancelled(ctx, &row.Booking, reason)
	}
	return nil
}

// backfillRecord reconstructs a payment row from the gateway session when the
// local write was lost between CreateCheckoutSession and commit.
func backfillRecord(row bookingrepo.ReconRow, sess *striperepo.Session, status model.PaymentStatus) *model.PaymentRecord {
	rec := &model.PaymentRecord{
		ID:              uuid.New(),
		BookingID:       row.Booking.ID,
		UserID:          row.Booking.UserID,
		AmountCents:     sess.AmountCents,
		Currency:        sess.Currency,
		Status:          status,
		StripeSessionID: sess.ID,
		IdempotencyKey:  "recon-backfill:" + sess.ID,
	}
	if sess.PaymentIntentID != "" {
		rec.StripePaymentIntentID = &sess.PaymentIntentID
	}
	return rec
}

func (s *service) RepairRefundDrift(ctx context.Context, since time.Time) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "reconcile.refund_drift")
	defer span.End()

	rows, err := s.bRepo.ListConfirmedSince(ctx, since)
	if err != nil {
		return nil, err
	}

	report := &Report{Scanned: len(rows)}
	now := s.now()
	for _, row := range rows {
		if row.IntentID == nil || row.PaymentID == nil {
			continue
		}
		status, err := s.gateway.RetrieveIntent(ctx, *row.IntentID)
		if err != nil {
			report.Rows = append(report.Rows, ReportRow{
				BookingID: row.Booking.ID, SessionID: row.SessionID,
				Outcome: OutcomeError, Detail: err.Error(),
			})
			continue
		}
		// A refunded intent still reports succeeded at the gateway, so the
		// local refunded payment is the drift signal for the case where
		// Cancel refunded the money but died before cancelling the booking.
		refundedLocally := row.PaymentStatus != nil && *row.PaymentStatus == model.PaymentRefunded
		gatewayReversed := status == striperepo.IntentCanceled || status == striperepo.IntentNotFound
		if !gatewayReversed && !refundedLocally {
			continue
		}

		slog.Warn("refund drift detected",
			"booking_id", row.Booking.ID, "intent_id", *row.IntentID,
			"gateway_status", status, "refunded_locally", refundedLocally)

		if !refundedLocally {
			if _, err := s.pRepo.MarkRefunded(ctx, *row.PaymentID, "drift:"+*row.IntentID); err != nil {
				report.Rows = append(report.Rows, ReportRow{
					BookingID: row.Booking.ID, Outcome: OutcomeError, Detail: err.Error(),
				})
				continue
			}
		}
		if _, err := s.bRepo.MarkCancelled(ctx, row.Booking.ID,
			[]model.BookingStatus{model.BookingConfirmed},
			model.CancelledBySystem, "payment reversed at gateway", now); err != nil {
			report.Rows = append(report.Rows, ReportRow{
				BookingID: row.Booking.ID, Outcome: OutcomeError, Detail: err.Error(),
			})
			continue
		}
		report.Rows = append(report.Rows, ReportRow{
			BookingID: row.Booking.ID, SessionID: row.SessionID,
			Outcome: OutcomeCancelled, Detail: "payment reversed at gateway",
		})
	}
	return report, nil
}
