package cancellationsvc

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"workover/model"
	striperepo "workover/repository/stripe"
	"workover/service/errs"
	notifysvc "workover/service/notify"
)

type BookingRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Booking, error)
	MarkCancelled(ctx context.Context, id uuid.UUID, from []model.BookingStatus, by model.CancelInitiator, reason string, at time.Time) (bool, error)
	ListActiveBySpace(ctx context.Context, spaceID uuid.UUID) ([]model.Booking, error)
}

type PaymentRepo interface {
	GetActiveByBooking(ctx context.Context, bookingID uuid.UUID) (*model.PaymentRecord, error)
	MarkFailedIf(ctx context.Context, id uuid.UUID) (bool, error)
	MarkRefunded(ctx context.Context, id uuid.UUID, refundID string) (bool, error)
	SetCancellationFee(ctx context.Context, id uuid.UUID, feeCents int64) error
	SetCreditNoteRequired(ctx context.Context, id uuid.UUID, deadline time.Time) error
	ClearCreditNote(ctx context.Context, id uuid.UUID) (bool, error)
	MarkInvoiceIssued(ctx context.Context, bookingID uuid.UUID, at time.Time) (bool, error)
	ListOverdueCreditNotes(ctx context.Context, now time.Time) ([]model.PaymentRecord, error)
}

type SpaceRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Space, error)
	UpdateAvailability(ctx context.Context, id uuid.UUID, hostID uuid.UUID, av model.Availability) error
}

type Gateway interface {
	RetrieveIntent(ctx context.Context, intentID string) (striperepo.IntentStatus, error)
	ExpireSession(ctx context.Context, sessionID, idempotencyKey string) error
	CancelIntent(ctx context.Context, intentID, idempotencyKey string) error
	CreateRefund(ctx context.Context, intentID string, amountCents int64, idempotencyKey string, metadata map[string]string) (string, error)
}

// Conflict is one active booking that no longer fits the space schedule.
type Conflict struct {
	Booking  model.Booking `json:"booking"`
	Severity string        `json:"severity"` // "high" for confirmed, "medium" for pending
}

type ResolveAction string

const (
	ResolveAutoCancel ResolveAction = "auto_cancel"
	ResolveNotifyOnly ResolveAction = "notify_only"
)

type Service interface {
	// Cancel drives the compensation branch matching where the money actually
	// is: void an uncaptured authorization, refund a captured one, or park
	// the refund behind a credit-note obligation when an invoice was already
	// issued.
	Cancel(ctx context.Context, actorID uuid.UUID, bookingID uuid.UUID, initiator model.CancelInitiator, reason string) error

	// ConfirmCreditNote is the host's out-of-band confirmation that releases
	// the parked refund.
	ConfirmCreditNote(ctx context.Context, hostID, bookingID uuid.UUID) error

	// MarkInvoiceIssued stamps the fiscal document on the active payment.
	// Its presence routes later cancellations into the credit-note branch.
	MarkInvoiceIssued(ctx context.Context, bookingID uuid.UUID) error

	// UpdateSchedule replaces the space's availability document and returns
	// the active bookings the new schedule no longer covers.
	UpdateSchedule(ctx context.Context, hostID, spaceID uuid.UUID, av model.Availability) ([]Conflict, error)

	// ScanConflicts re-evaluates every active booking of a space against the
	// current schedule. Pure query, safe to repeat.
	ScanConflicts(ctx context.Context, spaceID uuid.UUID) ([]Conflict, error)

	// ResolveConflict either cancels the conflicting booking with the full
	// compensation flow or only emits a notification for manual handling.
	ResolveConflict(ctx context.Context, bookingID uuid.UUID, action ResolveAction) error

	// OverdueCreditNotes surfaces missed obligations as operational alerts.
	OverdueCreditNotes(ctx context.Context) ([]model.PaymentRecord, error)
}

type service struct {
	bRepo   BookingRepo
	pRepo   PaymentRepo
	sRepo   SpaceRepo
	gateway Gateway
	notify  notifysvc.Service

	creditNoteTTL time.Duration
	now           func() time.Time
}

func New(b BookingRepo, p PaymentRepo, s SpaceRepo, gw Gateway, n notifysvc.Service, creditNoteDays int) Service {
	return &service{
		bRepo: b, pRepo: p, sRepo: s, gateway: gw, notify: n,
		creditNoteTTL: time.Duration(creditNoteDays) * 24 * time.Hour,
		now:           time.Now,
	}
}

var cancellableStates = []model.BookingStatus{
	model.BookingPendingHold, model.BookingPendingPayment, model.BookingConfirmed,
}

func (s *service) Cancel(ctx context.Context, actorID uuid.UUID, bookingID uuid.UUID, initiator model.CancelInitiator, reason string) error {
	b, err := s.bRepo.GetByID(ctx, bookingID)
	if err != nil {
		return errs.New(errs.BookingNotFound)
	}
	if b.Status.Terminal() {
		return errs.New(errs.AlreadyTerminal)
	}

	if err := s.authorize(ctx, actorID, b, initiator); err != nil {
		return err
	}

	pay, payErr := s.pRepo.GetActiveByBooking(ctx, bookingID)
	if payErr == nil && pay != nil {
		done, err := s.compensate(ctx, b, pay, initiator)
		if err != nil {
			return err
		}
		if !done {
			// invoice already issued: refund parked behind the credit note,
			// the booking is still cancelled below
			slog.Info("refund parked behind credit note", "booking_id", bookingID, "payment_id", pay.ID)
		}
	}

	moved, err := s.bRepo.MarkCancelled(ctx, bookingID, cancellableStates, initiator, reason, s.now())
	if err != nil {
		return err
	}
	if moved {
		b.Status = model.BookingCancelled
		s.notify.BookingCancelled(ctx, b, reason)
		slog.Info("booking cancelled", "booking_id", bookingID, "initiator", initiator, "reason", reason)
	}
	return nil
}

func (s *service) authorize(ctx context.Context, actorID uuid.UUID, b *model.Booking, initiator model.CancelInitiator) error {
	switch initiator {
	case model.CancelledByRequester:
		if b.UserID != actorID {
			return errs.New(errs.NotAuthorized)
		}
	case model.CancelledByHost:
		space, err := s.sRepo.GetByID(ctx, b.SpaceID)
		if err != nil {
			return err
		}
		if space.HostID != actorID {
			return errs.New(errs.NotAuthorized)
		}
	case model.CancelledBySystem:
		// admin role enforced at the transport layer
	default:
		return errs.New(errs.NotAuthorized)
	}
	return nil
}

// compensate moves the money back according to the gateway's view of the
// intent. Returns false when the refund is parked behind a credit-note
// obligation instead of released.
func (s *service) compensate(ctx context.Context, b *model.Booking, pay *model.PaymentRecord, initiator model.CancelInitiator) (bool, error) {
	if pay.StripePaymentIntentID == nil {
		// no intent yet: the checkout session is still open and payable.
		// Expire it at the gateway before giving up the record, otherwise a
		// guest finishing checkout would pay for a cancelled booking.
		if pay.StripeSessionID != "" {
			if err := s.gateway.ExpireSession(ctx, pay.StripeSessionID, pay.IdempotencyKey+":expire"); err != nil {
				return false, errs.New(errs.GatewayUnavailable)
			}
		}
		_, err := s.pRepo.MarkFailedIf(ctx, pay.ID)
		return true, err
	}
	intent := *pay.StripePaymentIntentID

	status, err := s.gateway.RetrieveIntent(ctx, intent)
	if err != nil {
		return false, errs.New(errs.GatewayUnavailable)
	}

	switch status {
	case striperepo.IntentRequiresCapture:
		if err := s.gateway.CancelIntent(ctx, intent, pay.IdempotencyKey+":cancel-auth"); err != nil {
			return false, errs.New(errs.GatewayUnavailable)
		}
		_, err := s.pRepo.MarkFailedIf(ctx, pay.ID)
		return true, err

	case striperepo.IntentSucceeded:
		refundable, err := s.refundableFor(ctx, b, pay, initiator)
		if err != nil {
			return false, err
		}
		fee := pay.AmountCents - refundable

		if pay.InvoiceIssuedAt != nil {
			// fiscal document out the door: no automatic refund
			if fee > 0 {
				if err := s.pRepo.SetCancellationFee(ctx, pay.ID, fee); err != nil {
					return false, err
				}
			}
			deadline := s.now().Add(s.creditNoteTTL)
			if err := s.pRepo.SetCreditNoteRequired(ctx, pay.ID, deadline); err != nil {
				return false, err
			}
			return false, nil
		}

		if refundable <= 0 {
			// policy window passed, the full amount stays with the host
			return true, s.pRepo.SetCancellationFee(ctx, pay.ID, pay.AmountCents)
		}
		refundID, err := s.refund(ctx, pay, intent, refundable)
		if err != nil {
			return false, err
		}
		if _, err := s.pRepo.MarkRefunded(ctx, pay.ID, refundID); err != nil {
			return false, err
		}
		if fee > 0 {
			return true, s.pRepo.SetCancellationFee(ctx, pay.ID, fee)
		}
		return true, nil

	case striperepo.IntentCanceled, striperepo.IntentNotFound:
		_, err := s.pRepo.MarkFailedIf(ctx, pay.ID)
		return true, err

	default:
		// capture still settling at the gateway, retry once it lands
		return false, errs.New(errs.GatewayUnavailable)
	}
}

// refundableFor applies the space cancellation policy. Host and system
// cancellations are never the guest's fault and refund in full.
func (s *service) refundableFor(ctx context.Context, b *model.Booking, pay *model.PaymentRecord, initiator model.CancelInitiator) (int64, error) {
	if initiator != model.CancelledByRequester {
		return pay.AmountCents, nil
	}
	space, err := s.sRepo.GetByID(ctx, b.SpaceID)
	if err != nil {
		return 0, err
	}
	return space.CancellationPolicy.RefundableCents(pay.AmountCents, b.StartAt.Sub(s.now())), nil
}

func (s *service) refund(ctx context.Context, pay *model.PaymentRecord, intent string, amountCents int64) (string, error) {
	refundID, err := s.gateway.CreateRefund(ctx, intent, amountCents, pay.IdempotencyKey+":refund", map[string]string{
		"booking_id": pay.BookingID.String(),
		"payment_id": pay.ID.String(),
	})
	if err != nil {
		return "", errs.New(errs.GatewayUnavailable)
	}
	return refundID, nil
}

func (s *service) ConfirmCreditNote(ctx context.Context, hostID, bookingID uuid.UUID) error {
	b, err := s.bRepo.GetByID(ctx, bookingID)
	if err != nil {
		return errs.New(errs.BookingNotFound)
	}
	space, err := s.sRepo.GetByID(ctx, b.SpaceID)
	if err != nil {
		return err
	}
	if space.HostID != hostID {
		return errs.New(errs.NotAuthorized)
	}

	pay, err := s.pRepo.GetActiveByBooking(ctx, bookingID)
	if err != nil || pay == nil {
		return errs.New(errs.CreditNoteNotRequired)
	}
	if !pay.CreditNoteRequired {
		return errs.New(errs.CreditNoteNotRequired)
	}
	if pay.StripePaymentIntentID == nil {
		return errs.New(errs.InvalidState)
	}

	refundable := pay.AmountCents - pay.CancellationFeeCents
	if refundable <= 0 {
		// policy withheld everything at cancellation time
		if _, err := s.pRepo.ClearCreditNote(ctx, pay.ID); err != nil {
			return err
		}
		slog.Info("credit note confirmed, nothing refundable",
			"booking_id", bookingID, "payment_id", pay.ID)
		return nil
	}

	// refund first: the gateway call is idempotent by key, so a crash here
	// retries cleanly, while clearing the flag first could lose the refund
	refundID, err := s.refund(ctx, pay, *pay.StripePaymentIntentID, refundable)
	if err != nil {
		return err
	}
	if _, err := s.pRepo.MarkRefunded(ctx, pay.ID, refundID); err != nil {
		return err
	}
	if _, err := s.pRepo.ClearCreditNote(ctx, pay.ID); err != nil {
		return err
	}
	slog.Info("credit note confirmed, refund released",
		"booking_id", bookingID, "payment_id", pay.ID, "refund_id", refundID)
	return nil
}

func (s *service) MarkInvoiceIssued(ctx context.Context, bookingID uuid.UUID) error {
	stamped, err := s.pRepo.MarkInvoiceIssued(ctx, bookingID, s.now())
	if err != nil {
		return err
	}
	if !stamped {
		return errs.New(errs.InvalidState)
	}
	return nil
}

func (s *service) UpdateSchedule(ctx context.Context, hostID, spaceID uuid.UUID, av model.Availability) ([]Conflict, error) {
	space, err := s.sRepo.GetByID(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	if space.HostID != hostID {
		return nil, errs.New(errs.NotAuthorized)
	}
	if err := s.sRepo.UpdateAvailability(ctx, spaceID, hostID, av); err != nil {
		return nil, err
	}
	slog.Info("space schedule updated", "space_id", spaceID, "host_id", hostID)

	bookings, err := s.bRepo.ListActiveBySpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	return conflictsAgainst(av, bookings), nil
}

func (s *service) ScanConflicts(ctx context.Context, spaceID uuid.UUID) ([]Conflict, error) {
	space, err := s.sRepo.GetByID(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	bookings, err := s.bRepo.ListActiveBySpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	return conflictsAgainst(space.Availability, bookings), nil
}

func conflictsAgainst(av model.Availability, bookings []model.Booking) []Conflict {
	var out []Conflict
	for _, b := range bookings {
		if av.Covers(b.StartAt, b.EndAt) {
			continue
		}
		sev := "medium"
		if b.Status == model.BookingConfirmed {
			sev = "high"
		}
		out = append(out, Conflict{Booking: b, Severity: sev})
	}
	return out
}

func (s *service) ResolveConflict(ctx context.Context, bookingID uuid.UUID, action ResolveAction) error {
	switch action {
	case ResolveAutoCancel:
		return s.Cancel(ctx, uuid.Nil, bookingID, model.CancelledBySystem, "schedule conflict")
	case ResolveNotifyOnly:
		b, err := s.bRepo.GetByID(ctx, bookingID)
		if err != nil {
			return errs.New(errs.BookingNotFound)
		}
		sev := "medium"
		if b.Status == model.BookingConfirmed {
			sev = "high"
		}
		s.notify.BookingConflict(ctx, b, sev)
		return nil
	default:
		return errs.New(errs.InvalidState)
	}
}

func (s *service) OverdueCreditNotes(ctx context.Context) ([]model.PaymentRecord, error) {
	overdue, err := s.pRepo.ListOverdueCreditNotes(ctx, s.now())
	if err != nil {
		return nil, err
	}
	for _, p := range overdue {
		slog.Warn("credit note overdue",
			"booking_id", p.BookingID, "payment_id", p.ID, "deadline", p.CreditNoteDeadline)
		if p.CreditNoteDeadline != nil {
			s.notify.CreditNoteOverdue(ctx, p.BookingID, *p.CreditNoteDeadline)
		}
	}
	return overdue, nil
}
