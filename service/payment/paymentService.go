package paymentsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"workover/model"
	paymentrepo "workover/repository/payment"
	striperepo "workover/repository/stripe"
	"workover/service/errs"
	notifysvc "workover/service/notify"
	pricingsvc "workover/service/pricing"
)

type BookingRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Booking, error)
	MarkExpiredIfLapsed(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	UpdateStatusIf(ctx context.Context, id uuid.UUID, from []model.BookingStatus, to model.BookingStatus) (bool, error)
	MarkCancelled(ctx context.Context, id uuid.UUID, from []model.BookingStatus, by model.CancelInitiator, reason string, at time.Time) (bool, error)
}

type PaymentRepo interface {
	CreateForBooking(ctx context.Context, p *model.PaymentRecord) error
	GetByIdempotencyKey(ctx context.Context, key string) (*model.PaymentRecord, error)
	GetBySessionID(ctx context.Context, sessionID string) (*model.PaymentRecord, error)
	MarkCompletedIf(ctx context.Context, id uuid.UUID) (bool, error)
	MarkFailedIf(ctx context.Context, id uuid.UUID) (bool, error)
	MarkRefunded(ctx context.Context, id uuid.UUID, refundID string) (bool, error)
	BackfillIntentID(ctx context.Context, id uuid.UUID, intentID string) error
}

type SpaceRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Space, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// CheckoutSession is what the controller returns to the client.
type CheckoutSession struct {
	SessionID   string
	CheckoutURL string
	AmountCents int64
	Currency    string
}

type Service interface {
	// CreateSession opens a gateway checkout session for a held booking and
	// advances it to pending_payment. Retrying the same hold reuses the same
	// gateway session through the deterministic idempotency key.
	CreateSession(ctx context.Context, userID, bookingID uuid.UUID) (*CheckoutSession, error)

	// HandleWebhook processes a signed gateway event. Duplicate deliveries
	// and events for already-terminal bookings are no-ops.
	HandleWebhook(ctx context.Context, sigHeader string, raw []byte) error
}

type service struct {
	bRepo   BookingRepo
	pRepo   PaymentRepo
	sRepo   SpaceRepo
	gateway striperepo.Repo
	pricing pricingsvc.Service
	limiter RateLimiter
	notify  notifysvc.Service

	frontendOrigin string
	now            func() time.Time
}

func New(b BookingRepo, p PaymentRepo, s SpaceRepo, gw striperepo.Repo, pr pricingsvc.Service, rl RateLimiter, n notifysvc.Service, frontendOrigin string) Service {
	return &service{
		bRepo: b, pRepo: p, sRepo: s, gateway: gw, pricing: pr,
		limiter: rl, notify: n,
		frontendOrigin: frontendOrigin,
		now:            time.Now,
	}
}

// idempotencyKey is deterministic per payment attempt: the hold expiry pins
// the attempt, so a client retry of the same hold reuses the gateway's
// de-duplication while a fresh hold after expiry gets a new key.
func idempotencyKey(bookingID uuid.UUID, attemptEpoch int64) string {
	return fmt.Sprintf("booking-pay:%s:%d", bookingID, attemptEpoch)
}

func (s *service) CreateSession(ctx context.Context, userID, bookingID uuid.UUID) (*CheckoutSession, error) {
	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, "pay-session:"+userID.String())
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "error", err)
		} else if !ok {
			return nil, errs.New(errs.RateLimited)
		}
	}

	b, err := s.bRepo.GetByID(ctx, bookingID)
	if err != nil {
		return nil, errs.New(errs.BookingNotFound)
	}
	if b.UserID != userID {
		return nil, errs.New(errs.NotAuthorized)
	}

	now := s.now()
	if b.HoldExpired(now) {
		if _, err := s.bRepo.MarkExpiredIfLapsed(ctx, b.ID, now); err != nil {
			return nil, err
		}
		return nil, errs.New(errs.InvalidState)
	}
	if b.Status != model.BookingPendingHold || b.ReservationExpiresAt == nil {
		return nil, errs.New(errs.InvalidState)
	}

	space, err := s.sRepo.GetByID(ctx, b.SpaceID)
	if err != nil {
		return nil, err
	}
	if space.HostStripeAccount == "" {
		return nil, errs.New(errs.HostNotPayable)
	}

	quote, err := s.pricing.Quote(space, b.StartAt, b.EndAt, b.GuestsCount)
	if err != nil {
		return nil, err
	}

	key := idempotencyKey(b.ID, b.ReservationExpiresAt.Unix())

	// A replay of the same attempt already has a persisted record. The
	// gateway call below is repeated with the same key so the client still
	// gets the checkout URL, but no second record is written.
	existing, replayErr := s.pRepo.GetByIdempotencyKey(ctx, key)
	replay := replayErr == nil && existing != nil

	sess, err := s.gateway.CreateCheckoutSession(ctx, striperepo.CreateSessionReq{
		AmountCents:         quote.TotalCents,
		Currency:            quote.Currency,
		ProductName:         space.Title,
		Description:         fmt.Sprintf("%s, %s to %s", space.Title, b.StartAt.Format(time.RFC3339), b.EndAt.Format(time.RFC3339)),
		DestinationAccount:  space.HostStripeAccount,
		ApplicationFeeCents: quote.PlatformFeeCents,
		IdempotencyKey:      key,
		SuccessURL:          s.frontendOrigin + "/bookings/" + b.ID.String() + "?payment=success",
		CancelURL:           s.frontendOrigin + "/bookings/" + b.ID.String() + "?payment=cancelled",
		Metadata: map[string]string{
			"booking_id": b.ID.String(),
			"user_id":    b.UserID.String(),
		},
	})
	if err != nil {
		return nil, errs.New(errs.GatewayUnavailable)
	}

	if !replay {
		rec := &model.PaymentRecord{
			ID:               uuid.New(),
			BookingID:        b.ID,
			UserID:           b.UserID,
			AmountCents:      quote.TotalCents,
			Currency:         quote.Currency,
			Status:           model.PaymentPending,
			StripeSessionID:  sess.ID,
			IdempotencyKey:   key,
			HostAmountCents:  quote.HostAmountCents,
			PlatformFeeCents: quote.PlatformFeeCents,
		}
		if sess.PaymentIntentID != "" {
			rec.StripePaymentIntentID = &sess.PaymentIntentID
		}
		if err := s.pRepo.CreateForBooking(ctx, rec); err != nil {
			if errors.Is(err, paymentrepo.ErrStateChanged) {
				return nil, errs.New(errs.InvalidState)
			}
			return nil, err
		}
	}

	return &CheckoutSession{
		SessionID:   sess.ID,
		CheckoutURL: sess.URL,
		AmountCents: quote.TotalCents,
		Currency:    quote.Currency,
	}, nil
}

type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string `json:"id"`
			PaymentIntent string `json:"payment_intent"`
			PaymentStatus string `json:"payment_status"`
		} `json:"object"`
	} `json:"data"`
}

func (s *service) HandleWebhook(ctx context.Context, sigHeader string, raw []byte) error {
	if err := s.gateway.VerifyWebhookSignature(sigHeader, raw); err != nil {
		return err
	}

	var ev webhookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("bad webhook json: %w", err)
	}
	if ev.Data.Object.ID == "" {
		return errors.New("webhook event has no session id")
	}

	switch ev.Type {
	case "checkout.session.completed":
		return s.onSessionCompleted(ctx, ev)
	case "checkout.session.expired":
		return s.onSessionExpired(ctx, ev)
	default:
		// unhandled event types are acknowledged, not errors
		return nil
	}
}

func (s *service) onSessionCompleted(ctx context.Context, ev webhookEvent) error {
	rec, err := s.pRepo.GetBySessionID(ctx, ev.Data.Object.ID)
	if err != nil {
		// The record may not exist yet if the local commit lost a race with
		// the gateway. The reconciliation sweep backfills these.
		slog.Warn("webhook for unknown session, leaving to sweep",
			"event_id", ev.ID, "session_id", ev.Data.Object.ID)
		return nil
	}

	moved, err := s.pRepo.MarkCompletedIf(ctx, rec.ID)
	if err != nil {
		return err
	}
	if !moved {
		if rec.Status == model.PaymentFailed {
			// the record was written off (cancellation, expiry) yet the
			// guest paid anyway: money is at the gateway against a dead
			// booking. Send it back and record the anomaly.
			return s.refundStrayPayment(ctx, ev, rec)
		}
		slog.Info("duplicate webhook ignored", "event_id", ev.ID, "payment_id", rec.ID)
		return nil
	}

	if intent := ev.Data.Object.PaymentIntent; intent != "" && rec.StripePaymentIntentID == nil {
		if err := s.pRepo.BackfillIntentID(ctx, rec.ID, intent); err != nil {
			return err
		}
	}

	confirmed, err := s.bRepo.UpdateStatusIf(ctx, rec.BookingID,
		[]model.BookingStatus{model.BookingPendingHold, model.BookingPendingPayment},
		model.BookingConfirmed)
	if err != nil {
		return err
	}
	if confirmed {
		if b, err := s.bRepo.GetByID(ctx, rec.BookingID); err == nil {
			s.notify.BookingConfirmed(ctx, b)
		}
		slog.Info("booking confirmed via webhook", "booking_id", rec.BookingID, "event_id", ev.ID)
	}
	return nil
}

// refundStrayPayment reverses a capture that landed on a record already
// marked failed. The refund key matches the cancellation path's, so if a
// refund was somehow already issued the gateway de-duplicates it.
func (s *service) refundStrayPayment(ctx context.Context, ev webhookEvent, rec *model.PaymentRecord) error {
	intent := ev.Data.Object.PaymentIntent
	if intent == "" && rec.StripePaymentIntentID != nil {
		intent = *rec.StripePaymentIntentID
	}
	slog.Error("payment captured against dead booking",
		"event_id", ev.ID, "payment_id", rec.ID, "booking_id", rec.BookingID, "intent_id", intent)
	if intent == "" {
		return fmt.Errorf("stray payment on session %s has no intent to refund", rec.StripeSessionID)
	}

	refundID, err := s.gateway.CreateRefund(ctx, intent, 0, rec.IdempotencyKey+":refund", map[string]string{
		"booking_id": rec.BookingID.String(),
		"payment_id": rec.ID.String(),
	})
	if err != nil {
		return err
	}
	if _, err := s.pRepo.MarkRefunded(ctx, rec.ID, refundID); err != nil {
		return err
	}
	slog.Info("stray payment refunded", "payment_id", rec.ID, "refund_id", refundID)
	return nil
}

func (s *service) onSessionExpired(ctx context.Context, ev webhookEvent) error {
	rec, err := s.pRepo.GetBySessionID(ctx, ev.Data.Object.ID)
	if err != nil {
		return nil
	}

	if _, err := s.pRepo.MarkFailedIf(ctx, rec.ID); err != nil {
		return err
	}
	cancelled, err := s.bRepo.MarkCancelled(ctx, rec.BookingID,
		[]model.BookingStatus{model.BookingPendingHold, model.BookingPendingPayment},
		model.CancelledBySystem, "payment session expired", s.now())
	if err != nil {
		return err
	}
	if cancelled {
		slog.Info("booking cancelled, session expired", "booking_id", rec.BookingID, "event_id", ev.ID)
	}
	return nil
}
