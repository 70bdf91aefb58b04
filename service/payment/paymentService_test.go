package paymentsvc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"workover/model"
	striperepo "workover/repository/stripe"
	"workover/service/errs"
	notifysvc "workover/service/notify"
	pricingsvc "workover/service/pricing"
)

type mockBookingRepo struct {
	getFn       func(ctx context.Context, id uuid.UUID) (*model.Booking, error)
	lapsedFn    func(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	updateFn    func(ctx context.Context, id uuid.UUID, from []model.BookingStatus, to model.BookingStatus) (bool, error)
	cancelledFn func(ctx context.Context, id uuid.UUID, from []model.BookingStatus, by model.CancelInitiator, reason string, at time.Time) (bool, error)
}

var _ BookingRepo = (*mockBookingRepo)(nil)

func (m *mockBookingRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	return m.getFn(ctx, id)
}
func (m *mockBookingRepo) MarkExpiredIfLapsed(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	if m.lapsedFn == nil {
		return false, nil
	}
	return m.lapsedFn(ctx, id, now)
}
func (m *mockBookingRepo) UpdateStatusIf(ctx context.Context, id uuid.UUID, from []model.BookingStatus, to model.BookingStatus) (bool, error) {
	if m.updateFn == nil {
		return true, nil
	}
	return m.updateFn(ctx, id, from, to)
}
func (m *mockBookingRepo) MarkCancelled(ctx context.Context, id uuid.UUID, from []model.BookingStatus, by model.CancelInitiator, reason string, at time.Time) (bool, error) {
	if m.cancelledFn == nil {
		return true, nil
	}
	return m.cancelledFn(ctx, id, from, by, reason, at)
}

type mockPaymentRepo struct {
	createFn    func(ctx context.Context, p *model.PaymentRecord) error
	byKeyFn     func(ctx context.Context, key string) (*model.PaymentRecord, error)
	bySessionFn func(ctx context.Context, sessionID string) (*model.PaymentRecord, error)
	completeFn  func(ctx context.Context, id uuid.UUID) (bool, error)
	failFn      func(ctx context.Context, id uuid.UUID) (bool, error)
	refundFn    func(ctx context.Context, id uuid.UUID, refundID string) (bool, error)
	backfillFn  func(ctx context.Context, id uuid.UUID, intentID string) error
}

var _ PaymentRepo = (*mockPaymentRepo)(nil)

func (m *mockPaymentRepo) CreateForBooking(ctx context.Context, p *model.PaymentRecord) error {
	if m.createFn == nil {
		return nil
	}
	return m.createFn(ctx, p)
}
func (m *mockPaymentRepo) GetByIdempotencyKey(ctx context.Context, key string) (*model.PaymentRecord, error) {
	if m.byKeyFn == nil {
		return nil, errors.New("not found")
	}
	return m.byKeyFn(ctx, key)
}
func (m *mockPaymentRepo) GetBySessionID(ctx context.Context, sessionID string) (*model.PaymentRecord, error) {
	return m.bySessionFn(ctx, sessionID)
}
func (m *mockPaymentRepo) MarkCompletedIf(ctx context.Context, id uuid.UUID) (bool, error) {
	return m.completeFn(ctx, id)
}
func (m *mockPaymentRepo) MarkFailedIf(ctx context.Context, id uuid.UUID) (bool, error) {
	if m.failFn == nil {
		return true, nil
	}
	return m.failFn(ctx, id)
}
func (m *mockPaymentRepo) MarkRefunded(ctx context.Context, id uuid.UUID, refundID string) (bool, error) {
	if m.refundFn == nil {
		return true, nil
	}
	return m.refundFn(ctx, id, refundID)
}
func (m *mockPaymentRepo) BackfillIntentID(ctx context.Context, id uuid.UUID, intentID string) error {
	if m.backfillFn == nil {
		return nil
	}
	return m.backfillFn(ctx, id, intentID)
}

type mockSpaceRepo struct {
	space *model.Space
}

func (m *mockSpaceRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Space, error) {
	return m.space, nil
}

type mockGateway struct {
	createFn func(ctx context.Context, req striperepo.CreateSessionReq) (*striperepo.Session, error)
	refundFn func(ctx context.Context, intentID string, amountCents int64, idempotencyKey string, metadata map[string]string) (string, error)
	verifyFn func(sigHeader string, body []byte) error
}

var _ striperepo.Repo = (*mockGateway)(nil)

func (m *mockGateway) CreateCheckoutSession(ctx context.Context, req striperepo.CreateSessionReq) (*striperepo.Session, error) {
	return m.createFn(ctx, req)
}
func (m *mockGateway) RetrieveSession(ctx context.Context, sessionID string) (*striperepo.Session, error) {
	return nil, errors.New("unused")
}
func (m *mockGateway) RetrieveIntent(ctx context.Context, intentID string) (striperepo.IntentStatus, error) {
	return striperepo.IntentNotFound, errors.New("unused")
}
func (m *mockGateway) ExpireSession(ctx context.Context, sessionID, idempotencyKey string) error {
	return errors.New("unused")
}
func (m *mockGateway) CancelIntent(ctx context.Context, intentID, idempotencyKey string) error {
	return errors.New("unused")
}
func (m *mockGateway) CreateRefund(ctx context.Context, intentID string, amountCents int64, idempotencyKey string, metadata map[string]string) (string, error) {
	if m.refundFn == nil {
		return "", errors.New("unused")
	}
	return m.refundFn(ctx, intentID, amountCents, idempotencyKey, metadata)
}
func (m *mockGateway) VerifyWebhookSignature(sigHeader string, body []byte) error {
	if m.verifyFn == nil {
		return nil
	}
	return m.verifyFn(sigHeader, body)
}

type allowAll struct{ allowed bool }

func (a allowAll) Allow(ctx context.Context, key string) (bool, error) { return a.allowed, nil }

func fixedNow() time.Time {
	return time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
}

func ptr(v int64) *int64 { return &v }

func heldBooking(userID uuid.UUID) *model.Booking {
	expires := fixedNow().Add(10 * time.Minute)
	return &model.Booking{
		ID:                   uuid.New(),
		SpaceID:              uuid.New(),
		UserID:               userID,
		StartAt:              fixedNow().Add(2 * time.Hour),
		EndAt:                fixedNow().Add(6 * time.Hour),
		GuestsCount:          1,
		Status:               model.BookingPendingHold,
		ReservationExpiresAt: &expires,
	}
}

func payableSpace() *model.Space {
	return &model.Space{
		ID:                uuid.New(),
		HostID:            uuid.New(),
		Title:             "Loft 12",
		Currency:          "EUR",
		HourlyRateCents:   ptr(1000),
		HostStripeAccount: "acct_123",
	}
}

func newTestService(b *mockBookingRepo, p *mockPaymentRepo, sp *model.Space, gw *mockGateway) *service {
	svc := New(b, p, &mockSpaceRepo{space: sp}, gw,
		pricingsvc.New(500, 2200), allowAll{allowed: true}, notifysvc.New(nil),
		"https://app.example.com").(*service)
	svc.now = fixedNow
	return svc
}

func TestCreateSession_Success(t *testing.T) {
	userID := uuid.New()
	b := heldBooking(userID)
	bm := &mockBookingRepo{getFn: func(ctx context.Context, id uuid.UUID) (*model.Booking, error) { return b, nil }}

	var gotReq striperepo.CreateSessionReq
	gw := &mockGateway{createFn: func(ctx context.Context, req striperepo.CreateSessionReq) (*striperepo.Session, error) {
		gotReq = req
		return &striperepo.Session{ID: "cs_1", URL: "https://pay/cs_1", Status: striperepo.SessionOpen}, nil
	}}

	var persisted *model.PaymentRecord
	pm := &mockPaymentRepo{createFn: func(ctx context.Context, p *model.PaymentRecord) error {
		persisted = p
		return nil
	}}

	svc := newTestService(bm, pm, payableSpace(), gw)
	out, err := svc.CreateSession(context.Background(), userID, b.ID)
	require.NoError(t, err)
	require.Equal(t, "cs_1", out.SessionID)
	require.Equal(t, "https://pay/cs_1", out.CheckoutURL)

	// 4h at 10.00/h: 40.00 base, 2.44 platform fee
	require.Equal(t, int64(4244), gotReq.AmountCents)
	require.Equal(t, int64(244), gotReq.ApplicationFeeCents)
	require.Equal(t, "acct_123", gotReq.DestinationAccount)

	wantKey := idempotencyKey(b.ID, b.ReservationExpiresAt.Unix())
	require.Equal(t, wantKey, gotReq.IdempotencyKey)

	require.NotNil(t, persisted)
	require.Equal(t, model.PaymentPending, persisted.Status)
	require.Equal(t, "cs_1", persisted.StripeSessionID)
	require.Equal(t, wantKey, persisted.IdempotencyKey)
	require.True(t, persisted.SplitConsistent())
}

func TestCreateSession_Replay(t *testing.T) {
	userID := uuid.New()
	b := heldBooking(userID)
	bm := &mockBookingRepo{getFn: func(ctx context.Context, id uuid.UUID) (*model.Booking, error) { return b, nil }}

	gw := &mockGateway{createFn: func(ctx context.Context, req striperepo.CreateSessionReq) (*striperepo.Session, error) {
		return &striperepo.Session{ID: "cs_1", URL: "https://pay/cs_1"}, nil
	}}

	created := 0
	pm := &mockPaymentRepo{
		byKeyFn: func(ctx context.Context, key string) (*model.PaymentRecord, error) {
			return &model.PaymentRecord{ID: uuid.New(), StripeSessionID: "cs_1"}, nil
		},
		createFn: func(ctx context.Context, p *model.PaymentRecord) error {
			created++
			return nil
		},
	}

	svc := newTestService(bm, pm, payableSpace(), gw)
	out, err := svc.CreateSession(context.Background(), userID, b.ID)
	require.NoError(t, err)
	require.Equal(t, "cs_1", out.SessionID)
	require.Zero(t, created, "replay must not write a second record")
}

func TestCreateSession_RateLimited(t *testing.T) {
	svc := New(&mockBookingRepo{}, &mockPaymentRepo{}, &mockSpaceRepo{}, &mockGateway{},
		pricingsvc.New(500, 2200), allowAll{allowed: false}, notifysvc.New(nil), "").(*service)
	svc.now = fixedNow

	_, err := svc.CreateSession(context.Background(), uuid.New(), uuid.New())
	require.Equal(t, errs.RateLimited, errs.Code(err))
}

func TestCreateSession_NotOwner(t *testing.T) {
	b := heldBooking(uuid.New())
	bm := &mockBookingRepo{getFn: func(ctx context.Context, id uuid.UUID) (*model.Booking, error) { return b, nil }}
	svc := newTestService(bm, &mockPaymentRepo{}, payableSpace(), &mockGateway{})

	_, err := svc.CreateSession(context.Background(), uuid.New(), b.ID)
	require.Equal(t, errs.NotAuthorized, errs.Code(err))
}

func TestCreateSession_LapsedHold(t *testing.T) {
	userID := uuid.New()
	b := heldBooking(userID)
	lapsed := fixedNow().Add(-time.Minute)
	b.ReservationExpiresAt = &lapsed

	expired := false
	bm := &mockBookingRepo{
		getFn: func(ctx context.Context, id uuid.UUID) (*model.Booking, error) { return b, nil },
		lapsedFn: func(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
			expired = true
			return true, nil
		},
	}
	svc := newTestService(bm, &mockPaymentRepo{}, payableSpace(), &mockGateway{})

	_, err := svc.CreateSession(context.Background(), userID, b.ID)
	require.Equal(t, errs.InvalidState, errs.Code(err))
	require.True(t, expired)
}

func TestCreateSession_HostNotPayable(t *testing.T) {
	userID := uuid.New()
	b := heldBooking(userID)
	bm := &mockBookingRepo{getFn: func(ctx context.Context, id uuid.UUID) (*model.Booking, error) { return b, nil }}

	sp := payableSpace()
	sp.HostStripeAccount = ""
	svc := newTestService(bm, &mockPaymentRepo{}, sp, &mockGateway{})

	_, err := svc.CreateSession(context.Background(), userID, b.ID)
	require.Equal(t, errs.HostNotPayable, errs.Code(err))
}

func TestCreateSession_GatewayDown(t *testing.T) {
	userID := uuid.New()
	b := heldBooking(userID)
	bm := &mockBookingRepo{getFn: func(ctx context.Context, id uuid.UUID) (*model.Booking, error) { return b, nil }}
	gw := &mockGateway{createFn: func(ctx context.Context, req striperepo.CreateSessionReq) (*striperepo.Session, error) {
		return nil, errors.New("connect timeout")
	}}
	svc := newTestService(bm, &mockPaymentRepo{}, payableSpace(), gw)

	_, err := svc.CreateSession(context.Background(), userID, b.ID)
	require.Equal(t, errs.GatewayUnavailable, errs.Code(err))
}

func completedEvent(sessionID string) []byte {
	return []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {"object": {"id": "` + sessionID + `", "payment_intent": "pi_9", "payment_status": "paid"}}
	}`)
}

func TestHandleWebhook_Completed(t *testing.T) {
	bookingID := uuid.New()
	rec := &model.PaymentRecord{ID: uuid.New(), BookingID: bookingID, StripeSessionID: "cs_1"}

	var confirmedFrom []model.BookingStatus
	bm := &mockBookingRepo{
		getFn: func(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
			return &model.Booking{ID: bookingID, Status: model.BookingConfirmed}, nil
		},
		updateFn: func(ctx context.Context, id uuid.UUID, from []model.BookingStatus, to model.BookingStatus) (bool, error) {
			require.Equal(t, bookingID, id)
			require.Equal(t, model.BookingConfirmed, to)
			confirmedFrom = from
			return true, nil
		},
	}

	var backfilled string
	pm := &mockPaymentRepo{
		bySessionFn: func(ctx context.Context, sessionID string) (*model.PaymentRecord, error) { return rec, nil },
		completeFn:  func(ctx context.Context, id uuid.UUID) (bool, error) { return true, nil },
		backfillFn: func(ctx context.Context, id uuid.UUID, intentID string) error {
			backfilled = intentID
			return nil
		},
	}

	svc := newTestService(bm, pm, payableSpace(), &mockGateway{})
	err := svc.HandleWebhook(context.Background(), "sig", completedEvent("cs_1"))
	require.NoError(t, err)
	require.Equal(t, "pi_9", backfilled)
	require.Contains(t, confirmedFrom, model.BookingPendingPayment)
}

func TestHandleWebhook_DuplicateIsNoOp(t *testing.T) {
	rec := &model.PaymentRecord{ID: uuid.New(), BookingID: uuid.New(),
		StripeSessionID: "cs_1", Status: model.PaymentCompleted}
	transitions := 0
	bm := &mockBookingRepo{
		updateFn: func(ctx context.Context, id uuid.UUID, from []model.BookingStatus, to model.BookingStatus) (bool, error) {
			transitions++
			return true, nil
		},
	}
	pm := &mockPaymentRepo{
		bySessionFn: func(ctx context.Context, sessionID string) (*model.PaymentRecord, error) { return rec, nil },
		completeFn:  func(ctx context.Context, id uuid.UUID) (bool, error) { return false, nil },
	}

	svc := newTestService(bm, pm, payableSpace(), &mockGateway{})
	require.NoError(t, svc.HandleWebhook(context.Background(), "sig", completedEvent("cs_1")))
	require.Zero(t, transitions)
}

func TestHandleWebhook_PaidAfterCancelRefunds(t *testing.T) {
	rec := &model.PaymentRecord{
		ID: uuid.New(), BookingID: uuid.New(), StripeSessionID: "cs_1",
		Status: model.PaymentFailed, IdempotencyKey: "booking-pay:x:1",
	}

	bm := &mockBookingRepo{
		updateFn: func(ctx context.Context, id uuid.UUID, from []model.BookingStatus, to model.BookingStatus) (bool, error) {
			t.Fatal("a dead booking must not be confirmed")
			return false, nil
		},
	}
	var refunded string
	pm := &mockPaymentRepo{
		bySessionFn: func(ctx context.Context, sessionID string) (*model.PaymentRecord, error) { return rec, nil },
		completeFn:  func(ctx context.Context, id uuid.UUID) (bool, error) { return false, nil },
		refundFn: func(ctx context.Context, id uuid.UUID, refundID string) (bool, error) {
			refunded = refundID
			return true, nil
		},
	}
	var refundIntent, refundKey string
	gw := &mockGateway{refundFn: func(ctx context.Context, intentID string, amount int64, key string, md map[string]string) (string, error) {
		refundIntent, refundKey = intentID, key
		return "re_stray", nil
	}}

	svc := newTestService(bm, pm, payableSpace(), gw)
	require.NoError(t, svc.HandleWebhook(context.Background(), "sig", completedEvent("cs_1")))
	require.Equal(t, "pi_9", refundIntent, "refund targets the intent the event carries")
	require.Equal(t, "booking-pay:x:1:refund", refundKey, "key matches the cancellation path for de-duplication")
	require.Equal(t, "re_stray", refunded)
}

func TestHandleWebhook_UnknownSessionLeftToSweep(t *testing.T) {
	pm := &mockPaymentRepo{
		bySessionFn: func(ctx context.Context, sessionID string) (*model.PaymentRecord, error) {
			return nil, errors.New("no rows")
		},
	}
	svc := newTestService(&mockBookingRepo{}, pm, payableSpace(), &mockGateway{})
	require.NoError(t, svc.HandleWebhook(context.Background(), "sig", completedEvent("cs_zzz")))
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	gw := &mockGateway{verifyFn: func(sigHeader string, body []byte) error {
		return errors.New("signature mismatch")
	}}
	svc := newTestService(&mockBookingRepo{}, &mockPaymentRepo{}, payableSpace(), gw)
	require.Error(t, svc.HandleWebhook(context.Background(), "bad", completedEvent("cs_1")))
}

func TestHandleWebhook_ExpiredOnlyCancelsPending(t *testing.T) {
	rec := &model.PaymentRecord{ID: uuid.New(), BookingID: uuid.New(), StripeSessionID: "cs_1"}
	var gotFrom []model.BookingStatus
	bm := &mockBookingRepo{
		cancelledFn: func(ctx context.Context, id uuid.UUID, from []model.BookingStatus, by model.CancelInitiator, reason string, at time.Time) (bool, error) {
			gotFrom = from
			require.Equal(t, model.CancelledBySystem, by)
			require.Equal(t, "payment session expired", reason)
			return true, nil
		},
	}
	failed := false
	pm := &mockPaymentRepo{
		bySessionFn: func(ctx context.Context, sessionID string) (*model.PaymentRecord, error) { return rec, nil },
		failFn: func(ctx context.Context, id uuid.UUID) (bool, error) {
			require.Equal(t, rec.ID, id)
			failed = true
			return true, nil
		},
	}

	svc := newTestService(bm, pm, payableSpace(), &mockGateway{})
	ev := []byte(`{"id":"evt_2","type":"checkout.session.expired","data":{"object":{"id":"cs_1"}}}`)
	require.NoError(t, svc.HandleWebhook(context.Background(), "sig", ev))
	require.NotContains(t, gotFrom, model.BookingConfirmed)
	require.True(t, failed, "the record must not stay pending after its session died")
}
