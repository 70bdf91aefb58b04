package reconcilesvc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"workover/model"
	bookingrepo "workover/repository/booking"
	striperepo "workover/repository/stripe"
	notifysvc "workover/service/notify"
)

type mockBookingRepo struct {
	listFn      func(ctx context.Context, updatedBefore time.Time) ([]bookingrepo.ReconRow, error)
	confirmedFn func(ctx context.Context, since time.Time) ([]bookingrepo.ReconRow, error)
	getFn       func(ctx context.Context, id uuid.UUID) (*model.Booking, error)
	updateFn    func(ctx context.Context, id uuid.UUID, from []model.BookingStatus, to model.BookingStatus) (bool, error)
	cancelFn    func(ctx context.Context, id uuid.UUID, from []model.BookingStatus, by model.CancelInitiator, reason string, at time.Time) (bool, error)
}

var _ BookingRepo = (*mockBookingRepo)(nil)

func (m *mockBookingRepo) ListForReconciliation(ctx context.Context, updatedBefore time.Time) ([]bookingrepo.ReconRow, error) {
	return m.listFn(ctx, updatedBefore)
}
func (m *mockBookingRepo) ListConfirmedSince(ctx context.Context, since time.Time) ([]bookingrepo.ReconRow, error) {
	return m.confirmedFn(ctx, since)
}
func (m *mockBookingRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	if m.getFn == nil {
		return &model.Booking{ID: id}, nil
	}
	return m.getFn(ctx, id)
}
func (m *mockBookingRepo) UpdateStatusIf(ctx context.Context, id uuid.UUID, from []model.BookingStatus, to model.BookingStatus) (bool, error) {
	if m.updateFn == nil {
		return false, nil
	}
	return m.updateFn(ctx, id, from, to)
}
func (m *mockBookingRepo) MarkCancelled(ctx context.Context, id uuid.UUID, from []model.BookingStatus, by model.CancelInitiator, reason string, at time.Time) (bool, error) {
	if m.cancelFn == nil {
		return false, nil
	}
	return m.cancelFn(ctx, id, from, by, reason, at)
}

type mockPaymentRepo struct {
	insertFn   func(ctx context.Context, p *model.PaymentRecord) error
	completeFn func(ctx context.Context, id uuid.UUID) (bool, error)
	failFn     func(ctx context.Context, id uuid.UUID) (bool, error)
	refundFn   func(ctx context.Context, id uuid.UUID, refundID string) (bool, error)
	backfillFn func(ctx context.Context, id uuid.UUID, intentID string) error
}

var _ PaymentRepo = (*mockPaymentRepo)(nil)

func (m *mockPaymentRepo) Insert(ctx context.Context, p *model.PaymentRecord) error {
	if m.insertFn == nil {
		return nil
	}
	return m.insertFn(ctx, p)
}
func (m *mockPaymentRepo) MarkCompletedIf(ctx context.Context, id uuid.UUID) (bool, error) {
	if m.completeFn == nil {
		return false, nil
	}
	return m.completeFn(ctx, id)
}
func (m *mockPaymentRepo) MarkFailedIf(ctx context.Context, id uuid.UUID) (bool, error) {
	if m.failFn == nil {
		return false, nil
	}
	return m.failFn(ctx, id)
}
func (m *mockPaymentRepo) MarkRefunded(ctx context.Context, id uuid.UUID, refundID string) (bool, error) {
	if m.refundFn == nil {
		return false, nil
	}
	return m.refundFn(ctx, id, refundID)
}
func (m *mockPaymentRepo) BackfillIntentID(ctx context.Context, id uuid.UUID, intentID string) error {
	if m.backfillFn == nil {
		return nil
	}
	return m.backfillFn(ctx, id, intentID)
}

type mockGateway struct {
	sessionFn func(ctx context.Context, sessionID string) (*striperepo.Session, error)
	intentFn  func(ctx context.Context, intentID string) (striperepo.IntentStatus, error)
}

func (m *mockGateway) RetrieveSession(ctx context.Context, sessionID string) (*striperepo.Session, error) {
	return m.sessionFn(ctx, sessionID)
}
func (m *mockGateway) RetrieveIntent(ctx context.Context, intentID string) (striperepo.IntentStatus, error) {
	return m.intentFn(ctx, intentID)
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
}

func newSweepService(b *mockBookingRepo, p *mockPaymentRepo, gw *mockGateway) *service {
	svc := New(b, p, gw, notifysvc.New(nil), 30).(*service)
	svc.now = fixedNow
	return svc
}

func pendingRow(status model.BookingStatus) bookingrepo.ReconRow {
	return bookingrepo.ReconRow{
		Booking:   model.Booking{ID: uuid.New(), UserID: uuid.New(), Status: status},
		SessionID: "cs_1",
	}
}

func TestSweep_PaidBackfillsAndConfirms(t *testing.T) {
	row := pendingRow(model.BookingPendingPayment)
	bm := &mockBookingRepo{
		listFn: func(ctx context.Context, before time.Time) ([]bookingrepo.ReconRow, error) {
			require.Equal(t, fixedNow().Add(-30*time.Minute), before)
			return []bookingrepo.ReconRow{row}, nil
		},
		updateFn: func(ctx context.Context, id uuid.UUID, from []model.BookingStatus, to model.BookingStatus) (bool, error) {
			require.Equal(t, model.BookingConfirmed, to)
			return true, nil
		},
	}
	var inserted *model.PaymentRecord
	pm := &mockPaymentRepo{insertFn: func(ctx context.Context, p *model.PaymentRecord) error {
		inserted = p
		return nil
	}}
	gw := &mockGateway{sessionFn: func(ctx context.Context, sessionID string) (*striperepo.Session, error) {
		return &striperepo.Session{
			ID: sessionID, PaymentIntentID: "pi_1",
			AmountCents: 4244, Currency: "EUR", Status: striperepo.SessionPaid,
		}, nil
	}}

	report, err := newSweepService(bm, pm, gw).Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Scanned)
	require.Equal(t, OutcomeConfirmed, report.Rows[0].Outcome)

	require.NotNil(t, inserted, "missing payment record must be backfilled")
	require.Equal(t, model.PaymentCompleted, inserted.Status)
	require.Equal(t, int64(4244), inserted.AmountCents)
	require.NotNil(t, inserted.StripePaymentIntentID)
}

func TestSweep_ExpiredCancels(t *testing.T) {
	row := pendingRow(model.BookingPendingPayment)
	payID := uuid.New()
	row.PaymentID = &payID

	var reason string
	failed := false
	bm := &mockBookingRepo{
		listFn: func(ctx context.Context, before time.Time) ([]bookingrepo.ReconRow, error) {
			return []bookingrepo.ReconRow{row}, nil
		},
		cancelFn: func(ctx context.Context, id uuid.UUID, from []model.BookingStatus, by model.CancelInitiator, r string, at time.Time) (bool, error) {
			reason = r
			require.NotContains(t, from, model.BookingConfirmed)
			return true, nil
		},
	}
	pm := &mockPaymentRepo{failFn: func(ctx context.Context, id uuid.UUID) (bool, error) {
		failed = true
		return true, nil
	}}
	gw := &mockGateway{sessionFn: func(ctx context.Context, sessionID string) (*striperepo.Session, error) {
		return &striperepo.Session{ID: sessionID, Status: striperepo.SessionExpired}, nil
	}}

	report, err := newSweepService(bm, pm, gw).Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeCancelled, report.Rows[0].Outcome)
	require.Equal(t, "payment session expired", reason)
	require.True(t, failed)
}

func TestSweep_SessionNotFoundCancels(t *testing.T) {
	row := pendingRow(model.BookingPendingHold)
	var reason string
	bm := &mockBookingRepo{
		listFn: func(ctx context.Context, before time.Time) ([]bookingrepo.ReconRow, error) {
			return []bookingrepo.ReconRow{row}, nil
		},
		cancelFn: func(ctx context.Context, id uuid.UUID, from []model.BookingStatus, by model.CancelInitiator, r string, at time.Time) (bool, error) {
			reason = r
			return true, nil
		},
	}
	gw := &mockGateway{sessionFn: func(ctx context.Context, sessionID string) (*striperepo.Session, error) {
		return &striperepo.Session{ID: sessionID, Status: striperepo.SessionNotFound}, nil
	}}

	report, err := newSweepService(bm, &mockPaymentRepo{}, gw).Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeCancelled, report.Rows[0].Outcome)
	require.Equal(t, "payment session not found", reason)
}

func TestSweep_OpenWithRecordLeftAlone(t *testing.T) {
	row := pendingRow(model.BookingPendingPayment)
	payID := uuid.New()
	row.PaymentID = &payID

	bm := &mockBookingRepo{listFn: func(ctx context.Context, before time.Time) ([]bookingrepo.ReconRow, error) {
		return []bookingrepo.ReconRow{row}, nil
	}}
	inserted := 0
	pm := &mockPaymentRepo{insertFn: func(ctx context.Context, p *model.PaymentRecord) error {
		inserted++
		return nil
	}}
	gw := &mockGateway{sessionFn: func(ctx context.Context, sessionID string) (*striperepo.Session, error) {
		return &striperepo.Session{ID: sessionID, Status: striperepo.SessionOpen}, nil
	}}

	report, err := newSweepService(bm, pm, gw).Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeLeftOpen, report.Rows[0].Outcome)
	require.Zero(t, inserted)
}

func TestSweep_GatewayErrorIsPerRow(t *testing.T) {
	bad := pendingRow(model.BookingPendingPayment)
	good := pendingRow(model.BookingPendingPayment)
	good.SessionID = "cs_2"

	bm := &mockBookingRepo{
		listFn: func(ctx context.Context, before time.Time) ([]bookingrepo.ReconRow, error) {
			return []bookingrepo.ReconRow{bad, good}, nil
		},
		updateFn: func(ctx context.Context, id uuid.UUID, from []model.BookingStatus, to model.BookingStatus) (bool, error) {
			return true, nil
		},
	}
	gw := &mockGateway{sessionFn: func(ctx context.Context, sessionID string) (*striperepo.Session, error) {
		if sessionID == "cs_1" {
			return nil, errors.New("gateway timeout")
		}
		return &striperepo.Session{ID: sessionID, Status: striperepo.SessionPaid}, nil
	}}

	report, err := newSweepService(bm, &mockPaymentRepo{}, gw).Sweep(context.Background())
	require.NoError(t, err, "one bad row must not abort the sweep")
	require.Equal(t, OutcomeError, report.Rows[0].Outcome)
	require.Equal(t, OutcomeConfirmed, report.Rows[1].Outcome)
}

func TestRepairRefundDrift(t *testing.T) {
	payID := uuid.New()
	intent := "pi_void"
	row := bookingrepo.ReconRow{
		Booking:   model.Booking{ID: uuid.New(), Status: model.BookingConfirmed},
		SessionID: "cs_1",
		PaymentID: &payID,
		IntentID:  &intent,
	}

	refunded, cancelled := false, false
	bm := &mockBookingRepo{
		confirmedFn: func(ctx context.Context, since time.Time) ([]bookingrepo.ReconRow, error) {
			return []bookingrepo.ReconRow{row}, nil
		},
		cancelFn: func(ctx context.Context, id uuid.UUID, from []model.BookingStatus, by model.CancelInitiator, reason string, at time.Time) (bool, error) {
			cancelled = true
			require.Equal(t, []model.BookingStatus{model.BookingConfirmed}, from)
			return true, nil
		},
	}
	pm := &mockPaymentRepo{refundFn: func(ctx context.Context, id uuid.UUID, refundID string) (bool, error) {
		refunded = true
		return true, nil
	}}
	gw := &mockGateway{intentFn: func(ctx context.Context, intentID string) (striperepo.IntentStatus, error) {
		return striperepo.IntentCanceled, nil
	}}

	report, err := newSweepService(bm, pm, gw).RepairRefundDrift(context.Background(), fixedNow().Add(-24*time.Hour))
	require.NoError(t, err)
	require.True(t, refunded)
	require.True(t, cancelled)
	require.Equal(t, OutcomeCancelled, report.Rows[0].Outcome)
}

func TestRepairRefundDrift_RefundedPaymentCancelsBooking(t *testing.T) {
	payID := uuid.New()
	intent := "pi_refunded"
	ps := model.PaymentRefunded
	row := bookingrepo.ReconRow{
		Booking:       model.Booking{ID: uuid.New(), Status: model.BookingConfirmed},
		SessionID:     "cs_1",
		PaymentID:     &payID,
		PaymentStatus: &ps,
		IntentID:      &intent,
	}

	cancelled := false
	bm := &mockBookingRepo{
		confirmedFn: func(ctx context.Context, since time.Time) ([]bookingrepo.ReconRow, error) {
			return []bookingrepo.ReconRow{row}, nil
		},
		cancelFn: func(ctx context.Context, id uuid.UUID, from []model.BookingStatus, by model.CancelInitiator, reason string, at time.Time) (bool, error) {
			cancelled = true
			require.Equal(t, []model.BookingStatus{model.BookingConfirmed}, from)
			return true, nil
		},
	}
	pm := &mockPaymentRepo{refundFn: func(ctx context.Context, id uuid.UUID, refundID string) (bool, error) {
		t.Fatal("the payment is already refunded, only the booking needs repair")
		return false, nil
	}}
	// a refunded intent still reports succeeded
	gw := &mockGateway{intentFn: func(ctx context.Context, intentID string) (striperepo.IntentStatus, error) {
		return striperepo.IntentSucceeded, nil
	}}

	report, err := newSweepService(bm, pm, gw).RepairRefundDrift(context.Background(), fixedNow().Add(-24*time.Hour))
	require.NoError(t, err)
	require.True(t, cancelled)
	require.Equal(t, OutcomeCancelled, report.Rows[0].Outcome)
}

func TestRepairRefundDrift_HealthyIntentUntouched(t *testing.T) {
	payID := uuid.New()
	intent := "pi_ok"
	ps := model.PaymentCompleted
	row := bookingrepo.ReconRow{
		Booking:       model.Booking{ID: uuid.New(), Status: model.BookingConfirmed},
		PaymentID:     &payID,
		PaymentStatus: &ps,
		IntentID:      &intent,
	}
	bm := &mockBookingRepo{confirmedFn: func(ctx context.Context, since time.Time) ([]bookingrepo.ReconRow, error) {
		return []bookingrepo.ReconRow{row}, nil
	}}
	gw := &mockGateway{intentFn: func(ctx context.Context, intentID string) (striperepo.IntentStatus, error) {
		return striperepo.IntentSucceeded, nil
	}}

	report, err := newSweepService(bm, &mockPaymentRepo{}, gw).RepairRefundDrift(context.Background(), fixedNow().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Empty(t, report.Rows)
}
