package bookingsvc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"workover/model"
	bookingrepo "workover/repository/booking"
	"workover/service/errs"
)

// maxStay bounds a single booking. Longer stays go through repeat bookings.
const maxStay = 30 * 24 * time.Hour

type Repo interface {
	ReserveSlot(ctx context.Context, b *model.Booking, check bookingrepo.ReserveCheck) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Booking, error)
	ExpireHolds(ctx context.Context, now time.Time) (int64, error)
	MarkExpiredIfLapsed(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
}

type SpaceRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Space, error)
}

type Service interface {
	// Reserve places a temporary hold on the slot. The hold occupies the slot
	// for overlap purposes until it expires or advances to pending_payment.
	Reserve(ctx context.Context, userID, spaceID uuid.UUID, startAt, endAt time.Time, guests int) (*model.Booking, error)

	// Get returns the booking visible to userID (requester or the space's
	// host). A lapsed hold is expired on read, so callers never see a stale
	// pending_hold.
	Get(ctx context.Context, userID, id uuid.UUID) (*model.Booking, error)

	// ExpireHolds is the periodic sweep counterpart of the lazy expiry in Get.
	ExpireHolds(ctx context.Context) (int64, error)
}

type service struct {
	bRepo   Repo
	sRepo   SpaceRepo
	holdTTL time.Duration
	now     func() time.Time
}

func New(b Repo, s SpaceRepo, holdMinutes int) Service {
	return &service{
		bRepo:   b,
		sRepo:   s,
		holdTTL: time.Duration(holdMinutes) * time.Minute,
		now:     time.Now,
	}
}

func (s *service) Reserve(ctx context.Context, userID, spaceID uuid.UUID, startAt, endAt time.Time, guests int) (*model.Booking, error) {
	now := s.now()
	if !endAt.After(startAt) || startAt.Before(now) || endAt.Sub(startAt) > maxStay || guests < 1 {
		return nil, errs.New(errs.InvalidRange)
	}

	expires := now.Add(s.holdTTL)
	b := &model.Booking{
		ID:                   uuid.New(),
		SpaceID:              spaceID,
		UserID:               userID,
		BookingDate:          startAt.UTC().Format("2006-01-02"),
		StartAt:              startAt.UTC(),
		EndAt:                endAt.UTC(),
		GuestsCount:          guests,
		Status:               model.BookingPendingHold,
		ReservationExpiresAt: &expires,
	}

	err := s.bRepo.ReserveSlot(ctx, b, func(space *model.Space) error {
		if !space.Availability.Covers(b.StartAt, b.EndAt) {
			return errs.New(errs.SlotUnavailable)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, bookingrepo.ErrOverlap) {
			return nil, errs.New(errs.SlotUnavailable)
		}
		return nil, err
	}
	return b, nil
}

func (s *service) Get(ctx context.Context, userID, id uuid.UUID) (*model.Booking, error) {
	b, err := s.bRepo.GetByID(ctx, id)
	if err != nil {
		return nil, errs.New(errs.BookingNotFound)
	}

	space, err := s.sRepo.GetByID(ctx, b.SpaceID)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID && space.HostID != userID {
		return nil, errs.New(errs.NotAuthorized)
	}

	now := s.now()
	if b.HoldExpired(now) {
		if _, err := s.bRepo.MarkExpiredIfLapsed(ctx, b.ID, now); err != nil {
			return nil, err
		}
		b.Status = model.BookingExpired
		b.ReservationExpiresAt = nil
	}
	return b, nil
}

func (s *service) ExpireHolds(ctx context.Context) (int64, error) {
	n, err := s.bRepo.ExpireHolds(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("expired lapsed holds", "count", n)
	}
	return n, nil
}
