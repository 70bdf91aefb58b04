package pricingsvc

import (
	"time"

	"workover/model"
	"workover/service/errs"
)

// Quote is the full fee breakdown for one booking, in minor units.
type Quote struct {
	BasePriceCents   int64
	ServiceFeeCents  int64
	VatCents         int64
	PlatformFeeCents int64
	TotalCents       int64
	HostAmountCents  int64
	Currency         string
}

type Service interface {
	Quote(space *model.Space, startAt, endAt time.Time, guests int) (*Quote, error)
}

type service struct {
	serviceFeeBps int64
	vatBps        int64
}

func New(serviceFeeBps, vatBps int) Service {
	return &service{serviceFeeBps: int64(serviceFeeBps), vatBps: int64(vatBps)}
}

// hourlyCutoff is the duration at or above which the daily rate applies even
// when an hourly rate exists.
const hourlyCutoff = 8 * time.Hour

func (s *service) Quote(space *model.Space, startAt, endAt time.Time, guests int) (*Quote, error) {
	if guests < 1 || !endAt.After(startAt) {
		return nil, errs.New(errs.InvalidRange)
	}

	dur := endAt.Sub(startAt)
	var base int64
	switch {
	case dur < hourlyCutoff && space.HourlyRateCents != nil:
		// pro-rate by minutes, round half-up
		minutes := int64(dur / time.Minute)
		base = roundDiv(*space.HourlyRateCents*minutes*int64(guests), 60)
	case space.DailyRateCents != nil:
		base = *space.DailyRateCents * int64(guests)
	default:
		return nil, errs.New(errs.PricingUnavailable)
	}

	fee := roundDiv(base*s.serviceFeeBps, 10000)
	vat := roundDiv(fee*s.vatBps, 10000)
	platform := fee + vat
	total := base + platform
	if platform >= total {
		return nil, errs.New(errs.InvalidFeeConfig)
	}

	return &Quote{
		BasePriceCents:   base,
		ServiceFeeCents:  fee,
		VatCents:         vat,
		PlatformFeeCents: platform,
		TotalCents:       total,
		HostAmountCents:  base,
		Currency:         space.Currency,
	}, nil
}

// roundDiv divides non-negative integers rounding half away from zero.
func roundDiv(n, d int64) int64 {
	return (n + d/2) / d
}
