package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Space is the bookable resource. Rates are minor units (cents); a nil rate
// means the tier is not offered. Availability is stored as a JSONB document.
type Space struct {
	ID                 uuid.UUID
	HostID             uuid.UUID
	Title              string
	Currency           string
	HourlyRateCents    *int64
	DailyRateCents     *int64
	BufferMinutes      int
	Availability       Availability
	CancellationPolicy CancellationPolicy
	HostStripeAccount  string // empty = host has no payout destination
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CancellationPolicy sets how much of a guest-initiated cancellation is
// refunded, based on how far ahead of the start it happens.
type CancellationPolicy string

const (
	PolicyFlexible CancellationPolicy = "flexible"
	PolicyModerate CancellationPolicy = "moderate"
	PolicyStrict   CancellationPolicy = "strict"
)

// RefundableCents is the share of amount returned to the guest when they
// cancel with `remaining` time before the booking starts. Flexible refunds in
// full until 24h before; moderate in full until 5 days, half until 24h;
// strict half until 7 days. A started booking refunds nothing.
func (p CancellationPolicy) RefundableCents(amount int64, remaining time.Duration) int64 {
	if remaining < 0 {
		return 0
	}
	switch p {
	case PolicyFlexible:
		if remaining >= 24*time.Hour {
			return amount
		}
		return 0
	case PolicyStrict:
		if remaining >= 7*24*time.Hour {
			return amount / 2
		}
		return 0
	default: // moderate
		if remaining >= 5*24*time.Hour {
			return amount
		}
		if remaining >= 24*time.Hour {
			return amount / 2
		}
		return 0
	}
}

// Availability mirrors the host-edited schedule document:
// a recurring weekly schedule plus date-level exceptions.
type Availability struct {
	Recurring  map[string]DaySchedule `json:"recurring"`
	Exceptions []DateException        `json:"exceptions"`
}

// DaySchedule is one weekday window, times as "HH:MM".
type DaySchedule struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// DateException explicitly opens or blocks a whole date ("2006-01-02").
type DateException struct {
	Date string `json:"date"`
	Open bool   `json:"open"`
}

// Covers reports whether [startAt, endAt) on the given date fits inside the
// schedule: the weekday window must be enabled and wide enough, and the date
// must not be blocked by an exception. An explicit open exception overrides a
// disabled weekday.
func (a Availability) Covers(startAt, endAt time.Time) bool {
	date := startAt.Format("2006-01-02")
	for _, ex := range a.Exceptions {
		if ex.Date == date {
			if !ex.Open {
				return false
			}
			return true
		}
	}

	weekday := strings.ToLower(startAt.Weekday().String())
	day, ok := a.Recurring[weekday]
	if !ok || !day.Enabled {
		return false
	}

	winStart, okS := parseClock(startAt, day.Start)
	winEnd, okE := parseClock(startAt, day.End)
	if !okS || !okE {
		return false
	}
	return !startAt.Before(winStart) && !endAt.After(winEnd)
}

func parseClock(day time.Time, hhmm string) (time.Time, bool) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, day.Location()), true
}
