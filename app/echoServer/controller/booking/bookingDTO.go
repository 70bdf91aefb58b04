package booking

import "time"

type ReserveReq struct {
	SpaceID string    `json:"space_id" validate:"required,uuid4"`
	StartAt time.Time `json:"start_at" validate:"required"`
	EndAt   time.Time `json:"end_at" validate:"required"`
	Guests  int       `json:"guests" validate:"required,gt=0"`
}

type CancelReq struct {
	Reason string `json:"reason" validate:"required,max=500"`
	AsHost bool   `json:"as_host"`
}

type BookingResp struct {
	ID                   string     `json:"id"`
	SpaceID              string     `json:"space_id"`
	Status               string     `json:"status"`
	StartAt              time.Time  `json:"start_at"`
	EndAt                time.Time  `json:"end_at"`
	Guests               int        `json:"guests"`
	ReservationExpiresAt *time.Time `json:"reservation_expires_at,omitempty"`
	CancellationReason   *string    `json:"cancellation_reason,omitempty"`
}
