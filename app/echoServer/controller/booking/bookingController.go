package booking

import (
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"workover/app/echoServer/jwtx"
	"workover/model"
	bookingsvc "workover/service/booking"
	cancellationsvc "workover/service/cancellation"
	"workover/service/errs"
)

type Controller struct {
	Svc    bookingsvc.Service
	Cancel cancellationsvc.Service
	V      *validator.Validate
	Log    *slog.Logger
}

func toResp(b *model.Booking) BookingResp {
	return BookingResp{
		ID:                   b.ID.String(),
		SpaceID:              b.SpaceID.String(),
		Status:               string(b.Status),
		StartAt:              b.StartAt,
		EndAt:                b.EndAt,
		Guests:               b.GuestsCount,
		ReservationExpiresAt: b.ReservationExpiresAt,
		CancellationReason:   b.CancellationReason,
	}
}

// POST /v1/bookings
func (h *Controller) Reserve(c echo.Context) error {
	var req ReserveReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid JSON"})
	}
	if err := h.V.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"message": "validation error",
			"errors":  err.Error(),
		})
	}
	uid, err := jwtx.UserIDFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"message": "unauthorized"})
	}
	spaceID, err := uuid.Parse(req.SpaceID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid space id"})
	}

	b, err := h.Svc.Reserve(c.Request().Context(), uid, spaceID, req.StartAt, req.EndAt, req.Guests)
	if err != nil {
		switch errs.Code(err) {
		case errs.InvalidRange:
			return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid booking range"})
		case errs.SlotUnavailable:
			return c.JSON(http.StatusConflict, echo.Map{"message": "slot unavailable"})
		default:
			h.Log.Error("reserve", "err", err)
			return c.JSON(http.StatusInternalServerError, echo.Map{"message": "internal error"})
		}
	}
	return c.JSON(http.StatusCreated, toResp(b))
}

// GET /v1/bookings/:id
func (h *Controller) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid id"})
	}
	uid, err := jwtx.UserIDFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"message": "unauthorized"})
	}

	b, err := h.Svc.Get(c.Request().Context(), uid, id)
	if err != nil {
		switch errs.Code(err) {
		case errs.BookingNotFound:
			return c.JSON(http.StatusNotFound, echo.Map{"message": "booking not found"})
		case errs.NotAuthorized:
			return c.JSON(http.StatusForbidden, echo.Map{"message": "forbidden"})
		default:
			h.Log.Error("booking get", "err", err)
			return c.JSON(http.StatusInternalServerError, echo.Map{"message": "internal error"})
		}
	}
	return c.JSON(http.StatusOK, toResp(b))
}

// POST /v1/bookings/:id/cancel
func (h *Controller) CancelBooking(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid id"})
	}
	var req CancelReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid JSON"})
	}
	if err := h.V.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"message": "validation error",
			"errors":  err.Error(),
		})
	}
	uid, err := jwtx.UserIDFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"message": "unauthorized"})
	}

	initiator := model.CancelledByRequester
	if req.AsHost {
		initiator = model.CancelledByHost
	}

	if err := h.Cancel.Cancel(c.Request().Context(), uid, id, initiator, req.Reason); err != nil {
		switch errs.Code(err) {
		case errs.BookingNotFound:
			return c.JSON(http.StatusNotFound, echo.Map{"message": "booking not found"})
		case errs.NotAuthorized:
			return c.JSON(http.StatusForbidden, echo.Map{"message": "forbidden"})
		case errs.AlreadyTerminal:
			return c.JSON(http.StatusConflict, echo.Map{"message": "booking already terminal"})
		case errs.GatewayUnavailable:
			return c.JSON(http.StatusBadGateway, echo.Map{"message": "payment gateway unavailable, retry later"})
		default:
			h.Log.Error("booking cancel", "err", err)
			return c.JSON(http.StatusInternalServerError, echo.Map{"message": "internal error"})
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "cancelled"})
}

// POST /v1/bookings/:id/credit-note/confirm
func (h *Controller) ConfirmCreditNote(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid id"})
	}
	uid, err := jwtx.UserIDFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"message": "unauthorized"})
	}

	if err := h.Cancel.ConfirmCreditNote(c.Request().Context(), uid, id); err != nil {
		switch errs.Code(err) {
		case errs.BookingNotFound:
			return c.JSON(http.StatusNotFound, echo.Map{"message": "booking not found"})
		case errs.NotAuthorized:
			return c.JSON(http.StatusForbidden, echo.Map{"message": "forbidden"})
		case errs.CreditNoteNotRequired:
			return c.JSON(http.StatusConflict, echo.Map{"message": "no credit note pending"})
		case errs.GatewayUnavailable:
			return c.JSON(http.StatusBadGateway, echo.Map{"message": "payment gateway unavailable, retry later"})
		default:
			h.Log.Error("credit note confirm", "err", err)
			return c.JSON(http.StatusInternalServerError, echo.Map{"message": "internal error"})
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "credit note confirmed, refund released"})
}
