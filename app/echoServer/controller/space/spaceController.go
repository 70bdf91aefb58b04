package space

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"workover/app/echoServer/jwtx"
	"workover/model"
	cancellationsvc "workover/service/cancellation"
	"workover/service/errs"
)

type Controller struct {
	Cancel cancellationsvc.Service
	Log    *slog.Logger
}

type availabilityReq struct {
	Recurring  map[string]model.DaySchedule `json:"recurring"`
	Exceptions []model.DateException        `json:"exceptions"`
}

// PUT /v1/spaces/:id/availability
//
// Replaces the schedule and hands back the bookings the new schedule breaks,
// so the host sees the fallout of the edit in the same response.
func (h *Controller) UpdateAvailability(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid id"})
	}
	var req availabilityReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid JSON"})
	}
	uid, err := jwtx.UserIDFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"message": "unauthorized"})
	}

	conflicts, err := h.Cancel.UpdateSchedule(c.Request().Context(), uid, id, model.Availability{
		Recurring:  req.Recurring,
		Exceptions: req.Exceptions,
	})
	if err != nil {
		switch {
		case errs.Is(err, errs.NotAuthorized):
			return c.JSON(http.StatusForbidden, echo.Map{"message": "forbidden"})
		case errors.Is(err, sql.ErrNoRows):
			return c.JSON(http.StatusNotFound, echo.Map{"message": "space not found"})
		default:
			h.Log.Error("availability update", "err", err)
			return c.JSON(http.StatusInternalServerError, echo.Map{"message": "internal error"})
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"conflicts": conflicts})
}
