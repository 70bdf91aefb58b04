package admin

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	bookingsvc "workover/service/booking"
	cancellationsvc "workover/service/cancellation"
	"workover/service/errs"
	reconcilesvc "workover/service/reconcile"
)

type Controller struct {
	Reconcile reconcilesvc.Service
	Booking   bookingsvc.Service
	Cancel    cancellationsvc.Service
	V         *validator.Validate
	Log       *slog.Logger
}

// POST /v1/admin/reconcile
func (h *Controller) RunSweep(c echo.Context) error {
	report, err := h.Reconcile.Sweep(c.Request().Context())
	if err != nil {
		h.Log.Error("reconcile sweep", "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"message": "internal error"})
	}
	return c.JSON(http.StatusOK, report)
}

type refundDriftReq struct {
	SinceHours int `json:"since_hours" validate:"omitempty,gt=0,lte=720"`
}

// POST /v1/admin/reconcile/refund-drift
func (h *Controller) RunRefundDrift(c echo.Context) error {
	var req refundDriftReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid JSON"})
	}
	if err := h.V.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "validation error", "errors": err.Error()})
	}
	if req.SinceHours == 0 {
		req.SinceHours = 72
	}

	report, err := h.Reconcile.RepairRefundDrift(c.Request().Context(), time.Now().Add(-time.Duration(req.SinceHours)*time.Hour))
	if err != nil {
		h.Log.Error("refund drift repair", "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"message": "internal error"})
	}
	return c.JSON(http.StatusOK, report)
}

// POST /v1/admin/sweeps/holds
func (h *Controller) SweepHolds(c echo.Context) error {
	n, err := h.Booking.ExpireHolds(c.Request().Context())
	if err != nil {
		h.Log.Error("hold sweep", "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"message": "internal error"})
	}
	return c.JSON(http.StatusOK, echo.Map{"expired": n})
}

// GET /v1/admin/spaces/:id/conflicts
func (h *Controller) SpaceConflicts(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid id"})
	}
	conflicts, err := h.Cancel.ScanConflicts(c.Request().Context(), id)
	if err != nil {
		h.Log.Error("conflict scan", "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"message": "internal error"})
	}
	return c.JSON(http.StatusOK, echo.Map{"conflicts": conflicts})
}

type resolveConflictReq struct {
	Action string `json:"action" validate:"required,oneof=auto_cancel notify_only"`
}

// POST /v1/admin/bookings/:id/resolve-conflict
func (h *Controller) ResolveConflict(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid id"})
	}
	var req resolveConflictReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid JSON"})
	}
	if err := h.V.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "validation error", "errors": err.Error()})
	}

	err = h.Cancel.ResolveConflict(c.Request().Context(), id, cancellationsvc.ResolveAction(req.Action))
	if err != nil {
		switch errs.Code(err) {
		case errs.BookingNotFound:
			return c.JSON(http.StatusNotFound, echo.Map{"message": "booking not found"})
		case errs.AlreadyTerminal:
			return c.JSON(http.StatusConflict, echo.Map{"message": "booking already terminal"})
		case errs.GatewayUnavailable:
			return c.JSON(http.StatusBadGateway, echo.Map{"message": "payment gateway unavailable, retry later"})
		default:
			h.Log.Error("resolve conflict", "err", err)
			return c.JSON(http.StatusInternalServerError, echo.Map{"message": "internal error"})
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "resolved"})
}

// GET /v1/admin/credit-notes/overdue
func (h *Controller) OverdueCreditNotes(c echo.Context) error {
	overdue, err := h.Cancel.OverdueCreditNotes(c.Request().Context())
	if err != nil {
		h.Log.Error("overdue credit notes", "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"message": "internal error"})
	}
	out := make([]echo.Map, 0, len(overdue))
	for _, p := range overdue {
		out = append(out, echo.Map{
			"booking_id":   p.BookingID,
			"payment_id":   p.ID,
			"amount_cents": p.AmountCents,
			"deadline":     p.CreditNoteDeadline,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"overdue": out})
}

// POST /v1/admin/payments/:booking_id/invoice-issued
func (h *Controller) InvoiceIssued(c echo.Context) error {
	id, err := uuid.Parse(c.Param("booking_id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid id"})
	}
	if err := h.Cancel.MarkInvoiceIssued(c.Request().Context(), id); err != nil {
		switch errs.Code(err) {
		case errs.InvalidState:
			return c.JSON(http.StatusConflict, echo.Map{"message": "no completed payment to stamp"})
		default:
			h.Log.Error("invoice issued", "err", err)
			return c.JSON(http.StatusInternalServerError, echo.Map{"message": "internal error"})
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "invoice recorded"})
}
