package payment

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"workover/app/echoServer/jwtx"
	"workover/service/errs"
	paymentsvc "workover/service/payment"
)

type Controller struct {
	Svc paymentsvc.Service
	Log *slog.Logger
}

// POST /v1/bookings/:id/payment-session
func (h *Controller) CreateSession(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid id"})
	}
	uid, err := jwtx.UserIDFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"message": "unauthorized"})
	}

	sess, err := h.Svc.CreateSession(c.Request().Context(), uid, id)
	if err != nil {
		switch errs.Code(err) {
		case errs.BookingNotFound:
			return c.JSON(http.StatusNotFound, echo.Map{"message": "booking not found"})
		case errs.NotAuthorized:
			return c.JSON(http.StatusForbidden, echo.Map{"message": "forbidden"})
		case errs.InvalidState:
			return c.JSON(http.StatusConflict, echo.Map{"message": "booking not holdable"})
		case errs.RateLimited:
			return c.JSON(http.StatusTooManyRequests, echo.Map{"message": "too many payment attempts"})
		case errs.HostNotPayable:
			return c.JSON(http.StatusUnprocessableEntity, echo.Map{"message": "host has no payout account"})
		case errs.PricingUnavailable:
			return c.JSON(http.StatusUnprocessableEntity, echo.Map{"message": "no rate configured for this stay"})
		case errs.GatewayUnavailable:
			return c.JSON(http.StatusBadGateway, echo.Map{"message": "payment gateway unavailable, retry later"})
		default:
			h.Log.Error("payment session", "err", err)
			return c.JSON(http.StatusInternalServerError, echo.Map{"message": "internal error"})
		}
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"session_id":   sess.SessionID,
		"checkout_url": sess.CheckoutURL,
		"amount_cents": sess.AmountCents,
		"currency":     sess.Currency,
	})
}

// POST /v1/payment/stripe
func (h *Controller) HandleStripe(c echo.Context) error {
	sig := c.Request().Header.Get("Stripe-Signature")
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		h.Log.Error("stripe webhook body read", "err", err)
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "body read failed"})
	}

	if err := h.Svc.HandleWebhook(c.Request().Context(), sig, raw); err != nil {
		h.Log.Error("stripe webhook rejected", "err", err)
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "webhook rejected"})
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "ok"})
}
