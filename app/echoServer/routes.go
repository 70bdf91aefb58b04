package echoServer

import (
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	echoSwagger "github.com/swaggo/echo-swagger"

	"workover/app/echoServer/controller/admin"
	"workover/app/echoServer/controller/booking"
	"workover/app/echoServer/controller/payment"
	"workover/app/echoServer/controller/space"
	"workover/app/echoServer/jwtx"
)

type C struct {
	Booking   *booking.Controller
	Payment   *payment.Controller
	Space     *space.Controller
	Admin     *admin.Controller
	JWTSecret string
}

func Register(e *echo.Echo, c C) {
	// Public
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})
	e.GET("/swagger/*", echoSwagger.WrapHandler)

	pub := e.Group("/v1")
	// webhook authenticates by signature, not by JWT
	pub.POST("/payment/stripe", c.Payment.HandleStripe)

	// Auth
	auth := e.Group("/v1")
	auth.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(c.JWTSecret),
		NewClaimsFunc: func(c echo.Context) jwt.Claims { return jwt.MapClaims{} },
		TokenLookup:   "header:Authorization:Bearer ",
	}))

	auth.POST("/bookings", c.Booking.Reserve)
	auth.GET("/bookings/:id", c.Booking.Get)
	auth.POST("/bookings/:id/cancel", c.Booking.CancelBooking)
	auth.POST("/bookings/:id/payment-session", c.Payment.CreateSession)
	auth.POST("/bookings/:id/credit-note/confirm", c.Booking.ConfirmCreditNote)
	auth.PUT("/spaces/:id/availability", c.Space.UpdateAvailability)

	// Admin
	adm := auth.Group("/admin")
	adm.Use(requireAdmin)
	adm.POST("/reconcile", c.Admin.RunSweep)
	adm.POST("/reconcile/refund-drift", c.Admin.RunRefundDrift)
	adm.POST("/sweeps/holds", c.Admin.SweepHolds)
	adm.GET("/spaces/:id/conflicts", c.Admin.SpaceConflicts)
	adm.POST("/bookings/:id/resolve-conflict", c.Admin.ResolveConflict)
	adm.GET("/credit-notes/overdue", c.Admin.OverdueCreditNotes)
	adm.POST("/payments/:booking_id/invoice-issued", c.Admin.InvoiceIssued)
}

func requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if jwtx.RoleFromContext(c) != "admin" {
			return c.JSON(http.StatusForbidden, echo.Map{"message": "forbidden"})
		}
		return next(c)
	}
}
