// Package main booking API.
//
// @title           Workover Booking API
// @version         1.0
// @description     slot reservation, payment sessions and reconciliation.
// @BasePath        /
// @schemes         http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description  Use:  Bearer <JWT>
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"workover/app/echoServer"
	adminctrl "workover/app/echoServer/controller/admin"
	bookingctrl "workover/app/echoServer/controller/booking"
	paymentctrl "workover/app/echoServer/controller/payment"
	spacectrl "workover/app/echoServer/controller/space"
	"workover/app/echoServer/validation"
	"workover/config"
	bookingrepo "workover/repository/booking"
	paymentrepo "workover/repository/payment"
	spacerepo "workover/repository/space"
	striperepo "workover/repository/stripe"
	bookingsvc "workover/service/booking"
	cancellationsvc "workover/service/cancellation"
	notifysvc "workover/service/notify"
	paymentsvc "workover/service/payment"
	pricingsvc "workover/service/pricing"
	reconcilesvc "workover/service/reconcile"
	"workover/util/database"
	"workover/util/mq"
	"workover/util/obs"
	"workover/util/ratelimit"
)

func main() {

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	// tracing (no-op when no endpoint is configured)
	shutdownTracer, err := obs.InitTracer(ctx, "workover", cfg.OtelEndpoint, cfg.Env)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(sctx)
	}()

	// DB: *sql.DB over pgx
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// redis, rate limiting only
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	limiter := ratelimit.New(rdb, cfg.PaySessionLimit, time.Duration(cfg.PaySessionWindowSec)*time.Second)

	// amqp, optional
	var broker notifysvc.Broker
	if cfg.AmqpURL != "" {
		pub, err := mq.NewPublisher(cfg.AmqpURL, cfg.AmqpExchange)
		if err != nil {
			log.Error("amqp connect failed", "err", err)
			os.Exit(1)
		}
		defer pub.Close()
		broker = pub
	}

	// repos
	sr := spacerepo.New(db)
	br := bookingrepo.New(db, sr)
	pr := paymentrepo.New(db)
	gw := striperepo.NewHTTP(cfg.StripeSecretKey, cfg.StripeWebhookSecret)

	// services
	notify := notifysvc.New(broker)
	pricing := pricingsvc.New(int(cfg.ServiceFeeBps), int(cfg.VatBps))
	bookings := bookingsvc.New(br, sr, cfg.HoldMinutes)
	payments := paymentsvc.New(br, pr, sr, gw, pricing, limiter, notify, cfg.FrontendOrigin)
	reconcile := reconcilesvc.New(br, pr, gw, notify, cfg.ReconcileGraceMin)
	cancellation := cancellationsvc.New(br, pr, sr, gw, notify, cfg.CreditNoteDays)

	// controllers
	v := validator.New()
	bookingC := &bookingctrl.Controller{Svc: bookings, Cancel: cancellation, V: v, Log: log}
	paymentC := &paymentctrl.Controller{Svc: payments, Log: log}
	spaceC := &spacectrl.Controller{Cancel: cancellation, Log: log}
	adminC := &adminctrl.Controller{Reconcile: reconcile, Booking: bookings, Cancel: cancellation, V: v, Log: log}

	// echo
	e := echo.New()
	e.HideBanner = true
	echoServer.RegisterMiddlewares(e)
	e.Validator = validation.New()

	echoServer.Register(e, echoServer.C{
		Booking:   bookingC,
		Payment:   paymentC,
		Space:     spaceC,
		Admin:     adminC,
		JWTSecret: cfg.JWTSecret,
	})

	// background hold sweep, lazy expiry's safety net
	go func() {
		t := time.NewTicker(time.Duration(cfg.HoldSweepMinutes) * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := bookings.ExpireHolds(ctx); err != nil {
					log.Error("hold sweep failed", "err", err)
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(sctx); err != nil {
			log.Error("shutdown", "err", err)
		}
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Port
	}

	slog.Info("starting server", "port", port, "env", cfg.Env)
	if err := e.Start(":" + port); err != nil {
		log.Info("server stopped", "reason", err)
	}
}
