// README: Entry point; loads config, wires stores, services and the HTTP server.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"carpool/internal/config"
	"carpool/internal/events"
	httptransport "carpool/internal/http"
	"carpool/internal/infra"
	"carpool/internal/maps"
	"carpool/internal/modules/booking"
	"carpool/internal/modules/inventory"
	"carpool/internal/modules/pricing"
	"carpool/internal/modules/route"
)

const serviceName = "carpool-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := infra.NewLogger(serviceName, cfg.Log.Level)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := infra.SetupTracer(serviceName, cfg.TraceStdout)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	var verifier infra.TokenVerifier
	switch cfg.AuthMode {
	case config.AuthDev:
		logger.Warn("dev auth enabled; tokens are not verified")
		verifier = infra.DevVerifier{}
	default:
		verifier, err = infra.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			return err
		}
	}

	var (
		routeRepo    route.Repository
		bookingStore booking.Store
		rateStore    pricing.RateStore
	)
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory stores; data is lost on exit")
		routes := route.NewMemoryStore()
		routeRepo = routes
		bookingStore = booking.NewMemoryStore(routes, cfg.Booking.LockTimeout)
	default:
		db, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		routeRepo = route.NewStore(db)
		bookingStore = booking.NewStore(db, cfg.Booking.LockTimeout)
		rateStore = pricing.NewStore(db)
	}

	var locker inventory.Locker
	if cfg.Booking.SeatLock == config.SeatLockRedis {
		rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		locker = inventory.NewRedisLocker(rdb, cfg.Booking.LockTimeout+5*time.Second)
	}

	var publisher booking.Publisher
	if cfg.NATS.URL != "" {
		nc, err := infra.NewNATS(cfg.NATS.URL, serviceName, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		publisher = events.NewPublisher(nc, "carpool")
	}

	routeDeps := route.Deps{Repo: routeRepo, BufferM: cfg.Search.BufferM, Log: logger.Named("route")}
	if cfg.Maps.APIKey != "" {
		geo, err := maps.NewGeoService(cfg.Maps.APIKey, "es")
		if err != nil {
			return err
		}
		routeDeps.Geocoder = geo
		routeDeps.Travel = geo
	}

	pricingSvc := pricing.NewService(rateStore, pricing.Config{
		ToleranceM:    cfg.Fare.ToleranceM,
		Currency:      cfg.Fare.Currency,
		FallbackPerKm: cfg.Fare.FallbackPerKm,
	}, logger.Named("pricing"))
	routeDeps.Rates = pricingSvc
	routeSvc := route.NewService(routeDeps)

	bookingSvc := booking.NewService(booking.Deps{
		Store:  bookingStore,
		Routes: routeRepo,
		Fares:  pricingSvc,
		Locker: locker,
		Events: publisher,
		Log:    logger.Named("booking"),
		Config: booking.Config{
			PayRetries:  cfg.Booking.PayRetries,
			PayBackoff:  cfg.Booking.PayBackoff,
			LockTimeout: cfg.Booking.LockTimeout,
		},
	})

	handler := httptransport.NewRouter(httptransport.RouterDeps{
		Routes:   routeSvc,
		Bookings: bookingSvc,
		Verifier: verifier,
		Currency: cfg.Fare.Currency,
		Log:      logger.Named("http"),
	})
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTP.Addr), zap.String("store", cfg.Store), zap.String("seat_lock", cfg.Booking.SeatLock))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return server.Shutdown(shutdownCtx)
}
