// README: Entry point; loads config, wires services, starts HTTP server and background loops.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"dispatchd/internal/clock"
	"dispatchd/internal/config"
	httptransport "dispatchd/internal/http"
	"dispatchd/internal/infra"
	"dispatchd/internal/logging"
	"dispatchd/internal/maps"
	"dispatchd/internal/modules/dispatch"
	"dispatchd/internal/modules/location"
	"dispatchd/internal/modules/matching"
	"dispatchd/internal/modules/notification"
	"dispatchd/internal/modules/pricing"
)

const retentionEvery = time.Hour

func main() {
	cfg, err := config.Load()
	logger := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		logger.Error("config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("dispatch-api stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.Firebase.ProjectID == "" {
		return errors.New("DISPATCH_FIREBASE_PROJECT_ID is required")
	}
	app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		return err
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, app)
	if err != nil {
		return err
	}
	fcm, err := infra.NewMessaging(ctx, app)
	if err != nil {
		return err
	}

	db, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password)
	if err != nil {
		return err
	}
	defer rdb.Close()

	clk := clock.Real{}

	// Pricing
	profiles := pricing.NewStore(db)
	if cfg.Pricing.SeedFile != "" {
		seed, err := pricing.LoadSeed(cfg.Pricing.SeedFile)
		if err != nil {
			return err
		}
		if err := pricing.ApplySeed(ctx, profiles, seed); err != nil {
			return err
		}
	}
	deps := pricing.ServiceDeps{Profiles: profiles, Clock: clk, Logger: logger.With("module", "pricing")}
	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey, clk)
		if err != nil {
			return err
		}
		deps.Routes = maps.NewCachedRoutes(routes, maps.NewRedisCache(rdb, "route:"), cfg.Maps.RouteCacheTTL)
	}
	if cfg.Maps.WeatherAPIKey != "" {
		weather := maps.NewWeatherService(cfg.Maps.WeatherURL, cfg.Maps.WeatherAPIKey, clk)
		deps.Weather = maps.NewCachedWeather(weather, maps.NewRedisCache(rdb, "weather:"), cfg.Maps.WeatherCacheTTL)
	}
	pricingSvc, err := pricing.NewService(deps, cfg.Pricing)
	if err != nil {
		return err
	}

	// Location
	workers := location.NewStore(db)
	geo := location.NewRedisGeo(rdb)
	locationSvc := location.NewService(geo, workers, clk, cfg.Location, logger.With("module", "location"))
	var publisher *location.Publisher
	var consumer *location.Consumer
	if len(cfg.Kafka.Brokers) > 0 {
		writer := infra.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Location.KafkaTopic)
		defer writer.Close()
		reader := infra.NewKafkaReader(cfg.Kafka.Brokers, cfg.Location.KafkaTopic, cfg.Location.KafkaGroup)
		defer reader.Close()
		publisher = location.NewPublisher(writer)
		consumer = location.NewConsumer(reader, locationSvc, clk, logger.With("module", "location-consumer"))
	}

	// Live sessions and matching
	hub := notification.NewHub(rdb, locationSvc, logger.With("module", "hub"))
	finder := matching.NewFinder(geo, workers, clk, cfg.Matching, logger.With("module", "matching"))
	if cfg.Matching.RequirePresence {
		finder.WithPresence(hub)
	}
	pricingSvc.SetDemandEstimator(finder)

	// Notification
	notes := notification.NewPGStore(db)
	push := notification.NewFCMGateway(fcm, cfg.Notification.RatePerSecond)
	gateway := notification.NewRouter(notification.NewSocketGateway(hub), push, logger.With("module", "notify"))
	deliverer := notification.NewDeliverer(
		notification.NewRedisQueue(rdb, cfg.Notification.JobDedupTTL).WithVisibility(clk, cfg.Notification.VisibilityTimeout), notes, gateway, clk, cfg.Notification, logger.With("module", "deliverer"))
	offers := notification.NewOfferSender(gateway, clk, cfg.Notification.OfferAttempts, cfg.Notification.OfferBackoff, logger.With("module", "offers"))
	scheduler := notification.NewScheduler(notes, workers, deliverer, clk, cfg.Notification.BroadcastInterval, logger.With("module", "broadcasts"))

	// Dispatch
	requests := dispatch.NewStore(db)
	dispatchSvc := dispatch.NewService(dispatch.ServiceDeps{
		Repo:     requests,
		Pricing:  pricingSvc,
		Finder:   finder,
		Workers:  workers,
		Notifier: dispatch.NewDeliveryNotifier(offers, deliverer, workers, logger.With("module", "notify")),
		Clock:    clk,
		Logger:   logger.With("module", "dispatch"),
	}, cfg.Dispatch)
	sweeper := dispatch.NewSweeper(dispatchSvc, cfg.Sweeper, clk, logger.With("module", "sweeper"))
	janitor := notification.NewJanitor(map[string]notification.Purger{
		"delivery_logs":  notes,
		"offer_attempts": dispatch.NewOfferRetention(requests),
	}, cfg.Notification.LogRetention, clk, logger.With("module", "janitor"))

	routerDeps := httptransport.RouterDeps{
		Dispatch:     dispatchSvc,
		Quotes:       pricingSvc,
		Location:     locationSvc,
		Hub:          hub,
		Broadcasts:   scheduler,
		RateProfiles: profiles,
		Verifier:     verifier,
		Logger:       logger.With("module", "http"),
	}
	if publisher != nil {
		routerDeps.Publisher = publisher
	}
	server := httptransport.NewServer(cfg.HTTP, httptransport.NewRouter(routerDeps), logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return deliverer.Run(ctx) })
	g.Go(func() error { deliverer.RunRetries(ctx); return nil })
	g.Go(func() error { scheduler.Run(ctx); return nil })
	g.Go(func() error { janitor.Run(ctx, retentionEvery); return nil })
	g.Go(func() error { sweeper.Run(ctx); return nil })
	g.Go(func() error { dispatchSvc.Run(ctx); return nil })
	if consumer != nil {
		g.Go(func() error { return consumer.Run(ctx) })
	}
	g.Go(func() error { return server.Run(ctx) })

	logger.Info("dispatch-api started", "addr", cfg.HTTP.Addr)
	return g.Wait()
}
