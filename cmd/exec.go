package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"ticket-queue/config"
	"ticket-queue/internal/handlers"
	"ticket-queue/internal/services"
	_ "ticket-queue/migrations"
	"ticket-queue/monitoring"
	"ticket-queue/security"
	"ticket-queue/utils"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/robfig/cron/v3"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Initialize Redis
	redisClient, err := utils.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keys := services.NewQueueKeys(cfg.QueueName)
	queue := services.NewRankedQueue(redisClient, keys)
	sessions := services.NewSessionStore(redisClient, keys, cfg.RetentionGrace())
	monitor := monitoring.NewMonitor(redisClient, keys.Ranked, cfg.MetricsInterval)

	// PubNub is optional; websocket subscribers work without it
	var publisher services.Publisher
	var pubnubPublisher *services.PubNubPublisher
	if cfg.PubNubPublishKey != "" && cfg.PubNubSubscribeKey != "" {
		pn := services.NewPubNubClient(cfg.PubNubPublishKey, cfg.PubNubSubscribeKey, cfg.PubNubSecretKey, cfg.PubNubUUID)
		pubnubPublisher = services.NewPubNubPublisher(pn, cfg.PubNubChannel, cfg.SubscriberBuffer*4, monitor)
		publisher = pubnubPublisher
	}

	scorer, err := newScorer(app, cfg)
	if err != nil {
		return err
	}

	// Initialize services
	bus := services.NewNotificationBus(queue, sessions, publisher, monitor)
	bookings := services.NewRecordBookingStore(app)
	reconciler := services.NewReconciler(queue, sessions, bus, bookings, monitor, services.ReconcilerConfig{
		TurnTTL:          cfg.TurnTTL,
		TickInterval:     cfg.TickInterval,
		TickTimeout:      cfg.TickTimeout,
		AnnounceDebounce: cfg.AnnounceDebounce,
	})
	bookingService := services.NewBookingService(queue, scorer, bookings, bus, reconciler, monitor)

	// Initialize handlers
	bookingHandler := handlers.NewBookingHandler(bookingService)
	streamHandler := handlers.NewStreamHandler(bus, cfg.SubscriberBuffer)
	adminHandler := handlers.NewAdminHandler(reconciler, bus)
	limiter := security.NewRateLimiter(redisClient)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.Environment == "development",
	})
	app.RootCmd.AddCommand(newQueueCommand(bookingService, reconciler))

	var rerank *cron.Cron

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		// Booking endpoints
		e.Router.POST("/api/v1/booking", bookingHandler.Submit).
			BindFunc(limiter.AntiBot).
			BindFunc(limiter.Limit("booking", cfg.BookingRateLimit))
		e.Router.POST("/api/v1/booking/complete", bookingHandler.Complete)
		e.Router.GET("/api/v1/booking/status", bookingHandler.Status).
			BindFunc(limiter.Limit("status", cfg.BookingRateLimit*4))

		// Queue stream
		e.Router.GET("/api/v1/queue/stream", streamHandler.Stream)

		// Admin endpoints
		admin := e.Router.Group("/api/v1/admin")
		admin.BindFunc(security.RequireAdminKey(cfg.AdminKeyHash))
		admin.GET("/queue-dashboard", adminHandler.GetQueueDashboard)
		admin.POST("/force-tick", adminHandler.ForceTick)
		admin.POST("/remove-from-queue", adminHandler.RemoveFromQueue)

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(http.StatusServiceUnavailable, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(http.StatusOK, map[string]string{"status": "healthy"})
		})

		slog.Info("Server routes registered")

		// Start background tasks
		reconciler.Start(ctx)
		go monitor.Start(ctx)
		if cfg.EnableMetrics {
			go monitoring.Serve(ctx, ":"+cfg.MetricsPort)
		}
		if pubnubPublisher != nil {
			go pubnubPublisher.Run(ctx)
			go pubnubPublisher.WatchPresence(ctx, func(ctx context.Context, uuid string) {
				if err := bus.SendSnapshot(ctx, pubnubPublisher.Direct(uuid)); err != nil {
					slog.Warn("Failed to send snapshot to PubNub user", "uuid", uuid, "error", err)
				}
			})
		}
		if cfg.RerankSchedule != "" {
			job := services.NewRerankJob(queue, sessions, scorer, bus, monitor, cfg.ScorerTimeout*10)
			c, err := job.Schedule(cfg.RerankSchedule)
			if err != nil {
				return fmt.Errorf("rerank schedule %q: %w", cfg.RerankSchedule, err)
			}
			rerank = c
		}

		return e.Next()
	})

	// Graceful shutdown
	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		slog.Info("Shutdown signal received, cleaning up...")
		if rerank != nil {
			<-rerank.Stop().Done()
		}
		cancel()
		reconciler.Shutdown()
		return e.Next()
	})

	// Start server
	return app.Start()
}

func newScorer(app core.App, cfg *config.Config) (services.Scorer, error) {
	switch cfg.Scorer {
	case "http":
		if cfg.ScorerURL == "" {
			return nil, fmt.Errorf("SCORER=http requires SCORER_URL")
		}
		return services.NewHTTPScorer(cfg.ScorerURL, cfg.ScorerTimeout), nil
	case "records", "":
		return services.NewRecordScorer(app), nil
	default:
		return nil, fmt.Errorf("unknown scorer %q", cfg.Scorer)
	}
}
