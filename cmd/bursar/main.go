package main

import (
	"context"
	"strings"

	"averis/billing/internal/accounts"
	"averis/billing/internal/credit"
	"averis/billing/internal/events"
	"averis/billing/internal/handlers"
	"averis/billing/internal/jobs"
	"averis/billing/internal/ledger"
	"averis/billing/internal/spoynt"
	"averis/billing/pkg/auth"
	"averis/billing/pkg/config"
	"averis/billing/pkg/database"
	"averis/billing/pkg/logging"
	"averis/billing/pkg/monitoring"
	"averis/billing/pkg/server"
	"averis/billing/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Token Billing API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":    dbURL,
		"JWT_SECRET":      jwtSecret,
		"SPOYNT_BASE_URL": config.GetEnv("SPOYNT_BASE_URL", ""),
	}))

	// Gateway client and crediting pipeline
	gatewayConfig := spoynt.ConfigFromEnv()
	gateway := spoynt.NewClient(gatewayConfig, logger)

	store := ledger.NewPostgresStore(db, logger)
	sink := accounts.NewPostgresSink(db, logger)

	// Credit events are optional: without brokers configured they are dropped.
	var publisher events.Publisher = events.NopPublisher{}
	if brokerList := config.GetEnv("KAFKA_BROKERS", ""); brokerList != "" {
		brokers := strings.Split(brokerList, ",")
		topic := config.GetEnv("CREDIT_EVENTS_TOPIC", "billing.credits")
		kafkaPublisher, err := events.NewKafkaPublisher(brokers, topic, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect Kafka producer, credit events disabled")
		} else {
			publisher = kafkaPublisher
			defer kafkaPublisher.Close()
		}
	}

	coordinator := credit.NewCoordinator(store, sink, publisher, logger)

	// Background reconciler for payments whose webhook never arrived
	reconciler := jobs.NewReconciler(store, gateway, coordinator, jobs.ConfigFromEnv(), logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go reconciler.Start(ctx)
	defer reconciler.Stop()

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	requireAuth := auth.JWTAuthMiddleware([]byte(jwtSecret))

	paymentHandlers := handlers.NewPaymentHandlers(store, gateway, coordinator,
		handlers.PricingFromEnv(), gatewayConfig.WebhookSecret, logger, metricsCollector)
	paymentHandlers.RegisterRoutes(router, requireAuth)

	accountHandlers := handlers.NewAccountHandlers(sink, logger)
	accountHandlers.RegisterRoutes(router, requireAuth)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
