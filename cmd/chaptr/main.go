package main

import (
	"context"

	"chaptr/internal/coordinator"
	"chaptr/internal/generator"
	"chaptr/internal/handlers"
	"chaptr/internal/interactions"
	"chaptr/internal/ledger"
	"chaptr/internal/reconcile"
	"chaptr/internal/rewards"
	"chaptr/internal/stripeclient"
	"chaptr/internal/videocache"
	"chaptr/internal/youtube"
	"chaptr/pkg/auth"
	"chaptr/pkg/config"
	"chaptr/pkg/database"
	"chaptr/pkg/llm"
	"chaptr/pkg/logging"
	"chaptr/pkg/monitoring"
	"chaptr/pkg/server"
	"chaptr/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("chaptr")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Chaptr (Chapterization API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	stripeSecretKey := config.RequireEnv("STRIPE_SECRET_KEY")
	stripeWebhookSecret := config.RequireEnv("STRIPE_WEBHOOK_SECRET")
	youtubeAPIKey := config.RequireEnv("YOUTUBE_API_KEY")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if config.GetEnvBool("AUTO_MIGRATE", true) {
		if err := database.ApplySchema(context.Background(), db, logger); err != nil {
			logger.WithError(err).Fatal("Failed to apply database schema")
		}
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("chaptr", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("chaptr", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":    dbURL,
		"JWT_SECRET":      jwtSecret,
		"YOUTUBE_API_KEY": youtubeAPIKey,
	}))

	metrics := handlers.NewChaptrMetrics(metricsCollector)

	// LLM provider for chapter generation
	llmProvider, err := llm.NewProvider(llm.LoadConfig())
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure LLM provider")
	}

	// Service layer
	creditLedger := ledger.New(db, logger)
	chapterCache := videocache.New(db, logger)
	interactionStore := interactions.NewStore(db)
	repairQueue := reconcile.NewStore(db)
	youtubeClient := youtube.NewClient(youtubeAPIKey, config.GetEnv("YOUTUBE_API_URL", ""), logger)
	chapterGen := generator.New(llmProvider, logger)
	rewardService := rewards.NewService(db, creditLedger, interactionStore, chapterCache, repairQueue, logger)
	flow := coordinator.New(chapterCache, creditLedger, interactionStore, youtubeClient, chapterGen, repairQueue, logger)
	stripeClient := stripeclient.NewClient(stripeclient.Config{
		SecretKey:     stripeSecretKey,
		WebhookSecret: stripeWebhookSecret,
		Logger:        logger,
	})

	// Initialize handlers
	handlers.Init(handlers.Deps{
		DB:           db,
		Logger:       logger,
		Metrics:      metrics,
		Flow:         flow,
		Credits:      creditLedger,
		Rewards:      rewardService,
		Videos:       youtubeClient,
		Cache:        chapterCache,
		Interactions: interactionStore,
		Payments:     stripeClient,
		Repairs:      repairQueue,
	})

	// Background reconciliation of failed grants and persists
	jobManager := handlers.NewJobManager(db, logger, metrics, creditLedger, chapterCache, repairQueue)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "chaptr", healthChecker, metricsCollector)

	// API routes
	{
		// Public endpoints
		router.POST("/auth/signup", handlers.Signup)
		router.GET("/credits/estimate", handlers.GetEstimate)

		// Webhook endpoints (no auth required)
		router.POST("/webhooks/stripe", handlers.HandleStripeWebhook)

		// Authentication required endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.POST("/chapterize", handlers.Chapterize)
			protected.GET("/user/credits", handlers.GetBalance)
			protected.GET("/user/transactions", handlers.GetTransactions)
			protected.POST("/comment/post", handlers.PostComment)
			protected.GET("/credits/packages", handlers.GetPackages)
			protected.POST("/credits/purchase", handlers.CreatePurchase)
		}

		// Operator endpoints, service token only
		if serviceToken := auth.GetServiceToken(); serviceToken != "" {
			internal := router.Group("/internal")
			internal.Use(auth.ServiceAuthMiddleware(serviceToken))
			internal.GET("/reconciliation", handlers.GetReconciliationStatus)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("chaptr", "18080")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
