package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"callbridge-backend/internal/config"
	intDatabase "callbridge-backend/internal/database"
	"callbridge-backend/internal/events"
	callHandler "callbridge-backend/internal/handler/http/call"
	wsHandler "callbridge-backend/internal/handler/ws"
	"callbridge-backend/internal/middleware"
	"callbridge-backend/internal/registry"
	"callbridge-backend/internal/repository/cockroach"
	"callbridge-backend/internal/repository/memory"
	redisRepo "callbridge-backend/internal/repository/redis"
	callService "callbridge-backend/internal/service/call"
	signalingService "callbridge-backend/internal/service/signaling"
	"callbridge-backend/pkg/constants"
	pkgDatabase "callbridge-backend/pkg/database"
	"callbridge-backend/pkg/env"
	"callbridge-backend/pkg/jwt"
	"callbridge-backend/pkg/logger"
	"callbridge-backend/pkg/metrics"
)

func main() {
	ctx := context.Background()

	logger.InitDefault()
	defer logger.Sync()

	cfg := config.Load()

	// 1. Setup JWT Manager
	jwtSecret := env.GetStringFromFile("JWT_SECRET", "")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	if len(jwtSecret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters")
	}

	jwtManager := jwt.NewJWTManager(jwtSecret, 15*time.Minute)

	// 2. Connect to CockroachDB for call history with retry logic
	dbConfig := &pkgDatabase.CockroachConfig{
		Host:     env.GetString("DB_HOST", "localhost"),
		Port:     26257,
		User:     env.GetString("DB_USER", "root"),
		Password: env.GetStringFromFile("DB_PASSWORD", ""),
		Database: env.GetString("DB_NAME", "callbridge"),
		SSLMode:  "disable",
	}

	var db *pkgDatabase.CockroachDB
	var err error

	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err = pkgDatabase.NewCockroachDB(ctx, dbConfig)
	if err != nil {
		// Retry with exponential backoff
		for attempt := 2; attempt <= maxRetries; attempt++ {
			delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
			if delay > maxDelay {
				delay = maxDelay
			}
			log.Printf("⚠️  CockroachDB connection attempt %d failed: %v. Retrying in %v...", attempt, err, delay)
			time.Sleep(delay)

			db, err = pkgDatabase.NewCockroachDB(ctx, dbConfig)
			if err == nil {
				log.Printf("✅ Connected to CockroachDB (attempt %d/%d)", attempt, maxRetries)
				break
			}
		}
	} else {
		log.Println("✅ Connected to CockroachDB")
	}

	var historyRepo *cockroach.CallHistoryRepository
	if err != nil {
		log.Printf("Warning: Failed to connect to CockroachDB after %d attempts: %v", maxRetries, err)
		log.Println("Running in limited mode without call history persistence")
	} else {
		defer db.Close()
		historyRepo = cockroach.NewCallHistoryRepository(db.Pool)
	}

	// 3. Initialize Redis with degraded mode support
	intDatabase.InitRedisMetrics()

	redisConfig := &intDatabase.RedisConfig{
		Host:     env.GetString("REDIS_HOST", "localhost"),
		Port:     6379,
		Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
		DB:       0,
		PoolSize: 10,
		Timeout:  5 * time.Second,
	}

	redisDB, err := intDatabase.NewRedisDB(redisConfig)
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v", err)
	} else {
		log.Println("✅ Connected to Redis")
	}
	defer redisDB.Close()

	// Start background Redis health check
	go redisDB.StartHealthCheck(ctx, 10*time.Second)

	// 4. Initialize Metrics
	appMetrics := metrics.NewMetrics("call-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 5. Wire the call plane: store, registry, events, repositories
	callStore := memory.NewCallStore()
	connRegistry := registry.New()
	publisher := events.NewRedisPublisher(redisDB)
	presenceRepo := redisRepo.NewPresenceRepository(redisDB)
	qualityRepo := redisRepo.NewQualityRepository(redisDB)

	// history interface must stay nil when the repo pointer is nil
	var history callService.HistoryRepository
	if historyRepo != nil {
		history = historyRepo
	}

	callSvc := callService.NewService(callStore, connRegistry, publisher, history, appMetrics, cfg.Call)
	signalingSvc := signalingService.NewService(callStore, connRegistry, callSvc, publisher, presenceRepo, qualityRepo)

	// Ring timeout and disconnect grace enforcement
	go callSvc.StartSweeper(ctx)

	// 6. Initialize Handlers
	callHdlr := callHandler.NewHandler(callSvc, qualityRepo, publisher)
	signalingHub := wsHandler.NewSignalingHub(signalingSvc, cfg.Server.MaxSignalingConnections, appMetrics)

	// 7. Setup Gin Router
	router := gin.New() // Don't use Default() to have full control

	trustedProxies := []string{}
	if os.Getenv("ENV") == "production" {
		trustedProxies = []string{
			"https://api.callbridge.io",
			"https://*.callbridge.io",
		}
	} else {
		trustedProxies = []string{
			"http://localhost:3000",
			"http://localhost:8080",
			"http://127.0.0.1:3000",
			"http://127.0.0.1:8080",
		}
	}
	router.SetTrustedProxies(trustedProxies)

	// Apply global middleware
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		onlineUsers, _ := presenceRepo.GetOnlineCount(c.Request.Context())
		c.JSON(200, gin.H{
			"status":         "healthy",
			"service":        "call-service",
			"redis_degraded": redisDB.IsDegraded(),
			"active_calls":   callStore.Len(),
			"online_users":   onlineUsers,
			"time":           time.Now().UTC(),
		})
	})

	// Metrics endpoint (for Prometheus scraping)
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	// Revocation checker
	revocationChecker := middleware.NewRedisRevocationChecker(redisDB.Client)

	// Rate limit call creation per user
	initiateLimiter := middleware.NewRateLimiter(redisDB.Client, appMetrics, 30, time.Minute)

	// Call routes (all require authentication)
	v1 := router.Group("/v1/calls")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	{
		v1.POST("/initiate", initiateLimiter.Middleware(), callHdlr.InitiateCall)
		v1.GET("/active", callHdlr.ActiveCalls)
		v1.GET("/history", callHdlr.History)
		v1.GET("/:id", callHdlr.GetCall)
		v1.POST("/:id/end", callHdlr.EndCall)
		v1.POST("/:id/decline", callHdlr.DeclineCall)
		v1.GET("/:id/quality/:user_id", callHdlr.Quality)
		v1.GET("/:id/events", callHdlr.Events)

		// WebSocket endpoint for WebRTC signaling
		v1.GET("/ws/signaling", signalingHub.ServeWS)
	}

	// 8. Start server with graceful shutdown
	port := cfg.Server.Port
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: router,
	}

	go func() {
		log.Printf("🚀 Call Service starting on port %s\n", port)
		log.Println("📡 WebRTC Signaling: /v1/calls/ws/signaling")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Forced shutdown: %v", err)
	}
}
