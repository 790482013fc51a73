package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/tradeforge/exchange-api/internal/auth"
	"github.com/tradeforge/exchange-api/internal/book"
	"github.com/tradeforge/exchange-api/internal/config"
	"github.com/tradeforge/exchange-api/internal/currency"
	"github.com/tradeforge/exchange-api/internal/database"
	"github.com/tradeforge/exchange-api/internal/execution"
	"github.com/tradeforge/exchange-api/internal/notify"
	"github.com/tradeforge/exchange-api/internal/orders"
	"github.com/tradeforge/exchange-api/internal/snapshot"
	"github.com/tradeforge/exchange-api/internal/workers"
	"github.com/tradeforge/exchange-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the exchange API server with graceful shutdown
// support. It wires storage, order books, the execution dispatcher and the
// worker pool, warms the books from the store and serves the API routes.
func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService("exchange-secret-key")
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	books := book.NewRegistry(cfg.MarketCodes())
	converter := currency.NewService(db)
	dispatcher := execution.NewDispatcher(db, converter, books, cfg.Execution.MaxRetries)

	// Create and start the exchange rate processor
	rateProcessor := currency.NewProcessor(currency.NewDatabase(db))
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go rateProcessor.Start(processorCtx)

	pool := workers.NewPool(cfg.Workers.Count, cfg.Workers.QueueSize)
	notifier := notify.NewNotifier()

	var depthCache *snapshot.Cache
	if cfg.Redis.Enabled {
		depthCache = snapshot.NewCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
	}

	orderService := orders.NewService(db, books, dispatcher, pool, notifier, depthCache)
	orderHandlers := orders.NewGinHandlers(orderService)

	// Warm the books from persisted open orders before accepting traffic
	if err := orderService.WarmLoad(context.Background()); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to warm order books")
	}

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, orderHandlers)

	// Create server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	// Drain in-flight executions after the HTTP surface stops
	pool.Stop()

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order and market routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	orderHandlers *orders.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		ordersGroup := v1.Group("/orders")
		ordersGroup.Use(middleware.JWTAuth())
		{
			ordersGroup.POST("", orderHandlers.CreateOrderHandler())
			ordersGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
			ordersGroup.DELETE("/:order_id", orderHandlers.CancelOrderHandler())
		}

		// Market routes
		markets := v1.Group("/markets")
		markets.Use(middleware.JWTAuth())
		{
			markets.GET("/:market/depth", orderHandlers.DepthHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/execution/:order_id", orderHandlers.ExecuteOrderHandler())
			internal.GET("/books/:market/size", orderHandlers.BookSizeHandler())
			internal.POST("/books/:market/clear", orderHandlers.ClearBookHandler())
		}
	}
}
