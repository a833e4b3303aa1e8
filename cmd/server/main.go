package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crosspay/backend/internal/config"
	"github.com/crosspay/backend/internal/database"
	"github.com/crosspay/backend/internal/handlers"
	"github.com/crosspay/backend/internal/metrics"
	mW "github.com/crosspay/backend/internal/middleware"
	"github.com/crosspay/backend/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
)

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("signer.secret", "SIGNER_SECRET")
	viper.BindEnv("compliance.daily_ceiling", "COMPLIANCE_DAILY_CEILING")
	viper.BindEnv("compliance.single_ceiling", "COMPLIANCE_SINGLE_CEILING")
	viper.BindEnv("compliance.reporting_currency", "COMPLIANCE_REPORTING_CURRENCY")
	viper.BindEnv("rail.bank_endpoint", "RAIL_BANK_ENDPOINT")
	viper.BindEnv("rail.wallet_endpoint", "RAIL_WALLET_ENDPOINT")
	viper.BindEnv("rail.corridor_endpoint", "RAIL_CORRIDOR_ENDPOINT")
	viper.BindEnv("rates.base_url", "RATES_BASE_URL")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	cfg := config.Load()
	metrics.Init()

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	rootCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()

	store := services.NewPostgresStore(db)
	accounts := &services.PostgresAccountStore{PostgresStore: store}
	audit := services.NewPostgresAuditStore(db)
	features := services.NewRedisFeatureSource(redisClient, cfg.Risk.VelocityWindow)
	notifier := services.NewRedisNotifier(redisClient)

	monitor := services.NewRailHealthMonitor(&cfg.Rail)
	monitor.Start(rootCtx)

	rates := services.NewHTTPRateSource(&cfg.Rates)
	router := services.NewRouter(rates, monitor, cfg.Rates.MaxAge)
	railClient := services.NewHTTPRailClient(&cfg.Rail)

	orchestrator := services.NewOrchestrator(cfg, store, accounts, audit, features, router, railClient, notifier)
	paymentHandler := handlers.NewPaymentHandler(orchestrator, store, monitor)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Device-Fingerprint"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Prometheus metrics
	r.Handle("/metrics", metrics.Handler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Rail provider callbacks echo the payload signature issued with
		// the execution request and are verified against the stored
		// transaction, not a user token.
		r.Post("/rails/callback", paymentHandler.RailCallback)

		r.Group(func(r chi.Router) {
			r.Use(mW.Auth(cfg.JWTSecret))

			r.Post("/payments", paymentHandler.SubmitPayment)
			r.Get("/payments", paymentHandler.ListPayments)
			r.Get("/payments/{transactionID}", paymentHandler.GetPayment)
			r.Get("/rails/status", paymentHandler.RailStatus)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopMonitor()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
