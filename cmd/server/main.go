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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"

	"github.com/papertrade/backend/internal/database"
	mW "github.com/papertrade/backend/internal/middleware"
	"github.com/papertrade/backend/internal/payments"
	"github.com/papertrade/backend/internal/services"
)

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.SetEnvPrefix("")

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
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("stripe.secret_key", "STRIPE_SECRET_KEY")
	viper.BindEnv("stripe.webhook_secret", "STRIPE_WEBHOOK_SECRET")
	viper.BindEnv("cors.allowed_origin", "CORS_ALLOWED_ORIGIN")
	viper.BindEnv("payments.min_deposit", "PAYMENTS_MIN_DEPOSIT")

	viper.SetDefault("jwt.expiry_hours", 168)
	viper.SetDefault("cors.allowed_origin", "http://localhost:5173")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	stripeProvider := payments.NewStripeProvider(
		viper.GetString("stripe.secret_key"),
		viper.GetString("stripe.webhook_secret"),
	)

	authService := services.NewAuthService(db, redisClient)
	transactionService := services.NewTransactionService(db)
	portfolioService := services.NewPortfolioService(db)
	paymentService := services.NewPaymentService(db, stripeProvider)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{viper.GetString("cors.allowed_origin")},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Stripe-Signature"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Use(mW.RateLimiter(redisClient))

	// Health check
	r.Get("/health", healthCheck)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/", apiIndex)
		r.Get("/health", healthCheck)

		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/payments/webhook", paymentService.HandleWebhook)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/me", authService.GetMe)

			r.Get("/portfolio", portfolioService.GetPortfolio)
			r.Get("/portfolio/summary", portfolioService.GetPortfolioSummary)

			r.Get("/transactions", transactionService.ListTransactions)
			r.Post("/transactions", transactionService.CreateTransaction)
			r.Get("/transactions/{id}", transactionService.GetTransaction)

			r.Post("/payments/create-payment-intent", paymentService.CreatePaymentIntent)
			r.Post("/payments/confirm-payment", paymentService.ConfirmPayment)
			r.Get("/payments/payment-status", paymentService.GetPaymentStatus)
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
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]any{
		"success":   true,
		"message":   "API is healthy",
		"timestamp": time.Now().UTC(),
	})
}

func apiIndex(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]any{
		"message": "Crypto Paper Trading API",
		"version": "1.0",
		"endpoints": map[string]string{
			"auth":         "/api/auth",
			"portfolio":    "/api/portfolio",
			"transactions": "/api/transactions",
			"payments":     "/api/payments",
		},
	})
}
