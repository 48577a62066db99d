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
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/limajs/transit-backend/docs"
	"github.com/limajs/transit-backend/internal/config"
	"github.com/limajs/transit-backend/internal/database"
	"github.com/limajs/transit-backend/internal/mailer"
	mW "github.com/limajs/transit-backend/internal/middleware"
	"github.com/limajs/transit-backend/internal/realtime"
	"github.com/limajs/transit-backend/internal/services"
)

// @title Transit Operations API
// @version 1.0
// @description API for bus transit operations: wallets, tickets, NFC cards, subscriptions and fleet tracking
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

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
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Transit Operations API"
	docs.SwaggerInfo.Description = "API for bus transit operations"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Initialize services
	ledgerService := services.NewLedgerService(db)
	authService := services.NewAuthService(db, redisClient)
	walletService := services.NewWalletService(db, ledgerService)
	ticketService := services.NewTicketService(db, redisClient, ledgerService)
	nfcService := services.NewNFCService(db, ledgerService)
	paymentService := services.NewPaymentService(db, ledgerService, walletService)
	paymentMethodService := services.NewPaymentMethodService()
	subscriptionService := services.NewSubscriptionService(db, ledgerService,
		mailer.New(mailer.ConfigFromEnv()))
	fleetService := services.NewFleetService(db)
	routeService := services.NewRouteService(db)
	tripService := services.NewTripService(db, ledgerService)
	settlementService := services.NewSettlementService(db)
	notificationService := services.NewNotificationService(db,
		services.NewFCMPushSender(config.LoadPushConfig()))

	hub := realtime.NewHub()
	gpsService := services.NewGPSService(db, redisClient, hub)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Background sweeps: expired tickets and subscriptions are lazily
	// expired on read, the sweeps keep the tables tidy in between.
	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	defer stopSweeps()
	go runSweeps(sweepCtx, ticketService, subscriptionService)

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
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Static file server for payment method logos
	r.Handle("/static/method-logos/*", http.StripPrefix("/static/method-logos/",
		mW.StaticFileServer("./static/method-logos")))

	// Live bus positions
	r.Get("/ws/positions", hub.ServeWS)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)
		r.Post("/auth/request-otp", authService.RequestOTP)
		r.Post("/auth/verify-otp", authService.VerifyOTP)
		r.Get("/payment-methods", paymentMethodService.ListMethods)
		r.Get("/plans", subscriptionService.ListPlans)
		r.Get("/routes", routeService.ListRoutes)
		r.Get("/routes/{routeId}", routeService.GetRoute)
		r.Get("/routes/{routeId}/schedules", routeService.ListSchedules)
		r.Get("/gps/buses/{busId}", gpsService.GetBusPosition)
		r.Get("/gps/routes/{routeId}", gpsService.GetRoutePositions)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/profile", authService.GetProfile)
			r.Put("/auth/profile", authService.UpdateProfile)

			// Wallet endpoints
			r.Get("/wallet", walletService.GetBalance)
			r.Get("/wallet/transactions", walletService.GetTransactions)
			r.Post("/wallet/recharge", walletService.Recharge)
			r.Post("/wallet/pay", walletService.Pay)

			// Ticket endpoints
			r.Post("/tickets", ticketService.GenerateTicket)
			r.Get("/tickets", ticketService.GetTicketHistory)
			r.Get("/tickets/{ticketId}", ticketService.GetTicket)

			// Payment endpoints
			r.Post("/payments", paymentService.SubmitPayment)
			r.Get("/payments", paymentService.GetUserPayments)

			// Subscription endpoints
			r.Get("/subscriptions/active", subscriptionService.GetActiveSubscription)
			r.Get("/subscriptions", subscriptionService.GetUserSubscriptions)
			r.Get("/invoices", subscriptionService.GetUserInvoices)

			// Card endpoints
			r.Get("/cards", nfcService.GetUserCards)

			// Notification endpoints
			r.Post("/notifications/devices", notificationService.RegisterDevice)
			r.Get("/notifications", notificationService.GetNotifications)

			// Driver endpoints
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole("driver", "admin"))

				r.Post("/trips", tripService.StartTrip)
				r.Get("/trips", tripService.GetDriverTrips)
				r.Get("/trips/{tripId}", tripService.GetTrip)
				r.Put("/trips/{tripId}/end", tripService.EndTrip)
				r.Post("/trips/{tripId}/board", tripService.BoardPassenger)
				r.Put("/trips/{tripId}/alight/{userId}", tripService.AlightPassenger)

				r.Post("/tickets/validate", ticketService.ValidateTicket)
				r.Post("/cards/validate", nfcService.ValidateCard)

				r.Post("/gps/positions", gpsService.IngestPositions)
			})

			// Admin endpoints
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole("admin"))

				r.Get("/admin/users", authService.ListUsers)

				r.Get("/admin/payments/pending", paymentService.ListPendingPayments)
				r.Put("/admin/payments/{paymentId}/approve", paymentService.ApprovePayment)
				r.Put("/admin/payments/{paymentId}/reject", paymentService.RejectPayment)

				r.Post("/admin/cards", nfcService.IssueCard)
				r.Put("/admin/cards/{cardId}/activate", nfcService.ActivateCard)
				r.Put("/admin/cards/{cardId}/block", nfcService.BlockCard)

				r.Post("/admin/buses", fleetService.CreateBus)
				r.Get("/admin/buses", fleetService.ListBuses)
				r.Get("/admin/buses/{busId}", fleetService.GetBus)
				r.Put("/admin/buses/{busId}/status", fleetService.UpdateBusStatus)

				r.Post("/admin/routes", routeService.CreateRoute)
				r.Post("/admin/routes/{routeId}/schedules", routeService.CreateSchedule)

				r.Get("/admin/settlement/export", settlementService.ExportBatch)
				r.Post("/admin/settlement/{paymentId}/ack", settlementService.AcknowledgePayment)

				r.Post("/admin/notifications/send", notificationService.SendNotification)
				r.Post("/admin/notifications/broadcast", notificationService.BroadcastNotification)
			})
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

// runSweeps expires stale tickets and subscriptions and queues renewal
// reminders on a fixed interval.
func runSweeps(ctx context.Context, tickets *services.TicketService, subs *services.SubscriptionService) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	reminder := time.NewTicker(6 * time.Hour)
	defer reminder.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := tickets.ExpireStaleTickets(ctx); err != nil {
				log.Printf("[SWEEP] Ticket sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("[SWEEP] Expired %d stale tickets", n)
			}
			if n, err := subs.ExpireStaleSubscriptions(ctx); err != nil {
				log.Printf("[SWEEP] Subscription sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("[SWEEP] Expired %d stale subscriptions", n)
			}
		case <-reminder.C:
			if n, err := subs.SendRenewalReminders(ctx, 48*time.Hour); err != nil {
				log.Printf("[SWEEP] Renewal reminders failed: %v", err)
			} else if n > 0 {
				log.Printf("[SWEEP] Sent %d renewal reminders", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
