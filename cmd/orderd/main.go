package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/thecatch/orderflow/internal/api"
	"github.com/thecatch/orderflow/internal/cache"
	"github.com/thecatch/orderflow/internal/circuitbreaker"
	"github.com/thecatch/orderflow/internal/config"
	"github.com/thecatch/orderflow/internal/events"
	"github.com/thecatch/orderflow/internal/notify"
	"github.com/thecatch/orderflow/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid config")
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	}

	// Connect to database
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	// Wait for database to be ready
	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			logger.Info("Database connection established")
			break
		}
		logger.Info("Waiting for database...")
		time.Sleep(2 * time.Second)
	}

	if err := store.CreateTables(db); err != nil {
		logger.WithError(err).Fatal("Failed to create tables")
	}
	orderStore := store.NewPostgresStore(db, logger)

	// Redis-backed cache for lookup fallback
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	orderCache := cache.New(rdb, logger)

	// Kafka producer for status-changed events
	producer, err := events.NewKafkaProducer(cfg.Kafka.Brokers, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka producer")
	}
	defer producer.Close()

	breakers := circuitbreaker.NewManager(logger)

	sms := notify.NewTwilioClient(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.FromNumber, logger)
	email := notify.NewResendClient(cfg.Resend.APIKey, cfg.Resend.FromEmail, logger)
	dispatcher := notify.NewDispatcher(sms, email, cfg.Server.BaseURL, logger)

	handler := api.NewHandler(orderStore, orderCache, producer, dispatcher, breakers,
		cfg.Server.KitchenToken, cfg.Server.InternalAPIKey, logger)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	router.Use(api.LoggingMiddleware(logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Starting order service")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server gracefully stopped")
}
