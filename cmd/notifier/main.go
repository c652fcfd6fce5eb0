// The notifier worker consumes order status-changed events and sends
// customer notifications, retrying transient failures and parking
// poison messages on the DLQ.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

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

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			logger.Info("Database connection established")
			break
		}
		logger.Info("Waiting for database...")
		time.Sleep(2 * time.Second)
	}

	orderStore := store.NewPostgresStore(db, logger)

	sms := notify.NewTwilioClient(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.FromNumber, logger)
	email := notify.NewResendClient(cfg.Resend.APIKey, cfg.Resend.FromEmail, logger)
	dispatcher := notify.NewDispatcher(sms, email, cfg.Server.BaseURL, logger)

	handler := notify.NewStatusHandler(orderStore, dispatcher, logger)

	consumer, err := events.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, handler, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka consumer")
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.WithFields(logrus.Fields{
			"group_id": cfg.Kafka.GroupID,
			"topic":    events.OrderStatusChangedTopic,
		}).Info("Starting notification worker")
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Consumer stopped with error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down notification worker...")
	cancel()
	logger.Info("Notification worker stopped")
}
