package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tickflow/bus"
	"tickflow/config"
	"tickflow/logger"
	"tickflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Tickflow.Name,
		"version": cfg.Tickflow.Version,
	}).Info("starting tickflow sink")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if region := os.Getenv("AWS_REGION"); region != "" {
		logger.InitCloudWatch(region, "", "")
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	b, err := bus.New(cfg.Redis.URL)
	if err != nil {
		log.WithError(err).Error("failed to connect message bus")
		os.Exit(1)
	}
	defer b.Close()

	store, err := writer.NewPostgresStore(ctx, cfg.Sink.DatabaseURL)
	if err != nil {
		log.WithError(err).Error("failed to connect database")
		os.Exit(1)
	}
	defer store.Close()

	if cfg.Sink.InitSchema {
		if err := store.InitSchema(ctx); err != nil {
			log.WithError(err).Error("failed to initialize schema")
			os.Exit(1)
		}
	}

	tradeWriter := writer.NewTradeWriter(cfg, b, store)
	if err := tradeWriter.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start trade writer")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		tradeWriter.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tickflow sink stopped")
}
