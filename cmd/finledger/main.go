package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"finledger/internal/amqp"
	"finledger/internal/config"
	apphttp "finledger/internal/http"
	"finledger/internal/ledger"
	"finledger/internal/ledger/memory"
	"finledger/internal/log"
	"finledger/internal/storage"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	// Setup structured logging
	logger := log.New(log.DefaultConfig())
	log.SetDefault(logger)

	logger.Info("Starting finledger")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	// Choose journal backend (default: memory).
	var journal ledger.Journal
	switch cfg.Backend {
	case "sqlite":
		repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
		if err != nil {
			logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
			os.Exit(1)
		}
		defer repo.Close()
		journal = repo
		logger.Info("Initialized SQLite backend", "path", cfg.SQLiteDBPath)
	default:
		journal = memory.NewStore()
		logger.Info("Initialized memory backend")
	}

	// Replay the journal into the engine. A corrupt journal fails startup
	// instead of serving bad balances.
	engine, err := ledger.New(context.Background(), journal, ledger.Options{
		LockTimeout: cfg.LockTimeout,
	})
	if err != nil {
		logger.Error("Ledger replay failed", "error", err)
		os.Exit(1)
	}

	// Initialize AMQP client for publishing committed-entry messages.
	// The statement worker consumes these and appends to the export sheet.
	var events apphttp.EventPublisher
	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, continuing without event publishing", "error", err)
		} else {
			defer amqpClient.Close()
			events = amqpClient
			logger.Info("AMQP client initialized - entries will flow to the statement worker")
		}
	} else {
		logger.Info("AMQP disabled - statement export relies on the worker sweep only")
	}

	srv := apphttp.NewServer(":"+cfg.Port, engine, events)

	// Configure server timeouts and limits
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	// Graceful shutdown handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Periodic integrity check: a mismatch between the journal and the
	// cached balances halts writes and flips /readyz to not-ready.
	go func() {
		ticker := time.NewTicker(cfg.VerifyInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := engine.Verify(ctx); err != nil {
					logger.Error("Ledger verification failed - writes halted", "error", err)
				}
			}
		}
	}()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		cancel()
	}()

	logger.Info("Starting finledger server", "port", cfg.Port, "backend", cfg.Backend, "lock_timeout", cfg.LockTimeout)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Server stopped gracefully")
}
