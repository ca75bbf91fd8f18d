// Command assistant runs a development conversation service that the chat UI can talk to. It answers
// with a configured LLM provider and keeps conversations in memory or in a bolt database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/sentimara-web-ui/internal/assistant"
	"github.com/MegaGrindStone/sentimara-web-ui/internal/logging"
	"github.com/joho/godotenv"
)

func main() {
	cfgPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	// A missing .env file is fine; the environment may be set by other means.
	_ = godotenv.Load()

	cfg, dataDir, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating logger: %w", err))
	}
	defer logCloser.Close()

	llm, err := cfg.LLM.llm(cfg.SystemPrompt, logger)
	if err != nil {
		logger.Error("Failed to create llm provider", slog.String("err", err.Error()))
		os.Exit(1)
	}

	store, storeCloser, err := cfg.Store.store(dataDir)
	if err != nil {
		logger.Error("Failed to open store", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if err := storeCloser.Close(); err != nil {
			logger.Error("Failed to close store", slog.String("err", err.Error()))
		}
	}()

	s := assistant.NewServer(llm, store, cfg.PingInterval, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Assistant starting",
			slog.String("port", cfg.Port),
			slog.String("store", cfg.Store.Type))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Reply streams end when their request context is cancelled, which Shutdown does not do, so
		// Close is the fallback once the timeout passes.
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}
