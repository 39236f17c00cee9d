package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaot623/roundtable/internal/adapter/agentclient"
	"github.com/xiaot623/roundtable/internal/config"
	"github.com/xiaot623/roundtable/internal/hub"
	"github.com/xiaot623/roundtable/internal/logging"
	"github.com/xiaot623/roundtable/internal/repository"
	"github.com/xiaot623/roundtable/internal/service"
	server "github.com/xiaot623/roundtable/internal/transport/http"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting roundtable",
		"http_port", cfg.HTTPPort,
		"database", cfg.DatabaseURL,
		"transcripts", cfg.TranscriptDir,
		"presets", cfg.PresetDir)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	transcripts, err := store.NewTranscriptLog(cfg.TranscriptDir)
	if err != nil {
		logger.Error("failed to initialize transcript log", "error", err)
		os.Exit(1)
	}

	// Load presets
	presets, err := config.LoadPresetDir(cfg.PresetDir)
	if err != nil {
		logger.Error("failed to load presets", "error", err)
		os.Exit(1)
	}
	logger.Info("presets loaded", "ids", config.PresetIDs(presets))

	// Start watcher hub
	ctx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	h := hub.NewHub(logger)
	go h.Run(ctx)

	// Initialize service
	svc := service.New(service.Deps{
		Store:       db,
		Transcripts: transcripts,
		Hub:         h,
		AgentClient: agentclient.NewClient(cfg.AgentTimeout),
		Config:      cfg,
		Presets:     presets,
		Logger:      logger,
	})

	e := server.NewServer(svc, h, logger)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down roundtable")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server gracefully", "error", err)
	}

	logger.Info("roundtable stopped")
}
