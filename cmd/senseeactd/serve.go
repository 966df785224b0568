// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/RoessinghResearch/senseeact-sub001/senseeact"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cfgFile)
		if err != nil {
			return err
		}
		return runServer(cfg)
	},
}

func runServer(cfg *config) error {
	logger := newLogger(cfg)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	var pushSender senseeact.PushSender
	if cfg.FCMServerKey != "" {
		pushSender = senseeact.NewFCMSender(cfg.FCMEndpoint, cfg.FCMServerKey)
	} else {
		logger.Info("No FCM server key configured, push dispatch disabled")
	}

	service, err := senseeact.NewService(pool, &senseeact.ServiceConfig{
		Projects:          cfg.Projects,
		AppName:           "senseeactd",
		MaxBatchSize:      cfg.MaxBatchSize,
		MaxReadCount:      cfg.MaxReadCount,
		HangingGetTimeout: cfg.HangingGetTimeout,
		PushSender:        pushSender,
	}, logger)
	if err != nil {
		return err
	}
	defer service.Close()

	jwtAuth := senseeact.NewJWTAuth(cfg.JWTSecret)
	handlers := senseeact.NewHTTPHandlers(service, jwtAuth, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Group(func(r chi.Router) {
		r.Use(jwtAuth.Middleware)
		handlers.Mount(r)
	})

	// Write timeout must outlast the hanging-GET bound or long polls are
	// cut off mid-wait.
	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: cfg.HangingGetTimeout + 60*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting sync server", "addr", httpServer.Addr, "projects", len(cfg.Projects))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("Shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("Server exited")
	return nil
}

func newLogger(cfg *config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
