// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service is the synchronization core: action log, access resolution,
// read/write synchronizer, long-poll watches and push dispatch. This is
// the main component applications integrate.
type Service struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	config   *ServiceConfig
	registry *ProjectRegistry
	resolver *Resolver
	watch    *WatchService
	push     *PushService

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service.
type ServiceConfig struct {
	Projects []ProjectDef // projects available for sync (required)
	AppName  string       // application name for connection tracking

	MaxBatchSize      int           // maximum actions in a single write (0 = unlimited)
	MaxReadCount      int           // default/maximum actions per read (0 = 1000)
	HangingGetTimeout time.Duration // long-poll bound, defaults to DefaultHangingGetTimeout

	PushSender PushSender // nil disables push dispatch
}

// NewService creates the sync service: initializes the schema, restores
// watch and push registrations, and starts the background workers.
// The caller owns the pool lifecycle.
func NewService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	registry, err := NewProjectRegistry(config.Projects)
	if err != nil {
		return nil, err
	}
	if config.HangingGetTimeout <= 0 {
		config.HangingGetTimeout = DefaultHangingGetTimeout
	}
	if config.MaxReadCount <= 0 {
		config.MaxReadCount = 1000
	}

	s := &Service{
		pool:     pool,
		logger:   logger,
		config:   config,
		registry: registry,
	}
	s.resolver = NewResolver(pool, registry, logger)

	ctx := context.Background()
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := s.initializeSchemaInTx(ctx, tx); err != nil {
			logger.Error("Failed to initialize sync schema", "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}

	s.watch, err = NewWatchService(NewPGWatchStore(pool), s.resolver, registry, config.HangingGetTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to restore watch registrations: %w", err)
	}

	if config.PushSender != nil {
		s.push, err = NewPushService(NewPGPushStore(pool), config.PushSender, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to restore push registrations: %w", err)
		}
	}

	return s, nil
}

// Close stops the background workers and releases all parked watch calls.
// Safe to call multiple times. The pool stays open; the caller closes it.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.logger.Debug("Shutting down sync service")
	s.watch.Close()
	if s.push != nil {
		s.push.Close()
	}
	s.closed = true
	return nil
}

// Pool returns the underlying database connection pool.
func (s *Service) Pool() *pgxpool.Pool {
	return s.pool
}

// Registry returns the project registry.
func (s *Service) Registry() *ProjectRegistry {
	return s.registry
}

// Resolver returns the access resolver.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// Watch returns the watch hub.
func (s *Service) Watch() *WatchService {
	return s.watch
}

// Push returns the push dispatcher, or nil when no sender is configured.
func (s *Service) Push() *PushService {
	return s.push
}

func (s *Service) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}
