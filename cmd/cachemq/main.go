// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/absmach/cachemq/config"
	"github.com/absmach/cachemq/messaging"
	"github.com/absmach/cachemq/ratelimit"
	"github.com/absmach/cachemq/scheduler"
	"github.com/absmach/cachemq/server/health"
	"github.com/absmach/cachemq/server/otel"
	"github.com/absmach/cachemq/storage"
	"github.com/absmach/cachemq/storage/badger"
	"github.com/absmach/cachemq/storage/memory"
	"github.com/absmach/cachemq/webhook"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting messaging node", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"node_id", cfg.Server.NodeID,
		"storage_type", cfg.Storage.Type,
		"health_enabled", cfg.Server.HealthEnabled,
		"metrics_enabled", cfg.Server.MetricsEnabled,
		"webhook_enabled", cfg.Webhook.Enabled,
		"log_level", cfg.Log.Level)

	// Snapshot store backend.
	var store storage.SnapshotStore
	switch cfg.Storage.Type {
	case "memory":
		store = memory.New()
		slog.Info("Using in-memory snapshot store")
	case "badger":
		badgerStore, err := badger.New(badger.Config{
			Dir: cfg.Storage.BadgerDir,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB snapshot store", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		defer store.Close()
		slog.Info("Using BadgerDB snapshot store", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}

	// OpenTelemetry metrics.
	var stats messaging.StatsSink
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Error("OpenTelemetry shutdown error", "error", err)
			}
		}()

		metrics, err := otel.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metric instruments", "error", err)
			os.Exit(1)
		}
		stats = metrics
		slog.Info("OpenTelemetry metrics enabled", "endpoint", cfg.Server.MetricsAddr)
	}

	limiter := ratelimit.NewManager(cfg.RateLimit)

	engine := messaging.NewEngine(cfg.Messaging.Options(), logger, nil, stats, limiter)

	// Webhook notifications.
	if cfg.Webhook.Enabled {
		notifier, err := webhook.NewNotifier(cfg.Webhook, cfg.Server.NodeID, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to initialize webhook notifier", "error", err)
			os.Exit(1)
		}
		defer notifier.Close()
		engine.SetEventSink(webhook.NewEngineSink(notifier))
		slog.Info("Webhook notifications enabled", "endpoints", len(cfg.Webhook.Endpoints))
	}

	// Restore the previous snapshot before the loops start.
	restoreState(engine, store)

	sched := scheduler.New(logger)
	defer sched.Stop()

	engine.Start(sched)
	defer engine.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, engine, cfg.Server.NodeID, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Messaging node started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
		cancel()
	}

	wg.Wait()

	persistState(engine, store)
	slog.Info("Messaging node stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// restoreState replays the persisted membership snapshot and staged messages
// through the engine's normal creation and assignment paths.
func restoreState(engine *messaging.Engine, store storage.SnapshotStore) {
	state, err := store.LoadTopicsState()
	if err != nil {
		if err != storage.ErrNotFound {
			slog.Warn("Failed to load topics state, starting empty", "error", err)
		}
		return
	}

	engine.SetTopicsState(state)

	var restored int
	for _, ts := range state.Topics {
		envs, err := store.LoadMessages(ts.Name)
		if err != nil {
			slog.Warn("Failed to load staged messages", "topic", ts.Name, "error", err)
			continue
		}
		for _, env := range envs {
			if engine.StoreTransferrableMessage(ts.Name, env) {
				restored++
			}
		}
	}
	slog.Info("State restored", "topics", len(state.Topics), "messages", restored)
}

// persistState saves the membership snapshot and every live message so the
// next start can pick up where this one left off.
func persistState(engine *messaging.Engine, store storage.SnapshotStore) {
	state := engine.GetTopicsState()
	if err := store.SaveTopicsState(state); err != nil {
		slog.Error("Failed to persist topics state", "error", err)
		return
	}

	var persisted int
	for _, t := range engine.Topics().Topics() {
		name := t.Name()
		if err := store.DeleteTopic(name); err != nil {
			slog.Warn("Failed to clear staged messages", "topic", name, "error", err)
		}
		for _, id := range t.MessageIDs() {
			env, ok := t.GetTransferrableMessage(id)
			if !ok {
				continue
			}
			if err := store.SaveMessage(name, env); err != nil {
				slog.Warn("Failed to persist message", "topic", name, "message", id, "error", err)
				continue
			}
			persisted++
		}
	}
	slog.Info("State persisted", "topics", len(state.Topics), "messages", persisted)
}
