// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Sandbox notification service
//
// Entry point for the notification server. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL and Redis
//  3. Resets process state (breakers, cached credentials)
//  4. Wires allow-list, validation, dedup, enrichment and both senders
//  5. Serves /events, /health and /metrics
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ndx/notify/internal/app"
	"github.com/ndx/notify/internal/config"
	"github.com/ndx/notify/internal/ingress"
)

func main() {
	app.SetupLogging("info")
	slog.Info("starting sandbox notification service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	redactor := app.SetupLogging(cfg.LogLevel)

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"log_level", cfg.LogLevel,
		"handler_timeout", cfg.HandlerTimeout,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Wire pipeline ---
	a, err := app.New(ctx, cfg, redactor)
	if err != nil {
		slog.Error("failed to initialise pipeline", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// --- HTTP ingress ---
	srv := ingress.NewServer(a.Handler,
		ingress.Check{Name: "redis", Ping: func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }},
		ingress.Check{Name: "postgres", Ping: a.Lookups.Ping},
	)
	ready, stopped, err := ingress.Serve(ctx, cfg.Port, srv.Routes(), 15*time.Second)
	if err != nil {
		slog.Error("failed to start ingress server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel()

	// In-flight deliveries finish before the pools close.
	<-stopped
	slog.Info("notification service stopped")
}
