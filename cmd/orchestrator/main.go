// Command orchestrator starts the acestream-orchestrator: it loads
// configuration from the environment the way acexy's proxy.go reads its
// flags/env pairs, wires every subsystem through internal/controller, and
// serves the HTTP API on :8080 until it receives SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/api"
	"github.com/krinkuto11/acestream-orchestrator/internal/config"
	"github.com/krinkuto11/acestream-orchestrator/internal/controller"
	"github.com/krinkuto11/acestream-orchestrator/internal/debuglog"
	"github.com/krinkuto11/acestream-orchestrator/internal/eventlog"
	"github.com/krinkuto11/acestream-orchestrator/internal/runtime/docker"
	"github.com/krinkuto11/acestream-orchestrator/lib/pmw"
)

const (
	listenAddr    = ":8080"
	eventDBPath   = "/data/events.db"
	shutdownGrace = 15 * time.Second
)

func main() {
	cfg := config.FromEnv()

	log := newLogger(cfg)
	slog.SetDefault(log)
	debuglog.Init(cfg.DebugMode, cfg.DebugLogDir)

	log.Info("orchestrator: starting",
		"vpn_mode", cfg.VPNMode, "min_replicas", cfg.MinReplicas, "max_replicas", cfg.MaxReplicas)

	rt, err := docker.New()
	if err != nil {
		log.Error("orchestrator: connect to container runtime", "error", err)
		os.Exit(1)
	}

	events, err := eventlog.Open(eventDBPath)
	if err != nil {
		log.Warn("orchestrator: event log unavailable, continuing without history", "error", err)
		events = nil
	}

	ctrl := controller.New(cfg, rt, events, log)

	srv := api.New(cfg, ctrl.State, ctrl.Validator, ctrl.Provisioner, ctrl.Lifecycle,
		ctrl.Autoscaler, ctrl.CB, ctrl.EngineClient, ctrl.Events, ctrl.Realtime, log)

	httpSrv := &http.Server{
		Addr:         listenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go ctrl.Run(ctx)

	go func() {
		log.Info("orchestrator: listening", "addr", listenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("orchestrator: http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("orchestrator: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("orchestrator: http server shutdown", "error", err)
	}
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		log.Error("orchestrator: controller shutdown", "error", err)
	}
	log.Info("orchestrator: stopped")
}

// newLogger builds the slog handler, teeing JSON-formatted records to
// stdout and, when DebugMode is set, to a file under DebugLogDir, the way
// lib/pmw.PMultiWriter was built to be used: any concern that wants to
// fan a single io.Writer stream out to several sinks.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.DebugMode {
		level = slog.LevelDebug
	}

	writer := pmw.New(os.Stdout)
	if cfg.DebugMode {
		if err := os.MkdirAll(cfg.DebugLogDir, 0o755); err == nil {
			path := fmt.Sprintf("%s/orchestrator.log", cfg.DebugLogDir)
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				writer.Add(f)
			}
		}
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
