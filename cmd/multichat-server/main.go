// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

// multichat-server runs the relay: it accepts TLS connections from
// chat bridges, authenticates them, and fans events out between the
// rooms they join.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/htrefil/multichat/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath    string
		listen        string
		metricsListen string
		logLevel      string
	)
	pflag.StringVarP(&configPath, "config", "c", "multichat.yaml", "path to the YAML config file")
	pflag.StringVar(&listen, "listen", "", "listen address, overriding the config file")
	pflag.StringVar(&metricsListen, "metrics-listen", "", "metrics listen address, overriding the config file")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	fileConfig, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		fileConfig.Listen = listen
	}
	if metricsListen != "" {
		fileConfig.MetricsListen = metricsListen
	}

	serverConfig, err := fileConfig.serverConfig()
	if err != nil {
		return err
	}
	serverConfig.Logger = logger

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	serverConfig.Registerer = registry

	relay, err := server.New(serverConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if fileConfig.MetricsListen != "" {
		go serveMetrics(ctx, logger, fileConfig.MetricsListen, registry)
	}

	return relay.ListenAndServe(ctx, fileConfig.Listen)
}

// serveMetrics exposes the Prometheus registry over HTTP. Failures
// here are logged, not fatal: the relay keeps running without
// metrics.
func serveMetrics(ctx context.Context, logger *slog.Logger, addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "error", err)
	}
}
