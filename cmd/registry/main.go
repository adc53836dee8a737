// Copyright 2026 LLM Fleet Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The registry binary serves the Registry HTTP API: an in-memory catalog of
// service records with active health probing and stale-entry reaping
// (spec.md §4.1).
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioninfo "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llmfleet/control-plane/internal/buildinfo"
	"github.com/llmfleet/control-plane/internal/config"
	"github.com/llmfleet/control-plane/internal/registryserver"
)

// fileConfig mirrors the Registry's flags for optional YAML overlay
// (SPEC_FULL.md §A: "flags override file values").
type fileConfig struct {
	ListenAddress             string `yaml:"listen_address"`
	HealthIntervalSeconds     int    `yaml:"health_interval_seconds"`
	HealthTimeoutSeconds      int    `yaml:"health_timeout_seconds"`
	CleanupIntervalSeconds    int    `yaml:"cleanup_interval_seconds"`
	StaleTimeoutSeconds       int    `yaml:"stale_timeout_seconds"`
	HeartbeatFreshnessSeconds int    `yaml:"heartbeat_freshness_seconds"`
}

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	cfgPath := config.PreScanConfigFile(os.Args[1:])
	var fc fileConfig
	if err := config.LoadYAMLFile(cfgPath, &fc); err != nil {
		_ = level.Error(logger).Log("msg", "failed to load config file", "path", cfgPath, "err", err)
		os.Exit(1)
	}
	spec := registryserver.DefaultConfig()

	a := kingpin.New("registry", "The LLM fleet service registry")
	a.HelpFlag.Short('h')

	logLevel := a.Flag("log.level", "One of 'debug', 'info', 'warn', 'error'.").
		Default("info").Enum("debug", "info", "warn", "error")
	_ = a.Flag("config-file", "Optional YAML config file; flags take precedence.").String()
	listenAddress := a.Flag("listen-address", "Address to serve the Registry API on.").
		Default(config.StringOr(fc.ListenAddress, ":8500")).String()
	healthInterval := a.Flag("health-interval", "Interval between active health probes.").
		Default(durationDefault(fc.HealthIntervalSeconds, spec.HealthInterval)).Duration()
	healthTimeout := a.Flag("health-timeout", "Per-probe deadline.").
		Default(durationDefault(fc.HealthTimeoutSeconds, spec.HealthTimeout)).Duration()
	cleanupInterval := a.Flag("cleanup-interval", "Interval between stale-entry reaper passes.").
		Default(durationDefault(fc.CleanupIntervalSeconds, spec.CleanupInterval)).Duration()
	staleTimeout := a.Flag("stale-timeout", "Age after which an unheartbeated record is reaped.").
		Default(durationDefault(fc.StaleTimeoutSeconds, spec.StaleTimeout)).Duration()
	heartbeatFreshness := a.Flag("heartbeat-freshness", "Age after which a record's heartbeat is considered stale for health derivation.").
		Default(durationDefault(fc.HeartbeatFreshnessSeconds, spec.HeartbeatFreshness)).Duration()

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "parsing command-line arguments failed", "err", err)
		os.Exit(2)
	}
	logger = filterLevel(logger, *logLevel)

	cfg := registryserver.Config{
		HealthInterval:     *healthInterval,
		HealthTimeout:      *healthTimeout,
		CleanupInterval:    *cleanupInterval,
		StaleTimeout:       *staleTimeout,
		HeartbeatFreshness: *heartbeatFreshness,
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioninfo.NewCollector("registry"),
	)

	startedAt := time.Now()
	server := registryserver.NewServer(logger, cfg)
	prober := registryserver.NewProberLoop(logger, server, cfg)
	reaper := registryserver.NewReaperLoop(logger, server, cfg)

	mux := http.NewServeMux()
	mux.Handle("/", server.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/version", buildinfo.Handler(logger, "registry", startedAt))

	httpServer := &http.Server{Addr: *listenAddress, Handler: mux}

	var g run.Group
	addSignalActor(&g, logger)
	addContextActor(&g, prober.Run)
	addContextActor(&g, reaper.Run)
	addHTTPServerActor(&g, logger, httpServer, *listenAddress)

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "registry exited with error", "err", err)
		os.Exit(1)
	}
}

func durationDefault(seconds int, fallback time.Duration) string {
	if seconds <= 0 {
		return fallback.String()
	}
	return (time.Duration(seconds) * time.Second).String()
}

func filterLevel(logger log.Logger, lvl string) log.Logger {
	switch strings.ToLower(lvl) {
	case "debug":
		return level.NewFilter(logger, level.AllowDebug())
	case "warn":
		return level.NewFilter(logger, level.AllowWarn())
	case "error":
		return level.NewFilter(logger, level.AllowError())
	default:
		return level.NewFilter(logger, level.AllowInfo())
	}
}

// addSignalActor registers the SIGINT/SIGTERM actor every binary in this
// repo starts its run.Group with (grounded on cmd/frontend/main.go and
// cmd/config-reloader/main.go's identical blocks).
func addSignalActor(g *run.Group, logger log.Logger) {
	term := make(chan os.Signal, 1)
	cancel := make(chan struct{})
	signal.Notify(term, os.Interrupt, syscall.SIGTERM)

	g.Add(func() error {
		select {
		case <-term:
			_ = level.Info(logger).Log("msg", "received signal, shutting down")
		case <-cancel:
		}
		return nil
	}, func(error) {
		close(cancel)
	})
}

// addContextActor wraps a Run(ctx) error background loop as a run.Group
// actor.
func addContextActor(g *run.Group, run func(context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	g.Add(func() error {
		return run(ctx)
	}, func(error) {
		cancel()
	})
}

// addHTTPServerActor registers the HTTP listener as a run.Group actor with a
// bounded shutdown deadline (spec.md §5's graceful-shutdown semantics).
func addHTTPServerActor(g *run.Group, logger log.Logger, srv *http.Server, listenAddress string) {
	g.Add(func() error {
		_ = level.Info(logger).Log("msg", "starting HTTP server", "listen", listenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
}
