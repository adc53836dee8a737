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

// The router binary serves the proxy surface described in spec.md §4.3: it
// reconciles the backend set from the Registry, runs active health checks,
// and forwards inference requests to one healthy backend per request.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
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
	"github.com/llmfleet/control-plane/internal/catalog"
	"github.com/llmfleet/control-plane/internal/config"
	"github.com/llmfleet/control-plane/internal/registryclient"
	"github.com/llmfleet/control-plane/internal/router"
)

// staticBackendConfig is one entry of the optional static-backend list
// (spec.md §6: "optional static-backend list"), declared only in the YAML
// config file since it names a structured list, not a scalar flag.
type staticBackendConfig struct {
	Name          string   `yaml:"name"`
	Host          string   `yaml:"host"`
	Port          int      `yaml:"port"`
	BabysitterURL string   `yaml:"babysitter_url"`
	Weight        int      `yaml:"weight"`
	CacheType     string   `yaml:"cache_type"`
	Models        []string `yaml:"models"`
}

type fileConfig struct {
	ListenAddress               string                `yaml:"listen_address"`
	RegistryURL                 string                `yaml:"registry_url"`
	RegistrySyncIntervalSeconds int                   `yaml:"registry_sync_interval_seconds"`
	RemovalGracePeriodSeconds   int                   `yaml:"removal_grace_period_seconds"`
	HealthIntervalSeconds       int                   `yaml:"health_interval_seconds"`
	HealthTimeoutSeconds        int                   `yaml:"health_timeout_seconds"`
	MaxErrors                   int                   `yaml:"max_errors"`
	CacheTypeRoutingThreshold   int                   `yaml:"cache_type_routing_threshold"`
	ConnectTimeoutSeconds       int                   `yaml:"connect_timeout_seconds"`
	RequestTimeoutSeconds       int                   `yaml:"request_timeout_seconds"`
	StreamIdleTimeoutSeconds    int                   `yaml:"stream_idle_timeout_seconds"`
	StaticBackends              []staticBackendConfig `yaml:"static_backends"`
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
	spec := router.DefaultConfig()

	a := kingpin.New("router", "The LLM fleet router")
	a.HelpFlag.Short('h')

	logLevel := a.Flag("log.level", "One of 'debug', 'info', 'warn', 'error'.").
		Default("info").Enum("debug", "info", "warn", "error")
	_ = a.Flag("config-file", "Optional YAML config file; flags take precedence.").String()
	listenAddress := a.Flag("listen-address", "Address to serve the Router API on.").
		Default(config.StringOr(fc.ListenAddress, ":8080")).String()
	registryURL := a.Flag("registry-url", "Base URL of the Registry.").
		Default(config.StringOr(fc.RegistryURL, "http://localhost:8500")).String()
	syncInterval := a.Flag("registry-sync-interval", "Interval between Registry reconciliation pulls.").
		Default(durationDefault(fc.RegistrySyncIntervalSeconds, spec.RegistrySyncInterval)).Duration()
	removalGrace := a.Flag("removal-grace-period", "Age after which a backend absent from the Registry is evicted.").
		Default(durationDefault(fc.RemovalGracePeriodSeconds, spec.RemovalGracePeriod)).Duration()
	healthInterval := a.Flag("health-interval", "Interval between active backend health probes.").
		Default(durationDefault(fc.HealthIntervalSeconds, spec.HealthInterval)).Duration()
	healthTimeout := a.Flag("health-timeout", "Per-probe deadline.").
		Default(durationDefault(fc.HealthTimeoutSeconds, spec.HealthTimeout)).Duration()
	maxErrors := a.Flag("max-errors", "Consecutive probe failures before a backend is marked unhealthy.").
		Default(strconv.Itoa(config.IntOr(fc.MaxErrors, spec.MaxErrors))).Int()
	cacheThreshold := a.Flag("cache-type-routing-threshold", "Request-body byte threshold for size-based cache-type routing.").
		Default(strconv.Itoa(config.IntOr(fc.CacheTypeRoutingThreshold, spec.CacheTypeRoutingThresh))).Int()
	connectTimeout := a.Flag("connect-timeout", "Upstream dial timeout.").
		Default(durationDefault(fc.ConnectTimeoutSeconds, spec.Proxy.ConnectTimeout)).Duration()
	requestTimeout := a.Flag("request-timeout", "Upstream non-streaming request timeout.").
		Default(durationDefault(fc.RequestTimeoutSeconds, spec.Proxy.RequestTimeout)).Duration()
	streamIdleTimeout := a.Flag("stream-idle-timeout", "Idle deadline between chunks of a streamed response.").
		Default(durationDefault(fc.StreamIdleTimeoutSeconds, spec.Proxy.StreamIdleTimeout)).Duration()

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "parsing command-line arguments failed", "err", err)
		os.Exit(2)
	}
	logger = filterLevel(logger, *logLevel)

	cfg := router.Config{
		RegistrySyncInterval:   *syncInterval,
		RemovalGracePeriod:     *removalGrace,
		HealthInterval:         *healthInterval,
		HealthTimeout:          *healthTimeout,
		MaxErrors:              *maxErrors,
		CacheTypeRoutingThresh: *cacheThreshold,
		Proxy: router.ProxyConfig{
			ConnectTimeout:    *connectTimeout,
			RequestTimeout:    *requestTimeout,
			StreamIdleTimeout: *streamIdleTimeout,
		},
		StaticBackends: staticRecords(fc.StaticBackends),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioninfo.NewCollector("router"),
	)

	startedAt := time.Now()
	registry := registryclient.New(*registryURL, *healthTimeout)
	rt := router.New(logger, cfg, registry)

	mux := http.NewServeMux()
	mux.Handle("/", rt.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/version", buildinfo.Handler(logger, "router", startedAt))

	httpServer := &http.Server{Addr: *listenAddress, Handler: mux}

	var g run.Group
	addSignalActor(&g, logger)
	addContextActor(&g, rt.RunReconciler)
	addContextActor(&g, rt.RunHealthChecker)
	addHTTPServerActor(&g, logger, httpServer, *listenAddress)

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "router exited with error", "err", err)
		os.Exit(1)
	}
}

// staticRecords converts the YAML-declared static backends into the
// ServiceRecords router.New pins into the backend set out of band from
// reconciliation.
func staticRecords(entries []staticBackendConfig) []catalog.ServiceRecord {
	now := time.Now()
	recs := make([]catalog.ServiceRecord, 0, len(entries))
	for _, e := range entries {
		recs = append(recs, catalog.ServiceRecord{
			Name:          e.Name,
			Kind:          catalog.KindOpenAIAPI,
			Host:          e.Host,
			Port:          e.Port,
			BabysitterURL: e.BabysitterURL,
			Weight:        e.Weight,
			Status:        catalog.StatusRunning,
			LastHeartbeat: now,
			RegisteredAt:  now,
			Metadata: catalog.Metadata{
				Type:      catalog.KindOpenAIAPI,
				Models:    e.Models,
				CacheType: catalog.CacheType(e.CacheType),
				Static:    true,
			},
		})
	}
	return recs
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

func addContextActor(g *run.Group, run func(context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	g.Add(func() error {
		return run(ctx)
	}, func(error) {
		cancel()
	})
}

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
