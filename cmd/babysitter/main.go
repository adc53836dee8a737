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

// The babysitter binary supervises one child inference process: spawning
// it, waiting for readiness, registering it (and itself) with the Registry,
// and restarting it on crash or unresponsiveness (spec.md §4.2).
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

	"github.com/llmfleet/control-plane/internal/babysitter"
	"github.com/llmfleet/control-plane/internal/catalog"
	"github.com/llmfleet/control-plane/internal/config"
	"github.com/llmfleet/control-plane/internal/registryclient"
)

type fileConfig struct {
	BackendName              string   `yaml:"backend_name"`
	AdvertiseHost            string   `yaml:"advertise_host"`
	RegistryURL              string   `yaml:"registry_url"`
	ChildPort                int      `yaml:"child_port"`
	SelfPort                 int      `yaml:"self_port"`
	Weight                   int      `yaml:"weight"`
	CacheType                string   `yaml:"cache_type"`
	LaunchCommand            string   `yaml:"launch_command"`
	LaunchEnv                []string `yaml:"launch_env"`
	LaunchWorkDir            string   `yaml:"launch_work_dir"`
	MaxRestarts              int      `yaml:"max_restarts"`
	RestartDelaySeconds      int      `yaml:"restart_delay_seconds"`
	HeartbeatIntervalSeconds int      `yaml:"heartbeat_interval_seconds"`
	DiscoveryIntervalSeconds int      `yaml:"discovery_interval_seconds"`
	ReadyTimeoutSeconds      int      `yaml:"ready_timeout_seconds"`
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
	spec := babysitter.DefaultSupervisorConfig()

	a := kingpin.New("babysitter", "Supervises one LLM inference child process")
	a.HelpFlag.Short('h')

	logLevel := a.Flag("log.level", "One of 'debug', 'info', 'warn', 'error'.").
		Default("info").Enum("debug", "info", "warn", "error")
	_ = a.Flag("config-file", "Optional YAML config file; flags take precedence.").String()
	backendName := a.Flag("backend-name", "Service name this babysitter's child registers under.").
		Default(fc.BackendName).String()
	advertiseHost := a.Flag("advertise-host", "Host other components use to reach this child and this babysitter.").
		Default(config.StringOr(fc.AdvertiseHost, "localhost")).String()
	registryURL := a.Flag("registry-url", "Base URL of the Registry.").
		Default(config.StringOr(fc.RegistryURL, "http://localhost:8500")).String()
	childPort := a.Flag("child-port", "TCP port the child process listens on.").
		Default(strconv.Itoa(fc.ChildPort)).Int()
	selfPort := a.Flag("self-port", "Port this babysitter's own HTTP surface listens on (default child-port+1).").
		Int()
	weight := a.Flag("weight", "Routing weight advertised for this backend.").
		Default(strconv.Itoa(config.IntOr(fc.Weight, spec.Weight))).Int()
	cacheType := a.Flag("cache-type", "Optional cache_type hint ('paged' or 'static') advertised for this backend.").
		Default(fc.CacheType).String()
	launchCommand := a.Flag("launch-command", "Shell-style command line used to spawn the child process.").
		Default(fc.LaunchCommand).String()
	launchWorkDir := a.Flag("launch-work-dir", "Working directory for the child process.").
		Default(fc.LaunchWorkDir).String()
	maxRestarts := a.Flag("max-restarts", "Restart attempts before entering the terminal state.").
		Default(strconv.Itoa(config.IntOr(fc.MaxRestarts, spec.MaxRestarts))).Int()
	restartDelay := a.Flag("restart-delay", "Base delay before a restart attempt (grows exponentially, capped at 60s).").
		Default(durationDefault(fc.RestartDelaySeconds, spec.RestartDelay)).Duration()
	heartbeatInterval := a.Flag("heartbeat-interval", "Interval between Registry heartbeats.").
		Default(durationDefault(fc.HeartbeatIntervalSeconds, spec.HeartbeatInterval)).Duration()
	discoveryInterval := a.Flag("discovery-interval", "Interval between child model-list re-discovery checks.").
		Default(durationDefault(fc.DiscoveryIntervalSeconds, spec.DiscoveryInterval)).Duration()
	readyTimeout := a.Flag("ready-timeout", "Maximum time to wait for the child to pass readiness checks after spawn.").
		Default(durationDefault(fc.ReadyTimeoutSeconds, spec.ReadyTimeout)).Duration()

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "parsing command-line arguments failed", "err", err)
		os.Exit(2)
	}
	logger = filterLevel(logger, *logLevel)

	if *backendName == "" {
		_ = level.Error(logger).Log("msg", "--backend-name is required")
		os.Exit(2)
	}
	if *launchCommand == "" {
		_ = level.Error(logger).Log("msg", "--launch-command is required")
		os.Exit(2)
	}

	command, args, err := babysitter.ParseLaunchCommand(*launchCommand)
	if err != nil {
		_ = level.Error(logger).Log("msg", "invalid launch command", "err", err)
		os.Exit(2)
	}

	effectiveSelfPort := *selfPort
	if effectiveSelfPort == 0 {
		effectiveSelfPort = *childPort + 1
	}

	cfg := babysitter.SupervisorConfig{
		BackendName:   *backendName,
		AdvertiseHost: *advertiseHost,
		ChildSpec: babysitter.LaunchSpec{
			Command: command,
			Args:    args,
			Env:     fc.LaunchEnv,
			WorkDir: *launchWorkDir,
			Port:    *childPort,
		},
		SelfPort:          effectiveSelfPort,
		Weight:            *weight,
		CacheType:         catalog.CacheType(*cacheType),
		MaxRestarts:       *maxRestarts,
		RestartDelay:      *restartDelay,
		ReadyTimeout:      *readyTimeout,
		HeartbeatInterval: *heartbeatInterval,
		DiscoveryInterval: *discoveryInterval,
		ProbeInterval:     spec.ProbeInterval,
		ProbeTimeout:      spec.ProbeTimeout,
		ShutdownGrace:     spec.ShutdownGrace,
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioninfo.NewCollector("babysitter"),
	)

	registry := registryclient.New(*registryURL, spec.ProbeTimeout)
	supervisor := babysitter.NewSupervisor(logger, cfg, registry)
	httpSrv := babysitter.NewServer(logger, supervisor)

	mux := http.NewServeMux()
	mux.Handle("/", httpSrv.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	listenAddress := ":" + strconv.Itoa(effectiveSelfPort)
	httpServer := &http.Server{Addr: listenAddress, Handler: mux}

	var g run.Group
	addSignalActor(&g, logger)
	addContextActor(&g, func(ctx context.Context) error {
		supervisor.Run(ctx)
		return nil
	})
	addHTTPServerActor(&g, logger, httpServer, listenAddress)

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "babysitter exited with error", "err", err)
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
