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

package babysitter

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	cleanhttp "github.com/hashicorp/go-cleanhttp"

	"github.com/llmfleet/control-plane/internal/catalog"
	"github.com/llmfleet/control-plane/internal/registryclient"
)

// SupervisorConfig is the immutable configuration of one babysitter instance,
// covering the configuration surface named in spec.md §6.
type SupervisorConfig struct {
	BackendName   string
	AdvertiseHost string
	ChildSpec     LaunchSpec
	SelfPort      int
	Weight        int
	CacheType     catalog.CacheType

	MaxRestarts       int
	RestartDelay      time.Duration
	ReadyTimeout      time.Duration
	HeartbeatInterval time.Duration
	DiscoveryInterval time.Duration
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	ShutdownGrace     time.Duration
}

// DefaultSupervisorConfig fills in the spec's named defaults, leaving the
// required fields (BackendName, AdvertiseHost, ChildSpec, SelfPort) zero.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Weight:            1,
		MaxRestarts:       5,
		RestartDelay:      3 * time.Second,
		ReadyTimeout:      30 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		DiscoveryInterval: 30 * time.Second,
		ProbeInterval:     2 * time.Second,
		ProbeTimeout:      3 * time.Second,
		ShutdownGrace:     10 * time.Second,
	}
}

type stateFn func(context.Context) stateFn

// Supervisor implements the state machine of spec.md §4.2: Starting →
// Probing → Ready → Dying → Backoff → (Starting | Terminal). Only the state
// machine mutates or signals its ChildProcess; other goroutines reach the
// handle only through the atomic child pointer to read its pid and base URL.
type Supervisor struct {
	logger     log.Logger
	cfg        SupervisorConfig
	httpClient *http.Client
	registry   *registryclient.Client

	startedAt time.Time
	child     atomic.Pointer[ChildProcess]
	exited    <-chan struct{}

	ready    atomic.Bool
	restarts atomic.Int32
	degraded atomic.Bool

	modelsMu sync.RWMutex
	models   []catalog.ModelDescriptor
	modelsAt time.Time
}

// NewSupervisor builds a Supervisor against the given Registry client.
func NewSupervisor(logger log.Logger, cfg SupervisorConfig, registry *registryclient.Client) *Supervisor {
	return &Supervisor{
		logger:     logger,
		cfg:        cfg,
		httpClient: cleanhttp.DefaultPooledClient(),
		registry:   registry,
		startedAt:  time.Now(),
	}
}

// Run drives the state machine until ctx is canceled, then best-effort
// unregisters the managed backend (spec.md §5's graceful shutdown).
func (s *Supervisor) Run(ctx context.Context) {
	for state := stateFn(s.stateStarting); state != nil; {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		default:
		}
		state = state(ctx)
	}
	s.shutdown()
}

func (s *Supervisor) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()

	if child := s.child.Load(); child != nil {
		child.Terminate(shutdownCtx, s.cfg.ShutdownGrace, s.exited)
	}
	_ = s.registry.Unregister(shutdownCtx, s.cfg.BackendName)
	_ = s.registry.Unregister(shutdownCtx, s.selfName())
}

func (s *Supervisor) selfName() string { return s.cfg.BackendName + "-babysitter" }

func (s *Supervisor) baseURL() string {
	return "http://" + s.cfg.AdvertiseHost + ":" + strconv.Itoa(s.cfg.SelfPort)
}

func (s *Supervisor) selfRecord() catalog.ServiceRecord {
	now := time.Now()
	return catalog.ServiceRecord{
		Name:          s.selfName(),
		Kind:          catalog.KindBabysitter,
		Host:          s.cfg.AdvertiseHost,
		Port:          s.cfg.SelfPort,
		Weight:        1,
		Status:        catalog.StatusRunning,
		LastHeartbeat: now,
		RegisteredAt:  now,
		Metadata:      catalog.Metadata{Type: catalog.KindBabysitter},
	}
}

func (s *Supervisor) backendRecord(models []catalog.ModelDescriptor) catalog.ServiceRecord {
	now := time.Now()
	return catalog.ServiceRecord{
		Name:          s.cfg.BackendName,
		Kind:          catalog.KindOpenAIAPI,
		Host:          s.cfg.AdvertiseHost,
		Port:          s.cfg.ChildSpec.Port,
		BabysitterURL: s.baseURL(),
		Weight:        s.cfg.Weight,
		Status:        catalog.StatusRunning,
		LastHeartbeat: now,
		RegisteredAt:  now,
		Metadata: catalog.Metadata{
			Type:       catalog.KindOpenAIAPI,
			Models:     modelIDs(models),
			ModelsList: models,
			CacheType:  s.cfg.CacheType,
		},
	}
}

// stateStarting spawns the child process.
func (s *Supervisor) stateStarting(ctx context.Context) stateFn {
	child, err := Spawn(s.cfg.ChildSpec, int(s.restarts.Load()))
	if err != nil {
		_ = level.Error(s.logger).Log("msg", "failed to spawn child", "err", err)
		return s.stateBackoff
	}
	_ = level.Info(s.logger).Log("msg", "child spawned", "pid", child.PID(), "restart", child.RestartCount())

	s.child.Store(child)
	exited := make(chan struct{})
	go func() {
		if err := child.Wait(); err != nil {
			_ = level.Info(s.logger).Log("msg", "child exited", "pid", child.PID(), "err", err)
		} else {
			_ = level.Info(s.logger).Log("msg", "child exited cleanly", "pid", child.PID())
		}
		close(exited)
	}()
	s.exited = exited

	return s.stateProbing
}

// stateProbing polls the child's /health and /models until both succeed or
// READY_TIMEOUT elapses.
func (s *Supervisor) stateProbing(ctx context.Context) stateFn {
	deadline := time.Now().Add(s.cfg.ReadyTimeout)
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.exited:
			_ = level.Warn(s.logger).Log("msg", "child exited while probing")
			return s.stateDying
		case <-ticker.C:
			if time.Now().After(deadline) {
				_ = level.Warn(s.logger).Log("msg", "ready timeout exceeded, killing child")
				s.killChild(ctx)
				return s.stateBackoff
			}
			models, err := s.probeReady(ctx)
			if err == nil {
				s.child.Load().SetModels(models)
				return s.stateReady
			}
		}
	}
}

// probeReady checks /health (any 2xx) and /models (parseable) together, as
// spec.md §4.2's Probing state requires both to succeed.
func (s *Supervisor) probeReady(ctx context.Context) ([]catalog.ModelDescriptor, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	child := s.child.Load()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, child.BaseURL()+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.New("child health check failed")
	}

	return fetchModels(ctx, s.httpClient, child.BaseURL(), s.cfg.ProbeTimeout)
}

// probeHealth is the cheaper liveness-only check used while already Ready.
func (s *Supervisor) probeHealth(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, s.child.Load().BaseURL()+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// stateReady registers both records, starts the heartbeat loop, and runs
// periodic model discovery and liveness checks until the child exits or
// goes unresponsive.
func (s *Supervisor) stateReady(ctx context.Context) stateFn {
	child := s.child.Load()
	child.SetReady(true)
	s.ready.Store(true)
	s.setModels(child.Models())

	s.registerWithBackoff(ctx, s.selfRecord())
	s.registerWithBackoff(ctx, s.backendRecord(child.Models()))

	hb := newHeartbeatLoop(s.logger, s.registry, []string{s.selfName(), s.cfg.BackendName}, s.cfg.HeartbeatInterval, func() []catalog.ServiceRecord {
		models, _ := s.CachedModels()
		return []catalog.ServiceRecord{s.selfRecord(), s.backendRecord(models)}
	})
	hbDone := make(chan struct{})
	go hb.run(ctx, hbDone)
	defer close(hbDone)

	discoveryTicker := time.NewTicker(s.cfg.DiscoveryInterval)
	defer discoveryTicker.Stop()
	livenessTicker := time.NewTicker(s.cfg.ProbeInterval)
	defer livenessTicker.Stop()

	consecutiveFailures := 0
	defer func() {
		s.ready.Store(false)
		child.SetReady(false)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.exited:
			_ = level.Warn(s.logger).Log("msg", "child exited while ready")
			return s.stateDying
		case <-discoveryTicker.C:
			s.runDiscovery(ctx)
		case <-livenessTicker.C:
			if s.probeHealth(ctx) {
				consecutiveFailures = 0
				continue
			}
			consecutiveFailures++
			if consecutiveFailures >= unresponsiveThreshold {
				_ = level.Warn(s.logger).Log("msg", "child unresponsive, force-killing", "consecutive_failures", consecutiveFailures)
				s.killChild(ctx)
				return s.stateDying
			}
		}
	}
}

// runDiscovery re-fetches the child's model set and, if it changed, pushes
// an update to the Registry (spec.md §4.2's "Models discovery").
func (s *Supervisor) runDiscovery(ctx context.Context) {
	child := s.child.Load()
	models, err := fetchModels(ctx, s.httpClient, child.BaseURL(), s.cfg.ProbeTimeout)
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "model discovery fetch failed", "err", err)
		return
	}
	if !modelsChanged(child.Models(), models) {
		return
	}
	child.SetModels(models)
	s.setModels(models)
	if err := s.registry.Upsert(ctx, s.backendRecord(models)); err != nil {
		_ = level.Warn(s.logger).Log("msg", "publishing updated model set failed", "err", err)
	}
}

func (s *Supervisor) setModels(models []catalog.ModelDescriptor) {
	s.modelsMu.Lock()
	defer s.modelsMu.Unlock()
	s.models = models
	s.modelsAt = time.Now()
}

// CachedModels returns the last successfully discovered model set and when
// it was fetched, for GET /models to fall back on when the child is
// momentarily unreachable.
func (s *Supervisor) CachedModels() ([]catalog.ModelDescriptor, time.Time) {
	s.modelsMu.RLock()
	defer s.modelsMu.RUnlock()
	return s.models, s.modelsAt
}

// stateDying reaps the child and increments the restart counter.
func (s *Supervisor) stateDying(ctx context.Context) stateFn {
	n := s.restarts.Add(1)
	_ = level.Info(s.logger).Log("msg", "child dying", "restart_count", n, "max_restarts", s.cfg.MaxRestarts)
	if int(n) >= s.cfg.MaxRestarts {
		return s.stateTerminal
	}
	return s.stateBackoff
}

// backoffDelay grows base exponentially with restarts, capped at 60s, per
// spec.md §4.2's "RESTART_DELAY ... optionally with exponential growth
// capped".
func backoffDelay(base time.Duration, restarts int32) time.Duration {
	const maxDelay = 60 * time.Second
	shift := restarts
	if shift > 5 {
		shift = 5
	}
	delay := base << uint(shift)
	if delay > maxDelay || delay < 0 {
		delay = maxDelay
	}
	return delay
}

// stateBackoff sleeps before the next spawn attempt, growing exponentially
// (capped) with the restart count per spec.md §4.2.
func (s *Supervisor) stateBackoff(ctx context.Context) stateFn {
	delay := backoffDelay(s.cfg.RestartDelay, s.restarts.Load())

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(delay):
		return s.stateStarting
	}
}

// stateTerminal unregisters the managed backend and then idles, serving
// degraded /info until shutdown.
func (s *Supervisor) stateTerminal(ctx context.Context) stateFn {
	_ = level.Error(s.logger).Log("msg", "max restarts exceeded, entering terminal state")
	s.degraded.Store(true)
	_ = s.registry.Unregister(ctx, s.cfg.BackendName)

	<-ctx.Done()
	return nil
}

func (s *Supervisor) killChild(ctx context.Context) {
	s.child.Load().Terminate(ctx, s.cfg.ShutdownGrace, s.exited)
}

func (s *Supervisor) registerWithBackoff(ctx context.Context, rec catalog.ServiceRecord) {
	delay := time.Second
	const maxDelay = 30 * time.Second
	for {
		err := s.registry.Register(ctx, rec)
		if err == nil {
			return
		}
		if errors.Is(err, registryclient.ErrConflict) {
			if err2 := s.registry.Upsert(ctx, rec); err2 == nil {
				return
			}
		}
		_ = level.Warn(s.logger).Log("msg", "registration failed, retrying", "name", rec.Name, "err", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// Ready reports whether the child is currently passing readiness checks.
func (s *Supervisor) Ready() bool { return s.ready.Load() }

// Restarts reports the total restart count so far.
func (s *Supervisor) Restarts() int { return int(s.restarts.Load()) }

// Degraded reports whether the supervisor has given up (Terminal state).
func (s *Supervisor) Degraded() bool { return s.degraded.Load() }

// StartedAt is when this Supervisor instance began running.
func (s *Supervisor) StartedAt() time.Time { return s.startedAt }

// ChildBaseURL returns the child's own HTTP location, for GET /models
// passthrough; empty if no child has been spawned yet.
func (s *Supervisor) ChildBaseURL() string {
	child := s.child.Load()
	if child == nil {
		return ""
	}
	return child.BaseURL()
}

// HTTPClient exposes the pooled client used for child probes, reused by the
// HTTP surface's /models passthrough.
func (s *Supervisor) HTTPClient() *http.Client { return s.httpClient }
