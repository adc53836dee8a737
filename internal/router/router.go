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

package router

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log"
	cleanhttp "github.com/hashicorp/go-cleanhttp"

	"github.com/llmfleet/control-plane/internal/catalog"
	"github.com/llmfleet/control-plane/internal/registryclient"
)

// Config is the Router's full configuration surface (spec.md §6).
type Config struct {
	RegistrySyncInterval   time.Duration
	RemovalGracePeriod     time.Duration
	HealthInterval         time.Duration
	HealthTimeout          time.Duration
	MaxErrors              int
	CacheTypeRoutingThresh int
	Proxy                  ProxyConfig
	StaticBackends         []catalog.ServiceRecord
}

// DefaultConfig fills in spec.md's named defaults, leaving RegistryURL-derived
// wiring and StaticBackends to the caller.
func DefaultConfig() Config {
	return Config{
		RegistrySyncInterval:   10 * time.Second,
		RemovalGracePeriod:     60 * time.Second,
		HealthInterval:         30 * time.Second,
		HealthTimeout:          5 * time.Second,
		MaxErrors:              3,
		CacheTypeRoutingThresh: DefaultCacheTypeRoutingThreshold,
		Proxy:                  DefaultProxyConfig(),
	}
}

// Router wires the backend set, reconciler, health checker, routing policy,
// proxy, and HTTP surface into a single runnable unit so cmd/router never
// has to reach into the package's unexported backendSet.
type Router struct {
	backends      *backendSet
	reconciler    *Reconciler
	healthChecker *HealthChecker
	server        *Server
}

// New builds a Router against the given Registry client.
func New(logger log.Logger, cfg Config, registry *registryclient.Client) *Router {
	backends := newBackendSet()
	now := time.Now()
	for _, rec := range cfg.StaticBackends {
		backends.addStatic(rec, now)
	}

	client := cleanhttp.DefaultPooledClient()
	proxyClient := cleanhttp.DefaultPooledClient()
	if t, ok := proxyClient.Transport.(*http.Transport); ok {
		t.DialContext = (&net.Dialer{Timeout: cfg.Proxy.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
	}
	reconciler := NewReconciler(logger, registry, backends, cfg.RegistrySyncInterval, cfg.RemovalGracePeriod)
	healthChecker := NewHealthChecker(logger, backends, client, cfg.HealthInterval, cfg.HealthTimeout, cfg.MaxErrors)
	policy := NewPolicy(backends, cfg.CacheTypeRoutingThresh)
	proxy := NewProxy(logger, policy, proxyClient, cfg.Proxy)
	server := NewServer(logger, backends, proxy)

	return &Router{backends: backends, reconciler: reconciler, healthChecker: healthChecker, server: server}
}

// Handler returns the full HTTP surface (management endpoints + proxy).
func (r *Router) Handler() http.Handler { return r.server.Handler() }

// RunReconciler blocks, pulling the Registry on every RegistrySyncInterval,
// until ctx is canceled. Intended as one oklog/run.Group actor.
func (r *Router) RunReconciler(ctx context.Context) error { return r.reconciler.Run(ctx) }

// RunHealthChecker blocks, probing every backend on every HealthInterval,
// until ctx is canceled. Intended as one oklog/run.Group actor.
func (r *Router) RunHealthChecker(ctx context.Context) error { return r.healthChecker.Run(ctx) }

// BackendNames returns the current backend set's names, for diagnostics.
// The Router owns no Registry record and performs no deregistration, so
// nothing here uses these names to unregister anything.
func (r *Router) BackendNames() []string {
	all := r.backends.all()
	names := make([]string, 0, len(all))
	for _, b := range all {
		names = append(names, b.Name())
	}
	return names
}
