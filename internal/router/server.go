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
	"net/http"
	"sort"
	"time"

	"github.com/go-kit/log"

	"github.com/llmfleet/control-plane/internal/apiresponse"
	"github.com/llmfleet/control-plane/internal/catalog"
)

// Server is the Router's full HTTP surface: the management endpoints named
// in spec.md §4.3.5 plus the catch-all inference proxy.
type Server struct {
	logger   log.Logger
	backends *backendSet
	proxy    *Proxy
	started  time.Time
	mux      *http.ServeMux
}

// NewServer wires backends and proxy into the Router's handler tree.
func NewServer(logger log.Logger, backends *backendSet, proxy *Proxy) *Server {
	s := &Server{logger: logger, backends: backends, proxy: proxy, started: time.Now(), mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /services", s.handleServices)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /models", s.handleModels)
	s.mux.HandleFunc("/", s.handleProxy)
}

// handleHealth reports the Router's own liveness: up as long as the process
// is serving, independent of backend health (spec.md §4.3.5).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	apiresponse.WriteJSON(s.logger, w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).String(),
	})
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	backends := s.backends.all()
	snapshots := make([]Snapshot, 0, len(backends))
	for _, b := range backends {
		snapshots = append(snapshots, b.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Name < snapshots[j].Name })
	apiresponse.WriteJSON(s.logger, w, http.StatusOK, map[string]any{"services": snapshots})
}

type statsResponse struct {
	TotalBackends   int   `json:"total_backends"`
	HealthyBackends int   `json:"healthy_backends"`
	TotalRequests   int64 `json:"total_requests"`
	TotalErrors     int64 `json:"total_errors"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	backends := s.backends.all()
	stats := statsResponse{TotalBackends: len(backends)}
	for _, b := range backends {
		if b.Healthy() {
			stats.HealthyBackends++
		}
		reqs, errs := b.Counters()
		stats.TotalRequests += reqs
		stats.TotalErrors += errs
	}
	apiresponse.WriteJSON(s.logger, w, http.StatusOK, stats)
}

// handleModels aggregates the advertised model set across every healthy
// backend, deduplicating by id and sorting the result, and answers in the
// OpenAI-compatible list envelope (spec.md §4.3.5).
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]catalog.ModelDescriptor)
	for _, b := range s.backends.healthy() {
		md := b.Metadata()
		if len(md.ModelsList) > 0 {
			for _, d := range md.ModelsList {
				if _, ok := seen[d.ID]; !ok {
					seen[d.ID] = d
				}
			}
			continue
		}
		for _, id := range md.Models {
			if _, ok := seen[id]; !ok {
				seen[id] = catalog.ModelDescriptor{ID: id, Object: "model"}
			}
		}
	}

	models := make([]catalog.ModelDescriptor, 0, len(seen))
	for _, d := range seen {
		models = append(models, d)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	apiresponse.WriteList(s.logger, w, models)
}

// handleProxy is the catch-all: every request not matching a management
// route above is routed to a backend and forwarded.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	s.proxy.ServeHTTP(w, r)
}
