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
	"net/http"
	"runtime"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/common/version"

	"github.com/llmfleet/control-plane/internal/apiresponse"
	"github.com/llmfleet/control-plane/internal/buildinfo"
)

// Server is the babysitter's small HTTP surface, served on the child's
// port+1 (spec.md §4.2).
type Server struct {
	logger     log.Logger
	supervisor *Supervisor
	mux        *http.ServeMux
}

// NewServer wires supervisor into the babysitter's handler tree.
func NewServer(logger log.Logger, supervisor *Supervisor) *Server {
	s := &Server{logger: logger, supervisor: supervisor, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /models", s.handleModels)
	s.mux.HandleFunc("GET /info", s.handleInfo)
}

type healthResponse struct {
	Status     string  `json:"status"`
	ChildReady bool    `json:"child_ready"`
	Restarts   int     `json:"restarts"`
	UptimeSec  float64 `json:"uptime_sec"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready := s.supervisor.Ready()
	status := "degraded"
	code := http.StatusServiceUnavailable
	if ready {
		status = "healthy"
		code = http.StatusOK
	}
	apiresponse.WriteJSON(s.logger, w, code, healthResponse{
		Status:     status,
		ChildReady: ready,
		Restarts:   s.supervisor.Restarts(),
		UptimeSec:  time.Since(s.supervisor.StartedAt()).Seconds(),
	})
}

// handleModels reverse-proxies GET /models to the child, falling back to
// the last successfully discovered set if the child is momentarily
// unreachable (spec.md §4.2).
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	target := s.supervisor.ChildBaseURL()
	if target == "" {
		apiresponse.WriteError(s.logger, w, http.StatusServiceUnavailable, "child not started")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	models, err := fetchModels(ctx, s.supervisor.HTTPClient(), target, 3*time.Second)
	if err != nil {
		cached, at := s.supervisor.CachedModels()
		if len(cached) == 0 {
			apiresponse.WriteError(s.logger, w, http.StatusServiceUnavailable, "child unreachable and no cached models")
			return
		}
		w.Header().Set("X-Models-Cached-At", at.UTC().Format(time.RFC3339))
		apiresponse.WriteList(s.logger, w, cached)
		return
	}
	apiresponse.WriteList(s.logger, w, models)
}

type infoResponse struct {
	buildinfo.Info
	Ready    bool `json:"ready"`
	Degraded bool `json:"degraded"`
	Restarts int  `json:"restarts"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	apiresponse.WriteJSON(s.logger, w, http.StatusOK, infoResponse{
		Info: buildinfo.Info{
			Binary:    "babysitter",
			Version:   version.Version,
			Revision:  version.Revision,
			GoVersion: runtime.Version(),
			StartedAt: s.supervisor.StartedAt(),
		},
		Ready:    s.supervisor.Ready(),
		Degraded: s.supervisor.Degraded(),
		Restarts: s.supervisor.Restarts(),
	})
}
