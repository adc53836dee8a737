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

package registryserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"

	"github.com/llmfleet/control-plane/internal/apiresponse"
	"github.com/llmfleet/control-plane/internal/catalog"
)

// Config carries the tunables named in spec.md §6 for the Registry.
type Config struct {
	HealthInterval  time.Duration
	HealthTimeout   time.Duration
	CleanupInterval time.Duration
	StaleTimeout    time.Duration

	// HeartbeatFreshness is spec.md §3's HEARTBEAT_FRESHNESS: the health
	// derivation's own staleness window, deliberately distinct from
	// StaleTimeout (the reaper's much longer eviction grace period) so the
	// two can be tuned independently.
	HeartbeatFreshness time.Duration
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		HealthInterval:     30 * time.Second,
		HealthTimeout:      5 * time.Second,
		CleanupInterval:    60 * time.Second,
		StaleTimeout:       300 * time.Second,
		HeartbeatFreshness: 60 * time.Second,
	}
}

// Server is the Registry's HTTP API (spec.md §4.1 table) over a single
// in-memory store.
type Server struct {
	logger log.Logger
	store  *store
	cfg    Config
	mux    *http.ServeMux
}

// NewServer constructs the Registry HTTP surface. Callers are responsible
// for also starting the background prober and reaper loops (see
// NewProberLoop/NewReaperLoop) and for exposing Handler() on a listener.
func NewServer(logger log.Logger, cfg Config) *Server {
	s := &Server{logger: logger, store: newStore(), cfg: cfg, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the root http.Handler for the Registry API.
func (s *Server) Handler() http.Handler { return s.mux }

// Store exposes the underlying store. cmd/registry does not call it:
// NewProberLoop and NewReaperLoop wire the loops to the same store directly.
func (s *Server) Store() *store { return s.store }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /services", s.handleList)
	s.mux.HandleFunc("POST /services", s.handleCreate)
	s.mux.HandleFunc("GET /services/{name}", s.handleGet)
	s.mux.HandleFunc("PUT /services/{name}", s.handleUpsert)
	s.mux.HandleFunc("DELETE /services/{name}", s.handleDelete)
	s.mux.HandleFunc("POST /services/{name}/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("GET /services/{name}/health", s.handleRecordHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.store.stats(s.cfg.HeartbeatFreshness, time.Now())
	apiresponse.WriteJSON(s.logger, w, http.StatusOK, struct {
		Total   int   `json:"total"`
		Healthy int   `json:"healthy"`
		Uptime  int64 `json:"uptime_seconds"`
	}{
		Total:   st.Total,
		Healthy: st.TotalHealthy,
		Uptime:  int64(time.Since(s.store.started).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	apiresponse.WriteJSON(s.logger, w, http.StatusOK, s.store.stats(s.cfg.HeartbeatFreshness, time.Now()))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f := listFilter{freshness: s.cfg.HeartbeatFreshness, now: time.Now()}
	if r.URL.Query().Get("healthy") == "true" {
		f.healthyOnly = true
	}
	if v := r.URL.Query().Get("status"); v != "" {
		f.hasStatus = true
		f.status = catalog.Status(v)
	}
	apiresponse.WriteList(s.logger, w, catalog.SortByName(s.store.list(f)))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rec, err := s.store.get(name)
	if err != nil {
		apiresponse.WriteError(s.logger, w, http.StatusNotFound, err.Error())
		return
	}
	apiresponse.WriteJSON(s.logger, w, http.StatusOK, rec)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var rec catalog.ServiceRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		apiresponse.WriteError(s.logger, w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := validateRecord(rec); err != nil {
		apiresponse.WriteError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	applyDefaults(&rec, time.Now())

	if err := s.store.create(rec); err != nil {
		apiresponse.WriteError(s.logger, w, http.StatusConflict, err.Error())
		return
	}
	apiresponse.WriteJSON(s.logger, w, http.StatusCreated, rec)
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var rec catalog.ServiceRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		apiresponse.WriteError(s.logger, w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rec.Name = name

	now := time.Now()
	if existing, err := s.store.get(name); err == nil {
		rec.RegisteredAt = existing.RegisteredAt
		if rec.LastHeartbeat.IsZero() {
			rec.LastHeartbeat = existing.LastHeartbeat
		}
	} else {
		applyDefaults(&rec, now)
	}
	if rec.Status == "" {
		rec.Status = catalog.StatusRunning
	}

	s.store.upsert(rec)
	apiresponse.WriteJSON(s.logger, w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.store.delete(name); err != nil {
		apiresponse.WriteError(s.logger, w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.store.heartbeat(name, time.Now()); err != nil {
		apiresponse.WriteError(s.logger, w, http.StatusNotFound, err.Error())
		return
	}
	rec, _ := s.store.get(name)
	apiresponse.WriteJSON(s.logger, w, http.StatusOK, rec)
}

func (s *Server) handleRecordHealth(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	h, err := s.store.health(name, s.cfg.HeartbeatFreshness, time.Now())
	if err != nil {
		apiresponse.WriteError(s.logger, w, http.StatusNotFound, err.Error())
		return
	}
	apiresponse.WriteJSON(s.logger, w, http.StatusOK, h)
}

func validateRecord(r catalog.ServiceRecord) error {
	if strings.TrimSpace(r.Name) == "" {
		return errMissingField("name")
	}
	if strings.TrimSpace(r.Host) == "" {
		return errMissingField("host")
	}
	if r.Port <= 0 {
		return errMissingField("port")
	}
	if r.Kind != catalog.KindOpenAIAPI && r.Kind != catalog.KindBabysitter {
		return errMissingField("kind")
	}
	return nil
}

type errMissingField string

func (e errMissingField) Error() string { return "missing or invalid field: " + string(e) }

func applyDefaults(r *catalog.ServiceRecord, now time.Time) {
	if r.Status == "" {
		r.Status = catalog.StatusRunning
	}
	if r.Weight <= 0 {
		r.Weight = 1
	}
	if r.RegisteredAt.IsZero() {
		r.RegisteredAt = now
	}
	if r.LastHeartbeat.IsZero() {
		r.LastHeartbeat = now
	}
	r.Metadata.Type = r.Kind
}
