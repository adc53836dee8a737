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
	"sync"
	"time"

	"github.com/llmfleet/control-plane/internal/catalog"
)

// probeState is the derived, per-record active-probe result. It is never
// part of catalog.ServiceRecord itself — spec models health as a read-only
// projection, not stored state on the record.
type probeState struct {
	ok      bool
	probed  bool // whether a probe has ever completed for this record
	at      time.Time
	latency time.Duration
}

// store is the Registry's catalog: one map guarded by a reader-writer lock.
// Reads never block each other; writes are serialized per the spec's
// "one shared map" model. Background tasks (prober, reaper) snapshot names
// under a brief read lock before doing any network I/O.
type store struct {
	mu      sync.RWMutex
	records map[string]catalog.ServiceRecord
	probes  map[string]probeState
	started time.Time
}

func newStore() *store {
	return &store{
		records: make(map[string]catalog.ServiceRecord),
		probes:  make(map[string]probeState),
		started: time.Now(),
	}
}

// notFoundError is returned by store lookups for an absent name.
type notFoundError struct{ name string }

func (e notFoundError) Error() string { return "no such service: " + e.name }

func (s *store) get(name string) (catalog.ServiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[name]
	if !ok {
		return catalog.ServiceRecord{}, notFoundError{name}
	}
	return r, nil
}

// create inserts a new record. It returns conflictError if name already
// exists with a different host:port (POST is reject-on-exists per spec).
type conflictError struct{ name string }

func (e conflictError) Error() string { return "service already registered: " + e.name }

func (s *store) create(r catalog.ServiceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[r.Name]; ok {
		if existing.Host != r.Host || existing.Port != r.Port {
			return conflictError{r.Name}
		}
		// Same host:port re-registering: treat as idempotent refresh.
	}
	s.records[r.Name] = r
	return nil
}

// upsert creates or fully replaces a record (PUT semantics).
func (s *store) upsert(r catalog.ServiceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.Name] = r
}

// delete removes a record and its probe state, returning notFoundError if
// absent.
func (s *store) delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[name]; !ok {
		return notFoundError{name}
	}
	delete(s.records, name)
	delete(s.probes, name)
	return nil
}

// heartbeat refreshes last_heartbeat only, leaving every other field intact
// (L1: repeated heartbeat is idempotent).
func (s *store) heartbeat(name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[name]
	if !ok {
		return notFoundError{name}
	}
	r.LastHeartbeat = at
	s.records[name] = r
	return nil
}

// list returns a snapshot copy of all records, optionally filtered.
type listFilter struct {
	healthyOnly bool
	status      catalog.Status
	hasStatus   bool
	freshness   time.Duration
	now         time.Time
}

func (s *store) list(f listFilter) []catalog.ServiceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]catalog.ServiceRecord, 0, len(s.records))
	for name, r := range s.records {
		if f.hasStatus && r.Status != f.status {
			continue
		}
		if f.healthyOnly {
			ps := s.probes[name]
			h := r.DeriveHealth(f.now, f.freshness, ps.ok, ps.at)
			if !h.Healthy {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// names returns a snapshot of all record names, used by background loops to
// avoid holding the lock across network I/O.
func (s *store) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.records))
	for name := range s.records {
		out = append(out, name)
	}
	return out
}

// setProbeResult records the outcome of an active probe for name. It is a
// no-op if the record was removed concurrently.
func (s *store) setProbeResult(name string, ok bool, at time.Time, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[name]; !exists {
		return
	}
	s.probes[name] = probeState{ok: ok, probed: true, at: at, latency: latency}
}

func (s *store) health(name string, freshness time.Duration, now time.Time) (catalog.HealthSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[name]
	if !ok {
		return catalog.HealthSummary{}, notFoundError{name}
	}
	ps := s.probes[name]
	return r.DeriveHealth(now, freshness, ps.ok, ps.at), nil
}

// reap removes every non-static record whose heartbeat is older than
// staleTimeout, returning the removed names.
func (s *store) reap(now time.Time, staleTimeout time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for name, r := range s.records {
		if r.Metadata.Static {
			continue
		}
		if now.Sub(r.LastHeartbeat) > staleTimeout {
			delete(s.records, name)
			delete(s.probes, name)
			removed = append(removed, name)
		}
	}
	return removed
}

// stats summarizes the catalog by kind and derived health.
type stats struct {
	Total        int `json:"total"`
	TotalHealthy int `json:"total_healthy"`
	OpenAIAPI    int `json:"openai_api"`
	Babysitters  int `json:"babysitters"`
}

func (s *store) stats(freshness time.Duration, now time.Time) stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out stats
	out.Total = len(s.records)
	for name, r := range s.records {
		if r.Kind == catalog.KindOpenAIAPI {
			out.OpenAIAPI++
		} else {
			out.Babysitters++
		}
		ps := s.probes[name]
		if r.DeriveHealth(now, freshness, ps.ok, ps.at).Healthy {
			out.TotalHealthy++
		}
	}
	return out
}
