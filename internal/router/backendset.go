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
	"sync"
	"time"

	"github.com/llmfleet/control-plane/internal/catalog"
)

// backendSet is the Router's reconciled view of openai-api backends: one map
// guarded by a reader-writer lock (spec.md §5's "Router backend set: same
// pattern" as the Registry catalog). Updates are atomic per entry; GET
// /services may observe a mix of pre- and post-update entries across
// different backends, which spec.md accepts as eventually consistent.
type backendSet struct {
	mu       sync.RWMutex
	backends map[string]*Backend
}

func newBackendSet() *backendSet {
	return &backendSet{backends: make(map[string]*Backend)}
}

// get returns the Backend for name, or nil if absent.
func (s *backendSet) get(name string) *Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backends[name]
}

// upsert inserts a new Backend or atomically swaps the record of an
// existing one (spec.md §4.3.1 steps 1-3): host, port, weight, metadata,
// babysitter_url are refreshed as a single atomic update, never observable
// mid-update by a concurrent reader; counters and the round-robin cursor
// survive since they live outside the swapped record.
func (s *backendSet) upsert(rec catalog.ServiceRecord, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.backends[rec.Name]; ok {
		b.updateRecord(func(cur *catalog.ServiceRecord) {
			cur.Host = rec.Host
			cur.Port = rec.Port
			cur.Weight = rec.Weight
			cur.Metadata = rec.Metadata
			cur.BabysitterURL = rec.BabysitterURL
			cur.Status = rec.Status
		})
		b.TouchSeen(now)
		return
	}
	s.backends[rec.Name] = NewBackend(rec, now)
}

// removeStale deletes every non-static backend whose last reconciliation
// sighting is older than grace, returning the removed names.
func (s *backendSet) removeStale(now time.Time, grace time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for name, b := range s.backends {
		if b.Metadata().Static {
			continue
		}
		if now.Sub(b.LastSeenInRegistry()) > grace {
			delete(s.backends, name)
			removed = append(removed, name)
		}
	}
	return removed
}

// all returns a snapshot slice of every backend pointer (not a value copy):
// callers needing a consistent read should call Snapshot() per-entry.
func (s *backendSet) all() []*Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Backend, 0, len(s.backends))
	for _, b := range s.backends {
		out = append(out, b)
	}
	return out
}

// healthy returns every Backend currently marked healthy.
func (s *backendSet) healthy() []*Backend {
	all := s.all()
	out := make([]*Backend, 0, len(all))
	for _, b := range all {
		if b.Healthy() {
			out = append(out, b)
		}
	}
	return out
}

// addStatic registers a configured-out-of-band backend that reconciliation
// and removeStale must never evict.
func (s *backendSet) addStatic(rec catalog.ServiceRecord, now time.Time) {
	rec.Metadata.Static = true
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends[rec.Name] = NewBackend(rec, now)
}
