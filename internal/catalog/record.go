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

// Package catalog defines the shared service-record model used by the Registry
// and mirrored, field for field, in the Router's reconciled backend view.
package catalog

import (
	"fmt"
	"sort"
	"time"
)

// Kind distinguishes a backend inference process from the babysitter that
// supervises it. Only openai-api records are ever routing-eligible.
type Kind string

const (
	KindOpenAIAPI  Kind = "openai-api"
	KindBabysitter Kind = "babysitter"
)

// Status is the self-reported lifecycle state of a record, distinct from the
// derived health projection computed by DeriveHealth.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// ModelDescriptor is one entry of a metadata.models_list sequence: an
// OpenAI-compatible model descriptor. Only Id is relied upon by routing; the
// remaining fields pass through untouched for aggregation in GET /models.
type ModelDescriptor struct {
	ID      string `json:"id"`
	Object  string `json:"object,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// CacheType is an optional per-backend hint consumed by size-based routing.
type CacheType string

const (
	CacheTypePaged  CacheType = "paged"
	CacheTypeStatic CacheType = "static"
)

// Metadata is the key/value bag attached to a ServiceRecord. It holds only
// the keys the core interprets; any other key in a decoded record is dropped
// and does not round-trip.
type Metadata struct {
	Type       Kind              `json:"type,omitempty"`
	Models     []string          `json:"models,omitempty"`
	ModelsList []ModelDescriptor `json:"models_list,omitempty"`
	CacheType  CacheType         `json:"cache_type,omitempty"`
	Static     bool              `json:"static,omitempty"`
}

// SupportsModel reports whether this backend's advertised model set includes
// id, preferring the richer ModelsList descriptors when present.
func (m Metadata) SupportsModel(id string) bool {
	if id == "" {
		return false
	}
	if len(m.ModelsList) > 0 {
		for _, d := range m.ModelsList {
			if d.ID == id {
				return true
			}
		}
		return false
	}
	for _, want := range m.Models {
		if want == id {
			return true
		}
	}
	return false
}

// ModelIDs returns the effective set of model identifiers this backend
// serves, preferring ModelsList over Models per spec.
func (m Metadata) ModelIDs() []string {
	if len(m.ModelsList) > 0 {
		ids := make([]string, 0, len(m.ModelsList))
		for _, d := range m.ModelsList {
			ids = append(ids, d.ID)
		}
		return ids
	}
	out := make([]string, len(m.Models))
	copy(out, m.Models)
	return out
}

// ServiceRecord is the Registry's unit of storage, keyed by Name, and is
// mirrored verbatim into the Router's reconciled view.
type ServiceRecord struct {
	Name           string    `json:"name"`
	Kind           Kind      `json:"kind"`
	Host           string    `json:"host"`
	Port           int       `json:"port"`
	BabysitterURL  string    `json:"babysitter_url,omitempty"`
	Weight         int       `json:"weight"`
	Status         Status    `json:"status"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	RegisteredAt   time.Time `json:"registered_at"`
	Metadata       Metadata  `json:"metadata"`
}

// BaseURL is the canonical http://host:port location of the record.
func (r ServiceRecord) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", r.Host, r.Port)
}

// HealthTarget is the URL the active prober must probe for this record: the
// babysitter URL for openai-api records (health is always inferred
// transitively), the record's own base URL for babysitter records.
func (r ServiceRecord) HealthTarget() string {
	if r.Kind == KindOpenAIAPI {
		return r.BabysitterURL
	}
	return r.BaseURL()
}

// EffectiveWeight returns Weight, defaulting to 1 per spec.
func (r ServiceRecord) EffectiveWeight() int {
	if r.Weight <= 0 {
		return 1
	}
	return r.Weight
}

// HeartbeatFresh reports whether LastHeartbeat is within freshness of now.
func (r ServiceRecord) HeartbeatFresh(now time.Time, freshness time.Duration) bool {
	return now.Sub(r.LastHeartbeat) < freshness
}

// HealthSummary is a read-only projection, never stored on the record itself.
type HealthSummary struct {
	Status     Status    `json:"status"`
	Fresh      bool      `json:"heartbeat_fresh"`
	ProbeOK    bool      `json:"probe_ok"`
	Healthy    bool      `json:"healthy"`
	LastProbed time.Time `json:"last_probed,omitempty"`
}

// DeriveHealth computes the read-only health projection of r as of now,
// given the most recent active-probe result for its health target.
func (r ServiceRecord) DeriveHealth(now time.Time, freshness time.Duration, probeOK bool, lastProbed time.Time) HealthSummary {
	fresh := r.HeartbeatFresh(now, freshness)
	return HealthSummary{
		Status:     r.Status,
		Fresh:      fresh,
		ProbeOK:    probeOK,
		Healthy:    r.Status == StatusRunning && fresh && probeOK,
		LastProbed: lastProbed,
	}
}

// SortByName returns a copy of recs sorted lexicographically by Name, used
// wherever the spec calls for deterministic tie-breaking.
func SortByName(recs []ServiceRecord) []ServiceRecord {
	out := make([]ServiceRecord, len(recs))
	copy(out, recs)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
