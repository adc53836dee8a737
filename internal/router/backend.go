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

// Package router implements the reverse-proxy control plane described in
// spec.md §4.3: reconciliation from the Registry, active health checks,
// model-aware/cache-aware/weighted routing, and streaming-safe proxying.
package router

import (
	"sync/atomic"
	"time"

	"github.com/llmfleet/control-plane/internal/catalog"
)

// Backend is the Router's local view of one openai-api ServiceRecord (spec.md
// §3's RouterBackend). The record itself lives behind an atomic pointer so
// that a reconciliation-driven update (backendset.go's upsert) can never be
// observed as a torn read on the request path (spec.md §5, "updates are
// atomic per backend entry... never a torn record"): readers load one
// pointer and see either the whole pre-update or whole post-update record,
// never a mix of old and new fields. Counters are plain atomics so the
// request path never takes the backend-set lock just to bump one.
type Backend struct {
	name string // immutable; also the backendSet map key

	rec atomic.Pointer[catalog.ServiceRecord]

	healthy           atomic.Bool
	consecutiveErrors atomic.Int32
	lastProbeAt       atomic.Int64 // unix nanos
	lastProbeLatency  atomic.Int64 // nanoseconds

	requestCount atomic.Int64
	errorCount   atomic.Int64

	lastSeenInRegistry atomic.Int64 // unix nanos

	rrCursor atomic.Uint64 // smooth weighted round-robin scheduling state
}

// NewBackend constructs a Backend from a freshly reconciled record, starting
// unhealthy until the first active probe succeeds, per spec.md §4.3.1.
func NewBackend(rec catalog.ServiceRecord, now time.Time) *Backend {
	b := &Backend{name: rec.Name}
	b.rec.Store(&rec)
	b.lastSeenInRegistry.Store(now.UnixNano())
	return b
}

// Record returns a consistent point-in-time copy of the backend's current
// record.
func (b *Backend) Record() catalog.ServiceRecord { return *b.rec.Load() }

// updateRecord atomically replaces the record with the result of applying fn
// to a copy of the current one. Safe to call concurrently with Record and
// the other field accessors; never observed as a partial update.
func (b *Backend) updateRecord(fn func(*catalog.ServiceRecord)) {
	updated := *b.rec.Load()
	fn(&updated)
	b.rec.Store(&updated)
}

// Name returns the backend's (immutable) registration name.
func (b *Backend) Name() string { return b.name }

// Metadata returns a consistent copy of the record's current metadata.
func (b *Backend) Metadata() catalog.Metadata { return b.rec.Load().Metadata }

// BabysitterURL returns the record's current babysitter URL.
func (b *Backend) BabysitterURL() string { return b.rec.Load().BabysitterURL }

// BaseURL returns the http://host:port location of the record's current
// host/port.
func (b *Backend) BaseURL() string { return b.rec.Load().BaseURL() }

// EffectiveWeight returns the record's current routing weight, defaulting
// to 1 per spec.
func (b *Backend) EffectiveWeight() int { return b.rec.Load().EffectiveWeight() }

// Healthy reports the most recent active-probe result.
func (b *Backend) Healthy() bool { return b.healthy.Load() }

// MarkProbeResult applies one active health-check outcome per spec.md
// §4.3.2: any 2xx immediately restores healthy; anything else increments the
// consecutive-error counter and only flips to unhealthy after maxErrors.
func (b *Backend) MarkProbeResult(ok bool, at time.Time, latency time.Duration, maxErrors int) {
	b.lastProbeAt.Store(at.UnixNano())
	b.lastProbeLatency.Store(int64(latency))

	if ok {
		b.consecutiveErrors.Store(0)
		b.healthy.Store(true)
		return
	}
	n := b.consecutiveErrors.Add(1)
	if int(n) >= maxErrors {
		b.healthy.Store(false)
	}
}

// LastProbe returns the timestamp and latency of the most recent probe.
func (b *Backend) LastProbe() (at time.Time, latency time.Duration) {
	nanos := b.lastProbeAt.Load()
	if nanos == 0 {
		return time.Time{}, 0
	}
	return time.Unix(0, nanos), time.Duration(b.lastProbeLatency.Load())
}

// LastSeenInRegistry returns when this backend was last confirmed present in
// a reconciliation pull.
func (b *Backend) LastSeenInRegistry() time.Time {
	return time.Unix(0, b.lastSeenInRegistry.Load())
}

// TouchSeen marks the backend as present in the latest reconciliation pull.
func (b *Backend) TouchSeen(now time.Time) { b.lastSeenInRegistry.Store(now.UnixNano()) }

// IncRequest increments the monotone request counter.
func (b *Backend) IncRequest() { b.requestCount.Add(1) }

// IncError increments the monotone error counter.
func (b *Backend) IncError() { b.errorCount.Add(1) }

// Counters returns a point-in-time snapshot of the request/error counters.
func (b *Backend) Counters() (requests, errs int64) {
	return b.requestCount.Load(), b.errorCount.Load()
}

// Snapshot returns a consistent, point-in-time copy of the backend's record
// and derived fields for JSON serving via GET /services.
type Snapshot struct {
	catalog.ServiceRecord
	Healthy          bool          `json:"healthy"`
	LastProbeAt      time.Time     `json:"last_probe_at,omitempty"`
	LastProbeLatency time.Duration `json:"last_probe_latency_ms"`
	RequestCount     int64         `json:"request_count"`
	ErrorCount       int64         `json:"error_count"`
}

// Snapshot captures b's current state as an immutable value.
func (b *Backend) Snapshot() Snapshot {
	at, latency := b.LastProbe()
	reqs, errs := b.Counters()
	return Snapshot{
		ServiceRecord:    b.Record(),
		Healthy:          b.Healthy(),
		LastProbeAt:      at,
		LastProbeLatency: latency / time.Millisecond,
		RequestCount:     reqs,
		ErrorCount:       errs,
	}
}
