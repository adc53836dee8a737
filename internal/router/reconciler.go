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
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/llmfleet/control-plane/internal/catalog"
	"github.com/llmfleet/control-plane/internal/registryclient"
)

// registryLister is the subset of registryclient.Client the reconciler
// needs; narrowed for testability.
type registryLister interface {
	List(ctx context.Context, healthyOnly bool) ([]catalog.ServiceRecord, error)
}

// Reconciler implements spec.md §4.3.1: every interval, pull the Registry's
// healthy openai-api records and fold them into the backend set, then evict
// anything absent for longer than the removal grace period.
//
// Per the Open Question decision in DESIGN.md, removal-grace eviction only
// runs after a pull succeeds — if the Registry is unreachable the Router
// keeps its last view and the grace-period clock is effectively frozen,
// since TouchSeen is never called and removeStale is never invoked during an
// outage.
type Reconciler struct {
	logger   log.Logger
	registry registryLister
	backends *backendSet
	interval time.Duration
	grace    time.Duration
}

// NewReconciler builds the reconciliation loop against backends.
func NewReconciler(logger log.Logger, registry registryLister, backends *backendSet, interval, grace time.Duration) *Reconciler {
	return &Reconciler{logger: logger, registry: registry, backends: backends, interval: interval, grace: grace}
}

// Run blocks until ctx is canceled, reconciling on every tick.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.reconcileOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

func (r *Reconciler) reconcileOnce(ctx context.Context) {
	recs, err := r.registry.List(ctx, true)
	if err != nil {
		_ = level.Warn(r.logger).Log("msg", "reconciliation pull failed, keeping last view", "err", errors.Wrap(err, "list services"))
		return
	}

	now := time.Now()
	for _, rec := range recs {
		if rec.Kind != catalog.KindOpenAIAPI {
			continue // babysitter records are never routing-eligible
		}
		r.backends.upsert(rec, now)
	}

	for _, name := range r.backends.removeStale(now, r.grace) {
		_ = level.Info(r.logger).Log("msg", "evicted backend absent from registry", "name", name)
	}
}
