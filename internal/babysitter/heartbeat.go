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
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/llmfleet/control-plane/internal/catalog"
	"github.com/llmfleet/control-plane/internal/registryclient"
)

// unresponsiveThreshold is the number of consecutive heartbeat failures
// after which the babysitter assumes the Registry lost its records (most
// likely to the reaper) and attempts a fresh re-registration, per spec.md
// §4.2's "four consecutive failures cause a re-registration attempt".
const unresponsiveThreshold = 4

// heartbeatLoop keeps both the babysitter's own record and its managed
// backend's record fresh in the Registry.
type heartbeatLoop struct {
	logger   log.Logger
	registry *registryclient.Client
	names    []string
	interval time.Duration
	rebuild  func() []catalog.ServiceRecord

	consecutiveFailures int
}

func newHeartbeatLoop(logger log.Logger, registry *registryclient.Client, names []string, interval time.Duration, rebuild func() []catalog.ServiceRecord) *heartbeatLoop {
	return &heartbeatLoop{logger: logger, registry: registry, names: names, interval: interval, rebuild: rebuild}
}

// run blocks, heartbeating on every tick, until ctx is canceled or done is
// closed (the child exited and the caller's Ready state is ending).
func (h *heartbeatLoop) run(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *heartbeatLoop) tick(ctx context.Context) {
	anyFailed := false
	for _, name := range h.names {
		if err := h.registry.Heartbeat(ctx, name); err != nil {
			anyFailed = true
			_ = level.Warn(h.logger).Log("msg", "heartbeat failed", "name", name, "err", err)
		}
	}

	if !anyFailed {
		h.consecutiveFailures = 0
		return
	}

	h.consecutiveFailures++
	if h.consecutiveFailures < unresponsiveThreshold {
		return
	}
	h.consecutiveFailures = 0

	_ = level.Warn(h.logger).Log("msg", "heartbeats failed repeatedly, re-registering", "threshold", unresponsiveThreshold)
	for _, rec := range h.rebuild() {
		if err := h.registry.Upsert(ctx, rec); err != nil {
			_ = level.Error(h.logger).Log("msg", "re-registration failed", "name", rec.Name, "err", err)
		}
	}
}
