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
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// reaper evicts records whose heartbeat has gone stale, skipping any record
// whose metadata marks it static. It never consults probe results — only the
// reaper evicts; failed probes merely mark a record unhealthy.
type reaper struct {
	logger       log.Logger
	store        *store
	interval     time.Duration
	staleTimeout time.Duration
}

func newReaper(logger log.Logger, s *store, interval, staleTimeout time.Duration) *reaper {
	return &reaper{logger: logger, store: s, interval: interval, staleTimeout: staleTimeout}
}

func (r *reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed := r.store.reap(time.Now(), r.staleTimeout)
			for _, name := range removed {
				_ = level.Info(r.logger).Log("msg", "reaped stale service", "name", name)
			}
		}
	}
}
