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
	"github.com/go-kit/log"
	cleanhttp "github.com/hashicorp/go-cleanhttp"
)

// NewProberLoop builds the Registry's active health-prober background task
// against s, using a pooled client (spec.md's probes are plain GET /health
// calls with a per-probe deadline).
func NewProberLoop(logger log.Logger, s *Server, cfg Config) *prober {
	client := cleanhttp.DefaultPooledClient()
	return newProber(log.With(logger, "component", "prober"), s.store, client, cfg.HealthInterval, cfg.HealthTimeout, 32)
}

// NewReaperLoop builds the Registry's stale-entry reaper background task.
func NewReaperLoop(logger log.Logger, s *Server, cfg Config) *reaper {
	return newReaper(log.With(logger, "component", "reaper"), s.store, cfg.CleanupInterval, cfg.StaleTimeout)
}
