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
	"hash/fnv"
	"sort"

	"github.com/llmfleet/control-plane/internal/catalog"
)

// DefaultCacheTypeRoutingThreshold is spec.md's default body-size cutoff
// (inclusive) below which paged-cache backends are preferred.
const DefaultCacheTypeRoutingThreshold = 50 * 1024

// NoBackendError is returned when no candidate backend could be selected.
// Model is empty when the failure is a total absence of healthy backends
// (spec.md §4.3.3 step 4, second case); otherwise it names the unsupported
// model.
type NoBackendError struct {
	Model string
}

func (e NoBackendError) Error() string {
	if e.Model == "" {
		return "No healthy services available"
	}
	return "No healthy service for model '" + e.Model + "'"
}

// Policy selects one backend per request per spec.md §4.3.3 steps 2-3.
type Policy struct {
	backends  *backendSet
	threshold int
}

// NewPolicy builds a Policy over backends using the given size-routing
// threshold (0 selects the spec default).
func NewPolicy(backends *backendSet, threshold int) *Policy {
	if threshold <= 0 {
		threshold = DefaultCacheTypeRoutingThreshold
	}
	return &Policy{backends: backends, threshold: threshold}
}

// Select chooses a backend for keys, applying cache-key affinity first, then
// size-based cache-type routing, then weighted round robin, exactly in that
// priority order per the Open Question decision recorded in DESIGN.md.
func (p *Policy) Select(keys RoutingKeys) (*Backend, error) {
	healthy := p.backends.healthy()

	candidates := healthy
	if keys.Model != "" {
		modelMatches := filterByModel(healthy, keys.Model)
		if len(modelMatches) == 0 {
			// No healthy backend supports the requested model: spec.md
			// §4.3.3 step 4 and the §8 seeded scenario both require a 503
			// naming the model, not a fallback to the full healthy pool.
			return nil, NoBackendError{Model: keys.Model}
		}
		candidates = modelMatches
	}
	if len(candidates) == 0 {
		return nil, NoBackendError{}
	}

	if keys.PromptCacheKey != "" {
		if b := selectByCacheKeyAffinity(candidates, keys.PromptCacheKey); b != nil {
			return b, nil
		}
		// selectByCacheKeyAffinity returns nil only for an empty candidate
		// set, which has already been answered with NoBackendError above,
		// so this point is not reached.
	} else if b := selectBySizeAndCacheType(candidates, keys.BodySize, p.threshold); b != nil {
		return b, nil
	}

	return selectWeightedRoundRobin(candidates), nil
}

func filterByModel(backends []*Backend, model string) []*Backend {
	out := make([]*Backend, 0, len(backends))
	for _, b := range backends {
		if b.Metadata().SupportsModel(model) {
			out = append(out, b)
		}
	}
	return out
}

// selectByCacheKeyAffinity implements spec.md §4.3.3 step 3a: hash the key
// modulo the candidate set sorted by name, picking that index. Sorting by
// name first makes the choice stable for a given key as long as the
// candidate set's membership doesn't change, satisfying I3.
func selectByCacheKeyAffinity(candidates []*Backend, key string) *Backend {
	if len(candidates) == 0 {
		return nil
	}
	sorted := sortBackendsByName(candidates)
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	idx := h.Sum64() % uint64(len(sorted))
	return sorted[idx]
}

// selectBySizeAndCacheType implements spec.md §4.3.3 step 3b. Returns nil if
// no candidate advertises the preferred cache type, signaling the caller to
// fall back to weighted round robin.
func selectBySizeAndCacheType(candidates []*Backend, bodySize, threshold int) *Backend {
	preferred := catalog.CacheTypeStatic
	if bodySize <= threshold {
		preferred = catalog.CacheTypePaged
	}

	var matches []*Backend
	for _, b := range candidates {
		if b.Metadata().CacheType == preferred {
			matches = append(matches, b)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	return selectWeightedRoundRobin(matches)
}

// selectWeightedRoundRobin implements spec.md §4.3.3 step 3c: each backend
// tracks its own monotonically increasing atomic pick counter; the
// candidate whose counter-to-weight ratio is lowest is selected next, ties
// broken by lexicographic name. This is a lock-free weighted round robin:
// equal weights alternate exactly (I4); higher weight accrues picks faster.
func selectWeightedRoundRobin(candidates []*Backend) *Backend {
	sorted := sortBackendsByName(candidates)

	var best *Backend
	var bestRatio float64
	for _, b := range sorted {
		ratio := float64(b.rrCursor.Load()) / float64(b.EffectiveWeight())
		if best == nil || ratio < bestRatio {
			best = b
			bestRatio = ratio
		}
	}
	best.rrCursor.Add(1)
	return best
}

func sortBackendsByName(backends []*Backend) []*Backend {
	out := make([]*Backend, len(backends))
	copy(out, backends)
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
