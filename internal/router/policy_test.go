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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmfleet/control-plane/internal/catalog"
)

func healthyBackend(name string, weight int, cacheType catalog.CacheType, models ...string) *Backend {
	b := NewBackend(catalog.ServiceRecord{
		Name:   name,
		Kind:   catalog.KindOpenAIAPI,
		Weight: weight,
		Metadata: catalog.Metadata{
			Models:    models,
			CacheType: cacheType,
		},
	}, time.Now())
	b.MarkProbeResult(true, time.Now(), 0, 3)
	return b
}

func newSetWith(backends ...*Backend) *backendSet {
	s := newBackendSet()
	for _, b := range backends {
		s.backends[b.Name()] = b
	}
	return s
}

func TestSelectNoBackendsAtAll(t *testing.T) {
	p := NewPolicy(newBackendSet(), 0)
	_, err := p.Select(RoutingKeys{})
	require.Error(t, err)
	assert.Equal(t, "No healthy services available", err.Error())
}

func TestSelectModelFilterNarrowsCandidates(t *testing.T) {
	a := healthyBackend("a", 1, "", "llama")
	b := healthyBackend("b", 1, "", "mistral")
	p := NewPolicy(newSetWith(a, b), 0)

	picked, err := p.Select(RoutingKeys{Model: "mistral"})
	require.NoError(t, err)
	assert.Equal(t, "b", picked.Name())
}

func TestSelectModelNoHealthyBackendSupportsItReturns503NamingModel(t *testing.T) {
	// spec.md §8 seeded scenario 3: A supports {m1}, B supports {m2}; B is
	// unhealthy; a request for m2 must 503 naming m2, not fall back to A.
	a := healthyBackend("a", 1, "", "m1")
	p := NewPolicy(newSetWith(a), 0)

	_, err := p.Select(RoutingKeys{Model: "m2"})
	require.Error(t, err)
	var nbe NoBackendError
	require.ErrorAs(t, err, &nbe)
	assert.Equal(t, "m2", nbe.Model)
	assert.Contains(t, nbe.Error(), "m2")
}

func TestSelectModelNoHealthyBackendsAtAllIsError(t *testing.T) {
	a := NewBackend(catalog.ServiceRecord{Name: "a", Metadata: catalog.Metadata{Models: []string{"llama"}}}, time.Now())
	p := NewPolicy(newSetWith(a), 0)

	_, err := p.Select(RoutingKeys{Model: "llama"})
	require.Error(t, err)
	var nbe NoBackendError
	require.ErrorAs(t, err, &nbe)
	assert.Equal(t, "llama", nbe.Model)
}

func TestSelectCacheKeyAffinityIsStableForSameKeyAndMembership(t *testing.T) {
	a := healthyBackend("a", 1, "")
	b := healthyBackend("b", 1, "")
	c := healthyBackend("c", 1, "")
	p := NewPolicy(newSetWith(a, b, c), 0)

	first, err := p.Select(RoutingKeys{PromptCacheKey: "session-42"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := p.Select(RoutingKeys{PromptCacheKey: "session-42"})
		require.NoError(t, err)
		assert.Equal(t, first.Name(), again.Name(), "affinity must be stable across repeated selections")
	}
}

func TestSelectCacheKeyAffinityTakesPriorityOverSizeRouting(t *testing.T) {
	paged := healthyBackend("paged", 1, catalog.CacheTypePaged)
	static := healthyBackend("static", 1, catalog.CacheTypeStatic)
	p := NewPolicy(newSetWith(paged, static), 0)

	// A large body would normally prefer the static backend by size routing,
	// but an explicit cache key must win regardless.
	first, err := p.Select(RoutingKeys{PromptCacheKey: "k", BodySize: 1 << 20})
	require.NoError(t, err)
	// fnv64a("k") is even, so affinity picks index 0 of [paged, static];
	// size routing alone would have picked static.
	assert.Equal(t, "paged", first.Name())

	second, err := p.Select(RoutingKeys{PromptCacheKey: "k", BodySize: 1 << 20})
	require.NoError(t, err)
	assert.Equal(t, first.Name(), second.Name())
}

func TestSelectBySizeThresholdInclusivePrefersPaged(t *testing.T) {
	paged := healthyBackend("paged", 1, catalog.CacheTypePaged)
	static := healthyBackend("static", 1, catalog.CacheTypeStatic)
	p := NewPolicy(newSetWith(paged, static), 1024)

	picked, err := p.Select(RoutingKeys{BodySize: 1024})
	require.NoError(t, err)
	assert.Equal(t, "paged", picked.Name(), "threshold is inclusive: exactly-at-threshold must prefer paged")
}

func TestSelectBySizeAboveThresholdPrefersStatic(t *testing.T) {
	paged := healthyBackend("paged", 1, catalog.CacheTypePaged)
	static := healthyBackend("static", 1, catalog.CacheTypeStatic)
	p := NewPolicy(newSetWith(paged, static), 1024)

	picked, err := p.Select(RoutingKeys{BodySize: 1025})
	require.NoError(t, err)
	assert.Equal(t, "static", picked.Name())
}

func TestSelectSizeRoutingFallsThroughWhenNoCacheTypeMatch(t *testing.T) {
	a := healthyBackend("a", 1, "")
	b := healthyBackend("b", 1, "")
	p := NewPolicy(newSetWith(a, b), 1024)

	_, err := p.Select(RoutingKeys{BodySize: 10})
	require.NoError(t, err, "no backend declares a cache type, must fall back to round robin rather than error")
}

func TestSelectWeightedRoundRobinAlternatesEquallyForEqualWeights(t *testing.T) {
	a := healthyBackend("a", 1, "")
	b := healthyBackend("b", 1, "")
	p := NewPolicy(newSetWith(a, b), 0)

	counts := map[string]int{}
	for i := 0; i < 100; i++ {
		picked, err := p.Select(RoutingKeys{})
		require.NoError(t, err)
		counts[picked.Name()]++
	}
	assert.Equal(t, 50, counts["a"])
	assert.Equal(t, 50, counts["b"])
}

func TestSelectWeightedRoundRobinRespectsWeightRatio(t *testing.T) {
	a := healthyBackend("a", 2, "")
	b := healthyBackend("b", 1, "")
	p := NewPolicy(newSetWith(a, b), 0)

	counts := map[string]int{}
	for i := 0; i < 90; i++ {
		picked, err := p.Select(RoutingKeys{})
		require.NoError(t, err)
		counts[picked.Name()]++
	}
	assert.Equal(t, 60, counts["a"])
	assert.Equal(t, 30, counts["b"])
}

func TestSelectWeightedRoundRobinTiesBreakByName(t *testing.T) {
	z := healthyBackend("z", 1, "")
	a := healthyBackend("a", 1, "")
	p := NewPolicy(newSetWith(z, a), 0)

	picked, err := p.Select(RoutingKeys{})
	require.NoError(t, err)
	assert.Equal(t, "a", picked.Name(), "equal ratios must break ties lexicographically")
}

func TestSortBackendsByNameDoesNotMutateInput(t *testing.T) {
	z := healthyBackend("z", 1, "")
	a := healthyBackend("a", 1, "")
	in := []*Backend{z, a}
	sorted := sortBackendsByName(in)

	assert.Equal(t, []*Backend{z, a}, in, "input slice order must be untouched")
	assert.Equal(t, "a", sorted[0].Name())
	assert.Equal(t, "z", sorted[1].Name())
}
