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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmfleet/control-plane/internal/catalog"
)

func testRouterServer(t *testing.T) (*Server, *backendSet) {
	t.Helper()
	backends := newBackendSet()
	policy := NewPolicy(backends, 0)
	proxy := NewProxy(log.NewNopLogger(), policy, cleanhttp.DefaultPooledClient(), DefaultProxyConfig())
	return NewServer(log.NewNopLogger(), backends, proxy), backends
}

func TestRouterHealthAlwaysOK(t *testing.T) {
	srv, _ := testRouterServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouterServicesListsBackends(t *testing.T) {
	srv, backends := testRouterServer(t)
	backends.upsert(catalog.ServiceRecord{Name: "b", Kind: catalog.KindOpenAIAPI}, time.Now())
	backends.upsert(catalog.ServiceRecord{Name: "a", Kind: catalog.KindOpenAIAPI}, time.Now())

	req := httptest.NewRequest(http.MethodGet, "/services", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Services []Snapshot `json:"services"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Services, 2)
	assert.Equal(t, "a", body.Services[0].Name, "services must be sorted by name")
}

func TestRouterStatsAggregatesCounters(t *testing.T) {
	srv, backends := testRouterServer(t)
	backends.upsert(catalog.ServiceRecord{Name: "a", Kind: catalog.KindOpenAIAPI}, time.Now())
	b := backends.get("a")
	b.IncRequest()
	b.IncRequest()
	b.IncError()
	b.MarkProbeResult(true, time.Now(), 0, 3)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var stats statsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalBackends)
	assert.Equal(t, 1, stats.HealthyBackends)
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.TotalErrors)
}

func TestRouterModelsDedupesAcrossBackends(t *testing.T) {
	srv, backends := testRouterServer(t)
	backends.upsert(catalog.ServiceRecord{
		Name: "a", Kind: catalog.KindOpenAIAPI,
		Metadata: catalog.Metadata{Models: []string{"llama-3", "mistral"}},
	}, time.Now())
	backends.upsert(catalog.ServiceRecord{
		Name: "b", Kind: catalog.KindOpenAIAPI,
		Metadata: catalog.Metadata{Models: []string{"llama-3"}},
	}, time.Now())
	backends.get("a").MarkProbeResult(true, time.Now(), 0, 3)
	backends.get("b").MarkProbeResult(true, time.Now(), 0, 3)

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Object string                     `json:"object"`
		Data   []catalog.ModelDescriptor `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "list", out.Object)
	require.Len(t, out.Data, 2)
	assert.Equal(t, "llama-3", out.Data[0].ID)
	assert.Equal(t, "mistral", out.Data[1].ID)
}

func TestRouterModelsExcludesUnhealthyBackends(t *testing.T) {
	srv, backends := testRouterServer(t)
	backends.upsert(catalog.ServiceRecord{
		Name: "a", Kind: catalog.KindOpenAIAPI,
		Metadata: catalog.Metadata{Models: []string{"llama-3"}},
	}, time.Now())
	// Never probed: stays unhealthy.

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var out struct {
		Data []catalog.ModelDescriptor `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Empty(t, out.Data)
}
