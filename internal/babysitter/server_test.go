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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmfleet/control-plane/internal/catalog"
	"github.com/llmfleet/control-plane/internal/registryclient"
)

func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	cfg := DefaultSupervisorConfig()
	cfg.BackendName = "sv-backend"
	cfg.AdvertiseHost = "127.0.0.1"
	cfg.SelfPort = freePort(t)
	return NewSupervisor(log.NewNopLogger(), cfg, registryclient.New("http://127.0.0.1:1", 50*time.Millisecond))
}

func TestHandleHealthReflectsReadyState(t *testing.T) {
	sv := testSupervisor(t)
	srv := NewServer(log.NewNopLogger(), sv)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "must be unavailable before the child is ready")

	sv.ready.Store(true)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleModelsReturns503WhenNoChildAndNoCache(t *testing.T) {
	sv := testSupervisor(t)
	srv := NewServer(log.NewNopLogger(), sv)

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleModelsFallsBackToCacheWhenChildUnreachable(t *testing.T) {
	sv := testSupervisor(t)
	sv.setModels([]catalog.ModelDescriptor{{ID: "cached-model"}})
	child, err := Spawn(LaunchSpec{Command: "true", Port: freePort(t)}, 0)
	require.NoError(t, err)
	_ = child.Wait()
	sv.child.Store(child)

	srv := NewServer(log.NewNopLogger(), sv)
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cached-model")
	assert.NotEmpty(t, rec.Header().Get("X-Models-Cached-At"))
}

func TestHandleInfoReportsSupervisorFields(t *testing.T) {
	sv := testSupervisor(t)
	sv.restarts.Store(2)
	sv.degraded.Store(true)

	srv := NewServer(log.NewNopLogger(), sv)
	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"binary":"babysitter"`)
	assert.Contains(t, body, `"restarts":2`)
	assert.Contains(t, body, `"degraded":true`)
}
