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
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/go-kit/log"
	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmfleet/control-plane/internal/catalog"
)

func proxyOverBackend(t *testing.T, upstream *httptest.Server) (*Proxy, *backendSet) {
	t.Helper()
	backends := newBackendSet()
	b := healthyBackend("only", 1, "")
	host, port := hostPort(t, upstream.URL)
	b.updateRecord(func(rec *catalog.ServiceRecord) {
		rec.Host, rec.Port = host, port
	})
	backends.backends["only"] = b

	policy := NewPolicy(backends, 0)
	proxy := NewProxy(log.NewNopLogger(), policy, cleanhttp.DefaultPooledClient(), DefaultProxyConfig())
	return proxy, backends
}

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestProxyNonStreamingRequestIsForwarded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer upstream.Close()

	proxy, _ := proxyOverBackend(t, upstream)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	proxy.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"choices":[]}`, w.Body.String())
}

func TestProxyStreamsSSEIncrementally(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			_, _ = w.Write([]byte("data: chunk\n\n"))
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	proxy, _ := proxyOverBackend(t, upstream)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	proxy.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "data: chunk\n\n")
}

func TestProxyStripsHopByHopHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Proxy-Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	proxy, _ := proxyOverBackend(t, upstream)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Proxy-Authorization", "should-not-arrive")
	req.Header.Set("X-Request-Source", "test")
	w := httptest.NewRecorder()
	proxy.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProxyNoHealthyBackendsIsServiceUnavailable(t *testing.T) {
	backends := newBackendSet()
	policy := NewPolicy(backends, 0)
	proxy := NewProxy(log.NewNopLogger(), policy, cleanhttp.DefaultPooledClient(), DefaultProxyConfig())

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	proxy.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestProxyUnreachableBackendIsServiceUnavailable(t *testing.T) {
	backends := newBackendSet()
	b := healthyBackend("only", 1, "")
	b.updateRecord(func(rec *catalog.ServiceRecord) {
		rec.Host = "127.0.0.1"
		rec.Port = 1
	})
	backends.backends["only"] = b

	policy := NewPolicy(backends, 0)
	cfg := DefaultProxyConfig()
	cfg.RequestTimeout = 500 * time.Millisecond
	proxy := NewProxy(log.NewNopLogger(), policy, cleanhttp.DefaultPooledClient(), cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	proxy.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	_, errs := b.Counters()
	assert.Equal(t, int64(1), errs)
}

func TestIsStreamingResponseDetectsChunkedTransferEncoding(t *testing.T) {
	h := http.Header{}
	h.Set("Transfer-Encoding", "chunked")
	assert.True(t, isStreamingResponse(h))
}

func TestIsStreamingResponseFalseForPlainJSON(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	assert.False(t, isStreamingResponse(h))
}
