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
	"crypto/rand"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid"

	"github.com/llmfleet/control-plane/internal/apiresponse"
)

// hopByHopHeaders are stripped from both the forwarded request and the
// returned response, per spec.md §4.3.4.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Proxy-Connection", "Transfer-Encoding", "Upgrade",
}

// ProxyConfig carries the timeouts named in spec.md §4.3.4/§6.
type ProxyConfig struct {
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	StreamIdleTimeout time.Duration
}

// DefaultProxyConfig returns the spec-mandated defaults.
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		ConnectTimeout:    5 * time.Second,
		RequestTimeout:    300 * time.Second,
		StreamIdleTimeout: 120 * time.Second,
	}
}

// Proxy selects a backend via Policy and forwards the request to it,
// streaming SSE/chunked responses incrementally per spec.md §4.3.4.
type Proxy struct {
	logger  log.Logger
	policy  *Policy
	client  *http.Client
	cfg     ProxyConfig
	entropy io.Reader
}

// NewProxy builds a Proxy using client for upstream calls. NewProxy does not
// apply cfg.ConnectTimeout itself; router.New sets it as the dial timeout of
// the client it passes in.
func NewProxy(logger log.Logger, policy *Policy, client *http.Client, cfg ProxyConfig) *Proxy {
	return &Proxy{logger: logger, policy: policy, client: client, cfg: cfg, entropy: rand.Reader}
}

// ServeHTTP implements the proxy catch-all described in spec.md §4.3.3/4.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := ulid.MustNew(ulid.Timestamp(time.Now()), p.entropy).String()
	logger := log.With(p.logger, "request_id", reqID)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		apiresponse.WriteError(logger, w, http.StatusBadRequest, "failed to read request body")
		return
	}

	keys := RoutingKeys{BodySize: len(body)}
	if r.Method == http.MethodPost && len(body) > 0 {
		keys = ExtractRoutingKeys(body)
	}

	backend, err := p.policy.Select(keys)
	if err != nil {
		var nbe NoBackendError
		if errors.As(err, &nbe) {
			apiresponse.WriteError(logger, w, http.StatusServiceUnavailable, nbe.Error())
			return
		}
		apiresponse.WriteError(logger, w, http.StatusServiceUnavailable, err.Error())
		return
	}

	backend.IncRequest()
	p.forward(logger, w, r, backend, body)
}

func (p *Proxy) forward(logger log.Logger, w http.ResponseWriter, r *http.Request, backend *Backend, body []byte) {
	// RequestTimeout bounds the non-streaming path only: the deadline timer
	// is stopped once the response turns out to be a stream, after which
	// streamBody's idle timeout applies instead.
	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	deadline := time.AfterFunc(p.cfg.RequestTimeout, func() { cancel(context.DeadlineExceeded) })
	defer deadline.Stop()

	upstreamURL := backend.BaseURL() + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, newBodyReader(body))
	if err != nil {
		backend.IncError()
		apiresponse.WriteError(logger, w, http.StatusBadGateway, "failed to build upstream request")
		return
	}
	copyHeaders(req.Header, r.Header)

	resp, err := p.client.Do(req)
	if err != nil {
		backend.IncError()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
			apiresponse.WriteError(logger, w, http.StatusGatewayTimeout, "upstream request timed out")
			return
		}
		_ = level.Warn(logger).Log("msg", "upstream connect failed", "backend", backend.Name(), "err", err)
		apiresponse.WriteError(logger, w, http.StatusServiceUnavailable, "backend unreachable")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		backend.IncError()
	}

	isStream := isStreamingResponse(resp.Header)
	if isStream {
		deadline.Stop()
	}
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if isStream {
		p.streamBody(logger, w, resp.Body, backend)
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		_ = level.Warn(logger).Log("msg", "copying response body failed", "backend", backend.Name(), "err", err)
	}
}

// streamBody copies resp's body to w incrementally, flushing after every
// chunk so no more than one bounded buffer's worth of data is ever held in
// memory regardless of total response length (spec.md §4.3.4, I5). An idle
// read — no bytes for StreamIdleTimeout — ends the stream with a 504-class
// log entry; headers are already sent by then so the connection is simply
// closed.
func (p *Proxy) streamBody(logger log.Logger, w http.ResponseWriter, body io.Reader, backend *Backend) {
	flusher, _ := w.(http.Flusher)
	reader := &idleTimeoutReader{r: body, timeout: p.cfg.StreamIdleTimeout}

	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				_ = level.Info(logger).Log("msg", "client disconnected mid-stream", "backend", backend.Name())
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				backend.IncError()
				_ = level.Warn(logger).Log("msg", "stream ended with error", "backend", backend.Name(), "err", err)
			}
			return
		}
	}
}

// idleTimeoutReader enforces an upper bound on how long a single Read may
// block with no data, matching the stream idle-timeout semantics of
// spec.md §4.3.4. It trades a per-read goroutine for a read deadline that
// http.Response bodies don't otherwise expose.
type idleTimeoutReader struct {
	r       io.Reader
	timeout time.Duration
}

type readResult struct {
	n   int
	err error
}

func (t *idleTimeoutReader) Read(p []byte) (int, error) {
	ch := make(chan readResult, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- readResult{n, err}
	}()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-timer.C:
		return 0, context.DeadlineExceeded
	}
}

func isStreamingResponse(h http.Header) bool {
	if strings.Contains(h.Get("Content-Type"), "text/event-stream") {
		return true
	}
	for _, v := range h.Values("Transfer-Encoding") {
		if strings.EqualFold(strings.TrimSpace(v), "chunked") {
			return true
		}
	}
	return false
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, key) {
			return true
		}
	}
	return false
}

func copyHeaders(dst, src http.Header) {
	for k, vals := range src {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vals := range src {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func newBodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return &byteReader{b: body}
}

// byteReader is a minimal io.Reader over a byte slice, avoiding the extra
// allocation bytes.NewReader's internal bookkeeping carries for the common
// small-request case while still supporting http.NewRequestWithContext's
// need for a ReadCloser-free Reader (net/http wraps it).
type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
