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
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"golang.org/x/time/rate"
)

// HealthChecker implements spec.md §4.3.2: every interval, probe each
// backend's babysitter_url + /health concurrently with bounded parallelism,
// recording latency and transitioning healthy per the consecutive-error
// counter in Backend.MarkProbeResult.
type HealthChecker struct {
	logger      log.Logger
	backends    *backendSet
	client      *http.Client
	interval    time.Duration
	timeout     time.Duration
	maxErrors   int
	maxInFlight int
	limiter     *rate.Limiter
}

// NewHealthChecker builds the Router's active health-check loop.
func NewHealthChecker(logger log.Logger, backends *backendSet, client *http.Client, interval, timeout time.Duration, maxErrors int) *HealthChecker {
	const maxInFlight = 32
	return &HealthChecker{
		logger:      logger,
		backends:    backends,
		client:      client,
		interval:    interval,
		timeout:     timeout,
		maxErrors:   maxErrors,
		maxInFlight: maxInFlight,
		limiter:     rate.NewLimiter(rate.Limit(maxInFlight*4), maxInFlight),
	}
}

// Run blocks until ctx is canceled, health-checking on every tick.
func (h *HealthChecker) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.checkOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.checkOnce(ctx)
		}
	}
}

func (h *HealthChecker) checkOnce(ctx context.Context) {
	backends := h.backends.all()
	sem := make(chan struct{}, h.maxInFlight)
	var wg sync.WaitGroup

	for _, b := range backends {
		sem <- struct{}{}
		wg.Add(1)
		go func(b *Backend) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := h.limiter.Wait(ctx); err != nil {
				return
			}
			ok, latency := h.probe(ctx, b.BabysitterURL())
			b.MarkProbeResult(ok, time.Now(), latency, h.maxErrors)
		}(b)
	}
	wg.Wait()
}

func (h *HealthChecker) probe(ctx context.Context, target string) (ok bool, latency time.Duration) {
	if target == "" {
		return false, 0
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target+"/health", nil)
	if err != nil {
		return false, time.Since(start)
	}

	resp, err := h.client.Do(req)
	latency = time.Since(start)
	if err != nil {
		return false, latency
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, latency
}
