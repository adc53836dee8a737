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
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"
)

// prober runs the active health-probe loop described in spec.md §4.1: every
// interval, snapshot the known names, fan out a bounded-concurrency probe of
// each record's health target, and record only the derived result — probes
// never touch last_heartbeat.
type prober struct {
	logger      log.Logger
	store       *store
	client      *http.Client
	interval    time.Duration
	timeout     time.Duration
	maxInFlight int
	limiter     *rate.Limiter
}

func newProber(logger log.Logger, s *store, client *http.Client, interval, timeout time.Duration, maxInFlight int) *prober {
	if maxInFlight <= 0 {
		maxInFlight = 16
	}
	return &prober{
		logger:      logger,
		store:       s,
		client:      client,
		interval:    interval,
		timeout:     timeout,
		maxInFlight: maxInFlight,
		// Paces dispatch so a large fleet doesn't burst-dial every backend in
		// the same instant; bounded concurrency is still enforced below by
		// the semaphore.
		limiter: rate.NewLimiter(rate.Limit(maxInFlight*4), maxInFlight),
	}
}

// Run blocks until ctx is canceled, probing on every tick.
func (p *prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.probeOnce(ctx)
		}
	}
}

func (p *prober) probeOnce(ctx context.Context) {
	names := p.store.names()
	sem := make(chan struct{}, p.maxInFlight)
	var wg sync.WaitGroup

	for _, name := range names {
		rec, err := p.store.get(name)
		if err != nil {
			continue // removed concurrently, e.g. by the reaper
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(name, target string) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
			ok, latency := p.probeOne(ctx, target)
			p.store.setProbeResult(name, ok, time.Now(), latency)
		}(name, rec.HealthTarget())
	}
	wg.Wait()
}

func (p *prober) probeOne(ctx context.Context, target string) (ok bool, latency time.Duration) {
	if target == "" {
		return false, 0
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target+"/health", nil)
	if err != nil {
		_ = level.Warn(p.logger).Log("msg", "building probe request failed", "target", target, "err", err)
		return false, time.Since(start)
	}

	resp, err := p.client.Do(req)
	latency = time.Since(start)
	if err != nil {
		return false, latency
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, latency
}
