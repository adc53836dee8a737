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

// Package registryclient is the thin HTTP client Router and Babysitter use to
// talk to the Registry's catalog API.
package registryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"

	"github.com/llmfleet/control-plane/internal/catalog"
)

// ErrNotFound is returned when the Registry reports 404 for a lookup.
var ErrNotFound = errors.New("registry: service not found")

// ErrConflict is returned when POST /services reports 409.
var ErrConflict = errors.New("registry: service already registered")

// Client calls a single Registry instance's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client against baseURL (e.g. "http://registry:8500"),
// using a pooled transport the way cmd/frontend's forwarder does.
func New(baseURL string, timeout time.Duration) *Client {
	c := cleanhttp.DefaultPooledClient()
	c.Timeout = timeout
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: c}
}

// List fetches GET /services, optionally filtering to healthy-only entries.
func (c *Client) List(ctx context.Context, healthyOnly bool) ([]catalog.ServiceRecord, error) {
	q := url.Values{}
	if healthyOnly {
		q.Set("healthy", "true")
	}
	body, _, err := c.call(ctx, http.MethodGet, "/services?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var env struct {
		Data []catalog.ServiceRecord `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("registry: decoding service list failed: %w", err)
	}
	return env.Data, nil
}

// Get performs GET /services/{name}, returning ErrNotFound on 404.
func (c *Client) Get(ctx context.Context, name string) (catalog.ServiceRecord, error) {
	body, status, err := c.call(ctx, http.MethodGet, "/services/"+url.PathEscape(name), nil)
	if status == http.StatusNotFound {
		return catalog.ServiceRecord{}, ErrNotFound
	}
	if err != nil {
		return catalog.ServiceRecord{}, err
	}
	var rec catalog.ServiceRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return catalog.ServiceRecord{}, fmt.Errorf("registry: decoding record failed: %w", err)
	}
	return rec, nil
}

// Register performs POST /services, returning ErrConflict on 409.
func (c *Client) Register(ctx context.Context, rec catalog.ServiceRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: marshaling record failed: %w", err)
	}
	_, status, err := c.call(ctx, http.MethodPost, "/services", payload)
	if err != nil {
		if status == http.StatusConflict {
			return ErrConflict
		}
		return err
	}
	return nil
}

// Upsert performs PUT /services/{name}.
func (c *Client) Upsert(ctx context.Context, rec catalog.ServiceRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: marshaling record failed: %w", err)
	}
	_, _, err = c.call(ctx, http.MethodPut, "/services/"+url.PathEscape(rec.Name), payload)
	return err
}

// Heartbeat performs POST /services/{name}/heartbeat.
func (c *Client) Heartbeat(ctx context.Context, name string) error {
	_, status, err := c.call(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/heartbeat", nil)
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}

// Unregister performs DELETE /services/{name}. A missing record is not an
// error: it means shutdown-time unregistration already happened or raced
// with the reaper.
func (c *Client) Unregister(ctx context.Context, name string) error {
	_, status, err := c.call(ctx, http.MethodDelete, "/services/"+url.PathEscape(name), nil)
	if status == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) call(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("registry: building request failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, 0, fmt.Errorf("registry: request to %s canceled: %w", path, err)
		}
		return nil, 0, fmt.Errorf("registry: request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("registry: reading response from %s failed: %w", path, err)
	}

	if resp.StatusCode >= 300 {
		return respBody, resp.StatusCode, fmt.Errorf("registry: %s returned status %d", path, resp.StatusCode)
	}
	return respBody, resp.StatusCode, nil
}
