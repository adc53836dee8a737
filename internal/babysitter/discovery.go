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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"time"

	"github.com/llmfleet/control-plane/internal/catalog"
)

// modelsListResponse mirrors the OpenAI-compatible envelope the child
// process exposes at GET /models (spec.md §6's child process contract).
type modelsListResponse struct {
	Object string                    `json:"object"`
	Data   []catalog.ModelDescriptor `json:"data"`
}

// fetchModels queries target+"/models" and returns the model descriptors it
// advertises, sorted by id. Duplicate ids are not removed.
func fetchModels(ctx context.Context, client *http.Client, target string, timeout time.Duration) ([]catalog.ModelDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target+"/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models fetch: unexpected status %d", resp.StatusCode)
	}

	var body modelsListResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("models fetch: decode: %w", err)
	}

	sort.Slice(body.Data, func(i, j int) bool { return body.Data[i].ID < body.Data[j].ID })
	return body.Data, nil
}

// modelIDs extracts the sorted id list from descriptors, for change
// detection and for populating metadata.models alongside metadata.models_list.
func modelIDs(descs []catalog.ModelDescriptor) []string {
	ids := make([]string, len(descs))
	for i, d := range descs {
		ids[i] = d.ID
	}
	return ids
}

// modelsChanged reports whether the discovered model set differs from the
// last one published to the Registry, ignoring order since both sides are
// normalized by fetchModels.
func modelsChanged(previous, current []catalog.ModelDescriptor) bool {
	return !reflect.DeepEqual(previous, current)
}
