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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmfleet/control-plane/internal/catalog"
)

func TestFetchModelsParsesAndSorts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"zeta"},{"id":"alpha"}]}`))
	}))
	defer srv.Close()

	models, err := fetchModels(context.Background(), srv.Client(), srv.URL, time.Second)
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "alpha", models[0].ID)
	assert.Equal(t, "zeta", models[1].ID)
}

func TestFetchModelsNonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := fetchModels(context.Background(), srv.Client(), srv.URL, time.Second)
	assert.Error(t, err)
}

func TestModelsChangedDetectsAdditionAndRemoval(t *testing.T) {
	a := []catalog.ModelDescriptor{{ID: "m1"}}
	b := []catalog.ModelDescriptor{{ID: "m1"}, {ID: "m2"}}
	assert.True(t, modelsChanged(a, b))
	assert.False(t, modelsChanged(a, a))
}

func TestModelIDsExtractsOrderedIDs(t *testing.T) {
	descs := []catalog.ModelDescriptor{{ID: "a"}, {ID: "b"}}
	assert.Equal(t, []string{"a", "b"}, modelIDs(descs))
}
