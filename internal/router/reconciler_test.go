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
	"errors"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmfleet/control-plane/internal/catalog"
)

type fakeLister struct {
	recs []catalog.ServiceRecord
	err  error
}

func (f *fakeLister) List(ctx context.Context, healthyOnly bool) ([]catalog.ServiceRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.recs, nil
}

func TestReconcileOnceUpsertsOpenAIAPIOnly(t *testing.T) {
	lister := &fakeLister{recs: []catalog.ServiceRecord{
		{Name: "backend-1", Kind: catalog.KindOpenAIAPI, Host: "h1", Port: 1},
		{Name: "sidecar-1", Kind: catalog.KindBabysitter, Host: "h2", Port: 2},
	}}
	backends := newBackendSet()
	r := NewReconciler(log.NewNopLogger(), lister, backends, time.Hour, time.Hour)

	r.reconcileOnce(context.Background())

	assert.NotNil(t, backends.get("backend-1"))
	assert.Nil(t, backends.get("sidecar-1"), "babysitter-kind records are never routing-eligible")
}

func TestReconcileOnceSkipsEvictionWhenRegistryUnreachable(t *testing.T) {
	backends := newBackendSet()
	old := time.Now().Add(-time.Hour)
	backends.upsert(catalog.ServiceRecord{Name: "stale", Kind: catalog.KindOpenAIAPI}, old)

	lister := &fakeLister{err: errors.New("connection refused")}
	r := NewReconciler(log.NewNopLogger(), lister, backends, time.Minute, time.Minute)

	r.reconcileOnce(context.Background())

	require.NotNil(t, backends.get("stale"), "an unreachable registry must not trigger grace-eviction")
}

func TestReconcileOnceEvictsAfterGraceWhenRegistryPullSucceeds(t *testing.T) {
	backends := newBackendSet()
	old := time.Now().Add(-time.Hour)
	backends.upsert(catalog.ServiceRecord{Name: "stale", Kind: catalog.KindOpenAIAPI}, old)

	lister := &fakeLister{recs: nil}
	r := NewReconciler(log.NewNopLogger(), lister, backends, time.Minute, time.Millisecond)

	r.reconcileOnce(context.Background())

	assert.Nil(t, backends.get("stale"))
}
