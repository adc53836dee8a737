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
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmfleet/control-plane/internal/catalog"
	"github.com/llmfleet/control-plane/internal/registryclient"
	"github.com/llmfleet/control-plane/internal/registryserver"
)

func TestHeartbeatLoopTickSucceedsAndResetsFailureCount(t *testing.T) {
	regSrv := registryserver.NewServer(log.NewNopLogger(), registryserver.DefaultConfig())
	httpSrv := httptest.NewServer(regSrv.Handler())
	defer httpSrv.Close()

	client := registryclient.New(httpSrv.URL, time.Second)
	require.NoError(t, client.Register(context.Background(), catalog.ServiceRecord{Name: "a", Kind: catalog.KindOpenAIAPI, Host: "h", Port: 1}))

	rebuildCalled := 0
	hb := newHeartbeatLoop(log.NewNopLogger(), client, []string{"a"}, time.Second, func() []catalog.ServiceRecord {
		rebuildCalled++
		return nil
	})

	hb.tick(context.Background())
	assert.Equal(t, 0, hb.consecutiveFailures)
	assert.Equal(t, 0, rebuildCalled)
}

func TestHeartbeatLoopReregistersAfterThreshold(t *testing.T) {
	client := registryclient.New("http://127.0.0.1:1", 50*time.Millisecond)

	rebuildCalled := 0
	hb := newHeartbeatLoop(log.NewNopLogger(), client, []string{"a"}, time.Second, func() []catalog.ServiceRecord {
		rebuildCalled++
		return []catalog.ServiceRecord{{Name: "a"}}
	})

	for i := 0; i < unresponsiveThreshold; i++ {
		hb.tick(context.Background())
	}
	assert.Equal(t, 1, rebuildCalled, "rebuild must fire exactly once the tick the threshold is reached")
	assert.Equal(t, 0, hb.consecutiveFailures, "the failure counter resets after re-registration fires")
}

func TestHeartbeatLoopDoesNotReregisterBelowThreshold(t *testing.T) {
	client := registryclient.New("http://127.0.0.1:1", 50*time.Millisecond)

	rebuildCalled := 0
	hb := newHeartbeatLoop(log.NewNopLogger(), client, []string{"a"}, time.Second, func() []catalog.ServiceRecord {
		rebuildCalled++
		return nil
	})

	for i := 0; i < unresponsiveThreshold-1; i++ {
		hb.tick(context.Background())
	}
	assert.Equal(t, 0, rebuildCalled)
}
