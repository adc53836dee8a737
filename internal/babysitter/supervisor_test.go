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
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmfleet/control-plane/internal/registryclient"
	"github.com/llmfleet/control-plane/internal/registryserver"
)

func TestBackoffDelayGrowsExponentiallyAndCaps(t *testing.T) {
	base := time.Second
	assert.Equal(t, time.Second, backoffDelay(base, 0))
	assert.Equal(t, 2*time.Second, backoffDelay(base, 1))
	assert.Equal(t, 4*time.Second, backoffDelay(base, 2))
	assert.Equal(t, 60*time.Second, backoffDelay(base, 10), "growth must cap at 60s regardless of restart count")
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// spawnFakeChild starts a python3 HTTP server playing the role of an
// OpenAI-compatible child process (spec.md §6's child process contract):
// GET /health -> 200, GET /models -> a one-model OpenAI list envelope.
func spawnFakeChild(t *testing.T, port int) *exec.Cmd {
	t.Helper()
	script := fmt.Sprintf(`
import http.server, json

class H(http.server.BaseHTTPRequestHandler):
    def do_GET(self):
        if self.path == "/health":
            self.send_response(200)
            self.end_headers()
        elif self.path == "/models":
            body = json.dumps({"object":"list","data":[{"id":"fake-model"}]}).encode()
            self.send_response(200)
            self.send_header("Content-Type", "application/json")
            self.send_header("Content-Length", str(len(body)))
            self.end_headers()
            self.wfile.write(body)
        else:
            self.send_response(404)
            self.end_headers()
    def log_message(self, *args):
        pass

http.server.HTTPServer(("127.0.0.1", %d), H).serve_forever()
`, port)

	cmd := exec.Command("python3", "-c", script)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
		if err == nil {
			resp.Body.Close()
			return cmd
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("fake child on port %d never became reachable", port)
	return cmd
}

func TestSupervisorReachesReadyAndRegistersBothRecords(t *testing.T) {
	regSrv := registryserver.NewServer(log.NewNopLogger(), registryserver.DefaultConfig())
	httpSrv := httptest.NewServer(regSrv.Handler())
	defer httpSrv.Close()

	registry := registryclient.New(httpSrv.URL, time.Second)
	childPort := freePort(t)
	spawnFakeChild(t, childPort)

	cfg := DefaultSupervisorConfig()
	cfg.BackendName = "test-backend"
	cfg.AdvertiseHost = "127.0.0.1"
	cfg.SelfPort = childPort + 1
	cfg.ChildSpec = LaunchSpec{Command: "sleep", Args: []string{"100"}, Port: childPort}
	cfg.ProbeInterval = 20 * time.Millisecond
	cfg.ReadyTimeout = 2 * time.Second
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.DiscoveryInterval = time.Minute

	sup := NewSupervisor(log.NewNopLogger(), cfg, registry)
	// The real HTTP server answering /health and /models is the python3
	// process spawned above; the supervisor's own child is a long-lived
	// placeholder process so Spawn/Wait/Terminate exercise a real PID
	// without a second listener racing for childPort.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go sup.Run(ctx)

	deadline := time.Now().Add(2500 * time.Millisecond)
	for time.Now().Before(deadline) && !sup.Ready() {
		time.Sleep(20 * time.Millisecond)
	}
	require.True(t, sup.Ready(), "supervisor must reach Ready once the child's /health and /models succeed")

	rec, err := registry.Get(context.Background(), "test-backend")
	require.NoError(t, err)
	assert.Equal(t, "fake-model", rec.Metadata.Models[0])

	_, err = registry.Get(context.Background(), "test-backend-babysitter")
	require.NoError(t, err)
}
