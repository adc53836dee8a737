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

// Package buildinfo exposes the small amount of build/version metadata each
// binary reports on its own /version or /info endpoint.
package buildinfo

import (
	"net/http"
	"runtime"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/common/version"

	"github.com/llmfleet/control-plane/internal/apiresponse"
)

// Info is the JSON body written by Handler.
type Info struct {
	Binary    string    `json:"binary"`
	Version   string    `json:"version"`
	Revision  string    `json:"revision"`
	GoVersion string    `json:"go_version"`
	StartedAt time.Time `json:"started_at"`
}

// Handler returns a handler reporting binaryName's build metadata and uptime
// since startedAt.
func Handler(logger log.Logger, binaryName string, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		apiresponse.WriteJSON(logger, w, http.StatusOK, Info{
			Binary:    binaryName,
			Version:   version.Version,
			Revision:  version.Revision,
			GoVersion: runtime.Version(),
			StartedAt: startedAt,
		})
	}
}
