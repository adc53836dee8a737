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

// Package apiresponse writes the small JSON envelopes shared by the Registry
// and Router HTTP APIs.
package apiresponse

import (
	"encoding/json"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// List is the envelope returned by GET /models and similar list endpoints.
type List[T any] struct {
	Object string `json:"object"`
	Data   []T    `json:"data"`
}

// WriteList writes a {"object":"list","data":[...]} envelope.
func WriteList[T any](logger log.Logger, w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	WriteJSON(logger, w, http.StatusOK, List[T]{Object: "list", Data: items})
}

// Error is the envelope returned on failures: {"error": "..."}.
type Error struct {
	Error string `json:"error"`
}

// WriteError writes an {"error": "..."} body with the given status code.
func WriteError(logger log.Logger, w http.ResponseWriter, status int, msg string) {
	WriteJSON(logger, w, status, Error{Error: msg})
}

// WriteJSON marshals v and writes it with the given status code, logging and
// falling back to a generic error body if marshaling fails.
func WriteJSON(logger log.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")

	body, err := json.Marshal(v)
	if err != nil {
		_ = level.Error(logger).Log("msg", "failed to marshal response", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"failed to marshal response"}`))
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		_ = level.Error(logger).Log("msg", "failed to write response", "err", err)
	}
}
