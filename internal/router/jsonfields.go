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
	"bytes"
	"encoding/json"
)

// RoutingKeys are the only fields the Router ever needs out of a request
// body (spec.md §4.3.3 step 1). BodySize is the raw byte length of the body
// as read off the wire, independent of whether the JSON parsed cleanly.
type RoutingKeys struct {
	Model          string
	PromptCacheKey string
	BodySize       int
}

// ExtractRoutingKeys performs a targeted, single top-level-key scan of body,
// pulling out "model" and "prompt_cache_key" as strings and skipping every
// other top-level value (notably "messages"/"prompt") without unmarshaling
// it into a typed structure. Parsing is tolerant: malformed JSON or a
// missing field yields zero values and never aborts routing, matching the
// "parsing must be tolerant" rule in spec.md §4.3.3.
//
// The caller is expected to forward the original body bytes unchanged;
// this function only reads them to extract routing keys, never to rebuild
// a request body.
func ExtractRoutingKeys(body []byte) RoutingKeys {
	keys := RoutingKeys{BodySize: len(body)}
	if len(body) == 0 {
		return keys
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	tok, err := dec.Token()
	if err != nil {
		return keys
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return keys
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return keys
		}
		key, ok := keyTok.(string)
		if !ok {
			return keys
		}

		switch key {
		case "model":
			var v string
			if err := dec.Decode(&v); err != nil {
				return keys
			}
			keys.Model = v
		case "prompt_cache_key":
			var v string
			if err := dec.Decode(&v); err != nil {
				return keys
			}
			keys.PromptCacheKey = v
		default:
			// Skip the value without materializing it into a typed value;
			// RawMessage only copies the already-buffered bytes.
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return keys
			}
		}
	}
	return keys
}
