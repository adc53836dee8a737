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

// Package config provides the small amount of shared machinery all three
// cmd/* binaries use to layer an optional YAML config file underneath their
// kingpin flags (spec.md §6: "format-agnostic... flags override file
// values"). Each binary defines its own YAML-tagged struct; this package
// only knows how to find the config file path before flags are registered
// and how to read it.
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PreScanConfigFile finds a --config-file value in args without running a
// full flag parse, so its contents can seed kingpin flag defaults before
// app.Parse() is called. Explicit flags always win because they're applied
// on top of these defaults during the real parse.
func PreScanConfigFile(args []string) string {
	for i, a := range args {
		if a == "--config-file" && i+1 < len(args) {
			return args[i+1]
		}
		if rest, ok := strings.CutPrefix(a, "--config-file="); ok {
			return rest
		}
	}
	return ""
}

// LoadYAMLFile reads path, if non-empty, and unmarshals it into v. A missing
// path is not an error; a missing file or malformed YAML is.
func LoadYAMLFile(path string, v any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}

// IntOr returns v unless it's the zero value, in which case it returns
// fallback. Used to let a config-file field of 0 mean "use the spec
// default" rather than "use zero".
func IntOr(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

// StringOr returns v unless it's empty, in which case it returns fallback.
func StringOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// DurationOr returns v unless it's zero, in which case it returns fallback.
func DurationOr(v, fallback time.Duration) time.Duration {
	if v == 0 {
		return fallback
	}
	return v
}
