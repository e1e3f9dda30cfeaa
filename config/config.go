// Copyright 2025 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds isold's runtime options and resolves the
// isolation-capable cpu set against the environment's subset selection.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cpuisol/isold/cpuset"
	"github.com/cpuisol/isold/platform"
)

// Config is the full set of options the manager needs at startup. The
// zero value is not meaningful; use DefaultConfig.
type Config struct {
	// RunDir holds the control socket and its .LCK sibling.
	RunDir string
	// SocketName is the base name of the control socket, before any
	// subset suffix is appended.
	SocketName string

	StartTimeout   time.Duration
	RestartDelay   time.Duration
	IdlePoll       time.Duration
	SweepInterval  time.Duration
	CPUSubsetsFile string

	// LogLevel is a zerolog level name ("debug", "info", "warn", ...).
	LogLevel string
}

// DefaultConfig mirrors spec.md's numeric defaults, following the
// teacher's small-option-struct-plus-DefaultOption() convention.
func DefaultConfig() Config {
	return Config{
		RunDir:         "/run/isold",
		SocketName:     "isol_server",
		StartTimeout:   20 * time.Second,
		RestartDelay:   3 * time.Second,
		IdlePoll:       200 * time.Millisecond,
		SweepInterval:  3 * time.Second,
		CPUSubsetsFile: "/etc/cpu_subsets",
		LogLevel:       "info",
	}
}

// LoadFromEnv overlays environment-driven overrides onto a base Config.
// Only CPU_SUBSET_ID / CPU_SUBSET affect cpu selection (see
// ResolveIsolationCPUs); ISOLD_RUN_DIR and ISOLD_LOG_LEVEL are
// additional conveniences with no spec.md analog.
func LoadFromEnv(base Config) Config {
	c := base
	if v := os.Getenv("ISOLD_RUN_DIR"); v != "" {
		c.RunDir = v
	}
	if v := os.Getenv("ISOLD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return c
}

// SocketPath returns the control socket path, suffixed with the subset
// id when one is selected.
func (c Config) SocketPath(subsetID string) string {
	name := c.SocketName
	if subsetID != "" {
		name += "." + subsetID
	}
	return filepath.Join(c.RunDir, name)
}

// ResolveIsolationCPUs implements spec's CPU subset resolution: the
// platform's isolation-capable cpu list, optionally intersected with a
// named subset drawn from CPU_SUBSET (inline) or CPUSubsetsFile.
func ResolveIsolationCPUs(c Config, plat platform.Platform, getenv func(string) string) (cpuset.Set, string, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	capable, err := plat.IsolationCapableCPUs()
	if err != nil {
		return cpuset.Set{}, "", fmt.Errorf("config: reading isolation-capable cpus: %w", err)
	}

	subsetID := getenv("CPU_SUBSET_ID")
	if subsetID == "" {
		return capable, "", nil
	}

	var subset cpuset.Set
	if inline := getenv("CPU_SUBSET"); inline != "" {
		subset, err = cpuset.Parse(inline)
		if err != nil {
			return cpuset.Set{}, "", fmt.Errorf("config: parsing CPU_SUBSET: %w", err)
		}
	} else {
		f, err := os.Open(c.CPUSubsetsFile)
		if err != nil {
			return cpuset.Set{}, "", fmt.Errorf("config: opening %s: %w", c.CPUSubsetsFile, err)
		}
		defer f.Close()
		subset, err = cpuset.ParseSubsetFile(f, subsetID)
		if err != nil {
			return cpuset.Set{}, "", fmt.Errorf("config: resolving CPU_SUBSET_ID=%s: %w", subsetID, err)
		}
	}

	return cpuset.Intersect(capable, subset), subsetID, nil
}
