// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
)

const appName = "stagehand"

// xdgDir resolves an XDG base directory for stagehand, falling back to
// ~/<fallback> when the variable is unset, and to the temp dir when there
// is no home directory.
func xdgDir(envVar, fallback string) string {
	if base := os.Getenv(envVar); base != "" {
		return filepath.Join(base, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appName)
	}
	return filepath.Join(home, fallback, appName)
}

// ConfigDir returns the XDG config directory for stagehand.
// Respects XDG_CONFIG_HOME; defaults to ~/.config/stagehand.
func ConfigDir() string {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// DataDir returns the XDG data directory, used for run history.
// Respects XDG_DATA_HOME; defaults to ~/.local/share/stagehand.
func DataDir() string {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// CacheDir returns the XDG cache directory, used for the filesystem cache store.
// Respects XDG_CACHE_HOME; defaults to ~/.cache/stagehand.
func CacheDir() string {
	return xdgDir("XDG_CACHE_HOME", ".cache")
}

// DefaultPath returns the full path to the default config file.
func DefaultPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
