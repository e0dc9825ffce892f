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

// Package cache provides keyed caches for job instances: key computation,
// content fingerprints, archive encoding and pluggable blob stores.
package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by stores when no entry matches.
var ErrNotFound = errors.New("cache entry not found")

// Entry describes one stored cache blob.
type Entry struct {
	// Key is the full cache key
	Key string `json:"key"`

	// Paths are the cache path patterns the blob was built from
	Paths []string `json:"paths"`

	// SavedAt is when the blob was archived; restores do not overwrite
	// files modified after it unless forced
	SavedAt time.Time `json:"saved_at"`

	// Size is the compressed blob size in bytes
	Size int64 `json:"size"`
}

// Store maps cache keys to blobs.
type Store interface {
	// Get returns the entry stored under exactly key, or ErrNotFound.
	// The caller closes the returned reader.
	Get(ctx context.Context, key string) (Entry, io.ReadCloser, error)

	// Put stores blob under entry.Key, replacing any previous blob.
	Put(ctx context.Context, entry Entry, blob io.Reader) error

	// Find returns the most recently saved entry whose key starts with
	// prefix, or ErrNotFound.
	Find(ctx context.Context, prefix string) (Entry, error)

	// List returns all entries.
	List(ctx context.Context) ([]Entry, error)

	// Delete removes the entry stored under key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// newest returns the most recently saved entry with the given key prefix.
func newest(entries []Entry, prefix string) (Entry, error) {
	var best Entry
	found := false
	for _, e := range entries {
		if len(e.Key) < len(prefix) || e.Key[:len(prefix)] != prefix {
			continue
		}
		if !found || e.SavedAt.After(best.SavedAt) {
			best = e
			found = true
		}
	}
	if !found {
		return Entry{}, ErrNotFound
	}
	return best, nil
}
