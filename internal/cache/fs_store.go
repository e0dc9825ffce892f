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

package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	sherrors "github.com/tombee/stagehand/pkg/errors"
)

const (
	blobFile     = "blob.tar.zst"
	metadataFile = "metadata.json"
)

// FSStore stores cache entries on the local filesystem.
// Structure: basePath/<hash of key>/{blob.tar.zst,metadata.json}
type FSStore struct {
	basePath string
}

// NewFSStore creates a filesystem store rooted at basePath.
func NewFSStore(basePath string) (*FSStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, sherrors.Wrap(err, "failed to create cache directory")
	}
	return &FSStore{basePath: basePath}, nil
}

// Get implements Store.
func (s *FSStore) Get(_ context.Context, key string) (Entry, io.ReadCloser, error) {
	entryPath := s.entryPath(key)
	blobPath := filepath.Join(entryPath, blobFile)
	metadataPath := filepath.Join(entryPath, metadataFile)

	if !fileExists(blobPath) || !fileExists(metadataPath) {
		return Entry{}, nil, ErrNotFound
	}

	entry, err := loadMetadata(metadataPath)
	if err != nil {
		return Entry{}, nil, sherrors.Wrap(err, "failed to load metadata")
	}

	f, err := os.Open(blobPath)
	if err != nil {
		return Entry{}, nil, sherrors.Wrap(err, "failed to open cached blob")
	}
	return entry, f, nil
}

// Put implements Store. The blob is written to a temporary file and
// renamed into place so readers never observe a partial blob.
func (s *FSStore) Put(_ context.Context, entry Entry, blob io.Reader) error {
	entryPath := s.entryPath(entry.Key)
	if err := os.MkdirAll(entryPath, 0o755); err != nil {
		return sherrors.Wrap(err, "failed to create cache directory")
	}

	tmp, err := os.CreateTemp(entryPath, blobFile+".*")
	if err != nil {
		return sherrors.Wrap(err, "failed to create blob")
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, blob)
	if err := sherrors.Join(err, tmp.Close()); err != nil {
		return sherrors.Wrap(err, "failed to write blob")
	}

	if err := os.Rename(tmp.Name(), filepath.Join(entryPath, blobFile)); err != nil {
		return sherrors.Wrap(err, "failed to store blob")
	}

	entry.Size = n
	if err := saveMetadata(filepath.Join(entryPath, metadataFile), entry); err != nil {
		return sherrors.Wrap(err, "failed to write metadata")
	}
	return nil
}

// Find implements Store.
func (s *FSStore) Find(ctx context.Context, prefix string) (Entry, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return Entry{}, err
	}
	return newest(entries, prefix)
}

// List implements Store. Entries with unreadable metadata are skipped.
func (s *FSStore) List(_ context.Context) ([]Entry, error) {
	dirs, err := os.ReadDir(s.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, sherrors.Wrap(err, "failed to read cache directory")
	}

	entries := []Entry{}
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		metadataPath := filepath.Join(s.basePath, dir.Name(), metadataFile)
		if !fileExists(metadataPath) {
			continue
		}
		entry, err := loadMetadata(metadataPath)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Delete implements Store.
func (s *FSStore) Delete(_ context.Context, key string) error {
	if err := os.RemoveAll(s.entryPath(key)); err != nil {
		return sherrors.Wrap(err, "failed to delete cache entry")
	}
	return nil
}

// Path returns the store root.
func (s *FSStore) Path() string {
	return s.basePath
}

func (s *FSStore) entryPath(key string) string {
	sum := blake3.Sum256([]byte(key))
	return filepath.Join(s.basePath, hex.EncodeToString(sum[:16]))
}

func loadMetadata(path string) (Entry, error) {
	var entry Entry

	data, err := os.ReadFile(path)
	if err != nil {
		return entry, err
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, err
	}
	return entry, nil
}

func saveMetadata(path string, entry Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
