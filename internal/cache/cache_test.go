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
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sherrors "github.com/tombee/stagehand/pkg/errors"
	"github.com/tombee/stagehand/pkg/pipeline"
	"github.com/tombee/stagehand/pkg/pipeline/expression"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestArchiveExtract_RoundTrip(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		".cache/pip/a.whl":     "wheel-a",
		".cache/pip/sub/b.whl": "wheel-b",
		"other.txt":            "ignored",
	})

	var buf bytes.Buffer
	n, err := Archive(&buf, src, []string{".cache/pip"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dst := t.TempDir()
	stats, err := Extract(&buf, dst, time.Now(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)

	assert.Equal(t, "wheel-a", readFile(t, filepath.Join(dst, ".cache/pip/a.whl")))
	assert.Equal(t, "wheel-b", readFile(t, filepath.Join(dst, ".cache/pip/sub/b.whl")))
	assert.NoFileExists(t, filepath.Join(dst, "other.txt"))
}

func TestExtract_KeepsNewerFiles(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"deps/lock": "cached"})

	var buf bytes.Buffer
	_, err := Archive(&buf, src, []string{"deps/**"})
	require.NoError(t, err)
	archive := buf.Bytes()
	savedAt := time.Now().Add(-time.Hour)

	dst := t.TempDir()
	writeFiles(t, dst, map[string]string{"deps/lock": "edited"})

	stats, err := Extract(bytes.NewReader(archive), dst, savedAt, false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, "edited", readFile(t, filepath.Join(dst, "deps/lock")))

	stats, err = Extract(bytes.NewReader(archive), dst, savedAt, true)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, "cached", readFile(t, filepath.Join(dst, "deps/lock")))
}

func TestArchive_RejectsEscapingPath(t *testing.T) {
	_, err := Archive(io.Discard, t.TempDir(), []string{"../outside"})
	assert.Error(t, err)
}

func TestArchive_ReleasesEncoderOnError(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"deps/big": string(bytes.Repeat([]byte("x"), 1<<20))})

	before := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		_, err := Archive(io.Discard, src, []string{"deps", "../outside"})
		require.Error(t, err)
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 20*time.Millisecond, "zstd encoder goroutines leaked")
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"requirements.txt": "torch==1.6.0",
		"setup.py":         "setup()",
	})
	ctx := context.Background()

	a, err := Fingerprint(ctx, dir, []string{"requirements.txt", "setup.py"})
	require.NoError(t, err)
	b, err := Fingerprint(ctx, dir, []string{"setup.py", "*.txt"})
	require.NoError(t, err)
	assert.Equal(t, a, b, "fingerprint must not depend on pattern order")
	assert.Len(t, a, 64)

	writeFiles(t, dir, map[string]string{"requirements.txt": "torch==1.5.0"})
	c, err := Fingerprint(ctx, dir, []string{"requirements.txt", "setup.py"})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	empty, err := Fingerprint(ctx, dir, []string{"*.lock"})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFSStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)

	_, _, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, store.Put(ctx, Entry{Key: "pip-linux-aaa", SavedAt: old}, bytes.NewReader([]byte("old"))))
	require.NoError(t, store.Put(ctx, Entry{Key: "pip-linux-bbb", SavedAt: time.Now()}, bytes.NewReader([]byte("new"))))
	require.NoError(t, store.Put(ctx, Entry{Key: "npm-linux", SavedAt: time.Now()}, bytes.NewReader([]byte("npm"))))

	entry, body, err := store.Get(ctx, "pip-linux-aaa")
	require.NoError(t, err)
	data, _ := io.ReadAll(body)
	body.Close()
	assert.Equal(t, "old", string(data))
	assert.Equal(t, int64(3), entry.Size)

	found, err := store.Find(ctx, "pip-linux-")
	require.NoError(t, err)
	assert.Equal(t, "pip-linux-bbb", found.Key)

	_, err = store.Find(ctx, "cargo-")
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	require.NoError(t, store.Delete(ctx, "npm-linux"))
	entries, err = store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func scope() *expression.Scope {
	return &expression.Scope{
		Run: pipeline.NewRunContext(pipeline.RunContextOptions{
			Event:   "push",
			Ref:     "refs/heads/master",
			Secrets: map[string]string{"TOKEN": "s3cret"},
		}),
		Matrix:  pipeline.MatrixValues{{Name: "python", Value: "3.7"}},
		Success: true,
	}
}

func newManager(t *testing.T, store Store) *Manager {
	t.Helper()
	return NewManager(ManagerConfig{Store: store})
}

func TestManager_Resolve(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"requirements.txt": "torch"})
	m := newManager(t, nil)
	ctx := context.Background()

	r, err := m.Resolve(ctx, pipeline.CacheDefinition{
		Path:        pipeline.StringList{"~/.cache/pip"},
		Key:         "pip-${{ matrix.python }}",
		RestoreKeys: pipeline.StringList{"pip-${{ matrix.python }}-", "pip-"},
		HashFiles:   pipeline.StringList{"requirements.txt"},
	}, scope(), dir)
	require.NoError(t, err)

	fp, err := Fingerprint(ctx, dir, []string{"requirements.txt"})
	require.NoError(t, err)
	assert.Equal(t, "pip-3.7-"+fp, r.Key)
	assert.Equal(t, []string{"pip-3.7-", "pip-"}, r.RestoreKeys)

	again, err := m.Resolve(ctx, pipeline.CacheDefinition{
		Key:       "pip-${{ matrix.python }}",
		HashFiles: pipeline.StringList{"requirements.txt"},
	}, scope(), dir)
	require.NoError(t, err)
	assert.Equal(t, r.Key, again.Key, "key computation is idempotent over unchanged inputs")
}

func TestManager_ResolveRejectsSecrets(t *testing.T) {
	m := newManager(t, nil)
	_, err := m.Resolve(context.Background(), pipeline.CacheDefinition{Key: "k-${{ secrets.TOKEN }}"}, scope(), t.TempDir())

	var cacheErr *sherrors.CacheError
	assert.ErrorAs(t, err, &cacheErr)
}

func TestManager_SaveRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	m := newManager(t, store)

	ws := t.TempDir()
	writeFiles(t, ws, map[string]string{"build/out.bin": "artifact"})
	r := Resolved{Paths: []string{"build"}, Key: "build-abc"}

	restored, err := m.Restore(ctx, r, ws)
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, restored.Status)
	require.NoError(t, m.Save(ctx, restored, ws))

	fresh := t.TempDir()
	got, err := newManager(t, store).Restore(ctx, r, fresh)
	require.NoError(t, err)
	assert.Equal(t, StatusHit, got.Status)
	assert.Equal(t, "build-abc", got.MatchedKey)
	assert.Equal(t, "artifact", readFile(t, filepath.Join(fresh, "build/out.bin")))
}

func TestManager_RestoreKeyOrder(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	seed := func(key, content string, savedAt time.Time) {
		src := t.TempDir()
		writeFiles(t, src, map[string]string{"dep/file": content})
		var buf bytes.Buffer
		_, err := Archive(&buf, src, []string{"dep"})
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, Entry{Key: key, SavedAt: savedAt}, &buf))
	}
	now := time.Now()
	seed("pip-3.7-old", "old", now.Add(-2*time.Hour))
	seed("pip-3.7-new", "new", now.Add(-time.Hour))
	seed("pip-", "exact-fallback", now.Add(-3*time.Hour))

	tests := []struct {
		name        string
		restoreKeys []string
		wantKey     string
		wantContent string
	}{
		{"newest prefix match", []string{"pip-3.7-"}, "pip-3.7-new", "new"},
		{"exact restore key before prefix", []string{"pip-"}, "pip-", "exact-fallback"},
		{"first restore key wins", []string{"pip-3.8-", "pip-3.7-"}, "pip-3.7-new", "new"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := t.TempDir()
			got, err := newManager(t, store).Restore(ctx, Resolved{
				Paths:       []string{"dep"},
				Key:         "pip-3.7-current",
				RestoreKeys: tt.restoreKeys,
			}, ws)
			require.NoError(t, err)
			assert.Equal(t, StatusPartial, got.Status)
			assert.Equal(t, tt.wantKey, got.MatchedKey)
			assert.Equal(t, tt.wantContent, readFile(t, filepath.Join(ws, "dep/file")))
		})
	}
}

type countingStore struct {
	Store
	mu   sync.Mutex
	puts int
}

func (s *countingStore) Put(ctx context.Context, entry Entry, blob io.Reader) error {
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
	return s.Store.Put(ctx, entry, blob)
}

func TestManager_SavesOncePerKey(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	store := &countingStore{Store: fs}
	m := newManager(t, store)

	ws := t.TempDir()
	writeFiles(t, ws, map[string]string{"out/x": "x"})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := Restored{Resolved: Resolved{Paths: []string{"out"}, Key: "same"}, Status: StatusMiss}
			assert.NoError(t, m.Save(ctx, r, ws))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, store.puts)

	require.NoError(t, m.Save(ctx, Restored{Resolved: Resolved{Key: "hit"}, Status: StatusHit}, t.TempDir()))
	assert.Equal(t, 1, store.puts)
}

type brokenStore struct{}

var errUnreachable = errors.New("store unreachable")

func (brokenStore) Get(context.Context, string) (Entry, io.ReadCloser, error) {
	return Entry{}, nil, errUnreachable
}
func (brokenStore) Put(context.Context, Entry, io.Reader) error { return errUnreachable }
func (brokenStore) Find(context.Context, string) (Entry, error) { return Entry{}, errUnreachable }
func (brokenStore) List(context.Context) ([]Entry, error) { return nil, errUnreachable }
func (brokenStore) Delete(context.Context, string) error { return errUnreachable }

func TestManager_StoreErrorsDegradeToMiss(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, brokenStore{})
	ws := t.TempDir()
	writeFiles(t, ws, map[string]string{"out/x": "x"})

	got, err := m.Restore(ctx, Resolved{Paths: []string{"out"}, Key: "k"}, ws)
	assert.Equal(t, StatusMiss, got.Status)
	var cacheErr *sherrors.CacheError
	require.ErrorAs(t, err, &cacheErr)
	assert.Equal(t, "restore", cacheErr.Op)
	assert.ErrorIs(t, err, errUnreachable)

	err = m.Save(ctx, got, ws)
	require.ErrorAs(t, err, &cacheErr)
	assert.Equal(t, "save", cacheErr.Op)
}
