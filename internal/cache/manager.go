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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tombee/stagehand/internal/log"
	"github.com/tombee/stagehand/internal/metrics"
	sherrors "github.com/tombee/stagehand/pkg/errors"
	"github.com/tombee/stagehand/pkg/pipeline"
	"github.com/tombee/stagehand/pkg/pipeline/expression"
)

// Status is the result of a restore.
type Status string

const (
	// StatusHit means the exact key was restored.
	StatusHit Status = "hit"

	// StatusPartial means a restore key matched; the entry is saved again.
	StatusPartial Status = "partial"

	// StatusMiss means nothing was restored.
	StatusMiss Status = "miss"
)

// Resolved is a cache definition with its keys rendered for one instance.
type Resolved struct {
	Paths       []string
	Key         string
	RestoreKeys []string
}

// Restored is the outcome of restoring a Resolved cache.
type Restored struct {
	Resolved

	Status Status

	// MatchedKey is the key of the restored entry, empty on a miss
	MatchedKey string

	// Stats describes the extraction
	Stats ExtractStats
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Store     Store
	Evaluator *expression.Evaluator

	// Force lets restores overwrite files modified after the entry was saved
	Force bool

	Logger *slog.Logger
}

// Manager computes cache keys and restores and saves entries for job
// instances. Access to one key is serialised; distinct keys proceed in
// parallel. Each key is saved at most once per Manager, which lives for
// one run.
type Manager struct {
	store  Store
	eval   *expression.Evaluator
	force  bool
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	saved map[string]bool
}

// NewManager creates a cache manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	eval := cfg.Evaluator
	if eval == nil {
		eval = expression.New()
	}
	return &Manager{
		store:  cfg.Store,
		eval:   eval,
		force:  cfg.Force,
		logger: log.WithComponent(logger, "cache"),
		locks:  make(map[string]*sync.Mutex),
		saved:  make(map[string]bool),
	}
}

// Resolve renders the key template and restore keys of def against scope
// and appends the hash-files fingerprint to the key. Secrets are not
// available to key templates.
func (m *Manager) Resolve(ctx context.Context, def pipeline.CacheDefinition, scope *expression.Scope, workspace string) (Resolved, error) {
	keyScope := *scope
	keyScope.ExcludeSecrets = true

	key, err := m.eval.Interpolate(def.Key, &keyScope)
	if err != nil {
		return Resolved{}, &sherrors.CacheError{Op: "key", Key: def.Key, Cause: err}
	}

	if len(def.HashFiles) > 0 {
		fp, err := Fingerprint(ctx, workspace, def.HashFiles)
		if err != nil {
			metrics.RecordCacheError("fingerprint", err)
			return Resolved{}, &sherrors.CacheError{Op: "fingerprint", Key: key, Cause: err}
		}
		if fp != "" {
			key += "-" + fp
		}
	}

	restoreKeys := make([]string, 0, len(def.RestoreKeys))
	for _, rk := range def.RestoreKeys {
		rendered, err := m.eval.Interpolate(rk, &keyScope)
		if err != nil {
			return Resolved{}, &sherrors.CacheError{Op: "key", Key: rk, Cause: err}
		}
		restoreKeys = append(restoreKeys, rendered)
	}

	return Resolved{Paths: def.Path, Key: key, RestoreKeys: restoreKeys}, nil
}

// Restore materialises the best matching entry into workspace: the exact
// key first, then each restore key as an exact key and then as a prefix.
// Store failures degrade to a miss and are returned as a CacheError for
// the caller to record.
func (m *Manager) Restore(ctx context.Context, r Resolved, workspace string) (Restored, error) {
	unlock := m.lock(r.Key)
	defer unlock()

	result := Restored{Resolved: r, Status: StatusMiss}
	logger := m.logger.With(log.CacheKeyKey, r.Key)

	entry, body, err := m.lookup(ctx, r)
	if errors.Is(err, ErrNotFound) {
		logger.Debug("cache miss")
		metrics.RecordCacheLookup(string(StatusMiss))
		return result, nil
	}
	if err != nil {
		metrics.RecordCacheError("get", err)
		metrics.RecordCacheLookup(string(StatusMiss))
		logger.Warn("cache lookup failed", log.Error(err))
		return result, &sherrors.CacheError{Op: "restore", Key: r.Key, Cause: err}
	}
	defer body.Close()

	stats, err := Extract(body, workspace, entry.SavedAt, m.force)
	if err != nil {
		metrics.RecordCacheError("extract", err)
		metrics.RecordCacheLookup(string(StatusMiss))
		logger.Warn("cache restore failed", "matched_key", entry.Key, log.Error(err))
		return result, &sherrors.CacheError{Op: "restore", Key: entry.Key, Cause: err}
	}

	result.MatchedKey = entry.Key
	result.Stats = stats
	result.Status = StatusPartial
	if entry.Key == r.Key {
		result.Status = StatusHit
	}
	metrics.RecordCacheLookup(string(result.Status))
	logger.Info("cache restored",
		"status", result.Status,
		"matched_key", entry.Key,
		"files", stats.Files,
		"skipped", stats.Skipped)
	return result, nil
}

func (m *Manager) lookup(ctx context.Context, r Resolved) (Entry, io.ReadCloser, error) {
	candidates := append([]string{r.Key}, r.RestoreKeys...)
	for i, key := range candidates {
		entry, body, err := m.store.Get(ctx, key)
		if err == nil {
			return entry, body, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Entry{}, nil, err
		}
		if i == 0 {
			continue
		}

		entry, err = m.store.Find(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Entry{}, nil, err
		}
		return m.store.Get(ctx, entry.Key)
	}
	return Entry{}, nil, ErrNotFound
}

// Save archives the cache paths from workspace under the resolved key. It
// does nothing after an exact hit or when the key was already saved during
// this run.
func (m *Manager) Save(ctx context.Context, r Restored, workspace string) error {
	if r.Status == StatusHit {
		return nil
	}

	unlock := m.lock(r.Key)
	defer unlock()

	m.mu.Lock()
	done := m.saved[r.Key]
	m.mu.Unlock()
	if done {
		m.logger.Debug("cache already saved this run", log.CacheKeyKey, r.Key)
		return nil
	}

	if err := m.save(ctx, r.Resolved, workspace); err != nil {
		metrics.RecordCacheError("put", err)
		m.logger.Warn("cache save failed", log.CacheKeyKey, r.Key, log.Error(err))
		return &sherrors.CacheError{Op: "save", Key: r.Key, Cause: err}
	}

	m.mu.Lock()
	m.saved[r.Key] = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) save(ctx context.Context, r Resolved, workspace string) error {
	tmp, err := os.CreateTemp("", "stagehand-cache-*.tar.zst")
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	savedAt := time.Now()
	files, err := Archive(tmp, workspace, r.Paths)
	if err != nil {
		return err
	}
	if files == 0 {
		m.logger.Warn("cache paths matched no files, not saving", log.CacheKeyKey, r.Key)
		return nil
	}

	info, err := tmp.Stat()
	if err != nil {
		return err
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return err
	}

	entry := Entry{Key: r.Key, Paths: r.Paths, SavedAt: savedAt, Size: info.Size()}
	if err := m.store.Put(ctx, entry, tmp); err != nil {
		return err
	}
	m.logger.Info("cache saved", log.CacheKeyKey, r.Key, "files", files, "bytes", info.Size())
	return nil
}

func (m *Manager) lock(key string) func() {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}
