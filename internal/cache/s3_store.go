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
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	metaKey     = "Stagehand-Key"
	metaSavedAt = "Stagehand-Saved-At"
	metaPaths   = "Stagehand-Paths"
	blobSuffix  = ".tar.zst"
)

// S3Config configures an S3Store.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Validate checks the configuration.
func (c S3Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("endpoint is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

// S3Store stores cache entries in an S3-compatible bucket. Object names are
// the path-escaped cache key under Prefix, so key prefixes map to object
// name prefixes.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Store creates a store backed by the configured bucket. Credentials
// fall back to the standard AWS environment variables when not set.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid s3 cache config: %w", err)
	}

	creds := credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	if cfg.AccessKey == "" {
		creds = credentials.NewEnvAWS()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     creds,
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	return NewS3StoreWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3StoreWithClient wraps an existing client.
func NewS3StoreWithClient(client *minio.Client, bucket, prefix string) *S3Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, key string) (Entry, io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectName(key), minio.GetObjectOptions{})
	if err != nil {
		return Entry{}, nil, s.translate(err)
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return Entry{}, nil, s.translate(err)
	}
	return entryFromInfo(key, info), obj, nil
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, entry Entry, blob io.Reader) error {
	size := entry.Size
	if size <= 0 {
		size = -1
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.objectName(entry.Key), blob, size, minio.PutObjectOptions{
		ContentType: "application/zstd",
		UserMetadata: map[string]string{
			metaKey:     url.QueryEscape(entry.Key),
			metaSavedAt: entry.SavedAt.UTC().Format(time.RFC3339Nano),
			metaPaths:   url.QueryEscape(strings.Join(entry.Paths, "\n")),
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", entry.Key, err)
	}
	return nil
}

// Find implements Store. Recency is taken from the object's last
// modification time.
func (s *S3Store) Find(ctx context.Context, prefix string) (Entry, error) {
	var best minio.ObjectInfo
	found := false
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix + url.PathEscape(prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return Entry{}, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		if !strings.HasSuffix(obj.Key, blobSuffix) {
			continue
		}
		if !found || obj.LastModified.After(best.LastModified) {
			best = obj
			found = true
		}
	}
	if !found {
		return Entry{}, ErrNotFound
	}

	key, ok := s.keyFromObject(best.Key)
	if !ok {
		return Entry{}, ErrNotFound
	}
	info, err := s.client.StatObject(ctx, s.bucket, best.Key, minio.StatObjectOptions{})
	if err != nil {
		return Entry{}, s.translate(err)
	}
	return entryFromInfo(key, info), nil
}

// List implements Store.
func (s *S3Store) List(ctx context.Context) ([]Entry, error) {
	entries := []Entry{}
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list: %w", obj.Err)
		}
		key, ok := s.keyFromObject(obj.Key)
		if !ok {
			continue
		}
		entries = append(entries, Entry{Key: key, SavedAt: obj.LastModified, Size: obj.Size})
	}
	return entries, nil
}

// Delete implements Store.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.objectName(key), minio.RemoveObjectOptions{})
	if err != nil && s.translate(err) != ErrNotFound {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) objectName(key string) string {
	return s.prefix + url.PathEscape(key) + blobSuffix
}

func (s *S3Store) keyFromObject(name string) (string, bool) {
	escaped, ok := strings.CutPrefix(name, s.prefix)
	if !ok {
		return "", false
	}
	escaped, ok = strings.CutSuffix(escaped, blobSuffix)
	if !ok {
		return "", false
	}
	key, err := url.PathUnescape(escaped)
	if err != nil {
		return "", false
	}
	return key, true
}

func (s *S3Store) translate(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return ErrNotFound
	}
	return err
}

func entryFromInfo(key string, info minio.ObjectInfo) Entry {
	entry := Entry{Key: key, SavedAt: info.LastModified, Size: info.Size}
	for k, v := range info.UserMetadata {
		switch {
		case strings.EqualFold(k, metaSavedAt):
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				entry.SavedAt = t
			}
		case strings.EqualFold(k, metaPaths):
			if paths, err := url.QueryUnescape(v); err == nil && paths != "" {
				entry.Paths = strings.Split(paths, "\n")
			}
		}
	}
	return entry
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
