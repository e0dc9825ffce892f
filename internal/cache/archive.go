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
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/zstd"

	sherrors "github.com/tombee/stagehand/pkg/errors"
)

// Archive entry names are rooted so extraction can tell workspace-relative
// paths from absolute ones.
const (
	workspaceRoot = "ws/"
	absoluteRoot  = "abs/"
)

// ExtractStats summarises an extraction.
type ExtractStats struct {
	// Files is the number of files written
	Files int

	// Skipped is the number of files left alone because they were modified
	// after the entry was saved
	Skipped int
}

// Archive writes a zstd-compressed tar of every file matched by patterns.
// Relative patterns resolve against dir; patterns starting with "~/" are
// expanded to the home directory. Matched directories are archived
// recursively. It returns the archived file count.
func Archive(w io.Writer, dir string, patterns []string) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, sherrors.Wrap(err, "failed to create zstd writer")
	}
	tw := tar.NewWriter(zw)

	count, err := archiveFiles(tw, dir, patterns)
	if err != nil {
		// Release the encoder; the partial blob is discarded by the caller.
		return count, sherrors.Join(err, tw.Close(), zw.Close())
	}

	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return count, sherrors.Wrap(err, "failed to finish tar")
	}
	if err := zw.Close(); err != nil {
		return count, sherrors.Wrap(err, "failed to finish zstd stream")
	}
	return count, nil
}

func archiveFiles(tw *tar.Writer, dir string, patterns []string) (int, error) {
	count := 0
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		root, prefix, glob, err := splitPattern(dir, pattern)
		if err != nil {
			return count, err
		}
		fsys := os.DirFS(root)
		matches, err := doublestar.Glob(fsys, glob)
		if err != nil {
			return count, sherrors.Wrapf(err, "cache path %q", pattern)
		}
		sort.Strings(matches)

		for _, match := range matches {
			err := fs.WalkDir(fsys, match, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				name := prefix + p
				if seen[name] || !(d.IsDir() || d.Type().IsRegular()) {
					return nil
				}
				seen[name] = true
				if err := writeEntry(tw, fsys, p, name, d); err != nil {
					return err
				}
				if d.Type().IsRegular() {
					count++
				}
				return nil
			})
			if err != nil {
				return count, sherrors.Wrapf(err, "archiving %q", match)
			}
		}
	}
	return count, nil
}

func writeEntry(tw *tar.Writer, fsys fs.FS, p, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if d.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if d.IsDir() {
		return nil
	}

	f, err := fsys.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// Extract unpacks an archive produced by Archive. Workspace entries land
// under dir. Existing files modified after savedAt are kept unless force
// is set.
func Extract(r io.Reader, dir string, savedAt time.Time, force bool) (ExtractStats, error) {
	var stats ExtractStats

	zr, err := zstd.NewReader(r)
	if err != nil {
		return stats, sherrors.Wrap(err, "failed to create zstd reader")
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return stats, sherrors.Wrap(err, "failed to read archive")
		}

		target, err := targetPath(dir, hdr.Name)
		if err != nil {
			return stats, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return stats, err
			}
		case tar.TypeReg:
			if !force {
				if info, err := os.Stat(target); err == nil && info.ModTime().After(savedAt) {
					stats.Skipped++
					continue
				}
			}
			if err := writeFile(target, tr, hdr); err != nil {
				return stats, err
			}
			stats.Files++
		}
	}
}

func writeFile(target string, r io.Reader, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
}

// splitPattern returns the filesystem root, the archive name prefix and the
// slash-separated glob for a cache path pattern.
func splitPattern(dir, pattern string) (root, prefix, glob string, err error) {
	if rest, ok := strings.CutPrefix(pattern, "~/"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", "", sherrors.Wrapf(err, "cache path %q", pattern)
		}
		pattern = filepath.Join(home, rest)
	}
	if filepath.IsAbs(pattern) {
		return "/", absoluteRoot, strings.TrimPrefix(filepath.ToSlash(pattern), "/"), nil
	}
	clean := path.Clean(filepath.ToSlash(pattern))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", "", "", fmt.Errorf("cache path %q escapes the workspace", pattern)
	}
	return dir, workspaceRoot, clean, nil
}

func targetPath(dir, name string) (string, error) {
	name = strings.TrimSuffix(name, "/")
	var base, rel string
	switch {
	case strings.HasPrefix(name, workspaceRoot):
		base, rel = dir, strings.TrimPrefix(name, workspaceRoot)
	case strings.HasPrefix(name, absoluteRoot):
		base, rel = "/", strings.TrimPrefix(name, absoluteRoot)
	default:
		return "", fmt.Errorf("unexpected archive entry %q", name)
	}
	clean := path.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
		return "", fmt.Errorf("archive entry %q escapes its root", name)
	}
	return filepath.Join(base, filepath.FromSlash(clean)), nil
}
