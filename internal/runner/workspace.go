package runner

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	sherrors "github.com/tombee/stagehand/pkg/errors"
)

// copyWorkspace copies the tree at src into dst, which must not exist.
// Regular files keep their mode and modification time so cache restores
// judge them the same way they would judge the originals. Symlinks are
// recreated as links; other special files are skipped. Paths for which
// skip returns true are left out along with their contents.
func copyWorkspace(src, dst string, skip func(path string) bool) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != src && skip != nil && skip(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		}
		return nil
	})
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return sherrors.Wrap(err, "failed to open source")
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return sherrors.Wrap(err, "failed to stat source")
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return sherrors.Wrap(err, "failed to create destination")
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return sherrors.Wrapf(err, "failed to copy %s", source)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dest, info.ModTime(), info.ModTime())
}
