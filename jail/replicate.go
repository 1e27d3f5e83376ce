package jail

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// replicateTree copies src into dst, preferring a hardlink for each
// regular file and falling back to a byte copy when linking fails (most
// commonly because src and dst are on different filesystems). Directory
// modification times are restored once the whole tree has been walked:
// Go's filepath.WalkDir only visits in pre-order, so restoring a
// directory's mtime as soon as it is created would just have it
// overwritten by every file written into it afterward.
//
// Two entries are deliberately excluded rather than replicated: a
// dangling symlink is logged and skipped instead of failing the whole
// walk, and PkgInfo (a macOS bundle host-metadata file with no meaning
// outside GOOS=="darwin") is skipped everywhere else.
func replicateTree(src, dst string, log *zap.SugaredLogger) error {
	type dirMTime struct {
		path  string
		mtime time.Time
	}
	var dirs []dirMTime

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.Name() == "PkgInfo" && runtime.GOOS != "darwin" {
			logDebugw(log, "skipping platform-excluded file", "path", path)
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			if err := os.MkdirAll(target, info.Mode().Perm()|0700); err != nil {
				return err
			}
			dirs = append(dirs, dirMTime{path: target, mtime: info.ModTime()})
			return nil
		case d.Type()&fs.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if danglingSymlink(path, linkTarget) {
				logDebugw(log, "skipping dangling symlink", "path", path, "target", linkTarget)
				return nil
			}
			_ = os.Remove(target)
			return os.Symlink(linkTarget, target)
		default:
			return linkOrCopy(path, target, info.Mode().Perm())
		}
	})
	if err != nil {
		return err
	}

	for _, d := range dirs {
		_ = os.Chtimes(d.path, d.mtime, d.mtime)
	}
	return nil
}

// danglingSymlink reports whether linkTarget (as read from the symlink at
// path) resolves to nothing.
func danglingSymlink(path, linkTarget string) bool {
	resolved := linkTarget
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(path), linkTarget)
	}
	_, err := os.Stat(resolved)
	return err != nil
}

// logDebugw is a nil-safe wrapper so replicateTree can be exercised from
// tests that don't wire up a logger.
func logDebugw(log *zap.SugaredLogger, msg string, kv ...interface{}) {
	if log != nil {
		log.Debugw(msg, kv...)
	}
}

func linkOrCopy(src, dst string, perm fs.FileMode) error {
	_ = os.Remove(dst)
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst, perm)
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
