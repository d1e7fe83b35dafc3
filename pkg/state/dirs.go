package state

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// ensure the workspace layout exists: directories only, not symlinks,
// writable. extra holds service input and result roots.
func EnsureStateDirs(p Paths, extra ...string) error {
	all := append(p.dirs(), extra...)
	for _, d := range all {
		if err := ensureDir(d); err != nil {
			return err
		}
	}
	return nil
}

func ensureDir(p string) error {
	// ensure parent exists
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrapf(err, "cannot create parent for %s", p)
	}

	// must be directory and not symlink if exists
	if fi, err := os.Lstat(p); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			return errors.Newf("path is a symlink: %s", p)
		}
		if !fi.IsDir() {
			return errors.Newf("path exists and is not a directory: %s", p)
		}
	}

	if err := os.MkdirAll(p, 0o755); err != nil {
		return errors.Wrapf(err, "cannot create path %s", p)
	}

	// check writable by creating and deleting temp file
	tmp, err := os.CreateTemp(p, ".validate-*")
	if err != nil {
		return errors.Wrapf(err, "path not writable: %s", p)
	}
	tmp.Close()
	_ = os.Remove(tmp.Name())
	return nil
}

var (
	PathsVar Paths
	initOnce sync.Once
	initErr  error
)

// safe to call multiple times; initialization happens once
func Init(root string, extra ...string) (Paths, error) {
	initOnce.Do(func() {
		path := strings.TrimSpace(root)
		if path == "" {
			path = "./workspace"
		}
		path = filepath.Clean(path)
		PathsVar = PathsFor(path)
		initErr = EnsureStateDirs(PathsVar, extra...)
	})
	return PathsVar, initErr
}
