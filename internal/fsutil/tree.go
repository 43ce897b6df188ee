package fsutil

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Lstat stats name without following a final symlink when the filesystem
// supports it.
func Lstat(fsys afero.Fs, name string) (os.FileInfo, error) {
	if l, ok := fsys.(afero.Lstater); ok {
		fi, _, err := l.LstatIfPossible(name)
		return fi, err
	}
	return fsys.Stat(name)
}

// RemoveTree deletes name and, for a directory, everything below it. The walk
// uses an explicit stack so deeply nested trees do not grow the goroutine
// stack, and symlinks are removed as entries rather than followed.
func RemoveTree(fsys afero.Fs, name string) error {
	type frame struct {
		path    string
		visited bool
	}
	stack := []frame{{path: name}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if top.visited {
			if err := fsys.Remove(top.path); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "remove dir %s", top.path)
			}
			continue
		}
		fi, err := Lstat(fsys, top.path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "stat %s", top.path)
		}
		if !fi.IsDir() {
			if err := fsys.Remove(top.path); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "remove %s", top.path)
			}
			continue
		}
		children, err := afero.ReadDir(fsys, top.path)
		if err != nil {
			return errors.Wrapf(err, "read dir %s", top.path)
		}
		stack = append(stack, frame{path: top.path, visited: true})
		for _, c := range children {
			stack = append(stack, frame{path: filepath.Join(top.path, c.Name())})
		}
	}
	return nil
}
