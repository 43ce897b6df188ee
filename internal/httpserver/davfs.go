package httpserver

import (
	"context"
	"os"

	"github.com/spf13/afero"
	"golang.org/x/net/webdav"

	"filedock/internal/fsutil"
)

// davFS serves the files tree over WebDAV through the same afero filesystem
// and sanitizer as the JSON API.
type davFS struct {
	fs   afero.Fs
	root string
}

var _ webdav.FileSystem = (*davFS)(nil)

func (d *davFS) resolve(name string) (string, string, error) {
	abs, rel, err := fsutil.Resolve(d.root, name)
	if err != nil {
		return "", "", os.ErrNotExist
	}
	return abs, rel, nil
}

func (d *davFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	abs, rel, err := d.resolve(name)
	if err != nil {
		return err
	}
	if rel == "" {
		return os.ErrExist
	}
	return d.fs.Mkdir(abs, perm)
}

func (d *davFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	abs, _, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := d.fs.OpenFile(abs, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (d *davFS) RemoveAll(ctx context.Context, name string) error {
	abs, rel, err := d.resolve(name)
	if err != nil {
		return err
	}
	if rel == "" {
		return os.ErrPermission
	}
	return fsutil.RemoveTree(d.fs, abs)
}

func (d *davFS) Rename(ctx context.Context, oldName, newName string) error {
	oldAbs, oldRel, err := d.resolve(oldName)
	if err != nil {
		return err
	}
	newAbs, newRel, err := d.resolve(newName)
	if err != nil {
		return err
	}
	if oldRel == "" || newRel == "" {
		return os.ErrPermission
	}
	return d.fs.Rename(oldAbs, newAbs)
}

func (d *davFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	abs, _, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	return d.fs.Stat(abs)
}
