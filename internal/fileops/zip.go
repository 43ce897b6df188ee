package fileops

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"filedock/internal/apierr"
)

// ZipName is the download name for an archive of the entry at rel.
func ZipName(rel string) string {
	name := strings.TrimSpace(path.Base("/" + rel))
	name = strings.Trim(name, ". /")
	if name == "" {
		name = "files"
	}
	if len(name) > 120 {
		name = name[:120]
	}
	return name + ".zip"
}

// WriteZip streams the file or directory at p as a zip archive to w. A
// directory's entries are stored under its own name.
func (s *Service) WriteZip(ctx context.Context, w io.Writer, p string) error {
	abs, rel, err := s.resolve(p)
	if err != nil {
		return err
	}
	fi, err := s.fs.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return apierr.NotFound("item not found")
		}
		return apierr.IO(err, "failed to read item")
	}

	top := strings.TrimSuffix(ZipName(rel), ".zip")
	zw := zip.NewWriter(w)
	add := func(name, absPath string, info os.FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := zip.FileInfoHeader(info)
		if err != nil {
			return errors.Wrapf(err, "zip header %s", name)
		}
		h.Name = name
		h.Method = zip.Deflate
		dst, err := zw.CreateHeader(h)
		if err != nil {
			return errors.Wrapf(err, "zip entry %s", name)
		}
		f, err := s.fs.Open(absPath)
		if err != nil {
			return errors.Wrapf(err, "open %s", name)
		}
		defer f.Close()
		_, err = io.Copy(dst, f)
		return errors.Wrapf(err, "copy %s", name)
	}

	if fi.IsDir() {
		err = s.walkFiles(abs, func(childRel string, info os.FileInfo) error {
			return add(top+"/"+childRel, filepath.Join(abs, filepath.FromSlash(childRel)), info)
		})
	} else {
		err = add(fi.Name(), abs, fi)
	}
	if err != nil {
		_ = zw.Close()
		return err
	}
	return errors.Wrap(zw.Close(), "finish zip")
}
