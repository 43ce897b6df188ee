package fileops

import (
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"filedock/internal/apierr"
	"filedock/internal/fsutil"
)

const (
	TypeFile      = "file"
	TypeDirectory = "directory"

	KindFile   = "file"
	KindFolder = "folder"

	DefaultMaxEditSize = 5 << 20

	rootFolderName = "(Root Directory)"
)

var (
	ErrRootProtected = apierr.Invalid("the root directory cannot be changed")
	ErrNotDirectory  = apierr.Invalid("not a directory")
	ErrNotFile       = apierr.Invalid("not a regular file")
	ErrTooLarge      = apierr.Invalid("file is too large to edit")
	ErrExists        = apierr.Conflict("an item with that name already exists")
)

type Options struct {
	Fs afero.Fs
	// Root is the directory all user paths are confined to (<root>/files).
	Root string
	// Thumbnails adds a thumb URL to image entries.
	Thumbnails bool
}

// Service implements the file manager operations on top of the sanitizer.
type Service struct {
	fs     afero.Fs
	root   string
	thumbs bool
}

// Entry is one row of a directory listing.
type Entry struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Size     *int64 `json:"size"`
	Modified string `json:"modified"`
	Path     string `json:"path"`
	Mime     string `json:"mime,omitempty"`
	Thumb    string `json:"thumb,omitempty"`
}

func (e Entry) IsDir() bool { return e.Type == TypeDirectory }

type Listing struct {
	Path  string  `json:"path"`
	Items []Entry `json:"items"`
}

type Readme struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
}

func New(opts Options) *Service {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	return &Service{fs: opts.Fs, root: filepath.Clean(opts.Root), thumbs: opts.Thumbnails}
}

func (s *Service) Root() string { return s.root }

func (s *Service) Fs() afero.Fs { return s.fs }

func (s *Service) resolve(p string) (string, string, error) {
	return fsutil.Resolve(s.root, p)
}

// Resolve sanitizes p for callers that need the relative form, e.g. for
// response bodies.
func (s *Service) Resolve(p string) (string, error) {
	return fsutil.Sanitize(s.root, p)
}

func (s *Service) entry(rel string, fi os.FileInfo) Entry {
	e := Entry{
		Name:     fi.Name(),
		Path:     rel,
		Modified: fi.ModTime().UTC().Format(time.RFC3339),
	}
	if fi.IsDir() {
		e.Type = TypeDirectory
		return e
	}
	size := fi.Size()
	e.Type = TypeFile
	e.Size = &size
	e.Mime = ContentTypeForName(fi.Name())
	if s.thumbs && IsImage(fi.Name()) {
		e.Thumb = "/api/thumb?path=" + url.QueryEscape(rel)
	}
	return e
}

func sortEntries(items []Entry) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir() != items[j].IsDir() {
			return items[i].IsDir()
		}
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
}

// statDir resolves p and requires an existing directory.
func (s *Service) statDir(p string) (string, string, error) {
	abs, rel, err := s.resolve(p)
	if err != nil {
		return "", "", err
	}
	fi, err := s.fs.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", apierr.NotFound("directory not found")
		}
		return "", "", apierr.IO(err, "failed to read directory")
	}
	if !fi.IsDir() {
		return "", "", ErrNotDirectory
	}
	return abs, rel, nil
}

// List returns the entries of the directory at p, directories first.
func (s *Service) List(p string) (Listing, error) {
	abs, rel, err := s.statDir(p)
	if err != nil {
		return Listing{}, err
	}
	infos, err := afero.ReadDir(s.fs, abs)
	if err != nil {
		return Listing{}, apierr.IO(err, "failed to read directory")
	}
	items := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		items = append(items, s.entry(fsutil.JoinRel(rel, fi.Name()), fi))
	}
	sortEntries(items)
	return Listing{Path: rel, Items: items}, nil
}

// Readme returns the README of the directory at p, or nil if it has none.
func (s *Service) Readme(p string) (*Readme, error) {
	abs, rel, err := s.statDir(p)
	if err != nil {
		return nil, err
	}
	for _, cand := range []string{"README.md", "readme.md", "Readme.md"} {
		fi, err := s.fs.Stat(filepath.Join(abs, cand))
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		return &Readme{
			Name:     cand,
			Path:     fsutil.JoinRel(rel, cand),
			Size:     fi.Size(),
			Modified: fi.ModTime().UTC().Format(time.RFC3339),
		}, nil
	}
	return nil, nil
}

// Rename renames the entry at p within its parent directory and returns the
// new relative path.
func (s *Service) Rename(p, newName string) (string, error) {
	abs, rel, err := s.resolve(p)
	if err != nil {
		return "", err
	}
	if rel == "" {
		return "", ErrRootProtected
	}
	name, err := fsutil.SanitizeName(newName)
	if err != nil {
		return "", err
	}
	if err := s.mustExist(abs, "item not found"); err != nil {
		return "", err
	}

	target := fsutil.JoinRel(parentRel(rel), name)
	if target == rel {
		return rel, nil
	}
	targetAbs := fsutil.Join(s.root, target)
	if err := s.mustNotExist(targetAbs); err != nil {
		return "", err
	}
	if err := s.fs.Rename(abs, targetAbs); err != nil {
		return "", apierr.IO(err, "failed to rename")
	}
	return target, nil
}

// Move moves the entry at p into the existing directory targetDir.
func (s *Service) Move(p, targetDir string) (string, error) {
	abs, rel, err := s.resolve(p)
	if err != nil {
		return "", err
	}
	if rel == "" {
		return "", ErrRootProtected
	}
	if err := s.mustExist(abs, "item not found"); err != nil {
		return "", err
	}
	dirAbs, dirRel, err := s.resolve(targetDir)
	if err != nil {
		return "", err
	}
	fi, err := s.fs.Stat(dirAbs)
	switch {
	case err != nil && os.IsNotExist(err):
		return "", apierr.NotFound("target directory not found")
	case err != nil:
		return "", apierr.IO(err, "failed to read target directory")
	case !fi.IsDir():
		return "", apierr.Invalid("target is not a directory")
	}
	if dirRel == rel || strings.HasPrefix(dirRel, rel+"/") {
		return "", apierr.Invalid("cannot move a folder into itself")
	}

	target := fsutil.JoinRel(dirRel, path.Base(rel))
	targetAbs := filepath.Join(dirAbs, path.Base(rel))
	if err := s.mustNotExist(targetAbs); err != nil {
		return "", err
	}
	if err := s.fs.Rename(abs, targetAbs); err != nil {
		return "", apierr.IO(err, "failed to move")
	}
	return target, nil
}

// Delete removes the entry at p; directories are removed recursively.
func (s *Service) Delete(p string) error {
	abs, rel, err := s.resolve(p)
	if err != nil {
		return err
	}
	if rel == "" {
		return ErrRootProtected
	}
	if err := s.mustExist(abs, "item not found"); err != nil {
		return err
	}
	if err := fsutil.RemoveTree(s.fs, abs); err != nil {
		return apierr.IO(err, "failed to delete")
	}
	return nil
}

// Create makes an empty file or folder named name inside dir.
func (s *Service) Create(dir, name, kind string) (string, error) {
	if kind != KindFile && kind != KindFolder {
		return "", apierr.Invalid("item_type must be file or folder")
	}
	dirAbs, dirRel, err := s.statDir(dir)
	if err != nil {
		return "", err
	}
	name, err = fsutil.SanitizeName(name)
	if err != nil {
		return "", err
	}
	abs := filepath.Join(dirAbs, name)
	if err := s.mustNotExist(abs); err != nil {
		return "", err
	}

	if kind == KindFolder {
		if err := s.fs.Mkdir(abs, 0o755); err != nil {
			if os.IsExist(err) {
				return "", ErrExists
			}
			return "", apierr.IO(err, "failed to create folder")
		}
	} else {
		f, err := s.fs.OpenFile(abs, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if os.IsExist(err) {
				return "", ErrExists
			}
			return "", apierr.IO(err, "failed to create file")
		}
		if err := f.Close(); err != nil {
			return "", apierr.IO(err, "failed to create file")
		}
	}
	return fsutil.JoinRel(dirRel, name), nil
}

// Open opens the regular file at p for reading. The caller closes it.
func (s *Service) Open(p string) (afero.File, os.FileInfo, error) {
	abs, _, err := s.resolve(p)
	if err != nil {
		return nil, nil, err
	}
	fi, err := s.fs.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, apierr.NotFound("file not found")
		}
		return nil, nil, apierr.IO(err, "failed to open file")
	}
	if !fi.Mode().IsRegular() {
		return nil, nil, ErrNotFile
	}
	f, err := s.fs.Open(abs)
	if err != nil {
		return nil, nil, apierr.IO(err, "failed to open file")
	}
	return f, fi, nil
}

// Stat reports the entry at p without opening it.
func (s *Service) Stat(p string) (Entry, error) {
	abs, rel, err := s.resolve(p)
	if err != nil {
		return Entry{}, err
	}
	fi, err := s.fs.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, apierr.NotFound("item not found")
		}
		return Entry{}, apierr.IO(err, "failed to stat")
	}
	e := s.entry(rel, fi)
	if rel == "" {
		e.Name = ""
	}
	return e, nil
}

// ReadContent returns the whole text of the file at p for the editor.
func (s *Service) ReadContent(p string, max int64) (string, error) {
	if max <= 0 {
		max = DefaultMaxEditSize
	}
	f, fi, err := s.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if fi.Size() > max {
		return "", ErrTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(f, max+1))
	if err != nil {
		return "", apierr.IO(err, "failed to read file")
	}
	if int64(len(b)) > max {
		return "", ErrTooLarge
	}
	return string(b), nil
}

// WriteContent replaces the content of the existing file at p. The new bytes
// are written next to it and renamed over it.
func (s *Service) WriteContent(p, content string, max int64) error {
	if max <= 0 {
		max = DefaultMaxEditSize
	}
	if int64(len(content)) > max {
		return ErrTooLarge
	}
	abs, _, err := s.resolve(p)
	if err != nil {
		return err
	}
	fi, err := s.fs.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return apierr.NotFound("file not found")
		}
		return apierr.IO(err, "failed to save file")
	}
	if !fi.Mode().IsRegular() {
		return ErrNotFile
	}

	tmp := filepath.Join(filepath.Dir(abs), ".filedock-"+uuid.NewString()+".tmp")
	if err := afero.WriteFile(s.fs, tmp, []byte(content), fi.Mode().Perm()); err != nil {
		_ = s.fs.Remove(tmp)
		return apierr.IO(err, "failed to save file")
	}
	if err := s.fs.Rename(tmp, abs); err != nil {
		_ = s.fs.Remove(tmp)
		return apierr.IO(err, "failed to save file")
	}
	return nil
}

func (s *Service) mustExist(abs, msg string) error {
	if _, err := fsutil.Lstat(s.fs, abs); err != nil {
		if os.IsNotExist(err) {
			return apierr.NotFound(msg)
		}
		return apierr.IO(err, "failed to stat")
	}
	return nil
}

func (s *Service) mustNotExist(abs string) error {
	_, err := fsutil.Lstat(s.fs, abs)
	switch {
	case err == nil:
		return ErrExists
	case os.IsNotExist(err):
		return nil
	default:
		return apierr.IO(err, "failed to stat")
	}
}

func parentRel(rel string) string {
	if i := strings.LastIndexByte(rel, '/'); i >= 0 {
		return rel[:i]
	}
	return ""
}
