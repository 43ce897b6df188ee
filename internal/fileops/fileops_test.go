package fileops

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"filedock/internal/apierr"
)

const root = "/srv/filedock/files"

func newService(t *testing.T) (*Service, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll(root, 0o755))
	seed := map[string]string{
		"README.md":              "# hello",
		"notes.txt":              "some notes",
		"photos/cat.jpg":         "not really a jpeg",
		"photos/2024/beach.png":  "png",
		"docs/report.pdf":        "pdf",
		"docs/.hidden/secret.md": "shh",
		"Zeta.txt":               "z",
	}
	for p, body := range seed {
		require.NoError(t, fsys.MkdirAll(path.Dir(root+"/"+p), 0o755))
		require.NoError(t, afero.WriteFile(fsys, root+"/"+p, []byte(body), 0o644))
	}
	require.NoError(t, fsys.MkdirAll(root+"/empty", 0o755))
	return New(Options{Fs: fsys, Root: root, Thumbnails: true}), fsys
}

func exists(t *testing.T, fsys afero.Fs, rel string) bool {
	t.Helper()
	ok, err := afero.Exists(fsys, root+"/"+rel)
	require.NoError(t, err)
	return ok
}

func requireKind(t *testing.T, want apierr.Kind, err error) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, want, apierr.KindOf(err), "err: %v", err)
}

func TestList(t *testing.T) {
	s, _ := newService(t)
	l, err := s.List("")
	require.NoError(t, err)
	require.Equal(t, "", l.Path)

	var names []string
	for _, e := range l.Items {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{"docs", "empty", "photos", "notes.txt", "README.md", "Zeta.txt"}, names)

	docs := l.Items[0]
	require.Equal(t, TypeDirectory, docs.Type)
	require.Nil(t, docs.Size)
	require.NotEmpty(t, docs.Modified)

	notes := l.Items[3]
	require.Equal(t, TypeFile, notes.Type)
	require.EqualValues(t, 10, *notes.Size)
	require.Equal(t, "notes.txt", notes.Path)
	require.Equal(t, "text/plain; charset=utf-8", notes.Mime)
	require.Empty(t, notes.Thumb)

	l, err = s.List("photos")
	require.NoError(t, err)
	require.Equal(t, "photos", l.Path)
	require.Len(t, l.Items, 2)
	require.Equal(t, "photos/cat.jpg", l.Items[1].Path)
	require.Equal(t, "/api/thumb?path=photos%2Fcat.jpg", l.Items[1].Thumb)
}

func TestListErrors(t *testing.T) {
	s, _ := newService(t)
	_, err := s.List("nope")
	requireKind(t, apierr.KindNotFound, err)
	_, err = s.List("notes.txt")
	requireKind(t, apierr.KindInvalidRequest, err)
	_, err = s.List("../..")
	requireKind(t, apierr.KindUnsafePath, err)
}

func TestReadme(t *testing.T) {
	s, _ := newService(t)
	r, err := s.Readme("")
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Equal(t, "README.md", r.Path)

	r, err = s.Readme("docs")
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestFolders(t *testing.T) {
	s, _ := newService(t)
	got, err := s.Folders()
	require.NoError(t, err)
	require.Equal(t, Folder{Name: "(Root Directory)", Path: ""}, got[0])

	var paths []string
	for _, f := range got[1:] {
		paths = append(paths, f.Path)
	}
	// Breadth first: all top-level folders before any nested one.
	require.Equal(t, []string{"docs", "empty", "photos", "docs/.hidden", "photos/2024"}, paths)
}

func TestSearch(t *testing.T) {
	s, _ := newService(t)
	res, err := s.Search("", "PNG", SearchLimits{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "photos/2024/beach.png", res.Items[0].Path)
	require.False(t, res.Truncated)

	// Matches the relative path, not only the base name.
	res, err = s.Search("", "photos/", SearchLimits{})
	require.NoError(t, err)
	require.Len(t, res.Items, 3)

	// Hidden entries come last.
	res, err = s.Search("docs", "e", SearchLimits{})
	require.NoError(t, err)
	require.Equal(t, "docs/report.pdf", res.Items[0].Path)
	require.Equal(t, "docs/.hidden/secret.md", res.Items[len(res.Items)-1].Path)

	res, err = s.Search("", "t", SearchLimits{MaxHits: 2})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	require.True(t, res.Truncated)
	require.Equal(t, "maxHits", res.Reason)

	res, err = s.Search("", "   ", SearchLimits{})
	require.NoError(t, err)
	require.Empty(t, res.Items)
}

func TestRename(t *testing.T) {
	s, fsys := newService(t)

	got, err := s.Rename("photos/cat.jpg", "kitten.jpg")
	require.NoError(t, err)
	require.Equal(t, "photos/kitten.jpg", got)
	require.True(t, exists(t, fsys, "photos/kitten.jpg"))
	require.False(t, exists(t, fsys, "photos/cat.jpg"))

	// Traversal in the new name is stripped to the last component.
	got, err = s.Rename("notes.txt", "../../evil")
	require.NoError(t, err)
	require.Equal(t, "evil", got)

	_, err = s.Rename("evil", "Zeta.txt")
	requireKind(t, apierr.KindConflict, err)
	_, err = s.Rename("missing.txt", "x")
	requireKind(t, apierr.KindNotFound, err)
	_, err = s.Rename("", "x")
	requireKind(t, apierr.KindInvalidRequest, err)
	_, err = s.Rename("evil", "..")
	requireKind(t, apierr.KindInvalidRequest, err)

	got, err = s.Rename("evil", "evil")
	require.NoError(t, err)
	require.Equal(t, "evil", got)
}

func TestMove(t *testing.T) {
	s, fsys := newService(t)

	got, err := s.Move("notes.txt", "docs")
	require.NoError(t, err)
	require.Equal(t, "docs/notes.txt", got)
	require.True(t, exists(t, fsys, "docs/notes.txt"))

	got, err = s.Move("photos", "empty")
	require.NoError(t, err)
	require.Equal(t, "empty/photos", got)
	require.True(t, exists(t, fsys, "empty/photos/2024/beach.png"))

	got, err = s.Move("empty/photos/cat.jpg", "")
	require.NoError(t, err)
	require.Equal(t, "cat.jpg", got)
}

func TestMoveErrors(t *testing.T) {
	s, fsys := newService(t)
	require.NoError(t, afero.WriteFile(fsys, root+"/docs/notes.txt", []byte("other"), 0o644))

	_, err := s.Move("notes.txt", "docs")
	requireKind(t, apierr.KindConflict, err)
	_, err = s.Move("ghost.txt", "docs")
	requireKind(t, apierr.KindNotFound, err)
	_, err = s.Move("notes.txt", "nowhere")
	requireKind(t, apierr.KindNotFound, err)
	_, err = s.Move("notes.txt", "Zeta.txt")
	requireKind(t, apierr.KindInvalidRequest, err)
	_, err = s.Move("photos", "photos/2024")
	requireKind(t, apierr.KindInvalidRequest, err)
	_, err = s.Move("photos", "photos")
	requireKind(t, apierr.KindInvalidRequest, err)
	_, err = s.Move("", "docs")
	requireKind(t, apierr.KindInvalidRequest, err)
	_, err = s.Move("notes.txt", "../outside")
	requireKind(t, apierr.KindUnsafePath, err)

	// A sibling whose name shares a prefix is not a descendant.
	require.NoError(t, fsys.MkdirAll(root+"/photos-old", 0o755))
	_, err = s.Move("photos", "photos-old")
	require.NoError(t, err)
}

func TestDelete(t *testing.T) {
	s, fsys := newService(t)
	require.NoError(t, s.Delete("photos"))
	require.False(t, exists(t, fsys, "photos"))
	require.True(t, exists(t, fsys, "docs"))

	require.NoError(t, s.Delete("notes.txt"))
	require.False(t, exists(t, fsys, "notes.txt"))

	requireKind(t, apierr.KindNotFound, s.Delete("notes.txt"))
	requireKind(t, apierr.KindInvalidRequest, s.Delete(""))
	requireKind(t, apierr.KindInvalidRequest, s.Delete("/"))
	requireKind(t, apierr.KindUnsafePath, s.Delete("../other"))
}

func TestCreate(t *testing.T) {
	s, fsys := newService(t)

	got, err := s.Create("docs", "new folder", KindFolder)
	require.NoError(t, err)
	require.Equal(t, "docs/new folder", got)
	ok, err := afero.DirExists(fsys, root+"/docs/new folder")
	require.NoError(t, err)
	require.True(t, ok)

	got, err = s.Create("", "todo.md", KindFile)
	require.NoError(t, err)
	require.Equal(t, "todo.md", got)
	b, err := afero.ReadFile(fsys, root+"/todo.md")
	require.NoError(t, err)
	require.Empty(t, b)

	_, err = s.Create("", "todo.md", KindFile)
	requireKind(t, apierr.KindConflict, err)
	_, err = s.Create("", "docs", KindFolder)
	requireKind(t, apierr.KindConflict, err)
	_, err = s.Create("", "x", "symlink")
	requireKind(t, apierr.KindInvalidRequest, err)
	_, err = s.Create("missing", "x", KindFile)
	requireKind(t, apierr.KindNotFound, err)
	_, err = s.Create("notes.txt", "x", KindFile)
	requireKind(t, apierr.KindInvalidRequest, err)
	_, err = s.Create("", "", KindFile)
	requireKind(t, apierr.KindInvalidRequest, err)

	got, err = s.Create("docs", "../../escape.txt", KindFile)
	require.NoError(t, err)
	require.Equal(t, "docs/escape.txt", got)
}

func TestContent(t *testing.T) {
	s, fsys := newService(t)

	got, err := s.ReadContent("notes.txt", 0)
	require.NoError(t, err)
	require.Equal(t, "some notes", got)

	require.NoError(t, s.WriteContent("notes.txt", "rewritten\n", 0))
	b, err := afero.ReadFile(fsys, root+"/notes.txt")
	require.NoError(t, err)
	require.Equal(t, "rewritten\n", string(b))

	ents, err := afero.ReadDir(fsys, root)
	require.NoError(t, err)
	for _, e := range ents {
		require.NotContains(t, e.Name(), ".tmp")
	}

	_, err = s.ReadContent("notes.txt", 4)
	requireKind(t, apierr.KindInvalidRequest, err)
	requireKind(t, apierr.KindInvalidRequest, s.WriteContent("notes.txt", "too long", 4))
	requireKind(t, apierr.KindNotFound, s.WriteContent("absent.txt", "x", 0))
	requireKind(t, apierr.KindInvalidRequest, s.WriteContent("docs", "x", 0))
	_, err = s.ReadContent("docs", 0)
	requireKind(t, apierr.KindInvalidRequest, err)
}

func TestWriteContentLongNameOnDisk(t *testing.T) {
	dir := t.TempDir()
	s := New(Options{Fs: afero.NewOsFs(), Root: dir})
	name := strings.Repeat("n", 247) + ".txt"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("old"), 0o644))

	require.NoError(t, s.WriteContent(name, "new", 0))
	b, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	require.Equal(t, "new", string(b))
	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, ents, 1)
}

func TestOpen(t *testing.T) {
	s, _ := newService(t)
	f, fi, err := s.Open("docs/report.pdf")
	require.NoError(t, err)
	defer f.Close()
	require.EqualValues(t, 3, fi.Size())
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, "pdf", string(b))

	_, _, err = s.Open("docs")
	requireKind(t, apierr.KindInvalidRequest, err)
	_, _, err = s.Open("docs/none.pdf")
	requireKind(t, apierr.KindNotFound, err)
}

func TestWriteZip(t *testing.T) {
	s, _ := newService(t)
	var buf bytes.Buffer
	require.NoError(t, s.WriteZip(context.Background(), &buf, "photos"))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	require.Equal(t, []string{"photos/2024/beach.png", "photos/cat.jpg"}, names)

	buf.Reset()
	require.NoError(t, s.WriteZip(context.Background(), &buf, "notes.txt"))
	zr, err = zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "some notes", string(b))

	requireKind(t, apierr.KindNotFound, s.WriteZip(context.Background(), io.Discard, "nope"))
}

func TestZipName(t *testing.T) {
	require.Equal(t, "files.zip", ZipName(""))
	require.Equal(t, "2024.zip", ZipName("photos/2024"))
	require.Equal(t, "notes.txt.zip", ZipName("notes.txt"))
}

func TestContentTypeForName(t *testing.T) {
	require.Equal(t, "image/jpeg", ContentTypeForName("A.JPG"))
	require.Equal(t, "", ContentTypeForName("Makefile"))
	require.True(t, IsImage("x.webp"))
	require.False(t, IsImage("x.txt"))
	require.True(t, IsMarkdown("README.md"))
}
