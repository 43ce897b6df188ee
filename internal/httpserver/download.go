package httpserver

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"

	"filedock/internal/apierr"
	"filedock/internal/fileops"
)

const (
	thumbSize    = 256
	maxThumbFile = 64 << 20
)

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := q.Get("path")
	if p == "" {
		p = q.Get("file")
	}
	if p == "" {
		fail(w, r, apierr.Invalid("no file specified"))
		return
	}
	f, fi, err := s.files.Open(p)
	if err != nil {
		fail(w, r, err)
		return
	}
	defer f.Close()

	ct, err := sniff(f, fi.Name())
	if err != nil {
		fail(w, r, apierr.IO(err, "failed to read file"))
		return
	}
	disposition := "attachment"
	if q.Get("inline") == "1" {
		disposition = "inline"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": fi.Name()}))
	s.stats.Downloads.Add(1)
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

// sniff detects the content type from the first 512 bytes and rewinds f.
// Content that only sniffs as generic binary falls back to the extension.
func sniff(f afero.File, name string) (string, error) {
	var head [512]byte
	n, err := io.ReadFull(f, head[:])
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	ct := http.DetectContentType(head[:n])
	if ct == "application/octet-stream" {
		if byName := fileops.ContentTypeForName(name); byName != "" {
			ct = byName
		}
	}
	return ct, nil
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	e, err := s.files.Stat(p)
	if err != nil {
		fail(w, r, err)
		return
	}
	if e.IsDir() || !fileops.IsMarkdown(e.Name) {
		fail(w, r, apierr.Invalid("preview is only available for markdown files"))
		return
	}
	src, err := s.files.ReadContent(p, s.cfg.MaxEditSize)
	if err != nil {
		fail(w, r, err)
		return
	}
	var out bytes.Buffer
	if err := s.md.Convert([]byte(src), &out); err != nil {
		fail(w, r, apierr.IO(err, "failed to render markdown"))
		return
	}
	ok(w, map[string]any{"html": out.String()})
}

func (s *Server) handleZip(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	e, err := s.files.Stat(p)
	if err != nil {
		fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": fileops.ZipName(e.Path)}))
	s.stats.Downloads.Add(1)
	// Headers are gone once the archive starts; failures can only be logged.
	if err := s.files.WriteZip(r.Context(), w, p); err != nil {
		log.Printf("zip %q: %v", p, err)
	}
}

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	if s.thumbDir == "" {
		fail(w, r, apierr.NotFound("thumbnails are disabled"))
		return
	}
	p := r.URL.Query().Get("path")
	f, fi, err := s.files.Open(p)
	if err != nil {
		fail(w, r, err)
		return
	}
	defer f.Close()
	if !fileops.IsImage(fi.Name()) || fi.Size() > maxThumbFile {
		fail(w, r, apierr.NotFound("no thumbnail for this file"))
		return
	}

	rel, _ := s.files.Resolve(p)
	cached := filepath.Join(s.thumbDir, thumbKey(rel, fi.Size(), fi.ModTime().UnixNano()))
	b, err := afero.ReadFile(s.fs, cached)
	if err != nil {
		b, err = makeThumb(f, thumbSize)
		if err != nil {
			fail(w, r, apierr.NotFound("no thumbnail for this file"))
			return
		}
		if err := afero.WriteFile(s.fs, cached, b, 0o644); err != nil {
			log.Printf("thumb cache %s: %v", cached, err)
		}
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(b)
}

// thumbKey names a cache entry. Size and mtime are part of the key, so an
// edited image gets a fresh thumbnail.
func thumbKey(rel string, size, mtime int64) string {
	h := sha256.New()
	io.WriteString(h, rel)
	io.WriteString(h, "\x00"+strconv.FormatInt(size, 10)+"\x00"+strconv.FormatInt(mtime, 10))
	return hex.EncodeToString(h.Sum(nil))[:40] + ".jpg"
}
