package httpserver

import (
	"log"
	"mime/multipart"
	"net/http"
	"sort"

	"github.com/pkg/errors"

	"filedock/internal/apierr"
	"filedock/internal/upload"
)

// multipart overhead allowed on top of one chunk
const chunkSlack = 1 << 20

func (s *Server) handleUploadSession(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]any{
		"sessionId":    upload.NewSessionID(),
		"maxChunkSize": s.uploads.MaxChunkSize(),
	})
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	max := s.uploads.MaxChunkSize()
	r.Body = http.MaxBytesReader(w, r.Body, max+chunkSlack)
	if err := r.ParseMultipartForm(max + chunkSlack); err != nil {
		s.stats.ChunkErrors.Add(1)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(w, r, upload.ErrChunkTooLarge)
			return
		}
		fail(w, r, apierr.Invalid("invalid request"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	form := r.Form
	if err := required(form, "sessionId", "fileName", "totalChunks", "chunkIndex"); err != nil {
		s.stats.ChunkErrors.Add(1)
		fail(w, r, apierr.Invalid("missing parameters"))
		return
	}
	total, err := intArg(form, "totalChunks")
	if err != nil {
		s.stats.ChunkErrors.Add(1)
		fail(w, r, err)
		return
	}
	idx, err := intArg(form, "chunkIndex")
	if err != nil {
		s.stats.ChunkErrors.Add(1)
		fail(w, r, err)
		return
	}
	fh := chunkFile(r.MultipartForm)
	if fh == nil {
		s.stats.ChunkErrors.Add(1)
		fail(w, r, apierr.Invalid("missing chunk data"))
		return
	}
	src, err := fh.Open()
	if err != nil {
		s.stats.ChunkErrors.Add(1)
		fail(w, r, apierr.IO(err, "failed to read chunk"))
		return
	}
	defer src.Close()

	c := upload.Chunk{
		SessionID:   form.Get("sessionId"),
		FileName:    form.Get("fileName"),
		TotalChunks: total,
		Index:       idx,
	}
	n, err := s.uploads.ReceiveChunk(r.Context(), c, src)
	if err != nil {
		s.stats.ChunkErrors.Add(1)
		fail(w, r, err)
		return
	}
	s.stats.ChunksReceived.Add(1)
	s.stats.ChunkBytes.Add(uint64(n))
	ok(w, map[string]any{
		"chunkIndex": idx,
		"fileName":   c.FileName,
		"size":       n,
	})
}

// chunkFile picks the chunk bytes: "chunkData" if present, else "file", else
// the first file part by field name.
func chunkFile(mf *multipart.Form) *multipart.FileHeader {
	if mf == nil || len(mf.File) == 0 {
		return nil
	}
	for _, key := range []string{"chunkData", "file"} {
		if v := mf.File[key]; len(v) > 0 {
			return v[0]
		}
	}
	keys := make([]string, 0, len(mf.File))
	for k := range mf.File {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := mf.File[k]; len(v) > 0 {
			return v[0]
		}
	}
	return nil
}

func (s *Server) handleUploadAssemble(w http.ResponseWriter, r *http.Request) {
	form, err := formArgs(r, 0)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := required(form, "sessionId", "fileName", "totalChunks"); err != nil {
		fail(w, r, apierr.Invalid("missing parameters"))
		return
	}
	total, err := intArg(form, "totalChunks")
	if err != nil {
		fail(w, r, err)
		return
	}
	art, err := s.uploads.Assemble(r.Context(), upload.Assembly{
		SessionID:   form.Get("sessionId"),
		FileName:    form.Get("fileName"),
		Dir:         form.Get("path"),
		TotalChunks: total,
	})
	if err != nil {
		s.stats.AssemblyErrors.Add(1)
		var missing *upload.MissingChunkError
		if errors.As(err, &missing) {
			failWith(w, r, err, map[string]any{"missingChunk": missing.Index})
			return
		}
		fail(w, r, err)
		return
	}
	s.stats.Assemblies.Add(1)
	s.stats.AssembledBytes.Add(uint64(art.Size))
	log.Printf("upload %s: assembled %s (%d bytes, sha256 %s)", form.Get("sessionId"), art.Path, art.Size, art.SHA256)
	ok(w, map[string]any{
		"file":   art.Name,
		"path":   art.Path,
		"size":   art.Size,
		"sha256": art.SHA256,
	})
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.uploads.Status(r.URL.Query().Get("sessionId"))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, map[string]any{
		"sessionId": st.SessionID,
		"received":  st.Received,
		"bytes":     st.Bytes,
	})
}

func (s *Server) handleUploadAbort(w http.ResponseWriter, r *http.Request) {
	form, err := formArgs(r, 0)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := s.uploads.Abort(form.Get("sessionId")); err != nil {
		fail(w, r, err)
		return
	}
	s.stats.SessionsAbort.Add(1)
	ok(w, nil)
}
