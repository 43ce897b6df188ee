package httpserver

import (
	"context"
	"embed"
	"io"
	"io/fs"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/net/webdav"

	"filedock/internal/config"
	"filedock/internal/fileops"
	"filedock/internal/metrics"
	"filedock/internal/upload"
)

type Options struct {
	Config config.Config
	// Fs defaults to the OS filesystem.
	Fs      afero.Fs
	Metrics *metrics.Counters
}

type Server struct {
	cfg      config.Config
	fs       afero.Fs
	files    *fileops.Service
	uploads  *upload.Manager
	stats    *metrics.Counters
	md       goldmark.Markdown
	thumbDir string

	webFS fs.FS
}

//go:embed web/index.html web/assets/*
var embeddedWeb embed.FS

func New(opts Options) (*Server, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	up, err := upload.New(upload.Options{
		Fs:           opts.Fs,
		Root:         opts.Config.Root,
		MaxChunkSize: opts.Config.MaxChunkSize,
	})
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     opts.Config,
		fs:      opts.Fs,
		uploads: up,
		stats:   opts.Metrics,
		files: fileops.New(fileops.Options{
			Fs:         opts.Fs,
			Root:       opts.Config.FilesDir(),
			Thumbnails: opts.Config.Thumbnails,
		}),
		md: goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
	if opts.Config.Thumbnails {
		s.thumbDir = filepath.Join(opts.Config.CacheDir(), "thumbs")
		if err := s.fs.MkdirAll(s.thumbDir, 0o755); err != nil {
			return nil, err
		}
	}
	sub, err := fs.Sub(embeddedWeb, "web")
	if err != nil {
		return nil, err
	}
	s.webFS = sub
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})
	mux.HandleFunc("/metrics", s.stats.ServeMetrics)
	mux.HandleFunc("/api/status", s.stats.ServeStatus)

	if s.cfg.WebDAV {
		dav := &webdav.Handler{
			Prefix:     "/dav",
			FileSystem: &davFS{fs: s.fs, root: s.files.Root()},
			LockSystem: webdav.NewMemLS(),
			Logger: func(r *http.Request, err error) {
				if err != nil {
					log.Printf("dav %s %s: %v", r.Method, r.URL.Path, err)
				}
			},
		}
		mux.Handle("/dav/", dav)
	}

	// static assets
	assets, _ := fs.Sub(s.webFS, "assets")
	assetServer := http.StripPrefix("/assets/", http.FileServer(http.FS(assets)))
	mux.Handle("/assets/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		assetServer.ServeHTTP(w, r)
	}))

	// UI index
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		b, err := fs.ReadFile(s.webFS, "index.html")
		if err != nil {
			http.Error(w, "missing ui", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(b)
	})

	// chunked uploads
	mux.Handle("/api/upload/session", only(http.MethodPost, s.handleUploadSession))
	mux.Handle("/api/upload/chunk", only(http.MethodPost, s.handleUploadChunk))
	mux.Handle("/api/upload/assemble", only(http.MethodPost, s.handleUploadAssemble))
	mux.Handle("/api/upload/status", only(http.MethodGet, s.handleUploadStatus))
	mux.Handle("/api/upload/abort", only(http.MethodPost, s.handleUploadAbort))

	// browsing
	mux.Handle("/api/files", only(http.MethodGet, s.handleList))
	mux.Handle("/api/folders", only(http.MethodGet, s.handleFolders))
	mux.Handle("/api/search", only(http.MethodGet, s.handleSearch))

	// changes
	mux.Handle("/api/rename", only(http.MethodPost, s.handleRename))
	mux.Handle("/api/move", only(http.MethodPost, s.handleMove))
	mux.Handle("/api/delete", only(http.MethodPost, s.handleDelete))
	mux.Handle("/api/create", only(http.MethodPost, s.handleCreate))
	mux.HandleFunc("/api/content", s.handleContent)

	// reading
	mux.Handle("/api/download", only(http.MethodGet, s.handleDownload))
	mux.Handle("/api/preview", only(http.MethodGet, s.handlePreview))
	mux.Handle("/api/thumb", only(http.MethodGet, s.handleThumb))
	mux.Handle("/api/zip", only(http.MethodGet, s.handleZip))

	return s.logRequest(withHeaders(s.recoverPanic(mux)))
}

// RunSweeper removes idle upload sessions every SweepInterval until ctx is
// done. It returns immediately when SessionTTL is zero.
func (s *Server) RunSweeper(ctx context.Context) {
	if s.cfg.SessionTTL <= 0 || s.cfg.SweepInterval <= 0 {
		return
	}
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Server) sweep(ctx context.Context) {
	n, err := s.uploads.Sweep(ctx, s.cfg.SessionTTL)
	if err != nil && ctx.Err() == nil {
		log.Printf("upload sweep: %v", err)
	}
	if n > 0 {
		s.stats.SessionsSwept.Add(uint64(n))
		log.Printf("upload sweep: removed %d idle session(s)", n)
	}
}
