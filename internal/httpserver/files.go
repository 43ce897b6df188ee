package httpserver

import (
	"log"
	"net/http"

	"filedock/internal/fileops"
)

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	l, err := s.files.List(p)
	if err != nil {
		fail(w, r, err)
		return
	}
	readme, err := s.files.Readme(l.Path)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, map[string]any{
		"path":   l.Path,
		"items":  l.Items,
		"readme": readme,
	})
}

func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.files.Folders()
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, map[string]any{"folders": folders})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.files.Search(q.Get("path"), q.Get("q"), fileops.SearchLimits{})
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, map[string]any{
		"items":     res.Items,
		"seen":      res.Seen,
		"truncated": res.Truncated,
		"reason":    res.Reason,
	})
}

// fileOp runs a mutating operation and keeps the counters.
func (s *Server) fileOp(w http.ResponseWriter, r *http.Request, fields []string, op func(form map[string]string) (map[string]any, error)) {
	form, err := formArgs(r, 0)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := required(form, fields...); err != nil {
		fail(w, r, err)
		return
	}
	args := make(map[string]string, len(fields))
	for _, f := range fields {
		args[f] = form.Get(f)
	}
	res, err := op(args)
	s.stats.FileOps.Add(1)
	if err != nil {
		s.stats.FileOpErrors.Add(1)
		fail(w, r, err)
		return
	}
	ok(w, res)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	s.fileOp(w, r, []string{"old_path", "new_name"}, func(a map[string]string) (map[string]any, error) {
		p, err := s.files.Rename(a["old_path"], a["new_name"])
		if err != nil {
			return nil, err
		}
		log.Printf("rename %q -> %q", a["old_path"], p)
		return map[string]any{"path": p}, nil
	})
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	s.fileOp(w, r, []string{"source_path", "target_dir"}, func(a map[string]string) (map[string]any, error) {
		p, err := s.files.Move(a["source_path"], a["target_dir"])
		if err != nil {
			return nil, err
		}
		log.Printf("move %q -> %q", a["source_path"], p)
		return map[string]any{"path": p}, nil
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.fileOp(w, r, []string{"path"}, func(a map[string]string) (map[string]any, error) {
		if err := s.files.Delete(a["path"]); err != nil {
			return nil, err
		}
		log.Printf("delete %q", a["path"])
		return nil, nil
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.fileOp(w, r, []string{"current_path", "item_name", "item_type"}, func(a map[string]string) (map[string]any, error) {
		p, err := s.files.Create(a["current_path"], a["item_name"], a["item_type"])
		if err != nil {
			return nil, err
		}
		log.Printf("create %s %q", a["item_type"], p)
		return map[string]any{"path": p}, nil
	})
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		content, err := s.files.ReadContent(r.URL.Query().Get("path"), s.cfg.MaxEditSize)
		if err != nil {
			fail(w, r, err)
			return
		}
		ok(w, map[string]any{"content": content})
	case http.MethodPost:
		// Form encoding can triple the size of the text.
		form, err := formArgs(r, 3*s.cfg.MaxEditSize+maxFormBody)
		if err != nil {
			fail(w, r, err)
			return
		}
		if err := required(form, "path", "content"); err != nil {
			fail(w, r, err)
			return
		}
		s.stats.FileOps.Add(1)
		if err := s.files.WriteContent(form.Get("path"), form.Get("content"), s.cfg.MaxEditSize); err != nil {
			s.stats.FileOpErrors.Add(1)
			fail(w, r, err)
			return
		}
		ok(w, nil)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}
