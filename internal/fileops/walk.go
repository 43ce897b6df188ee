package fileops

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"filedock/internal/apierr"
	"filedock/internal/fsutil"
)

// Folder is a move target offered to the UI.
type Folder struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Folders lists every directory below the root, breadth first, starting with
// the root itself. Symlinked directories are not entered.
func (s *Service) Folders() ([]Folder, error) {
	if _, err := s.fs.Stat(s.root); err != nil {
		return nil, apierr.IO(err, "failed to read folders")
	}
	out := []Folder{{Name: rootFolderName, Path: ""}}
	queue := []string{""}
	for len(queue) > 0 {
		rel := queue[0]
		queue = queue[1:]

		infos, err := afero.ReadDir(s.fs, fsutil.Join(s.root, rel))
		if err != nil {
			continue
		}
		for _, fi := range infos {
			if !fi.IsDir() || fi.Mode()&os.ModeSymlink != 0 {
				continue
			}
			child := fsutil.JoinRel(rel, fi.Name())
			out = append(out, Folder{Name: child, Path: child})
			queue = append(queue, child)
		}
	}
	return out, nil
}

// SearchLimits bounds a search. Zero values mean the defaults.
type SearchLimits struct {
	MaxHits int
	MaxSeen int
}

const (
	DefaultMaxHits = 500
	DefaultMaxSeen = 200_000
)

type SearchResult struct {
	Items     []Entry `json:"items"`
	Seen      int     `json:"seen"`
	Truncated bool    `json:"truncated"`
	// Reason is "maxHits" or "maxSeen" when truncated.
	Reason string `json:"reason,omitempty"`
}

// Search walks the tree below p breadth first and returns entries whose
// relative path contains q, case-insensitively. Hidden entries and hidden
// directories are visited after everything else.
func (s *Service) Search(p, q string, lim SearchLimits) (SearchResult, error) {
	if lim.MaxHits <= 0 {
		lim.MaxHits = DefaultMaxHits
	}
	if lim.MaxSeen <= 0 {
		lim.MaxSeen = DefaultMaxSeen
	}
	res := SearchResult{Items: []Entry{}}
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return res, nil
	}
	_, baseRel, err := s.statDir(p)
	if err != nil {
		return SearchResult{}, err
	}

	normalQ := []string{baseRel}
	var hiddenQ []string

	// visit returns false once a limit is hit.
	visit := func(dirRel string, fi os.FileInfo) bool {
		res.Seen++
		if res.Seen > lim.MaxSeen {
			res.Truncated, res.Reason = true, "maxSeen"
			return false
		}
		rel := fsutil.JoinRel(dirRel, fi.Name())
		if strings.Contains(strings.ToLower(rel), q) {
			res.Items = append(res.Items, s.entry(rel, fi))
			if len(res.Items) >= lim.MaxHits {
				res.Truncated, res.Reason = true, "maxHits"
				return false
			}
		}
		if fi.IsDir() && fi.Mode()&os.ModeSymlink == 0 {
			if isHidden(fi.Name()) {
				hiddenQ = append(hiddenQ, rel)
			} else {
				normalQ = append(normalQ, rel)
			}
		}
		return true
	}

	for len(normalQ) > 0 || len(hiddenQ) > 0 {
		var dirRel string
		if len(normalQ) > 0 {
			dirRel, normalQ = normalQ[0], normalQ[1:]
		} else {
			dirRel, hiddenQ = hiddenQ[0], hiddenQ[1:]
		}
		infos, err := afero.ReadDir(s.fs, fsutil.Join(s.root, dirRel))
		if err != nil {
			continue
		}
		ordered := make([]os.FileInfo, 0, len(infos))
		var hidden []os.FileInfo
		for _, fi := range infos {
			if isHidden(fi.Name()) {
				hidden = append(hidden, fi)
			} else {
				ordered = append(ordered, fi)
			}
		}
		for _, fi := range append(ordered, hidden...) {
			if !visit(dirRel, fi) {
				return res, nil
			}
		}
	}
	return res, nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// walkFiles calls fn for every regular file below abs with its path relative
// to abs, using an explicit stack.
func (s *Service) walkFiles(abs string, fn func(rel string, fi os.FileInfo) error) error {
	stack := []string{""}
	for len(stack) > 0 {
		rel := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		infos, err := afero.ReadDir(s.fs, filepath.Join(abs, filepath.FromSlash(rel)))
		if err != nil {
			return err
		}
		var dirs []string
		for _, fi := range infos {
			child := fsutil.JoinRel(rel, fi.Name())
			switch {
			case fi.Mode()&os.ModeSymlink != 0:
			case fi.IsDir():
				dirs = append(dirs, child)
			case fi.Mode().IsRegular():
				if err := fn(child, fi); err != nil {
					return err
				}
			}
		}
		// Pushed in reverse so subdirectories are popped in name order.
		for i := len(dirs) - 1; i >= 0; i-- {
			stack = append(stack, dirs[i])
		}
	}
	return nil
}
