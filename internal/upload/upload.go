package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"filedock/internal/apierr"
	"filedock/internal/fsutil"
)

// Chunked upload protocol:
//   - POST /api/upload/chunk     sessionId, fileName, totalChunks, chunkIndex + chunk bytes
//   - POST /api/upload/assemble  sessionId, fileName, totalChunks [, path]
//
// Chunks live in <root>/temp/<sessionId>/chunk_<index> until assembly
// concatenates them into <root>/files/[path/]<fileName>.

const (
	DefaultMaxChunkSize = 9 << 20

	chunkPrefix = "chunk_"
	partialName = ".assembly.part"
	copyBufSize = 1 << 20
)

var (
	ErrSessionNotFound   = apierr.NotFound("session not found")
	ErrInvalidSession    = apierr.Invalid("invalid sessionId")
	ErrAssemblyInFlight  = apierr.Conflict("assembly already in progress for this session")
	ErrSessionBusy       = apierr.Conflict("session is being assembled or removed")
	ErrChunkTooLarge     = apierr.Invalid("chunk exceeds maximum chunk size")
	errChunkIndexInvalid = apierr.Invalid("chunkIndex must be in [0, totalChunks)")
	errTotalInvalid      = apierr.Invalid("totalChunks must be at least 1")
)

// MissingChunkError reports the first absent chunk found during assembly.
type MissingChunkError struct {
	Index int
}

func (e *MissingChunkError) Error() string { return fmt.Sprintf("missing chunk %d", e.Index) }

func (e *MissingChunkError) ErrKind() apierr.Kind { return apierr.KindConflict }

type Options struct {
	Fs   afero.Fs
	Root string
	// MaxChunkSize caps one chunk. Default: DefaultMaxChunkSize.
	MaxChunkSize int64
}

// Manager receives chunks and assembles them. All session state is on disk;
// the only in-process state is which sessions are being written to, and which
// are claimed by an assembly, abort or sweep.
type Manager struct {
	fs       afero.Fs
	tempDir  string
	filesDir string
	maxChunk int64

	mu      sync.Mutex
	claimed map[string]struct{}
	writers map[string]int
}

// Chunk identifies one received byte range.
type Chunk struct {
	SessionID   string
	FileName    string
	TotalChunks int
	Index       int
}

// Assembly asks for a session's chunks to be joined into FileName under Dir.
type Assembly struct {
	SessionID   string
	FileName    string
	Dir         string
	TotalChunks int
}

// Artifact is the assembled file.
type Artifact struct {
	Name   string `json:"file"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Status is what a client needs to resume an interrupted upload.
type Status struct {
	SessionID string `json:"sessionId"`
	Received  []int  `json:"received"`
	Bytes     int64  `json:"bytes"`
}

func New(opts Options) (*Manager, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}
	m := &Manager{
		fs:       opts.Fs,
		tempDir:  filepath.Join(opts.Root, "temp"),
		filesDir: filepath.Join(opts.Root, "files"),
		maxChunk: opts.MaxChunkSize,
		claimed:  map[string]struct{}{},
		writers:  map[string]int{},
	}
	for _, d := range []string{m.tempDir, m.filesDir} {
		if err := m.fs.MkdirAll(d, 0o755); err != nil {
			return nil, errors.Wrapf(err, "mkdir %s", d)
		}
	}
	return m, nil
}

func (m *Manager) MaxChunkSize() int64 { return m.maxChunk }

// NewSessionID returns a fresh session id for clients that do not mint their own.
func NewSessionID() string {
	return uuid.NewString()
}

// ValidSessionID reports whether id can safely name a session directory.
func ValidSessionID(id string) bool {
	if id == "" || len(id) > 128 || id == "." || id == ".." {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

func (m *Manager) sessionDir(id string) string {
	return filepath.Join(m.tempDir, id)
}

func chunkName(i int) string {
	return chunkPrefix + strconv.Itoa(i)
}

// ReceiveChunk stores data as chunk c.Index of the session. Chunks may arrive
// in any order; sending an index again replaces it.
func (m *Manager) ReceiveChunk(ctx context.Context, c Chunk, data io.Reader) (int64, error) {
	if !ValidSessionID(c.SessionID) {
		return 0, ErrInvalidSession
	}
	if _, err := fsutil.SanitizeName(c.FileName); err != nil {
		return 0, apierr.Invalid("invalid fileName")
	}
	if c.TotalChunks < 1 {
		return 0, errTotalInvalid
	}
	if c.Index < 0 || c.Index >= c.TotalChunks {
		return 0, errChunkIndexInvalid
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !m.enter(c.SessionID) {
		return 0, ErrSessionBusy
	}
	defer m.leave(c.SessionID)

	dir := m.sessionDir(c.SessionID)
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return 0, apierr.IO(err, "failed to create session")
	}

	// Write under a unique name and rename into place, so assembly never
	// reads a half-written chunk and concurrent retries cannot interleave.
	tmp := filepath.Join(dir, "."+chunkName(c.Index)+"."+uuid.NewString()+".tmp")
	f, err := m.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return 0, apierr.IO(err, "failed to save chunk")
	}
	n, err := io.Copy(f, io.LimitReader(data, m.maxChunk+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > m.maxChunk {
		err = ErrChunkTooLarge
	}
	if err != nil {
		_ = m.fs.Remove(tmp)
		if errors.Is(err, ErrChunkTooLarge) {
			return 0, err
		}
		return 0, apierr.IO(err, "failed to save chunk")
	}
	if err := m.fs.Rename(tmp, filepath.Join(dir, chunkName(c.Index))); err != nil {
		_ = m.fs.Remove(tmp)
		return 0, apierr.IO(err, "failed to save chunk")
	}
	return n, nil
}

// Assemble concatenates chunks 0..TotalChunks-1 in index order into the
// destination file. Every chunk must be present before anything is written.
// The destination is replaced unconditionally (last writer wins).
func (m *Manager) Assemble(ctx context.Context, a Assembly) (Artifact, error) {
	if !ValidSessionID(a.SessionID) {
		return Artifact{}, ErrInvalidSession
	}
	if a.TotalChunks < 1 {
		return Artifact{}, errTotalInvalid
	}
	name, err := fsutil.SanitizeName(a.FileName)
	if err != nil {
		return Artifact{}, apierr.Invalid("invalid fileName")
	}
	dirAbs, dirRel, err := fsutil.Resolve(m.filesDir, a.Dir)
	if err != nil {
		return Artifact{}, err
	}

	if !m.claim(a.SessionID) {
		return Artifact{}, ErrAssemblyInFlight
	}
	defer m.release(a.SessionID)

	dir := m.sessionDir(a.SessionID)
	if ok, err := afero.DirExists(m.fs, dir); err != nil {
		return Artifact{}, apierr.IO(err, "failed to read session")
	} else if !ok {
		return Artifact{}, ErrSessionNotFound
	}
	for i := 0; i < a.TotalChunks; i++ {
		fi, err := m.fs.Stat(filepath.Join(dir, chunkName(i)))
		if err != nil || !fi.Mode().IsRegular() {
			return Artifact{}, &MissingChunkError{Index: i}
		}
	}

	if fi, err := m.fs.Stat(dirAbs); err != nil {
		if !os.IsNotExist(err) {
			return Artifact{}, apierr.IO(err, "failed to open destination")
		}
		if err := m.fs.MkdirAll(dirAbs, 0o755); err != nil {
			return Artifact{}, apierr.IO(err, "failed to create destination directory")
		}
	} else if !fi.IsDir() {
		return Artifact{}, apierr.Invalid("destination path is not a directory")
	}

	dst := filepath.Join(dirAbs, name)
	if fi, err := m.fs.Stat(dst); err == nil && fi.IsDir() {
		return Artifact{}, apierr.Conflict("a directory with that name already exists")
	}
	// The partial file stays inside the session until it is complete; the
	// rename does not leave <root>.
	partial := filepath.Join(dir, partialName)
	size, sum, err := m.concat(ctx, dir, a.TotalChunks, partial)
	if err != nil {
		_ = m.fs.Remove(partial)
		var missing *MissingChunkError
		if errors.As(err, &missing) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Artifact{}, err
		}
		return Artifact{}, apierr.IO(err, "failed to write file")
	}
	if err := m.fs.Rename(partial, dst); err != nil {
		_ = m.fs.Remove(partial)
		return Artifact{}, apierr.IO(err, "failed to write file")
	}

	// The artifact is complete; leftover chunks are only logged.
	if err := fsutil.RemoveTree(m.fs, dir); err != nil {
		log.Printf("upload %s: cleanup failed: %v", a.SessionID, err)
	}

	return Artifact{
		Name:   name,
		Path:   fsutil.JoinRel(dirRel, name),
		Size:   size,
		SHA256: sum,
	}, nil
}

// concat streams the chunks into dst through a single buffer, so memory use
// does not depend on the file size.
func (m *Manager) concat(ctx context.Context, dir string, total int, dst string) (int64, string, error) {
	out, err := m.fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, "", errors.Wrap(err, "open destination")
	}
	h := sha256.New()
	w := io.MultiWriter(out, h)
	buf := make([]byte, copyBufSize)
	var size int64
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			_ = out.Close()
			return 0, "", err
		}
		n, err := m.copyChunk(w, filepath.Join(dir, chunkName(i)), buf)
		size += n
		if err != nil {
			_ = out.Close()
			if os.IsNotExist(errors.Cause(err)) {
				return 0, "", &MissingChunkError{Index: i}
			}
			return 0, "", errors.Wrapf(err, "chunk %d", i)
		}
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return 0, "", errors.Wrap(err, "sync destination")
	}
	if err := out.Close(); err != nil {
		return 0, "", errors.Wrap(err, "close destination")
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

func (m *Manager) copyChunk(w io.Writer, path string, buf []byte) (int64, error) {
	in, err := m.fs.Open(path)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return io.CopyBuffer(w, in, buf)
}

// Status lists the chunk indices received so far.
func (m *Manager) Status(sessionID string) (Status, error) {
	if !ValidSessionID(sessionID) {
		return Status{}, ErrInvalidSession
	}
	ents, err := afero.ReadDir(m.fs, m.sessionDir(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return Status{}, ErrSessionNotFound
		}
		return Status{}, apierr.IO(err, "failed to read session")
	}
	st := Status{SessionID: sessionID, Received: []int{}}
	for _, e := range ents {
		if !e.Mode().IsRegular() || !strings.HasPrefix(e.Name(), chunkPrefix) {
			continue
		}
		i, err := strconv.Atoi(strings.TrimPrefix(e.Name(), chunkPrefix))
		if err != nil || i < 0 {
			continue
		}
		st.Received = append(st.Received, i)
		st.Bytes += e.Size()
	}
	sort.Ints(st.Received)
	return st, nil
}

// Abort discards a session and its chunks.
func (m *Manager) Abort(sessionID string) error {
	if !ValidSessionID(sessionID) {
		return ErrInvalidSession
	}
	if !m.claim(sessionID) {
		return ErrAssemblyInFlight
	}
	defer m.release(sessionID)

	dir := m.sessionDir(sessionID)
	if ok, err := afero.DirExists(m.fs, dir); err != nil {
		return apierr.IO(err, "failed to read session")
	} else if !ok {
		return ErrSessionNotFound
	}
	if err := fsutil.RemoveTree(m.fs, dir); err != nil {
		return apierr.IO(err, "failed to remove session")
	}
	return nil
}

// Sweep removes sessions that have not been touched for maxAge. Sessions
// being assembled are skipped. It returns the number of sessions removed.
func (m *Manager) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	ents, err := afero.ReadDir(m.fs, m.tempDir)
	if err != nil {
		return 0, errors.Wrap(err, "read temp dir")
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range ents {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !e.IsDir() || !ValidSessionID(e.Name()) {
			continue
		}
		if m.lastActivity(e).After(cutoff) {
			continue
		}
		if !m.claim(e.Name()) {
			continue
		}
		err := fsutil.RemoveTree(m.fs, m.sessionDir(e.Name()))
		m.release(e.Name())
		if err != nil {
			log.Printf("upload sweep: remove %s: %v", e.Name(), err)
			continue
		}
		removed++
	}
	return removed, nil
}

// lastActivity is the newest mtime of the session dir and its chunks. Not
// every filesystem bumps a directory's mtime when a file is renamed into it.
func (m *Manager) lastActivity(dir os.FileInfo) time.Time {
	last := dir.ModTime()
	ents, err := afero.ReadDir(m.fs, m.sessionDir(dir.Name()))
	if err != nil {
		return last
	}
	for _, e := range ents {
		if e.ModTime().After(last) {
			last = e.ModTime()
		}
	}
	return last
}

// claim takes a session exclusively. It fails while the session is claimed
// or a chunk is being written to it.
func (m *Manager) claim(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.claimed[id]; busy || m.writers[id] > 0 {
		return false
	}
	m.claimed[id] = struct{}{}
	return true
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.claimed, id)
	m.mu.Unlock()
}

// enter registers a chunk writer. Writers share a session with each other but
// not with a claim.
func (m *Manager) enter(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.claimed[id]; busy {
		return false
	}
	m.writers[id]++
	return true
}

func (m *Manager) leave(id string) {
	m.mu.Lock()
	if m.writers[id]--; m.writers[id] <= 0 {
		delete(m.writers, id)
	}
	m.mu.Unlock()
}
