// Package scratch stages uploaded audio on local disk so engines can read
// it by path. Every artifact gets a collision-free name and is removed at
// most once.
package scratch

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"voxscribe-service/internal/observability/logging"
	"voxscribe-service/internal/observability/metrics"
)

// Prefix starts every artifact file name.
const Prefix = "voxscribe-"

// Option configures a Store.
type Option func(*Store)

// WithRemover replaces os.Remove for artifact deletion.
func WithRemover(remove func(string) error) Option {
	return func(s *Store) {
		s.remove = remove
	}
}

// Store creates artifacts in a single directory.
type Store struct {
	dir     string
	remove  func(string) error
	metrics *metrics.Metrics
}

// New creates a store rooted at dir, creating it if needed. Empty dir
// means os.TempDir(). A nil m uses metrics.DefaultMetrics.
func New(dir string, m *metrics.Metrics, opts ...Option) (*Store, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	s := &Store{dir: dir, remove: os.Remove, metrics: m}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the scratch directory.
func (s *Store) Dir() string { return s.dir }

// Write copies r into a new artifact whose name ends in ext.
func (s *Store) Write(r io.Reader, ext string) (*Artifact, error) {
	path := filepath.Join(s.dir, Prefix+uuid.NewString()+strings.ToLower(ext))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write scratch file: %w", err)
	}

	s.metrics.RecordScratchCreated()
	return &Artifact{store: s, path: path, size: n}, nil
}

// Sweep removes artifacts older than age left behind by a previous run.
// It returns the number of files removed.
func (s *Store) Sweep(age time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read scratch dir: %w", err)
	}

	cutoff := time.Now().Add(-age)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), Prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := s.remove(filepath.Join(s.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Artifact is one staged upload.
type Artifact struct {
	store *Store
	path  string
	size  int64

	once sync.Once
	err  error
}

// Path returns the artifact's location on disk.
func (a *Artifact) Path() string { return a.path }

// Size returns the number of bytes written.
func (a *Artifact) Size() int64 { return a.size }

// Release deletes the artifact. Only the first call does any work; later
// calls return the first call's result. A file that is already gone is
// not an error.
func (a *Artifact) Release() error {
	a.once.Do(func() {
		err := a.store.remove(a.path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			a.err = err
			a.store.metrics.RecordScratchDeleteError()
			logger := logging.WithComponent("scratch")
			logger.Warn().
				Err(err).
				Str("path", a.path).
				Msg("Failed to delete scratch artifact")
		}
	})
	return a.err
}
