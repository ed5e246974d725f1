// Package scratch allocates per-job working directories and guarantees their removal.
//
// Every job gets its own directory named after a fresh UUID under the manager's
// root, so concurrent jobs never share a path and release only ever touches the
// job's own files.
package scratch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	jobDirPrefix = "job-"

	sourceName     = "source.mp4"
	concatListName = "concat.txt"
	outputName     = "output.mp4"
)

// Manager owns the scratch root.
type Manager struct {
	root   string
	logger *slog.Logger
}

// NewManager creates the root directory if needed. The root is made absolute
// because job paths end up in concat lists, which ffmpeg resolves relative to
// the list file.
func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	if root == "" {
		return nil, errors.New("scratch root is required")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve scratch root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}
	return &Manager{root: root, logger: logger}, nil
}

// Root returns the scratch root directory.
func (m *Manager) Root() string {
	return m.root
}

// Acquire allocates a new job directory. Callers must defer Release.
func (m *Manager) Acquire() (*Job, error) {
	id := uuid.NewString()
	dir := filepath.Join(m.root, jobDirPrefix+id)

	// Mkdir (not MkdirAll) fails if the path already exists, so a job never adopts another's directory.
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	m.logger.Debug("scratch acquired", "job_id", id, "dir", dir)
	return &Job{id: id, dir: dir, logger: m.logger}, nil
}

// Sweep removes job directories older than maxAge. It is meant for startup,
// when directories can only belong to a previous process that died mid-job.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("read scratch root: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), jobDirPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("failed to sweep stale scratch dir", "dir", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Job is one request's scratch set: the downloaded source, one clip per
// segment, the concat list and the final output, all under a private directory.
type Job struct {
	id     string
	dir    string
	logger *slog.Logger

	once sync.Once
}

// ID returns the job identifier embedded in the directory name.
func (j *Job) ID() string {
	return j.id
}

// Dir returns the job directory.
func (j *Job) Dir() string {
	return j.dir
}

func (j *Job) SourcePath() string {
	return filepath.Join(j.dir, sourceName)
}

// ClipPath returns the path of the i-th extracted clip.
func (j *Job) ClipPath(i int) string {
	return filepath.Join(j.dir, fmt.Sprintf("clip_%04d.mp4", i))
}

func (j *Job) ConcatListPath() string {
	return filepath.Join(j.dir, concatListName)
}

func (j *Job) OutputPath() string {
	return filepath.Join(j.dir, outputName)
}

// Release removes the job directory and everything in it. It is safe to call
// more than once; failures are logged and never returned.
func (j *Job) Release() {
	j.once.Do(func() {
		if err := os.RemoveAll(j.dir); err != nil {
			j.logger.Warn("scratch cleanup failed", "job_id", j.id, "dir", j.dir, "error", err)
			return
		}
		j.logger.Debug("scratch released", "job_id", j.id)
	})
}
