// Package scratch tracks the temporary files a job allocates and
// guarantees their removal when the job ends. It is the only
// resource-safety primitive in the agent: every orchestrator operation
// runs inside one tracker scope and defers Release.
package scratch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Tracker owns a per-job staging directory plus any extra paths recorded
// against it. Release removes everything best-effort: deletion failures
// are logged, never fatal — a leaked temp file is degraded but safe.
type Tracker struct {
	jobID  string
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	paths    []string
	released bool
}

// NewTracker creates the staging directory for a job under baseDir.
func NewTracker(baseDir, jobID string, logger *slog.Logger) (*Tracker, error) {
	dir := filepath.Join(baseDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create staging dir %s: %w", dir, err)
	}
	return &Tracker{jobID: jobID, dir: dir, logger: logger}, nil
}

// Dir returns the job's staging directory.
func (t *Tracker) Dir() string {
	return t.dir
}

// Path allocates a path for name inside the staging directory and records
// it for cleanup.
func (t *Tracker) Path(name string) string {
	p := filepath.Join(t.dir, filepath.Base(name))
	t.Track(p)
	return p
}

// Track records an externally allocated path for cleanup at Release.
func (t *Tracker) Track(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paths = append(t.paths, path)
}

// Release deletes every tracked path and the staging directory itself.
// Safe to call more than once; only the first call does work.
func (t *Tracker) Release() {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return
	}
	t.released = true
	paths := t.paths
	t.mu.Unlock()

	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			t.logger.Warn("cannot remove staged file", "job_id", t.jobID, "path", p, "error", err)
		}
	}

	if err := os.RemoveAll(t.dir); err != nil {
		t.logger.Warn("cannot remove staging dir", "job_id", t.jobID, "dir", t.dir, "error", err)
		return
	}

	t.logger.Debug("released staging dir", "job_id", t.jobID, "dir", t.dir, "tracked", len(paths))
}
