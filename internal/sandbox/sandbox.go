// Package sandbox provides isolated execution of edit scripts, either as
// host subprocesses or inside a long-running container. All script
// execution in the agent goes through this contract.
package sandbox

import (
	"bytes"
	"context"
	"time"
)

const (
	// maxCaptureBytes bounds the stdout/stderr kept per run. Only the
	// tail is retained for diagnostics.
	maxCaptureBytes = 64 * 1024
)

// RunResult is the structured outcome of executing a command.
type RunResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Duration time.Duration `json:"duration"`
}

// IsSuccess returns true when the command exited cleanly within its budget.
func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 && !r.TimedOut }

// Sandbox is the uniform contract over an isolated execution environment.
//
// CopyIn/CopyOut are best-effort booleans: a true return means the copy
// command succeeded, not that the destination holds the expected bytes.
// Callers must verify resulting file existence and non-emptiness before
// trusting a copy.
type Sandbox interface {
	// CopyIn stages a local file at remotePath inside the sandbox.
	CopyIn(ctx context.Context, localPath, remotePath string) bool

	// CopyOut fetches a sandbox file to localPath.
	CopyOut(ctx context.Context, remotePath, localPath string) bool

	// Run executes command with args in cwd, enforcing timeout by
	// terminating the process tree. A timeout is reported as a
	// distinguished TimedOut outcome, with partial output preserved.
	Run(ctx context.Context, command string, args []string, cwd string, timeout time.Duration) RunResult

	// List returns the filenames directly under remotePath.
	List(ctx context.Context, remotePath string) ([]string, error)

	// Delete removes remotePath inside the sandbox.
	Delete(ctx context.Context, remotePath string) bool
}

// tailWriter is an io.Writer that keeps only the last `limit` bytes.
type tailWriter struct {
	buf   bytes.Buffer
	limit int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	n := len(p)
	w.buf.Write(p)
	if w.buf.Len() > w.limit {
		// Keep only the tail
		b := w.buf.Bytes()
		tail := make([]byte, w.limit)
		copy(tail, b[len(b)-w.limit:])
		w.buf.Reset()
		w.buf.Write(tail)
	}
	return n, nil
}

func (w *tailWriter) String() string { return w.buf.String() }
