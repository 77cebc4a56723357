package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// LocalSandbox executes scripts as subprocesses on the host. Remote paths
// are ordinary filesystem paths; CopyIn/CopyOut are plain file copies.
// Each run gets its own process group so a timeout kills the whole tree.
type LocalSandbox struct {
	logger *slog.Logger
}

func NewLocalSandbox(logger *slog.Logger) *LocalSandbox {
	return &LocalSandbox{logger: logger}
}

func (s *LocalSandbox) CopyIn(ctx context.Context, localPath, remotePath string) bool {
	if err := copyFile(localPath, remotePath); err != nil {
		s.logger.Warn("copy into sandbox failed", "src", localPath, "dest", remotePath, "error", err)
		return false
	}
	return true
}

func (s *LocalSandbox) CopyOut(ctx context.Context, remotePath, localPath string) bool {
	if err := copyFile(remotePath, localPath); err != nil {
		s.logger.Warn("copy out of sandbox failed", "src", remotePath, "dest", localPath, "error", err)
		return false
	}
	return true
}

func (s *LocalSandbox) Run(ctx context.Context, command string, args []string, cwd string, timeout time.Duration) RunResult {
	start := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, command, args...)
	cmd.Dir = cwd

	// Run in a dedicated process group so cancellation reaches children
	// spawned by the script, not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout := &tailWriter{limit: maxCaptureBytes}
	stderr := &tailWriter{limit: maxCaptureBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	s.logger.Info("executing command",
		"command", command,
		"args", args,
		"cwd", cwd,
		"timeout", timeout,
	)

	err := cmd.Run()
	elapsed := time.Since(start)

	result := RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		s.logger.Warn("command timed out",
			"command", command,
			"timeout", timeout,
			"duration_ms", elapsed.Milliseconds(),
		)
		return result
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			if result.Stderr == "" {
				result.Stderr = err.Error()
			}
		}
		s.logger.Warn("command failed",
			"command", command,
			"exit_code", result.ExitCode,
			"duration_ms", elapsed.Milliseconds(),
		)
		return result
	}

	s.logger.Info("command succeeded",
		"command", command,
		"duration_ms", elapsed.Milliseconds(),
	)
	return result
}

func (s *LocalSandbox) List(ctx context.Context, remotePath string) ([]string, error) {
	entries, err := os.ReadDir(remotePath)
	if err != nil {
		return nil, fmt.Errorf("cannot list %s: %w", remotePath, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (s *LocalSandbox) Delete(ctx context.Context, remotePath string) bool {
	if err := os.Remove(remotePath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("sandbox delete failed", "path", remotePath, "error", err)
		return false
	}
	return true
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
