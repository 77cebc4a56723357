package sandbox

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerSandbox executes scripts inside a long-running container via the
// Docker API: files are staged with the archive endpoints and commands
// run through exec sessions.
type DockerSandbox struct {
	client    *client.Client
	container string
	logger    *slog.Logger
}

// NewDockerSandbox connects to the Docker daemon and verifies the target
// container is running.
func NewDockerSandbox(ctx context.Context, containerName string, logger *slog.Logger) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("cannot create docker client: %w", err)
	}

	inspect, err := cli.ContainerInspect(ctx, containerName)
	if err != nil {
		return nil, fmt.Errorf("cannot inspect container %s: %w", containerName, err)
	}
	if !inspect.State.Running {
		return nil, fmt.Errorf("container %s is not running (state: %s)", containerName, inspect.State.Status)
	}

	logger.Info("docker sandbox initialised", "container", containerName)
	return &DockerSandbox{client: cli, container: containerName, logger: logger}, nil
}

func (s *DockerSandbox) CopyIn(ctx context.Context, localPath, remotePath string) bool {
	f, err := os.Open(localPath)
	if err != nil {
		s.logger.Warn("copy into container failed", "src", localPath, "error", err)
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false
	}

	// The archive endpoint refuses destinations that do not exist, so the
	// target directory must be created first.
	if !s.ensureDir(ctx, filepath.Dir(remotePath)) {
		return false
	}

	// Inputs can be multi-gigabyte videos; stream the tar frame instead of
	// buffering the file in memory.
	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		hdr := &tar.Header{
			Name: filepath.Base(remotePath),
			Mode: int64(info.Mode().Perm()),
			Size: info.Size(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(tw, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(tw.Close())
	}()

	err = s.client.CopyToContainer(ctx, s.container, filepath.Dir(remotePath), pr, container.CopyToContainerOptions{})
	if err != nil {
		s.logger.Warn("copy into container failed", "dest", remotePath, "error", err)
		return false
	}
	return true
}

// ensureDir creates dir (and parents) inside the container.
func (s *DockerSandbox) ensureDir(ctx context.Context, dir string) bool {
	result := s.Run(ctx, "mkdir", []string{"-p", dir}, "", 30*time.Second)
	if !result.IsSuccess() {
		s.logger.Warn("cannot create container directory", "dir", dir, "stderr", result.Stderr)
		return false
	}
	return true
}

func (s *DockerSandbox) CopyOut(ctx context.Context, remotePath, localPath string) bool {
	rc, _, err := s.client.CopyFromContainer(ctx, s.container, remotePath)
	if err != nil {
		s.logger.Warn("copy out of container failed", "src", remotePath, "error", err)
		return false
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			s.logger.Warn("copy out of container found no file", "src", remotePath)
			return false
		}
		if err != nil {
			s.logger.Warn("copy out of container failed", "src", remotePath, "error", err)
			return false
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return false
		}
		out, err := os.Create(localPath)
		if err != nil {
			return false
		}
		_, copyErr := io.Copy(out, tr)
		closeErr := out.Close()
		if copyErr != nil || closeErr != nil {
			s.logger.Warn("copy out of container failed", "dest", localPath, "error", errors.Join(copyErr, closeErr))
			return false
		}
		return true
	}
}

func (s *DockerSandbox) Run(ctx context.Context, command string, args []string, cwd string, timeout time.Duration) RunResult {
	start := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	execID, err := s.createExec(ctx, append([]string{command}, args...), cwd)
	if err != nil {
		return RunResult{ExitCode: -1, Stderr: err.Error(), Duration: time.Since(start)}
	}

	stdout := &tailWriter{limit: maxCaptureBytes}
	stderr := &tailWriter{limit: maxCaptureBytes}

	attach, err := s.client.ContainerExecAttach(runCtx, execID, container.ExecStartOptions{})
	if err != nil {
		return RunResult{ExitCode: -1, Stderr: err.Error(), Duration: time.Since(start)}
	}
	defer attach.Close()

	_, copyErr := stdcopy.StdCopy(stdout, stderr, attach.Reader)
	elapsed := time.Since(start)

	result := RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		s.killRemote(command)
		s.logger.Warn("container command timed out", "command", command, "timeout", timeout)
		return result
	}

	if copyErr != nil {
		result.ExitCode = -1
		if result.Stderr == "" {
			result.Stderr = copyErr.Error()
		}
		return result
	}

	inspect, err := s.client.ContainerExecInspect(ctx, execID)
	if err != nil {
		result.ExitCode = -1
		if result.Stderr == "" {
			result.Stderr = err.Error()
		}
		return result
	}
	result.ExitCode = inspect.ExitCode

	s.logger.Info("container command finished",
		"command", command,
		"exit_code", result.ExitCode,
		"duration_ms", elapsed.Milliseconds(),
	)
	return result
}

func (s *DockerSandbox) List(ctx context.Context, remotePath string) ([]string, error) {
	result := s.Run(ctx, "ls", []string{"-1", remotePath}, "", 30*time.Second)
	if !result.IsSuccess() {
		return nil, fmt.Errorf("cannot list %s: %s", remotePath, strings.TrimSpace(result.Stderr))
	}

	var names []string
	for _, line := range strings.Split(result.Stdout, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// Delete removes a file or a whole job directory.
func (s *DockerSandbox) Delete(ctx context.Context, remotePath string) bool {
	result := s.Run(ctx, "rm", []string{"-rf", remotePath}, "", 30*time.Second)
	if !result.IsSuccess() {
		s.logger.Warn("container delete failed", "path", remotePath, "stderr", result.Stderr)
		return false
	}
	return true
}

func (s *DockerSandbox) createExec(ctx context.Context, cmd []string, cwd string) (string, error) {
	resp, err := s.client.ContainerExecCreate(ctx, s.container, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   cwd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("cannot create exec in %s: %w", s.container, err)
	}
	return resp.ID, nil
}

// killRemote terminates any process still running the given command after
// a timeout. The Docker API cannot kill an exec session directly, so this
// is a best-effort pkill by command line.
func (s *DockerSandbox) killRemote(command string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	execID, err := s.createExec(killCtx, []string{"pkill", "-KILL", "-f", command}, "")
	if err != nil {
		s.logger.Warn("cannot kill timed-out container process", "command", command, "error", err)
		return
	}
	if err := s.client.ContainerExecStart(killCtx, execID, container.ExecStartOptions{}); err != nil {
		s.logger.Warn("cannot kill timed-out container process", "command", command, "error", err)
	}
}
