package sandbox

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeScript(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestLocalSandbox_RunSuccess(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "ok.sh", "#!/bin/sh\necho hello \"$1\"\n")

	s := NewLocalSandbox(testLogger())
	result := s.Run(context.Background(), script, []string{"world"}, dir, 10*time.Second)

	if !result.IsSuccess() {
		t.Fatalf("expected success, got exit=%d timedOut=%v stderr=%q", result.ExitCode, result.TimedOut, result.Stderr)
	}
	if result.Stdout != "hello world\n" {
		t.Errorf("stdout = %q, want %q", result.Stdout, "hello world\n")
	}
}

func TestLocalSandbox_RunNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "fail.sh", "#!/bin/sh\necho oops >&2\nexit 3\n")

	s := NewLocalSandbox(testLogger())
	result := s.Run(context.Background(), script, nil, dir, 10*time.Second)

	if result.IsSuccess() {
		t.Fatal("expected failure")
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
	if result.Stderr != "oops\n" {
		t.Errorf("stderr = %q, want %q", result.Stderr, "oops\n")
	}
	if result.TimedOut {
		t.Error("non-zero exit must not be reported as a timeout")
	}
}

func TestLocalSandbox_RunTimeout(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "slow.sh", "#!/bin/sh\necho started\nsleep 30\n")

	s := NewLocalSandbox(testLogger())
	start := time.Now()
	result := s.Run(context.Background(), script, nil, dir, 500*time.Millisecond)
	elapsed := time.Since(start)

	if !result.TimedOut {
		t.Fatalf("expected timeout, got exit=%d", result.ExitCode)
	}
	if result.IsSuccess() {
		t.Error("a timed-out run must not be a success")
	}
	if elapsed > 10*time.Second {
		t.Errorf("timeout enforcement took %v, process tree was not killed", elapsed)
	}
	// Partial output captured before termination is preserved.
	if result.Stdout != "started\n" {
		t.Errorf("stdout = %q, want partial output %q", result.Stdout, "started\n")
	}
}

func TestLocalSandbox_RunKillsChildProcesses(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	// The child sleeps past the timeout and then would write the marker;
	// killing the process group must prevent that.
	script := writeScript(t, dir, "spawn.sh", "#!/bin/sh\n(sleep 2 && touch "+marker+") &\nsleep 30\n")

	s := NewLocalSandbox(testLogger())
	result := s.Run(context.Background(), script, nil, dir, 500*time.Millisecond)
	if !result.TimedOut {
		t.Fatalf("expected timeout, got exit=%d", result.ExitCode)
	}

	time.Sleep(3 * time.Second)
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("child process survived the timeout kill")
	}
}

func TestLocalSandbox_CopyInOut(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewLocalSandbox(testLogger())
	ctx := context.Background()

	staged := filepath.Join(dir, "staged", "src.bin")
	if !s.CopyIn(ctx, src, staged) {
		t.Fatal("CopyIn failed")
	}

	fetched := filepath.Join(dir, "fetched.bin")
	if !s.CopyOut(ctx, staged, fetched) {
		t.Fatal("CopyOut failed")
	}

	data, err := os.ReadFile(fetched)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("fetched content = %q, want %q", data, "payload")
	}
}

func TestLocalSandbox_CopyInMissingSource(t *testing.T) {
	s := NewLocalSandbox(testLogger())
	if s.CopyIn(context.Background(), "/nonexistent/file", filepath.Join(t.TempDir(), "dest")) {
		t.Error("CopyIn of a missing source must return false")
	}
}

func TestLocalSandbox_ListAndDelete(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.mp4", "b.mp4"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	s := NewLocalSandbox(testLogger())
	ctx := context.Background()

	names, err := s.List(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(names))
	}

	if !s.Delete(ctx, filepath.Join(dir, "a.mp4")) {
		t.Fatal("Delete failed")
	}
	names, err = s.List(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "b.mp4" {
		t.Errorf("after delete List = %v, want [b.mp4]", names)
	}

	// Deleting a missing path is not an error.
	if !s.Delete(ctx, filepath.Join(dir, "gone.mp4")) {
		t.Error("Delete of a missing path must succeed")
	}
}

func TestTailWriter_KeepsOnlyTail(t *testing.T) {
	w := &tailWriter{limit: 10}

	w.Write([]byte("hello"))
	if w.String() != "hello" {
		t.Errorf("after short write got %q, want %q", w.String(), "hello")
	}

	w.Write([]byte(" world of test data"))
	got := w.String()
	if len(got) > 10 {
		t.Errorf("buffer length %d exceeds limit 10", len(got))
	}
	if got != " test data" {
		t.Errorf("after overflow got %q, want %q", got, " test data")
	}
}
