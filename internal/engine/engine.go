// Package engine implements the execution orchestrator: the
// staging-execute-upload-cleanup pipeline at the heart of the agent.
//
// One job moves through strictly sequential phases: validate the script
// exists, stage the script, verify and stage every input, execute the
// script in the sandbox under a timeout, validate the declared output,
// and upload it to results storage. Only input staging fans out
// concurrently, and every staged resource is released on every exit
// path through a scratch tracker scope.
//
// The script contract: all input paths are passed as positional
// arguments in caller-specified order, followed by exactly one output
// path as the final argument, with the working directory set to the
// job's staging directory. Arguments are basenames relative to that
// directory.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/clipforge/clipforge-agent/internal/logging"
	"github.com/clipforge/clipforge-agent/internal/metrics"
	"github.com/clipforge/clipforge-agent/internal/sandbox"
	"github.com/clipforge/clipforge-agent/internal/scratch"
	"github.com/clipforge/clipforge-agent/internal/storage"
)

const (
	// DefaultRemoteWorkDir is where job directories live inside the
	// sandbox.
	DefaultRemoteWorkDir = "/tmp/clipforge-jobs"

	// DefaultTimeout bounds script execution when the request names none.
	DefaultTimeout = 300 * time.Second
)

// JobRecord is the durable trace of one terminal job, handed to the
// Recorder after every run.
type JobRecord struct {
	ID           string
	ScriptName   string
	InputFiles   []string
	OutputName   string
	Status       string
	Detail       string
	OutputObject string
	ExitCode     *int
	StdoutTail   string
	StderrTail   string
	Duration     time.Duration
	CreatedAt    time.Time
}

// Recorder persists job history. JobStarted runs before execution so a
// crash mid-job leaves a visible running row; RecordJob finalizes it.
// Recording failures are logged by the engine, never surfaced to the
// job result.
type Recorder interface {
	JobStarted(ctx context.Context, rec JobRecord) error
	RecordJob(ctx context.Context, rec JobRecord) error
}

// Config wires the engine's collaborators.
type Config struct {
	Gateway        storage.Gateway
	Sandbox        sandbox.Sandbox
	ScratchDir     string        // base dir for local staging
	RemoteWorkDir  string        // base dir for sandbox-side job dirs
	StagingTimeout time.Duration // per storage call during staging
	UploadTimeout  time.Duration // for the result upload
	DefaultTimeout time.Duration // execution budget default
	Recorder       Recorder        // optional
	Metrics        metrics.Metrics // optional; Noop when nil
	Logger         *slog.Logger
}

// Engine runs edit jobs. Safe for concurrent use: jobs share no mutable
// state beyond the stateless gateways.
type Engine struct {
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("storage gateway is required")
	}
	if cfg.Sandbox == nil {
		return nil, fmt.Errorf("sandbox is required")
	}
	if cfg.ScratchDir == "" {
		return nil, fmt.Errorf("scratch dir is required")
	}
	if cfg.RemoteWorkDir == "" {
		cfg.RemoteWorkDir = DefaultRemoteWorkDir
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create scratch dir: %w", err)
	}
	return &Engine{cfg: cfg}, nil
}

// Execute runs one edit job to a terminal state. It never returns an
// error: every failure mode is classified into the Result.
func (e *Engine) Execute(ctx context.Context, req Request) Result {
	jobID := uuid.NewString()
	start := time.Now()

	if req.ScriptName == "" {
		req.ScriptName = "edit.sh"
	}
	if req.Timeout <= 0 {
		req.Timeout = e.cfg.DefaultTimeout
	}

	logger := logging.WithJobID(e.cfg.Logger, jobID).With("script", req.ScriptName, "output", req.OutputName)
	e.cfg.Metrics.IncJobsStarted()

	if e.cfg.Recorder != nil {
		rec := JobRecord{
			ID:         jobID,
			ScriptName: req.ScriptName,
			InputFiles: req.InputFiles,
			OutputName: req.OutputName,
			Status:     "running",
			CreatedAt:  start.UTC(),
		}
		if err := e.cfg.Recorder.JobStarted(ctx, rec); err != nil {
			logger.Warn("cannot record job start", "error", err)
		}
	}

	result := e.run(ctx, jobID, req, logger)
	result.Duration = time.Since(start)

	e.cfg.Metrics.IncJobsCompleted(result.Status())
	e.cfg.Metrics.ObserveJobDuration(result.Duration.Seconds())

	if result.Success {
		logger.Info("job succeeded", "duration_ms", result.Duration.Milliseconds())
	} else {
		logger.Warn("job failed",
			"kind", result.Failure.Kind,
			"detail", result.Failure.Detail,
			"duration_ms", result.Duration.Milliseconds(),
		)
	}

	e.record(ctx, jobID, req, result, start)
	return result
}

func (e *Engine) run(ctx context.Context, jobID string, req Request, logger *slog.Logger) Result {
	if req.OutputName == "" {
		return failure(FailureStagingFailed, "output name is required")
	}
	if len(req.InputFiles) == 0 {
		return failure(FailureStagingFailed, "at least one input file is required")
	}

	scriptRef, err := storage.NewRef(storage.ScopeScripts, req.ScriptName)
	if err != nil {
		return failure(FailureStagingFailed, fmt.Sprintf("invalid script name: %v", err))
	}
	outputRef, err := storage.NewRef(storage.ScopeResults, req.OutputName)
	if err != nil {
		return failure(FailureStagingFailed, fmt.Sprintf("invalid output name: %v", err))
	}

	inputRefs := make([]storage.ObjectRef, len(req.InputFiles))
	for i, name := range req.InputFiles {
		ref, err := storage.NewRef(storage.ScopeVideos, name)
		if err != nil {
			return failure(FailureStagingFailed, fmt.Sprintf("invalid input name %q: %v", name, err))
		}
		inputRefs[i] = ref
	}

	// Phase: Validating. Fail before any staging work starts.
	exists, err := e.existsWithin(ctx, scriptRef)
	if err != nil {
		return failure(FailureStagingFailed, fmt.Sprintf("cannot check script %s: %v", req.ScriptName, err))
	}
	if !exists {
		return failure(FailureScriptNotFound, fmt.Sprintf("Script %s not found", req.ScriptName))
	}

	// Every phase below runs inside one tracker scope; Release fires on
	// all exit paths.
	tracker, err := scratch.NewTracker(e.cfg.ScratchDir, jobID, logger)
	if err != nil {
		return failure(FailureStagingFailed, fmt.Sprintf("cannot allocate staging dir: %v", err))
	}
	defer tracker.Release()

	remoteDir := path.Join(e.cfg.RemoteWorkDir, jobID)
	remote := newRemoteSet(e.cfg.Sandbox, remoteDir, logger)
	defer remote.release()

	// Phase: StagingScript.
	scriptLocal := tracker.Path(scriptRef.Base())
	if res := e.stageScript(ctx, scriptRef, scriptLocal, remote); res != nil {
		return *res
	}

	// Phase: StagingInputs.
	if res := e.stageInputs(ctx, inputRefs, tracker, remote, logger); res != nil {
		return *res
	}

	// Phase: Executing.
	args := make([]string, 0, len(inputRefs)+1)
	for _, ref := range inputRefs {
		args = append(args, ref.Base())
	}
	args = append(args, outputRef.Base())

	runResult := e.cfg.Sandbox.Run(ctx, remote.path(scriptRef.Base()), args, remoteDir, req.Timeout)
	exitCode := runResult.ExitCode

	if runResult.TimedOut {
		r := failure(FailureTimeout, fmt.Sprintf("Script execution timed out after %d seconds", int(req.Timeout.Seconds())))
		r.Stdout = runResult.Stdout
		r.Stderr = runResult.Stderr
		return r
	}
	if runResult.ExitCode != 0 {
		r := failure(FailureExecutionNonZero, fmt.Sprintf("Script exited with code %d: %s", runResult.ExitCode, runResult.Stderr))
		r.Stdout = runResult.Stdout
		r.Stderr = runResult.Stderr
		r.ExitCode = &exitCode
		return r
	}

	// Phase: ValidatingOutput. Exit zero alone is not success: the
	// declared output must exist and be non-empty, or the script has a
	// logic bug distinct from a tool crash.
	outputLocal := tracker.Path(outputRef.Base())
	remote.track(outputRef.Base())
	copied := e.cfg.Sandbox.CopyOut(ctx, remote.path(outputRef.Base()), outputLocal)
	info, statErr := os.Stat(outputLocal)
	if !copied || statErr != nil || info.Size() == 0 {
		r := failure(FailureEmptyOutput, fmt.Sprintf("Script exited 0 but output file %s was not created or is empty", outputRef.Base()))
		r.Stdout = runResult.Stdout
		r.Stderr = runResult.Stderr
		r.ExitCode = &exitCode
		return r
	}

	// Phase: Uploading. No automatic retry; retries are a caller concern.
	uploadCtx := ctx
	if e.cfg.UploadTimeout > 0 {
		var cancel context.CancelFunc
		uploadCtx, cancel = context.WithTimeout(ctx, e.cfg.UploadTimeout)
		defer cancel()
	}
	if err := e.cfg.Gateway.Upload(uploadCtx, outputLocal, outputRef, storage.ContentTypeFor(outputRef.Name)); err != nil {
		r := failure(FailureUploadFailed, fmt.Sprintf("Output produced but upload to %s failed: %v", outputRef.Key(), err))
		r.Stdout = runResult.Stdout
		r.Stderr = runResult.Stderr
		r.ExitCode = &exitCode
		return r
	}

	return Result{
		Success:      true,
		Stdout:       runResult.Stdout,
		Stderr:       runResult.Stderr,
		ExitCode:     &exitCode,
		OutputObject: &outputRef,
	}
}

// stageScript downloads the script, marks it executable, and stages it
// into the sandbox job dir. Any failure here is fatal for the job.
func (e *Engine) stageScript(ctx context.Context, ref storage.ObjectRef, localPath string, remote *remoteSet) *Result {
	dlCtx, cancel := e.stagingContext(ctx)
	defer cancel()

	if err := e.cfg.Gateway.Download(dlCtx, ref, localPath); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r := failure(FailureScriptNotFound, fmt.Sprintf("Script %s not found", ref.Name))
			return &r
		}
		r := failure(FailureStagingFailed, fmt.Sprintf("cannot download script %s: %v", ref.Name, err))
		return &r
	}

	if err := os.Chmod(localPath, 0o755); err != nil {
		r := failure(FailureStagingFailed, fmt.Sprintf("cannot mark script executable: %v", err))
		return &r
	}

	if !remote.copyIn(ctx, localPath, ref.Base()) {
		r := failure(FailureStagingFailed, fmt.Sprintf("cannot stage script %s into sandbox", ref.Name))
		return &r
	}
	return nil
}

// stageInputs verifies every input exists, then downloads them all
// concurrently and stages them into the sandbox. Existence is checked
// up front so a missing input fails the job before any download starts;
// once downloads are in flight, a failure aborts the job only after the
// whole group resolves, so cleanup sees a stable set of local files.
func (e *Engine) stageInputs(ctx context.Context, refs []storage.ObjectRef, tracker *scratch.Tracker, remote *remoteSet, logger *slog.Logger) *Result {
	for _, ref := range refs {
		exists, err := e.existsWithin(ctx, ref)
		if err != nil {
			r := failure(FailureStagingFailed, fmt.Sprintf("cannot check input %s: %v", ref.Name, err))
			return &r
		}
		if !exists {
			r := failure(FailureInputNotFound, fmt.Sprintf("Input file %s not found", ref.Name))
			return &r
		}
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for _, ref := range refs {
		localPath := tracker.Path(ref.Base())
		g.Go(func() error {
			dlCtx, cancel := e.stagingContext(groupCtx)
			defer cancel()

			if err := e.cfg.Gateway.Download(dlCtx, ref, localPath); err != nil {
				return fmt.Errorf("cannot download input %s: %w", ref.Name, err)
			}

			info, err := os.Stat(localPath)
			if err != nil || info.Size() == 0 {
				return fmt.Errorf("input %s staged empty", ref.Name)
			}

			if !remote.copyIn(groupCtx, localPath, ref.Base()) {
				return fmt.Errorf("cannot stage input %s into sandbox", ref.Name)
			}

			e.cfg.Metrics.AddStagedBytes(float64(info.Size()))
			logger.Debug("input staged", "input", ref.Name, "bytes", info.Size())
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r := failure(FailureInputNotFound, err.Error())
			return &r
		}
		r := failure(FailureStagingFailed, err.Error())
		return &r
	}
	return nil
}

// existsWithin runs an existence check under the staging timeout.
func (e *Engine) existsWithin(ctx context.Context, ref storage.ObjectRef) (bool, error) {
	checkCtx, cancel := e.stagingContext(ctx)
	defer cancel()
	return e.cfg.Gateway.Exists(checkCtx, ref)
}

func (e *Engine) stagingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.StagingTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.StagingTimeout)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) record(ctx context.Context, jobID string, req Request, result Result, start time.Time) {
	if e.cfg.Recorder == nil {
		return
	}

	rec := JobRecord{
		ID:         jobID,
		ScriptName: req.ScriptName,
		InputFiles: req.InputFiles,
		OutputName: req.OutputName,
		Status:     result.Status(),
		ExitCode:   result.ExitCode,
		StdoutTail: tail(result.Stdout, 4096),
		StderrTail: tail(result.Stderr, 4096),
		Duration:   result.Duration,
		CreatedAt:  start.UTC(),
	}
	if result.Failure != nil {
		rec.Detail = result.Failure.Detail
	}
	if result.OutputObject != nil {
		rec.OutputObject = result.OutputObject.Key()
	}

	if err := e.cfg.Recorder.RecordJob(ctx, rec); err != nil {
		e.cfg.Logger.Warn("cannot record job history", "job_id", jobID, "error", err)
	}
}

func tail(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[len(s)-maxLen:]
}

// remoteSet tracks the sandbox-side files a job creates so they can be
// deleted best-effort when the job ends.
type remoteSet struct {
	sb     sandbox.Sandbox
	dir    string
	logger *slog.Logger
	names  []string
}

func newRemoteSet(sb sandbox.Sandbox, dir string, logger *slog.Logger) *remoteSet {
	return &remoteSet{sb: sb, dir: dir, logger: logger}
}

func (r *remoteSet) path(name string) string {
	return path.Join(r.dir, name)
}

func (r *remoteSet) copyIn(ctx context.Context, localPath, name string) bool {
	if !r.sb.CopyIn(ctx, localPath, r.path(name)) {
		return false
	}
	r.track(name)
	return true
}

func (r *remoteSet) track(name string) {
	r.names = append(r.names, name)
}

// release deletes every staged sandbox file and the job dir. Best-effort
// only; failures are logged by the sandbox.
func (r *remoteSet) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, name := range r.names {
		r.sb.Delete(ctx, r.path(name))
	}
	r.sb.Delete(ctx, r.dir)
}
