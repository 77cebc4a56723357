package engine

import (
	"time"

	"github.com/clipforge/clipforge-agent/internal/storage"
)

// FailureKind classifies every way an edit job can fail. The set is
// closed: callers switch on the kind instead of probing error text.
type FailureKind string

const (
	FailureScriptNotFound   FailureKind = "script_not_found"
	FailureInputNotFound    FailureKind = "input_not_found"
	FailureStagingFailed    FailureKind = "staging_failed"
	FailureExecutionNonZero FailureKind = "execution_non_zero"
	FailureTimeout          FailureKind = "timeout"
	FailureEmptyOutput      FailureKind = "empty_output"
	FailureUploadFailed     FailureKind = "upload_failed"
)

// Failure describes a classified job failure with actionable detail.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Detail string      `json:"detail"`
}

func (f *Failure) Error() string { return f.Detail }

// Request is one edit job: run a stored script against stored inputs and
// upload one output. Zero-value fields pick up defaults in Execute.
type Request struct {
	InputFiles []string      // object names under videos/
	OutputName string        // object name under results/
	ScriptName string        // object name under scripts/; default edit.sh
	Timeout    time.Duration // execution budget; default from engine config
}

// Result is the structured outcome of one edit job. Exactly one is
// produced per job and nothing is thrown past the engine boundary.
type Result struct {
	Success      bool               `json:"success"`
	Stdout       string             `json:"stdout,omitempty"`
	Stderr       string             `json:"stderr,omitempty"`
	ExitCode     *int               `json:"exit_code,omitempty"`
	OutputObject *storage.ObjectRef `json:"output_object,omitempty"`
	Failure      *Failure           `json:"failure,omitempty"`
	Duration     time.Duration      `json:"duration"`
}

// Status returns the terminal status label: "success" or the failure kind.
func (r Result) Status() string {
	if r.Success {
		return "success"
	}
	if r.Failure != nil {
		return string(r.Failure.Kind)
	}
	return "unknown"
}

func failure(kind FailureKind, detail string) Result {
	return Result{Success: false, Failure: &Failure{Kind: kind, Detail: detail}}
}
