package api

import (
	"time"

	"github.com/clipforge/clipforge-agent/internal/engine"
	"github.com/clipforge/clipforge-agent/internal/history"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StorageStatusResponse struct {
	Status   string `json:"status"`
	Endpoint string `json:"endpoint"`
	Bucket   string `json:"bucket"`
	Error    string `json:"error,omitempty"`
}

type UploadResponse struct {
	Filename string `json:"filename"`
	Object   string `json:"object"`
	Size     int64  `json:"size_bytes"`
}

type DeleteResponse struct {
	Message string `json:"message"`
}

type ScriptResponse struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type ScriptUpdateRequest struct {
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

type ExecuteRequest struct {
	InputFiles     []string `json:"input_files"`
	OutputFilename string   `json:"output_filename"`
	ScriptName     string   `json:"script_name,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// ExecuteResponse is the wire shape of a job outcome: successful jobs
// carry the output object, failed jobs carry the classified error text.
type ExecuteResponse struct {
	Success      bool   `json:"success"`
	Stdout       string `json:"stdout,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
	OutputFile   string `json:"output_file,omitempty"`
	OutputObject string `json:"output_object,omitempty"`
	Error        string `json:"error,omitempty"`
}

type AnalyzeRequest struct {
	Files  []string `json:"files"`
	Prompt string   `json:"prompt"`
	Source string   `json:"source,omitempty"`
}

type AnalyzeResponse struct {
	Analysis string `json:"analysis"`
}

type JobResponse struct {
	ID           string   `json:"id"`
	Script       string   `json:"script"`
	Inputs       []string `json:"inputs"`
	OutputName   string   `json:"output_name"`
	Status       string   `json:"status"`
	Detail       string   `json:"detail,omitempty"`
	OutputObject string   `json:"output_object,omitempty"`
	ExitCode     *int     `json:"exit_code,omitempty"`
	DurationMS   int64    `json:"duration_ms"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func JobToResponse(j *history.Job) JobResponse {
	return JobResponse{
		ID:           j.ID,
		Script:       j.Script,
		Inputs:       j.Inputs,
		OutputName:   j.OutputName,
		Status:       j.Status,
		Detail:       j.Detail,
		OutputObject: j.OutputObject,
		ExitCode:     j.ExitCode,
		DurationMS:   j.DurationMS,
		CreatedAt:    j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    j.UpdatedAt.Format(time.RFC3339),
	}
}

func ResultToResponse(result engine.Result) ExecuteResponse {
	resp := ExecuteResponse{
		Success: result.Success,
		Stdout:  result.Stdout,
		Stderr:  result.Stderr,
	}
	if result.Success && result.OutputObject != nil {
		resp.OutputFile = result.OutputObject.Base()
		resp.OutputObject = result.OutputObject.Key()
	}
	if result.Failure != nil {
		resp.Error = result.Failure.Detail
	}
	return resp
}
