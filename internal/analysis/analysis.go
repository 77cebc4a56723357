// Package analysis integrates the external multimodal analysis backend.
// The backend is a black box: media handles plus a prompt go in, text
// comes out.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clipforge/clipforge-agent/internal/storage"
)

// ErrProcessingTimeout reports that a remote file did not become ready
// within the processing deadline.
var ErrProcessingTimeout = errors.New("analysis: media processing timed out")

// Analyzer produces a text analysis of stored media objects.
type Analyzer interface {
	AnalyzeMedia(ctx context.Context, refs []storage.ObjectRef, prompt string) (string, error)
}

// APIError represents a non-2xx response from the analysis backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("analysis request failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx). Client errors (4xx)
// are considered permanent.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500
}

// StubAnalyzer satisfies Analyzer without a backend configured.
type StubAnalyzer struct {
	logger *slog.Logger
}

func NewStubAnalyzer(logger *slog.Logger) *StubAnalyzer {
	return &StubAnalyzer{logger: logger}
}

func (s *StubAnalyzer) AnalyzeMedia(ctx context.Context, refs []storage.ObjectRef, prompt string) (string, error) {
	s.logger.Info("analysis stub: analysis requested", "files", len(refs))
	return "", errors.New("analysis backend is not configured")
}
