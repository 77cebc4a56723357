package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clipforge/clipforge-agent/internal/scratch"
	"github.com/clipforge/clipforge-agent/internal/storage"

	"github.com/google/uuid"
)

const (
	defaultPollInterval   = 5 * time.Second
	defaultProcessTimeout = 10 * time.Minute
)

type remoteFile struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type analyzeRequest struct {
	Prompt  string   `json:"prompt"`
	FileIDs []string `json:"file_ids"`
}

type analyzeResponse struct {
	Analysis string `json:"analysis"`
}

// HTTPAnalyzer talks to an HTTP analysis backend with a file API: upload
// media, wait for remote processing, request the analysis, delete the
// remote handles. Remote deletion is best-effort and always attempted.
type HTTPAnalyzer struct {
	baseURL        string
	apiKey         string
	gw             storage.Gateway
	scratchDir     string
	pollInterval   time.Duration
	processTimeout time.Duration
	httpClient     *http.Client
	logger         *slog.Logger
}

// Option adjusts an HTTPAnalyzer.
type Option func(*HTTPAnalyzer)

func WithPollInterval(d time.Duration) Option {
	return func(a *HTTPAnalyzer) { a.pollInterval = d }
}

func WithProcessTimeout(d time.Duration) Option {
	return func(a *HTTPAnalyzer) { a.processTimeout = d }
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *HTTPAnalyzer) { a.httpClient = c }
}

func NewHTTPAnalyzer(baseURL, apiKey string, gw storage.Gateway, scratchDir string, logger *slog.Logger, opts ...Option) *HTTPAnalyzer {
	a := &HTTPAnalyzer{
		baseURL:        baseURL,
		apiKey:         apiKey,
		gw:             gw,
		scratchDir:     scratchDir,
		pollInterval:   defaultPollInterval,
		processTimeout: defaultProcessTimeout,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AnalyzeMedia stages the named objects to the backend, waits for each
// to finish remote processing, and returns the analysis text. All
// uploaded handles are deleted before returning, on every path.
func (a *HTTPAnalyzer) AnalyzeMedia(ctx context.Context, refs []storage.ObjectRef, prompt string) (string, error) {
	if len(refs) == 0 {
		return "", fmt.Errorf("no media files named")
	}

	tracker, err := scratch.NewTracker(a.scratchDir, "analyze-"+uuid.NewString(), a.logger)
	if err != nil {
		return "", fmt.Errorf("cannot allocate staging dir: %w", err)
	}
	defer tracker.Release()

	var mu sync.Mutex
	var fileIDs []string
	defer func() {
		a.deleteRemoteFiles(fileIDs)
	}()

	// Register every uploaded handle immediately so the deferred
	// cleanup reaches it even when later processing fails.
	register := func(id string) {
		mu.Lock()
		fileIDs = append(fileIDs, id)
		mu.Unlock()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for _, ref := range refs {
		g.Go(func() error {
			return a.uploadAndProcess(groupCtx, tracker, ref, register)
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	a.logger.Info("requesting analysis", "files", len(fileIDs))
	return a.requestAnalysis(ctx, fileIDs, prompt)
}

func (a *HTTPAnalyzer) uploadAndProcess(ctx context.Context, tracker *scratch.Tracker, ref storage.ObjectRef, register func(string)) error {
	localPath := tracker.Path(ref.Base())
	if err := a.gw.Download(ctx, ref, localPath); err != nil {
		return fmt.Errorf("cannot stage %s for analysis: %w", ref.Key(), err)
	}

	remote, err := a.uploadFile(ctx, localPath, ref)
	if err != nil {
		return err
	}
	register(remote.ID)
	a.logger.Info("media uploaded for analysis", "object", ref.Key(), "remote_id", remote.ID)

	return a.waitUntilReady(ctx, remote)
}

func (a *HTTPAnalyzer) uploadFile(ctx context.Context, localPath string, ref storage.ObjectRef) (*remoteFile, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open staged file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", ref.Base())
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("cannot build upload body: %w", err)
	}
	if err := w.WriteField("mime_type", storage.ContentTypeFor(ref.Name)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/files", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	a.authorize(req)

	var remote remoteFile
	if err := a.do(req, &remote); err != nil {
		return nil, err
	}
	return &remote, nil
}

// waitUntilReady polls the remote file state until it leaves
// "processing". The loop is bounded by a wall-clock deadline, never by
// iteration count alone.
func (a *HTTPAnalyzer) waitUntilReady(ctx context.Context, remote *remoteFile) error {
	deadline := time.Now().Add(a.processTimeout)
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		switch remote.State {
		case "active":
			return nil
		case "failed":
			return fmt.Errorf("remote processing failed for file %s", remote.ID)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: file %s still %s after %s",
				ErrProcessingTimeout, remote.ID, remote.State, a.processTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/files/"+remote.ID, nil)
		if err != nil {
			return err
		}
		a.authorize(req)
		if err := a.do(req, remote); err != nil {
			return err
		}
	}
}

func (a *HTTPAnalyzer) requestAnalysis(ctx context.Context, fileIDs []string, prompt string) (string, error) {
	payload, err := json.Marshal(analyzeRequest{Prompt: prompt, FileIDs: fileIDs})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/analyze", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	a.authorize(req)

	var resp analyzeResponse
	if err := a.do(req, &resp); err != nil {
		return "", err
	}
	return resp.Analysis, nil
}

// deleteRemoteFiles removes uploaded handles. Runs on its own context
// so cleanup still happens when the caller's context is already dead.
func (a *HTTPAnalyzer) deleteRemoteFiles(fileIDs []string) {
	if len(fileIDs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, id := range fileIDs {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.baseURL+"/v1/files/"+id, nil)
		if err != nil {
			continue
		}
		a.authorize(req)
		if err := a.do(req, nil); err != nil {
			a.logger.Warn("cannot delete remote analysis file", "remote_id", id, "error", err)
		}
	}
}

func (a *HTTPAnalyzer) authorize(req *http.Request) {
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
}

func (a *HTTPAnalyzer) do(req *http.Request, out any) error {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("cannot decode response: %w", err)
	}
	return nil
}
