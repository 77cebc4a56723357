package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clipforge/clipforge-agent/internal/analysis"
	"github.com/clipforge/clipforge-agent/internal/catalog"
	"github.com/clipforge/clipforge-agent/internal/db"
	"github.com/clipforge/clipforge-agent/internal/engine"
	"github.com/clipforge/clipforge-agent/internal/history"
	"github.com/clipforge/clipforge-agent/internal/sandbox"
	"github.com/clipforge/clipforge-agent/internal/scripts"
	"github.com/clipforge/clipforge-agent/internal/storage"
)

// fakeGateway is an in-memory storage.Gateway shared by the handlers
// under test.
type fakeGateway struct {
	mu      sync.Mutex
	objects map[string][]byte
	pingErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{objects: make(map[string][]byte)}
}

func (f *fakeGateway) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

func (f *fakeGateway) get(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return data, ok
}

func (f *fakeGateway) Download(ctx context.Context, ref storage.ObjectRef, destPath string) error {
	data, ok := f.get(ref.Key())
	if !ok {
		return storage.ErrNotFound
	}
	return os.WriteFile(destPath, data, 0o644)
}

func (f *fakeGateway) Upload(ctx context.Context, localPath string, ref storage.ObjectRef, contentType string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.put(ref.Key(), data)
	return nil
}

func (f *fakeGateway) UploadBytes(ctx context.Context, data []byte, ref storage.ObjectRef, contentType string) error {
	f.put(ref.Key(), append([]byte(nil), data...))
	return nil
}

func (f *fakeGateway) Exists(ctx context.Context, ref storage.ObjectRef) (bool, error) {
	_, ok := f.get(ref.Key())
	return ok, nil
}

func (f *fakeGateway) Delete(ctx context.Context, ref storage.ObjectRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[ref.Key()]; !ok {
		return storage.ErrNotFound
	}
	delete(f.objects, ref.Key())
	return nil
}

func (f *fakeGateway) List(ctx context.Context, scope storage.Scope) ([]storage.ObjectRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := string(scope) + "/"
	var refs []storage.ObjectRef
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			ref, _ := storage.NewRef(scope, strings.TrimPrefix(key, prefix))
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (f *fakeGateway) Stat(ctx context.Context, ref storage.ObjectRef) (*storage.ObjectInfo, error) {
	data, ok := f.get(ref.Key())
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.ObjectInfo{Size: int64(len(data)), ContentType: storage.ContentTypeFor(ref.Name)}, nil
}

func (f *fakeGateway) PresignedURL(ctx context.Context, ref storage.ObjectRef, ttl time.Duration) (string, error) {
	return "http://minio.test/" + ref.Key() + "?sig=test", nil
}

func (f *fakeGateway) Ping(ctx context.Context) error { return f.pingErr }

type fixedAnalyzer struct {
	text string
	err  error
}

func (a *fixedAnalyzer) AnalyzeMedia(ctx context.Context, refs []storage.ObjectRef, prompt string) (string, error) {
	return a.text, a.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testServer struct {
	router  http.Handler
	gateway *fakeGateway
	repo    *history.SQLiteRepository
}

func newTestServer(t *testing.T, mutate ...func(*ServerConfig)) *testServer {
	t.Helper()
	gw := newFakeGateway()
	logger := testLogger()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	repo := history.NewRepository(database.Conn())

	eng, err := engine.New(engine.Config{
		Gateway:       gw,
		Sandbox:       sandbox.NewLocalSandbox(logger),
		ScratchDir:    filepath.Join(t.TempDir(), "scratch"),
		RemoteWorkDir: filepath.Join(t.TempDir(), "remote"),
		Recorder:      repo,
		Logger:        logger,
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := ServerConfig{
		Port:            0,
		Gateway:         gw,
		Catalog:         catalog.New(gw, logger),
		Scripts:         scripts.NewRepository(gw, logger),
		Engine:          eng,
		Analyzer:        &fixedAnalyzer{text: "a quiet beach scene"},
		History:         repo,
		StorageEndpoint: "minio.test:9000",
		StorageBucket:   "video-storage",
		Logger:          logger,
		StartTime:       time.Now(),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	return &testServer{router: NewRouter(cfg), gateway: gw, repo: repo}
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("cannot decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[HealthResponse](t, w)
	if resp.Status != "ok" {
		t.Errorf("status = %q", resp.Status)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
}

func TestUploadAndList(t *testing.T) {
	ts := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "clip.mp4")
	part.Write([]byte("fake video bytes"))
	mw.Close()

	w := ts.do(t, http.MethodPost, "/api/v1/upload", &buf,
		map[string]string{"Content-Type": mw.FormDataContentType()})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resp := decode[UploadResponse](t, w)
	if resp.Object != "videos/clip.mp4" || resp.Size != 16 {
		t.Errorf("upload response = %+v", resp)
	}
	if _, ok := ts.gateway.get("videos/clip.mp4"); !ok {
		t.Fatal("object not stored")
	}

	lw := ts.do(t, http.MethodGet, "/api/v1/medias", nil, nil)
	if lw.Code != http.StatusOK {
		t.Fatalf("list status = %d", lw.Code)
	}
	listing := decode[map[string]any](t, lw)
	if listing["total_video_count"].(float64) != 1 {
		t.Errorf("listing = %v", listing)
	}
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	ts := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "malware.exe")
	part.Write([]byte("nope"))
	mw.Close()

	w := ts.do(t, http.MethodPost, "/api/v1/upload", &buf,
		map[string]string{"Content-Type": mw.FormDataContentType()})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestDeleteMedia(t *testing.T) {
	ts := newTestServer(t)
	ts.gateway.put("results/out.mp4", []byte("x"))

	w := ts.do(t, http.MethodDelete, "/api/v1/media/out.mp4?source=results", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if _, ok := ts.gateway.get("results/out.mp4"); ok {
		t.Error("object still present")
	}

	w = ts.do(t, http.MethodDelete, "/api/v1/media/out.mp4?source=results", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}

	w = ts.do(t, http.MethodDelete, "/api/v1/media/out.mp4?source=attic", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad scope status = %d, want 400", w.Code)
	}
}

func TestDownloadRedirect(t *testing.T) {
	ts := newTestServer(t)
	ts.gateway.put("videos/clip.mp4", []byte("x"))

	w := ts.do(t, http.MethodGet, "/api/v1/download/clip.mp4", nil, nil)
	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", w.Code)
	}
	if loc := w.Header().Get("Location"); !strings.Contains(loc, "videos/clip.mp4") {
		t.Errorf("location = %q", loc)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/download/missing.mp4", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", w.Code)
	}
}

func TestScriptRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/v1/script", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get before put: status = %d, want 404", w.Code)
	}

	body, _ := json.Marshal(ScriptUpdateRequest{Content: "#!/bin/sh\nexit 0\n"})
	w = ts.do(t, http.MethodPut, "/api/v1/script", bytes.NewReader(body), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodGet, "/api/v1/script", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	resp := decode[ScriptResponse](t, w)
	if resp.Name != "edit.sh" || !strings.Contains(resp.Content, "exit 0") {
		t.Errorf("script response = %+v", resp)
	}
}

func TestExecute_SuccessAndHistory(t *testing.T) {
	ts := newTestServer(t)
	ts.gateway.put("scripts/edit.sh", []byte("#!/bin/sh\ncat \"$1\" > \"$2\"\n"))
	ts.gateway.put("videos/a.mp4", []byte("AAAA"))

	body, _ := json.Marshal(ExecuteRequest{
		InputFiles:     []string{"a.mp4"},
		OutputFilename: "out.mp4",
		TimeoutSeconds: 10,
	})
	w := ts.do(t, http.MethodPost, "/api/v1/execute", bytes.NewReader(body), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resp := decode[ExecuteResponse](t, w)
	if !resp.Success {
		t.Fatalf("execution failed: %s", resp.Error)
	}
	if resp.OutputObject != "results/out.mp4" || resp.OutputFile != "out.mp4" {
		t.Errorf("response = %+v", resp)
	}

	// The job must be visible in history.
	jw := ts.do(t, http.MethodGet, "/api/v1/jobs", nil, nil)
	jobs := decode[JobsResponse](t, jw)
	if len(jobs.Jobs) != 1 || jobs.Jobs[0].Status != "success" {
		t.Fatalf("jobs = %+v", jobs)
	}

	gw := ts.do(t, http.MethodGet, "/api/v1/jobs/"+jobs.Jobs[0].ID, nil, nil)
	if gw.Code != http.StatusOK {
		t.Errorf("get job status = %d", gw.Code)
	}
}

func TestExecute_FailureShape(t *testing.T) {
	ts := newTestServer(t)
	ts.gateway.put("scripts/edit.sh", []byte("#!/bin/sh\nexit 0\n"))

	body, _ := json.Marshal(ExecuteRequest{
		InputFiles:     []string{"missing.mp4"},
		OutputFilename: "out.mp4",
	})
	w := ts.do(t, http.MethodPost, "/api/v1/execute", bytes.NewReader(body), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[ExecuteResponse](t, w)
	if resp.Success {
		t.Fatal("expected failure")
	}
	if resp.Error != "Input file missing.mp4 not found" {
		t.Errorf("error = %q", resp.Error)
	}
	if resp.OutputObject != "" {
		t.Errorf("failed job must carry no output object, got %q", resp.OutputObject)
	}
}

func TestExecute_Validation(t *testing.T) {
	ts := newTestServer(t)

	body, _ := json.Marshal(ExecuteRequest{OutputFilename: "out.mp4"})
	w := ts.do(t, http.MethodPost, "/api/v1/execute", bytes.NewReader(body), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("no inputs: status = %d, want 400", w.Code)
	}

	body, _ = json.Marshal(ExecuteRequest{InputFiles: []string{"a.mp4"}})
	w = ts.do(t, http.MethodPost, "/api/v1/execute", bytes.NewReader(body), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("no output: status = %d, want 400", w.Code)
	}
}

func TestAnalyze(t *testing.T) {
	ts := newTestServer(t)

	body, _ := json.Marshal(AnalyzeRequest{Files: []string{"a.mp4"}, Prompt: "describe"})
	w := ts.do(t, http.MethodPost, "/api/v1/analyze", bytes.NewReader(body), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resp := decode[AnalyzeResponse](t, w)
	if resp.Analysis != "a quiet beach scene" {
		t.Errorf("analysis = %q", resp.Analysis)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/analyze",
		bytes.NewReader([]byte(`{"prompt":"x"}`)), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("no files: status = %d, want 400", w.Code)
	}
}

func TestAnalyze_TimeoutMapsTo504(t *testing.T) {
	ts := newTestServer(t, func(cfg *ServerConfig) {
		cfg.Analyzer = &fixedAnalyzer{err: analysis.ErrProcessingTimeout}
	})

	body, _ := json.Marshal(AnalyzeRequest{Files: []string{"a.mp4"}, Prompt: "describe"})
	w := ts.do(t, http.MethodPost, "/api/v1/analyze", bytes.NewReader(body), nil)
	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", w.Code)
	}
}

func TestStorageStatus(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/storage/status", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[StorageStatusResponse](t, w)
	if resp.Status != "ok" || resp.Bucket != "video-storage" {
		t.Errorf("response = %+v", resp)
	}

	ts.gateway.pingErr = storage.ErrUnavailable
	w = ts.do(t, http.MethodGet, "/api/v1/storage/status", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("unavailable status = %d, want 503", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	ts := newTestServer(t, func(cfg *ServerConfig) {
		cfg.AuthToken = "secret-token"
	})

	w := ts.do(t, http.MethodGet, "/api/v1/medias", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/medias", nil,
		map[string]string{"Authorization": "Bearer wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/medias", nil,
		map[string]string{"Authorization": "Bearer secret-token"})
	if w.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", w.Code)
	}

	// Health stays open for probes.
	w = ts.do(t, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("health with auth enabled: status = %d, want 200", w.Code)
	}
}
