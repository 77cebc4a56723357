package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clipforge/clipforge-agent/internal/storage"
)

// fakeGateway serves staged downloads from memory.
type fakeGateway struct {
	objects map[string][]byte
}

func (f *fakeGateway) Download(ctx context.Context, ref storage.ObjectRef, destPath string) error {
	data, ok := f.objects[ref.Key()]
	if !ok {
		return storage.ErrNotFound
	}
	return os.WriteFile(destPath, data, 0o644)
}

func (f *fakeGateway) Upload(ctx context.Context, localPath string, ref storage.ObjectRef, contentType string) error {
	return nil
}
func (f *fakeGateway) UploadBytes(ctx context.Context, data []byte, ref storage.ObjectRef, contentType string) error {
	return nil
}
func (f *fakeGateway) Exists(ctx context.Context, ref storage.ObjectRef) (bool, error) {
	_, ok := f.objects[ref.Key()]
	return ok, nil
}
func (f *fakeGateway) Delete(ctx context.Context, ref storage.ObjectRef) error { return nil }
func (f *fakeGateway) List(ctx context.Context, scope storage.Scope) ([]storage.ObjectRef, error) {
	return nil, nil
}
func (f *fakeGateway) Stat(ctx context.Context, ref storage.ObjectRef) (*storage.ObjectInfo, error) {
	return nil, storage.ErrNotFound
}
func (f *fakeGateway) PresignedURL(ctx context.Context, ref storage.ObjectRef, ttl time.Duration) (string, error) {
	return "", nil
}
func (f *fakeGateway) Ping(ctx context.Context) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeBackend simulates the analysis file API: uploads start in
// "processing" and become "active" after pollsUntilActive state checks.
type fakeBackend struct {
	mu               sync.Mutex
	pollsUntilActive int
	failProcessing   bool
	uploads          int
	polls            map[string]int
	deleted          []string
	analyzed         []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{polls: make(map[string]int)}
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/files", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.uploads++
		id := fmt.Sprintf("file-%d", b.uploads)
		b.polls[id] = 0
		b.mu.Unlock()

		state := "processing"
		if b.pollsUntilActive == 0 && !b.failProcessing {
			state = "active"
		}
		json.NewEncoder(w).Encode(map[string]string{"id": id, "state": state})
	})

	mux.HandleFunc("GET /v1/files/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		b.mu.Lock()
		b.polls[id]++
		n := b.polls[id]
		b.mu.Unlock()

		state := "processing"
		if b.failProcessing {
			state = "failed"
		} else if n >= b.pollsUntilActive {
			state = "active"
		}
		json.NewEncoder(w).Encode(map[string]string{"id": id, "state": state})
	})

	mux.HandleFunc("DELETE /v1/files/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.deleted = append(b.deleted, r.PathValue("id"))
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /v1/analyze", func(w http.ResponseWriter, r *http.Request) {
		var req analyzeRequest
		json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.analyzed = append(b.analyzed, req.FileIDs...)
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"analysis": "two clips of a skateboarder"})
	})

	return mux
}

func (b *fakeBackend) uploadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uploads
}

func (b *fakeBackend) deletedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.deleted)
}

func (b *fakeBackend) analyzedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.analyzed)
}

func newTestAnalyzer(t *testing.T, backend *fakeBackend) (*HTTPAnalyzer, *fakeGateway) {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	gw := &fakeGateway{objects: map[string][]byte{
		"videos/a.mp4": []byte("AAAA"),
		"videos/b.mp3": []byte("BBBB"),
	}}

	a := NewHTTPAnalyzer(srv.URL, "test-key", gw, t.TempDir(), testLogger(),
		WithPollInterval(5*time.Millisecond),
		WithProcessTimeout(2*time.Second),
	)
	return a, gw
}

func mustRef(t *testing.T, name string) storage.ObjectRef {
	t.Helper()
	ref, err := storage.NewRef(storage.ScopeVideos, name)
	if err != nil {
		t.Fatal(err)
	}
	return ref
}

func TestAnalyzeMedia_Success(t *testing.T) {
	backend := newFakeBackend()
	backend.pollsUntilActive = 2
	a, _ := newTestAnalyzer(t, backend)

	text, err := a.AnalyzeMedia(context.Background(),
		[]storage.ObjectRef{mustRef(t, "a.mp4"), mustRef(t, "b.mp3")},
		"describe these clips")
	if err != nil {
		t.Fatal(err)
	}
	if text != "two clips of a skateboarder" {
		t.Errorf("analysis = %q", text)
	}
	if backend.uploadCount() != 2 {
		t.Errorf("uploads = %d, want 2", backend.uploadCount())
	}
	if backend.analyzedCount() != 2 {
		t.Errorf("analyze received %d file ids, want 2", backend.analyzedCount())
	}
	if backend.deletedCount() != 2 {
		t.Errorf("remote handles deleted = %d, want 2", backend.deletedCount())
	}
}

func TestAnalyzeMedia_ProcessingFailed(t *testing.T) {
	backend := newFakeBackend()
	backend.pollsUntilActive = 1
	backend.failProcessing = true
	a, _ := newTestAnalyzer(t, backend)

	_, err := a.AnalyzeMedia(context.Background(),
		[]storage.ObjectRef{mustRef(t, "a.mp4")}, "describe")
	if err == nil || !strings.Contains(err.Error(), "remote processing failed") {
		t.Fatalf("err = %v, want remote processing failure", err)
	}
	// The failed handle must still be cleaned up.
	if backend.deletedCount() != 1 {
		t.Errorf("remote handles deleted = %d, want 1", backend.deletedCount())
	}
}

func TestAnalyzeMedia_ProcessingTimeout(t *testing.T) {
	backend := newFakeBackend()
	backend.pollsUntilActive = 1 << 30 // never becomes active
	a, _ := newTestAnalyzer(t, backend)

	start := time.Now()
	_, err := a.AnalyzeMedia(context.Background(),
		[]storage.ObjectRef{mustRef(t, "a.mp4")}, "describe")
	if !errors.Is(err, ErrProcessingTimeout) {
		t.Fatalf("err = %v, want ErrProcessingTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("poll loop ran %v, deadline not enforced", elapsed)
	}
	if backend.deletedCount() != 1 {
		t.Errorf("remote handles deleted = %d, want 1", backend.deletedCount())
	}
}

func TestAnalyzeMedia_MissingObject(t *testing.T) {
	backend := newFakeBackend()
	a, _ := newTestAnalyzer(t, backend)

	_, err := a.AnalyzeMedia(context.Background(),
		[]storage.ObjectRef{mustRef(t, "nope.mp4")}, "describe")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want wrapped ErrNotFound", err)
	}
	if backend.uploadCount() != 0 {
		t.Errorf("uploads = %d, want 0", backend.uploadCount())
	}
}

func TestAnalyzeMedia_NoFiles(t *testing.T) {
	backend := newFakeBackend()
	a, _ := newTestAnalyzer(t, backend)

	if _, err := a.AnalyzeMedia(context.Background(), nil, "describe"); err == nil {
		t.Error("empty file list must be rejected")
	}
}

func TestStubAnalyzer(t *testing.T) {
	s := NewStubAnalyzer(testLogger())
	if _, err := s.AnalyzeMedia(context.Background(), []storage.ObjectRef{mustRef(t, "a.mp4")}, "x"); err == nil {
		t.Error("stub must report the backend as unconfigured")
	}
}
