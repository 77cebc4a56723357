package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clipforge/clipforge-agent/internal/analysis"
	"github.com/clipforge/clipforge-agent/internal/catalog"
	"github.com/clipforge/clipforge-agent/internal/config"
	"github.com/clipforge/clipforge-agent/internal/engine"
	"github.com/clipforge/clipforge-agent/internal/metrics"
	"github.com/clipforge/clipforge-agent/internal/scripts"
	"github.com/clipforge/clipforge-agent/internal/storage"
)

const (
	maxUploadBytes  = 2 << 30 // 2 GiB
	presignedURLTTL = time.Hour
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.AuthToken != "" {
			r.Use(AuthMiddleware(cfg.AuthToken, cfg.Logger))
		}

		r.Get("/medias", listMediasHandler(cfg))
		r.Post("/upload", uploadHandler(cfg))
		r.Delete("/media/{filename}", deleteMediaHandler(cfg))
		r.Get("/download/{filename}", downloadHandler(cfg))
		r.Get("/script", getScriptHandler(cfg))
		r.Put("/script", putScriptHandler(cfg))
		r.Post("/execute", executeHandler(cfg))
		r.Post("/analyze", analyzeHandler(cfg))
		r.Get("/jobs", listJobsHandler(cfg))
		r.Get("/jobs/{id}", getJobHandler(cfg))
		r.Get("/storage/status", storageStatusHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: config.Version,
			UptimeS: uptime,
		})
	}
}

func listMediasHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		opts := catalog.Options{
			SortBy:    q.Get("sort_by"),
			SortOrder: q.Get("sort_order"),
		}
		if v := q.Get("include_metadata"); v != "" {
			include, err := strconv.ParseBool(v)
			if err != nil {
				WriteError(w, http.StatusBadRequest, "invalid include_metadata", "BAD_REQUEST")
				return
			}
			opts.IncludeMetadata = include
		}

		listing, err := cfg.Catalog.List(r.Context(), opts)
		if err != nil {
			if errors.Is(err, storage.ErrUnavailable) {
				WriteError(w, http.StatusServiceUnavailable, "storage unavailable", "STORAGE_UNAVAILABLE")
				return
			}
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		WriteJSON(w, http.StatusOK, listing)
	}
}

func uploadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

		file, header, err := r.FormFile("file")
		if err != nil {
			WriteError(w, http.StatusBadRequest, "file field is required", "BAD_REQUEST")
			return
		}
		defer file.Close()

		filename := filepath.Base(header.Filename)
		if catalog.KindFor(filename) == catalog.KindOther {
			WriteError(w, http.StatusBadRequest, "unsupported file type: "+filename, "UNSUPPORTED_TYPE")
			return
		}

		ref, err := storage.NewRef(storage.ScopeVideos, filename)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		// Spool to disk so the gateway can stream a seekable file.
		tmp, err := os.CreateTemp("", "upload-*")
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "cannot buffer upload", "INTERNAL_ERROR")
			return
		}
		tmpPath := tmp.Name()
		defer os.Remove(tmpPath)

		size, err := io.Copy(tmp, file)
		tmp.Close()
		if err != nil {
			WriteError(w, http.StatusBadRequest, "cannot read upload body", "BAD_REQUEST")
			return
		}

		if err := cfg.Gateway.Upload(r.Context(), tmpPath, ref, storage.ContentTypeFor(filename)); err != nil {
			cfg.Logger.Error("media upload failed", "object", ref.Key(), "error", err)
			WriteError(w, http.StatusBadGateway, "cannot store media", "STORAGE_UNAVAILABLE")
			return
		}

		WriteJSON(w, http.StatusCreated, UploadResponse{
			Filename: filename,
			Object:   ref.Key(),
			Size:     size,
		})
	}
}

func deleteMediaHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, ok := refFromRequest(w, r)
		if !ok {
			return
		}

		if err := cfg.Gateway.Delete(r.Context(), ref); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				WriteError(w, http.StatusNotFound, "media not found: "+ref.Key(), "NOT_FOUND")
				return
			}
			WriteError(w, http.StatusBadGateway, "cannot delete media", "STORAGE_UNAVAILABLE")
			return
		}

		WriteJSON(w, http.StatusOK, DeleteResponse{Message: "deleted " + ref.Key()})
	}
}

func downloadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, ok := refFromRequest(w, r)
		if !ok {
			return
		}

		exists, err := cfg.Gateway.Exists(r.Context(), ref)
		if err != nil {
			WriteError(w, http.StatusBadGateway, "storage unavailable", "STORAGE_UNAVAILABLE")
			return
		}
		if !exists {
			WriteError(w, http.StatusNotFound, "media not found: "+ref.Key(), "NOT_FOUND")
			return
		}

		url, err := cfg.Gateway.PresignedURL(r.Context(), ref, presignedURLTTL)
		if err != nil {
			WriteError(w, http.StatusBadGateway, "cannot presign download", "STORAGE_UNAVAILABLE")
			return
		}

		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
	}
}

// refFromRequest resolves {filename} plus the optional source query
// parameter (default videos) into an ObjectRef.
func refFromRequest(w http.ResponseWriter, r *http.Request) (storage.ObjectRef, bool) {
	filename := chi.URLParam(r, "filename")
	if filename == "" {
		WriteError(w, http.StatusBadRequest, "filename required", "BAD_REQUEST")
		return storage.ObjectRef{}, false
	}

	scope := storage.ScopeVideos
	if src := r.URL.Query().Get("source"); src != "" {
		parsed, err := storage.ParseScope(src)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return storage.ObjectRef{}, false
		}
		scope = parsed
	}

	ref, err := storage.NewRef(scope, filename)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return storage.ObjectRef{}, false
	}
	return ref, true
}

func getScriptHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			name = scripts.DefaultScriptName
		}

		content, err := cfg.Scripts.Read(r.Context(), name)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				WriteError(w, http.StatusNotFound, "script not found: "+name, "NOT_FOUND")
				return
			}
			WriteError(w, http.StatusBadGateway, "cannot read script", "STORAGE_UNAVAILABLE")
			return
		}

		WriteJSON(w, http.StatusOK, ScriptResponse{Name: name, Content: string(content)})
	}
}

func putScriptHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ScriptUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Content == "" {
			WriteError(w, http.StatusBadRequest, "content is required", "BAD_REQUEST")
			return
		}
		if req.Name == "" {
			req.Name = scripts.DefaultScriptName
		}

		if err := cfg.Scripts.Write(r.Context(), req.Name, []byte(req.Content)); err != nil {
			WriteError(w, http.StatusBadGateway, "cannot store script", "STORAGE_UNAVAILABLE")
			return
		}

		WriteJSON(w, http.StatusOK, ScriptResponse{Name: req.Name, Content: req.Content})
	}
}

func executeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if len(req.InputFiles) == 0 {
			WriteError(w, http.StatusBadRequest, "input_files is required", "BAD_REQUEST")
			return
		}
		if req.OutputFilename == "" {
			WriteError(w, http.StatusBadRequest, "output_filename is required", "BAD_REQUEST")
			return
		}

		result := cfg.Engine.Execute(r.Context(), engine.Request{
			InputFiles: req.InputFiles,
			OutputName: req.OutputFilename,
			ScriptName: req.ScriptName,
			Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
		})

		// The job reached a terminal state either way; the HTTP status is
		// 200 and the body carries the structured outcome.
		WriteJSON(w, http.StatusOK, ResultToResponse(result))
	}
}

func analyzeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AnalyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if len(req.Files) == 0 {
			WriteError(w, http.StatusBadRequest, "files is required", "BAD_REQUEST")
			return
		}
		if req.Prompt == "" {
			WriteError(w, http.StatusBadRequest, "prompt is required", "BAD_REQUEST")
			return
		}

		scope := storage.ScopeVideos
		if req.Source != "" {
			parsed, err := storage.ParseScope(req.Source)
			if err != nil {
				WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
				return
			}
			scope = parsed
		}

		refs := make([]storage.ObjectRef, 0, len(req.Files))
		for _, name := range req.Files {
			ref, err := storage.NewRef(scope, name)
			if err != nil {
				WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
				return
			}
			refs = append(refs, ref)
		}

		text, err := cfg.Analyzer.AnalyzeMedia(r.Context(), refs, req.Prompt)
		if err != nil {
			switch {
			case errors.Is(err, storage.ErrNotFound):
				WriteError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
			case errors.Is(err, analysis.ErrProcessingTimeout):
				WriteError(w, http.StatusGatewayTimeout, err.Error(), "ANALYSIS_TIMEOUT")
			default:
				WriteError(w, http.StatusBadGateway, err.Error(), "ANALYSIS_FAILED")
			}
			return
		}

		WriteJSON(w, http.StatusOK, AnalyzeResponse{Analysis: text})
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				WriteError(w, http.StatusBadRequest, "invalid limit", "BAD_REQUEST")
				return
			}
			limit = n
		}

		jobs, err := cfg.History.ListJobs(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
			return
		}

		resp := JobsResponse{Jobs: make([]JobResponse, len(jobs))}
		for i, j := range jobs {
			resp.Jobs[i] = JobToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "job id required", "BAD_REQUEST")
			return
		}

		job, err := cfg.History.GetJob(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if job == nil {
			WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}

		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}

func storageStatusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StorageStatusResponse{
			Status:   "ok",
			Endpoint: cfg.StorageEndpoint,
			Bucket:   cfg.StorageBucket,
		}

		if err := cfg.Gateway.Ping(r.Context()); err != nil {
			resp.Status = "unavailable"
			resp.Error = err.Error()
			WriteJSON(w, http.StatusServiceUnavailable, resp)
			return
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}
