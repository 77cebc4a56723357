// Package scripts stores edit scripts as versionless blobs in object
// storage. Reads and writes are whole-file; concurrent writers race and
// the last write wins. The intended deployment has exactly one script
// owner (the driving agent), so no locking is attempted.
package scripts

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/clipforge/clipforge-agent/internal/storage"
)

// DefaultScriptName is the script used when a request names none.
const DefaultScriptName = "edit.sh"

// Repository reads and replaces edit scripts under the scripts/ scope.
type Repository struct {
	gateway storage.Gateway
	logger  *slog.Logger
}

func NewRepository(gateway storage.Gateway, logger *slog.Logger) *Repository {
	return &Repository{gateway: gateway, logger: logger}
}

// Read returns the current content of the named script. Returns
// storage.ErrNotFound (wrapped) when the script object is absent.
func (r *Repository) Read(ctx context.Context, name string) ([]byte, error) {
	ref, err := storage.NewRef(storage.ScopeScripts, name)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp("", "script-*")
	if err != nil {
		return nil, fmt.Errorf("cannot create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := r.gateway.Download(ctx, ref, tmpPath); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read downloaded script: %w", err)
	}

	return content, nil
}

// Write replaces the named script with content. Full overwrite, no merge
// or patch semantics.
func (r *Repository) Write(ctx context.Context, name string, content []byte) error {
	ref, err := storage.NewRef(storage.ScopeScripts, name)
	if err != nil {
		return err
	}

	if err := r.gateway.UploadBytes(ctx, content, ref, storage.ContentTypeFor(name)); err != nil {
		return err
	}

	r.logger.Info("script updated", "script", name, "bytes", len(content))
	return nil
}
