package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Gateway implementations. Callers classify
// storage failures with errors.Is rather than inspecting backend codes.
var (
	// ErrNotFound indicates the referenced object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrUnavailable indicates a transport or backend failure.
	ErrUnavailable = errors.New("storage unavailable")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Size         int64
	LastModified time.Time
	ContentType  string
	ETag         string
}

// Gateway is the uniform contract over the remote object store.
// Implementations are stateless per call and safe for concurrent use.
type Gateway interface {
	// Download fetches the object into destPath. The caller owns destPath
	// and must release it explicitly. Returns ErrNotFound if the object
	// does not exist.
	Download(ctx context.Context, ref ObjectRef, destPath string) error

	// Upload stores a local file under ref with the given content type.
	// The object is either fully visible afterwards or not visible at all.
	Upload(ctx context.Context, localPath string, ref ObjectRef, contentType string) error

	// UploadBytes stores raw bytes under ref with the given content type.
	UploadBytes(ctx context.Context, data []byte, ref ObjectRef, contentType string) error

	// Exists reports whether ref exists in storage.
	Exists(ctx context.Context, ref ObjectRef) (bool, error)

	// Delete removes ref. Returns ErrNotFound if it does not exist.
	Delete(ctx context.Context, ref ObjectRef) error

	// List returns refs for every object under the scope prefix.
	List(ctx context.Context, scope Scope) ([]ObjectRef, error)

	// Stat returns metadata for ref. Returns ErrNotFound if it does not exist.
	Stat(ctx context.Context, ref ObjectRef) (*ObjectInfo, error)

	// PresignedURL returns a time-limited download URL for ref.
	PresignedURL(ctx context.Context, ref ObjectRef, ttl time.Duration) (string, error)

	// Ping verifies connectivity with the storage backend.
	Ping(ctx context.Context) error
}
