// Package storage provides a uniform gateway over the object store that
// holds media files, scripts, and edit results. Objects are addressed by
// an ObjectRef: a scope (a key prefix inside one bucket) plus a name.
package storage

import (
	"fmt"
	"path"
	"strings"
)

// Scope identifies the key prefix an object lives under.
type Scope string

const (
	ScopeVideos  Scope = "videos"
	ScopeResults Scope = "results"
	ScopeScripts Scope = "scripts"
	ScopeTemp    Scope = "temp"
)

// ParseScope maps a user-supplied scope string to a Scope.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(s)) {
	case ScopeVideos:
		return ScopeVideos, nil
	case ScopeResults:
		return ScopeResults, nil
	case ScopeScripts:
		return ScopeScripts, nil
	case ScopeTemp:
		return ScopeTemp, nil
	}
	return "", fmt.Errorf("invalid scope %q: must be one of videos, results, scripts, temp", s)
}

// ObjectRef identifies a stored artifact. It is immutable once constructed.
type ObjectRef struct {
	Scope Scope
	Name  string
}

// NewRef builds an ObjectRef, rejecting empty or path-escaping names.
func NewRef(scope Scope, name string) (ObjectRef, error) {
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return ObjectRef{}, fmt.Errorf("object name is empty")
	}
	if strings.Contains(name, "..") {
		return ObjectRef{}, fmt.Errorf("object name %q must not contain '..'", name)
	}
	return ObjectRef{Scope: scope, Name: name}, nil
}

// Key returns the full storage key: "<scope>/<name>".
func (r ObjectRef) Key() string {
	return string(r.Scope) + "/" + r.Name
}

// Base returns the final path segment of the object name.
func (r ObjectRef) Base() string {
	return path.Base(r.Name)
}

// Ext returns the lowercase file extension of the object name, with dot.
func (r ObjectRef) Ext() string {
	return strings.ToLower(path.Ext(r.Name))
}

func (r ObjectRef) String() string {
	return r.Key()
}

// contentTypes maps file extensions to MIME types for uploads and
// download responses.
var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".flv":  "video/x-flv",
	".wmv":  "video/x-ms-wmv",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".aac":  "audio/aac",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".wma":  "audio/x-ms-wma",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".tiff": "image/tiff",
	".sh":   "text/x-shellscript",
	".py":   "text/x-python",
}

// ContentTypeFor infers a MIME type from a filename extension.
// Unknown extensions fall back to application/octet-stream.
func ContentTypeFor(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}
