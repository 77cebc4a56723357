// Package catalog provides a read-only reporting view over media
// storage: listing, classification by extension, and optional metadata
// enrichment. Nothing is cached; every query re-lists storage so the
// staleness window is zero.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clipforge/clipforge-agent/internal/storage"
)

// Kind classifies a media object by its file extension.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
	KindImage Kind = "image"
	KindOther Kind = "other"
)

var (
	videoExtensions = map[string]bool{
		".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
		".webm": true, ".flv": true, ".wmv": true,
	}
	audioExtensions = map[string]bool{
		".mp3": true, ".wav": true, ".aac": true, ".flac": true,
		".ogg": true, ".m4a": true, ".wma": true,
	}
	imageExtensions = map[string]bool{
		".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
		".bmp": true, ".tiff": true,
	}
)

// KindFor classifies a filename. Unrecognized extensions map to KindOther
// and are omitted from listings rather than errored.
func KindFor(filename string) Kind {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return KindOther
	}
	ext := strings.ToLower(filename[idx:])
	switch {
	case videoExtensions[ext]:
		return KindVideo
	case audioExtensions[ext]:
		return KindAudio
	case imageExtensions[ext]:
		return KindImage
	default:
		return KindOther
	}
}

// Entry is one catalog element. Without metadata it marshals as a bare
// filename string; with metadata it marshals as an enriched object. A
// per-entry metadata failure sets Error and leaves the rest zero.
type Entry struct {
	Filename     string    `json:"filename"`
	SizeBytes    int64     `json:"size_bytes,omitempty"`
	SizeMB       float64   `json:"size_mb,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	Error        string    `json:"error,omitempty"`

	enriched bool
}

func (e Entry) MarshalJSON() ([]byte, error) {
	if !e.enriched {
		return json.Marshal(e.Filename)
	}
	type alias Entry
	return json.Marshal(alias(e))
}

// Listing is the catalog response. Counts are computed after
// classification, so omitted (unrecognized) objects are not counted.
type Listing struct {
	Videos          []Entry `json:"videos"`
	Audios          []Entry `json:"audios"`
	Images          []Entry `json:"images"`
	TotalVideoCount int     `json:"total_video_count"`
	TotalAudioCount int     `json:"total_audio_count"`
	TotalImageCount int     `json:"total_image_count"`
	TotalCount      int     `json:"total_count"`
	SortedBy        string  `json:"sorted_by"`
	SortOrder       string  `json:"sort_order"`
}

const (
	SortByFilename     = "filename"
	SortBySize         = "size_bytes"
	SortByLastModified = "last_modified"

	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// Options controls a catalog query. Zero values mean: bare filenames,
// storage listing order.
type Options struct {
	IncludeMetadata bool
	SortBy          string
	SortOrder       string
}

// Catalog lists and classifies media objects under the videos scope.
type Catalog struct {
	gw     storage.Gateway
	logger *slog.Logger
}

func New(gw storage.Gateway, logger *slog.Logger) *Catalog {
	return &Catalog{gw: gw, logger: logger}
}

// List queries storage and returns the classified, optionally enriched
// and sorted, listing. A single object's metadata failure never aborts
// the listing; that entry carries an error field instead.
func (c *Catalog) List(ctx context.Context, opts Options) (*Listing, error) {
	sortBy, sortOrder, err := normalizeSort(opts)
	if err != nil {
		return nil, err
	}

	refs, err := c.gw.List(ctx, storage.ScopeVideos)
	if err != nil {
		return nil, fmt.Errorf("cannot list media: %w", err)
	}

	entries := make([]Entry, len(refs))
	if opts.IncludeMetadata {
		var wg sync.WaitGroup
		for i, ref := range refs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				entries[i] = c.enrich(ctx, ref)
			}()
		}
		wg.Wait()
	} else {
		for i, ref := range refs {
			entries[i] = Entry{Filename: ref.Base()}
		}
	}

	listing := &Listing{
		Videos:    []Entry{},
		Audios:    []Entry{},
		Images:    []Entry{},
		SortedBy:  sortBy,
		SortOrder: sortOrder,
	}
	for _, e := range entries {
		switch KindFor(e.Filename) {
		case KindVideo:
			listing.Videos = append(listing.Videos, e)
		case KindAudio:
			listing.Audios = append(listing.Audios, e)
		case KindImage:
			listing.Images = append(listing.Images, e)
		}
	}

	if sortBy != "" {
		sortEntries(listing.Videos, sortBy, sortOrder)
		sortEntries(listing.Audios, sortBy, sortOrder)
		sortEntries(listing.Images, sortBy, sortOrder)
	}

	listing.TotalVideoCount = len(listing.Videos)
	listing.TotalAudioCount = len(listing.Audios)
	listing.TotalImageCount = len(listing.Images)
	listing.TotalCount = listing.TotalVideoCount + listing.TotalAudioCount + listing.TotalImageCount
	return listing, nil
}

func (c *Catalog) enrich(ctx context.Context, ref storage.ObjectRef) Entry {
	info, err := c.gw.Stat(ctx, ref)
	if err != nil {
		c.logger.Warn("cannot stat media object", "object", ref.Key(), "error", err)
		return Entry{Filename: ref.Base(), Error: err.Error(), enriched: true}
	}
	return Entry{
		Filename:     ref.Base(),
		SizeBytes:    info.Size,
		SizeMB:       float64(info.Size) / (1024 * 1024),
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
		ETag:         info.ETag,
		enriched:     true,
	}
}

func normalizeSort(opts Options) (string, string, error) {
	sortBy := opts.SortBy
	switch sortBy {
	case "", SortByFilename, SortBySize, SortByLastModified:
	case "size":
		sortBy = SortBySize
	default:
		return "", "", fmt.Errorf("invalid sort_by field: %s", opts.SortBy)
	}

	sortOrder := opts.SortOrder
	switch sortOrder {
	case "":
		sortOrder = OrderDesc
	case OrderAsc, OrderDesc:
	default:
		return "", "", fmt.Errorf("invalid sort_order: %s", opts.SortOrder)
	}

	// Size and last-modified ordering need metadata to sort on.
	if sortBy != "" && sortBy != SortByFilename && !opts.IncludeMetadata {
		return "", "", fmt.Errorf("sort_by %s requires include_metadata", sortBy)
	}
	return sortBy, sortOrder, nil
}

func sortEntries(entries []Entry, sortBy, sortOrder string) {
	less := func(a, b Entry) bool {
		switch sortBy {
		case SortBySize:
			return a.SizeBytes < b.SizeBytes
		case SortByLastModified:
			return a.LastModified.Before(b.LastModified)
		default:
			return a.Filename < b.Filename
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if sortOrder == OrderDesc {
			return less(entries[j], entries[i])
		}
		return less(entries[i], entries[j])
	})
}
