package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"tunefetch/internal/domain"
)

// ErrInvalidKey is returned for keys or prefixes that would resolve outside a store.
var ErrInvalidKey = errors.New("invalid object key")

// validKey reports whether a slash separated key stays inside its store.
func validKey(key string) bool {
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

type ObjectInfo struct {
	Key          string     `json:"key"`
	Size         int64      `json:"size"`
	LastModified *time.Time `json:"last_modified,omitempty"`
}

// ColdStore is the durable library that staged content is offloaded to.
// Keys are slash separated and relative to the store's root.
type ColdStore interface {
	Name() string
	Exists(ctx context.Context, key string) (bool, error)
	Offload(ctx context.Context, srcDir, key string) (string, error)
}

// ObjectLister is implemented by cold stores that can enumerate their content.
type ObjectLister interface {
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

const unknownName = "Unknown"

// LibraryKey lays a job out as <Artist>/<Album or Title>.
func LibraryKey(job domain.Job) string {
	album := job.Request.Album
	if strings.TrimSpace(album) == "" {
		album = job.Request.Title
	}
	return sanitizeName(job.Request.Artist) + "/" + sanitizeName(album)
}

// disambiguate is used when the library already holds a release under key.
func disambiguate(key, jobID string) string {
	prefix := jobID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return key + " [" + prefix + "]"
}

func sanitizeName(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", `\`, "_", ":", "_", "*", "_", "?", "_",
		`"`, "_", "<", "_", ">", "_", "|", "_",
	)
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, replacer.Replace(name))
	cleaned = strings.Trim(strings.TrimSpace(cleaned), ".")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return unknownName
	}
	return cleaned
}
