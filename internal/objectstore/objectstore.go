// Package objectstore wraps the remote hierarchical file store that holds snag media.
package objectstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// Folder identifies a resolved folder in the store.
type Folder struct {
	ID   string
	Path []string
}

// File identifies an uploaded blob.
type File struct {
	ID     string
	Name   string
	Folder Folder
	// Link is a shareable URL when the backend returns one at upload time.
	Link string
}

// Store is the consumed object store interface.
type Store interface {
	EnsureFolderPath(ctx context.Context, segments []string) (Folder, error)
	UploadBlob(ctx context.Context, folder Folder, filename string, data []byte, mimeType string) (File, error)
	MakePubliclyReadable(ctx context.Context, file File) (string, error)
	// Remove deletes a previously uploaded blob by ID.
	Remove(ctx context.Context, fileID string) error
}

// ErrNotConfigured is returned by the disabled store.
var ErrNotConfigured = errors.New("object store not configured")

// SnagFolder is the deterministic folder path for media submitted at t.
func SnagFolder(t time.Time) []string {
	return []string{"Snags", t.Format("2006-01")}
}

// SnagFilename is the deterministic remote filename for a snag attachment.
func SnagFilename(identifier, original string) string {
	return fmt.Sprintf("%s_%s", identifier, original)
}

func joinKey(segments ...string) string {
	clean := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s != "" {
			clean = append(clean, s)
		}
	}
	return strings.Join(clean, "/")
}

// Disabled rejects every call.
type Disabled struct{}

func (Disabled) EnsureFolderPath(context.Context, []string) (Folder, error) {
	return Folder{}, ErrNotConfigured
}

func (Disabled) UploadBlob(context.Context, Folder, string, []byte, string) (File, error) {
	return File{}, ErrNotConfigured
}

func (Disabled) MakePubliclyReadable(context.Context, File) (string, error) {
	return "", ErrNotConfigured
}

func (Disabled) Remove(context.Context, string) error { return ErrNotConfigured }
