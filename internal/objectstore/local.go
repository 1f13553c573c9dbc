package objectstore

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-faster/errors"
)

// Local stores blobs under a directory; used for development.
type Local struct {
	baseDir string
	baseURL string
}

// NewLocal builds a directory-backed store. Links are baseURL + key, or file paths when baseURL is empty.
func NewLocal(baseDir, baseURL string) *Local {
	return &Local{baseDir: baseDir, baseURL: strings.TrimRight(baseURL, "/")}
}

func (l *Local) EnsureFolderPath(_ context.Context, segments []string) (Folder, error) {
	key := joinKey(segments...)
	if err := os.MkdirAll(filepath.Join(l.baseDir, filepath.FromSlash(key)), 0o755); err != nil {
		return Folder{}, errors.Wrap(err, "create dirs")
	}
	return Folder{ID: key, Path: segments}, nil
}

func (l *Local) UploadBlob(_ context.Context, folder Folder, filename string, data []byte, _ string) (File, error) {
	key := joinKey(folder.ID, filepath.Base(filename))
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return File{}, errors.Wrap(err, "write file")
	}
	return File{ID: key, Name: filename, Folder: folder}, nil
}

func (l *Local) MakePubliclyReadable(_ context.Context, file File) (string, error) {
	if l.baseURL == "" {
		return filepath.Join(l.baseDir, filepath.FromSlash(file.ID)), nil
	}
	parts := strings.Split(file.ID, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return l.baseURL + "/" + strings.Join(parts, "/"), nil
}

func (l *Local) Remove(_ context.Context, fileID string) error {
	err := os.Remove(filepath.Join(l.baseDir, filepath.FromSlash(fileID)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "remove file")
	}
	return nil
}
