package objectstore

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"github.com/go-faster/errors"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const folderMimeType = "application/vnd.google-apps.folder"

// DriveScopes are the OAuth scopes the Drive backend needs.
var DriveScopes = []string{drive.DriveScope}

// Drive stores blobs in Google Drive under a root folder.
type Drive struct {
	svc    *drive.Service
	rootID string

	mu      sync.Mutex
	folders map[string]string
}

// NewDrive builds the backend. rootID may be empty for "My Drive".
func NewDrive(ctx context.Context, rootID string, opts ...option.ClientOption) (*Drive, error) {
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "drive service")
	}
	if rootID == "" {
		rootID = "root"
	}
	return &Drive{svc: svc, rootID: rootID, folders: map[string]string{}}, nil
}

// EnsureFolderPath resolves each segment under the root, creating missing folders.
// Lookups are cached and serialized so concurrent submissions do not create duplicates.
func (d *Drive) EnsureFolderPath(ctx context.Context, segments []string) (Folder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	parent := d.rootID
	for i, name := range segments {
		key := joinKey(segments[:i+1]...)
		if id, ok := d.folders[key]; ok {
			parent = id
			continue
		}
		id, err := d.findOrCreateFolder(ctx, parent, name)
		if err != nil {
			return Folder{}, errors.Wrapf(err, "folder %q", key)
		}
		d.folders[key] = id
		parent = id
	}
	return Folder{ID: parent, Path: segments}, nil
}

func (d *Drive) findOrCreateFolder(ctx context.Context, parent, name string) (string, error) {
	q := "name = '" + escapeQuery(name) + "' and '" + escapeQuery(parent) + "' in parents" +
		" and mimeType = '" + folderMimeType + "' and trashed = false"
	list, err := d.svc.Files.List().
		Q(q).
		Fields("files(id, name)").
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", errors.Wrap(err, "list")
	}
	if len(list.Files) > 0 {
		return list.Files[0].Id, nil
	}
	created, err := d.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: folderMimeType,
		Parents:  []string{parent},
	}).Fields("id").SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return "", errors.Wrap(err, "create")
	}
	return created.Id, nil
}

func (d *Drive) UploadBlob(ctx context.Context, folder Folder, filename string, data []byte, mimeType string) (File, error) {
	created, err := d.svc.Files.Create(&drive.File{
		Name:     filename,
		MimeType: mimeType,
		Parents:  []string{folder.ID},
	}).
		Media(bytes.NewReader(data), googleapi.ContentType(mimeType)).
		Fields("id, name, webViewLink").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return File{}, errors.Wrap(err, "upload")
	}
	return File{ID: created.Id, Name: filename, Folder: folder, Link: created.WebViewLink}, nil
}

// MakePubliclyReadable grants anyone-with-link read access and returns the view link.
func (d *Drive) MakePubliclyReadable(ctx context.Context, file File) (string, error) {
	_, err := d.svc.Permissions.Create(file.ID, &drive.Permission{
		Type: "anyone",
		Role: "reader",
	}).SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return "", errors.Wrap(err, "grant read")
	}
	if file.Link != "" {
		return file.Link, nil
	}
	return "https://drive.google.com/file/d/" + file.ID + "/view", nil
}

func (d *Drive) Remove(ctx context.Context, fileID string) error {
	err := d.svc.Files.Delete(fileID).SupportsAllDrives(true).Context(ctx).Do()
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == 404 {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "delete")
	}
	return nil
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
