// Package media prepares an uploaded attachment before it is sent to the object store.
package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-faster/errors"
)

// ErrTooLarge is returned for uploads over the configured byte limit.
var ErrTooLarge = errors.New("attachment too large")

// Upload is a raw attachment as received from the client.
type Upload struct {
	Filename string
	Data     []byte
}

// Prepared is an attachment ready for the object store.
type Prepared struct {
	Filename string
	MimeType string
	Data     []byte
	Resized  bool
}

// Preparer normalises attachments.
type Preparer struct {
	maxBytes int64
	maxWidth int
}

// NewPreparer builds a preparer. Zero values fall back to 25 MiB and no resizing.
func NewPreparer(maxBytes int64, maxWidth int) *Preparer {
	if maxBytes <= 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &Preparer{maxBytes: maxBytes, maxWidth: maxWidth}
}

// Prepare detects the content type, enforces the size limit and downscales wide images.
// Non-image content passes through unchanged.
func (p *Preparer) Prepare(u Upload) (Prepared, error) {
	if len(u.Data) == 0 {
		return Prepared{}, errors.New("attachment is empty")
	}
	if int64(len(u.Data)) > p.maxBytes {
		return Prepared{}, errors.Wrapf(ErrTooLarge, "%d bytes (limit %d)", len(u.Data), p.maxBytes)
	}

	mt := mimetype.Detect(u.Data)
	out := Prepared{
		Filename: SanitizeFilename(u.Filename, mt.Extension()),
		MimeType: mt.String(),
		Data:     u.Data,
	}
	if p.maxWidth <= 0 || !mt.Is("image/jpeg") && !mt.Is("image/png") && !mt.Is("image/gif") {
		return out, nil
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(u.Data))
	if err != nil || cfg.Width <= p.maxWidth {
		return out, nil
	}

	img, format, err := image.Decode(bytes.NewReader(u.Data))
	if err != nil {
		return Prepared{}, errors.Wrap(err, "decode image")
	}
	img = imaging.Resize(img, p.maxWidth, 0, imaging.Lanczos)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imagingFormat(format), imaging.JPEGQuality(85)); err != nil {
		return Prepared{}, errors.Wrap(err, "encode image")
	}
	out.Data = buf.Bytes()
	out.Resized = true
	return out, nil
}

func imagingFormat(decoded string) imaging.Format {
	switch decoded {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	default:
		return imaging.JPEG
	}
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._ -]+`)

// SanitizeFilename keeps the base name with safe characters only. A missing
// extension is filled from the detected type.
func SanitizeFilename(name, ext string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, " .")
	if name == "" || name == "_" {
		name = "attachment"
	}
	if filepath.Ext(name) == "" && ext != "" {
		name += ext
	}
	if len(name) > 120 {
		e := filepath.Ext(name)
		name = fmt.Sprintf("%s%s", name[:120-len(e)], e)
	}
	return name
}
