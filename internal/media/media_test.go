package media

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func pngOfWidth(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestPrepareDownscalesWideImages(t *testing.T) {
	p := NewPreparer(1<<20, 8)
	out, err := p.Prepare(Upload{Filename: "leak.png", Data: pngOfWidth(t, 20, 10)})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !out.Resized {
		t.Fatalf("expected resize")
	}
	if out.MimeType != "image/png" {
		t.Fatalf("expected image/png, got %s", out.MimeType)
	}
	img, _, err := image.Decode(bytes.NewReader(out.Data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 4 {
		t.Fatalf("expected 8x4, got %dx%d", img.Bounds().Dx(), img.Bounds().Dy())
	}
}

func TestPrepareKeepsNarrowImages(t *testing.T) {
	data := pngOfWidth(t, 4, 4)
	out, err := NewPreparer(1<<20, 8).Prepare(Upload{Filename: "small.png", Data: data})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if out.Resized || !bytes.Equal(out.Data, data) {
		t.Fatalf("expected passthrough")
	}
}

func TestPrepareIgnoresClientContentType(t *testing.T) {
	out, err := NewPreparer(0, 0).Prepare(Upload{Filename: "notes", Data: []byte("plain text body\n")})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if out.MimeType != "text/plain; charset=utf-8" {
		t.Fatalf("unexpected mime %q", out.MimeType)
	}
	if out.Filename != "notes.txt" {
		t.Fatalf("unexpected filename %q", out.Filename)
	}
}

func TestPrepareRejectsOversized(t *testing.T) {
	_, err := NewPreparer(4, 0).Prepare(Upload{Filename: "a.bin", Data: []byte("12345")})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestPrepareRejectsEmpty(t *testing.T) {
	if _, err := NewPreparer(0, 0).Prepare(Upload{Filename: "a.jpg"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd":       "passwd.jpg",
		`C:\photos\leak (1).jpg`: "leak _1_.jpg",
		"":                       "attachment.jpg",
		"door.jpg":               "door.jpg",
	}
	for in, want := range cases {
		if got := SanitizeFilename(in, ".jpg"); got != want {
			t.Fatalf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
