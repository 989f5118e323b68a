// Package imageref handles opaque image references. A reference is a data URL
// ("data:image/jpeg;base64,...") that any component can resolve to bytes
// without touching storage.
package imageref

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

var ErrInvalid = errors.New("invalid image reference")

// MaxSide bounds uploaded images before they enter the pipeline.
const MaxSide = 2048

// Encode wraps raw image bytes in a data URL, sniffing the content type.
func Encode(data []byte) string {
	mime := mimetype.Detect(data)
	ct := mime.String()
	if !strings.HasPrefix(ct, "image/") {
		ct = "image/jpeg"
	}
	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Decode returns the bytes and MIME type behind a reference. A bare base64
// payload without the data: prefix is accepted as JPEG.
func Decode(ref string) ([]byte, string, error) {
	const op = "imageref.Decode"
	if ref == "" {
		return nil, "", fmt.Errorf("%s: %w: empty", op, ErrInvalid)
	}
	mime := "image/jpeg"
	payload := ref
	if strings.HasPrefix(ref, "data:") {
		comma := strings.IndexByte(ref, ',')
		if comma < 0 {
			return nil, "", fmt.Errorf("%s: %w: missing payload", op, ErrInvalid)
		}
		header := ref[len("data:"):comma]
		if !strings.HasSuffix(header, ";base64") {
			return nil, "", fmt.Errorf("%s: %w: not base64", op, ErrInvalid)
		}
		mime = strings.TrimSuffix(header, ";base64")
		payload = ref[comma+1:]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w: %v", op, ErrInvalid, err)
	}
	return data, mime, nil
}

// MIME returns the declared content type of a data URL, defaulting to JPEG.
func MIME(ref string) string {
	if strings.HasPrefix(ref, "data:image/png") {
		return "image/png"
	}
	if strings.HasPrefix(ref, "data:image/webp") {
		return "image/webp"
	}
	return "image/jpeg"
}

// DataURL makes sure a reference carries the data: prefix.
func DataURL(ref string) string {
	if strings.HasPrefix(ref, "data:") {
		return ref
	}
	return "data:image/jpeg;base64," + ref
}

// Image decodes a reference into an image, applying EXIF orientation.
func Image(ref string) (image.Image, error) {
	data, _, err := Decode(ref)
	if err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("imageref.Image: %w: %v", ErrInvalid, err)
	}
	return img, nil
}

// FromImage encodes img as a JPEG reference.
func FromImage(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("imageref.FromImage: %v", err)
	}
	return Encode(buf.Bytes()), nil
}

// Normalize decodes any supported format, applies orientation, fits the
// image inside MaxSide and re-encodes it as JPEG.
func Normalize(data []byte) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("imageref.Normalize: %w: %v", ErrInvalid, err)
	}
	b := img.Bounds()
	if b.Dx() > MaxSide || b.Dy() > MaxSide {
		img = imaging.Fit(img, MaxSide, MaxSide, imaging.Lanczos)
	}
	return FromImage(img)
}

// Thumbnail returns a square JPEG thumbnail of a reference.
func Thumbnail(ref string, size int) ([]byte, error) {
	img, err := Image(ref)
	if err != nil {
		return nil, err
	}
	thumb := imaging.Thumbnail(img, size, size, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG); err != nil {
		return nil, fmt.Errorf("imageref.Thumbnail: %v", err)
	}
	return buf.Bytes(), nil
}
