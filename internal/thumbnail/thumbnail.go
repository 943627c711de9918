// Package thumbnail is an interface-only stub (spec §1: "thumbnail
// generation... their interfaces only are specified"). Get decodes
// the source image and returns it unmodified as JPEG bytes; a real
// deployment would cache a scaled-down render under the store's
// thumbs/ directory, but the cache's eviction policy and resize
// quality are left to the operator's front end.
package thumbnail

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Get returns JPEG-encoded bytes for path's source image along with
// its content type.
func Get(path string) (data []byte, contentType string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", path, err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, "", fmt.Errorf("encode thumbnail for %s: %w", path, err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
