// Package pathwalker recursively enumerates supported image files beneath
// a set of directory roots. It is deliberately small: deciding which
// files are worth embedding and persisting them is the Indexer's job
// (internal/indexer); this package only answers "does this path exist
// under a root, and is its extension one we know how to decode".
package pathwalker

import (
	"os"
	"path/filepath"
	"strings"

	// Registered purely for their side effect of adding webp/bmp/tiff
	// decoders to image.DecodeConfig / image.Decode, so that the
	// extensions this walker yields are the same set the embedding
	// backend's preprocessing step (internal/embedbackend) can actually
	// open. The stdlib image package alone only understands png/jpeg/gif.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// SupportedExtensions is the set of lowercased, dot-prefixed file
// extensions pathwalker will yield. Matches spec §4.2's
// {jpg, jpeg, png, webp, bmp, tiff, tif}.
var SupportedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true,
	".bmp": true, ".tiff": true, ".tif": true,
}

// IsSupported reports whether path's lowercased extension is supported.
func IsSupported(path string) bool {
	return SupportedExtensions[strings.ToLower(filepath.Ext(path))]
}

// Entry pairs an absolute file path with the root it was found under.
type Entry struct {
	Root string
	Path string
}

// VisitFunc is called once per supported file found beneath a root.
// Returning a non-nil error stops the walk for that root and the error
// propagates out of Walk.
type VisitFunc func(Entry) error

// Walk recursively enumerates every supported file beneath each root,
// calling visit once per file. Order is unspecified but deterministic
// per run (a depth-first, lexically-sorted-per-directory traversal).
// Symlink-loop safety is delegated to os.ReadDir / filepath.WalkDir
// (the OS-level traversal primitive): symlinks are not followed as
// directories, matching filepath.WalkDir's default behavior.
func Walk(roots []string, visit VisitFunc) error {
	for _, root := range roots {
		if err := walkOne(root, root, visit); err != nil {
			return err
		}
	}
	return nil
}

// Collect gathers every supported file beneath roots into a slice. It
// is a convenience used by the scanning phase of the Indexer, which
// needs the whole set up front to compute a current-path set.
func Collect(roots []string) ([]Entry, error) {
	var entries []Entry
	err := Walk(roots, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

func walkOne(root, dir string, visit VisitFunc) error {
	items, err := os.ReadDir(dir)
	if err != nil {
		// A root or subdirectory that vanished mid-walk (e.g. removed
		// concurrently) is not a fatal condition for the whole pass.
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, item := range items {
		full := filepath.Join(dir, item.Name())

		if item.IsDir() {
			if err := walkOne(root, full, visit); err != nil {
				return err
			}
			continue
		}

		info, err := item.Info()
		if err != nil {
			continue // file vanished between ReadDir and Info; skip
		}
		if info.Mode()&os.ModeSymlink != 0 {
			continue
		}
		if !IsSupported(full) {
			continue
		}
		if err := visit(Entry{Root: root, Path: full}); err != nil {
			return err
		}
	}
	return nil
}
