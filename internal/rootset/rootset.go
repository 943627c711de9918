// Package rootset normalizes, deduplicates, and validates the set of
// directory roots an index is built over.
package rootset

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// Normalize expands a user-supplied root path into its canonical form:
// home-prefix expansion, absolutization, separator collapse, symlink
// resolution through resolveSymlinks (skipped when it is nil or
// fails), and trailing-separator stripping. The returned path keeps its
// case; case-folding is applied when roots are compared (foldKey),
// following the host filesystem's own case sensitivity (spec §9: "follow
// the filesystem" — case-insensitive on Windows and on case-preserving
// case-insensitive filesystems such as default macOS, case-sensitive
// elsewhere).
func Normalize(path string, resolveSymlinks func(string) (string, error)) (string, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return "", fmt.Errorf("expand home in %q: %w", path, err)
	}

	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("absolutize %q: %w", path, err)
	}
	abs = filepath.Clean(abs)

	if resolveSymlinks != nil {
		resolved, err := resolveSymlinks(abs)
		if err == nil && resolved != "" {
			abs = filepath.Clean(resolved)
		}
	}

	abs = strings.TrimRight(abs, string(filepath.Separator))
	if abs == "" {
		abs = string(filepath.Separator)
	}
	return abs, nil
}

// foldKey returns the key used to compare two normalized paths for
// equality/containment, applying platform case-folding.
func foldKey(path string) string {
	if caseInsensitiveFS() {
		return strings.ToLower(path)
	}
	return path
}

// caseInsensitiveFS reports whether root comparisons on this platform
// should be case-insensitive. True on Windows and on macOS's default
// case-preserving case-insensitive filesystem; false elsewhere (Linux
// and other case-sensitive filesystems).
func caseInsensitiveFS() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}

// depth returns the number of path components, used to sort shallower
// (potential ancestor) roots before deeper (potential descendant) ones.
func depth(path string) int {
	clean := filepath.Clean(path)
	if clean == string(filepath.Separator) {
		return 0
	}
	return strings.Count(clean, string(filepath.Separator))
}

// isDescendant reports whether child is child-of-or-equal-to parent
// after case-folding.
func isDescendant(parent, child string) bool {
	p, c := foldKey(parent), foldKey(child)
	if p == c {
		return true
	}
	sep := string(filepath.Separator)
	if !strings.HasSuffix(p, sep) {
		p += sep
	}
	return strings.HasPrefix(c, p)
}

// Minimal returns roots with duplicates removed and with no element
// that is a descendant of another element retained. Sorting by
// (depth, path) first makes the containment check a single forward
// scan: once roots are ordered shallowest-first, a later root can only
// ever be swallowed by an earlier one.
func Minimal(roots []string) []string {
	if len(roots) == 0 {
		return nil
	}

	dedup := make(map[string]string, len(roots)) // foldKey -> original
	for _, r := range roots {
		dedup[foldKey(r)] = r
	}

	uniq := make([]string, 0, len(dedup))
	for _, r := range dedup {
		uniq = append(uniq, r)
	}

	sort.Slice(uniq, func(i, j int) bool {
		di, dj := depth(uniq[i]), depth(uniq[j])
		if di != dj {
			return di < dj
		}
		return foldKey(uniq[i]) < foldKey(uniq[j])
	})

	var kept []string
	for _, r := range uniq {
		swallowed := false
		for _, k := range kept {
			if isDescendant(k, r) {
				swallowed = true
				break
			}
		}
		if !swallowed {
			kept = append(kept, r)
		}
	}
	return kept
}

// OverlapPair is a pair of roots found to overlap, in (inner, outer)
// order: outer is the ancestor, inner is the descendant.
type OverlapPair struct {
	Inner string
	Outer string
}

// Overlaps is the classification of overlaps detected between an
// existing root set and a set of incoming roots to add.
type Overlaps struct {
	// IncomingInsideExisting holds (incoming, existing) pairs where an
	// incoming root is already covered by an existing root — a
	// redundant addition.
	IncomingInsideExisting []OverlapPair
	// ExistingInsideIncoming holds (existing, incoming) pairs where an
	// incoming root would subsume a narrower existing root — forbidden.
	ExistingInsideIncoming []OverlapPair
	// IncomingSelfOverlap holds (narrower, broader) pairs within the
	// incoming set itself.
	IncomingSelfOverlap []OverlapPair
}

// Empty reports whether no overlap of any category was detected.
func (o Overlaps) Empty() bool {
	return len(o.IncomingInsideExisting) == 0 &&
		len(o.ExistingInsideIncoming) == 0 &&
		len(o.IncomingSelfOverlap) == 0
}

// DetectOverlaps classifies overlaps between existing and incoming root
// sets. A root equal to itself is never reported as an overlap.
func DetectOverlaps(existing, incoming []string) Overlaps {
	var out Overlaps

	for _, in := range incoming {
		for _, ex := range existing {
			if foldKey(in) == foldKey(ex) {
				continue // equal roots are not an overlap
			}
			if isDescendant(ex, in) {
				out.IncomingInsideExisting = append(out.IncomingInsideExisting, OverlapPair{Inner: in, Outer: ex})
			}
			if isDescendant(in, ex) {
				out.ExistingInsideIncoming = append(out.ExistingInsideIncoming, OverlapPair{Inner: ex, Outer: in})
			}
		}
	}

	for i, a := range incoming {
		for j, b := range incoming {
			if i == j || foldKey(a) == foldKey(b) {
				continue
			}
			if isDescendant(b, a) {
				out.IncomingSelfOverlap = append(out.IncomingSelfOverlap, OverlapPair{Inner: a, Outer: b})
			}
		}
	}

	return out
}

// ValidationError describes a rejected reindex request, naming the
// offending overlap pairs.
type ValidationError struct {
	Overlaps Overlaps
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("root overlap detected")
	for _, p := range e.Overlaps.IncomingInsideExisting {
		fmt.Fprintf(&b, "; %s is already covered by existing root %s", p.Inner, p.Outer)
	}
	for _, p := range e.Overlaps.ExistingInsideIncoming {
		fmt.Fprintf(&b, "; existing root %s would be swallowed by new %s", p.Inner, p.Outer)
	}
	for _, p := range e.Overlaps.IncomingSelfOverlap {
		fmt.Fprintf(&b, "; %s is already covered by requested root %s", p.Inner, p.Outer)
	}
	return b.String()
}

// Validate runs DetectOverlaps and returns a *ValidationError naming
// every offending pair if any overlap category is non-empty.
func Validate(existing, incoming []string) error {
	ov := DetectOverlaps(existing, incoming)
	if ov.Empty() {
		return nil
	}
	return &ValidationError{Overlaps: ov}
}

// expandHome expands a leading "~" or "~/" to the user's home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}
