package rootset

import "testing"

func TestMinimalRemovesDescendants(t *testing.T) {
	roots := []string{"/a/b", "/a", "/c/d/e", "/a/b/c"}
	got := Minimal(roots)
	if len(got) != 2 {
		t.Fatalf("expected 2 roots, got %d: %v", len(got), got)
	}
	want := map[string]bool{"/a": true, "/c/d/e": true}
	for _, g := range got {
		if !want[g] {
			t.Errorf("unexpected survivor %q", g)
		}
	}
}

func TestMinimalIsIdempotent(t *testing.T) {
	roots := []string{"/a/b", "/a", "/x"}
	first := Minimal(roots)
	second := Minimal(first)
	if len(first) != len(second) {
		t.Fatalf("Minimal not idempotent: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("Minimal not idempotent: %v vs %v", first, second)
		}
	}
}

func TestMinimalDeduplicates(t *testing.T) {
	got := Minimal([]string{"/a", "/a", "/a/"})
	if len(got) != 1 {
		t.Fatalf("expected 1 root after dedup, got %d: %v", len(got), got)
	}
}

func TestDetectOverlapsIncomingInsideExisting(t *testing.T) {
	ov := DetectOverlaps([]string{"/a"}, []string{"/a/b"})
	if len(ov.IncomingInsideExisting) != 1 {
		t.Fatalf("expected 1 incoming-inside-existing pair, got %d", len(ov.IncomingInsideExisting))
	}
	if len(ov.ExistingInsideIncoming) != 0 {
		t.Fatalf("unexpected existing-inside-incoming pairs: %v", ov.ExistingInsideIncoming)
	}
}

func TestDetectOverlapsExistingInsideIncoming(t *testing.T) {
	ov := DetectOverlaps([]string{"/a/b"}, []string{"/a"})
	if len(ov.ExistingInsideIncoming) != 1 {
		t.Fatalf("expected 1 existing-inside-incoming pair, got %d", len(ov.ExistingInsideIncoming))
	}
}

func TestDetectOverlapsSelfOverlap(t *testing.T) {
	ov := DetectOverlaps(nil, []string{"/a", "/a/b"})
	if len(ov.IncomingSelfOverlap) != 1 {
		t.Fatalf("expected 1 self-overlap pair, got %d", len(ov.IncomingSelfOverlap))
	}
}

func TestDetectOverlapsEqualRootIsNotOverlap(t *testing.T) {
	ov := DetectOverlaps([]string{"/a"}, []string{"/a"})
	if !ov.Empty() {
		t.Fatalf("equal roots must not be reported as overlap: %+v", ov)
	}
}

func TestDetectOverlapsSymmetricForEqualInputs(t *testing.T) {
	a := []string{"/a", "/b/c"}
	b := []string{"/a", "/b/c"}
	ov1 := DetectOverlaps(a, b)
	ov2 := DetectOverlaps(b, a)
	if !ov1.Empty() || !ov2.Empty() {
		t.Fatalf("identical root sets must never overlap: %+v / %+v", ov1, ov2)
	}
}

func TestValidateRejectsOverlap(t *testing.T) {
	err := Validate([]string{"/a/b"}, []string{"/a"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	if !contains(msg, "/a/b") || !contains(msg, "/a") {
		t.Fatalf("error message should name offending pair, got: %s", msg)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
