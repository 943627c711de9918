package vecindex

import (
	"math"
	"testing"
)

func TestSearchReturnsTopKDescending(t *testing.T) {
	rows := [][]float32{
		{1, 0, 0}, // exact match, score 1
		{0, 1, 0}, // orthogonal, score 0
		{0.7071068, 0.7071068, 0}, // 45 degrees, score ~0.707
	}
	idx := New(NewSliceMatrix(rows, 3))

	scores, indices := idx.Search([]float32{1, 0, 0}, 2)
	if len(scores) != 2 || len(indices) != 2 {
		t.Fatalf("expected 2 results, got %d/%d", len(scores), len(indices))
	}
	if indices[0] != 0 {
		t.Fatalf("expected row 0 first, got %d", indices[0])
	}
	if indices[1] != 2 {
		t.Fatalf("expected row 2 second, got %d", indices[1])
	}
	if scores[0] < scores[1] {
		t.Fatalf("expected descending scores, got %v", scores)
	}
}

func TestSearchPadsWhenKExceedsN(t *testing.T) {
	rows := [][]float32{{1, 0}, {0, 1}}
	idx := New(NewSliceMatrix(rows, 2))

	scores, indices := idx.Search([]float32{1, 0}, 5)
	if len(scores) != 5 || len(indices) != 5 {
		t.Fatalf("expected width-5 results, got %d/%d", len(scores), len(indices))
	}
	for i := 2; i < 5; i++ {
		if indices[i] != -1 {
			t.Fatalf("expected -1 padding at %d, got %d", i, indices[i])
		}
		if !math.IsInf(float64(scores[i]), -1) {
			t.Fatalf("expected -Inf padding at %d, got %v", i, scores[i])
		}
	}
}

func TestSearchEmptyMatrix(t *testing.T) {
	idx := New(NewSliceMatrix(nil, 3))
	scores, indices := idx.Search([]float32{1, 0, 0}, 5)
	if scores != nil || indices != nil {
		t.Fatalf("expected nil results for empty matrix, got %v/%v", scores, indices)
	}
}

func TestSearchNonPositiveK(t *testing.T) {
	rows := [][]float32{{1, 0}}
	idx := New(NewSliceMatrix(rows, 2))
	scores, indices := idx.Search([]float32{1, 0}, 0)
	if scores != nil || indices != nil {
		t.Fatalf("expected nil results for k<=0, got %v/%v", scores, indices)
	}
}
