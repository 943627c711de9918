// Package vecindex implements NumpyIndex: a flat, in-memory
// inner-product search over a row-normalized matrix. There is no
// approximate structure here on purpose — at this corpus scale a
// linear scan is fast enough and exact, so there is no graph to
// build or tune. Grounded on the candidate-heap idiom in the
// teacher's internal/hnsw package, adapted from graph traversal to a
// single bounded top-k selection over every row.
package vecindex

import (
	"container/heap"
	"math"
)

// Row is anything that can hand back a materialized row of floats —
// satisfied by a plain [][]float32 wrapper and by
// vectorstore.MappedMatrix.
type Row interface {
	Row(i int) []float32
}

// Matrix is the minimal surface NumpyIndex needs from its backing
// storage: row count, dimensionality, and per-row access.
type Matrix interface {
	Row
	Rows() int
	Dims() int
}

// sliceMatrix adapts a plain in-memory [][]float32 to Matrix, for
// indexes built over vectors that are not on disk (the package tests
// use it this way).
type sliceMatrix struct {
	rows [][]float32
	dim  int
}

// NewSliceMatrix wraps rows (each of length dim) as a Matrix.
func NewSliceMatrix(rows [][]float32, dim int) Matrix {
	return &sliceMatrix{rows: rows, dim: dim}
}

func (m *sliceMatrix) Row(i int) []float32 {
	if i < 0 || i >= len(m.rows) {
		return nil
	}
	return m.rows[i]
}
func (m *sliceMatrix) Rows() int { return len(m.rows) }
func (m *sliceMatrix) Dims() int { return m.dim }

// Index is the flat search structure: an immutable view over Matrix.
// It holds no lock of its own — callers (IndexService) guarantee no
// search runs against an Index whose backing Matrix is being
// unmapped during a hot-swap.
type Index struct {
	matrix Matrix
}

// New wraps matrix as a NumpyIndex.
func New(matrix Matrix) *Index {
	return &Index{matrix: matrix}
}

// candidate is a (row, similarity) pair used by the bounded top-k
// min-heap below, identical in shape to the teacher's own candidate
// type but pruned down to what a flat scan needs.
type candidate struct {
	row   int
	score float32
}

// minHeap is a min-heap of candidates ordered by ascending score, so
// the root is always the weakest of the currently-held top-k —
// exactly the structure the teacher uses to bound its ef candidate
// pool during HNSW search.
type minHeap []candidate

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].score < h[j].score }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Search computes s = q . X^T over every row and returns the top-k'
// entries (k' = min(k, N)) in descending score order, as fixed-width
// 1xk slices padded with score -Inf and index -1 when k' < k.
func (idx *Index) Search(q []float32, k int) (scores []float32, indices []int) {
	if idx.matrix == nil || k <= 0 {
		return nil, nil
	}
	n := idx.matrix.Rows()
	if n == 0 {
		return nil, nil
	}

	h := &minHeap{}
	heap.Init(h)
	for i := 0; i < n; i++ {
		row := idx.matrix.Row(i)
		s := dot(q, row)
		if h.Len() < k {
			heap.Push(h, candidate{row: i, score: s})
			continue
		}
		if s > (*h)[0].score {
			heap.Pop(h)
			heap.Push(h, candidate{row: i, score: s})
		}
	}

	kPrime := h.Len()
	ordered := make([]candidate, kPrime)
	for i := kPrime - 1; i >= 0; i-- {
		ordered[i] = heap.Pop(h).(candidate)
	}

	scores = make([]float32, k)
	indices = make([]int, k)
	for i := range scores {
		if i < kPrime {
			scores[i] = ordered[i].score
			indices[i] = ordered[i].row
		} else {
			scores[i] = float32(math.Inf(-1))
			indices[i] = -1
		}
	}
	return scores, indices
}

func dot(a, b []float32) float32 {
	var sum float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
