package embedbackend

import (
	"image"
	"image/color"
	"math"
	"testing"
)

func TestPreprocessProducesFixedSizeTensor(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 300))
	for y := 0; y < 300; y++ {
		for x := 0; x < 400; x++ {
			img.Set(x, y, color.RGBA{R: 128, G: 64, B: 32, A: 255})
		}
	}

	tensor := Preprocess(img)
	want := 3 * imageSize * imageSize
	if len(tensor) != want {
		t.Fatalf("expected tensor length %d, got %d", want, len(tensor))
	}
}

func TestPreprocessHandlesPortraitImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 500))
	tensor := Preprocess(img)
	want := 3 * imageSize * imageSize
	if len(tensor) != want {
		t.Fatalf("expected tensor length %d, got %d", want, len(tensor))
	}
}

func TestL2NormalizeUnitLength(t *testing.T) {
	v := []float32{3, 4, 0}
	l2Normalize(v)
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if math.Abs(norm-1.0) > 1e-5 {
		t.Fatalf("expected unit norm, got %v", norm)
	}
}

func TestL2NormalizeZeroVectorUnchanged(t *testing.T) {
	v := []float32{0, 0, 0}
	l2Normalize(v)
	for _, x := range v {
		if x != 0 {
			t.Fatalf("expected zero vector to remain zero, got %v", v)
		}
	}
}
