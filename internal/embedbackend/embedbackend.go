// Package embedbackend provides a dual image/text embedding backend
// over a CLIP-style ONNX model pair. Vectors are L2-normalized so dot
// product equals cosine similarity. Grounded on the teacher's
// internal/embed package (ONNX Runtime session setup, tokenizer
// wiring, batching, L2 normalization) generalized from a single text
// tower to an image tower plus a text tower sharing one embedding
// space.
package embedbackend

import (
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"
)

const (
	// maxSeqLen caps the text tokenizer's effective input length.
	maxSeqLen = 77 // CLIP's native text context length

	// imageSize is the fixed square input resolution the image tower expects.
	imageSize = 224

	defaultImageBatch = 8
	defaultTextBatch  = 16
)

// Backend wraps paired ONNX sessions for image and text encoding plus
// a tokenizer. The embedding backend's thread-safety is ambiguous
// (spec: "conservative default: serialize"), so every call is
// serialized through mu — the indexer's single worker and concurrent
// query threads share one lock.
type Backend struct {
	mu sync.Mutex

	imageSession *ort.DynamicAdvancedSession
	textSession  *ort.DynamicAdvancedSession
	tokenizer    *tokenizers.Tokenizer

	dim        int
	device     string
	modelName  string
	imageBatch int
	textBatch  int
}

// Config names the on-disk model layout and runtime tuning knobs.
type Config struct {
	ModelDir   string // must contain image_encoder.onnx, text_encoder.onnx, tokenizer.json
	ModelName  string // recorded in the config record (spec §3); defaults to ModelDir's base name
	OrtLibPath string // path to onnxruntime shared library; "" uses the system default
	NumThreads int    // 0 = min(4, NumCPU)
	Dim        int    // output embedding dimensionality; 0 = read from the image tower's output shape
}

// New loads both ONNX towers and the shared tokenizer from cfg.ModelDir.
func New(cfg Config) (*Backend, error) {
	imagePath := filepath.Join(cfg.ModelDir, "image_encoder.onnx")
	textPath := filepath.Join(cfg.ModelDir, "text_encoder.onnx")
	tokenPath := filepath.Join(cfg.ModelDir, "tokenizer.json")

	for _, p := range []string{imagePath, textPath, tokenPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("embedding model asset not found at %s: %w", p, err)
		}
	}

	if cfg.OrtLibPath != "" {
		ort.SetSharedLibraryPath(cfg.OrtLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("init ort: %w", err)
	}

	dim := cfg.Dim
	if dim <= 0 {
		_, outputs, err := ort.GetInputOutputInfo(imagePath)
		if err != nil {
			return nil, fmt.Errorf("inspect image encoder: %w", err)
		}
		for _, o := range outputs {
			if o.Name == "image_embeds" && len(o.Dimensions) > 0 {
				dim = int(o.Dimensions[len(o.Dimensions)-1])
			}
		}
		if dim <= 0 {
			return nil, fmt.Errorf("cannot determine embedding dim from %s", imagePath)
		}
	}

	numThreads := cfg.NumThreads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
		if numThreads > 4 {
			numThreads = 4
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetIntraOpNumThreads(numThreads); err != nil {
		return nil, fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set inter threads: %w", err)
	}

	imageSession, err := ort.NewDynamicAdvancedSession(imagePath,
		[]string{"pixel_values"}, []string{"image_embeds"}, opts)
	if err != nil {
		return nil, fmt.Errorf("create image session: %w", err)
	}

	textSession, err := ort.NewDynamicAdvancedSession(textPath,
		[]string{"input_ids", "attention_mask"}, []string{"text_embeds"}, opts)
	if err != nil {
		imageSession.Destroy()
		return nil, fmt.Errorf("create text session: %w", err)
	}

	tk, err := tokenizers.FromFile(tokenPath)
	if err != nil {
		imageSession.Destroy()
		textSession.Destroy()
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	modelName := cfg.ModelName
	if modelName == "" {
		modelName = filepath.Base(cfg.ModelDir)
	}

	return &Backend{
		imageSession: imageSession,
		textSession:  textSession,
		tokenizer:    tk,
		dim:          dim,
		device:       "cpu",
		modelName:    modelName,
		imageBatch:   defaultImageBatch,
		textBatch:    defaultTextBatch,
	}, nil
}

// Close releases both ONNX sessions and the tokenizer.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.imageSession != nil {
		b.imageSession.Destroy()
	}
	if b.textSession != nil {
		b.textSession.Destroy()
	}
	if b.tokenizer != nil {
		b.tokenizer.Close()
	}
}

// Dim returns the fixed output embedding dimensionality.
func (b *Backend) Dim() int { return b.dim }

// Device reports the compute device in use, surfaced via /ready.
func (b *Backend) Device() string { return b.device }

// ModelName returns the name recorded in the config record (spec §3).
func (b *Backend) ModelName() string { return b.modelName }

// Preprocess resizes img to the tower's fixed input resolution via
// center-crop after an aspect-preserving resize, matching CLIP's
// standard preprocessing pipeline, and returns CHW float32 pixel
// values normalized to the model's expected range.
func Preprocess(img image.Image) []float32 {
	resized := resizeShortSide(img, imageSize)
	cropped := centerCrop(resized, imageSize, imageSize)
	return toCHWTensor(cropped)
}

func resizeShortSide(img image.Image, target int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	var newW, newH int
	if w < h {
		newW = target
		newH = int(float64(h) * float64(target) / float64(w))
	} else {
		newH = target
		newW = int(float64(w) * float64(target) / float64(h))
	}
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func centerCrop(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	x0 := b.Min.X + (b.Dx()-w)/2
	y0 := b.Min.Y + (b.Dy()-h)/2
	rect := image.Rect(x0, y0, x0+w, y0+h)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}

// clipMean and clipStd are the standard CLIP per-channel normalization
// constants.
var clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
var clipStd = [3]float32{0.26862954, 0.26130258, 0.27577711}

func toCHWTensor(img image.Image) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float32, 3*w*h)
	plane := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			idx := y*w + x
			out[0*plane+idx] = (float32(r)/65535 - clipMean[0]) / clipStd[0]
			out[1*plane+idx] = (float32(g)/65535 - clipMean[1]) / clipStd[1]
			out[2*plane+idx] = (float32(bl)/65535 - clipMean[2]) / clipStd[2]
		}
	}
	return out
}

// EmbedImages runs the image tower over a batch of preprocessed CHW
// tensors (each imageSize*imageSize*3 floats), returning one unit-norm
// row per input.
func (b *Backend) EmbedImages(tensors [][]float32) ([][]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]float32, 0, len(tensors))
	for i := 0; i < len(tensors); i += b.imageBatch {
		end := i + b.imageBatch
		if end > len(tensors) {
			end = len(tensors)
		}
		batch, err := b.embedImageBatch(tensors[i:end])
		if err != nil {
			return nil, fmt.Errorf("image batch [%d:%d]: %w", i, end, err)
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (b *Backend) embedImageBatch(tensors [][]float32) ([][]float32, error) {
	batchSize := len(tensors)
	flat := make([]float32, 0, batchSize*3*imageSize*imageSize)
	for _, t := range tensors {
		flat = append(flat, t...)
	}
	shape := ort.NewShape(int64(batchSize), 3, int64(imageSize), int64(imageSize))
	input, err := ort.NewTensor(shape, flat)
	if err != nil {
		return nil, fmt.Errorf("pixel_values tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := b.imageSession.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("image session run: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	return b.poolOutputs(outputs[0], batchSize)
}

// EmbedTexts tokenizes and embeds a batch of free-form strings.
func (b *Backend) EmbedTexts(texts []string) ([][]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += b.textBatch {
		end := i + b.textBatch
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := b.embedTextBatch(texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("text batch [%d:%d]: %w", i, end, err)
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (b *Backend) embedTextBatch(texts []string) ([][]float32, error) {
	batchSize := len(texts)
	maxLen := 0
	idsPerText := make([][]int64, batchSize)
	maskPerText := make([][]int64, batchSize)
	for i, text := range texts {
		enc := b.tokenizer.EncodeWithOptions(text, true, tokenizers.WithReturnAttentionMask())
		ids := enc.IDs
		if len(ids) > maxSeqLen {
			ids = ids[:maxSeqLen]
		}
		ids64 := make([]int64, len(ids))
		mask64 := make([]int64, len(ids))
		for j, v := range ids {
			ids64[j] = int64(v)
			mask64[j] = 1
		}
		idsPerText[i] = ids64
		maskPerText[i] = mask64
		if len(ids64) > maxLen {
			maxLen = len(ids64)
		}
	}
	if maxLen == 0 {
		return nil, fmt.Errorf("all texts tokenized to zero length")
	}

	flatIDs := make([]int64, batchSize*maxLen)
	flatMask := make([]int64, batchSize*maxLen)
	for i := range idsPerText {
		copy(flatIDs[i*maxLen:], idsPerText[i])
		copy(flatMask[i*maxLen:], maskPerText[i])
	}
	shape := ort.NewShape(int64(batchSize), int64(maxLen))

	inputIDs, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()
	attnMask, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer attnMask.Destroy()

	outputs := []ort.Value{nil}
	if err := b.textSession.Run([]ort.Value{inputIDs, attnMask}, outputs); err != nil {
		return nil, fmt.Errorf("text session run: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	return b.poolOutputs(outputs[0], batchSize)
}

// poolOutputs extracts the pre-pooled [batch, dim] embedding from an
// ONNX output tensor and L2-normalizes each row.
func (b *Backend) poolOutputs(v ort.Value, batchSize int) ([][]float32, error) {
	tensor, ok := v.(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type (want *Tensor[float32])")
	}
	data := tensor.GetData()
	if len(data) != batchSize*b.dim {
		return nil, fmt.Errorf("unexpected output size %d, want %d", len(data), batchSize*b.dim)
	}

	embeddings := make([][]float32, batchSize)
	for i := 0; i < batchSize; i++ {
		vec := make([]float32, b.dim)
		copy(vec, data[i*b.dim:(i+1)*b.dim])
		l2Normalize(vec)
		embeddings[i] = vec
	}
	return embeddings, nil
}

// l2Normalize normalizes v in place to unit length, matching the
// embedding backend's unit-norm output contract.
func l2Normalize(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-10 {
		return
	}
	inv := float32(1.0 / norm)
	for i := range v {
		v[i] *= inv
	}
}
