package providers

import (
	"context"
	"fmt"
	"math"
)

// hashEmbedder is the default "local-transformer" runtime: a deterministic,
// dependency-free stand-in for an in-process ONNX/transformers runtime.
// The host application overrides this registration with a real local
// model at startup; this default keeps the gateway and its tests runnable
// without one.
type hashEmbedder struct {
	dimension int
}

// NewHashEmbedder builds the default local-transformer embedder. Dimension
// defaults to 384 (a common local sentence-embedding width) when unset.
func NewHashEmbedder(cfg map[string]interface{}) (Embedder, error) {
	dim := 384
	if d, ok := cfg["dimension"].(int); ok && d > 0 {
		dim = d
	}
	return &hashEmbedder{dimension: dim}, nil
}

// Embed produces a deterministic unit vector from a hash of the whole text
// so that identical text always embeds identically, without requiring an
// actual model. Any change to the text yields an unrelated vector, so
// near-duplicate texts do not land nearby.
func (h *hashEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}
	vec := make([]float64, h.dimension)
	var state uint32 = 2166136261
	for i := range vec {
		for _, c := range text {
			state = (state ^ uint32(c)) * 16777619
		}
		state = state*2654435761 + uint32(i)
		vec[i] = float64(int32(state)) / float64(math.MaxInt32)
	}
	normalize(vec)
	return vec, nil
}

func (h *hashEmbedder) GetDimension() (int, error) {
	return h.dimension, nil
}

func normalize(v []float64) {
	var sumSq float64
	for _, x := range v {
		sumSq += x * x
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] /= norm
	}
}

func init() {
	RegisterEmbedder("local-transformer", NewHashEmbedder)
}
