package sift

import "fmt"

// Dot returns the dot product of two equal-length vectors. Embeddings coming
// out of the encoders are L2-normalized, so this is their cosine similarity in
// [-1, 1].
func Dot(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	if len(a) == 0 {
		return 0, ErrEmptyInput
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot), nil
}

// Similarity is Dot clamped to [0, 1].
func Similarity(a, b []float32) (float32, error) {
	d, err := Dot(a, b)
	if err != nil {
		return 0, err
	}
	return Clamp01(d), nil
}

func Clamp01(x float32) float32 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func cloneVector(vec []float32) []float32 {
	if vec == nil {
		return nil
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out
}
