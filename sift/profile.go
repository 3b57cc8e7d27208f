package sift

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// TasteProfile is the centroid of the positive label embeddings minus the
// centroid of the negative ones. Key is the ComputeCacheKey of the inputs it
// was built from.
type TasteProfile struct {
	Key       string    `json:"key" msgpack:"key"`
	ModelID   string    `json:"modelId" msgpack:"modelId"`
	Vector    []float32 `json:"vector" msgpack:"vector"`
	Positives int       `json:"positives" msgpack:"positives"`
	Negatives int       `json:"negatives" msgpack:"negatives"`
	BuiltAt   int64     `json:"builtAt" msgpack:"builtAt"`
}

// EmbedFunc embeds a batch of texts in order.
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// BuildTasteProfile embeds the deduplicated labels and combines them. It
// fails with ErrNoLabels when there is no positive label.
func BuildTasteProfile(ctx context.Context, labels []TrainingLabel, activeIDs []string, modelID string, embed EmbedFunc) (TasteProfile, error) {
	latest := dedupeLabels(labels)
	keys := make([]string, 0, len(latest))
	for k := range latest {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var pos, neg []string
	for _, k := range keys {
		l := latest[k]
		if l.Polarity == Positive {
			pos = append(pos, l.Text)
		} else {
			neg = append(neg, l.Text)
		}
	}
	if len(pos) == 0 {
		return TasteProfile{}, ErrNoLabels
	}
	vecs, err := embed(ctx, append(append([]string(nil), pos...), neg...))
	if err != nil {
		return TasteProfile{}, fmt.Errorf("embed profile labels: %w", err)
	}
	posCentroid, err := centroid(vecs[:len(pos)])
	if err != nil {
		return TasteProfile{}, err
	}
	vec := posCentroid
	if len(neg) > 0 {
		negCentroid, err := centroid(vecs[len(pos):])
		if err != nil {
			return TasteProfile{}, err
		}
		for i := range vec {
			vec[i] -= negCentroid[i]
		}
	}
	return TasteProfile{
		Key:       ComputeCacheKey(labels, activeIDs, modelID),
		ModelID:   modelID,
		Vector:    normalizeVector(vec),
		Positives: len(pos),
		Negatives: len(neg),
		BuiltAt:   time.Now().UnixMilli(),
	}, nil
}

// Fresh reports whether p was built from exactly these inputs.
func (p TasteProfile) Fresh(labels []TrainingLabel, activeIDs []string, modelID string) bool {
	return p.Key != "" && p.Key == ComputeCacheKey(labels, activeIDs, modelID)
}

// Score is the clamped similarity of vec to the profile.
func (p TasteProfile) Score(vec []float32) (float32, error) {
	return Similarity(vec, p.Vector)
}

func centroid(vecs [][]float32) ([]float32, error) {
	if len(vecs) == 0 {
		return nil, ErrEmptyInput
	}
	dim := len(vecs[0])
	sum := make([]float32, dim)
	for _, v := range vecs {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(v), dim)
		}
		for i, x := range v {
			sum[i] += x
		}
	}
	inv := 1 / float32(len(vecs))
	for i := range sum {
		sum[i] *= inv
	}
	return sum, nil
}

func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}
