package sift

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	remoteMaxBatch     = 2048
	remoteDefaultModel = "text-embedding-3-small"
)

// RemoteConfig configures a RemoteEmbedder.
type RemoteConfig struct {
	BaseURL string
	Model   string
	// Dim requests a specific output dimension. Zero leaves it to the server.
	Dim        int
	APIKey     string
	HTTPClient *http.Client
}

// RemoteEmbedder implements Embedder against an OpenAI-compatible embeddings
// endpoint. Vectors are L2-normalized on receipt so they compare with Dot like
// local ones.
type RemoteEmbedder struct {
	client *openai.Client
	model  string
	dim    int
	id     string
}

var (
	_ Embedder = (*RemoteEmbedder)(nil)
	_ Embedder = (*OrtEmbedder)(nil)
	_ Embedder = (*CachedEmbedder)(nil)
)

// NewRemoteEmbedder creates a client for cfg.BaseURL.
func NewRemoteEmbedder(cfg RemoteConfig) (*RemoteEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote embedder: base url is required")
	}
	if cfg.Model == "" {
		cfg.Model = remoteDefaultModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	client := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(cfg.HTTPClient),
		option.WithBaseURL(cfg.BaseURL),
	)
	return &RemoteEmbedder{
		client: &client,
		model:  cfg.Model,
		dim:    cfg.Dim,
		id:     cfg.Model + "@" + cfg.BaseURL,
	}, nil
}

// ModelID combines the model name and endpoint so cache entries never mix
// vectors from different servers.
func (r *RemoteEmbedder) ModelID() string { return r.id }

func (r *RemoteEmbedder) Close() error { return nil }

// EmbedTexts splits large batches into multiple API calls.
func (r *RemoteEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	normalized := NormalizeAll(texts)
	result := make([][]float32, len(texts))
	for i := 0; i < len(normalized); i += remoteMaxBatch {
		end := min(i+remoteMaxBatch, len(normalized))
		vecs, err := r.callAPI(ctx, normalized[i:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d:%d]: %w", i, end, err)
		}
		copy(result[i:], vecs)
	}
	return result, nil
}

func (r *RemoteEmbedder) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Model:          r.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if r.dim > 0 {
		params.Dimensions = openai.Int(int64(r.dim))
	}
	resp, err := r.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, err
	}
	vecs := make([][]float32, len(texts))
	for _, item := range resp.Data {
		idx := item.Index
		if idx < 0 || idx >= int64(len(texts)) {
			return nil, fmt.Errorf("unexpected embedding index %d for batch size %d", idx, len(texts))
		}
		vecs[idx] = normalizeFloat64s(item.Embedding)
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for index %d", i)
		}
	}
	return vecs, nil
}

func normalizeFloat64s(in []float64) []float32 {
	var sum float64
	for _, v := range in {
		sum += v * v
	}
	out := make([]float32, len(in))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, v := range in {
		out[i] = float32(v * inv)
	}
	return out
}
