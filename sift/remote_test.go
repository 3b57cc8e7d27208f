package sift_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yashubustudio/sift/sift"
)

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions"`
}

func embeddingsServer(t *testing.T, got *embeddingRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(got))
		w.Header().Set("Content-Type", "application/json")
		// Reversed; placement follows index.
		_, _ = w.Write([]byte(`{
			"object": "list",
			"model": "mini",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0, 2]},
				{"object": "embedding", "index": 0, "embedding": [3, 4]}
			],
			"usage": {"prompt_tokens": 4, "total_tokens": 4}
		}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteEmbedderNormalizesAndOrders(t *testing.T) {
	var got embeddingRequest
	srv := embeddingsServer(t, &got)
	r, err := sift.NewRemoteEmbedder(sift.RemoteConfig{
		BaseURL:    srv.URL,
		Model:      "mini",
		Dim:        2,
		APIKey:     "test-key",
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	assert.Equal(t, "mini@"+srv.URL, r.ModelID())

	vecs, err := r.EmbedTexts(context.Background(), []string{"  Mars   rover ", "daily news"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, vecs[0], 1e-6)
	assert.InDeltaSlice(t, []float32{0, 1}, vecs[1], 1e-6)

	assert.Equal(t, "mini", got.Model)
	assert.Equal(t, []string{"Mars rover", "daily news"}, got.Input)
	assert.Equal(t, 2, got.Dimensions)
}

func TestRemoteEmbedderErrors(t *testing.T) {
	_, err := sift.NewRemoteEmbedder(sift.RemoteConfig{})
	require.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	r, err := sift.NewRemoteEmbedder(sift.RemoteConfig{BaseURL: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)
	_, err = r.EmbedTexts(context.Background(), []string{"x"})
	require.Error(t, err)

	_, err = r.EmbedTexts(context.Background(), nil)
	require.ErrorIs(t, err, sift.ErrEmptyInput)
}
