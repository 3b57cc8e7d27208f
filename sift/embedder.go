package sift

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"yashubustudio/sift/emb"
	"yashubustudio/sift/internal/logger"
)

// Embedder produces one L2-normalized vector per input text, preserving order.
// Implementations return ErrNotLoaded when used before their model is ready
// and ErrEmptyInput for an empty batch.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	ModelID() string
	Close() error
}

// ModelSource selects the model a Lifecycle loads. ID picks a custom local
// model under EmbedderConfig.ModelsDir, URL an OpenAI-compatible endpoint.
// Both empty means the configured default model.
type ModelSource struct {
	ID  string `json:"id,omitempty"`
	URL string `json:"url,omitempty"`
}

// Validate enforces that at most one custom source is set.
func (s ModelSource) Validate() error {
	if s.ID != "" && s.URL != "" {
		return ErrConflictingModel
	}
	return nil
}

// EmbedderFactory builds an Embedder for a model source. It may block while
// the model loads.
type EmbedderFactory func(ctx context.Context, src ModelSource) (Embedder, error)

// OrtEmbedder is a thin wrapper over emb.Encoder.
type OrtEmbedder struct {
	mu  sync.RWMutex
	enc *emb.Encoder
	cfg EmbedderConfig
}

// NewOrtEmbedder initializes the encoder from cfg.
func NewOrtEmbedder(cfg EmbedderConfig) (*OrtEmbedder, error) {
	if cfg.ModelID == "" && cfg.ModelPath != "" {
		cfg.ModelID = filepath.Base(cfg.ModelPath)
	}
	encoder := &emb.Encoder{}
	if err := encoder.Init(emb.Config{
		OrtDLL:        cfg.OrtDLL,
		ModelPath:     cfg.ModelPath,
		TokenizerPath: cfg.TokenizerPath,
		MaxSeqLen:     cfg.MaxSeqLen,
		Prefix:        cfg.Prefix,
	}); err != nil {
		return nil, fmt.Errorf("init encoder %s: %w", cfg.ModelID, err)
	}
	return &OrtEmbedder{enc: encoder, cfg: cfg}, nil
}

// Close releases ORT resources. Later calls to EmbedTexts fail with ErrNotLoaded.
func (o *OrtEmbedder) Close() error {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.enc != nil {
		o.enc.Close()
		o.enc = nil
	}
	return nil
}

func (o *OrtEmbedder) ModelID() string {
	return o.cfg.ModelID
}

// EmbedTexts encodes texts sequentially.
func (o *OrtEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.enc == nil {
		return nil, ErrNotLoaded
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := o.enc.Encode(NormalizeText(t))
		if err != nil {
			return nil, fmt.Errorf("encode text %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// CachedEmbedder memoizes vectors per model and text, in memory and optionally
// on disk.
type CachedEmbedder struct {
	inner Embedder
	cache *vectorCache
}

// NewCachedEmbedder wraps inner. An empty dir keeps the cache in memory only.
func NewCachedEmbedder(inner Embedder, dir string) (*CachedEmbedder, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	return &CachedEmbedder{
		inner: inner,
		cache: &vectorCache{dir: dir, mem: make(map[string][]float32)},
	}, nil
}

func (c *CachedEmbedder) ModelID() string { return c.inner.ModelID() }

func (c *CachedEmbedder) Close() error { return c.inner.Close() }

// EmbedTexts serves cached vectors and forwards only the misses, in one batch.
func (c *CachedEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	model := c.inner.ModelID()
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		keys[i] = cacheKeyFor(model, NormalizeText(t))
		if vec := c.cache.get(keys[i]); vec != nil {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}
	vecs, err := c.inner.EmbedTexts(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(missTexts))
	}
	for j, i := range missIdx {
		c.cache.put(keys[i], vecs[j])
		out[i] = cloneVector(vecs[j])
	}
	return out, nil
}

func cacheKeyFor(model, text string) string {
	h := sha1.New()
	_, _ = io.WriteString(h, model)
	_, _ = io.WriteString(h, "|")
	_, _ = io.WriteString(h, text)
	return hex.EncodeToString(h.Sum(nil))
}

type vectorCache struct {
	mu  sync.RWMutex
	dir string
	mem map[string][]float32
}

func (c *vectorCache) get(key string) []float32 {
	c.mu.RLock()
	vec, ok := c.mem[key]
	c.mu.RUnlock()
	if ok {
		return cloneVector(vec)
	}
	vec, err := c.loadFromDisk(key)
	if err != nil {
		return nil
	}
	c.mu.Lock()
	c.mem[key] = vec
	c.mu.Unlock()
	return cloneVector(vec)
}

func (c *vectorCache) put(key string, vec []float32) {
	c.mu.Lock()
	c.mem[key] = cloneVector(vec)
	c.mu.Unlock()
	_ = c.saveToDisk(key, vec)
}

func (c *vectorCache) loadFromDisk(key string) ([]float32, error) {
	if c.dir == "" {
		return nil, os.ErrNotExist
	}
	path := filepath.Join(c.dir, key+".bin")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("cache file too small: %s", path)
	}
	length := int(binary.LittleEndian.Uint32(data[:4]))
	data = data[4:]
	if len(data) != length*4 {
		return nil, fmt.Errorf("cache length mismatch: %s", path)
	}
	vec := make([]float32, length)
	for i := 0; i < length; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : (i+1)*4]))
	}
	return vec, nil
}

func (c *vectorCache) saveToDisk(key string, vec []float32) error {
	if c.dir == "" {
		return nil
	}
	path := filepath.Join(c.dir, key+".bin")
	tmp := path + ".tmp"
	buf := make([]byte, 4+len(vec)*4)
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(vec)))
	off := 4
	for _, v := range vec {
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(v))
		off += 4
	}
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// DefaultEmbedderFactory resolves a ModelSource against cfg: a URL selects
// the remote embedder, an ID a model directory under cfg.ModelsDir, and
// neither the configured default model. Every embedder is wrapped in a
// CachedEmbedder.
func DefaultEmbedderFactory(cfg EmbedderConfig, log *logger.Logger) EmbedderFactory {
	log = logger.OrNop(log)
	return func(ctx context.Context, src ModelSource) (Embedder, error) {
		if err := src.Validate(); err != nil {
			return nil, err
		}
		var (
			inner Embedder
			err   error
		)
		switch {
		case src.URL != "":
			log.Info("loading remote embedder", "url", src.URL, "model", cfg.RemoteModel)
			inner, err = NewRemoteEmbedder(RemoteConfig{
				BaseURL: src.URL,
				Model:   cfg.RemoteModel,
				Dim:     cfg.RemoteDim,
				APIKey:  os.Getenv(cfg.APIKeyEnv),
			})
		case src.ID != "":
			local := cfg
			dir := filepath.Join(cfg.ModelsDir, sanitizeModelID(src.ID))
			local.ModelPath = filepath.Join(dir, "model.onnx")
			local.TokenizerPath = filepath.Join(dir, "tokenizer.json")
			local.ModelID = src.ID
			log.Info("loading custom model", "model", src.ID, "dir", dir)
			inner, err = NewOrtEmbedder(local)
		default:
			log.Info("loading model", "model", cfg.ModelID, "path", cfg.ModelPath)
			inner, err = NewOrtEmbedder(cfg)
		}
		if err != nil {
			return nil, err
		}
		cached, err := NewCachedEmbedder(inner, cfg.CacheDir)
		if err != nil {
			_ = inner.Close()
			return nil, err
		}
		return cached, nil
	}
}

func sanitizeModelID(id string) string {
	id = strings.ReplaceAll(id, "..", "")
	return strings.NewReplacer("/", "_", "\\", "_").Replace(id)
}
