package sift

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultConfigFile = "config.json"

// EmbedderConfig wraps the configuration for the local ORT embedder, the
// optional remote embedder and the vector cache.
type EmbedderConfig struct {
	OrtDLL        string `json:"ortDll"`
	ModelPath     string `json:"modelPath"`
	TokenizerPath string `json:"tokenizerPath"`
	MaxSeqLen     int    `json:"maxSeqLen"`
	Prefix        string `json:"prefix"`
	CacheDir      string `json:"cacheDir"`
	ModelID       string `json:"modelId"`
	// ModelsDir holds custom local models, one directory per model id with
	// model.onnx and tokenizer.json inside.
	ModelsDir string `json:"modelsDir"`

	// RemoteModel is the model name sent to an OpenAI-compatible endpoint when
	// a custom model URL is configured.
	RemoteModel string `json:"remoteModel"`
	RemoteDim   int    `json:"remoteDim"`
	// APIKeyEnv names the environment variable holding the remote API key.
	APIKeyEnv string `json:"apiKeyEnv"`
}

// RankingConfig tunes the ranking engine.
type RankingConfig struct {
	TieGap       float32 `json:"tieGap"`
	VisibleFloor float32 `json:"visibleFloor"`
	TopK         int     `json:"topK"`
}

// TierConfig tunes the score classifier.
type TierConfig struct {
	Thresholds []Threshold `json:"thresholds,omitempty"`
	HueSplit   float32     `json:"hueSplit"`
}

type StoreConfig struct {
	Dir      string `json:"dir"`
	InMemory bool   `json:"inMemory"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
}

type FeedConfig struct {
	URL        string `json:"url"`
	TTLSeconds int    `json:"ttlSeconds"`
}

type PagesConfig struct {
	AllowedSchemes []string `json:"allowedSchemes"`
}

type LogConfig struct {
	Mode string `json:"mode"`
}

// Config aggregates runtime settings persisted to config.json.
type Config struct {
	Embedder  EmbedderConfig `json:"embedder"`
	Ranking   RankingConfig  `json:"ranking"`
	Tiers     TierConfig     `json:"tiers"`
	Store     StoreConfig    `json:"store"`
	Server    ServerConfig   `json:"server"`
	Feed      FeedConfig     `json:"feed"`
	Pages     PagesConfig    `json:"pages"`
	Log       LogConfig      `json:"log"`
	SeedsPath string         `json:"seedsPath"`
}

// Clone creates a deep copy of the configuration so callers can mutate safely.
func (c Config) Clone() Config {
	buf, _ := json.Marshal(c)
	var out Config
	_ = json.Unmarshal(buf, &out)
	return out
}

// ApplyDefaults populates zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Embedder.MaxSeqLen == 0 {
		c.Embedder.MaxSeqLen = 512
	}
	if c.Embedder.ModelID == "" && c.Embedder.ModelPath != "" {
		c.Embedder.ModelID = filepath.Base(filepath.Dir(c.Embedder.ModelPath))
		if c.Embedder.ModelID == "." {
			c.Embedder.ModelID = filepath.Base(c.Embedder.ModelPath)
		}
	}
	if c.Embedder.APIKeyEnv == "" {
		c.Embedder.APIKeyEnv = "SIFT_API_KEY"
	}
	if c.Ranking.TieGap <= 0 {
		c.Ranking.TieGap = DefaultTieGap
	}
	if c.Ranking.VisibleFloor <= 0 {
		c.Ranking.VisibleFloor = DefaultVisibleFloor
	}
	if c.Ranking.TopK <= 0 {
		c.Ranking.TopK = DefaultVisibleTopK
	}
	if len(c.Tiers.Thresholds) == 0 {
		c.Tiers.Thresholds = DefaultThresholds()
	}
	if c.Store.Dir == "" && !c.Store.InMemory {
		c.Store.Dir = "./data"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:7420"
	}
	if c.Feed.URL == "" {
		c.Feed.URL = "https://news.ycombinator.com/rss"
	}
	if c.Feed.TTLSeconds <= 0 {
		c.Feed.TTLSeconds = 30 * 60
	}
	if len(c.Pages.AllowedSchemes) == 0 {
		c.Pages.AllowedSchemes = []string{"http", "https"}
	}
	if c.Log.Mode == "" {
		c.Log.Mode = "dev"
	}
	c.SeedsPath = strings.TrimSpace(c.SeedsPath)
}

// LoadConfig loads configuration from the given path or the default config.json.
// A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = defaultConfigFile
	}
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.ApplyDefaults()
	if cfg.Embedder.CacheDir != "" {
		if err := os.MkdirAll(cfg.Embedder.CacheDir, 0o755); err != nil {
			return cfg, fmt.Errorf("create cache dir: %w", err)
		}
	}
	return cfg, nil
}

// SaveConfig persists configuration to disk.
func SaveConfig(path string, cfg Config) error {
	if path == "" {
		path = defaultConfigFile
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	cfg.ApplyDefaults()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
