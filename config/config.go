// Package config centralizes default values and environment/file
// overrides for every component this module wires together, following
// the teacher's pattern of plain structs with Default*Config
// constructors plus a thin env-var overlay.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/corvalane/memex/background"
	"github.com/corvalane/memex/embedcache"
	"github.com/corvalane/memex/embedsvc"
	"github.com/corvalane/memex/learner"
	"github.com/corvalane/memex/lifecycle"
	"github.com/corvalane/memex/memstore"
)

// DefaultDataDir returns ~/.memex, or $MEMEX_DATA_DIR if set.
func DefaultDataDir() string {
	if d := os.Getenv("MEMEX_DATA_DIR"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".memex")
}

// DefaultDBPath returns <DataDir>/memex.db.
func DefaultDBPath() string {
	return filepath.Join(DefaultDataDir(), "memex.db")
}

// DefaultEmbeddingServiceURL returns the embedding/text-generation
// service's base URL, defaulting to a local Ollama instance.
func DefaultEmbeddingServiceURL() string {
	if u := os.Getenv("MEMEX_EMBEDDING_URL"); u != "" {
		return u
	}
	return "http://127.0.0.1:11434"
}

// Config aggregates every component's configuration into one value.
type Config struct {
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`

	Memstore   memstore.Config   `yaml:"memstore"`
	EmbedCache embedcache.Config `yaml:"embed_cache"`
	EmbedSvc   embedsvc.Config   `yaml:"embed_service"`
	Lifecycle  lifecycle.Config  `yaml:"lifecycle"`
	Background background.Config `yaml:"background"`
	Learner    learner.Config    `yaml:"learner"`
}

// DefaultConfig returns every component's default configuration, rooted
// at DefaultDataDir.
func DefaultConfig() Config {
	dataDir := DefaultDataDir()
	return Config{
		DataDir:    dataDir,
		DBPath:     filepath.Join(dataDir, "memex.db"),
		Memstore:   memstore.DefaultConfig(),
		EmbedCache: embedcache.Config{Dir: filepath.Join(dataDir, "embedcache"), MaxEntries: 1000, TTL: time.Hour},
		EmbedSvc:   embedsvc.DefaultConfig(DefaultEmbeddingServiceURL()),
		Lifecycle:  lifecycle.DefaultConfig(),
		Background: background.DefaultConfig(),
		Learner:    learner.DefaultConfig(),
	}
}

// LoadFromFile overlays cfg with values from a YAML file at path.
// Fields absent from the file keep whatever cfg already held (normally
// DefaultConfig's values).
func LoadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv overlays cfg with MEMEX_-prefixed environment variables,
// following the teacher's flat getEnv/parseInt overlay idiom rather
// than a reflection-based decoder.
func (c *Config) LoadFromEnv(prefix string) {
	if v := os.Getenv(prefix + "DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(prefix + "DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(prefix + "EMBEDDING_URL"); v != "" {
		c.EmbedSvc.BaseURL = v
	}
	if v := os.Getenv(prefix + "EMBEDDING_MODEL"); v != "" {
		c.EmbedSvc.EmbeddingModel = v
	}
	if v := os.Getenv(prefix + "TEXTGEN_MODEL"); v != "" {
		c.EmbedSvc.TextGenModel = v
	}
	if v := os.Getenv(prefix + "RERANKER_MODEL"); v != "" {
		c.EmbedSvc.RerankerModel = v
	}
	if v := os.Getenv(prefix + "IDLE_TIMEOUT_SECONDS"); v != "" {
		c.Lifecycle.IdleTimeout = time.Duration(parseInt(v, int(c.Lifecycle.IdleTimeout.Seconds()))) * time.Second
	}
	if v := os.Getenv(prefix + "LEARNER_MIN_CONFIDENCE"); v != "" {
		c.Learner.MinConfidence = parseFloat(v, c.Learner.MinConfidence)
	}
	if v := os.Getenv(prefix + "BACKGROUND_ENABLED"); v != "" {
		c.Background.Enabled = v != "0" && v != "false"
	}
}

func parseInt(s string, defaultVal int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseFloat(s string, defaultVal float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return defaultVal
	}
	return f
}
