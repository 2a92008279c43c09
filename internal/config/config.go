// Package config loads scout configuration from defaults, an optional JSON
// config file, and SCOUT_* environment variables, in increasing precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kalambet/scout/internal/vectorizer"
)

type Config struct {
	Server  ServerConfig
	Ollama  OllamaConfig
	Storage StorageConfig
	Sync    SyncConfig
	Match   MatchConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
	// Token enables bearer auth on mutating endpoints when non-empty.
	Token string
}

type OllamaConfig struct {
	BaseURL string
	// EmbedModel is used for every vector type.
	EmbedModel string
	// EmbedDimension, when non-zero, is enforced against every embedding.
	EmbedDimension int
	// TimeoutSeconds bounds each provider call.
	TimeoutSeconds int
}

type StorageConfig struct {
	DataDir string
}

type SyncConfig struct {
	// Concurrency bounds the vectorization worker pool.
	Concurrency int
}

type MatchConfig struct {
	DescriptionWeight float64
	CapabilityWeight  float64
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Ollama: OllamaConfig{
			BaseURL:        "http://localhost:11434",
			EmbedModel:     "nomic-embed-text",
			TimeoutSeconds: 30,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Sync: SyncConfig{
			Concurrency: 4,
		},
		Match: MatchConfig{
			DescriptionWeight: 0.7,
			CapabilityWeight:  0.3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "scout")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./scout-data"
	}
	return filepath.Join(home, ".local", "share", "scout")
}

func configFilePath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "scout", "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "scout", "config.json")
}

// Load reads configuration from the config file (if present) and applies
// SCOUT_* environment variable overrides.
func Load() (Config, error) {
	return loadWith(configFilePath(), os.Getenv)
}

func loadWith(path string, getenv func(string) string) (Config, error) {
	cfg := defaults()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnvOverrides(&cfg, getenv)

	if cfg.Match.DescriptionWeight < 0 || cfg.Match.CapabilityWeight < 0 ||
		cfg.Match.DescriptionWeight+cfg.Match.CapabilityWeight == 0 {
		return Config{}, fmt.Errorf("invalid match weights: description=%v capability=%v",
			cfg.Match.DescriptionWeight, cfg.Match.CapabilityWeight)
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	setInt("SCOUT_PORT", &cfg.Server.Port)
	setString("SCOUT_API_TOKEN", &cfg.Server.Token)
	setString("SCOUT_OLLAMA_URL", &cfg.Ollama.BaseURL)
	setString("SCOUT_EMBED_MODEL", &cfg.Ollama.EmbedModel)
	setInt("SCOUT_EMBED_DIMENSION", &cfg.Ollama.EmbedDimension)
	setInt("SCOUT_EMBED_TIMEOUT_SECONDS", &cfg.Ollama.TimeoutSeconds)
	setString("SCOUT_DATA_DIR", &cfg.Storage.DataDir)
	setInt("SCOUT_SYNC_CONCURRENCY", &cfg.Sync.Concurrency)
	setFloat("SCOUT_MATCH_DESCRIPTION_WEIGHT", &cfg.Match.DescriptionWeight)
	setFloat("SCOUT_MATCH_CAPABILITY_WEIGHT", &cfg.Match.CapabilityWeight)
	setString("SCOUT_LOG_LEVEL", &cfg.Log.Level)
}

// EmbedTimeout returns the provider call timeout as a duration.
func (c Config) EmbedTimeout() time.Duration {
	return time.Duration(c.Ollama.TimeoutSeconds) * time.Second
}

// VectorizerConfig maps the configured embed model onto both vector types.
func (c Config) VectorizerConfig() vectorizer.Config {
	mc := vectorizer.ModelConfig{
		Model:     c.Ollama.EmbedModel,
		Dimension: c.Ollama.EmbedDimension,
	}
	return vectorizer.Config{
		Models: map[string]vectorizer.ModelConfig{
			vectorizer.TypeDescription: mc,
			vectorizer.TypeCapability:  mc,
		},
	}
}

// MatchWeights returns the per-vector-type weights for the matcher.
func (c Config) MatchWeights() map[string]float64 {
	return map[string]float64{
		vectorizer.TypeDescription: c.Match.DescriptionWeight,
		vectorizer.TypeCapability:  c.Match.CapabilityWeight,
	}
}
