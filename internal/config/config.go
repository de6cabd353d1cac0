// Package config provides configuration management for semspace.
// Settings come from three layers: built-in defaults, an optional YAML file
// (path in SEMSPACE_CONFIG), and environment variables with the SEMSPACE_
// prefix. Later layers win. Every option has a default so the system is
// runnable without explicit tuning.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the semspace application.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	LLM       LLMConfig       `yaml:"llm"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Security  SecurityConfig  `yaml:"security"`
}

// ServerConfig contains HTTP server configuration for `semspace serve`.
type ServerConfig struct {
	Port int    `yaml:"port"` // default: 7171
	Host string `yaml:"host"` // default: 127.0.0.1
}

// StorageConfig contains snapshot and vector index configuration.
type StorageConfig struct {
	// DataPath is the directory holding the workspace snapshot
	// (workspace.json) and the vector index persistence (default: ./data).
	DataPath string `yaml:"data_path"`

	// IndexBackend selects the vector index implementation:
	// chromem (default), sqlite, or postgres.
	IndexBackend string `yaml:"index_backend"`

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// LLMConfig contains provider configuration for the external generative and
// embedding capabilities.
type LLMConfig struct {
	Provider             string `yaml:"provider"`               // ollama, openai, anthropic (default: ollama)
	OllamaURL            string `yaml:"ollama_url"`             // default: http://localhost:11434
	OllamaModel          string `yaml:"ollama_model"`           // default: qwen2.5:7b
	OllamaEmbeddingModel string `yaml:"ollama_embedding_model"` // default: nomic-embed-text
	OpenAIAPIKey         string `yaml:"openai_api_key"`
	OpenAIModel          string `yaml:"openai_model"`           // default: gpt-4
	OpenAIEmbeddingModel string `yaml:"openai_embedding_model"` // default: text-embedding-3-small
	AnthropicAPIKey      string `yaml:"anthropic_api_key"`
	AnthropicModel       string `yaml:"anthropic_model"` // default: claude-3-5-sonnet-20241022
}

// RetrievalConfig tunes the query path: retrieval breadth, quality cutoff,
// context size and generation determinism.
type RetrievalConfig struct {
	TopK                int     `yaml:"top_k"`                // default: 5
	SimilarityThreshold float64 `yaml:"similarity_threshold"` // default: 0.35
	MaxContextTokens    int     `yaml:"max_context_tokens"`   // default: 2048
	Temperature         float64 `yaml:"temperature"`          // default: 0.2
}

// ReconcileConfig tunes the merge/validate retry loop.
type ReconcileConfig struct {
	// RetryBudget is how many times a failed merge is retried with the
	// failure reason appended to the next request (default: 2).
	RetryBudget int `yaml:"retry_budget"`

	// BackoffCap bounds the exponential backoff between external-capability
	// retries (default: 10s).
	BackoffCap time.Duration `yaml:"backoff_cap"`

	// FallbackMerge enables the deterministic in-process merge
	// (last-timestamp-wins) when the merge capability is unavailable
	// (default: true).
	FallbackMerge bool `yaml:"fallback_merge"`
}

// SecurityConfig contains authentication settings for the serve surface.
type SecurityConfig struct {
	SecurityMode string `yaml:"security_mode"` // development or production (default: development)
	APIToken     string `yaml:"api_token"`
}

// LoadConfig builds the configuration from defaults, the optional YAML file
// named by SEMSPACE_CONFIG, and SEMSPACE_* environment variables, in that
// order of precedence.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("SEMSPACE_CONFIG"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// SnapshotPath returns the path of the persisted workspace snapshot. Its
// parent directory doubles as the vector index persistence directory.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.Storage.DataPath, "workspace.json")
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 7171,
			Host: "127.0.0.1",
		},
		Storage: StorageConfig{
			DataPath:     "./data",
			IndexBackend: "chromem",
		},
		LLM: LLMConfig{
			Provider:             "ollama",
			OllamaURL:            "http://localhost:11434",
			OllamaModel:          "qwen2.5:7b",
			OllamaEmbeddingModel: "nomic-embed-text",
			OpenAIModel:          "gpt-4",
			OpenAIEmbeddingModel: "text-embedding-3-small",
			AnthropicModel:       "claude-3-5-sonnet-20241022",
		},
		Retrieval: RetrievalConfig{
			TopK:                5,
			SimilarityThreshold: 0.35,
			MaxContextTokens:    2048,
			Temperature:         0.2,
		},
		Reconcile: ReconcileConfig{
			RetryBudget:   2,
			BackoffCap:    10 * time.Second,
			FallbackMerge: true,
		},
		Security: SecurityConfig{
			SecurityMode: "development",
		},
	}
}

// applyFile overlays YAML file values onto cfg. Fields absent from the file
// keep their current values because the decode target is the populated struct.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvInt("SEMSPACE_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnv("SEMSPACE_HOST", cfg.Server.Host)

	cfg.Storage.DataPath = getEnv("SEMSPACE_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.IndexBackend = getEnv("SEMSPACE_INDEX_BACKEND", cfg.Storage.IndexBackend)
	cfg.Storage.PostgresDSN = getEnv("SEMSPACE_POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.LLM.Provider = getEnv("SEMSPACE_LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.OllamaURL = getEnv("SEMSPACE_OLLAMA_URL", cfg.LLM.OllamaURL)
	cfg.LLM.OllamaModel = getEnv("SEMSPACE_OLLAMA_MODEL", cfg.LLM.OllamaModel)
	cfg.LLM.OllamaEmbeddingModel = getEnv("SEMSPACE_OLLAMA_EMBEDDING_MODEL", cfg.LLM.OllamaEmbeddingModel)
	cfg.LLM.OpenAIAPIKey = getEnv("SEMSPACE_OPENAI_API_KEY", cfg.LLM.OpenAIAPIKey)
	cfg.LLM.OpenAIModel = getEnv("SEMSPACE_OPENAI_MODEL", cfg.LLM.OpenAIModel)
	cfg.LLM.OpenAIEmbeddingModel = getEnv("SEMSPACE_OPENAI_EMBEDDING_MODEL", cfg.LLM.OpenAIEmbeddingModel)
	cfg.LLM.AnthropicAPIKey = getEnv("SEMSPACE_ANTHROPIC_API_KEY", cfg.LLM.AnthropicAPIKey)
	cfg.LLM.AnthropicModel = getEnv("SEMSPACE_ANTHROPIC_MODEL", cfg.LLM.AnthropicModel)

	cfg.Retrieval.TopK = getEnvInt("SEMSPACE_TOP_K", cfg.Retrieval.TopK)
	cfg.Retrieval.SimilarityThreshold = getEnvFloat("SEMSPACE_SIMILARITY_THRESHOLD", cfg.Retrieval.SimilarityThreshold)
	cfg.Retrieval.MaxContextTokens = getEnvInt("SEMSPACE_MAX_CONTEXT_TOKENS", cfg.Retrieval.MaxContextTokens)
	cfg.Retrieval.Temperature = getEnvFloat("SEMSPACE_TEMPERATURE", cfg.Retrieval.Temperature)

	cfg.Reconcile.RetryBudget = getEnvInt("SEMSPACE_RETRY_BUDGET", cfg.Reconcile.RetryBudget)
	cfg.Reconcile.BackoffCap = getEnvDuration("SEMSPACE_BACKOFF_CAP", cfg.Reconcile.BackoffCap)
	cfg.Reconcile.FallbackMerge = getEnvBool("SEMSPACE_FALLBACK_MERGE", cfg.Reconcile.FallbackMerge)

	cfg.Security.SecurityMode = getEnv("SEMSPACE_SECURITY_MODE", cfg.Security.SecurityMode)
	cfg.Security.APIToken = getEnv("SEMSPACE_API_TOKEN", cfg.Security.APIToken)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go syntax, e.g.
// "30s") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
