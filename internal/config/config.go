package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server,omitempty"`
	Retrieval  RetrievalConfig  `yaml:"retrieval,omitempty"`
	Index      IndexConfig      `yaml:"index,omitempty"`
	Embedding  EmbeddingConfig  `yaml:"embedding,omitempty"`
	Generation GenerationConfig `yaml:"generation,omitempty"`
	Ingest     IngestConfig     `yaml:"ingest,omitempty"`
	Database   DatabaseConfig   `yaml:"database,omitempty"`
}

// ServerConfig holds the HTTP surface configuration
type ServerConfig struct {
	Addr         string   `yaml:"addr,omitempty"`          // listen address, default ":7008"
	AllowOrigins []string `yaml:"allow_origins,omitempty"` // CORS origins, default "*"
	RedisAddr    string   `yaml:"redis_addr,omitempty"`    // optional redis relay for the overlay topic
	RedisChannel string   `yaml:"redis_channel,omitempty"` // redis channel name, default "overlay"
}

// RetrievalConfig holds hybrid search configuration
type RetrievalConfig struct {
	DefaultLimit   int `yaml:"default_limit,omitempty"`    // default result count, 5
	DenseTimeoutMS int `yaml:"dense_timeout_ms,omitempty"` // dense-path budget, 200
}

// IndexConfig holds the two index backends
type IndexConfig struct {
	SparsePath string       `yaml:"sparse_path,omitempty"` // bleve index dir; empty = in-memory
	Qdrant     QdrantConfig `yaml:"qdrant,omitempty"`
}

// QdrantConfig holds the dense vector store connection
type QdrantConfig struct {
	URL        string `yaml:"url,omitempty"` // default http://localhost:6333
	APIKey     string `yaml:"api_key,omitempty"`
	Collection string `yaml:"collection,omitempty"` // default call-companion-docs
}

// EmbeddingConfig holds embedding provider configuration
type EmbeddingConfig struct {
	Provider   string `yaml:"provider,omitempty"`   // "hash" | "openai"
	Dimensions int    `yaml:"dimensions,omitempty"` // hash provider output size, default 64

	// OpenAI specific
	OpenAIAPIKey string `yaml:"openai_api_key,omitempty"`
	OpenAIModel  string `yaml:"openai_model,omitempty"`
}

// GenerationConfig holds the streaming LLM backend configuration
type GenerationConfig struct {
	BaseURL       string `yaml:"base_url,omitempty"`       // default http://localhost:11434
	PrimaryModel  string `yaml:"primary_model,omitempty"`  // default qwen2.5:14b-instruct
	FallbackModel string `yaml:"fallback_model,omitempty"` // default llama3.2:8b
	TimeoutMS     int    `yaml:"timeout_ms,omitempty"`     // per-model connect/response budget, 5000
}

// IngestConfig holds document ingestion configuration
type IngestConfig struct {
	ChunkWords int      `yaml:"chunk_words,omitempty"` // words per chunk window, default 512
	Exclude    []string `yaml:"exclude,omitempty"`     // doublestar patterns skipped during ingest
}

// DatabaseConfig holds the chunk registry location
type DatabaseConfig struct {
	// Path to the SQLite registry file.
	// If empty, uses ~/.callpilot/data/registry.db
	Path string `yaml:"path,omitempty"`
}

// Load loads configuration from the default config file
// Default location: ~/.callpilot/config/callpilot.yaml
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return LoadFromFile(filepath.Join(homeDir, ".callpilot", "config", "callpilot.yaml"))
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ConfigNotFoundError{RequestedPath: path}
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and environment
// overrides honored. Used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

// ConfigNotFoundError is returned when the config file is not found
type ConfigNotFoundError struct {
	RequestedPath string
}

func (e *ConfigNotFoundError) Error() string {
	return fmt.Sprintf("config file not found at: %s", e.RequestedPath)
}

// IsConfigNotFound checks if err is a missing-config error
func IsConfigNotFound(err error) bool {
	_, ok := err.(*ConfigNotFoundError)
	return ok
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":7008"
	}
	if len(c.Server.AllowOrigins) == 0 {
		c.Server.AllowOrigins = []string{"*"}
	}
	if c.Server.RedisChannel == "" {
		c.Server.RedisChannel = "overlay"
	}
	if c.Retrieval.DefaultLimit <= 0 {
		c.Retrieval.DefaultLimit = 5
	}
	if c.Retrieval.DenseTimeoutMS <= 0 {
		c.Retrieval.DenseTimeoutMS = 200
	}
	if c.Index.Qdrant.URL == "" {
		c.Index.Qdrant.URL = "http://localhost:6333"
	}
	if c.Index.Qdrant.Collection == "" {
		c.Index.Qdrant.Collection = "call-companion-docs"
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "hash"
	}
	if c.Embedding.Dimensions <= 0 {
		c.Embedding.Dimensions = 64
	}
	if c.Embedding.OpenAIModel == "" {
		c.Embedding.OpenAIModel = "text-embedding-3-small"
	}
	if c.Generation.BaseURL == "" {
		c.Generation.BaseURL = "http://localhost:11434"
	}
	if c.Generation.PrimaryModel == "" {
		c.Generation.PrimaryModel = "qwen2.5:14b-instruct"
	}
	if c.Generation.FallbackModel == "" {
		c.Generation.FallbackModel = "llama3.2:8b"
	}
	if c.Generation.TimeoutMS <= 0 {
		c.Generation.TimeoutMS = 5000
	}
	if c.Ingest.ChunkWords <= 0 {
		c.Ingest.ChunkWords = 512
	}
	if c.Database.Path == "" {
		if homeDir, err := os.UserHomeDir(); err == nil {
			c.Database.Path = filepath.Join(homeDir, ".callpilot", "data", "registry.db")
		}
	}
}

// applyEnvOverrides lets deployment environments override the values that
// differ per machine without editing the config file.
func (c *Config) applyEnvOverrides() {
	setString(&c.Server.Addr, "CALLPILOT_ADDR")
	setString(&c.Server.RedisAddr, "REDIS_ADDR")
	setString(&c.Server.RedisChannel, "REDIS_CHANNEL")
	setString(&c.Index.Qdrant.URL, "QDRANT_URL")
	setString(&c.Index.Qdrant.APIKey, "QDRANT_API_KEY")
	setString(&c.Index.Qdrant.Collection, "QDRANT_COLLECTION")
	setString(&c.Generation.BaseURL, "OLLAMA_URL")
	setString(&c.Generation.PrimaryModel, "PRIMARY_MODEL")
	setString(&c.Generation.FallbackModel, "FALLBACK_MODEL")
	setString(&c.Embedding.Provider, "EMBEDDING_PROVIDER")
	setString(&c.Embedding.OpenAIAPIKey, "OPENAI_API_KEY")
	setInt(&c.Generation.TimeoutMS, "GENERATION_TIMEOUT_MS")
}

func setString(dst *string, name string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return
	}
	if i, err := strconv.Atoi(v); err == nil {
		*dst = i
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "hash":
	case "openai":
		if c.Embedding.OpenAIAPIKey == "" {
			return fmt.Errorf("embedding.openai_api_key is required for the openai provider")
		}
	default:
		return fmt.Errorf("unsupported embedding provider: %s", c.Embedding.Provider)
	}

	if c.Generation.PrimaryModel == "" && c.Generation.FallbackModel == "" {
		return fmt.Errorf("at least one generation model must be configured")
	}

	return nil
}
