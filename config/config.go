package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/semantis-ai/semantis/utils/env"
)

// Config represents the full application configuration.
type Config struct {
	// Port to listen for incoming requests.
	Port int `yaml:"port"`

	// Path of the JSON cache snapshot.
	SnapshotPath string `yaml:"snapshot_path"`

	// Path of the API key registry file. Ignored when a Valkey endpoint is
	// configured.
	KeysPath string `yaml:"keys_path"`

	// Valkey (open-source version of Redis) endpoint to share API key state
	// across replicas. E.g., localhost:6379. Empty means file-backed keys.
	ValkeyEndpoint string `yaml:"valkey_endpoint"`

	// API key to access the OpenAI service.
	OpenAiApiKey string

	// Base URL of the OpenAI-compatible upstream.
	OpenAiBaseUrl string `yaml:"openai_base_url"`

	// Model used for embeddings.
	EmbeddingModel string `yaml:"embedding_model"`

	// Model used to answer cache misses.
	ChatModel string `yaml:"chat_model"`

	// Default TTL for cached answers, in seconds.
	DefaultTtlSeconds int `yaml:"default_ttl_seconds"`

	// Capacity of the in-process embedding cache.
	EmbeddingCacheSize int `yaml:"embedding_cache_size"`
}

// LoadConfig loads the configuration from the specified path. A missing
// file is not an error; defaults plus environment variables apply.
func LoadConfig(path string, logger *zap.SugaredLogger) (*Config, error) {
	config := Config{
		Port:               8000,
		SnapshotPath:       "cache_data/cache.json",
		KeysPath:           "cache_data/api_keys.json",
		DefaultTtlSeconds:  604800,
		EmbeddingCacheSize: 1000,
	}

	configData, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %v", err)
		}
		logger.Infow("No config file found, using defaults", "path", path)
	} else if err := yaml.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}

	// Overrides config with environment variables.
	// Therefore, the values from the environment variables precede the values from the YAML file.
	config.Port = env.OptionalIntVariable("PORT", config.Port)
	config.SnapshotPath = env.OptionalStringVariable("SNAPSHOT_PATH", config.SnapshotPath)
	config.KeysPath = env.OptionalStringVariable("KEYS_PATH", config.KeysPath)
	config.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", config.ValkeyEndpoint)
	config.OpenAiApiKey = env.OptionalStringVariable("OPENAI_API_KEY", config.OpenAiApiKey)
	config.OpenAiBaseUrl = env.OptionalStringVariable("OPENAI_BASE_URL", config.OpenAiBaseUrl)
	config.EmbeddingModel = env.OptionalStringVariable("EMBEDDING_MODEL", config.EmbeddingModel)
	config.ChatModel = env.OptionalStringVariable("CHAT_MODEL", config.ChatModel)
	config.DefaultTtlSeconds = env.OptionalIntVariable("DEFAULT_TTL_SECONDS", config.DefaultTtlSeconds)
	config.EmbeddingCacheSize = env.OptionalIntVariable("EMBEDDING_CACHE_SIZE", config.EmbeddingCacheSize)

	return &config, nil
}
