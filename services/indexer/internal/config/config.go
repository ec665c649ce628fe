package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location, relative to the service
// working directory.
var ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	RedisAddr        string `yaml:"redisAddr"`
	RedisPassword    string `yaml:"redisPassword"`
	QueueStream      string `yaml:"queueStream"`
	QueueConcurrency int    `yaml:"queueConcurrency"`

	InternalJWTPublicKeyPath string `yaml:"internalJwtPublicKeyPath"`
	InternalJWTKeyID         string `yaml:"internalJwtKeyId"`

	OpenAIAPIKey  string `yaml:"openaiAPIKey"`
	OpenAIBaseURL string `yaml:"openaiBaseURL"`

	PollIntervalSeconds int `yaml:"pollIntervalSeconds"`
	PollAttempts        int `yaml:"pollAttempts"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("INDEXER_QUEUE_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("config: invalid INDEXER_QUEUE_CONCURRENCY %q", v)
		}
		cfg.QueueConcurrency = n
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
		return errors.New("config: minioEndpoint and minioBucket are required (set in config.yaml)")
	}
	if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
		return errors.New("config: minio credentials are required (set in config.yaml or MINIO_ACCESS_KEY/MINIO_SECRET_KEY)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.InternalJWTPublicKeyPath == "" {
		return errors.New("config: internalJwtPublicKeyPath is required (set in config.yaml)")
	}
	if cfg.OpenAIAPIKey == "" {
		return errors.New("config: openaiAPIKey is required (set in config.yaml or OPENAI_API_KEY)")
	}
	if cfg.PollIntervalSeconds < 0 || cfg.PollAttempts < 0 {
		return errors.New("config: poll settings must not be negative")
	}
	return nil
}
