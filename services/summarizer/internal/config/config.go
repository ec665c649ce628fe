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

	InternalJWTPublicKeyPath string `yaml:"internalJwtPublicKeyPath"`
	InternalJWTKeyID         string `yaml:"internalJwtKeyId"`

	OpenAIAPIKey  string `yaml:"openaiAPIKey"`
	OpenAIBaseURL string `yaml:"openaiBaseURL"`
	OpenAIModel   string `yaml:"openaiModel"`

	ChunkThreshold  int `yaml:"chunkThreshold"`
	Concurrency     int `yaml:"concurrency"`
	IntervalMinutes int `yaml:"intervalMinutes"`
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
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("SUMMARIZER_INTERVAL_MINUTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("config: invalid SUMMARIZER_INTERVAL_MINUTES %q", v)
		}
		cfg.IntervalMinutes = n
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
	if cfg.InternalJWTPublicKeyPath == "" {
		return errors.New("config: internalJwtPublicKeyPath is required (set in config.yaml)")
	}
	if cfg.OpenAIAPIKey == "" {
		return errors.New("config: openaiAPIKey is required (set in config.yaml or OPENAI_API_KEY)")
	}
	if cfg.ChunkThreshold < 0 || cfg.Concurrency < 0 || cfg.IntervalMinutes < 0 {
		return errors.New("config: chunkThreshold, concurrency, and intervalMinutes must not be negative")
	}
	return nil
}
