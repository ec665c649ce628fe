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

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	QueueStream   string `yaml:"queueStream"`

	FamilyServiceURL          string `yaml:"familyServiceURL"`
	InternalJWTPrivateKeyPath string `yaml:"internalJwtPrivateKeyPath"`
	InternalJWTKeyID          string `yaml:"internalJwtKeyId"`

	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`

	OpenAIAPIKey  string `yaml:"openaiAPIKey"`
	OpenAIBaseURL string `yaml:"openaiBaseURL"`
	OpenAIModel   string `yaml:"openaiModel"`

	MaxUploadMB int `yaml:"maxUploadMB"`
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
	if v := os.Getenv("LIBRARY_MAX_UPLOAD_MB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("config: invalid LIBRARY_MAX_UPLOAD_MB %q", v)
		}
		cfg.MaxUploadMB = n
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
	if cfg.FamilyServiceURL == "" {
		return errors.New("config: familyServiceURL is required (set in config.yaml)")
	}
	if cfg.InternalJWTPrivateKeyPath == "" {
		return errors.New("config: internalJwtPrivateKeyPath is required (set in config.yaml)")
	}
	if cfg.AuthJWKSURL == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml)")
	}
	if cfg.MaxUploadMB < 0 {
		return errors.New("config: maxUploadMB must not be negative")
	}
	return nil
}
