// Package config loads server settings from defaults, an optional config
// file, a .env file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Listen   string `mapstructure:"LISTEN"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StorageType      string   `mapstructure:"STORAGE_TYPE"`
	LocalStoragePath string   `mapstructure:"LOCAL_STORAGE_PATH"`
	DataSourceName   string   `mapstructure:"DATA_SOURCE_NAME"`
	S3BucketName     string   `mapstructure:"S3_BUCKET_NAME"`
	RedisAddrs       []string `mapstructure:"REDIS_ADDR"`
	RedisPassword    string   `mapstructure:"REDIS_PASSWORD"`
	MaxVersions      int      `mapstructure:"MAX_VERSIONS"`

	KafkaBrokers  []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic    string   `mapstructure:"KAFKA_TOPIC"`
	KafkaMaxRetry int      `mapstructure:"KAFKA_MAX_RETRY"`

	OpenAIAPIKey  string `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL string `mapstructure:"OPENAI_BASE_URL"`
	OpenAIModel   string `mapstructure:"OPENAI_MODEL"`

	JWTSecret   string   `mapstructure:"JWT_SECRET"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	OutboundQueueSize int           `mapstructure:"OUTBOUND_QUEUE_SIZE"`
	PersistWorkers    int           `mapstructure:"PERSIST_WORKERS"`
	PersistTimeout    time.Duration `mapstructure:"PERSIST_TIMEOUT"`
}

var defaults = map[string]any{
	"LISTEN":              ":3001",
	"LOG_LEVEL":           "info",
	"STORAGE_TYPE":        "memory",
	"LOCAL_STORAGE_PATH":  "./data",
	"DATA_SOURCE_NAME":    "docsync.db",
	"S3_BUCKET_NAME":      "",
	"REDIS_ADDR":          []string{"127.0.0.1:6379"},
	"REDIS_PASSWORD":      "",
	"MAX_VERSIONS":        10,
	"KAFKA_BROKERS":       []string{},
	"KAFKA_TOPIC":         "document-changes",
	"KAFKA_MAX_RETRY":     3,
	"OPENAI_API_KEY":      "",
	"OPENAI_BASE_URL":     "https://api.openai.com/v1",
	"OPENAI_MODEL":        "gpt-4",
	"JWT_SECRET":          "",
	"CORS_ORIGINS":        []string{"http://localhost:3000"},
	"OUTBOUND_QUEUE_SIZE": 256,
	"PERSIST_WORKERS":     4,
	"PERSIST_TIMEOUT":     10 * time.Second,
}

var storageTypes = map[string]bool{
	"memory":     true,
	"filesystem": true,
	"sqlite":     true,
	"s3":         true,
	"redis":      true,
}

// Load reads .env (if present), then configFile (if non-empty), then the
// environment. Environment variables win.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	} else if err != nil {
		logrus.Debug("No .env file found")
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.StorageType = strings.ToLower(strings.TrimSpace(cfg.StorageType))
	cfg.RedisAddrs = compact(cfg.RedisAddrs)
	cfg.KafkaBrokers = compact(cfg.KafkaBrokers)
	cfg.CORSOrigins = compact(cfg.CORSOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if !storageTypes[c.StorageType] {
		return fmt.Errorf("unknown STORAGE_TYPE %q", c.StorageType)
	}
	if c.StorageType == "s3" && c.S3BucketName == "" {
		return errors.New("S3_BUCKET_NAME is required for s3 storage")
	}
	if c.StorageType == "redis" && len(c.RedisAddrs) == 0 {
		return errors.New("REDIS_ADDR is required for redis storage")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	if c.OutboundQueueSize <= 0 {
		return errors.New("OUTBOUND_QUEUE_SIZE must be positive")
	}
	if c.PersistWorkers <= 0 {
		return errors.New("PERSIST_WORKERS must be positive")
	}
	return nil
}

// compact trims entries and drops empty ones; env values arrive as a single
// comma separated string.
func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
