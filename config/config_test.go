package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.StorageType != "memory" {
		t.Errorf("StorageType mismatch: got %q, want %q", cfg.StorageType, "memory")
	}
	if cfg.Listen != ":3001" {
		t.Errorf("Listen mismatch: got %q, want %q", cfg.Listen, ":3001")
	}
	if cfg.PersistTimeout != 10*time.Second {
		t.Errorf("PersistTimeout mismatch: got %v, want %v", cfg.PersistTimeout, 10*time.Second)
	}
	if len(cfg.KafkaBrokers) != 0 {
		t.Errorf("KafkaBrokers should default to empty, got %v", cfg.KafkaBrokers)
	}
	if cfg.KafkaMaxRetry != 3 {
		t.Errorf("KafkaMaxRetry mismatch: got %d, want 3", cfg.KafkaMaxRetry)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("STORAGE_TYPE", "SQLite")
	t.Setenv("DATA_SOURCE_NAME", "/tmp/x.db")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("PERSIST_WORKERS", "8")
	t.Setenv("PERSIST_TIMEOUT", "250ms")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.StorageType != "sqlite" {
		t.Errorf("StorageType mismatch: got %q, want %q", cfg.StorageType, "sqlite")
	}
	if cfg.DataSourceName != "/tmp/x.db" {
		t.Errorf("DataSourceName mismatch: got %q, want %q", cfg.DataSourceName, "/tmp/x.db")
	}
	if want := []string{"k1:9092", "k2:9092"}; !reflect.DeepEqual(cfg.KafkaBrokers, want) {
		t.Errorf("KafkaBrokers mismatch: got %q, want %q", cfg.KafkaBrokers, want)
	}
	if cfg.PersistWorkers != 8 {
		t.Errorf("PersistWorkers mismatch: got %d, want 8", cfg.PersistWorkers)
	}
	if cfg.PersistTimeout != 250*time.Millisecond {
		t.Errorf("PersistTimeout mismatch: got %v, want 250ms", cfg.PersistTimeout)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsync.yaml")
	body := "STORAGE_TYPE: filesystem\nLOCAL_STORAGE_PATH: /srv/docs\nMAX_VERSIONS: 3\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	t.Setenv("MAX_VERSIONS", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.StorageType != "filesystem" || cfg.LocalStoragePath != "/srv/docs" {
		t.Errorf("file values not applied: got %q %q", cfg.StorageType, cfg.LocalStoragePath)
	}
	if cfg.MaxVersions != 5 {
		t.Errorf("environment should override file: got %d, want 5", cfg.MaxVersions)
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() should fail for a missing config file")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{StorageType: "memory", OutboundQueueSize: 1, PersistWorkers: 1}
	}

	cases := map[string]func(c *Config){
		"unknown storage": func(c *Config) { c.StorageType = "tape" },
		"s3 no bucket":    func(c *Config) { c.StorageType = "s3" },
		"redis no addr":   func(c *Config) { c.StorageType = "redis" },
		"kafka no topic":  func(c *Config) { c.KafkaBrokers = []string{"k:9092"} },
		"zero queue":      func(c *Config) { c.OutboundQueueSize = 0 },
		"zero workers":    func(c *Config) { c.PersistWorkers = 0 },
	}

	ok := base()
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() of base config failed: %v", err)
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}
