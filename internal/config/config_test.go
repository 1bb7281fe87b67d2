package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	t.Setenv("EVENTGATE_INGEST_KAFKA_ENABLED", "true")
	t.Setenv("EVENTGATE_STORAGE_BACKEND", "memory")

	path := writeFile(t, "eventgate.yaml", `
server:
  node_id: n1
socket:
  enabled: true
  auth_token: secret
storage:
  backend: sqlite
  sqlite:
    dir: /var/lib/eventgate
registry:
  event_types:
    - name: order.created
      topic: orders
    - name: registered-but-without-topic
topics:
  - name: orders
    partitions: 4
ingest:
  kafka:
    enabled: false
    brokers: ["127.0.0.1:9092"]
    topics: ["events"]
    group_id: g1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if !cfg.Ingest.Kafka.Enabled {
		t.Fatalf("expected env override to enable kafka")
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Fatalf("expected env override of storage backend, got %q", cfg.Storage.Backend)
	}
	if !cfg.Socket.Enabled || cfg.Socket.AuthToken != "secret" {
		t.Fatalf("unexpected socket config: %+v", cfg.Socket)
	}
	if len(cfg.Registry.EventTypes) != 2 || cfg.Registry.EventTypes[0].Topic != "orders" || cfg.Registry.EventTypes[1].Topic != "" {
		t.Fatalf("unexpected event types: %+v", cfg.Registry.EventTypes)
	}
	if len(cfg.Topics) != 1 || cfg.Topics[0].Partitions != 4 {
		t.Fatalf("unexpected topics: %+v", cfg.Topics)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "eventgate.toml", `
[server]
node_id = "n2"

[http]
address = ":9090"
read_timeout = "3s"

[http.rate_limit]
rps = 50.5
burst = 10

[storage]
backend = "nats"

[storage.nats]
url = "nats://nats:4222"
subject_prefix = "eg"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.Server.NodeID != "n2" {
		t.Fatalf("unexpected node id: %q", cfg.Server.NodeID)
	}
	if cfg.HTTP.Address != ":9090" || cfg.HTTP.ReadTimeout != 3*time.Second {
		t.Fatalf("unexpected http config: %+v", cfg.HTTP)
	}
	if cfg.HTTP.RateLimit.RPS != 50.5 || cfg.HTTP.RateLimit.Burst != 10 {
		t.Fatalf("unexpected rate limit: %+v", cfg.HTTP.RateLimit)
	}
	if cfg.Storage.NATS.SubjectPrefix != "eg" || cfg.Storage.NATS.Stream != "EVENTGATE" {
		t.Fatalf("unexpected nats config: %+v", cfg.Storage.NATS)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Storage.Backend != BackendSQLite || cfg.Storage.SQLite.Dir != "data" {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.HTTP.MaxBodyBytes != 1<<20 || !cfg.HTTP.Enabled {
		t.Fatalf("unexpected http defaults: %+v", cfg.HTTP)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "console" {
		t.Fatalf("unexpected log defaults: %+v", cfg.Log)
	}
}

func validConfig() Config {
	return Config{
		Server:  ServerConfig{NodeID: "n1"},
		Storage: StorageConfig{Backend: BackendMemory},
		Feature: FeatureConfig{AllowMultipleAdapters: true},
	}
}

func TestValidateDisallowMultipleAdapters(t *testing.T) {
	cfg := validConfig()
	cfg.HTTP.Enabled = true
	cfg.Socket.Enabled = true
	cfg.Feature.AllowMultipleAdapters = false
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error when multiple adapters are enabled")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"missing node id":       func(c *Config) { c.Server.NodeID = "" },
		"unknown backend":       func(c *Config) { c.Storage.Backend = "postgres" },
		"kafka without brokers": func(c *Config) { c.Storage.Backend = BackendKafka },
		"empty partition set":   func(c *Config) { c.Topics = []TopicConfig{{Name: "orders", Partitions: 0}} },
		"duplicate topic":       func(c *Config) { c.Topics = []TopicConfig{{Name: "a", Partitions: 1}, {Name: "a", Partitions: 2}} },
		"blank event type":      func(c *Config) { c.Registry.EventTypes = []EventTypeConfig{{Topic: "orders"}} },
		"unix without path":     func(c *Config) { c.Socket.Enabled = true; c.Socket.Network = "unix" },
		"bad sample ratio":      func(c *Config) { c.OTel.SampleRatio = 2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
