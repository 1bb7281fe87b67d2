// Package config loads eventgate's configuration from a YAML or TOML file with
// EVENTGATE_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendSQLite = "sqlite"
	BackendKafka  = "kafka"
	BackendNATS   = "nats"
	BackendMemory = "memory"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Socket   SocketConfig   `mapstructure:"socket"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Registry RegistryConfig `mapstructure:"registry"`
	Topics   []TopicConfig  `mapstructure:"topics"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Log      LogConfig      `mapstructure:"log"`
	OTel     OTelConfig     `mapstructure:"otel"`
	Feature  FeatureConfig  `mapstructure:"feature"`
}

type ServerConfig struct {
	NodeID string `mapstructure:"node_id"`
}

type HTTPConfig struct {
	Enabled      bool            `mapstructure:"enabled"`
	Address      string          `mapstructure:"address"`
	ReadTimeout  time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout time.Duration   `mapstructure:"write_timeout"`
	MaxBodyBytes int64           `mapstructure:"max_body_bytes"`
	RateLimit    RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type SocketConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Network          string `mapstructure:"network"`
	Address          string `mapstructure:"address"`
	UnixSocketPath   string `mapstructure:"unix_socket_path"`
	AuthToken        string `mapstructure:"auth_token"`
	MaxInflight      int    `mapstructure:"max_inflight"`
	GlobalQueueLimit int    `mapstructure:"global_queue_limit"`
	WorkerQueues     int    `mapstructure:"worker_queues"`
}

type StorageConfig struct {
	Backend string              `mapstructure:"backend"`
	SQLite  SQLiteStorageConfig `mapstructure:"sqlite"`
	Kafka   KafkaStorageConfig  `mapstructure:"kafka"`
	NATS    NATSStorageConfig   `mapstructure:"nats"`
}

type SQLiteStorageConfig struct {
	Dir string `mapstructure:"dir"`
}

type KafkaStorageConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	ClientID       string        `mapstructure:"client_id"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	TLS            bool          `mapstructure:"tls"`
	ProduceTimeout time.Duration `mapstructure:"produce_timeout"`
}

type NATSStorageConfig struct {
	URL           string        `mapstructure:"url"`
	Stream        string        `mapstructure:"stream"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	Replicas      int           `mapstructure:"replicas"`
}

type RegistryConfig struct {
	// EventTypes are registered at startup, after the persisted catalog is
	// loaded.
	EventTypes []EventTypeConfig `mapstructure:"event_types"`
}

type EventTypeConfig struct {
	Name  string `mapstructure:"name"`
	Topic string `mapstructure:"topic"`
}

type TopicConfig struct {
	Name       string `mapstructure:"name"`
	Partitions int    `mapstructure:"partitions"`
}

type IngestConfig struct {
	Kafka    KafkaIngestConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQIngestConfig `mapstructure:"rabbitmq"`
}

type KafkaIngestConfig struct {
	Enabled         bool              `mapstructure:"enabled"`
	Brokers         []string          `mapstructure:"brokers"`
	Topics          []string          `mapstructure:"topics"`
	GroupID         string            `mapstructure:"group_id"`
	ClientID        string            `mapstructure:"client_id"`
	Workers         int               `mapstructure:"workers"`
	EventTypeHeader string            `mapstructure:"event_type_header"`
	TopicEventTypes map[string]string `mapstructure:"topic_event_types"`
	SASL            KafkaSASLConfig   `mapstructure:"sasl"`
	TLS             bool              `mapstructure:"tls"`
}

type KafkaSASLConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Mechanism string `mapstructure:"mechanism"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

type RabbitMQIngestConfig struct {
	Enabled            bool     `mapstructure:"enabled"`
	URL                string   `mapstructure:"url"`
	Exchange           string   `mapstructure:"exchange"`
	Queue              string   `mapstructure:"queue"`
	RoutingKeys        []string `mapstructure:"routing_keys"`
	PrefetchCount      int      `mapstructure:"prefetch_count"`
	Workers            int      `mapstructure:"workers"`
	DeliveryQueue      int      `mapstructure:"delivery_queue"`
	EventTypeHeader    string   `mapstructure:"event_type_header"`
	RoutingKeyFallback bool     `mapstructure:"routing_key_fallback"`
	Envelope           bool     `mapstructure:"envelope"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type OTelConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type FeatureConfig struct {
	AllowMultipleAdapters bool `mapstructure:"allow_multiple_adapters"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("eventgate")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides apply even when
// the file omits the key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.node_id", "eventgate-1")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.address", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("http.rate_limit.rps", 0)
	v.SetDefault("http.rate_limit.burst", 0)

	v.SetDefault("socket.enabled", false)
	v.SetDefault("socket.network", "tcp")
	v.SetDefault("socket.address", "127.0.0.1:7070")
	v.SetDefault("socket.unix_socket_path", "")
	v.SetDefault("socket.auth_token", "")
	v.SetDefault("socket.max_inflight", 64)
	v.SetDefault("socket.global_queue_limit", 4096)
	v.SetDefault("socket.worker_queues", 16)

	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.sqlite.dir", "data")
	v.SetDefault("storage.kafka.brokers", []string{})
	v.SetDefault("storage.kafka.client_id", "eventgate")
	v.SetDefault("storage.kafka.topic_prefix", "")
	v.SetDefault("storage.kafka.tls", false)
	v.SetDefault("storage.kafka.produce_timeout", 10*time.Second)
	v.SetDefault("storage.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("storage.nats.stream", "EVENTGATE")
	v.SetDefault("storage.nats.subject_prefix", "eventgate")
	v.SetDefault("storage.nats.max_age", 0)
	v.SetDefault("storage.nats.replicas", 1)

	v.SetDefault("ingest.kafka.enabled", false)
	v.SetDefault("ingest.kafka.group_id", "eventgate")
	v.SetDefault("ingest.kafka.workers", 4)
	v.SetDefault("ingest.kafka.event_type_header", "event_type")
	v.SetDefault("ingest.rabbitmq.enabled", false)
	v.SetDefault("ingest.rabbitmq.prefetch_count", 32)
	v.SetDefault("ingest.rabbitmq.workers", 4)
	v.SetDefault("ingest.rabbitmq.delivery_queue", 256)
	v.SetDefault("ingest.rabbitmq.event_type_header", "event_type")
	v.SetDefault("ingest.rabbitmq.routing_key_fallback", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.insecure", false)
	v.SetDefault("otel.service_name", "eventgate")
	v.SetDefault("otel.sample_ratio", 1.0)

	v.SetDefault("feature.allow_multiple_adapters", true)
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.SQLite.Dir == "" {
			return fmt.Errorf("storage.sqlite.dir is required")
		}
	case BackendKafka:
		if len(c.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required")
		}
	case BackendNATS:
		if c.Storage.NATS.URL == "" {
			return fmt.Errorf("storage.nats.url is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unsupported storage.backend %q", c.Storage.Backend)
	}

	seen := map[string]struct{}{}
	for i, tc := range c.Topics {
		if strings.TrimSpace(tc.Name) == "" {
			return fmt.Errorf("topics[%d].name is required", i)
		}
		if tc.Partitions < 1 {
			return fmt.Errorf("topics[%d] %q: partitions must be >= 1", i, tc.Name)
		}
		if _, dup := seen[tc.Name]; dup {
			return fmt.Errorf("topics[%d]: duplicate topic %q", i, tc.Name)
		}
		seen[tc.Name] = struct{}{}
	}
	for i, et := range c.Registry.EventTypes {
		if strings.TrimSpace(et.Name) == "" {
			return fmt.Errorf("registry.event_types[%d].name is required", i)
		}
	}

	if c.Socket.Enabled && c.Socket.Network == "unix" && c.Socket.UnixSocketPath == "" {
		return fmt.Errorf("socket.unix_socket_path is required for network=unix")
	}
	if c.OTel.SampleRatio < 0 || c.OTel.SampleRatio > 1 {
		return fmt.Errorf("otel.sample_ratio must be within [0,1]")
	}

	if !c.Feature.AllowMultipleAdapters {
		enabled := 0
		for _, on := range []bool{c.HTTP.Enabled, c.Socket.Enabled, c.Ingest.Kafka.Enabled, c.Ingest.RabbitMQ.Enabled} {
			if on {
				enabled++
			}
		}
		if enabled > 1 {
			return fmt.Errorf("multiple adapters enabled while feature.allow_multiple_adapters=false")
		}
	}
	return nil
}
