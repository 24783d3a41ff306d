// Copyright 2025 Loghive Data, Inc.

package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the broker configuration
type Config struct {
	Broker      BrokerConfig      `koanf:"broker"`
	Storage     StorageConfig     `koanf:"storage"`
	Replication ReplicationConfig `koanf:"replication"`
	Logging     LoggingConfig     `koanf:"logging"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Console     ConsoleConfig     `koanf:"console"`
	Health      HealthConfig      `koanf:"health"`
	Throttle    ThrottleConfig    `koanf:"throttle"`
}

// BrokerConfig holds broker identity and listener configuration
type BrokerConfig struct {
	ID             int32  `koanf:"id"`
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	Rack           string `koanf:"rack"`
	AdvertisedHost string `koanf:"advertised.host"`
	AdvertisedPort int    `koanf:"advertised.port"`
	InterBrokerListener string `koanf:"inter.broker.listener"`
}

// StorageConfig holds log directory configuration
type StorageConfig struct {
	DataDirs        []string `koanf:"data.dirs"`
	MaxBatchBytes   int32    `koanf:"max.batch.bytes"`
	CompressionType string   `koanf:"compression.type"`
	FlushMessages   int      `koanf:"flush.messages"`
}

// ReplicationConfig holds replica manager configuration
type ReplicationConfig struct {
	MinInSyncReplicas            int    `koanf:"min.insync.replicas"`
	ReplicaLagTimeMaxMs          int64  `koanf:"replica.lag.time.max.ms"`
	ReplicaFetchWaitMaxMs        int    `koanf:"replica.fetch.wait.max.ms"`
	ReplicaFetchMinBytes         int32  `koanf:"replica.fetch.min.bytes"`
	ReplicaFetchMaxBytes         int32  `koanf:"replica.fetch.max.bytes"`
	ReplicaFetchResponseMaxBytes int32  `koanf:"replica.fetch.response.max.bytes"`
	ReplicaFetchBackoffMs        int    `koanf:"replica.fetch.backoff.ms"`
	HighWatermarkCheckpointIntervalMs int64 `koanf:"high.watermark.checkpoint.interval.ms"`
	IsrShrinkIntervalMs          int64  `koanf:"isr.shrink.interval.ms"`
	PurgatoryPurgeIntervalRequests int  `koanf:"purgatory.purge.interval.requests"`
	FailureHaltsBroker           bool   `koanf:"log.dir.failure.halts.broker"`
	ReplicaSelectorClass         string `koanf:"replica.selector.class"`
	FetcherIdleSweepIntervalMs   int64  `koanf:"fetcher.idle.sweep.interval.ms"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
	Path    string `koanf:"path"`
}

// ConsoleConfig holds the admin console configuration
type ConsoleConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
}

// HealthConfig holds the health server configuration
type HealthConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
}

// ThrottleConfig holds replication throttle configuration
type ThrottleConfig struct {
	FollowerBytesPerSecond int64 `koanf:"follower.bytes.per.second"`
	FollowerBurst          int   `koanf:"follower.burst"`
	ConsumerBytesPerSecond int64 `koanf:"consumer.bytes.per.second"`
	ConsumerBurst          int   `koanf:"consumer.burst"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
		slog.Info("loaded config from file", "path", configPath)
	}

	if err := k.Load(env.Provider("LOGHIVE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "LOGHIVE_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Broker.ID == 0 {
		cfg.Broker.ID = 1
	}
	if cfg.Broker.Host == "" {
		cfg.Broker.Host = "0.0.0.0"
	}
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = 9092
	}
	if cfg.Broker.AdvertisedHost == "" {
		cfg.Broker.AdvertisedHost = "localhost"
	}
	if cfg.Broker.AdvertisedPort == 0 {
		cfg.Broker.AdvertisedPort = cfg.Broker.Port
	}
	if cfg.Broker.InterBrokerListener == "" {
		cfg.Broker.InterBrokerListener = "PLAINTEXT"
	}

	if len(cfg.Storage.DataDirs) == 0 {
		cfg.Storage.DataDirs = []string{"/tmp/loghive-data"}
	}
	if cfg.Storage.MaxBatchBytes == 0 {
		cfg.Storage.MaxBatchBytes = 1048576
	}
	if cfg.Storage.CompressionType == "" {
		cfg.Storage.CompressionType = "none"
	}
	if cfg.Storage.FlushMessages == 0 {
		cfg.Storage.FlushMessages = 10000
	}

	if cfg.Replication.MinInSyncReplicas == 0 {
		cfg.Replication.MinInSyncReplicas = 1
	}
	if cfg.Replication.ReplicaLagTimeMaxMs == 0 {
		cfg.Replication.ReplicaLagTimeMaxMs = 10000
	}
	if cfg.Replication.ReplicaFetchWaitMaxMs == 0 {
		cfg.Replication.ReplicaFetchWaitMaxMs = 500
	}
	if cfg.Replication.ReplicaFetchMinBytes == 0 {
		cfg.Replication.ReplicaFetchMinBytes = 1
	}
	if cfg.Replication.ReplicaFetchMaxBytes == 0 {
		cfg.Replication.ReplicaFetchMaxBytes = 1048576
	}
	if cfg.Replication.ReplicaFetchResponseMaxBytes == 0 {
		cfg.Replication.ReplicaFetchResponseMaxBytes = 10485760
	}
	if cfg.Replication.ReplicaFetchBackoffMs == 0 {
		cfg.Replication.ReplicaFetchBackoffMs = 1000
	}
	if cfg.Replication.HighWatermarkCheckpointIntervalMs == 0 {
		cfg.Replication.HighWatermarkCheckpointIntervalMs = 5000
	}
	if cfg.Replication.IsrShrinkIntervalMs == 0 {
		cfg.Replication.IsrShrinkIntervalMs = cfg.Replication.ReplicaLagTimeMaxMs / 2
	}
	if cfg.Replication.PurgatoryPurgeIntervalRequests == 0 {
		cfg.Replication.PurgatoryPurgeIntervalRequests = 1000
	}
	if cfg.Replication.FetcherIdleSweepIntervalMs == 0 {
		cfg.Replication.FetcherIdleSweepIntervalMs = 30000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Host == "" {
		cfg.Metrics.Host = "0.0.0.0"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9308
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Console.Host == "" {
		cfg.Console.Host = "0.0.0.0"
	}
	if cfg.Console.Port == 0 {
		cfg.Console.Port = 8080
	}

	if cfg.Health.Host == "" {
		cfg.Health.Host = "0.0.0.0"
	}
	if cfg.Health.Port == 0 {
		cfg.Health.Port = 8081
	}

	if cfg.Throttle.FollowerBurst == 0 {
		cfg.Throttle.FollowerBurst = 1048576
	}
	if cfg.Throttle.ConsumerBurst == 0 {
		cfg.Throttle.ConsumerBurst = 1048576
	}
}

func validate(cfg *Config) error {
	if cfg.Broker.ID < 0 {
		return fmt.Errorf("broker.id must be non-negative, got %d", cfg.Broker.ID)
	}
	if cfg.Broker.Port < 1 || cfg.Broker.Port > 65535 {
		return fmt.Errorf("broker.port out of range: %d", cfg.Broker.Port)
	}
	if cfg.Replication.MinInSyncReplicas < 1 {
		return fmt.Errorf("replication.min.insync.replicas must be at least 1, got %d",
			cfg.Replication.MinInSyncReplicas)
	}
	if cfg.Replication.ReplicaLagTimeMaxMs <= 0 {
		return fmt.Errorf("replication.replica.lag.time.max.ms must be positive, got %d",
			cfg.Replication.ReplicaLagTimeMaxMs)
	}
	seen := make(map[string]bool, len(cfg.Storage.DataDirs))
	for _, dir := range cfg.Storage.DataDirs {
		if dir == "" {
			return fmt.Errorf("storage.data.dirs contains an empty entry")
		}
		if seen[dir] {
			return fmt.Errorf("storage.data.dirs contains duplicate entry %q", dir)
		}
		seen[dir] = true
	}
	switch strings.ToLower(cfg.Storage.CompressionType) {
	case "none", "gzip", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("unsupported storage.compression.type: %q", cfg.Storage.CompressionType)
	}
	return nil
}
