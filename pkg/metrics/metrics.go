// Copyright 2025 Loghive Data, Inc.

package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loghive-data/loghive/pkg/config"
	"github.com/loghive-data/loghive/pkg/logger"
)

var (
	// Produce metrics
	ProduceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loghive_produce_requests_total",
			Help: "Total number of produce requests by topic",
		},
		[]string{"topic"},
	)

	ProduceMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loghive_produce_messages_total",
			Help: "Total number of messages appended by topic and partition",
		},
		[]string{"topic", "partition"},
	)

	ProduceErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loghive_produce_errors_total",
			Help: "Total number of failed partition appends by topic and error code",
		},
		[]string{"topic", "error_code"},
	)

	// Fetch metrics
	FetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loghive_fetch_requests_total",
			Help: "Total number of fetch requests by caller type",
		},
		[]string{"caller"},
	)

	FetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loghive_fetch_bytes_total",
			Help: "Total bytes returned to fetches by topic",
		},
		[]string{"topic"},
	)

	// Replication metrics
	IsrExpandsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loghive_isr_expands_total",
			Help: "Total number of ISR expansions",
		},
	)

	IsrShrinksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loghive_isr_shrinks_total",
			Help: "Total number of ISR shrinks",
		},
	)

	UnderReplicatedPartitions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loghive_under_replicated_partitions",
			Help: "Number of leader partitions whose ISR is smaller than the assignment",
		},
	)

	LeaderPartitions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loghive_leader_partitions",
			Help: "Number of partitions led by this broker",
		},
	)

	OfflinePartitions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loghive_offline_partitions",
			Help: "Number of partitions hosted on failed log directories",
		},
	)

	OfflineLogDirs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loghive_offline_log_dirs",
			Help: "Number of log directories marked offline",
		},
	)

	PartitionHighWatermark = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loghive_partition_high_watermark",
			Help: "High watermark by topic and partition",
		},
		[]string{"topic", "partition"},
	)

	PartitionLogEndOffset = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loghive_partition_log_end_offset",
			Help: "Log end offset by topic and partition",
		},
		[]string{"topic", "partition"},
	)

	FollowerLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loghive_follower_lag_messages",
			Help: "Leader-observed follower lag in messages by topic, partition and follower",
		},
		[]string{"topic", "partition", "follower"},
	)

	// Purgatory metrics
	DelayedOperations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loghive_delayed_operations",
			Help: "Number of operations parked in each purgatory",
		},
		[]string{"purgatory"},
	)

	DelayedOperationsExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loghive_delayed_operations_expired_total",
			Help: "Total number of delayed operations that hit their deadline",
		},
		[]string{"purgatory"},
	)

	// Checkpoint metrics
	HighWatermarkCheckpointsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loghive_high_watermark_checkpoints_total",
			Help: "Total number of completed high watermark checkpoint passes",
		},
	)

	HighWatermarkCheckpointErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loghive_high_watermark_checkpoint_errors_total",
			Help: "Total number of failed per-directory checkpoint writes",
		},
		[]string{"dir"},
	)

	// Throttle metrics
	ThrottledFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loghive_throttled_fetches_total",
			Help: "Total number of fetches that exceeded the byte-rate throttle budget",
		},
		[]string{"caller"},
	)
)

// Server exposes the Prometheus registry over HTTP
type Server struct {
	server *http.Server
	cfg    *config.Config
	logger *logger.Logger
}

// New creates a metrics server from configuration
func New(cfg *config.Config) *Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.Handler())

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		cfg:    cfg,
		logger: logger.Default().WithComponent("metrics"),
	}
}

// Start serves the metrics endpoint in the background
func (s *Server) Start() error {
	if !s.cfg.Metrics.Enabled {
		s.logger.Info("metrics server is disabled")
		return nil
	}

	go func() {
		s.logger.Info("metrics server listening", "addr", s.server.Addr, "path", s.cfg.Metrics.Path)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the metrics server down
func (s *Server) Stop(ctx context.Context) error {
	if !s.cfg.Metrics.Enabled {
		return nil
	}
	return s.server.Shutdown(ctx)
}
