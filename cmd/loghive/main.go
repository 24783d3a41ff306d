// Copyright 2025 Loghive Data, Inc.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loghive-data/loghive/pkg/compression"
	"github.com/loghive-data/loghive/pkg/config"
	"github.com/loghive-data/loghive/pkg/console"
	"github.com/loghive-data/loghive/pkg/health"
	"github.com/loghive-data/loghive/pkg/kafka/protocol"
	"github.com/loghive-data/loghive/pkg/logger"
	"github.com/loghive-data/loghive/pkg/metadata"
	"github.com/loghive-data/loghive/pkg/metrics"
	"github.com/loghive-data/loghive/pkg/replication"
	storagelog "github.com/loghive-data/loghive/pkg/storage/log"
	"github.com/loghive-data/loghive/pkg/throttle"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/loghive.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Loghive version %s (commit: %s, built: %s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger.SetDefault(log)

	log.Info("starting Loghive",
		"version", version,
		"commit", commit,
		"build_time", buildTime,
	)

	log.Info("loaded configuration",
		"broker_id", cfg.Broker.ID,
		"data_dirs", cfg.Storage.DataDirs,
		"log_level", cfg.Logging.Level,
	)

	codec, err := compression.ParseCodec(cfg.Storage.CompressionType)
	if err != nil {
		log.Fatal("invalid compression configuration", "error", err)
	}

	logManager, err := storagelog.NewManager(storagelog.ManagerConfig{
		DataDirs:      cfg.Storage.DataDirs,
		Codec:         codec,
		MaxBatchBytes: cfg.Storage.MaxBatchBytes,
	})
	if err != nil {
		log.Fatal("failed to initialize log manager", "error", err)
	}
	log.Info("initialized log manager", "dirs", len(cfg.Storage.DataDirs))

	metadataCache := metadata.NewCache()
	metadataCache.UpdateMetadata(&metadata.UpdateRequest{
		ControllerID:    -1,
		ControllerEpoch: -1,
		Brokers: []protocol.Node{{
			ID:   cfg.Broker.ID,
			Host: cfg.Broker.AdvertisedHost,
			Port: int32(cfg.Broker.AdvertisedPort),
			Rack: cfg.Broker.Rack,
		}},
	})

	throttler := throttle.New(cfg.Throttle)

	replicaManager, err := replication.NewReplicaManager(replication.ReplicaManagerConfig{
		BrokerID:      cfg.Broker.ID,
		Config:        cfg.Replication,
		LogManager:    logManager,
		MetadataCache: metadataCache,
		Controller:    newLoggingControllerChannel(),
		Clock:         replication.SystemClock,
		Throttler:     throttler,
	})
	if err != nil {
		log.Fatal("failed to initialize replica manager", "error", err)
	}
	replicaManager.Start()

	metricsServer := metrics.New(cfg)
	if err := metricsServer.Start(); err != nil {
		log.Fatal("failed to start metrics server", "error", err)
	}

	var consoleServer *console.Server
	if cfg.Console.Enabled {
		consoleServer = console.NewServer(
			fmt.Sprintf("%s:%d", cfg.Console.Host, cfg.Console.Port),
			replicaManager, throttler)
		if err := consoleServer.Start(); err != nil {
			log.Fatal("failed to start console server", "error", err)
		}
		replicaManager.OnIsrChange(consoleServer.Hub().BroadcastIsrChange)
		replicaManager.OnPartitionOffline(consoleServer.Hub().BroadcastPartitionOffline)
		log.Info("started console server", "port", cfg.Console.Port)
	}

	var healthServer *health.Server
	if cfg.Health.Enabled {
		checker := health.NewChecker(version, replicaManager, logManager)
		healthServer = health.NewServer(
			fmt.Sprintf("%s:%d", cfg.Health.Host, cfg.Health.Port), checker)
		if err := healthServer.Start(); err != nil {
			log.Fatal("failed to start health server", "error", err)
		}
		log.Info("started health server", "port", cfg.Health.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if consoleServer != nil {
		consoleServer.Stop(ctx)
	}
	if healthServer != nil {
		healthServer.Stop(ctx)
	}
	metricsServer.Stop(ctx)

	replicaManager.Close()
	if err := logManager.Close(); err != nil {
		log.Error("error closing log manager", "error", err)
	}

	log.Info("shutdown complete")
}
