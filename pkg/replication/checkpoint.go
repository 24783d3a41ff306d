// Copyright 2025 Loghive Data, Inc.

package replication

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loghive-data/loghive/pkg/kafka/protocol"
	"github.com/loghive-data/loghive/pkg/logger"
	"github.com/loghive-data/loghive/pkg/metrics"
)

// CheckpointFileName is the per-log-dir high watermark checkpoint file
const CheckpointFileName = "replication-offset-checkpoint"

const checkpointVersion = 0

// WriteCheckpoint atomically writes the high watermark map for one log
// directory: version, entry count, then one "topic partition offset" line per
// entry, via temp file and rename.
func WriteCheckpoint(dir string, highWatermarks map[protocol.TopicPartition]int64) error {
	path := filepath.Join(dir, CheckpointFileName)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%d\n", checkpointVersion)
	fmt.Fprintf(w, "%d\n", len(highWatermarks))
	for tp, hw := range highWatermarks {
		fmt.Fprintf(w, "%s %d %d\n", tp.Topic, tp.Partition, hw)
	}

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close checkpoint: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// ReadCheckpoint parses a high watermark checkpoint file. A missing file
// yields an empty map.
func ReadCheckpoint(dir string) (map[protocol.TopicPartition]int64, error) {
	path := filepath.Join(dir, CheckpointFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[protocol.TopicPartition]int64{}, nil
		}
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)

	readLine := func() (string, error) {
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", fmt.Errorf("unexpected end of checkpoint file %s", path)
		}
		return scanner.Text(), nil
	}

	versionLine, err := readLine()
	if err != nil {
		return nil, err
	}
	var version int
	if _, err := fmt.Sscanf(versionLine, "%d", &version); err != nil {
		return nil, fmt.Errorf("parse checkpoint version: %w", err)
	}
	if version != checkpointVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d in %s", version, path)
	}

	countLine, err := readLine()
	if err != nil {
		return nil, err
	}
	var count int
	if _, err := fmt.Sscanf(countLine, "%d", &count); err != nil {
		return nil, fmt.Errorf("parse checkpoint entry count: %w", err)
	}

	out := make(map[protocol.TopicPartition]int64, count)
	for i := 0; i < count; i++ {
		line, err := readLine()
		if err != nil {
			return nil, err
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed checkpoint line %q", line)
		}
		var partition int32
		var hw int64
		if _, err := fmt.Sscanf(fields[1], "%d", &partition); err != nil {
			return nil, fmt.Errorf("parse partition in %q: %w", line, err)
		}
		if _, err := fmt.Sscanf(fields[2], "%d", &hw); err != nil {
			return nil, fmt.Errorf("parse high watermark in %q: %w", line, err)
		}
		out[protocol.TopicPartition{Topic: fields[0], Partition: partition}] = hw
	}
	return out, nil
}

// RemoveCheckpoint drops the checkpoint file of a failed directory
func RemoveCheckpoint(dir string) error {
	err := os.Remove(filepath.Join(dir, CheckpointFileName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// HighWatermarkCheckpointer periodically flushes the in-memory high
// watermarks of every online partition to the per-directory checkpoint files
type HighWatermarkCheckpointer struct {
	rm       *ReplicaManager
	interval time.Duration
	logger   *logger.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newHighWatermarkCheckpointer(rm *ReplicaManager, interval time.Duration) *HighWatermarkCheckpointer {
	return &HighWatermarkCheckpointer{
		rm:       rm,
		interval: interval,
		logger:   logger.Default().WithComponent("hw-checkpointer"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the periodic checkpoint loop
func (c *HighWatermarkCheckpointer) Start() {
	go c.run()
}

func (c *HighWatermarkCheckpointer) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			// one final pass on shutdown
			c.rm.CheckpointHighWatermarks()
			return
		case <-ticker.C:
			c.rm.CheckpointHighWatermarks()
			metrics.HighWatermarkCheckpointsTotal.Inc()
		}
	}
}

// Stop terminates the loop after a final checkpoint pass
func (c *HighWatermarkCheckpointer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}
