// Copyright 2025 Loghive Data, Inc.

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loghive-data/loghive/pkg/compression"
	"github.com/loghive-data/loghive/pkg/kafka/protocol"
	"github.com/loghive-data/loghive/pkg/logger"
)

const deleteSuffix = "-delete"

// futureDirPrefix marks a partition directory holding a future replica that
// has not been promoted yet
const futureDirPrefix = "future-"

// Manager owns the partition logs across a set of log directories. It hands
// out logs, assigns new partitions to directories round-robin, tracks
// directory liveness and publishes directory failures.
type Manager struct {
	dataDirs []string
	codec    compression.Codec
	maxBatch int32
	logger   *logger.Logger

	mu          sync.RWMutex
	logs        map[protocol.TopicPartition]*Log
	futureLogs  map[protocol.TopicPartition]*Log
	offlineDirs map[string]bool
	nextDir     int

	offlineCh chan string
	deleteWG  sync.WaitGroup
}

// ManagerConfig defines configuration for the log manager
type ManagerConfig struct {
	DataDirs      []string
	Codec         compression.Codec
	MaxBatchBytes int32
}

// NewManager creates a log manager and recovers existing partition logs from
// every data directory
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if len(cfg.DataDirs) == 0 {
		return nil, fmt.Errorf("no data directories configured")
	}

	m := &Manager{
		dataDirs:    cfg.DataDirs,
		codec:       cfg.Codec,
		maxBatch:    cfg.MaxBatchBytes,
		logger:      logger.Default().WithComponent("log-manager"),
		logs:        make(map[protocol.TopicPartition]*Log),
		futureLogs:  make(map[protocol.TopicPartition]*Log),
		offlineDirs: make(map[string]bool),
		offlineCh:   make(chan string, 16),
	}

	for _, dir := range cfg.DataDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", dir, err)
		}
		if err := m.recoverDir(dir); err != nil {
			return nil, fmt.Errorf("recover data directory %s: %w", dir, err)
		}
	}

	return m, nil
}

func (m *Manager) recoverDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasSuffix(entry.Name(), deleteSuffix) {
			continue
		}
		name := strings.TrimPrefix(entry.Name(), futureDirPrefix)
		tp, ok := parsePartitionDir(name)
		if !ok {
			continue
		}
		cfg := Config{DataDir: dir, Codec: m.codec, MaxBatchBytes: m.maxBatch}
		l, err := openPath(tp, filepath.Join(dir, entry.Name()), cfg)
		if err != nil {
			return fmt.Errorf("open log %s: %w", tp, err)
		}
		if strings.HasPrefix(entry.Name(), futureDirPrefix) {
			m.futureLogs[tp] = l
		} else {
			m.logs[tp] = l
		}
		m.logger.Info("recovered partition log",
			"topic", tp.Topic, "partition", tp.Partition, "dir", dir,
			"log_end_offset", l.LogEndOffset())
	}
	return nil
}

func parsePartitionDir(name string) (protocol.TopicPartition, bool) {
	i := strings.LastIndex(name, "-")
	if i <= 0 || i == len(name)-1 {
		return protocol.TopicPartition{}, false
	}
	partition, err := strconv.ParseInt(name[i+1:], 10, 32)
	if err != nil || partition < 0 {
		return protocol.TopicPartition{}, false
	}
	return protocol.TopicPartition{Topic: name[:i], Partition: int32(partition)}, true
}

// GetLog returns the current log for a partition
func (m *Manager) GetLog(tp protocol.TopicPartition) (*Log, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.logs[tp]
	return l, ok
}

// GetOrCreateLog returns the partition's log, creating it in the next live
// directory if absent
func (m *Manager) GetOrCreateLog(tp protocol.TopicPartition) (*Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.logs[tp]; ok {
		return l, nil
	}

	dir, err := m.pickDir()
	if err != nil {
		return nil, err
	}

	l, err := Open(tp, Config{DataDir: dir, Codec: m.codec, MaxBatchBytes: m.maxBatch})
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", tp, err)
	}
	m.logs[tp] = l
	m.logger.Info("created partition log",
		"topic", tp.Topic, "partition", tp.Partition, "dir", dir)
	return l, nil
}

// pickDir chooses the next live data directory round-robin. Caller holds the
// write lock.
func (m *Manager) pickDir() (string, error) {
	for range m.dataDirs {
		dir := m.dataDirs[m.nextDir%len(m.dataDirs)]
		m.nextDir++
		if !m.offlineDirs[dir] {
			return dir, nil
		}
	}
	return "", protocol.NewError(protocol.KafkaStorageError, "no live log directories")
}

// FutureLog returns the future replica log for a partition, if one exists
func (m *Manager) FutureLog(tp protocol.TopicPartition) (*Log, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.futureLogs[tp]
	return l, ok
}

// CreateFutureLog opens a future replica log for the partition in destDir.
// Fails if the partition already lives in destDir.
func (m *Manager) CreateFutureLog(tp protocol.TopicPartition, destDir string) (*Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	valid := false
	for _, d := range m.dataDirs {
		if d == destDir {
			valid = true
			break
		}
	}
	if !valid {
		return nil, protocol.NewError(protocol.LogDirNotFound, "unknown log directory %s", destDir)
	}
	if m.offlineDirs[destDir] {
		return nil, protocol.NewError(protocol.KafkaStorageError, "log directory %s is offline", destDir)
	}
	if cur, ok := m.logs[tp]; ok && cur.DataDir() == destDir {
		return nil, fmt.Errorf("partition %s already lives in %s", tp, destDir)
	}
	if l, ok := m.futureLogs[tp]; ok {
		if l.DataDir() == destDir {
			return l, nil
		}
		l.Close()
		m.asyncDelete(l.Path())
		delete(m.futureLogs, tp)
	}

	// the future log lives under a prefixed directory until promotion
	path := filepath.Join(destDir, futureDirPrefix+tp.String())
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create future directory: %w", err)
	}
	l, err := openPath(tp, path, Config{DataDir: destDir, Codec: m.codec, MaxBatchBytes: m.maxBatch})
	if err != nil {
		return nil, fmt.Errorf("open future log %s: %w", tp, err)
	}
	m.futureLogs[tp] = l
	return l, nil
}

// PromoteFutureLog atomically replaces the current log with the caught-up
// future log: the old directory is deleted asynchronously and the future
// directory renamed into place.
func (m *Manager) PromoteFutureLog(tp protocol.TopicPartition) (*Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	future, ok := m.futureLogs[tp]
	if !ok {
		return nil, fmt.Errorf("no future log for %s", tp)
	}
	current, ok := m.logs[tp]
	if !ok {
		return nil, fmt.Errorf("no current log for %s", tp)
	}

	if err := future.Close(); err != nil {
		return nil, fmt.Errorf("close future log: %w", err)
	}
	if err := current.Close(); err != nil {
		return nil, fmt.Errorf("close current log: %w", err)
	}
	m.asyncDelete(current.Path())

	finalPath := filepath.Join(future.DataDir(), tp.String())
	if err := os.Rename(future.Path(), finalPath); err != nil {
		return nil, fmt.Errorf("promote future log: %w", err)
	}

	promoted, err := Open(tp, Config{DataDir: future.DataDir(), Codec: m.codec, MaxBatchBytes: m.maxBatch})
	if err != nil {
		return nil, fmt.Errorf("reopen promoted log: %w", err)
	}
	delete(m.futureLogs, tp)
	m.logs[tp] = promoted
	m.logger.Info("promoted future log",
		"topic", tp.Topic, "partition", tp.Partition, "dir", future.DataDir())
	return promoted, nil
}

// DeleteLog removes a partition's log: it is detached immediately and the
// directory reclaimed in the background
func (m *Manager) DeleteLog(tp protocol.TopicPartition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if future, ok := m.futureLogs[tp]; ok {
		future.Close()
		m.asyncDelete(future.Path())
		delete(m.futureLogs, tp)
	}

	l, ok := m.logs[tp]
	if !ok {
		return nil
	}
	delete(m.logs, tp)
	if err := l.Close(); err != nil {
		return fmt.Errorf("close log %s: %w", tp, err)
	}
	m.asyncDelete(l.Path())
	return nil
}

// asyncDelete renames the directory out of the way and reclaims it in the
// background. Caller holds the write lock.
func (m *Manager) asyncDelete(path string) {
	trash := fmt.Sprintf("%s%s.%d", path, deleteSuffix, time.Now().UnixNano())
	if err := os.Rename(path, trash); err != nil {
		m.logger.Error("failed to stage log directory for deletion", "path", path, "error", err)
		return
	}
	m.deleteWG.Add(1)
	go func() {
		defer m.deleteWG.Done()
		if err := os.RemoveAll(trash); err != nil {
			m.logger.Error("failed to delete log directory", "path", trash, "error", err)
		}
	}()
}

// LiveDirs returns the data directories currently online
func (m *Manager) LiveDirs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dirs := make([]string, 0, len(m.dataDirs))
	for _, dir := range m.dataDirs {
		if !m.offlineDirs[dir] {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// IsDirOnline reports whether the directory is known and online
func (m *Manager) IsDirOnline(dir string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.dataDirs {
		if d == dir {
			return !m.offlineDirs[dir]
		}
	}
	return false
}

// OfflineDirs is the channel on which directory failures are published
func (m *Manager) OfflineDirs() <-chan string {
	return m.offlineCh
}

// FailDir marks a directory offline and publishes the failure. Logs hosted in
// the directory stay registered (LogsInDir still reports them); their
// partitions transition to Offline via the failure handler.
func (m *Manager) FailDir(dir string) {
	m.mu.Lock()
	if m.offlineDirs[dir] {
		m.mu.Unlock()
		return
	}
	m.offlineDirs[dir] = true
	m.mu.Unlock()

	m.logger.Error("log directory went offline", "dir", dir)
	m.offlineCh <- dir
}

// LogsInDir returns the partitions whose current log lives in dir
func (m *Manager) LogsInDir(dir string) []protocol.TopicPartition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var tps []protocol.TopicPartition
	for tp, l := range m.logs {
		if l.DataDir() == dir {
			tps = append(tps, tp)
		}
	}
	return tps
}

// AllLogs returns a snapshot of the current logs
func (m *Manager) AllLogs() map[protocol.TopicPartition]*Log {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[protocol.TopicPartition]*Log, len(m.logs))
	for tp, l := range m.logs {
		out[tp] = l
	}
	return out
}

// DataDirs returns all configured data directories
func (m *Manager) DataDirs() []string {
	return m.dataDirs
}

// Close flushes and closes every log and waits for pending deletions
func (m *Manager) Close() error {
	m.mu.Lock()
	var errs []error
	for tp, l := range m.logs {
		if err := l.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", tp, err))
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", tp, err))
		}
	}
	for _, l := range m.futureLogs {
		l.Close()
	}
	m.mu.Unlock()

	m.deleteWG.Wait()
	if len(errs) > 0 {
		return fmt.Errorf("close logs: %v", errs)
	}
	return nil
}
