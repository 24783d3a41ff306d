// Copyright 2025 Loghive Data, Inc.

package replication

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loghive-data/loghive/pkg/kafka/protocol"
)

// AlterLogDirManager copies partitions into their future logs and promotes
// the future log once it has caught up with the current one. It plays the
// fetcher role for the local future replica.
type AlterLogDirManager struct {
	rm     *ReplicaManager
	logger *zap.Logger

	mu    sync.Mutex
	moves map[protocol.TopicPartition]chan struct{}
	wg    sync.WaitGroup
}

func newAlterLogDirManager(rm *ReplicaManager) *AlterLogDirManager {
	zlog, _ := zap.NewProduction()
	return &AlterLogDirManager{
		rm:     rm,
		logger: zlog.With(zap.String("component", "alter-log-dir-manager")),
		moves:  make(map[protocol.TopicPartition]chan struct{}),
	}
}

// StartMove launches the copy loop for a partition whose future log exists
func (m *AlterLogDirManager) StartMove(tp protocol.TopicPartition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.moves[tp]; ok {
		return
	}
	stopCh := make(chan struct{})
	m.moves[tp] = stopCh
	m.wg.Add(1)
	go m.run(tp, stopCh)
}

// CancelMove stops an in-flight move, leaving the future log in place
func (m *AlterLogDirManager) CancelMove(tp protocol.TopicPartition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stopCh, ok := m.moves[tp]; ok {
		close(stopCh)
		delete(m.moves, tp)
	}
}

func (m *AlterLogDirManager) finish(tp protocol.TopicPartition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.moves, tp)
}

func (m *AlterLogDirManager) run(tp protocol.TopicPartition, stopCh chan struct{}) {
	defer m.wg.Done()
	defer m.finish(tp)

	backoff := 50 * time.Millisecond
	for {
		select {
		case <-stopCh:
			return
		case <-m.rm.stopCh:
			return
		default:
		}

		partition, code := m.rm.getOnlinePartition(tp)
		if code != protocol.None {
			return
		}
		current := partition.Log()
		future := partition.FutureLog()
		if current == nil || future == nil {
			return
		}

		// a future log behind the current log start restarts at the start
		if future.LogEndOffset() < current.LogStartOffset() {
			if err := future.TruncateFullyAndStartAt(current.LogStartOffset()); err != nil {
				m.logger.Error("future log restart failed",
					zap.String("partition", tp.String()), zap.Error(err))
				return
			}
		}

		if future.LogEndOffset() >= current.LogEndOffset() {
			if err := m.rm.completeLogDirMove(tp); err != nil {
				m.logger.Error("future log promotion failed",
					zap.String("partition", tp.String()), zap.Error(err))
			} else {
				m.logger.Info("future log promoted", zap.String("partition", tp.String()))
			}
			return
		}

		data, err := current.Read(future.LogEndOffset(), m.rm.cfg.ReplicaFetchMaxBytes,
			current.LogEndOffset(), true)
		if err != nil {
			m.logger.Error("future log copy read failed",
				zap.String("partition", tp.String()), zap.Error(err))
			return
		}
		if len(data.Batches) == 0 {
			select {
			case <-stopCh:
				return
			case <-time.After(backoff):
			}
			continue
		}
		if _, err := future.AppendAsFollower(data.Batches); err != nil {
			m.logger.Error("future log copy append failed",
				zap.String("partition", tp.String()), zap.Error(err))
			return
		}
	}
}

// Moving reports whether a move is in flight for the partition
func (m *AlterLogDirManager) Moving(tp protocol.TopicPartition) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.moves[tp]
	return ok
}

// Close cancels every move and waits for the copy loops to exit
func (m *AlterLogDirManager) Close() {
	m.mu.Lock()
	for tp, stopCh := range m.moves {
		close(stopCh)
		delete(m.moves, tp)
	}
	m.mu.Unlock()
	m.wg.Wait()
	m.logger.Sync()
}
