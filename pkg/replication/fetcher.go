// Copyright 2025 Loghive Data, Inc.

package replication

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loghive-data/loghive/pkg/kafka/protocol"
)

// InitialFetchState seeds a partition on a fetcher worker
type InitialFetchState struct {
	Leader      protocol.Node
	LeaderEpoch int32
	FetchOffset int64
}

// ReplicaFetchRequest is a multi-partition fetch issued by a follower
type ReplicaFetchRequest struct {
	ReplicaID int32
	MaxWaitMs int32
	MinBytes  int32
	MaxBytes  int32
	Partitions map[protocol.TopicPartition]protocol.FetchPartitionSpec
}

// LeaderEndpoint is the transport to one source broker. Implementations wrap
// whatever RPC layer the deployment provides.
type LeaderEndpoint interface {
	Fetch(req *ReplicaFetchRequest) (map[protocol.TopicPartition]*FetchPartitionData, error)
	EndOffsetForEpoch(tp protocol.TopicPartition, leaderEpoch int32) (protocol.EpochEndOffset, error)
	EarliestOffset(tp protocol.TopicPartition) (int64, error)
	LatestOffset(tp protocol.TopicPartition) (int64, error)
	Close() error
}

// LeaderEndpointFactory builds an endpoint for a source broker
type LeaderEndpointFactory func(node protocol.Node) (LeaderEndpoint, error)

// UnsupportedEndpointFactory is the factory used when no inter-broker
// transport is wired; workers created from it back off on every fetch
func UnsupportedEndpointFactory(node protocol.Node) (LeaderEndpoint, error) {
	return unsupportedEndpoint{node: node}, nil
}

type unsupportedEndpoint struct{ node protocol.Node }

func (e unsupportedEndpoint) Fetch(*ReplicaFetchRequest) (map[protocol.TopicPartition]*FetchPartitionData, error) {
	return nil, fmt.Errorf("inter-broker transport to broker %d is not configured", e.node.ID)
}

func (e unsupportedEndpoint) EndOffsetForEpoch(protocol.TopicPartition, int32) (protocol.EpochEndOffset, error) {
	return protocol.UnknownEpochOffset, fmt.Errorf("inter-broker transport to broker %d is not configured", e.node.ID)
}

func (e unsupportedEndpoint) EarliestOffset(protocol.TopicPartition) (int64, error) {
	return 0, fmt.Errorf("inter-broker transport to broker %d is not configured", e.node.ID)
}

func (e unsupportedEndpoint) LatestOffset(protocol.TopicPartition) (int64, error) {
	return 0, fmt.Errorf("inter-broker transport to broker %d is not configured", e.node.ID)
}

func (e unsupportedEndpoint) Close() error { return nil }

// ReplicaFetcherManager owns one long-lived worker per source broker. Each
// worker pulls records for the partitions this broker follows from that
// source and applies them to the local logs.
type ReplicaFetcherManager struct {
	rm      *ReplicaManager
	factory LeaderEndpointFactory
	logger  *zap.Logger

	mu      sync.Mutex
	workers map[int32]*fetcherWorker

	sweeping bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newReplicaFetcherManager(rm *ReplicaManager, factory LeaderEndpointFactory) *ReplicaFetcherManager {
	zlog, _ := zap.NewProduction()
	return &ReplicaFetcherManager{
		rm:      rm,
		factory: factory,
		logger:  zlog.With(zap.String("component", "replica-fetcher-manager")),
		workers: make(map[int32]*fetcherWorker),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the idle-worker sweeper
func (m *ReplicaFetcherManager) Start(sweepInterval time.Duration) {
	m.mu.Lock()
	m.sweeping = true
	m.mu.Unlock()
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.ShutdownIdleFetchers()
			}
		}
	}()
}

// AddFetcherForPartitions assigns partitions to the worker of their leader,
// creating the worker if needed
func (m *ReplicaFetcherManager) AddFetcherForPartitions(states map[protocol.TopicPartition]InitialFetchState) {
	bySource := make(map[int32]map[protocol.TopicPartition]InitialFetchState)
	leaders := make(map[int32]protocol.Node)
	for tp, st := range states {
		if bySource[st.Leader.ID] == nil {
			bySource[st.Leader.ID] = make(map[protocol.TopicPartition]InitialFetchState)
		}
		bySource[st.Leader.ID][tp] = st
		leaders[st.Leader.ID] = st.Leader
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for sourceID, parts := range bySource {
		worker, ok := m.workers[sourceID]
		if !ok {
			endpoint, err := m.factory(leaders[sourceID])
			if err != nil {
				m.logger.Error("cannot create leader endpoint",
					zap.Int32("broker", sourceID), zap.Error(err))
				continue
			}
			worker = newFetcherWorker(m.rm, leaders[sourceID], endpoint)
			m.workers[sourceID] = worker
			worker.start()
		}
		worker.addPartitions(parts)
	}
}

// RemoveFetcherForPartitions detaches partitions from their workers
func (m *ReplicaFetcherManager) RemoveFetcherForPartitions(tps []protocol.TopicPartition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, worker := range m.workers {
		worker.removePartitions(tps)
	}
}

// ShutdownIdleFetchers stops workers that no longer own any partition
func (m *ReplicaFetcherManager) ShutdownIdleFetchers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, worker := range m.workers {
		if worker.partitionCount() == 0 {
			worker.stop()
			delete(m.workers, id)
			m.logger.Info("stopped idle fetcher", zap.Int32("broker", id))
		}
	}
}

// WorkerCount returns the number of live workers
func (m *ReplicaFetcherManager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Close stops every worker and the sweeper
func (m *ReplicaFetcherManager) Close() {
	m.mu.Lock()
	sweeping := m.sweeping
	m.mu.Unlock()

	close(m.stopCh)
	if sweeping {
		<-m.doneCh
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, worker := range m.workers {
		worker.stop()
		delete(m.workers, id)
	}
	m.logger.Sync()
}

type partitionFetchState struct {
	fetchOffset     int64
	leaderEpoch     int32
	paused          bool
	needsTruncation bool
}

// fetcherWorker replicates the partitions assigned to it from one source
// broker. Within a partition appends are strictly in offset order; across
// partitions no order is guaranteed.
type fetcherWorker struct {
	rm       *ReplicaManager
	source   protocol.Node
	endpoint LeaderEndpoint
	logger   *zap.Logger

	mu         sync.Mutex
	partitions map[protocol.TopicPartition]*partitionFetchState

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

func newFetcherWorker(rm *ReplicaManager, source protocol.Node, endpoint LeaderEndpoint) *fetcherWorker {
	zlog, _ := zap.NewProduction()
	return &fetcherWorker{
		rm:         rm,
		source:     source,
		endpoint:   endpoint,
		logger:     zlog.With(zap.String("component", "replica-fetcher"), zap.Int32("source", source.ID)),
		partitions: make(map[protocol.TopicPartition]*partitionFetchState),
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func (w *fetcherWorker) start() {
	go w.run()
}

func (w *fetcherWorker) stop() {
	close(w.stopCh)
	<-w.doneCh
	w.endpoint.Close()
}

func (w *fetcherWorker) addPartitions(states map[protocol.TopicPartition]InitialFetchState) {
	w.mu.Lock()
	for tp, st := range states {
		w.partitions[tp] = &partitionFetchState{
			fetchOffset:     st.FetchOffset,
			leaderEpoch:     st.LeaderEpoch,
			needsTruncation: true,
		}
	}
	w.mu.Unlock()
	w.wake()
}

func (w *fetcherWorker) removePartitions(tps []protocol.TopicPartition) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, tp := range tps {
		delete(w.partitions, tp)
	}
}

func (w *fetcherWorker) partitionCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.partitions)
}

func (w *fetcherWorker) wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *fetcherWorker) run() {
	defer close(w.doneCh)
	backoff := time.Duration(w.rm.cfg.ReplicaFetchBackoffMs) * time.Millisecond

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		w.maybeTruncate()

		specs := w.buildFetchSpecs()
		if len(specs) == 0 {
			select {
			case <-w.stopCh:
				return
			case <-w.wakeCh:
			case <-time.After(backoff):
			}
			continue
		}

		req := &ReplicaFetchRequest{
			ReplicaID: w.rm.brokerID,
			MaxWaitMs: int32(w.rm.cfg.ReplicaFetchWaitMaxMs),
			MinBytes:  w.rm.cfg.ReplicaFetchMinBytes,
			MaxBytes:  w.rm.cfg.ReplicaFetchResponseMaxBytes,
			Partitions: specs,
		}

		responses, err := w.endpoint.Fetch(req)
		if err != nil {
			w.logger.Warn("fetch from leader failed", zap.Error(err))
			select {
			case <-w.stopCh:
				return
			case <-time.After(backoff):
			}
			continue
		}

		var fetchedBytes int64
		for tp, data := range responses {
			fetchedBytes += w.processPartitionData(tp, data)
		}

		if fetchedBytes > 0 && !w.rm.throttler.AllowFollowerFetch(int(fetchedBytes)) {
			select {
			case <-w.stopCh:
				return
			case <-time.After(backoff):
			}
		}
	}
}

// maybeTruncate reconciles newly assigned partitions against the leader's
// epoch end offset before the first fetch
func (w *fetcherWorker) maybeTruncate() {
	w.mu.Lock()
	var pending []protocol.TopicPartition
	for tp, st := range w.partitions {
		if st.needsTruncation && !st.paused {
			pending = append(pending, tp)
		}
	}
	w.mu.Unlock()

	for _, tp := range pending {
		partition, code := w.rm.getOnlinePartition(tp)
		if code != protocol.None {
			continue
		}
		l := partition.Log()
		if l == nil {
			continue
		}

		truncated := l.LogEndOffset()
		if epoch := l.LatestEpoch(); epoch >= 0 {
			result, err := w.endpoint.EndOffsetForEpoch(tp, epoch)
			if err != nil {
				w.logger.Warn("epoch reconciliation failed",
					zap.String("partition", tp.String()), zap.Error(err))
				continue
			}
			if result.EndOffset >= 0 && result.EndOffset < truncated {
				if err := l.TruncateTo(result.EndOffset); err != nil {
					w.logger.Error("truncation failed",
						zap.String("partition", tp.String()), zap.Error(err))
					continue
				}
				truncated = l.LogEndOffset()
			}
		}

		w.mu.Lock()
		if st, ok := w.partitions[tp]; ok {
			if st.fetchOffset > truncated {
				st.fetchOffset = truncated
			}
			st.needsTruncation = false
		}
		w.mu.Unlock()
	}
}

func (w *fetcherWorker) buildFetchSpecs() map[protocol.TopicPartition]protocol.FetchPartitionSpec {
	w.mu.Lock()
	defer w.mu.Unlock()

	specs := make(map[protocol.TopicPartition]protocol.FetchPartitionSpec, len(w.partitions))
	for tp, st := range w.partitions {
		if st.paused || st.needsTruncation {
			continue
		}
		specs[tp] = protocol.FetchPartitionSpec{
			FetchOffset:        st.fetchOffset,
			MaxBytes:           w.rm.cfg.ReplicaFetchMaxBytes,
			CurrentLeaderEpoch: st.leaderEpoch,
		}
	}
	return specs
}

// processPartitionData applies one partition's fetch response and returns the
// number of bytes appended
func (w *fetcherWorker) processPartitionData(tp protocol.TopicPartition, data *FetchPartitionData) int64 {
	switch data.Error {
	case protocol.None:
	case protocol.OffsetOutOfRange:
		w.handleOffsetOutOfRange(tp)
		return 0
	case protocol.FencedLeaderEpoch, protocol.UnknownLeaderEpoch:
		// paused until the next controller directive re-adds the partition
		w.mu.Lock()
		if st, ok := w.partitions[tp]; ok {
			st.paused = true
		}
		w.mu.Unlock()
		w.logger.Warn("pausing partition on epoch mismatch",
			zap.String("partition", tp.String()), zap.String("error", data.Error.String()))
		return 0
	case protocol.NotLeaderForPartition, protocol.UnknownTopicOrPartition, protocol.KafkaStorageError:
		w.removePartitions([]protocol.TopicPartition{tp})
		w.logger.Warn("dropping partition from fetcher",
			zap.String("partition", tp.String()), zap.String("error", data.Error.String()))
		return 0
	default:
		w.logger.Warn("unexpected fetch error",
			zap.String("partition", tp.String()), zap.String("error", data.Error.String()))
		return 0
	}

	partition, code := w.rm.getOnlinePartition(tp)
	if code != protocol.None {
		w.removePartitions([]protocol.TopicPartition{tp})
		return 0
	}
	l := partition.Log()
	if l == nil {
		return 0
	}

	var bytes int64
	if len(data.Batches) > 0 {
		if _, err := l.AppendAsFollower(data.Batches); err != nil {
			w.logger.Error("follower append failed",
				zap.String("partition", tp.String()), zap.Error(err))
			return 0
		}
		for i := range data.Batches {
			bytes += int64(data.Batches[i].SizeBytes())
		}
	}

	leo := l.LogEndOffset()
	hw := data.HighWatermark
	if hw > leo {
		hw = leo
	}
	l.SetHighWatermark(hw)
	if data.LogStartOffset > l.LogStartOffset() {
		start := data.LogStartOffset
		if start > leo {
			start = leo
		}
		l.DeleteRecordsBefore(start)
	}

	w.mu.Lock()
	if st, ok := w.partitions[tp]; ok {
		st.fetchOffset = leo
	}
	w.mu.Unlock()
	return bytes
}

// handleOffsetOutOfRange reconciles the fetch offset after the leader
// rejected it: a leader log end behind ours means we must truncate; a leader
// log start ahead of ours means the prefix we need is gone and we restart
// from the leader's start.
func (w *fetcherWorker) handleOffsetOutOfRange(tp protocol.TopicPartition) {
	partition, code := w.rm.getOnlinePartition(tp)
	if code != protocol.None {
		return
	}
	l := partition.Log()
	if l == nil {
		return
	}

	leaderEnd, err := w.endpoint.LatestOffset(tp)
	if err != nil {
		w.logger.Warn("cannot resolve leader log end",
			zap.String("partition", tp.String()), zap.Error(err))
		return
	}

	var next int64
	if leaderEnd < l.LogEndOffset() {
		if err := l.TruncateTo(leaderEnd); err != nil {
			w.logger.Error("truncation failed",
				zap.String("partition", tp.String()), zap.Error(err))
			return
		}
		next = l.LogEndOffset()
	} else {
		leaderStart, err := w.endpoint.EarliestOffset(tp)
		if err != nil {
			w.logger.Warn("cannot resolve leader log start",
				zap.String("partition", tp.String()), zap.Error(err))
			return
		}
		if leaderStart > l.LogEndOffset() {
			if err := l.TruncateFullyAndStartAt(leaderStart); err != nil {
				w.logger.Error("restart at leader log start failed",
					zap.String("partition", tp.String()), zap.Error(err))
				return
			}
		}
		next = maxInt64(leaderStart, l.LogEndOffset())
	}

	w.mu.Lock()
	if st, ok := w.partitions[tp]; ok {
		st.fetchOffset = next
	}
	w.mu.Unlock()
	w.logger.Info("reset fetch offset after out-of-range",
		zap.String("partition", tp.String()), zap.Int64("offset", next))
}
