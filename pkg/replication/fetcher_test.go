// Copyright 2025 Loghive Data, Inc.

package replication

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive-data/loghive/pkg/kafka/protocol"
	storagelog "github.com/loghive-data/loghive/pkg/storage/log"
)

// fakeEndpoint is a scriptable leader endpoint
type fakeEndpoint struct {
	mu             sync.Mutex
	responses      map[protocol.TopicPartition]*FetchPartitionData
	epochEnds      map[int32]protocol.EpochEndOffset
	earliestOffset int64
	latestOffset   int64
}

func (e *fakeEndpoint) Fetch(req *ReplicaFetchRequest) (map[protocol.TopicPartition]*FetchPartitionData, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[protocol.TopicPartition]*FetchPartitionData)
	for tp := range req.Partitions {
		if data, ok := e.responses[tp]; ok {
			out[tp] = data
		}
	}
	return out, nil
}

func (e *fakeEndpoint) EndOffsetForEpoch(tp protocol.TopicPartition, epoch int32) (protocol.EpochEndOffset, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if result, ok := e.epochEnds[epoch]; ok {
		return result, nil
	}
	return protocol.UnknownEpochOffset, nil
}

func (e *fakeEndpoint) EarliestOffset(protocol.TopicPartition) (int64, error) {
	return e.earliestOffset, nil
}

func (e *fakeEndpoint) LatestOffset(protocol.TopicPartition) (int64, error) {
	return e.latestOffset, nil
}

func (e *fakeEndpoint) Close() error { return nil }

// newFollowerFixture sets the fixture's broker up as follower of broker 2
func newFollowerFixture(t *testing.T) (*testFixture, protocol.TopicPartition, *fetcherWorker, *fakeEndpoint) {
	t.Helper()
	f := newTestFixture(t, 1)
	tp := protocol.TopicPartition{Topic: "orders", Partition: 0}

	results, _ := f.rm.BecomeLeaderOrFollower(&protocol.LeaderAndIsrRequest{
		ControllerID:    0,
		ControllerEpoch: 1,
		Partitions: []protocol.LeaderAndIsrPartition{
			directive(tp, 1, 2, 1, []int32{1, 2}, []int32{1, 2}),
		},
	}, nil)
	require.Equal(t, protocol.None, results[tp])

	endpoint := &fakeEndpoint{
		responses: make(map[protocol.TopicPartition]*FetchPartitionData),
		epochEnds: make(map[int32]protocol.EpochEndOffset),
	}
	worker := newFetcherWorker(f.rm, protocol.Node{ID: 2, Host: "broker2", Port: 9092}, endpoint)
	worker.addPartitions(map[protocol.TopicPartition]InitialFetchState{
		tp: {Leader: worker.source, LeaderEpoch: 1, FetchOffset: 0},
	})
	return f, tp, worker, endpoint
}

func leaderBatch(t *testing.T, baseOffset int64, epoch int32, values ...string) storagelog.Batch {
	t.Helper()
	b := mustBatch(t, values...)
	b.BaseOffset = baseOffset
	b.LastOffset = baseOffset + int64(len(values)) - 1
	b.LeaderEpoch = epoch
	return b
}

func TestFetcherAppliesFetchedBatches(t *testing.T) {
	f, tp, worker, _ := newFollowerFixture(t)

	worker.maybeTruncate()
	bytes := worker.processPartitionData(tp, &FetchPartitionData{
		HighWatermark:  2,
		LogStartOffset: 0,
		Batches:        []storagelog.Batch{leaderBatch(t, 0, 1, "a", "b", "c")},
	})
	assert.Greater(t, bytes, int64(0))

	partition, _ := f.rm.getOnlinePartition(tp)
	l := partition.Log()
	assert.Equal(t, int64(3), l.LogEndOffset())
	// the follower HW follows the leader's, bounded by the local log end
	assert.Equal(t, int64(2), l.HighWatermark())

	worker.mu.Lock()
	assert.Equal(t, int64(3), worker.partitions[tp].fetchOffset)
	worker.mu.Unlock()
}

func TestFetcherHighWatermarkBoundedByLocalLogEnd(t *testing.T) {
	f, tp, worker, _ := newFollowerFixture(t)

	worker.processPartitionData(tp, &FetchPartitionData{
		HighWatermark: 100,
		Batches:       []storagelog.Batch{leaderBatch(t, 0, 1, "a")},
	})

	partition, _ := f.rm.getOnlinePartition(tp)
	assert.Equal(t, int64(1), partition.Log().HighWatermark())
}

func TestFetcherAdvancesLogStartFromLeader(t *testing.T) {
	f, tp, worker, _ := newFollowerFixture(t)

	worker.processPartitionData(tp, &FetchPartitionData{
		HighWatermark:  3,
		LogStartOffset: 0,
		Batches:        []storagelog.Batch{leaderBatch(t, 0, 1, "a", "b", "c")},
	})
	worker.processPartitionData(tp, &FetchPartitionData{
		HighWatermark:  3,
		LogStartOffset: 2,
	})

	partition, _ := f.rm.getOnlinePartition(tp)
	assert.Equal(t, int64(2), partition.Log().LogStartOffset())
}

func TestFetcherOffsetOutOfRangeTruncates(t *testing.T) {
	f, tp, worker, endpoint := newFollowerFixture(t)

	worker.processPartitionData(tp, &FetchPartitionData{
		HighWatermark: 0,
		Batches: []storagelog.Batch{
			leaderBatch(t, 0, 1, "a", "b", "c"),
			leaderBatch(t, 3, 1, "d", "e"),
		},
	})
	partition, _ := f.rm.getOnlinePartition(tp)
	require.Equal(t, int64(5), partition.Log().LogEndOffset())

	// the leader's log ends at 3: the local suffix must go
	endpoint.latestOffset = 3
	worker.processPartitionData(tp, &FetchPartitionData{Error: protocol.OffsetOutOfRange})

	assert.Equal(t, int64(3), partition.Log().LogEndOffset())
	worker.mu.Lock()
	assert.Equal(t, int64(3), worker.partitions[tp].fetchOffset)
	worker.mu.Unlock()
}

func TestFetcherOffsetOutOfRangeRestartsAtLeaderStart(t *testing.T) {
	f, tp, worker, endpoint := newFollowerFixture(t)

	// the leader has moved past this follower entirely
	endpoint.latestOffset = 50
	endpoint.earliestOffset = 40
	worker.processPartitionData(tp, &FetchPartitionData{Error: protocol.OffsetOutOfRange})

	partition, _ := f.rm.getOnlinePartition(tp)
	assert.Equal(t, int64(40), partition.Log().LogStartOffset())
	assert.Equal(t, int64(40), partition.Log().LogEndOffset())
	worker.mu.Lock()
	assert.Equal(t, int64(40), worker.partitions[tp].fetchOffset)
	worker.mu.Unlock()
}

func TestFetcherPausesOnEpochMismatch(t *testing.T) {
	_, tp, worker, _ := newFollowerFixture(t)

	worker.processPartitionData(tp, &FetchPartitionData{Error: protocol.FencedLeaderEpoch})

	worker.mu.Lock()
	assert.True(t, worker.partitions[tp].paused)
	worker.mu.Unlock()

	// paused partitions are excluded from the next request
	worker.maybeTruncate()
	assert.Empty(t, worker.buildFetchSpecs())
}

func TestFetcherDropsPartitionOnNotLeader(t *testing.T) {
	_, tp, worker, _ := newFollowerFixture(t)

	worker.processPartitionData(tp, &FetchPartitionData{Error: protocol.NotLeaderForPartition})
	assert.Equal(t, 0, worker.partitionCount())
}

func TestFetcherEpochReconciliationTruncatesDivergence(t *testing.T) {
	f, tp, worker, endpoint := newFollowerFixture(t)

	// local log has 5 records of epoch 1, but the leader's epoch 1 ended at 3
	worker.maybeTruncate()
	worker.processPartitionData(tp, &FetchPartitionData{
		Batches: []storagelog.Batch{
			leaderBatch(t, 0, 1, "a", "b", "c"),
			leaderBatch(t, 3, 1, "d", "e"),
		},
	})

	endpoint.epochEnds[1] = protocol.EpochEndOffset{LeaderEpoch: 1, EndOffset: 3}
	worker.addPartitions(map[protocol.TopicPartition]InitialFetchState{
		tp: {Leader: worker.source, LeaderEpoch: 1, FetchOffset: 5},
	})
	worker.maybeTruncate()

	partition, _ := f.rm.getOnlinePartition(tp)
	assert.Equal(t, int64(3), partition.Log().LogEndOffset())
	worker.mu.Lock()
	assert.Equal(t, int64(3), worker.partitions[tp].fetchOffset)
	worker.mu.Unlock()
}

func TestFetcherManagerLifecycle(t *testing.T) {
	f := newTestFixture(t, 1)
	tp := protocol.TopicPartition{Topic: "orders", Partition: 0}

	results, _ := f.rm.BecomeLeaderOrFollower(&protocol.LeaderAndIsrRequest{
		ControllerID:    0,
		ControllerEpoch: 1,
		Partitions: []protocol.LeaderAndIsrPartition{
			directive(tp, 1, 2, 0, []int32{1, 2}, []int32{1, 2}),
		},
	}, nil)
	require.Equal(t, protocol.None, results[tp])
	require.Equal(t, 1, f.rm.replicaFetcherManager.WorkerCount())

	f.rm.replicaFetcherManager.RemoveFetcherForPartitions([]protocol.TopicPartition{tp})
	f.rm.replicaFetcherManager.ShutdownIdleFetchers()
	assert.Equal(t, 0, f.rm.replicaFetcherManager.WorkerCount())
}
