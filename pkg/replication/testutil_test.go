// Copyright 2025 Loghive Data, Inc.

package replication

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loghive-data/loghive/pkg/compression"
	"github.com/loghive-data/loghive/pkg/config"
	"github.com/loghive-data/loghive/pkg/kafka/protocol"
	"github.com/loghive-data/loghive/pkg/metadata"
	storagelog "github.com/loghive-data/loghive/pkg/storage/log"
	"github.com/loghive-data/loghive/pkg/throttle"
)

// mockClock is a hand-driven time source
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.UnixMilli(1_000_000)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeController records everything pushed through the controller boundary
type fakeController struct {
	mu          sync.Mutex
	isrChanges  [][]protocol.IsrChange
	dirFailures []int32
	elections   [][]protocol.TopicPartition
}

func (f *fakeController) PropagateIsrChanges(changes []protocol.IsrChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.isrChanges = append(f.isrChanges, changes)
	return nil
}

func (f *fakeController) NotifyLogDirFailure(brokerID int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirFailures = append(f.dirFailures, brokerID)
	return nil
}

func (f *fakeController) ElectPreferredLeaders(partitions []protocol.TopicPartition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elections = append(f.elections, partitions)
	return nil
}

func (f *fakeController) propagatedChanges() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.isrChanges)
}

func (f *fakeController) dirFailureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dirFailures)
}

type testFixture struct {
	rm         *ReplicaManager
	logManager *storagelog.Manager
	cache      *metadata.Cache
	controller *fakeController
	clock      *mockClock
	dirs       []string
}

func testReplicationConfig() config.ReplicationConfig {
	return config.ReplicationConfig{
		MinInSyncReplicas:                 1,
		ReplicaLagTimeMaxMs:               10000,
		ReplicaFetchWaitMaxMs:             500,
		ReplicaFetchMinBytes:              1,
		ReplicaFetchMaxBytes:              1 << 20,
		ReplicaFetchResponseMaxBytes:      10 << 20,
		ReplicaFetchBackoffMs:             200,
		HighWatermarkCheckpointIntervalMs: 60000,
		IsrShrinkIntervalMs:               60000,
		PurgatoryPurgeIntervalRequests:    100,
		FetcherIdleSweepIntervalMs:        60000,
	}
}

// newTestFixture wires a replica manager over temp dirs with brokers 1-3 in
// the metadata cache. Background loops are not started; tests drive state
// explicitly.
func newTestFixture(t *testing.T, numDirs int) *testFixture {
	t.Helper()

	dirs := make([]string, numDirs)
	for i := range dirs {
		dirs[i] = t.TempDir()
	}

	logManager, err := storagelog.NewManager(storagelog.ManagerConfig{
		DataDirs:      dirs,
		Codec:         compression.None,
		MaxBatchBytes: 1 << 20,
	})
	require.NoError(t, err)

	cache := metadata.NewCache()
	cache.UpdateMetadata(&metadata.UpdateRequest{
		ControllerID:    0,
		ControllerEpoch: 0,
		Brokers: []protocol.Node{
			{ID: 1, Host: "broker1", Port: 9092, Rack: "rack-a"},
			{ID: 2, Host: "broker2", Port: 9092, Rack: "rack-b"},
			{ID: 3, Host: "broker3", Port: 9092, Rack: "rack-c"},
		},
	})

	controller := &fakeController{}
	clock := newMockClock()

	rm, err := NewReplicaManager(ReplicaManagerConfig{
		BrokerID:      1,
		Config:        testReplicationConfig(),
		LogManager:    logManager,
		MetadataCache: cache,
		Controller:    controller,
		Clock:         clock,
		Throttler:     throttle.New(config.ThrottleConfig{}),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		rm.Close()
		logManager.Close()
	})

	return &testFixture{
		rm:         rm,
		logManager: logManager,
		cache:      cache,
		controller: controller,
		clock:      clock,
		dirs:       dirs,
	}
}

// updateRequestForPartition registers a partition's replica set in the
// metadata cache without touching the broker list
func updateRequestForPartition(tp protocol.TopicPartition, leader int32, replicas []int32) *metadata.UpdateRequest {
	return &metadata.UpdateRequest{
		ControllerID:    0,
		ControllerEpoch: 0,
		Partitions: []metadata.PartitionState{{
			TopicPartition: tp,
			Leader:         leader,
			Isr:            replicas,
			Replicas:       replicas,
		}},
	}
}

func directive(tp protocol.TopicPartition, controllerEpoch int32, leader int32,
	leaderEpoch int32, isr []int32, replicas []int32) protocol.LeaderAndIsrPartition {
	return protocol.LeaderAndIsrPartition{
		TopicPartition:  tp,
		ControllerEpoch: controllerEpoch,
		Leader:          leader,
		LeaderEpoch:     leaderEpoch,
		Isr:             isr,
		Replicas:        replicas,
	}
}

// makeLeaderPartition drives the fixture's broker to leadership of tp
func (f *testFixture) makeLeaderPartition(t *testing.T, tp protocol.TopicPartition,
	leaderEpoch int32, isr []int32, replicas []int32) *Partition {
	t.Helper()

	results, topErr := f.rm.BecomeLeaderOrFollower(&protocol.LeaderAndIsrRequest{
		ControllerID:    0,
		ControllerEpoch: f.rm.ControllerEpoch() + 1,
		Partitions: []protocol.LeaderAndIsrPartition{
			directive(tp, f.rm.ControllerEpoch()+1, 1, leaderEpoch, isr, replicas),
		},
	}, nil)
	require.Equal(t, protocol.None, topErr)
	require.Equal(t, protocol.None, results[tp])

	partition, code := f.rm.getOnlinePartition(tp)
	require.Equal(t, protocol.None, code)
	return partition
}

func mustBatch(t *testing.T, values ...string) storagelog.Batch {
	t.Helper()
	records := make([]storagelog.Record, len(values))
	for i, v := range values {
		records[i] = storagelog.Record{
			Timestamp: time.Now().UnixMilli(),
			Key:       []byte("k"),
			Value:     []byte(v),
		}
	}
	b, err := storagelog.NewBatch(compression.None, records)
	require.NoError(t, err)
	return b
}

func produceSync(t *testing.T, f *testFixture, tp protocol.TopicPartition, acks int16,
	values ...string) protocol.ProducePartitionResponse {
	t.Helper()

	ch := make(chan map[protocol.TopicPartition]protocol.ProducePartitionResponse, 1)
	f.rm.AppendRecords(time.Second, acks, false,
		map[protocol.TopicPartition][]storagelog.Batch{tp: {mustBatch(t, values...)}},
		func(resp map[protocol.TopicPartition]protocol.ProducePartitionResponse) {
			ch <- resp
		})

	select {
	case resp := <-ch:
		return resp[tp]
	case <-time.After(5 * time.Second):
		t.Fatal("produce response not delivered")
		return protocol.ProducePartitionResponse{}
	}
}
