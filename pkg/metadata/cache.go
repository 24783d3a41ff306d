// Copyright 2025 Loghive Data, Inc.

package metadata

import (
	"sync"

	"github.com/loghive-data/loghive/pkg/kafka/protocol"
	"github.com/loghive-data/loghive/pkg/logger"
)

// LeaderDuringDelete marks a partition whose topic is being deleted in an
// update-metadata request
const LeaderDuringDelete int32 = -2

// PartitionState is the cluster view of one partition
type PartitionState struct {
	TopicPartition  protocol.TopicPartition
	ControllerEpoch int32
	Leader          int32
	LeaderEpoch     int32
	Isr             []int32
	Replicas        []int32
	OfflineReplicas []int32
}

// UpdateRequest is the payload of a controller update-metadata directive
type UpdateRequest struct {
	ControllerID    int32
	ControllerEpoch int32
	Brokers         []protocol.Node
	Partitions      []PartitionState
}

// Cache holds this broker's view of the cluster: alive brokers with their
// endpoints and the partition states the controller last shipped. Readers get
// copies; updates replace state wholesale under the write lock.
type Cache struct {
	logger *logger.Logger

	mu           sync.RWMutex
	brokers      map[int32]protocol.Node
	partitions   map[protocol.TopicPartition]PartitionState
	topics       map[string]struct{}
	controllerID int32
}

// NewCache creates an empty metadata cache
func NewCache() *Cache {
	return &Cache{
		logger:       logger.Default().WithComponent("metadata-cache"),
		brokers:      make(map[int32]protocol.Node),
		partitions:   make(map[protocol.TopicPartition]PartitionState),
		topics:       make(map[string]struct{}),
		controllerID: -1,
	}
}

// UpdateMetadata applies a controller update and returns the partitions whose
// topics are being deleted
func (c *Cache) UpdateMetadata(req *UpdateRequest) []protocol.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.controllerID = req.ControllerID

	if req.Brokers != nil {
		c.brokers = make(map[int32]protocol.Node, len(req.Brokers))
		for _, b := range req.Brokers {
			c.brokers[b.ID] = b
		}
	}

	var deleted []protocol.TopicPartition
	for _, ps := range req.Partitions {
		if ps.Leader == LeaderDuringDelete {
			delete(c.partitions, ps.TopicPartition)
			deleted = append(deleted, ps.TopicPartition)
			continue
		}
		c.partitions[ps.TopicPartition] = ps
		c.topics[ps.TopicPartition.Topic] = struct{}{}
	}

	// drop topics with no remaining partitions
	for _, tp := range deleted {
		found := false
		for other := range c.partitions {
			if other.Topic == tp.Topic {
				found = true
				break
			}
		}
		if !found {
			delete(c.topics, tp.Topic)
		}
	}

	c.logger.Info("updated cluster metadata",
		"controller_id", req.ControllerID,
		"brokers", len(c.brokers),
		"partitions", len(c.partitions),
		"deleted", len(deleted))
	return deleted
}

// AliveBroker returns the endpoint of a live broker
func (c *Cache) AliveBroker(id int32) (protocol.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	node, ok := c.brokers[id]
	return node, ok
}

// AliveBrokers returns all live broker endpoints
func (c *Cache) AliveBrokers() []protocol.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]protocol.Node, 0, len(c.brokers))
	for _, b := range c.brokers {
		out = append(out, b)
	}
	return out
}

// ContainsTopic reports whether the topic exists in the cluster view
func (c *Cache) ContainsTopic(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.topics[topic]
	return ok
}

// ContainsPartition reports whether the partition exists in the cluster view
func (c *Cache) ContainsPartition(tp protocol.TopicPartition) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.partitions[tp]
	return ok
}

// Partition returns the cluster view of one partition
func (c *Cache) Partition(tp protocol.TopicPartition) (PartitionState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ps, ok := c.partitions[tp]
	return ps, ok
}

// PartitionReplicaEndpoints returns the endpoints of the partition's replicas
// that are currently alive
func (c *Cache) PartitionReplicaEndpoints(tp protocol.TopicPartition) map[int32]protocol.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[int32]protocol.Node)
	ps, ok := c.partitions[tp]
	if !ok {
		return out
	}
	for _, id := range ps.Replicas {
		if node, alive := c.brokers[id]; alive {
			out[id] = node
		}
	}
	return out
}

// ControllerID returns the last known controller id, -1 when unknown
func (c *Cache) ControllerID() int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.controllerID
}
