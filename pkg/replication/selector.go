// Copyright 2025 Loghive Data, Inc.

package replication

import (
	"fmt"

	"github.com/loghive-data/loghive/pkg/kafka/protocol"
)

// ReplicaView is one candidate read replica as seen by the selector: an ISR
// member whose log range covers the consumer's fetch offset
type ReplicaView struct {
	Node           protocol.Node
	LogEndOffset   int64
	LogStartOffset int64
	// TimeSinceLastCaughtUpMs is the staleness of the replica relative to the
	// leader's log end; zero for the leader itself
	TimeSinceLastCaughtUpMs int64
}

// PartitionView is the selector's input: the leader plus the eligible ISR
// members with endpoints
type PartitionView struct {
	Leader   protocol.Node
	Replicas []ReplicaView
}

// ReplicaSelector chooses the replica a consumer should fetch from. Returning
// ok=false means "read from the leader".
type ReplicaSelector interface {
	Configure(configs map[string]string) error
	Select(tp protocol.TopicPartition, client *ClientMetadata, view PartitionView) (protocol.Node, bool)
}

// LeaderSelector always routes consumers to the leader
type LeaderSelector struct{}

func (LeaderSelector) Configure(map[string]string) error { return nil }

func (LeaderSelector) Select(protocol.TopicPartition, *ClientMetadata, PartitionView) (protocol.Node, bool) {
	return protocol.Node{}, false
}

// RackAwareSelector prefers the most caught-up ISR member in the consumer's
// rack; consumers without a rack, or racks with no eligible replica, read
// from the leader
type RackAwareSelector struct{}

func (RackAwareSelector) Configure(map[string]string) error { return nil }

func (RackAwareSelector) Select(tp protocol.TopicPartition, client *ClientMetadata, view PartitionView) (protocol.Node, bool) {
	if client == nil || client.RackID == "" {
		return protocol.Node{}, false
	}

	var best *ReplicaView
	for i := range view.Replicas {
		r := &view.Replicas[i]
		if r.Node.Rack != client.RackID {
			continue
		}
		if best == nil || r.LogEndOffset > best.LogEndOffset {
			best = r
		}
	}
	if best == nil {
		return protocol.Node{}, false
	}
	return best.Node, true
}

// NewSelector resolves a selector by its configured name
func NewSelector(name string) (ReplicaSelector, error) {
	switch name {
	case "", "leader":
		return LeaderSelector{}, nil
	case "rack-aware":
		return RackAwareSelector{}, nil
	default:
		return nil, fmt.Errorf("unknown replica selector: %q", name)
	}
}
