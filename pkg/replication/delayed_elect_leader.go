// Copyright 2025 Loghive Data, Inc.

package replication

import (
	"github.com/loghive-data/loghive/pkg/kafka/protocol"
)

// DelayedElectLeader parks a preferred-leader election until the controller
// directive making the expected broker the leader arrives at this node
type DelayedElectLeader struct {
	rm       *ReplicaManager
	expected map[protocol.TopicPartition]int32
	results  map[protocol.TopicPartition]protocol.ErrorCode
	respond  func(map[protocol.TopicPartition]protocol.ErrorCode)
}

func newDelayedElectLeader(rm *ReplicaManager, expected map[protocol.TopicPartition]int32,
	respond func(map[protocol.TopicPartition]protocol.ErrorCode)) *DelayedElectLeader {
	return &DelayedElectLeader{
		rm:       rm,
		expected: expected,
		results:  make(map[protocol.TopicPartition]protocol.ErrorCode, len(expected)),
		respond:  respond,
	}
}

// TryComplete waits for every partition to be led by its expected broker
func (d *DelayedElectLeader) TryComplete() bool {
	done := true
	for tp, want := range d.expected {
		if _, ok := d.results[tp]; ok {
			continue
		}

		partition, code := d.rm.getOnlinePartition(tp)
		if code != protocol.None {
			d.results[tp] = code
			continue
		}
		if partition.LeaderID() == want {
			d.results[tp] = protocol.None
		} else {
			done = false
		}
	}
	return done
}

// OnComplete delivers the election outcome
func (d *DelayedElectLeader) OnComplete() {
	d.respondNow()
}

// OnExpiration reports a timeout for partitions whose expected leader never
// took over
func (d *DelayedElectLeader) OnExpiration() {
	d.respondNow()
}

func (d *DelayedElectLeader) respondNow() {
	out := make(map[protocol.TopicPartition]protocol.ErrorCode, len(d.expected))
	for tp := range d.expected {
		if code, ok := d.results[tp]; ok {
			out[tp] = code
		} else {
			out[tp] = protocol.RequestTimedOut
		}
	}
	d.respond(out)
}
