// Copyright 2025 Loghive Data, Inc.

package replication

import (
	"github.com/loghive-data/loghive/pkg/kafka/protocol"
)

// producePartitionStatus tracks one partition of a delayed produce. The
// response starts out as a timeout and is overwritten when the partition's
// required offset commits or its leadership is lost.
type producePartitionStatus struct {
	requiredOffset int64
	response       protocol.ProducePartitionResponse
	acksPending    bool
}

// DelayedProduce parks an acks=-1 produce until every successfully appended
// partition has its required offset covered by the high watermark
type DelayedProduce struct {
	rm      *ReplicaManager
	status  map[protocol.TopicPartition]*producePartitionStatus
	respond func(map[protocol.TopicPartition]protocol.ProducePartitionResponse)
}

func newDelayedProduce(rm *ReplicaManager,
	status map[protocol.TopicPartition]*producePartitionStatus,
	respond func(map[protocol.TopicPartition]protocol.ProducePartitionResponse)) *DelayedProduce {
	return &DelayedProduce{rm: rm, status: status, respond: respond}
}

// TryComplete checks every pending partition against the current leader
// state. Invocations are serialised by the purgatory.
func (d *DelayedProduce) TryComplete() bool {
	allDone := true
	for tp, st := range d.status {
		if !st.acksPending {
			continue
		}

		partition, code := d.rm.getOnlinePartition(tp)
		if code != protocol.None {
			st.acksPending = false
			st.response.Error = code
			continue
		}

		satisfied, errCode := partition.CheckEnoughReplicasReachOffset(st.requiredOffset)
		if satisfied {
			st.acksPending = false
			st.response.Error = errCode
		} else if errCode != protocol.None {
			st.acksPending = false
			st.response.Error = errCode
		} else {
			allDone = false
		}
	}
	return allDone
}

// OnComplete delivers the per-partition responses
func (d *DelayedProduce) OnComplete() {
	d.respondNow()
}

// OnExpiration delivers whatever each partition reached; partitions still
// pending answer with the timeout error they were seeded with
func (d *DelayedProduce) OnExpiration() {
	d.respondNow()
}

func (d *DelayedProduce) respondNow() {
	responses := make(map[protocol.TopicPartition]protocol.ProducePartitionResponse, len(d.status))
	for tp, st := range d.status {
		responses[tp] = st.response
	}
	d.respond(responses)
}
