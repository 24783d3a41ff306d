// Copyright 2025 Loghive Data, Inc.

package replication

import (
	"github.com/loghive-data/loghive/pkg/kafka/protocol"
)

// deleteRecordsPartitionStatus tracks one partition of a delayed prefix
// delete until the low watermark catches up to the requested offset
type deleteRecordsPartitionStatus struct {
	requiredOffset int64
	result         protocol.DeleteRecordsPartitionResult
	acksPending    bool
}

// DelayedDeleteRecords parks a delete-records request until every replica's
// log start offset has reached the requested offset
type DelayedDeleteRecords struct {
	rm      *ReplicaManager
	status  map[protocol.TopicPartition]*deleteRecordsPartitionStatus
	respond func(map[protocol.TopicPartition]protocol.DeleteRecordsPartitionResult)
}

func newDelayedDeleteRecords(rm *ReplicaManager,
	status map[protocol.TopicPartition]*deleteRecordsPartitionStatus,
	respond func(map[protocol.TopicPartition]protocol.DeleteRecordsPartitionResult)) *DelayedDeleteRecords {
	return &DelayedDeleteRecords{rm: rm, status: status, respond: respond}
}

// TryComplete checks whether the low watermark of every pending partition
// reached its required offset
func (d *DelayedDeleteRecords) TryComplete() bool {
	allDone := true
	for tp, st := range d.status {
		if !st.acksPending {
			continue
		}

		partition, code := d.rm.getOnlinePartition(tp)
		if code != protocol.None {
			st.acksPending = false
			st.result = protocol.DeleteRecordsPartitionResult{Error: code}
			continue
		}
		if !partition.IsLeader() {
			st.acksPending = false
			st.result = protocol.DeleteRecordsPartitionResult{Error: protocol.NotLeaderForPartition}
			continue
		}

		if low := partition.LowWatermark(); low >= st.requiredOffset {
			st.acksPending = false
			st.result = protocol.DeleteRecordsPartitionResult{
				LowWatermark: low,
				Error:        protocol.None,
			}
		} else {
			allDone = false
		}
	}
	return allDone
}

// OnComplete delivers the per-partition results
func (d *DelayedDeleteRecords) OnComplete() {
	d.respondNow()
}

// OnExpiration delivers the results reached so far; pending partitions answer
// with the timeout error
func (d *DelayedDeleteRecords) OnExpiration() {
	for _, st := range d.status {
		if st.acksPending {
			st.acksPending = false
			st.result = protocol.DeleteRecordsPartitionResult{Error: protocol.RequestTimedOut}
		}
	}
	d.respondNow()
}

func (d *DelayedDeleteRecords) respondNow() {
	results := make(map[protocol.TopicPartition]protocol.DeleteRecordsPartitionResult, len(d.status))
	for tp, st := range d.status {
		results[tp] = st.result
	}
	d.respond(results)
}
