// Copyright 2025 Loghive Data, Inc.

package replication

import (
	"github.com/loghive-data/loghive/pkg/kafka/protocol"
)

// DelayedFetch parks a fetch until enough bytes accumulate, the deadline
// passes, or the partition state changes in a way the caller must see
// immediately (error, truncation, follower HW refresh).
type DelayedFetch struct {
	rm             *ReplicaManager
	params         FetchParams
	fetchIsolation protocol.FetchIsolation
	partitions     []FetchPartition
	respond        func([]FetchResult)
}

func newDelayedFetch(rm *ReplicaManager, params FetchParams, fetchIsolation protocol.FetchIsolation,
	partitions []FetchPartition, respond func([]FetchResult)) *DelayedFetch {
	return &DelayedFetch{
		rm:             rm,
		params:         params,
		fetchIsolation: fetchIsolation,
		partitions:     partitions,
		respond:        respond,
	}
}

// TryComplete estimates the readable bytes across the requested partitions
// and completes early on any error condition
func (d *DelayedFetch) TryComplete() bool {
	fetchOnlyFromLeader := d.rm.fetchOnlyFromLeader(d.params)

	var accumulated int64
	for _, fp := range d.partitions {
		partition, code := d.rm.getOnlinePartition(fp.TopicPartition)
		if code != protocol.None {
			return true
		}

		snap, err := partition.FetchOffsetSnapshot(fp.Spec.CurrentLeaderEpoch, fetchOnlyFromLeader)
		if err != nil {
			return true
		}

		endOffset := snap.HighWatermark
		switch d.fetchIsolation {
		case protocol.FetchLogEnd:
			endOffset = snap.LogEndOffset
		case protocol.FetchTxnCommitted:
			endOffset = snap.LastStableOffset
		}

		if endOffset < fp.Spec.FetchOffset {
			// the log was truncated below the fetch position
			return true
		}
		if l := partition.Log(); l != nil && endOffset > fp.Spec.FetchOffset {
			accumulated += l.SizeBetween(fp.Spec.FetchOffset, endOffset)
		}

		if d.params.ReplicaID >= 0 && partition.FollowerNeedsHighWatermarkUpdate(d.params.ReplicaID) {
			return true
		}
	}

	return accumulated >= int64(d.params.MinBytes)
}

// OnComplete re-reads the logs and responds with current data
func (d *DelayedFetch) OnComplete() {
	d.respond(d.rm.readFromLocalLog(d.params, d.fetchIsolation, d.partitions))
}

// OnExpiration responds with whatever is readable at the deadline
func (d *DelayedFetch) OnExpiration() {
	d.respond(d.rm.readFromLocalLog(d.params, d.fetchIsolation, d.partitions))
}
