// Copyright 2025 Loghive Data, Inc.

package replication

// HostedPartition is the state of a topic-partition on this broker. A
// partition is None until the first directive references it, Online while it
// has a live local replica, and Offline after its log directory failed.
// Offline is distinct from None: the replica exists but cannot be served.
type HostedPartition interface {
	isHostedPartition()
}

// HostedNone means the partition is not hosted on this broker
type HostedNone struct{}

// HostedOnline wraps the live partition state
type HostedOnline struct {
	Partition *Partition
}

// HostedOffline means the partition's log directory is offline
type HostedOffline struct{}

func (HostedNone) isHostedPartition()    {}
func (HostedOnline) isHostedPartition()  {}
func (HostedOffline) isHostedPartition() {}
