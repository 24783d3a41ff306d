// Copyright 2025 Loghive Data, Inc.

package protocol

import "fmt"

// TopicPartition identifies a single partition of a topic
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// IsolationLevel bounds what a fetch may read
type IsolationLevel int8

const (
	// ReadUncommitted maps to the high-watermark bound for consumers
	ReadUncommitted IsolationLevel = 0
	// ReadCommitted maps to the last-stable-offset bound for consumers
	ReadCommitted IsolationLevel = 1
)

// FetchIsolation is the offset upper bound applied when reading a log slice
type FetchIsolation int8

const (
	// FetchLogEnd reads up to the log end offset (followers only)
	FetchLogEnd FetchIsolation = iota
	// FetchHighWatermark reads up to the high watermark
	FetchHighWatermark
	// FetchTxnCommitted reads up to the last stable offset
	FetchTxnCommitted
)

// Broker id sentinels carried in fetch requests
const (
	// ConsumerReplicaID marks a fetch issued by a consumer client
	ConsumerReplicaID int32 = -1
	// FutureLocalReplicaID marks a fetch issued by the future-log mover
	FutureLocalReplicaID int32 = -2
)

// NoNode is the broker id meaning "no preferred read replica"
const NoNode int32 = -1

// Timestamp sentinels for offset-for-timestamp queries
const (
	// LatestTimestamp asks for the next offset to be written
	LatestTimestamp int64 = -1
	// EarliestTimestamp asks for the log start offset
	EarliestTimestamp int64 = -2
)

// Node describes a broker endpoint
type Node struct {
	ID   int32
	Host string
	Port int32
	Rack string
}

// LeaderAndIsrPartition is a single-partition directive inside a
// become-leader-or-follower request
type LeaderAndIsrPartition struct {
	TopicPartition  TopicPartition
	ControllerEpoch int32
	Leader          int32
	LeaderEpoch     int32
	Isr             []int32
	Replicas        []int32
	IsNew           bool
}

// LeaderAndIsrRequest carries controller role assignments
type LeaderAndIsrRequest struct {
	ControllerID    int32
	ControllerEpoch int32
	Partitions      []LeaderAndIsrPartition
}

// StopReplicaRequest stops (and optionally deletes) local replicas
type StopReplicaRequest struct {
	ControllerID    int32
	ControllerEpoch int32
	DeletePartition bool
	Partitions      []TopicPartition
}

// FetchPartitionSpec is the per-partition portion of a fetch request
type FetchPartitionSpec struct {
	FetchOffset        int64
	LogStartOffset     int64
	MaxBytes           int32
	CurrentLeaderEpoch int32 // -1 when the caller does not know the epoch
}

// ProducePartitionResponse is the per-partition result of an append
type ProducePartitionResponse struct {
	Error          ErrorCode
	BaseOffset     int64
	LastOffset     int64
	LogAppendTime  int64
	LogStartOffset int64
}

// DeleteRecordsPartitionResult is the per-partition result of a prefix delete
type DeleteRecordsPartitionResult struct {
	LowWatermark int64
	Error        ErrorCode
}

// EpochEndOffset is the answer to a last-offset-for-leader-epoch query
type EpochEndOffset struct {
	Error       ErrorCode
	LeaderEpoch int32
	EndOffset   int64
}

// UnknownEpochOffset marks an epoch lookup miss
var UnknownEpochOffset = EpochEndOffset{LeaderEpoch: -1, EndOffset: -1}

// IsrChange describes one propagated ISR mutation
type IsrChange struct {
	TopicPartition TopicPartition
	LeaderEpoch    int32
	Isr            []int32
}

// DescribeLogDirsResult reports the state of one log directory
type DescribeLogDirsResult struct {
	Dir        string
	Error      ErrorCode
	Partitions []DescribeLogDirsPartition
}

// DescribeLogDirsPartition reports one partition hosted in a directory
type DescribeLogDirsPartition struct {
	TopicPartition TopicPartition
	Size           int64
	OffsetLag      int64
	IsFuture       bool
}

// TimestampOffset is the answer to an offset-for-timestamp query
type TimestampOffset struct {
	Timestamp int64
	Offset    int64
}
