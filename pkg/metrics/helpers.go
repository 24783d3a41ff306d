// Copyright 2025 Loghive Data, Inc.

package metrics

import "strconv"

// RecordProduce records metrics for one partition append
func RecordProduce(topic string, partition int32, messages int, errorCode int16) {
	ProduceRequestsTotal.WithLabelValues(topic).Inc()
	if errorCode != 0 {
		ProduceErrorsTotal.WithLabelValues(topic, strconv.Itoa(int(errorCode))).Inc()
		return
	}
	ProduceMessagesTotal.WithLabelValues(topic, strconv.Itoa(int(partition))).Add(float64(messages))
}

// RecordFetch records metrics for one fetch response partition
func RecordFetch(caller string, topic string, bytes int64) {
	FetchRequestsTotal.WithLabelValues(caller).Inc()
	FetchBytesTotal.WithLabelValues(topic).Add(float64(bytes))
}

// UpdatePartitionOffsets publishes the offset gauges for a partition
func UpdatePartitionOffsets(topic string, partition int32, highWatermark, logEndOffset int64) {
	partitionStr := strconv.Itoa(int(partition))
	PartitionHighWatermark.WithLabelValues(topic, partitionStr).Set(float64(highWatermark))
	PartitionLogEndOffset.WithLabelValues(topic, partitionStr).Set(float64(logEndOffset))
}

// UpdateFollowerLag publishes the leader-observed lag for one follower
func UpdateFollowerLag(topic string, partition int32, follower int32, lag int64) {
	FollowerLag.WithLabelValues(topic,
		strconv.Itoa(int(partition)), strconv.Itoa(int(follower))).Set(float64(lag))
}

// RemovePartitionMetrics drops the per-partition gauges after a stop-replica
func RemovePartitionMetrics(topic string, partition int32) {
	partitionStr := strconv.Itoa(int(partition))
	PartitionHighWatermark.DeleteLabelValues(topic, partitionStr)
	PartitionLogEndOffset.DeleteLabelValues(topic, partitionStr)
	FollowerLag.DeletePartialMatch(map[string]string{
		"topic":     topic,
		"partition": partitionStr,
	})
}
