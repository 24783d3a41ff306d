// Copyright 2025 Loghive Data, Inc.

package main

import (
	"github.com/loghive-data/loghive/pkg/kafka/protocol"
	"github.com/loghive-data/loghive/pkg/logger"
)

// loggingControllerChannel is the controller boundary of a standalone broker:
// there is no metadata store to propagate to, so outbound notifications are
// logged and elections are rejected
type loggingControllerChannel struct {
	logger *logger.Logger
}

func newLoggingControllerChannel() *loggingControllerChannel {
	return &loggingControllerChannel{
		logger: logger.Default().WithComponent("controller-channel"),
	}
}

func (c *loggingControllerChannel) PropagateIsrChanges(changes []protocol.IsrChange) error {
	for _, change := range changes {
		c.logger.Info("ISR change",
			"topic", change.TopicPartition.Topic,
			"partition", change.TopicPartition.Partition,
			"leader_epoch", change.LeaderEpoch,
			"isr", change.Isr)
	}
	return nil
}

func (c *loggingControllerChannel) NotifyLogDirFailure(brokerID int32) error {
	c.logger.Error("log directory failure", "broker_id", brokerID)
	return nil
}

func (c *loggingControllerChannel) ElectPreferredLeaders(partitions []protocol.TopicPartition) error {
	c.logger.Warn("preferred leader election requested without a controller",
		"partitions", len(partitions))
	return protocol.NewError(protocol.NotController, "standalone broker has no controller")
}
