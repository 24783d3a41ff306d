// Copyright 2025 Loghive Data, Inc.

package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "NONE", None.String())
	assert.Equal(t, "NOT_LEADER_FOR_PARTITION", NotLeaderForPartition.String())
	assert.Equal(t, "FENCED_LEADER_EPOCH", FencedLeaderEpoch.String())
	assert.Equal(t, "UNKNOWN_ERROR_999", ErrorCode(999).String())
}

func TestCodeFor(t *testing.T) {
	assert.Equal(t, None, CodeFor(nil))
	assert.Equal(t, OffsetOutOfRange, CodeFor(NewError(OffsetOutOfRange, "offset %d", 7)))
	assert.Equal(t, UnknownServerError, CodeFor(errors.New("disk on fire")))

	// wrapped protocol errors are still recognised
	wrapped := fmt.Errorf("read partition: %w", NewError(KafkaStorageError, "dir offline"))
	assert.Equal(t, KafkaStorageError, CodeFor(wrapped))
}

func TestErrorIs(t *testing.T) {
	err := NewError(NotLeaderForPartition, "broker 3")
	assert.ErrorIs(t, err, &Error{Code: NotLeaderForPartition})
	assert.NotErrorIs(t, err, &Error{Code: OffsetOutOfRange})
}

func TestTopicPartitionString(t *testing.T) {
	tp := TopicPartition{Topic: "orders", Partition: 3}
	assert.Equal(t, "orders-3", tp.String())
}
