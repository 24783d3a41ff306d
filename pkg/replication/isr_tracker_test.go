// Copyright 2025 Loghive Data, Inc.

package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive-data/loghive/pkg/kafka/protocol"
)

func trackerFixture() (*IsrChangeTracker, *fakeController, *mockClock) {
	clock := newMockClock()
	controller := &fakeController{}
	return NewIsrChangeTracker(clock, controller), controller, clock
}

func change(topic string, partition int32, isr ...int32) protocol.IsrChange {
	return protocol.IsrChange{
		TopicPartition: protocol.TopicPartition{Topic: topic, Partition: partition},
		LeaderEpoch:    1,
		Isr:            isr,
	}
}

func TestTrackerCoalescesChangesPerPartition(t *testing.T) {
	tracker, _, _ := trackerFixture()

	tracker.Enqueue(change("orders", 0, 1, 2))
	tracker.Enqueue(change("orders", 0, 1))
	tracker.Enqueue(change("orders", 1, 1, 2))

	assert.Equal(t, 2, tracker.Pending())
}

func TestTrackerWaitsForQuiescence(t *testing.T) {
	tracker, controller, clock := trackerFixture()

	tracker.Enqueue(change("orders", 0, 1))

	// 3 s after the last change: neither quiet for 5 s nor overdue
	clock.Advance(3 * time.Second)
	tracker.maybePropagate(false)
	assert.Equal(t, 0, controller.propagatedChanges())
	assert.Equal(t, 1, tracker.Pending())

	// quiet for 5 s: the buffer ships
	clock.Advance(3 * time.Second)
	tracker.maybePropagate(false)
	assert.Equal(t, 1, controller.propagatedChanges())
	assert.Equal(t, 0, tracker.Pending())
}

func TestTrackerPropagatesWhenOverdue(t *testing.T) {
	tracker, controller, clock := trackerFixture()

	// keep the buffer hot: a change every 2 s keeps quiescence unreachable
	for i := 0; i < 31; i++ {
		tracker.Enqueue(change("orders", 0, 1))
		clock.Advance(2 * time.Second)
		tracker.maybePropagate(false)
	}

	// the buffer shipped once, when 60 s had passed since the last propagation
	require.Equal(t, 1, controller.propagatedChanges())
}

func TestTrackerListeners(t *testing.T) {
	tracker, _, _ := trackerFixture()

	var seen []protocol.IsrChange
	tracker.AddListener(func(c protocol.IsrChange) {
		seen = append(seen, c)
	})

	tracker.Enqueue(change("orders", 0, 1, 2))
	require.Len(t, seen, 1)
	assert.Equal(t, []int32{1, 2}, seen[0].Isr)
}

func TestTrackerForceFlushOnStop(t *testing.T) {
	tracker, controller, _ := trackerFixture()
	tracker.Start()

	tracker.Enqueue(change("orders", 0, 1))
	tracker.Stop()

	assert.Equal(t, 1, controller.propagatedChanges())
}
