// Copyright 2025 Loghive Data, Inc.

package replication

import (
	"sync"
	"time"

	"github.com/loghive-data/loghive/pkg/kafka/protocol"
	"github.com/loghive-data/loghive/pkg/logger"
)

// ControllerChannel is the boundary to the cluster metadata store: ISR
// changes and log directory failures flow out through it, preferred-leader
// elections are requested through it.
type ControllerChannel interface {
	PropagateIsrChanges(changes []protocol.IsrChange) error
	NotifyLogDirFailure(brokerID int32) error
	ElectPreferredLeaders(partitions []protocol.TopicPartition) error
}

const (
	isrChangeTickInterval = 2500 * time.Millisecond
	// isrQuiescenceMs is how long the buffer must be quiet before propagating
	isrQuiescenceMs = 5000
	// isrMaxDelayMs bounds how long changes may sit unpropagated
	isrMaxDelayMs = 60000
)

// IsrChangeTracker coalesces ISR changes and propagates them to the metadata
// store once the buffer has settled or the max delay has passed
type IsrChangeTracker struct {
	clock   Clock
	channel ControllerChannel
	logger  *logger.Logger

	mu              sync.Mutex
	pending         map[protocol.TopicPartition]protocol.IsrChange
	lastChangeMs    int64
	lastPropagateMs int64
	listeners       []func(protocol.IsrChange)

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewIsrChangeTracker creates a tracker; Start launches the propagation loop
func NewIsrChangeTracker(clock Clock, channel ControllerChannel) *IsrChangeTracker {
	if clock == nil {
		clock = SystemClock
	}
	return &IsrChangeTracker{
		clock:           clock,
		channel:         channel,
		logger:          logger.Default().WithComponent("isr-change-tracker"),
		pending:         make(map[protocol.TopicPartition]protocol.IsrChange),
		lastPropagateMs: clock.Now().UnixMilli(),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// AddListener registers an observer invoked on every enqueued change
func (t *IsrChangeTracker) AddListener(fn func(protocol.IsrChange)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Enqueue buffers one ISR change; later changes for the same partition
// replace earlier ones
func (t *IsrChangeTracker) Enqueue(change protocol.IsrChange) {
	t.mu.Lock()
	t.pending[change.TopicPartition] = change
	t.lastChangeMs = t.clock.Now().UnixMilli()
	listeners := append([]func(protocol.IsrChange){}, t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
}

// Start launches the periodic propagation loop
func (t *IsrChangeTracker) Start() {
	go t.run()
}

func (t *IsrChangeTracker) run() {
	defer close(t.doneCh)
	ticker := time.NewTicker(isrChangeTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			t.maybePropagate(true)
			return
		case <-ticker.C:
			t.maybePropagate(false)
		}
	}
}

// maybePropagate ships the buffer when it has been quiet for the quiescence
// window or unpropagated for the max delay
func (t *IsrChangeTracker) maybePropagate(force bool) {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now().UnixMilli()
	quiet := now-t.lastChangeMs >= isrQuiescenceMs
	overdue := now-t.lastPropagateMs >= isrMaxDelayMs
	if !force && !quiet && !overdue {
		t.mu.Unlock()
		return
	}

	changes := make([]protocol.IsrChange, 0, len(t.pending))
	for _, c := range t.pending {
		changes = append(changes, c)
	}
	t.pending = make(map[protocol.TopicPartition]protocol.IsrChange)
	t.lastPropagateMs = now
	t.mu.Unlock()

	if err := t.channel.PropagateIsrChanges(changes); err != nil {
		t.logger.Error("failed to propagate ISR changes", "count", len(changes), "error", err)
		return
	}
	t.logger.Info("propagated ISR changes", "count", len(changes))
}

// Pending returns the number of buffered changes
func (t *IsrChangeTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stop flushes the buffer and terminates the loop
func (t *IsrChangeTracker) Stop() {
	close(t.stopCh)
	<-t.doneCh
}
