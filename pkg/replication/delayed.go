// Copyright 2025 Loghive Data, Inc.

package replication

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/loghive-data/loghive/pkg/metrics"
)

// DelayedOperation is a request parked until its completion criterion holds
// or its deadline passes. TryComplete may be invoked many times and may record
// per-partition outcomes between invocations even when it returns false;
// OnComplete and OnExpiration run at most once in total, decided by the
// purgatory.
type DelayedOperation interface {
	// TryComplete reports whether the operation can complete now
	TryComplete() bool
	// OnComplete delivers the response after a successful completion check
	OnComplete()
	// OnExpiration delivers the response after the deadline passed
	OnExpiration()
}

type delayedItem struct {
	op        DelayedOperation
	deadline  time.Time
	keys      []string
	completed atomic.Bool
	mu        sync.Mutex // serialises TryComplete evaluation
}

// finish runs the terminal callback exactly once, racing normal completion
// against expiry
func (it *delayedItem) finish(expired bool) bool {
	if !it.completed.CompareAndSwap(false, true) {
		return false
	}
	if expired {
		it.op.OnExpiration()
	} else {
		it.op.OnComplete()
	}
	return true
}

// expiryQueue is a deadline-ordered min-heap of outstanding items
type expiryQueue []*delayedItem

func (q expiryQueue) Len() int            { return len(q) }
func (q expiryQueue) Less(i, j int) bool  { return q[i].deadline.Before(q[j].deadline) }
func (q expiryQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *expiryQueue) Push(x any)         { *q = append(*q, x.(*delayedItem)) }
func (q *expiryQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// Purgatory parks delayed operations under per-partition watch keys and
// completes them when checked or expired. A background reaper expires due
// operations and periodically purges completed entries from the watch lists.
type Purgatory struct {
	name          string
	purgeInterval int
	logger        *zap.Logger

	mu        sync.Mutex
	watchers  map[string][]*delayedItem
	queue     expiryQueue
	completed int

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPurgatory creates a purgatory and starts its expiry reaper
func NewPurgatory(name string, purgeInterval int) *Purgatory {
	if purgeInterval <= 0 {
		purgeInterval = 1000
	}
	zlog, _ := zap.NewProduction()
	p := &Purgatory{
		name:          name,
		purgeInterval: purgeInterval,
		logger:        zlog.With(zap.String("purgatory", name)),
		watchers:      make(map[string][]*delayedItem),
		wakeCh:        make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go p.reaperLoop()
	return p
}

// TryCompleteElseWatch evaluates the operation once; if it cannot complete it
// is registered under every watch key and scheduled for expiry. The second
// evaluation after registration closes the race with concurrent state
// changes. Returns true when the operation completed inline.
func (p *Purgatory) TryCompleteElseWatch(op DelayedOperation, timeout time.Duration, keys []string) bool {
	it := &delayedItem{
		op:       op,
		deadline: time.Now().Add(timeout),
		keys:     keys,
	}
	metrics.DelayedOperations.WithLabelValues(p.name).Inc()

	if p.safeTryComplete(it) {
		return true
	}

	p.mu.Lock()
	for _, key := range keys {
		p.watchers[key] = append(p.watchers[key], it)
	}
	heap.Push(&p.queue, it)
	p.mu.Unlock()

	if p.safeTryComplete(it) {
		return true
	}

	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
	return false
}

// CheckAndComplete re-evaluates every operation watched under the key and
// completes those whose criterion now holds. Returns the number completed.
func (p *Purgatory) CheckAndComplete(key string) int {
	p.mu.Lock()
	items := append([]*delayedItem(nil), p.watchers[key]...)
	p.mu.Unlock()

	completed := 0
	for _, it := range items {
		if it.completed.Load() {
			continue
		}
		if p.safeTryComplete(it) {
			completed++
		}
	}
	if completed > 0 {
		p.maybePurge()
	}
	return completed
}

// safeTryComplete serialises the completion check per item and finishes the
// operation when the check succeeds
func (p *Purgatory) safeTryComplete(it *delayedItem) bool {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.completed.Load() {
		return true
	}
	if it.op.TryComplete() {
		if it.finish(false) {
			p.noteCompleted()
		}
		return true
	}
	return false
}

func (p *Purgatory) noteCompleted() {
	metrics.DelayedOperations.WithLabelValues(p.name).Dec()
	p.mu.Lock()
	p.completed++
	p.mu.Unlock()
}

// NumDelayed returns the number of watched, not yet completed operations
func (p *Purgatory) NumDelayed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, it := range p.queue {
		if !it.completed.Load() {
			n++
		}
	}
	return n
}

func (p *Purgatory) reaperLoop() {
	defer close(p.doneCh)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		p.mu.Lock()
		var wait time.Duration = time.Hour
		for len(p.queue) > 0 && p.queue[0].completed.Load() {
			heap.Pop(&p.queue)
		}
		if len(p.queue) > 0 {
			wait = time.Until(p.queue[0].deadline)
		}
		p.mu.Unlock()

		if wait <= 0 {
			p.expireDue()
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-p.stopCh:
			return
		case <-p.wakeCh:
		case <-timer.C:
			p.expireDue()
		}
	}
}

// expireDue pops and expires every operation whose deadline has passed
func (p *Purgatory) expireDue() {
	now := time.Now()
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		it := p.queue[0]
		if it.completed.Load() {
			heap.Pop(&p.queue)
			p.mu.Unlock()
			continue
		}
		if it.deadline.After(now) {
			p.mu.Unlock()
			return
		}
		heap.Pop(&p.queue)
		p.mu.Unlock()

		it.mu.Lock()
		finished := it.finish(true)
		it.mu.Unlock()
		if finished {
			metrics.DelayedOperations.WithLabelValues(p.name).Dec()
			metrics.DelayedOperationsExpired.WithLabelValues(p.name).Inc()
			p.logger.Debug("expired delayed operation")
		}
		p.maybePurge()
	}
}

// maybePurge drops completed items from the watch lists once enough have
// accumulated, bounding memory between expiry sweeps
func (p *Purgatory) maybePurge() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.completed < p.purgeInterval {
		return
	}
	p.completed = 0
	for key, items := range p.watchers {
		live := items[:0]
		for _, it := range items {
			if !it.completed.Load() {
				live = append(live, it)
			}
		}
		if len(live) == 0 {
			delete(p.watchers, key)
		} else {
			p.watchers[key] = live
		}
	}
}

// Shutdown expires every outstanding operation and stops the reaper
func (p *Purgatory) Shutdown() {
	close(p.stopCh)
	<-p.doneCh

	p.mu.Lock()
	items := append([]*delayedItem(nil), p.queue...)
	p.queue = nil
	p.watchers = make(map[string][]*delayedItem)
	p.mu.Unlock()

	for _, it := range items {
		it.mu.Lock()
		finished := it.finish(true)
		it.mu.Unlock()
		if finished {
			metrics.DelayedOperations.WithLabelValues(p.name).Dec()
		}
	}
	p.logger.Sync()
}
