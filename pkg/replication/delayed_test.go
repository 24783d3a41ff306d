// Copyright 2025 Loghive Data, Inc.

package replication

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testOp is a scriptable delayed operation counting its terminal callbacks
type testOp struct {
	mu        sync.Mutex
	ready     bool
	completed atomic.Int32
	expired   atomic.Int32
}

func (o *testOp) TryComplete() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ready
}

func (o *testOp) OnComplete()   { o.completed.Add(1) }
func (o *testOp) OnExpiration() { o.expired.Add(1) }

func (o *testOp) setReady() {
	o.mu.Lock()
	o.ready = true
	o.mu.Unlock()
}

func newTestPurgatory(t *testing.T) *Purgatory {
	t.Helper()
	p := NewPurgatory("test", 10)
	t.Cleanup(p.Shutdown)
	return p
}

func TestPurgatoryCompletesInline(t *testing.T) {
	p := newTestPurgatory(t)

	op := &testOp{ready: true}
	done := p.TryCompleteElseWatch(op, time.Minute, []string{"t-0"})

	assert.True(t, done)
	assert.Equal(t, int32(1), op.completed.Load())
	assert.Equal(t, int32(0), op.expired.Load())
}

func TestPurgatoryCheckAndComplete(t *testing.T) {
	p := newTestPurgatory(t)

	op := &testOp{}
	done := p.TryCompleteElseWatch(op, time.Minute, []string{"t-0", "t-1"})
	require.False(t, done)

	assert.Equal(t, 0, p.CheckAndComplete("t-0"))

	op.setReady()
	assert.Equal(t, 1, p.CheckAndComplete("t-1"))
	assert.Equal(t, int32(1), op.completed.Load())

	// the watcher under the other key is already completed
	assert.Equal(t, 0, p.CheckAndComplete("t-0"))
}

func TestPurgatoryExpiry(t *testing.T) {
	p := newTestPurgatory(t)

	op := &testOp{}
	done := p.TryCompleteElseWatch(op, 30*time.Millisecond, []string{"t-0"})
	require.False(t, done)

	require.Eventually(t, func() bool {
		return op.expired.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), op.completed.Load())
}

func TestPurgatoryAtMostOnceUnderRace(t *testing.T) {
	p := newTestPurgatory(t)

	const n = 50
	ops := make([]*testOp, n)
	for i := range ops {
		ops[i] = &testOp{}
		require.False(t, p.TryCompleteElseWatch(ops[i], 20*time.Millisecond, []string{"t-0"}))
	}

	// race completion against the expiry reaper
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, op := range ops {
				op.setReady()
				p.CheckAndComplete("t-0")
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		for _, op := range ops {
			if op.completed.Load()+op.expired.Load() == 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	for _, op := range ops {
		assert.Equal(t, int32(1), op.completed.Load()+op.expired.Load(),
			"each op must finish exactly once")
	}
}

func TestPurgatoryShutdownExpiresOutstanding(t *testing.T) {
	p := NewPurgatory("test-shutdown", 10)

	op := &testOp{}
	require.False(t, p.TryCompleteElseWatch(op, time.Hour, []string{"t-0"}))

	p.Shutdown()
	assert.Equal(t, int32(1), op.expired.Load())
	assert.Equal(t, int32(0), op.completed.Load())
}

func TestPurgatoryNumDelayed(t *testing.T) {
	p := newTestPurgatory(t)

	require.False(t, p.TryCompleteElseWatch(&testOp{}, time.Minute, []string{"a-0"}))
	require.False(t, p.TryCompleteElseWatch(&testOp{}, time.Minute, []string{"b-0"}))
	assert.Equal(t, 2, p.NumDelayed())
}
