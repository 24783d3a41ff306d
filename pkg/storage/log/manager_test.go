// Copyright 2025 Loghive Data, Inc.

package log

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive-data/loghive/pkg/kafka/protocol"
)

func openTestManager(t *testing.T, numDirs int) (*Manager, []string) {
	t.Helper()
	dirs := make([]string, numDirs)
	for i := range dirs {
		dirs[i] = t.TempDir()
	}
	m, err := NewManager(ManagerConfig{DataDirs: dirs})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, dirs
}

func TestManagerCreatesLogsRoundRobin(t *testing.T) {
	m, dirs := openTestManager(t, 2)

	a, err := m.GetOrCreateLog(protocol.TopicPartition{Topic: "orders", Partition: 0})
	require.NoError(t, err)
	b, err := m.GetOrCreateLog(protocol.TopicPartition{Topic: "orders", Partition: 1})
	require.NoError(t, err)

	assert.NotEqual(t, a.DataDir(), b.DataDir())
	assert.Contains(t, dirs, a.DataDir())
	assert.Contains(t, dirs, b.DataDir())

	// a second call returns the same log
	again, err := m.GetOrCreateLog(protocol.TopicPartition{Topic: "orders", Partition: 0})
	require.NoError(t, err)
	assert.Same(t, a, again)
}

func TestManagerRecoversLogsOnRestart(t *testing.T) {
	dirs := []string{t.TempDir()}
	tp := protocol.TopicPartition{Topic: "orders", Partition: 0}

	m, err := NewManager(ManagerConfig{DataDirs: dirs})
	require.NoError(t, err)
	l, err := m.GetOrCreateLog(tp)
	require.NoError(t, err)
	_, err = l.Append(0, []Batch{batchOf(t, "a", "b")})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	reopened, err := NewManager(ManagerConfig{DataDirs: dirs})
	require.NoError(t, err)
	defer reopened.Close()

	recovered, ok := reopened.GetLog(tp)
	require.True(t, ok)
	assert.Equal(t, int64(2), recovered.LogEndOffset())
}

func TestManagerFailDirPublishesOffline(t *testing.T) {
	m, _ := openTestManager(t, 2)

	tp := protocol.TopicPartition{Topic: "orders", Partition: 0}
	l, err := m.GetOrCreateLog(tp)
	require.NoError(t, err)
	failed := l.DataDir()

	m.FailDir(failed)

	select {
	case dir := <-m.OfflineDirs():
		assert.Equal(t, failed, dir)
	case <-time.After(time.Second):
		t.Fatal("offline dir was not published")
	}

	assert.False(t, m.IsDirOnline(failed))
	assert.Len(t, m.LiveDirs(), 1)
	assert.Equal(t, []protocol.TopicPartition{tp}, m.LogsInDir(failed))

	// repeated failure is not re-published
	m.FailDir(failed)
	select {
	case <-m.OfflineDirs():
		t.Fatal("duplicate failure published")
	case <-time.After(50 * time.Millisecond):
	}

	// new logs land in the surviving directory
	other, err := m.GetOrCreateLog(protocol.TopicPartition{Topic: "orders", Partition: 1})
	require.NoError(t, err)
	assert.NotEqual(t, failed, other.DataDir())

	// fail the last dir: creation is now impossible
	m.FailDir(other.DataDir())
	<-m.OfflineDirs()
	_, err = m.GetOrCreateLog(protocol.TopicPartition{Topic: "orders", Partition: 2})
	require.Error(t, err)
	assert.Equal(t, protocol.KafkaStorageError, protocol.CodeFor(err))
}

func TestManagerDeleteLogReclaimsDirectory(t *testing.T) {
	m, _ := openTestManager(t, 1)
	tp := protocol.TopicPartition{Topic: "orders", Partition: 0}

	l, err := m.GetOrCreateLog(tp)
	require.NoError(t, err)
	path := l.Path()

	require.NoError(t, m.DeleteLog(tp))

	_, ok := m.GetLog(tp)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerFutureLogLifecycle(t *testing.T) {
	m, dirs := openTestManager(t, 2)
	tp := protocol.TopicPartition{Topic: "orders", Partition: 0}

	current, err := m.GetOrCreateLog(tp)
	require.NoError(t, err)
	_, err = current.Append(0, []Batch{batchOf(t, "a", "b")})
	require.NoError(t, err)

	destDir := dirs[0]
	if current.DataDir() == destDir {
		destDir = dirs[1]
	}

	// moving into the current directory is rejected
	_, err = m.CreateFutureLog(tp, current.DataDir())
	require.Error(t, err)

	future, err := m.CreateFutureLog(tp, destDir)
	require.NoError(t, err)

	data, err := current.Read(0, 1<<20, current.LogEndOffset(), true)
	require.NoError(t, err)
	_, err = future.AppendAsFollower(data.Batches)
	require.NoError(t, err)

	promoted, err := m.PromoteFutureLog(tp)
	require.NoError(t, err)
	assert.Equal(t, destDir, promoted.DataDir())
	assert.Equal(t, int64(2), promoted.LogEndOffset())

	_, hasFuture := m.FutureLog(tp)
	assert.False(t, hasFuture)

	got, ok := m.GetLog(tp)
	require.True(t, ok)
	assert.Same(t, promoted, got)
}

func TestParsePartitionDir(t *testing.T) {
	tests := []struct {
		name string
		want protocol.TopicPartition
		ok   bool
	}{
		{"orders-0", protocol.TopicPartition{Topic: "orders", Partition: 0}, true},
		{"multi-word-topic-12", protocol.TopicPartition{Topic: "multi-word-topic", Partition: 12}, true},
		{"nodash", protocol.TopicPartition{}, false},
		{"orders-", protocol.TopicPartition{}, false},
		{"orders-x", protocol.TopicPartition{}, false},
	}

	for _, tc := range tests {
		got, ok := parsePartitionDir(tc.name)
		assert.Equal(t, tc.ok, ok, tc.name)
		if tc.ok {
			assert.Equal(t, tc.want, got, tc.name)
		}
	}
}
