// Copyright 2025 Loghive Data, Inc.

package log

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive-data/loghive/pkg/compression"
	"github.com/loghive-data/loghive/pkg/kafka/protocol"
)

var testTP = protocol.TopicPartition{Topic: "orders", Partition: 0}

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(testTP, Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func batchOf(t *testing.T, values ...string) Batch {
	t.Helper()
	records := make([]Record, len(values))
	for i, v := range values {
		records[i] = Record{
			Timestamp: time.Now().UnixMilli(),
			Key:       []byte("k"),
			Value:     []byte(v),
		}
	}
	b, err := NewBatch(compression.None, records)
	require.NoError(t, err)
	return b
}

func TestAppendAssignsOffsets(t *testing.T) {
	l := openTestLog(t)

	info, err := l.Append(0, []Batch{batchOf(t, "a", "b")})
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.FirstOffset)
	assert.Equal(t, int64(1), info.LastOffset)
	assert.Equal(t, 2, info.NumMessages)

	info, err = l.Append(0, []Batch{batchOf(t, "c")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.FirstOffset)
	assert.Equal(t, int64(3), l.LogEndOffset())
}

func TestReadReturnsRecordsWithAbsoluteOffsets(t *testing.T) {
	l := openTestLog(t)

	_, err := l.Append(1, []Batch{batchOf(t, "a", "b"), batchOf(t, "c")})
	require.NoError(t, err)

	info, err := l.Read(0, 1<<20, l.LogEndOffset(), true)
	require.NoError(t, err)
	require.Len(t, info.Batches, 2)

	records, err := info.Batches[1].Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(2), records[0].Offset)
	assert.Equal(t, []byte("c"), records[0].Value)
	assert.Equal(t, int32(1), info.Batches[1].LeaderEpoch)
}

func TestReadFromMiddleOffset(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Append(0, []Batch{batchOf(t, "a"), batchOf(t, "b"), batchOf(t, "c")})
	require.NoError(t, err)

	info, err := l.Read(1, 1<<20, l.LogEndOffset(), true)
	require.NoError(t, err)
	require.Len(t, info.Batches, 2)
	assert.Equal(t, int64(1), info.Batches[0].BaseOffset)
}

func TestReadRespectsUpperBound(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Append(0, []Batch{batchOf(t, "a"), batchOf(t, "b"), batchOf(t, "c")})
	require.NoError(t, err)

	info, err := l.Read(0, 1<<20, 2, true)
	require.NoError(t, err)
	assert.Len(t, info.Batches, 2)

	info, err = l.Read(0, 1<<20, 0, true)
	require.NoError(t, err)
	assert.Empty(t, info.Batches)
}

func TestReadRespectsMaxBytes(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Append(0, []Batch{batchOf(t, "aaaaaaaaaa"), batchOf(t, "bbbbbbbbbb")})
	require.NoError(t, err)

	// room for only the first batch
	info, err := l.Read(0, 100, l.LogEndOffset(), true)
	require.NoError(t, err)
	assert.Len(t, info.Batches, 1)

	// a tiny limit still returns one batch when minOneMessage is set
	info, err = l.Read(0, 1, l.LogEndOffset(), true)
	require.NoError(t, err)
	assert.Len(t, info.Batches, 1)

	// and nothing without it
	info, err = l.Read(0, 1, l.LogEndOffset(), false)
	require.NoError(t, err)
	assert.Empty(t, info.Batches)
	assert.True(t, info.FirstEntryIncomplete)
}

func TestReadOutOfRange(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Append(0, []Batch{batchOf(t, "a")})
	require.NoError(t, err)

	_, err = l.Read(5, 1<<20, 10, true)
	require.Error(t, err)
	assert.Equal(t, protocol.OffsetOutOfRange, protocol.CodeFor(err))
}

func TestAppendAsFollowerPreservesOffsets(t *testing.T) {
	l := openTestLog(t)

	b := batchOf(t, "a", "b")
	b.BaseOffset = 10
	b.LastOffset = 11
	b.LeaderEpoch = 4

	info, err := l.AppendAsFollower([]Batch{b})
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.FirstOffset)
	assert.Equal(t, int64(12), l.LogEndOffset())
	assert.Equal(t, int64(10), l.LogStartOffset())
	assert.Equal(t, int32(4), l.LatestEpoch())

	// a gap is rejected
	gap := batchOf(t, "x")
	gap.BaseOffset = 20
	gap.LastOffset = 20
	_, err = l.AppendAsFollower([]Batch{gap})
	assert.Error(t, err)
}

func TestHighWatermarkClamping(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Append(0, []Batch{batchOf(t, "a", "b", "c")})
	require.NoError(t, err)

	assert.Equal(t, int64(3), l.SetHighWatermark(99))
	assert.Equal(t, int64(2), l.SetHighWatermark(2))
	assert.Equal(t, int64(2), l.LastStableOffset())
}

func TestTruncateTo(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Append(0, []Batch{batchOf(t, "a"), batchOf(t, "b"), batchOf(t, "c")})
	require.NoError(t, err)
	l.SetHighWatermark(3)

	require.NoError(t, l.TruncateTo(1))
	assert.Equal(t, int64(1), l.LogEndOffset())
	assert.Equal(t, int64(1), l.HighWatermark())

	// appends continue from the truncation point
	info, err := l.Append(1, []Batch{batchOf(t, "x")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.FirstOffset)
}

func TestTruncateFullyAndStartAt(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Append(0, []Batch{batchOf(t, "a", "b")})
	require.NoError(t, err)

	require.NoError(t, l.TruncateFullyAndStartAt(40))
	assert.Equal(t, int64(40), l.LogStartOffset())
	assert.Equal(t, int64(40), l.LogEndOffset())
	assert.Equal(t, int32(-1), l.LatestEpoch())
}

func TestDeleteRecordsBefore(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Append(0, []Batch{batchOf(t, "a", "b", "c", "d")})
	require.NoError(t, err)

	start, err := l.DeleteRecordsBefore(2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), start)
	assert.Equal(t, int64(2), l.HighWatermark())

	_, err = l.Read(0, 1<<20, 4, true)
	require.Error(t, err)
	assert.Equal(t, protocol.OffsetOutOfRange, protocol.CodeFor(err))

	_, err = l.DeleteRecordsBefore(99)
	require.Error(t, err)
}

func TestEndOffsetForEpoch(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Append(1, []Batch{batchOf(t, "a", "b")})
	require.NoError(t, err)
	_, err = l.Append(3, []Batch{batchOf(t, "c")})
	require.NoError(t, err)

	result, ok := l.EndOffsetForEpoch(1)
	require.True(t, ok)
	assert.Equal(t, int32(1), result.LeaderEpoch)
	assert.Equal(t, int64(2), result.EndOffset)

	// an epoch between cached entries resolves to the older epoch's end
	result, ok = l.EndOffsetForEpoch(2)
	require.True(t, ok)
	assert.Equal(t, int32(1), result.LeaderEpoch)
	assert.Equal(t, int64(2), result.EndOffset)

	result, ok = l.EndOffsetForEpoch(3)
	require.True(t, ok)
	assert.Equal(t, int64(3), result.EndOffset)

	_, ok = l.EndOffsetForEpoch(0)
	assert.False(t, ok)
}

func TestOffsetForTimestamp(t *testing.T) {
	l := openTestLog(t)

	records := []Record{
		{Timestamp: 100, Value: []byte("a")},
		{Timestamp: 200, Value: []byte("b")},
		{Timestamp: 300, Value: []byte("c")},
	}
	b, err := NewBatch(compression.None, records)
	require.NoError(t, err)
	_, err = l.Append(0, []Batch{b})
	require.NoError(t, err)

	found, ok, err := l.OffsetForTimestamp(150)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), found.Offset)
	assert.Equal(t, int64(200), found.Timestamp)

	_, ok, err = l.OffsetForTimestamp(400)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecoveryAfterReopen(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(testTP, Config{DataDir: dir})
	require.NoError(t, err)
	_, err = l.Append(2, []Batch{batchOf(t, "a", "b"), batchOf(t, "c")})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := Open(testTP, Config{DataDir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, int64(3), reopened.LogEndOffset())
	assert.Equal(t, int64(0), reopened.LogStartOffset())
	assert.Equal(t, int32(2), reopened.LatestEpoch())

	info, err := reopened.Read(0, 1<<20, 3, true)
	require.NoError(t, err)
	require.Len(t, info.Batches, 2)
	records, err := info.Batches[0].Records()
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), records[0].Value)
}

func TestSizeBetween(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Append(0, []Batch{batchOf(t, "a"), batchOf(t, "b"), batchOf(t, "c")})
	require.NoError(t, err)

	assert.Equal(t, int64(0), l.SizeBetween(1, 1))
	assert.Equal(t, l.SizeBytes(), l.SizeBetween(0, 3))
	assert.Greater(t, l.SizeBetween(0, 2), l.SizeBetween(0, 1))
}

func TestCompressedBatchRoundTrip(t *testing.T) {
	for _, codec := range []compression.Codec{
		compression.GZIP, compression.Snappy, compression.LZ4, compression.ZSTD,
	} {
		t.Run(codec.String(), func(t *testing.T) {
			l, err := Open(testTP, Config{DataDir: t.TempDir(), Codec: codec})
			require.NoError(t, err)
			defer l.Close()

			records := []Record{{Timestamp: 1, Key: []byte("key"), Value: []byte("payload payload payload")}}
			b, err := NewBatch(codec, records)
			require.NoError(t, err)

			_, err = l.Append(0, []Batch{b})
			require.NoError(t, err)

			info, err := l.Read(0, 1<<20, 1, true)
			require.NoError(t, err)
			require.Len(t, info.Batches, 1)
			got, err := info.Batches[0].Records()
			require.NoError(t, err)
			assert.Equal(t, []byte("payload payload payload"), got[0].Value)
		})
	}
}
