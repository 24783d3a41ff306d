// Copyright 2025 Loghive Data, Inc.

package log

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loghive-data/loghive/pkg/compression"
	"github.com/loghive-data/loghive/pkg/kafka/protocol"
)

// AppendInfo summarises a successful append
type AppendInfo struct {
	FirstOffset    int64
	LastOffset     int64
	LogAppendTime  int64
	NumMessages    int
	LogStartOffset int64
}

// FetchDataInfo is the result of reading a log slice
type FetchDataInfo struct {
	FetchOffset          int64
	Batches              []Batch
	FirstEntryIncomplete bool
}

type batchEntry struct {
	baseOffset   int64
	lastOffset   int64
	position     int64
	size         int64
	maxTimestamp int64
	leaderEpoch  int32
}

type epochEntry struct {
	epoch       int32
	startOffset int64
}

// Log is a per-partition append-only log: batches in a single data file with
// an in-memory index rebuilt by scanning on open.
type Log struct {
	tp      protocol.TopicPartition
	dataDir string
	path    string
	file    *os.File

	mu            sync.RWMutex
	index         []batchEntry
	epochCache    []epochEntry
	startOffset   int64
	nextOffset    int64
	highWatermark int64

	codec         compression.Codec
	maxBatchBytes int32
	closed        bool
}

// Config defines configuration for opening a partition log
type Config struct {
	DataDir       string
	Codec         compression.Codec
	MaxBatchBytes int32
}

const dataFileName = "00000000000000000000.log"

// Open opens (or creates) the log for a partition under dataDir
func Open(tp protocol.TopicPartition, cfg Config) (*Log, error) {
	return openPath(tp, filepath.Join(cfg.DataDir, tp.String()), cfg)
}

// openPath opens a log in an explicit partition directory. Future replica
// logs live under a prefixed directory until promotion.
func openPath(tp protocol.TopicPartition, path string, cfg Config) (*Log, error) {
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = 1048576
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create partition directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(path, dataFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}

	l := &Log{
		tp:            tp,
		dataDir:       cfg.DataDir,
		path:          path,
		file:          file,
		codec:         cfg.Codec,
		maxBatchBytes: cfg.MaxBatchBytes,
	}

	if err := l.recover(); err != nil {
		file.Close()
		return nil, fmt.Errorf("recover log: %w", err)
	}

	return l, nil
}

// recover rebuilds the in-memory index by scanning the data file
func (l *Log) recover() error {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	pos := int64(0)
	for {
		b, err := decodeBatch(l.file)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// a torn tail write is discarded
			if err == io.ErrUnexpectedEOF {
				if terr := l.file.Truncate(pos); terr != nil {
					return fmt.Errorf("truncate torn tail: %w", terr)
				}
			}
			break
		}
		if err != nil {
			return fmt.Errorf("scan batch at %d: %w", pos, err)
		}

		size := int64(b.SizeBytes())
		l.index = append(l.index, batchEntry{
			baseOffset:   b.BaseOffset,
			lastOffset:   b.LastOffset,
			position:     pos,
			size:         size,
			maxTimestamp: b.MaxTimestamp,
			leaderEpoch:  b.LeaderEpoch,
		})
		l.maybeAssignEpochStart(b.LeaderEpoch, b.BaseOffset)
		pos += size
	}

	if len(l.index) > 0 {
		l.startOffset = l.index[0].baseOffset
		l.nextOffset = l.index[len(l.index)-1].lastOffset + 1
	}
	l.highWatermark = l.startOffset
	return nil
}

// TopicPartition returns the partition identity this log stores
func (l *Log) TopicPartition() protocol.TopicPartition { return l.tp }

// DataDir returns the log directory root this log lives in
func (l *Log) DataDir() string { return l.dataDir }

// Path returns the partition directory
func (l *Log) Path() string { return l.path }

// Append assigns offsets to the batches, stamps the leader epoch, and writes
// them. Used on the leader path.
func (l *Log) Append(leaderEpoch int32, batches []Batch) (AppendInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return AppendInfo{}, fmt.Errorf("log %s is closed", l.tp)
	}
	if len(batches) == 0 {
		return AppendInfo{}, fmt.Errorf("empty append")
	}

	first := l.nextOffset
	numMessages := 0
	now := time.Now().UnixMilli()

	for i := range batches {
		b := &batches[i]
		if b.SizeBytes() > l.maxBatchBytes {
			return AppendInfo{}, protocol.NewError(protocol.MessageTooLarge,
				"batch of %d bytes exceeds max %d", b.SizeBytes(), l.maxBatchBytes)
		}
		count := b.NumRecords()
		b.BaseOffset = l.nextOffset
		b.LastOffset = b.BaseOffset + int64(count) - 1
		b.LeaderEpoch = leaderEpoch
		if err := l.writeBatch(b); err != nil {
			return AppendInfo{}, err
		}
		numMessages += count
	}

	return AppendInfo{
		FirstOffset:    first,
		LastOffset:     l.nextOffset - 1,
		LogAppendTime:  now,
		NumMessages:    numMessages,
		LogStartOffset: l.startOffset,
	}, nil
}

// AppendAsFollower writes batches preserving the offsets and epochs assigned
// by the leader. Batches must be contiguous with the local log end.
func (l *Log) AppendAsFollower(batches []Batch) (AppendInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return AppendInfo{}, fmt.Errorf("log %s is closed", l.tp)
	}
	if len(batches) == 0 {
		return AppendInfo{}, fmt.Errorf("empty append")
	}

	first := batches[0].BaseOffset
	if len(l.index) == 0 {
		// empty log adopts the leader's base
		l.startOffset = first
		l.nextOffset = first
		if l.highWatermark < first {
			l.highWatermark = first
		}
	} else if first != l.nextOffset {
		return AppendInfo{}, fmt.Errorf(
			"non-contiguous follower append at %d, log end is %d", first, l.nextOffset)
	}

	numMessages := 0
	for i := range batches {
		b := batches[i]
		if err := l.writeBatch(&b); err != nil {
			return AppendInfo{}, err
		}
		numMessages += b.NumRecords()
	}

	return AppendInfo{
		FirstOffset:    first,
		LastOffset:     l.nextOffset - 1,
		LogAppendTime:  time.Now().UnixMilli(),
		NumMessages:    numMessages,
		LogStartOffset: l.startOffset,
	}, nil
}

// writeBatch appends one batch at the current end. Caller holds the lock and
// has already fixed the batch offsets.
func (l *Log) writeBatch(b *Batch) error {
	pos := int64(0)
	if n := len(l.index); n > 0 {
		last := l.index[n-1]
		pos = last.position + last.size
	}

	data := encodeBatch(b)
	if _, err := l.file.WriteAt(data, pos); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}

	l.index = append(l.index, batchEntry{
		baseOffset:   b.BaseOffset,
		lastOffset:   b.LastOffset,
		position:     pos,
		size:         int64(len(data)),
		maxTimestamp: b.MaxTimestamp,
		leaderEpoch:  b.LeaderEpoch,
	})
	l.maybeAssignEpochStart(b.LeaderEpoch, b.BaseOffset)
	l.nextOffset = b.LastOffset + 1
	return nil
}

func (l *Log) maybeAssignEpochStart(epoch int32, startOffset int64) {
	if n := len(l.epochCache); n == 0 || l.epochCache[n-1].epoch < epoch {
		l.epochCache = append(l.epochCache, epochEntry{epoch: epoch, startOffset: startOffset})
	}
}

// Read returns batches from fetchOffset up to upperBound, bounded by
// maxBytes. With minOneMessage the first batch is returned even when it
// exceeds maxBytes.
func (l *Log) Read(fetchOffset int64, maxBytes int32, upperBound int64, minOneMessage bool) (FetchDataInfo, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return FetchDataInfo{}, fmt.Errorf("log %s is closed", l.tp)
	}
	if fetchOffset < l.startOffset || fetchOffset > l.nextOffset {
		return FetchDataInfo{}, protocol.NewError(protocol.OffsetOutOfRange,
			"offset %d is outside the range [%d, %d] of partition %s",
			fetchOffset, l.startOffset, l.nextOffset, l.tp)
	}

	info := FetchDataInfo{FetchOffset: fetchOffset}
	if fetchOffset == l.nextOffset || fetchOffset >= upperBound {
		return info, nil
	}

	i := l.searchIndex(fetchOffset)
	var accumulated int32
	for ; i < len(l.index); i++ {
		entry := l.index[i]
		if entry.baseOffset >= upperBound {
			break
		}
		if accumulated > 0 && accumulated+int32(entry.size) > maxBytes {
			break
		}
		if accumulated == 0 && int32(entry.size) > maxBytes && !minOneMessage {
			info.FirstEntryIncomplete = true
			break
		}

		b, err := l.readBatchAt(entry)
		if err != nil {
			return FetchDataInfo{}, err
		}
		info.Batches = append(info.Batches, b)
		accumulated += int32(entry.size)
	}
	return info, nil
}

// searchIndex returns the index of the first batch containing or following
// the target offset
func (l *Log) searchIndex(offset int64) int {
	lo, hi := 0, len(l.index)
	for lo < hi {
		mid := (lo + hi) / 2
		if l.index[mid].lastOffset < offset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (l *Log) readBatchAt(entry batchEntry) (Batch, error) {
	data := make([]byte, entry.size)
	if _, err := l.file.ReadAt(data, entry.position); err != nil {
		return Batch{}, fmt.Errorf("read batch at %d: %w", entry.position, err)
	}
	b, err := decodeBatch(bytes.NewReader(data))
	if err != nil {
		return Batch{}, fmt.Errorf("decode batch at %d: %w", entry.position, err)
	}
	return b, nil
}

// SizeBetween estimates the stored bytes between two offsets at batch
// granularity. Used by delayed fetch completion checks.
func (l *Log) SizeBetween(from, to int64) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if to <= from || len(l.index) == 0 {
		return 0
	}
	endPos := func(i int) int64 {
		if i < len(l.index) {
			return l.index[i].position
		}
		last := l.index[len(l.index)-1]
		return last.position + last.size
	}
	return endPos(l.searchIndex(to)) - endPos(l.searchIndex(from))
}

// LogStartOffset returns the first readable offset
func (l *Log) LogStartOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.startOffset
}

// LogEndOffset returns the next offset to be written
func (l *Log) LogEndOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextOffset
}

// HighWatermark returns the committed offset bound
func (l *Log) HighWatermark() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.highWatermark
}

// SetHighWatermark moves the high watermark, clamped to the log range
func (l *Log) SetHighWatermark(hw int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hw < l.startOffset {
		hw = l.startOffset
	}
	if hw > l.nextOffset {
		hw = l.nextOffset
	}
	l.highWatermark = hw
	return hw
}

// LastStableOffset returns the bound applied to read-committed consumers.
// Without open transactions it coincides with the high watermark.
func (l *Log) LastStableOffset() int64 {
	return l.HighWatermark()
}

// AssignEpochStart records the start offset of a new leader epoch in the
// epoch cache. Older or duplicate epochs are ignored.
func (l *Log) AssignEpochStart(epoch int32, startOffset int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeAssignEpochStart(epoch, startOffset)
}

// LatestEpoch returns the newest leader epoch recorded in the log, or -1
func (l *Log) LatestEpoch() int32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n := len(l.epochCache); n > 0 {
		return l.epochCache[n-1].epoch
	}
	return -1
}

// EndOffsetForEpoch resolves the end offset of the largest cached epoch not
// larger than the requested one: the start offset of the next epoch, or the
// log end for the latest epoch. Returns false when the epoch predates the log.
func (l *Log) EndOffsetForEpoch(epoch int32) (protocol.EpochEndOffset, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.epochCache) == 0 || epoch < l.epochCache[0].epoch {
		return protocol.UnknownEpochOffset, false
	}

	for i := len(l.epochCache) - 1; i >= 0; i-- {
		if l.epochCache[i].epoch <= epoch {
			end := l.nextOffset
			if i+1 < len(l.epochCache) {
				end = l.epochCache[i+1].startOffset
			}
			return protocol.EpochEndOffset{
				LeaderEpoch: l.epochCache[i].epoch,
				EndOffset:   end,
			}, true
		}
	}
	return protocol.UnknownEpochOffset, false
}

// OffsetForTimestamp returns the first offset whose timestamp is >= target,
// or false when no such record exists
func (l *Log) OffsetForTimestamp(timestamp int64) (protocol.TimestampOffset, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, entry := range l.index {
		if entry.maxTimestamp < timestamp {
			continue
		}
		b, err := l.readBatchAt(entry)
		if err != nil {
			return protocol.TimestampOffset{}, false, err
		}
		records, err := b.Records()
		if err != nil {
			return protocol.TimestampOffset{}, false, err
		}
		for _, r := range records {
			if r.Timestamp >= timestamp && r.Offset >= l.startOffset {
				return protocol.TimestampOffset{Timestamp: r.Timestamp, Offset: r.Offset}, true, nil
			}
		}
	}
	return protocol.TimestampOffset{}, false, nil
}

// TruncateTo discards the suffix of the log from offset on. Truncation is at
// batch granularity: a batch straddling the offset is discarded whole.
func (l *Log) TruncateTo(offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("log %s is closed", l.tp)
	}
	if offset >= l.nextOffset {
		return nil
	}

	keep := 0
	for keep < len(l.index) && l.index[keep].lastOffset < offset {
		keep++
	}

	pos := int64(0)
	newEnd := l.startOffset
	if keep > 0 {
		last := l.index[keep-1]
		pos = last.position + last.size
		newEnd = last.lastOffset + 1
	}

	if err := l.file.Truncate(pos); err != nil {
		return fmt.Errorf("truncate data file: %w", err)
	}

	l.index = l.index[:keep]
	l.nextOffset = newEnd
	if l.highWatermark > newEnd {
		l.highWatermark = newEnd
	}
	for len(l.epochCache) > 0 && l.epochCache[len(l.epochCache)-1].startOffset >= newEnd {
		l.epochCache = l.epochCache[:len(l.epochCache)-1]
	}
	return nil
}

// TruncateFullyAndStartAt discards the whole log and restarts it at the
// given offset. Used when a follower has diverged beyond repair and must
// refetch from the leader's log start.
func (l *Log) TruncateFullyAndStartAt(offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("log %s is closed", l.tp)
	}
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate data file: %w", err)
	}
	l.index = nil
	l.epochCache = nil
	l.startOffset = offset
	l.nextOffset = offset
	l.highWatermark = offset
	return nil
}

// DeleteRecordsBefore advances the log start offset. Data remains on disk
// until segment retention reclaims it; reads below the new start are rejected.
func (l *Log) DeleteRecordsBefore(offset int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if offset > l.nextOffset {
		return 0, protocol.NewError(protocol.OffsetOutOfRange,
			"cannot delete records of %s before %d, log end is %d", l.tp, offset, l.nextOffset)
	}
	if offset > l.startOffset {
		l.startOffset = offset
		if l.highWatermark < offset {
			l.highWatermark = offset
		}
	}
	return l.startOffset, nil
}

// SizeBytes returns the byte size of the stored batches
func (l *Log) SizeBytes() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var size int64
	for _, e := range l.index {
		size += e.size
	}
	return size
}

// Flush forces the data file to stable storage
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	return l.file.Sync()
}

// Close releases the data file
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
