// Copyright 2025 Loghive Data, Inc.

package log

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/loghive-data/loghive/pkg/compression"
)

// Record is a single key/value entry in a partition log
type Record struct {
	Offset    int64
	Timestamp int64
	Key       []byte
	Value     []byte
}

// Batch is the unit of replication and storage: a group of records sharing a
// leader epoch and a compression codec. Record offsets are stored as deltas
// against BaseOffset, so reassigning the base on leader append does not
// require re-encoding the payload.
type Batch struct {
	BaseOffset   int64
	LastOffset   int64 // inclusive
	LeaderEpoch  int32
	MaxTimestamp int64
	Codec        compression.Codec

	payload []byte // compressed record encoding
}

const batchHeaderLen = 4 + 8 + 8 + 4 + 1 + 8 + 4

// NewBatch encodes records into a batch. Offsets are assigned relative to the
// given records' order; the base offset is fixed later by the leader append.
func NewBatch(codec compression.Codec, records []Record) (Batch, error) {
	if len(records) == 0 {
		return Batch{}, fmt.Errorf("empty record set")
	}

	var maxTs int64
	size := 0
	for _, r := range records {
		size += 4 + 8 + 4 + len(r.Key) + 4 + len(r.Value)
		if r.Timestamp > maxTs {
			maxTs = r.Timestamp
		}
	}

	buf := make([]byte, 0, size)
	scratch := make([]byte, 8)
	for i, r := range records {
		binary.BigEndian.PutUint32(scratch[:4], uint32(i))
		buf = append(buf, scratch[:4]...)
		binary.BigEndian.PutUint64(scratch, uint64(r.Timestamp))
		buf = append(buf, scratch...)
		binary.BigEndian.PutUint32(scratch[:4], uint32(len(r.Key)))
		buf = append(buf, scratch[:4]...)
		buf = append(buf, r.Key...)
		binary.BigEndian.PutUint32(scratch[:4], uint32(len(r.Value)))
		buf = append(buf, scratch[:4]...)
		buf = append(buf, r.Value...)
	}

	payload, err := compression.Compress(codec, buf)
	if err != nil {
		return Batch{}, fmt.Errorf("compress batch: %w", err)
	}

	return Batch{
		BaseOffset:   0,
		LastOffset:   int64(len(records)) - 1,
		MaxTimestamp: maxTs,
		Codec:        codec,
		payload:      payload,
	}, nil
}

// NumRecords returns the record count implied by the offset span
func (b *Batch) NumRecords() int {
	return int(b.LastOffset - b.BaseOffset + 1)
}

// SizeBytes returns the on-disk size of the batch including its header
func (b *Batch) SizeBytes() int32 {
	return int32(batchHeaderLen + len(b.payload))
}

// Records decodes the batch payload into records with absolute offsets
func (b *Batch) Records() ([]Record, error) {
	raw, err := compression.Decompress(b.Codec, b.payload)
	if err != nil {
		return nil, fmt.Errorf("decompress batch: %w", err)
	}

	records := make([]Record, 0, b.NumRecords())
	pos := 0
	for pos < len(raw) {
		if len(raw)-pos < 16 {
			return nil, fmt.Errorf("truncated record at %d", pos)
		}
		delta := int64(binary.BigEndian.Uint32(raw[pos:]))
		ts := int64(binary.BigEndian.Uint64(raw[pos+4:]))
		keyLen := int(binary.BigEndian.Uint32(raw[pos+12:]))
		pos += 16
		if len(raw)-pos < keyLen+4 {
			return nil, fmt.Errorf("truncated record key at %d", pos)
		}
		key := raw[pos : pos+keyLen : pos+keyLen]
		pos += keyLen
		valueLen := int(binary.BigEndian.Uint32(raw[pos:]))
		pos += 4
		if len(raw)-pos < valueLen {
			return nil, fmt.Errorf("truncated record value at %d", pos)
		}
		value := raw[pos : pos+valueLen : pos+valueLen]
		pos += valueLen

		records = append(records, Record{
			Offset:    b.BaseOffset + delta,
			Timestamp: ts,
			Key:       key,
			Value:     value,
		})
	}
	return records, nil
}

func encodeBatch(b *Batch) []byte {
	buf := make([]byte, batchHeaderLen, batchHeaderLen+len(b.payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(batchHeaderLen-4+len(b.payload)))
	binary.BigEndian.PutUint64(buf[4:12], uint64(b.BaseOffset))
	binary.BigEndian.PutUint64(buf[12:20], uint64(b.LastOffset))
	binary.BigEndian.PutUint32(buf[20:24], uint32(b.LeaderEpoch))
	buf[24] = byte(b.Codec)
	binary.BigEndian.PutUint64(buf[25:33], uint64(b.MaxTimestamp))
	binary.BigEndian.PutUint32(buf[33:37], uint32(len(b.payload)))
	return append(buf, b.payload...)
}

func decodeBatch(r io.Reader) (Batch, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return Batch{}, err
	}
	if int(size) < batchHeaderLen-4 {
		return Batch{}, fmt.Errorf("batch frame too small: %d", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		// a frame cut short is a torn tail, reported as io.ErrUnexpectedEOF
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Batch{}, err
	}

	b := Batch{
		BaseOffset:   int64(binary.BigEndian.Uint64(data[0:8])),
		LastOffset:   int64(binary.BigEndian.Uint64(data[8:16])),
		LeaderEpoch:  int32(binary.BigEndian.Uint32(data[16:20])),
		Codec:        compression.Codec(data[20]),
		MaxTimestamp: int64(binary.BigEndian.Uint64(data[21:29])),
	}
	payloadLen := int(binary.BigEndian.Uint32(data[29:33]))
	if payloadLen != len(data)-33 {
		return Batch{}, fmt.Errorf("batch payload length mismatch: header %d, frame %d",
			payloadLen, len(data)-33)
	}
	b.payload = data[33:]
	return b, nil
}
