// Copyright 2025 Loghive Data, Inc.

package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the compression applied to a record batch payload
type Codec int8

const (
	None   Codec = 0
	GZIP   Codec = 1
	Snappy Codec = 2
	LZ4    Codec = 3
	ZSTD   Codec = 4
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case GZIP:
		return "gzip"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	case ZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", int8(c))
	}
}

// ParseCodec maps a configuration string to a Codec
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return None, nil
	case "gzip":
		return GZIP, nil
	case "snappy":
		return Snappy, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return ZSTD, nil
	default:
		return None, fmt.Errorf("unsupported compression codec: %q", name)
	}
}

// Compress compresses data with the given codec
func Compress(c Codec, data []byte) ([]byte, error) {
	switch c {
	case None:
		return data, nil
	case GZIP:
		return compressGZIP(data)
	case Snappy:
		return snappy.Encode(nil, data), nil
	case LZ4:
		return compressLZ4(data)
	case ZSTD:
		return compressZSTD(data)
	default:
		return nil, fmt.Errorf("unsupported compression codec: %d", c)
	}
}

// Decompress reverses Compress for the given codec
func Decompress(c Codec, data []byte) ([]byte, error) {
	switch c {
	case None:
		return data, nil
	case GZIP:
		return decompressGZIP(data)
	case Snappy:
		return snappy.Decode(nil, data)
	case LZ4:
		return decompressLZ4(data)
	case ZSTD:
		return decompressZSTD(data)
	default:
		return nil, fmt.Errorf("unsupported compression codec: %d", c)
	}
}

func compressGZIP(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressGZIP(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressLZ4(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("lz4 read: %w", err)
	}
	return out, nil
}

func compressZSTD(data []byte) ([]byte, error) {
	w, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	defer w.Close()
	return w.EncodeAll(data, nil), nil
}

func decompressZSTD(data []byte) ([]byte, error) {
	r, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer r.Close()
	return r.DecodeAll(data, nil)
}
