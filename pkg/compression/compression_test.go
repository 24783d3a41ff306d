// Copyright 2025 Loghive Data, Inc.

package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("loghive replication payload "), 64)

	for _, codec := range []Codec{None, GZIP, Snappy, LZ4, ZSTD} {
		t.Run(codec.String(), func(t *testing.T) {
			compressed, err := Compress(codec, payload)
			require.NoError(t, err)

			if codec != None {
				assert.Less(t, len(compressed), len(payload))
			}

			decompressed, err := Decompress(codec, compressed)
			require.NoError(t, err)
			assert.Equal(t, payload, decompressed)
		})
	}
}

func TestParseCodec(t *testing.T) {
	tests := []struct {
		in   string
		want Codec
		ok   bool
	}{
		{"", None, true},
		{"none", None, true},
		{"GZIP", GZIP, true},
		{"snappy", Snappy, true},
		{"lz4", LZ4, true},
		{"zstd", ZSTD, true},
		{"brotli", None, false},
	}

	for _, tc := range tests {
		got, err := ParseCodec(tc.in)
		if !tc.ok {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestUnknownCodecRejected(t *testing.T) {
	_, err := Compress(Codec(42), []byte("x"))
	assert.Error(t, err)

	_, err = Decompress(Codec(42), []byte("x"))
	assert.Error(t, err)
}
