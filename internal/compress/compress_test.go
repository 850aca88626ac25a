package compress_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"redish/internal/compress"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, kind := range []compress.Kind{compress.KindNone, compress.KindLZ4, compress.KindZstd, compress.KindSnappy} {
		t.Run(kind.String(), func(t *testing.T) {
			c, err := compress.New(kind, 0)
			require.NoError(t, err)

			payload := []byte("the quick brown fox jumps over the lazy dog, repeated: the quick brown fox jumps over the lazy dog")
			encoded := compress.Encode(c, payload)
			decoded, err := compress.Decode(encoded)
			require.NoError(t, err)
			require.Equal(t, payload, decoded)
		})
	}
}

func TestDecodeRecognizesTagRegardlessOfDefault(t *testing.T) {
	lz4c, err := compress.New(compress.KindLZ4, 0)
	require.NoError(t, err)

	payload := []byte("tag-driven decode path")
	encoded := compress.Encode(lz4c, payload)

	// A reader configured for a different default must still decode it,
	// since Decode dispatches purely on the leading tag byte.
	decoded, err := compress.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, payload, decoded)
}

func TestNewUnknownKindFails(t *testing.T) {
	_, err := compress.New(compress.Kind(99), 0)
	require.Error(t, err)
}

func TestDecodeEmptyBlockFails(t *testing.T) {
	_, err := compress.Decode(nil)
	require.Error(t, err)
}
