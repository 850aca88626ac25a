package bloom_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"redish/internal/bloom"
)

func TestNoFalseNegatives(t *testing.T) {
	f := bloom.New(1000, 0.01)
	keys := make([][]byte, 0, 1000)
	for i := 0; i < 1000; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		f.Add(k)
		keys = append(keys, k)
	}
	for _, k := range keys {
		require.True(t, f.MayContain(k))
	}
}

func TestAbsentKeyMostlyRejected(t *testing.T) {
	f := bloom.New(1000, 0.01)
	for i := 0; i < 1000; i++ {
		f.Add([]byte(fmt.Sprintf("present-%d", i)))
	}

	falsePositives := 0
	for i := 0; i < 1000; i++ {
		if f.MayContain([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	require.Less(t, falsePositives, 50)
}

func TestMarshalRoundTrip(t *testing.T) {
	f := bloom.New(100, 0.01)
	f.Add([]byte("a"))
	f.Add([]byte("b"))

	data := f.MarshalBinary()
	require.Equal(t, f.Size(), len(data))

	f2, err := bloom.UnmarshalBinary(data)
	require.NoError(t, err)
	require.True(t, f2.MayContain([]byte("a")))
	require.True(t, f2.MayContain([]byte("b")))
}

func TestUnmarshalTruncatedFails(t *testing.T) {
	_, err := bloom.UnmarshalBinary([]byte{1, 2, 3})
	require.Error(t, err)
}
