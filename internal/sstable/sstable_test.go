package sstable_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"redish/internal/compress"
	"redish/internal/record"
	"redish/internal/sstable"
)

func writeTable(t *testing.T, dir string, gen uint64, recs []record.Record) string {
	t.Helper()
	comp, err := compress.New(compress.KindLZ4, 0)
	require.NoError(t, err)

	w, err := sstable.NewWriter(dir, gen, comp, len(recs), 0.01)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Add(r))
	}
	n, err := w.Finish()
	require.NoError(t, err)
	require.EqualValues(t, len(recs), n)
	return w.Path()
}

func TestWriteAndGet(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	recs := []record.Record{
		{Key: []byte("a"), Value: []byte("1"), CreatedAt: now, Sequence: 1},
		{Key: []byte("b"), Value: []byte("2"), CreatedAt: now, Sequence: 2},
		{Key: []byte("c"), Tombstone: true, CreatedAt: now, Sequence: 3},
	}
	path := writeTable(t, dir, 1, recs)

	r, err := sstable.Open(path, nil)
	require.NoError(t, err)
	defer r.Close()

	got, ok, err := r.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(got.Value))

	got, ok, err = r.Get([]byte("c"))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Tombstone)

	_, ok, err = r.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAddOutOfOrderPanics(t *testing.T) {
	dir := t.TempDir()
	comp, err := compress.New(compress.KindNone, 0)
	require.NoError(t, err)
	w, err := sstable.NewWriter(dir, 1, comp, 2, 0.01)
	require.NoError(t, err)

	require.NoError(t, w.Add(record.Record{Key: []byte("b"), CreatedAt: time.Now()}))
	require.Panics(t, func() {
		_ = w.Add(record.Record{Key: []byte("a"), CreatedAt: time.Now()})
	})
}

func TestAllRecordsSpansMultipleBlocks(t *testing.T) {
	dir := t.TempDir()
	comp, err := compress.New(compress.KindZstd, 0)
	require.NoError(t, err)
	w, err := sstable.NewWriter(dir, 1, comp, 300, 0.01)
	require.NoError(t, err)

	now := time.Now()
	for i := 0; i < 300; i++ {
		key := []byte{byte(i >> 8), byte(i)}
		require.NoError(t, w.Add(record.Record{Key: key, Value: []byte("v"), CreatedAt: now, Sequence: uint64(i)}))
	}
	_, err = w.Finish()
	require.NoError(t, err)

	r, err := sstable.Open(w.Path(), nil)
	require.NoError(t, err)
	defer r.Close()

	all, err := r.AllRecords()
	require.NoError(t, err)
	require.Len(t, all, 300)
}
