package memtable_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"redish/internal/memtable"
	"redish/internal/record"
)

func TestUpsertAndGet(t *testing.T) {
	mt := memtable.New(100, 4)
	mt.Upsert(record.Record{Key: []byte("a"), Value: []byte("1"), Sequence: 1})

	rec, ok := mt.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), rec.Value)

	_, ok = mt.Get([]byte("missing"))
	require.False(t, ok)
}

func TestFreezeAtCapacityPublishesImmutable(t *testing.T) {
	mt := memtable.New(2, 4)
	mt.Upsert(record.Record{Key: []byte("a"), Sequence: 1})
	mt.Upsert(record.Record{Key: []byte("b"), Sequence: 2})
	// A third insert must trigger a freeze before it lands in the fresh
	// active table.
	mt.Upsert(record.Record{Key: []byte("c"), Sequence: 3})

	im := <-mt.FlushChan()
	require.Equal(t, 2, im.Len())

	_, ok := mt.Get([]byte("c"))
	require.True(t, ok)
}

func TestExplicitFreezeReturnsNilWhenEmpty(t *testing.T) {
	mt := memtable.New(10, 4)
	require.Nil(t, mt.Freeze())
}

func TestReleaseFlushedClearsPending(t *testing.T) {
	mt := memtable.New(1, 4)
	mt.Upsert(record.Record{Key: []byte("a"), Sequence: 1})
	mt.Upsert(record.Record{Key: []byte("b"), Sequence: 2})

	im := <-mt.FlushChan()
	require.True(t, mt.PendingImmutable(im))

	mt.ReleaseFlushed(im)
	require.False(t, mt.PendingImmutable(im))
}
