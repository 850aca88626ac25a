package redish_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"redish"
)

func TestPutGetDelete(t *testing.T) {
	db, err := redish.Load(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	v, ok, err := db.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, db.Delete([]byte("a")))
	_, ok, err = db.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOverwriteKeepsLatestValue(t *testing.T) {
	db, err := redish.Load(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("k"), []byte("v1")))
	require.NoError(t, db.Put([]byte("k"), []byte("v2")))

	v, ok, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

func TestTTLExpiry(t *testing.T) {
	db, err := redish.Load(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.PutWithTTL([]byte("k"), []byte("v"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, ok, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFlushThenGetReadsFromSSTable(t *testing.T) {
	db, err := redish.Load(t.TempDir(), redish.WithMemTableMaxSize(4))
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, db.Put([]byte{byte(i)}, []byte("payload")))
	}
	require.NoError(t, db.Flush())

	stats := db.Stats()
	require.GreaterOrEqual(t, stats.SSTableCount, 1)

	v, ok, err := db.Get([]byte{0})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), v)
}

func TestReopenSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	db, err := redish.Load(dir)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("durable"), []byte("yes")))
	require.NoError(t, db.Close())

	db2, err := redish.Load(dir)
	require.NoError(t, err)
	defer db2.Close()

	v, ok, err := db2.Get([]byte("durable"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("yes"), v)
}

func TestReopenAfterFlushReadsFlushedAndUnflushedKeys(t *testing.T) {
	dir := t.TempDir()

	db, err := redish.Load(dir, redish.WithMemTableMaxSize(2))
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("b"), []byte("2")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Put([]byte("c"), []byte("3")))
	require.NoError(t, db.Close())

	db2, err := redish.Load(dir, redish.WithMemTableMaxSize(2))
	require.NoError(t, err)
	defer db2.Close()

	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		v, ok, err := db2.Get([]byte(kv[0]))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, kv[1], string(v))
	}
}

func TestTransactionCommitIsAtomic(t *testing.T) {
	db, err := redish.Load(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	txID, err := db.BeginTransaction()
	require.NoError(t, err)

	require.NoError(t, db.PutTx(txID, []byte("x"), []byte("1")))
	require.NoError(t, db.PutTx(txID, []byte("y"), []byte("2")))

	// Uncommitted writes are invisible to direct reads.
	_, ok, err := db.Get([]byte("x"))
	require.NoError(t, err)
	require.False(t, ok)

	// But visible within the transaction's own overlay.
	v, ok, err := db.GetTx(txID, []byte("x"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, db.CommitTransaction(txID))

	v, ok, err = db.Get([]byte("x"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
}

func TestTransactionConflictAborts(t *testing.T) {
	db, err := redish.Load(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("k"), []byte("orig")))

	txID, err := db.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, db.PutTx(txID, []byte("k"), []byte("from-tx")))

	// A write lands after the snapshot and before commit: the
	// transaction must abort rather than clobber it.
	require.NoError(t, db.Put([]byte("k"), []byte("concurrent")))

	err = db.CommitTransaction(txID)
	require.Error(t, err)
	require.True(t, errors.Is(err, redish.ErrTxConflict))

	v, ok, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("concurrent"), v)
}

func TestTransactionRollbackDiscardsWrites(t *testing.T) {
	db, err := redish.Load(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	txID, err := db.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, db.PutTx(txID, []byte("k"), []byte("v")))
	require.NoError(t, db.RollbackTransaction(txID))

	_, ok, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)

	err = db.CommitTransaction(txID)
	require.True(t, errors.Is(err, redish.ErrTxUnknown))
}

func TestOversizedKeyRejected(t *testing.T) {
	db, err := redish.Load(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	big := make([]byte, 70*1024)
	err = db.Put(big, []byte("v"))
	require.True(t, errors.Is(err, redish.ErrSizeViolation))
}

func TestEmptyKeyRejected(t *testing.T) {
	db, err := redish.Load(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	err = db.Put(nil, []byte("v"))
	require.True(t, errors.Is(err, redish.ErrSizeViolation))
}

func TestOperationsAfterCloseFail(t *testing.T) {
	db, err := redish.Load(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	err = db.Put([]byte("k"), []byte("v"))
	require.True(t, errors.Is(err, redish.ErrClosed))

	// Close is idempotent.
	require.NoError(t, db.Close())
}

func TestCompressedStoreRoundTrips(t *testing.T) {
	db, err := redish.Load(t.TempDir(),
		redish.WithCompressor("lz4", 0),
		redish.WithMemTableMaxSize(3),
	)
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 6; i++ {
		require.NoError(t, db.Put([]byte{byte('a' + i)}, []byte("value-for-compressed-block")))
	}
	require.NoError(t, db.Flush())

	for i := 0; i < 6; i++ {
		v, ok, err := db.Get([]byte{byte('a' + i)})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("value-for-compressed-block"), v)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	db, err := redish.Load(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Delete([]byte("never-written")))
	require.NoError(t, db.Delete([]byte("never-written")))
}
