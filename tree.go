// Package redish is an embedded, single-process key-value store built
// on a log-structured merge tree: a write-ahead log for durability, an
// in-memory memtable, immutable on-disk SSTables with bloom filters and
// sparse indexes, background compaction, optional per-block
// compression, two read-through LRU caches, and optimistic
// transactions.
package redish

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"redish/internal/cache"
	"redish/internal/compaction"
	"redish/internal/compress"
	"redish/internal/config"
	"redish/internal/dberrors"
	"redish/internal/memtable"
	"redish/internal/record"
	"redish/internal/sstable"
	"redish/internal/txn"
	"redish/internal/wal"
	"redish/internal/worker"
)

const (
	maxKeySize   = 64 << 10
	maxValueSize = 16 << 20

	flushChanBuffer = 4
)

// Tree is the engine facade. It owns the memtable, the WAL handle, the
// SSTable registry, both caches, the compactor, and the transaction
// manager, and is safe for concurrent use.
type Tree struct {
	opts   config.Options
	walDir string
	sstDir string

	wal *wal.WAL
	mt  *memtable.Memtable

	seq        atomic.Uint64
	durableSeq atomic.Uint64
	nextGen    atomic.Uint64

	writeMu  sync.Mutex
	registry atomic.Pointer[[]*sstable.Reader]

	indexCache *cache.LRU[string, any]
	valueCache *cache.LRU[string, record.Record]

	compressor compress.Compressor
	inFlight   *compaction.InFlight
	txMgr      *txn.Manager

	flushListener *worker.Listener[*memtable.Immutable]
	compactTicker *worker.Ticker
	janitor       *worker.Ticker

	bgCancel context.CancelFunc
	closed   atomic.Bool
	closeMu  sync.Mutex

	logger *slog.Logger
}

// Load opens (or creates) the database rooted at path, applying any
// Options over the defaults, and replays its WAL before returning.
func Load(path string, opts ...Option) (*Tree, error) {
	o := config.Default(path)
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return load(o)
}

// LoadFromFile opens the database at dbPath using options read from a
// YAML config file.
func LoadFromFile(configPath, dbPath string) (*Tree, error) {
	o, err := config.LoadYAML(configPath, dbPath)
	if err != nil {
		return nil, err
	}
	return load(o)
}

func load(o config.Options) (*Tree, error) {
	walDir := filepath.Join(o.Path, "wal")
	sstDir := filepath.Join(o.Path, "sst")
	if err := os.MkdirAll(walDir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: creating wal dir: %v", dberrors.ErrIO, err)
	}
	if err := os.MkdirAll(sstDir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: creating sst dir: %v", dberrors.ErrIO, err)
	}
	if err := sstable.DiscardTempFiles(sstDir); err != nil {
		return nil, err
	}

	comp, err := compress.New(o.Compressor.ResolveKind(), o.Compressor.Level)
	if err != nil {
		return nil, err
	}

	t := &Tree{
		opts:       o,
		walDir:     walDir,
		sstDir:     sstDir,
		compressor: comp,
		inFlight:   compaction.NewInFlight(),
		txMgr:      txn.New(),
		logger:     slog.With("component", "redish", "db_id", uuid.NewString()),
	}
	t.registry.Store(&[]*sstable.Reader{})

	if o.IndexCache.Enabled {
		// Decoded index structures are opaque `any` values; bound by
		// entry count rather than estimating their byte footprint.
		t.indexCache = cache.New[string, any](o.IndexCache.MaxEntries, 0, nil)
	}
	if o.ValueCache.Enabled {
		t.valueCache = cache.New[string, record.Record](o.ValueCache.MaxEntries, o.ValueCache.MaxBytes, recordSize)
	}

	if err := t.openRegistry(); err != nil {
		return nil, err
	}

	t.mt = memtable.New(o.MemTableMaxSize, flushChanBuffer)

	if o.WALEnabled {
		w, err := wal.New(walDir, o.WALSegmentBytes)
		if err != nil {
			return nil, err
		}
		t.wal = w
	}

	if err := t.replay(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.bgCancel = cancel

	if t.wal != nil {
		t.wal.Start(ctx)
	}

	t.flushListener = worker.NewListener(t.mt.FlushChan(), t.flushImmutable)
	t.flushListener.Start(ctx)

	pollInterval := time.Duration(o.Compaction.MaxIntervalS) * time.Second / 4
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	jitter := time.Duration(o.Compaction.PollJitterMS) * time.Millisecond
	t.compactTicker = worker.NewTicker(pollInterval, jitter, t.maybeCompact)
	t.compactTicker.Start(ctx)

	if t.wal != nil {
		t.janitor = worker.NewTicker(pollInterval, jitter, t.runJanitor)
		t.janitor.Start(ctx)
	}

	t.logger.Info("opened", "path", o.Path, "sequence", t.seq.Load())
	return t, nil
}

func recordSize(r record.Record) int {
	return len(r.Key) + len(r.Value) + 64
}

// openRegistry scans sstDir for sealed tables and opens each one,
// newest generation first.
func (t *Tree) openRegistry() error {
	entries, err := os.ReadDir(t.sstDir)
	if err != nil {
		return fmt.Errorf("%w: reading sstable dir: %v", dberrors.ErrIO, err)
	}

	type found struct {
		gen  uint64
		path string
	}
	var files []found
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sst") {
			continue
		}
		gen, err := parseGeneration(e.Name())
		if err != nil {
			continue
		}
		files = append(files, found{gen: gen, path: filepath.Join(t.sstDir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].gen > files[j].gen })

	var readers []*sstable.Reader
	var maxGen uint64
	for _, f := range files {
		r, err := sstable.Open(f.path, t.indexCacheAdapter())
		if err != nil {
			// Corruption quarantines this table, not the whole engine.
			t.logger.Warn("quarantining unreadable sstable", "path", f.path, "error", err)
			continue
		}
		readers = append(readers, r)
		if f.gen > maxGen {
			maxGen = f.gen
		}
	}
	t.registry.Store(&readers)
	t.nextGen.Store(maxGen + 1)
	return nil
}

func (t *Tree) indexCacheAdapter() sstable.IndexCache {
	if t.indexCache == nil {
		return nil
	}
	return t.indexCache
}

func parseGeneration(name string) (uint64, error) {
	base := strings.TrimSuffix(name, ".sst")
	return strconv.ParseUint(base, 10, 64)
}

// replay rebuilds the memtable and sequence counter from the WAL.
// durableSeq only ever covers sequences that are durable in an SSTable:
// records recovered from the WAL tail land in the mutable memtable, not
// in any SSTable, so they must not raise the watermark the janitor
// trims WAL segments against (see runJanitor in compact.go) until they
// are actually flushed.
func (t *Tree) replay() error {
	var sstableMaxSeq uint64
	for _, r := range *t.registry.Load() {
		recs, err := r.AllRecords()
		if err != nil {
			continue
		}
		for _, rec := range recs {
			if rec.Sequence > sstableMaxSeq {
				sstableMaxSeq = rec.Sequence
			}
		}
	}

	maxSeq := sstableMaxSeq
	if t.wal != nil {
		if err := t.wal.Replay(func(e wal.Entry) error {
			switch e.Op {
			case wal.OpPut, wal.OpDelete:
				rec := wal.ToRecord(e)
				t.mt.Upsert(rec)
				if e.Sequence > maxSeq {
					maxSeq = e.Sequence
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}

	t.seq.Store(maxSeq)
	t.durableSeq.Store(sstableMaxSeq)
	return nil
}

// Put stores value under key, overwriting any prior value.
func (t *Tree) Put(key, value []byte) error {
	return t.put(key, value, 0)
}

// PutWithTTL stores value under key, logically expiring it once ttl
// elapses.
func (t *Tree) PutWithTTL(key, value []byte, ttl time.Duration) error {
	return t.put(key, value, ttl)
}

func (t *Tree) put(key, value []byte, ttl time.Duration) error {
	if t.closed.Load() {
		return fmt.Errorf("%w: put after close", dberrors.ErrClosed)
	}
	if err := validateSizes(key, value); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	rec := record.Record{
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		CreatedAt: time.Now(),
		TTL:       ttl,
		Sequence:  t.seq.Add(1),
	}
	if err := t.appendWAL(wal.OpPut, rec, 0); err != nil {
		return err
	}
	t.mt.Upsert(rec)
	if t.valueCache != nil {
		t.valueCache.Delete(string(key))
	}
	return nil
}

// Delete removes key. It is idempotent: deleting an absent key
// succeeds.
func (t *Tree) Delete(key []byte) error {
	if t.closed.Load() {
		return fmt.Errorf("%w: delete after close", dberrors.ErrClosed)
	}
	if len(key) > maxKeySize {
		return fmt.Errorf("%w: key exceeds %d bytes", dberrors.ErrSizeViolation, maxKeySize)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	rec := record.Record{
		Key:       append([]byte(nil), key...),
		Tombstone: true,
		CreatedAt: time.Now(),
		Sequence:  t.seq.Add(1),
	}
	if err := t.appendWAL(wal.OpDelete, rec, 0); err != nil {
		return err
	}
	t.mt.Upsert(rec)
	if t.valueCache != nil {
		t.valueCache.Delete(string(key))
	}
	return nil
}

func (t *Tree) appendWAL(op wal.Op, rec record.Record, txID uint64) error {
	if t.wal == nil {
		return nil
	}
	return t.wal.Append(wal.FromRecord(op, rec, txID))
}

func validateSizes(key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", dberrors.ErrSizeViolation)
	}
	if len(key) > maxKeySize {
		return fmt.Errorf("%w: key exceeds %d bytes", dberrors.ErrSizeViolation, maxKeySize)
	}
	if len(value) > maxValueSize {
		return fmt.Errorf("%w: value exceeds %d bytes", dberrors.ErrSizeViolation, maxValueSize)
	}
	return nil
}

// Get looks up key. ok is false when the key is absent, deleted, or
// expired; err is non-nil only for IO/corruption failures.
func (t *Tree) Get(key []byte) (value []byte, ok bool, err error) {
	if t.closed.Load() {
		return nil, false, fmt.Errorf("%w: get after close", dberrors.ErrClosed)
	}

	rec, found, err := t.lookup(key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	now := time.Now()
	if !rec.Visible(now) {
		return nil, false, nil
	}
	return rec.Value, true, nil
}

// lookup returns the raw, authoritative record for key regardless of
// tombstone/expiry visibility, consulting the memtable, the value
// cache, and finally the SSTable registry newest-first. It is shared by
// Get and by the transaction conflict check, which needs the raw
// sequence number even for a deleted key.
func (t *Tree) lookup(key []byte) (record.Record, bool, error) {
	if rec, ok := t.mt.Get(key); ok {
		return rec, true, nil
	}

	if t.valueCache != nil {
		if rec, ok := t.valueCache.Get(string(key)); ok {
			return rec, true, nil
		}
	}

	for _, r := range *t.registry.Load() {
		// Acquire keeps r's file handle alive even if compaction retires
		// r (see sstable.Reader.Retire) between our registry snapshot and
		// this Get: a reader that has already been fully disposed reports
		// false here and is skipped like a quarantined table, rather than
		// racing Get against a closed or unlinked file.
		if !r.Acquire() {
			continue
		}
		rec, ok, err := r.Get(key)
		r.Release()
		if err != nil {
			continue // corrupted table is quarantined, not fatal
		}
		if ok {
			if !rec.Tombstone && t.valueCache != nil {
				t.valueCache.Set(string(key), rec)
			}
			return rec, true, nil
		}
	}
	return record.Record{}, false, nil
}

// Flush forces the active memtable to freeze and blocks until it has
// been durably written to an SSTable.
func (t *Tree) Flush() error {
	if t.closed.Load() {
		return fmt.Errorf("%w: flush after close", dberrors.ErrClosed)
	}
	im := t.mt.Freeze()
	if im == nil {
		return nil
	}
	for t.mt.PendingImmutable(im) {
		time.Sleep(time.Millisecond)
	}
	return nil
}

// Close quiesces the write path, flushes the memtable, stops background
// workers, and closes every open file handle. Calling it again after it
// has returned is a no-op that returns nil.
func (t *Tree) Close() error {
	var closeErr error
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed.Load() {
		return nil
	}

	t.compactTicker.Stop()
	if t.janitor != nil {
		t.janitor.Stop()
	}
	// Stop the flush listener before the final synchronous flush below,
	// so the tail memtable it may already be draining from FlushChan
	// isn't flushed a second time here under a different generation.
	t.flushListener.Stop()

	if im := t.mt.Freeze(); im != nil {
		t.flushImmutable(im)
	}

	if t.bgCancel != nil {
		t.bgCancel()
	}
	t.mt.Close()

	if t.wal != nil {
		if err := t.wal.Close(); err != nil {
			closeErr = err
		}
	}

	for _, r := range *t.registry.Load() {
		if err := r.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}

	t.closed.Store(true)
	return closeErr
}

// Stats surfaces basic observability counters.
type Stats struct {
	SSTableCount        int
	ApproxMemtableCount int
	IndexCacheHits      uint64
	IndexCacheMisses    uint64
	ValueCacheHits      uint64
	ValueCacheMisses    uint64
	Sequence            uint64
}

// Stats reports current engine counters.
func (t *Tree) Stats() Stats {
	s := Stats{
		SSTableCount:        len(*t.registry.Load()),
		ApproxMemtableCount: t.mt.ApproximateEntries(),
		Sequence:            t.seq.Load(),
	}
	if t.indexCache != nil {
		s.IndexCacheHits, s.IndexCacheMisses = t.indexCache.Stats()
	}
	if t.valueCache != nil {
		s.ValueCacheHits, s.ValueCacheMisses = t.valueCache.Stats()
	}
	return s
}
