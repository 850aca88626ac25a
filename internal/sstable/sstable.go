// Package sstable implements the immutable, sorted on-disk table: a run
// of compressed data blocks, a sparse index, a bloom filter, and a
// trailing footer, with point lookups served by a bloom check and
// binary search over the sparse index before any block read.
package sstable

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"redish/internal/bloom"
	"redish/internal/codec"
	"redish/internal/compress"
	"redish/internal/dberrors"
	"redish/internal/record"
)

const (
	// TmpSuffix marks a table still being written; discarded on startup
	// if found (a crash mid-write never leaves a live .sst behind).
	TmpSuffix = ".tmp"
	fileExt   = ".sst"

	defaultBlockRecords = 128
)

// FileName returns the on-disk name for the table at generation gen.
func FileName(gen uint64) string {
	return fmt.Sprintf("%020d%s", gen, fileExt)
}

// indexEntry maps a data block's first key to its location in the file.
type indexEntry struct {
	firstKey []byte
	offset   uint64
	length   uint32
}

// Writer builds a single SSTable from records presented in strictly
// increasing key order, matching the memtable's iteration order.
type Writer struct {
	tmpPath   string
	finalPath string
	file      *os.File
	buf       *bufio.Writer
	comp      compress.Compressor

	blockRecords int
	curBlock     []record.Record
	curBlockLen  int

	offset  uint64
	index   []indexEntry
	filter  *bloom.Filter
	count   uint64
	minKey  []byte
	maxKey  []byte
	lastKey []byte
	haveKey bool
}

// NewWriter creates generation gen under dir, expecting approximately
// expectedKeys records so the bloom filter can be sized up front.
func NewWriter(dir string, gen uint64, comp compress.Compressor, expectedKeys int, fpr float64) (*Writer, error) {
	final := filepath.Join(dir, FileName(gen))
	tmp := final + TmpSuffix

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: creating sstable temp file: %v", dberrors.ErrIO, err)
	}
	buf := bufio.NewWriter(f)
	if err := codec.WriteHeader(buf, codec.SSTableMagic, codec.SSTableVersion); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: writing sstable header: %v", dberrors.ErrIO, err)
	}

	return &Writer{
		tmpPath:      tmp,
		finalPath:    final,
		file:         f,
		buf:          buf,
		comp:         comp,
		blockRecords: defaultBlockRecords,
		offset:       6, // header size
		filter:       bloom.New(expectedKeys, fpr),
	}, nil
}

// Add appends rec. Keys must be strictly increasing; violating this is a
// programmer error in the caller (memtable/compaction always iterate in
// order), not a runtime data condition, so it panics.
func (w *Writer) Add(rec record.Record) error {
	if w.haveKey && bytes.Compare(rec.Key, w.lastKey) <= 0 {
		panic("sstable: keys must be added in strictly increasing order")
	}
	w.lastKey = append([]byte(nil), rec.Key...)
	w.haveKey = true

	if w.minKey == nil {
		w.minKey = append([]byte(nil), rec.Key...)
	}
	w.maxKey = append([]byte(nil), rec.Key...)

	w.filter.Add(rec.Key)
	w.count++

	w.curBlock = append(w.curBlock, rec)
	w.curBlockLen++
	if w.curBlockLen >= w.blockRecords {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.curBlock) == 0 {
		return nil
	}
	firstKey := w.curBlock[0].Key

	var raw []byte
	for _, rec := range w.curBlock {
		raw = append(raw, encodeBlockRecord(rec)...)
	}
	block := compress.Encode(w.comp, raw)

	n, err := w.buf.Write(block)
	if err != nil {
		return fmt.Errorf("%w: writing sstable block: %v", dberrors.ErrIO, err)
	}
	w.index = append(w.index, indexEntry{
		firstKey: append([]byte(nil), firstKey...),
		offset:   w.offset,
		length:   uint32(n),
	})
	w.offset += uint64(n)

	w.curBlock = w.curBlock[:0]
	w.curBlockLen = 0
	return nil
}

func encodeBlockRecord(rec record.Record) []byte {
	tombTag := byte(0)
	if rec.Tombstone {
		tombTag = 1
	}
	ttlMs := int64(-1)
	if rec.TTL > 0 {
		ttlMs = rec.TTL.Milliseconds()
	}

	body := make([]byte, 0, 4+len(rec.Key)+1+4+len(rec.Value)+8+8+8)
	body = codec.PutUint32(body, uint32(len(rec.Key)))
	body = append(body, rec.Key...)
	body = append(body, tombTag)
	body = codec.PutUint32(body, uint32(len(rec.Value)))
	body = append(body, rec.Value...)
	body = codec.PutInt64(body, rec.CreatedAt.UnixMilli())
	body = codec.PutInt64(body, ttlMs)
	body = codec.PutUint64(body, rec.Sequence)
	crc := codec.CRC32(body)
	return codec.PutUint32(body, crc)
}

func decodeBlockRecords(raw []byte) ([]record.Record, error) {
	var out []record.Record
	r := bytes.NewReader(raw)
	for r.Len() > 0 {
		start := len(raw) - r.Len()

		keyLen, err := codec.ReadUint32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading block key length: %v", dberrors.ErrCorruption, err)
		}
		key, err := codec.ReadBytes(r, keyLen)
		if err != nil {
			return nil, err
		}

		tombTag := make([]byte, 1)
		if _, err := r.Read(tombTag); err != nil {
			return nil, fmt.Errorf("%w: reading tombstone tag: %v", dberrors.ErrCorruption, err)
		}

		valLen, err := codec.ReadUint32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading block value length: %v", dberrors.ErrCorruption, err)
		}
		val, err := codec.ReadBytes(r, valLen)
		if err != nil {
			return nil, err
		}

		createdAtMs, err := codec.ReadInt64(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading created_at: %v", dberrors.ErrCorruption, err)
		}
		ttlMs, err := codec.ReadInt64(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading ttl: %v", dberrors.ErrCorruption, err)
		}
		seq, err := codec.ReadUint64(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading sequence: %v", dberrors.ErrCorruption, err)
		}
		wantCRC, err := codec.ReadUint32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading record crc: %v", dberrors.ErrCorruption, err)
		}

		end := len(raw) - r.Len()
		if err := codec.VerifyCRC32(raw[start:end-4], wantCRC); err != nil {
			return nil, err
		}

		var ttl time.Duration
		if ttlMs >= 0 {
			ttl = time.Duration(ttlMs) * time.Millisecond
		}
		out = append(out, record.Record{
			Key:       key,
			Value:     val,
			Tombstone: tombTag[0] == 1,
			CreatedAt: time.UnixMilli(createdAtMs),
			TTL:       ttl,
			Sequence:  seq,
		})
	}
	return out, nil
}

// Finish flushes the trailing partial block, writes the index, bloom
// filter, and footer, then atomically renames the temp file into place.
// It returns the number of entries written.
func (w *Writer) Finish() (uint64, error) {
	if err := w.flushBlock(); err != nil {
		return 0, err
	}

	indexOff := w.offset
	var indexBuf []byte
	indexBuf = codec.PutUint32(indexBuf, uint32(len(w.index)))
	for _, e := range w.index {
		indexBuf = codec.PutUint32(indexBuf, uint32(len(e.firstKey)))
		indexBuf = append(indexBuf, e.firstKey...)
		indexBuf = codec.PutUint64(indexBuf, e.offset)
		indexBuf = codec.PutUint32(indexBuf, e.length)
	}
	if _, err := w.buf.Write(indexBuf); err != nil {
		return 0, fmt.Errorf("%w: writing sstable index: %v", dberrors.ErrIO, err)
	}
	w.offset += uint64(len(indexBuf))

	bloomOff := w.offset
	bloomBuf := w.filter.MarshalBinary()
	if _, err := w.buf.Write(bloomBuf); err != nil {
		return 0, fmt.Errorf("%w: writing sstable bloom filter: %v", dberrors.ErrIO, err)
	}
	w.offset += uint64(len(bloomBuf))

	footer := buildFooter(indexOff, uint32(len(indexBuf)), bloomOff, uint32(len(bloomBuf)), w.count, w.minKey, w.maxKey)
	if _, err := w.buf.Write(footer); err != nil {
		return 0, fmt.Errorf("%w: writing sstable footer: %v", dberrors.ErrIO, err)
	}

	if err := w.buf.Flush(); err != nil {
		return 0, fmt.Errorf("%w: flushing sstable: %v", dberrors.ErrIO, err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("%w: fsyncing sstable: %v", dberrors.ErrIO, err)
	}
	if err := w.file.Close(); err != nil {
		return 0, fmt.Errorf("%w: closing sstable: %v", dberrors.ErrIO, err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return 0, fmt.Errorf("%w: renaming sstable into place: %v", dberrors.ErrIO, err)
	}
	return w.count, nil
}

// Abort discards the temp file, used when the writer's caller fails
// before Finish (e.g. a cancelled compaction).
func (w *Writer) Abort() error {
	w.file.Close()
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: removing aborted sstable temp file: %v", dberrors.ErrIO, err)
	}
	return nil
}

// Path returns the final path this writer will produce.
func (w *Writer) Path() string {
	return w.finalPath
}

func buildFooter(indexOff uint64, indexLen uint32, bloomOff uint64, bloomLen uint32, count uint64, minKey, maxKey []byte) []byte {
	var body []byte
	body = codec.PutUint64(body, indexOff)
	body = codec.PutUint32(body, indexLen)
	body = codec.PutUint64(body, bloomOff)
	body = codec.PutUint32(body, bloomLen)
	body = codec.PutUint64(body, count)
	body = codec.PutUint32(body, uint32(len(minKey)))
	body = append(body, minKey...)
	body = codec.PutUint32(body, uint32(len(maxKey)))
	body = append(body, maxKey...)
	crc := codec.CRC32(body)
	body = codec.PutUint32(body, crc)

	trailer := make([]byte, 0, len(body)+8)
	trailer = append(trailer, body...)
	trailer = codec.PutUint32(trailer, uint32(len(body)))
	trailer = codec.PutUint32(trailer, codec.SSTableMagic)
	return trailer
}

// Reader opens an existing, immutable SSTable for lookups. Its file
// handle survives until every outstanding Acquire has been matched by a
// Release, so a reader retired mid-lookup by compaction (see Retire)
// never gets its file closed or unlinked out from under a concurrent
// Get call against a stale registry snapshot.
type Reader struct {
	path string
	file *os.File

	index  []indexEntry
	filter *bloom.Filter
	count  uint64
	minKey []byte
	maxKey []byte

	refs atomic.Int32

	disposeMu       sync.Mutex
	disposed        bool
	removeOnDispose bool
	onDispose       func(error)
}

// IndexCache abstracts the engine's index cache (internal/cache.LRU)
// without sstable importing it directly, avoiding a dependency cycle.
type IndexCache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
}

// Open validates the header and footer, then loads the index and bloom
// filter, consulting cache for a previously-decoded index when supplied.
func Open(path string, cache IndexCache) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening sstable: %v", dberrors.ErrIO, err)
	}

	r := &Reader{path: path, file: f}
	r.refs.Store(1)
	if err := codec.ReadHeader(f, codec.SSTableMagic, codec.SSTableVersion); err != nil {
		f.Close()
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat sstable: %v", dberrors.ErrIO, err)
	}
	size := info.Size()
	if size < 8 {
		f.Close()
		return nil, fmt.Errorf("%w: sstable too small", dberrors.ErrCorruption)
	}

	trailer := make([]byte, 8)
	if _, err := f.ReadAt(trailer, size-8); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: reading sstable trailer: %v", dberrors.ErrIO, err)
	}
	footerLen := leUint32(trailer[0:4])
	magic := leUint32(trailer[4:8])
	if magic != codec.SSTableMagic {
		f.Close()
		return nil, fmt.Errorf("%w: bad sstable trailer magic", dberrors.ErrCorruption)
	}

	footerStart := size - 8 - int64(footerLen)
	if footerStart < 0 {
		f.Close()
		return nil, fmt.Errorf("%w: sstable footer length out of range", dberrors.ErrCorruption)
	}
	footer := make([]byte, footerLen)
	if _, err := f.ReadAt(footer, footerStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: reading sstable footer: %v", dberrors.ErrIO, err)
	}
	if err := codec.VerifyCRC32(footer[:len(footer)-4], leUint32(footer[len(footer)-4:])); err != nil {
		f.Close()
		return nil, err
	}

	indexOff, indexLen, bloomOff, bloomLen, count, minKey, maxKey, err := parseFooter(footer)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.count, r.minKey, r.maxKey = count, minKey, maxKey

	if cache != nil {
		if cached, ok := cache.Get(path); ok {
			r.index = cached.([]indexEntry)
		}
	}
	if r.index == nil {
		indexBuf := make([]byte, indexLen)
		if _, err := f.ReadAt(indexBuf, int64(indexOff)); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: reading sstable index: %v", dberrors.ErrIO, err)
		}
		idx, err := parseIndex(indexBuf)
		if err != nil {
			f.Close()
			return nil, err
		}
		r.index = idx
		if cache != nil {
			cache.Set(path, idx)
		}
	}

	bloomBuf := make([]byte, bloomLen)
	if _, err := f.ReadAt(bloomBuf, int64(bloomOff)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: reading sstable bloom filter: %v", dberrors.ErrIO, err)
	}
	filter, err := bloom.UnmarshalBinary(bloomBuf)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.filter = filter

	return r, nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func parseFooter(footer []byte) (indexOff uint64, indexLen uint32, bloomOff uint64, bloomLen uint32, count uint64, minKey, maxKey []byte, err error) {
	r := bytes.NewReader(footer)
	if indexOff, err = codec.ReadUint64(r); err != nil {
		return
	}
	if indexLen, err = codec.ReadUint32(r); err != nil {
		return
	}
	if bloomOff, err = codec.ReadUint64(r); err != nil {
		return
	}
	if bloomLen, err = codec.ReadUint32(r); err != nil {
		return
	}
	if count, err = codec.ReadUint64(r); err != nil {
		return
	}
	minLen, err := codec.ReadUint32(r)
	if err != nil {
		return
	}
	if minKey, err = codec.ReadBytes(r, minLen); err != nil {
		return
	}
	maxLen, err := codec.ReadUint32(r)
	if err != nil {
		return
	}
	maxKey, err = codec.ReadBytes(r, maxLen)
	return
}

func parseIndex(buf []byte) ([]indexEntry, error) {
	r := bytes.NewReader(buf)
	n, err := codec.ReadUint32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading index entry count: %v", dberrors.ErrCorruption, err)
	}
	out := make([]indexEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		keyLen, err := codec.ReadUint32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading index key length: %v", dberrors.ErrCorruption, err)
		}
		key, err := codec.ReadBytes(r, keyLen)
		if err != nil {
			return nil, err
		}
		offset, err := codec.ReadUint64(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading index offset: %v", dberrors.ErrCorruption, err)
		}
		length, err := codec.ReadUint32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading index length: %v", dberrors.ErrCorruption, err)
		}
		out = append(out, indexEntry{firstKey: key, offset: offset, length: length})
	}
	return out, nil
}

// Get looks up key, returning (record, true, nil) on a hit, (_, false,
// nil) on a definitive miss, and a non-nil error only for I/O or
// corruption failures.
func (r *Reader) Get(key []byte) (record.Record, bool, error) {
	if bytes.Compare(key, r.minKey) < 0 || bytes.Compare(key, r.maxKey) > 0 {
		return record.Record{}, false, nil
	}
	if !r.filter.MayContain(key) {
		return record.Record{}, false, nil
	}

	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].firstKey, key) > 0
	}) - 1
	if i < 0 {
		return record.Record{}, false, nil
	}
	entry := r.index[i]

	raw := make([]byte, entry.length)
	if _, err := r.file.ReadAt(raw, int64(entry.offset)); err != nil {
		return record.Record{}, false, fmt.Errorf("%w: reading sstable block: %v", dberrors.ErrIO, err)
	}
	block, err := compress.Decode(raw)
	if err != nil {
		return record.Record{}, false, err
	}
	recs, err := decodeBlockRecords(block)
	if err != nil {
		return record.Record{}, false, err
	}
	for _, rec := range recs {
		if bytes.Equal(rec.Key, key) {
			return rec, true, nil
		}
	}
	return record.Record{}, false, nil
}

// AllRecords decodes every block and returns their concatenated
// records in key order, used by compaction's merge input.
func (r *Reader) AllRecords() ([]record.Record, error) {
	out := make([]record.Record, 0, r.count)
	for _, entry := range r.index {
		raw := make([]byte, entry.length)
		if _, err := r.file.ReadAt(raw, int64(entry.offset)); err != nil {
			return nil, fmt.Errorf("%w: reading sstable block: %v", dberrors.ErrIO, err)
		}
		block, err := compress.Decode(raw)
		if err != nil {
			return nil, err
		}
		recs, err := decodeBlockRecords(block)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// MinKey and MaxKey report the table's key range, used by compaction to
// select overlapping cohorts without opening every candidate table.
func (r *Reader) MinKey() []byte { return r.minKey }
func (r *Reader) MaxKey() []byte { return r.maxKey }

// Count returns the number of live+tombstone records in the table.
func (r *Reader) Count() uint64 { return r.count }

// Path returns the file path this reader was opened from.
func (r *Reader) Path() string { return r.path }

// Close releases the underlying file handle unconditionally. Used at
// engine shutdown, once no concurrent reader can still be calling Get;
// for the concurrent compaction path, use Retire instead.
func (r *Reader) Close() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("%w: closing sstable: %v", dberrors.ErrIO, err)
	}
	return nil
}

// Acquire takes a reference on r for the duration of a lookup and
// reports whether r is still live. A false return means r has already
// been fully retired (every reference released after Retire) and its
// file handle may be gone; the caller should treat that the same as a
// quarantined table and move on to the next one. Every Acquire that
// returns true must be matched by exactly one Release.
func (r *Reader) Acquire() bool {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference taken by Acquire. If r has been Retired and
// this was the last outstanding reference, the file is now closed (and
// unlinked, if Retire asked for that).
func (r *Reader) Release() {
	if r.refs.Add(-1) == 0 {
		r.dispose()
	}
}

// Retire drops the registry's own reference to r. The underlying file
// is closed, and unlinked if remove is true, only once every reference
// an in-flight Acquire still holds has been Released — so a reader
// compaction has already merged away stays open for any lookup that
// captured it from a registry snapshot before the swap. onDispose, if
// non-nil, is called exactly once with the close/remove error (nil on
// success) whenever disposal actually happens, which may be from this
// call or from a later Release.
func (r *Reader) Retire(remove bool, onDispose func(error)) {
	r.disposeMu.Lock()
	r.removeOnDispose = remove
	r.onDispose = onDispose
	r.disposeMu.Unlock()

	if r.refs.Add(-1) == 0 {
		r.dispose()
	}
}

func (r *Reader) dispose() {
	r.disposeMu.Lock()
	defer r.disposeMu.Unlock()
	if r.disposed {
		return
	}
	r.disposed = true

	err := r.file.Close()
	if r.removeOnDispose {
		if rmErr := os.Remove(r.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	if r.onDispose != nil {
		r.onDispose(err)
	}
}

// DiscardTempFiles removes any .sst.tmp files left behind by a writer
// that never reached Finish, e.g. after a crash mid-flush or mid-compaction.
func DiscardTempFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: reading sstable dir: %v", dberrors.ErrIO, err)
	}
	for _, e := range entries {
		if e.IsDir() || !bytes.HasSuffix([]byte(e.Name()), []byte(TmpSuffix)) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: removing stale sstable temp file: %v", dberrors.ErrIO, err)
		}
	}
	return nil
}
