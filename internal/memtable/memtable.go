// Package memtable implements the mutable, in-memory write buffer: an
// ordered key -> latest-record map bounded by an entry-count cap,
// frozen atomically into an immutable list once full.
package memtable

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"redish/internal/record"
)

type orderedMap = skipmap.FuncMap[[]byte, record.Record]

func newOrderedMap() *orderedMap {
	return skipmap.NewFunc[[]byte, record.Record](func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})
}

// Immutable is a frozen, read-only snapshot of a former active memtable
// awaiting flush to an SSTable.
type Immutable struct {
	table *orderedMap
}

// Sorted returns every record in key order.
func (im *Immutable) Sorted() []record.Record {
	out := make([]record.Record, 0, im.table.Len())
	im.table.Range(func(_ []byte, v record.Record) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Len reports the number of entries in the immutable snapshot.
func (im *Immutable) Len() int {
	return im.table.Len()
}

// Memtable is the active write buffer plus any not-yet-flushed
// immutable snapshots. Reads consult the active table first, then the
// immutable list newest to oldest.
type Memtable struct {
	maxEntries int

	active atomic.Pointer[orderedMap]
	count  atomic.Int64

	immMu   sync.Mutex
	imm     []*Immutable
	flushCh chan *Immutable

	rotateMu   sync.Mutex
	rotateCond *sync.Cond
	ver        atomic.Uint64

	closed atomic.Bool
}

// New creates a Memtable that freezes once it holds maxEntries records,
// scheduling the frozen snapshot onto a flush channel of the given
// buffer size.
func New(maxEntries, flushChanBuffer int) *Memtable {
	mt := &Memtable{
		maxEntries: maxEntries,
		flushCh:    make(chan *Immutable, flushChanBuffer),
	}
	mt.active.Store(newOrderedMap())
	mt.rotateCond = sync.NewCond(&mt.rotateMu)
	return mt
}

// Get looks up key across the active table and immutables, newest
// first. The returned bool is false only when the key is absent from
// every table; a tombstone record is still returned so callers can
// observe it; tombstone/TTL visibility is enforced by the caller.
func (mt *Memtable) Get(key []byte) (record.Record, bool) {
	if v, ok := mt.active.Load().Load(key); ok {
		return v, true
	}

	mt.immMu.Lock()
	imms := mt.imm
	mt.immMu.Unlock()

	for i := len(imms) - 1; i >= 0; i-- {
		if v, ok := imms[i].table.Load(key); ok {
			return v, true
		}
	}
	return record.Record{}, false
}

// Upsert installs rec as the newest version of its key, freezing the
// active table first if it has reached capacity. count tracks distinct
// keys, so overwriting a key already in the active table never counts
// against maxEntries.
func (mt *Memtable) Upsert(rec record.Record) {
	if _, exists := mt.active.Load().Load(rec.Key); exists {
		mt.active.Load().Store(rec.Key, rec)
		return
	}

	for {
		cur := mt.count.Load()
		if cur < int64(mt.maxEntries) {
			if mt.count.CompareAndSwap(cur, cur+1) {
				break
			}
			continue
		}

		ver := mt.ver.Load()
		mt.rotateMu.Lock()
		if mt.ver.CompareAndSwap(ver, ver+1) {
			mt.rotate()
			mt.rotateCond.Broadcast()
			mt.rotateMu.Unlock()
		} else {
			mt.rotateCond.Wait()
			mt.rotateMu.Unlock()
		}
	}

	mt.active.Load().Store(rec.Key, rec)
}

// rotate freezes the active table and installs a fresh one. Caller must
// hold rotateMu.
func (mt *Memtable) rotate() {
	frozen := &Immutable{table: mt.active.Load()}

	mt.immMu.Lock()
	mt.imm = append(mt.imm, frozen)
	mt.immMu.Unlock()

	mt.active.Store(newOrderedMap())
	mt.count.Store(0)

	if !mt.closed.Load() {
		mt.flushCh <- frozen
	}
}

// PendingImmutable reports whether im is still awaiting a flush.
func (mt *Memtable) PendingImmutable(im *Immutable) bool {
	mt.immMu.Lock()
	defer mt.immMu.Unlock()
	for _, cur := range mt.imm {
		if cur == im {
			return true
		}
	}
	return false
}

// ReleaseFlushed drops an immutable snapshot from the pending list once
// the flusher has durably written it to an SSTable.
func (mt *Memtable) ReleaseFlushed(im *Immutable) {
	mt.immMu.Lock()
	defer mt.immMu.Unlock()
	for i, cur := range mt.imm {
		if cur == im {
			mt.imm = append(mt.imm[:i], mt.imm[i+1:]...)
			return
		}
	}
}

// FlushChan exposes frozen snapshots awaiting an SSTable flush.
func (mt *Memtable) FlushChan() <-chan *Immutable {
	return mt.flushCh
}

// ApproximateEntries reports the active table's entry count.
func (mt *Memtable) ApproximateEntries() int {
	return int(mt.count.Load())
}

// Freeze forces the active table into the immutable list regardless of
// its size, used by an explicit Flush() call on the engine facade.
func (mt *Memtable) Freeze() *Immutable {
	mt.rotateMu.Lock()
	defer mt.rotateMu.Unlock()
	if mt.active.Load().Len() == 0 {
		return nil
	}
	mt.ver.Add(1)
	mt.rotate()
	mt.rotateCond.Broadcast()

	mt.immMu.Lock()
	defer mt.immMu.Unlock()
	return mt.imm[len(mt.imm)-1]
}

// Close stops accepting new flush notifications and releases the flush
// channel. Safe to call once, after all writers have stopped.
func (mt *Memtable) Close() {
	if mt.closed.CompareAndSwap(false, true) {
		close(mt.flushCh)
	}
}
