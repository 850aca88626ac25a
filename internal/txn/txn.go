// Package txn implements the optimistic transaction manager: each
// transaction buffers its writes in a private overlay and is validated
// against the authoritative store only at commit time.
package txn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"redish/internal/dberrors"
	"redish/internal/record"
)

// Lookup resolves the authoritative (committed) value for a key, used
// by Overlay.Get to fall through past the overlay. ok is false when the
// key has never been written.
type Lookup func(key []byte) (record.Record, bool)

// Overlay is one transaction's private, uncommitted write buffer.
type Overlay struct {
	id      uint64
	snapSeq uint64
	writes  map[string]record.Record // keyed by string(key)
}

// ID reports the transaction's identifier.
func (o *Overlay) ID() uint64 { return o.id }

// SnapSeq reports the sequence visible at begin; commit conflicts with
// any committed write strictly newer than this.
func (o *Overlay) SnapSeq() uint64 { return o.snapSeq }

// Put buffers a write for key, not yet visible to any other transaction
// or to non-transactional reads.
func (o *Overlay) Put(rec record.Record) {
	rec.TransactionID = o.id
	o.writes[string(rec.Key)] = rec
}

// Get consults the overlay first, falling through to lookup for keys
// this transaction has not itself written.
func (o *Overlay) Get(key []byte, lookup Lookup) (record.Record, bool) {
	if rec, ok := o.writes[string(key)]; ok {
		return rec, true
	}
	return lookup(key)
}

// Records returns every buffered write, for installation into the
// memtable on a successful commit.
func (o *Overlay) Records() []record.Record {
	out := make([]record.Record, 0, len(o.writes))
	for _, rec := range o.writes {
		out = append(out, rec)
	}
	return out
}

// Manager owns every in-flight transaction. Begin/Overlay/Discard are
// safe for concurrent use; the commit-time CheckConflict and the
// caller's subsequent WAL/memtable install must still happen under the
// engine's single write lock (the manager itself never takes a
// competing one).
type Manager struct {
	nextID atomic.Uint64

	mu     sync.Mutex
	active map[uint64]*Overlay
}

// New creates an empty transaction manager.
func New() *Manager {
	return &Manager{active: make(map[uint64]*Overlay)}
}

// Begin allocates a new transaction id and snapshots snapSeq as the
// sequence visible to it.
func (m *Manager) Begin(snapSeq uint64) *Overlay {
	id := m.nextID.Add(1)
	o := &Overlay{id: id, snapSeq: snapSeq, writes: make(map[string]record.Record)}

	m.mu.Lock()
	m.active[id] = o
	m.mu.Unlock()
	return o
}

// Overlay returns the in-flight overlay for id, or false if it is
// unknown (already committed, rolled back, or never begun).
func (m *Manager) Overlay(id uint64) (*Overlay, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.active[id]
	return o, ok
}

// CheckConflict runs the commit-time visibility check: for each key the
// overlay wrote, currentSeq(key) must not have advanced past the
// overlay's snapshot sequence. The caller supplies currentSeq rather
// than Manager reaching into the store directly, keeping this package
// free of a dependency on the memtable/sstable layers.
func CheckConflict(o *Overlay, currentSeq func(key []byte) (uint64, bool)) error {
	for keyStr, rec := range o.writes {
		seq, ok := currentSeq([]byte(keyStr))
		if ok && seq > o.snapSeq {
			return fmt.Errorf("%w: key %q advanced to sequence %d past snapshot %d", dberrors.ErrTxConflict, rec.Key, seq, o.snapSeq)
		}
	}
	return nil
}

// Discard removes id from the active set, used for both a successful
// commit and an explicit rollback.
func (m *Manager) Discard(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}
