package redish

import (
	"fmt"
	"time"

	"redish/internal/dberrors"
	"redish/internal/record"
	"redish/internal/txn"
	"redish/internal/wal"
)

// BeginTransaction starts an optimistic transaction and returns its id.
// Writes made under it are invisible to every other reader until
// CommitTransaction succeeds.
func (t *Tree) BeginTransaction() (uint64, error) {
	if t.closed.Load() {
		return 0, fmt.Errorf("%w: begin after close", dberrors.ErrClosed)
	}
	o := t.txMgr.Begin(t.seq.Load())
	return o.ID(), nil
}

// PutTx buffers a write in the transaction's private overlay.
func (t *Tree) PutTx(id uint64, key, value []byte) error {
	return t.writeTx(id, key, value, false, 0)
}

// PutWithTTLTx buffers a TTL write in the transaction's private overlay.
func (t *Tree) PutWithTTLTx(id uint64, key, value []byte, ttl time.Duration) error {
	return t.writeTx(id, key, value, false, ttl)
}

// DeleteTx buffers a tombstone in the transaction's private overlay.
func (t *Tree) DeleteTx(id uint64, key []byte) error {
	return t.writeTx(id, key, nil, true, 0)
}

func (t *Tree) writeTx(id uint64, key, value []byte, tombstone bool, ttl time.Duration) error {
	overlay, ok := t.txMgr.Overlay(id)
	if !ok {
		return fmt.Errorf("%w: transaction %d", dberrors.ErrTxUnknown, id)
	}
	if !tombstone {
		if err := validateSizes(key, value); err != nil {
			return err
		}
	} else if len(key) > maxKeySize {
		return fmt.Errorf("%w: key exceeds %d bytes", dberrors.ErrSizeViolation, maxKeySize)
	}

	overlay.Put(record.Record{
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Tombstone: tombstone,
		CreatedAt: time.Now(),
		TTL:       ttl,
	})
	return nil
}

// GetTx reads key as visible to transaction id: its own overlay first,
// then the committed store, ignoring any other transaction's
// uncommitted writes (which is automatic here since those never leave
// their overlay until commit).
func (t *Tree) GetTx(id uint64, key []byte) ([]byte, bool, error) {
	overlay, ok := t.txMgr.Overlay(id)
	if !ok {
		return nil, false, fmt.Errorf("%w: transaction %d", dberrors.ErrTxUnknown, id)
	}

	var lookupErr error
	rec, found := overlay.Get(key, func(k []byte) (record.Record, bool) {
		r, ok, err := t.lookup(k)
		if err != nil {
			lookupErr = err
		}
		return r, ok
	})
	if lookupErr != nil {
		return nil, false, lookupErr
	}
	if !found || !rec.Visible(time.Now()) {
		return nil, false, nil
	}
	return rec.Value, true, nil
}

// CommitTransaction validates the transaction's overlay against the
// authoritative store and, on success, installs its writes atomically
// under the write lock.
func (t *Tree) CommitTransaction(id uint64) error {
	if t.closed.Load() {
		return fmt.Errorf("%w: commit after close", dberrors.ErrClosed)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	overlay, ok := t.txMgr.Overlay(id)
	if !ok {
		return fmt.Errorf("%w: transaction %d", dberrors.ErrTxUnknown, id)
	}

	currentSeq := func(key []byte) (uint64, bool) {
		rec, ok, lookupErr := t.lookup(key)
		if lookupErr != nil || !ok {
			return 0, false
		}
		return rec.Sequence, true
	}
	if err := txn.CheckConflict(overlay, currentSeq); err != nil {
		t.txMgr.Discard(id)
		return err
	}

	records := overlay.Records()
	for i := range records {
		records[i].Sequence = t.seq.Add(1)
		records[i].TransactionID = 0

		op := wal.OpPut
		if records[i].Tombstone {
			op = wal.OpDelete
		}
		if err := t.appendWAL(op, records[i], 0); err != nil {
			return err
		}
		t.mt.Upsert(records[i])
		if t.valueCache != nil {
			t.valueCache.Delete(string(records[i].Key))
		}
	}

	if t.wal != nil {
		commitMarker := record.Record{Sequence: t.seq.Load()}
		if err := t.appendWAL(wal.OpTxCommit, commitMarker, id); err != nil {
			return err
		}
	}

	t.txMgr.Discard(id)
	return nil
}

// RollbackTransaction discards a transaction's overlay. Nothing durable
// ever existed for an uncommitted transaction, so this is purely
// in-memory bookkeeping (see the buffer-until-commit design in
// internal/txn).
func (t *Tree) RollbackTransaction(id uint64) error {
	if _, ok := t.txMgr.Overlay(id); !ok {
		return fmt.Errorf("%w: transaction %d", dberrors.ErrTxUnknown, id)
	}
	t.txMgr.Discard(id)
	return nil
}
