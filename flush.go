package redish

import (
	"redish/internal/memtable"
	"redish/internal/sstable"
)

// flushImmutable writes a frozen memtable snapshot to a new SSTable and
// installs it as the newest entry in the registry: consume from the
// memtable's flush channel, build one SSTable per snapshot, publish it,
// move on.
func (t *Tree) flushImmutable(im *memtable.Immutable) {
	recs := im.Sorted()
	if len(recs) == 0 {
		t.mt.ReleaseFlushed(im)
		return
	}

	gen := t.nextGen.Add(1)
	w, err := sstable.NewWriter(t.sstDir, gen, t.compressor, len(recs), t.opts.BloomFPR)
	if err != nil {
		t.logger.Error("flush: creating sstable writer failed", "generation", gen, "error", err)
		return
	}
	for _, rec := range recs {
		if err := w.Add(rec); err != nil {
			t.logger.Error("flush: writing record failed", "generation", gen, "error", err)
			w.Abort()
			return
		}
	}
	if _, err := w.Finish(); err != nil {
		t.logger.Error("flush: finishing sstable failed", "generation", gen, "error", err)
		return
	}

	reader, err := sstable.Open(w.Path(), t.indexCacheAdapter())
	if err != nil {
		t.logger.Error("flush: reopening sstable failed", "generation", gen, "error", err)
		return
	}

	var maxSeq uint64
	for _, rec := range recs {
		if rec.Sequence > maxSeq {
			maxSeq = rec.Sequence
		}
	}

	t.writeMu.Lock()
	cur := *t.registry.Load()
	next := make([]*sstable.Reader, 0, len(cur)+1)
	next = append(next, reader)
	next = append(next, cur...)
	t.registry.Store(&next)
	if maxSeq > t.durableSeq.Load() {
		t.durableSeq.Store(maxSeq)
	}
	t.writeMu.Unlock()

	t.mt.ReleaseFlushed(im)

	if t.wal != nil {
		if err := t.wal.RetireUpTo(t.durableSeq.Load()); err != nil {
			t.logger.Warn("wal: retiring segments failed", "error", err)
		}
	}
}
