// Package compaction implements background SSTable merging: cohort
// selection over overlapping key ranges, a k-way merge that keeps only
// the newest non-expired version of each key (via container/heap, key
// ascending with a newer-sequence-first tie-break), and tombstone
// garbage collection once no table outside the cohort can still need
// the tombstone.
package compaction

import (
	"bytes"
	"container/heap"
	"fmt"
	"sort"
	"time"

	"github.com/zhangyunhao116/skipset"

	"redish/internal/compress"
	"redish/internal/dberrors"
	"redish/internal/record"
	"redish/internal/sstable"
)

// Table is the subset of *sstable.Reader compaction needs, named so
// this package can be tested without real files on disk.
type Table interface {
	MinKey() []byte
	MaxKey() []byte
	AllRecords() ([]record.Record, error)
	Path() string
	Count() uint64
}

// Policy mirrors internal/config.CompactionOptions without importing
// it, avoiding a dependency from compaction back up to config.
type Policy struct {
	TriggerCount int
	MaxInterval  time.Duration
}

// ShouldRun reports whether cohort selection should be attempted:
// either the registry has grown past TriggerCount tables, or the oldest
// generation has aged past MaxInterval.
func ShouldRun(tableCount int, oldestAge time.Duration, p Policy) bool {
	if tableCount > p.TriggerCount {
		return true
	}
	if p.MaxInterval > 0 && oldestAge > p.MaxInterval {
		return true
	}
	return false
}

// SelectCohort sorts tables by min key and chains together every run of
// tables whose [min,max] ranges overlap, returning the largest such
// chain. Tables with no overlap into any neighbor are left uncompacted
// this round.
func SelectCohort[T Table](tables []T) []T {
	if len(tables) < 2 {
		return nil
	}
	ordered := append([]T(nil), tables...)
	sort.Slice(ordered, func(i, j int) bool {
		return bytes.Compare(ordered[i].MinKey(), ordered[j].MinKey()) < 0
	})

	var best []T
	cur := []T{ordered[0]}
	curMax := ordered[0].MaxKey()
	for _, t := range ordered[1:] {
		if bytes.Compare(t.MinKey(), curMax) <= 0 {
			cur = append(cur, t)
			if bytes.Compare(t.MaxKey(), curMax) > 0 {
				curMax = t.MaxKey()
			}
		} else {
			if len(cur) > len(best) {
				best = cur
			}
			cur = []T{t}
			curMax = t.MaxKey()
		}
	}
	if len(cur) > len(best) {
		best = cur
	}
	if len(best) < 2 {
		return nil
	}
	return best
}

type heapItem struct {
	rec       record.Record
	tableIdx  int
}

type mergeHeap []heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	cmp := bytes.Compare(h[i].rec.Key, h[j].rec.Key)
	if cmp != 0 {
		return cmp < 0
	}
	return h[i].rec.Sequence > h[j].rec.Sequence
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(heapItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// KeyStillLive reports whether any table outside the cohort might still
// hold key, used to decide whether a tombstone can be dropped for good.
type KeyStillLive[T Table] func(key []byte, outside []T) bool

// Merge k-way merges cohort into a single, key-ascending run, keeping
// only the newest version of each key, dropping expired records, and
// dropping tombstones for which keyStillLive(key, outside) is false.
func Merge[T Table](cohort []T, outside []T, now time.Time, keyStillLive KeyStillLive[T]) ([]record.Record, error) {
	var h mergeHeap
	allRecords := make([][]record.Record, len(cohort))
	positions := make([]int, len(cohort))

	for i, t := range cohort {
		recs, err := t.AllRecords()
		if err != nil {
			return nil, fmt.Errorf("reading compaction input %s: %w", t.Path(), err)
		}
		sort.Slice(recs, func(a, b int) bool { return bytes.Compare(recs[a].Key, recs[b].Key) < 0 })
		allRecords[i] = recs
		if len(recs) > 0 {
			heap.Push(&h, heapItem{rec: recs[0], tableIdx: i})
			positions[i] = 1
		}
	}

	var out []record.Record
	for h.Len() > 0 {
		top := heap.Pop(&h).(heapItem)
		key := top.rec.Key
		newest := top.rec

		for h.Len() > 0 && bytes.Equal(h[0].rec.Key, key) {
			dup := heap.Pop(&h).(heapItem)
			pushNext(&h, allRecords, positions, dup.tableIdx)
		}
		pushNext(&h, allRecords, positions, top.tableIdx)

		if newest.Expired(now) {
			continue
		}
		if newest.Tombstone {
			if keyStillLive != nil && keyStillLive(key, outside) {
				out = append(out, newest)
			}
			continue
		}
		out = append(out, newest)
	}
	return out, nil
}

func pushNext(h *mergeHeap, allRecords [][]record.Record, positions []int, tableIdx int) {
	pos := positions[tableIdx]
	if pos < len(allRecords[tableIdx]) {
		heap.Push(h, heapItem{rec: allRecords[tableIdx][pos], tableIdx: tableIdx})
		positions[tableIdx] = pos + 1
	}
}

// Write streams merged records into a fresh SSTable at generation gen
// under dir, returning the finished writer (whose Path names the new
// table) and the number of records written.
func Write(dir string, gen uint64, comp compress.Compressor, fpr float64, merged []record.Record) (*sstable.Writer, uint64, error) {
	w, err := sstable.NewWriter(dir, gen, comp, len(merged), fpr)
	if err != nil {
		return nil, 0, err
	}
	for _, rec := range merged {
		if err := w.Add(rec); err != nil {
			w.Abort()
			return nil, 0, fmt.Errorf("%w: writing compacted record: %v", dberrors.ErrInternal, err)
		}
	}
	n, err := w.Finish()
	if err != nil {
		return nil, 0, err
	}
	return w, n, nil
}

// InFlight tracks generations currently mid-compaction so the trigger
// check never schedules the same cohort twice concurrently.
type InFlight struct {
	gens *skipset.Uint64Set
}

// NewInFlight creates an empty in-flight generation tracker.
func NewInFlight() *InFlight {
	return &InFlight{gens: skipset.NewUint64()}
}

// TryClaim marks gen as being compacted, returning false if it already
// is.
func (f *InFlight) TryClaim(gen uint64) bool {
	return f.gens.Add(gen)
}

// Release marks gen as no longer being compacted.
func (f *InFlight) Release(gen uint64) {
	f.gens.Remove(gen)
}

// Contains reports whether gen is currently mid-compaction.
func (f *InFlight) Contains(gen uint64) bool {
	return f.gens.Contains(gen)
}
