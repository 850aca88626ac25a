package redish

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"redish/internal/compaction"
	"redish/internal/sstable"
)

// maybeCompact runs one round of cohort selection and merge, invoked
// periodically by compactTicker. It is a no-op when nothing overlaps or
// everything eligible is already mid-compaction.
func (t *Tree) maybeCompact(ctx context.Context) {
	registry := *t.registry.Load()
	candidates := make([]*sstable.Reader, 0, len(registry))
	for _, r := range registry {
		gen, err := parseGeneration(filepath.Base(r.Path()))
		if err != nil || t.inFlight.Contains(gen) {
			continue
		}
		candidates = append(candidates, r)
	}

	policy := compaction.Policy{
		TriggerCount: t.opts.Compaction.TriggerCount,
		MaxInterval:  time.Duration(t.opts.Compaction.MaxIntervalS) * time.Second,
	}
	var oldestAge time.Duration
	now := time.Now()
	for _, r := range candidates {
		if info, err := os.Stat(r.Path()); err == nil {
			if age := now.Sub(info.ModTime()); age > oldestAge {
				oldestAge = age
			}
		}
	}
	if !compaction.ShouldRun(len(candidates), oldestAge, policy) {
		return
	}

	cohort := compaction.SelectCohort(candidates)
	if len(cohort) < 2 {
		return
	}

	gens := make([]uint64, 0, len(cohort))
	for _, r := range cohort {
		gen, err := parseGeneration(filepath.Base(r.Path()))
		if err != nil {
			return
		}
		if !t.inFlight.TryClaim(gen) {
			releaseClaims(t, gens)
			return
		}
		gens = append(gens, gen)
	}
	defer releaseClaims(t, gens)

	outside := make([]*sstable.Reader, 0, len(registry)-len(cohort))
	cohortSet := make(map[*sstable.Reader]bool, len(cohort))
	for _, r := range cohort {
		cohortSet[r] = true
	}
	for _, r := range registry {
		if !cohortSet[r] {
			outside = append(outside, r)
		}
	}

	keyStillLive := func(key []byte, outsideTables []*sstable.Reader) bool {
		for _, r := range outsideTables {
			if !r.Acquire() {
				continue
			}
			_, ok, err := r.Get(key)
			r.Release()
			if err == nil && ok {
				return true
			}
		}
		return false
	}

	merged, err := compaction.Merge(cohort, outside, time.Now(), keyStillLive)
	if err != nil {
		t.logger.Error("compaction: merge failed", "error", err)
		return
	}

	gen := t.nextGen.Add(1)
	w, _, err := compaction.Write(t.sstDir, gen, t.compressor, t.opts.BloomFPR, merged)
	if err != nil {
		t.logger.Error("compaction: writing output failed", "error", err)
		return
	}

	newReader, err := sstable.Open(w.Path(), t.indexCacheAdapter())
	if err != nil {
		t.logger.Error("compaction: reopening output failed", "error", err)
		return
	}

	t.writeMu.Lock()
	cur := *t.registry.Load()
	next := make([]*sstable.Reader, 0, len(cur)-len(cohort)+1)
	next = append(next, newReader)
	for _, r := range cur {
		if !cohortSet[r] {
			next = append(next, r)
		}
	}
	t.registry.Store(&next)
	t.writeMu.Unlock()

	for _, r := range cohort {
		path := r.Path()
		r.Retire(true, func(err error) {
			if err != nil {
				t.logger.Warn("compaction: disposing merged input failed", "path", path, "error", err)
			}
		})
	}
}

func releaseClaims(t *Tree, gens []uint64) {
	for _, g := range gens {
		t.inFlight.Release(g)
	}
}

// runJanitor retires WAL segments already fully covered by a durable
// SSTable flush.
func (t *Tree) runJanitor(ctx context.Context) {
	if t.wal == nil {
		return
	}
	if err := t.wal.RetireUpTo(t.durableSeq.Load()); err != nil {
		t.logger.Warn("wal janitor: retiring segments failed", "error", err)
	}
}
