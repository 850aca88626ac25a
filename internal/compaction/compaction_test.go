package compaction_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"redish/internal/compaction"
	"redish/internal/record"
)

type fakeTable struct {
	min, max []byte
	recs     []record.Record
	path     string
}

func (f *fakeTable) MinKey() []byte                   { return f.min }
func (f *fakeTable) MaxKey() []byte                   { return f.max }
func (f *fakeTable) AllRecords() ([]record.Record, error) { return f.recs, nil }
func (f *fakeTable) Path() string                     { return f.path }
func (f *fakeTable) Count() uint64                    { return uint64(len(f.recs)) }

func TestSelectCohortChainsOverlappingRanges(t *testing.T) {
	tables := []*fakeTable{
		{min: []byte("a"), max: []byte("c"), path: "1"},
		{min: []byte("b"), max: []byte("d"), path: "2"},
		{min: []byte("z"), max: []byte("zz"), path: "3"},
	}
	cohort := compaction.SelectCohort(tables)
	require.Len(t, cohort, 2)
	require.Equal(t, "1", cohort[0].Path())
	require.Equal(t, "2", cohort[1].Path())
}

func TestSelectCohortNoOverlapReturnsNil(t *testing.T) {
	tables := []*fakeTable{
		{min: []byte("a"), max: []byte("b"), path: "1"},
		{min: []byte("c"), max: []byte("d"), path: "2"},
	}
	require.Nil(t, compaction.SelectCohort(tables))
}

func TestMergeKeepsNewestAndDropsDeadTombstone(t *testing.T) {
	now := time.Now()
	t1 := &fakeTable{recs: []record.Record{
		{Key: []byte("a"), Value: []byte("old"), Sequence: 1, CreatedAt: now},
		{Key: []byte("b"), Tombstone: true, Sequence: 5, CreatedAt: now},
	}}
	t2 := &fakeTable{recs: []record.Record{
		{Key: []byte("a"), Value: []byte("new"), Sequence: 2, CreatedAt: now},
	}}

	merged, err := compaction.Merge([]*fakeTable{t1, t2}, nil, now, func(key []byte, outside []*fakeTable) bool {
		return false // nothing outside the cohort holds any key
	})
	require.NoError(t, err)
	require.Len(t, merged, 1)
	require.Equal(t, "new", string(merged[0].Value))
}

func TestMergeKeepsTombstoneWhenStillLive(t *testing.T) {
	now := time.Now()
	t1 := &fakeTable{recs: []record.Record{
		{Key: []byte("b"), Tombstone: true, Sequence: 5, CreatedAt: now},
	}}
	merged, err := compaction.Merge([]*fakeTable{t1}, nil, now, func(key []byte, outside []*fakeTable) bool {
		return true
	})
	require.NoError(t, err)
	require.Len(t, merged, 1)
	require.True(t, merged[0].Tombstone)
}

func TestInFlightPreventsDoubleClaim(t *testing.T) {
	f := compaction.NewInFlight()
	require.True(t, f.TryClaim(1))
	require.False(t, f.TryClaim(1))
	f.Release(1)
	require.True(t, f.TryClaim(1))
}
