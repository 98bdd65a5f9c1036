package accum

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinykeep/tinykeep/internal/clock"
	"github.com/tinykeep/tinykeep/internal/txn"
)

// ApplyCommutativity verifies spec §8: "for all a, b, apply(a,b) == apply(b,a)".
func TestApplyCommutativity(t *testing.T) {
	pairs := []struct{ a, b int64 }{
		{0, 0}, {5, -5}, {1 << 40, -(1 << 40)}, {7, 7}, {-3, 12},
	}
	for _, typ := range []Type{SUM, MIN, MAX, SEQ} {
		for _, p := range pairs {
			assert.Equal(t, Apply(typ, p.a, p.b), Apply(typ, p.b, p.a),
				"type %v not commutative for (%d,%d)", typ, p.a, p.b)
		}
	}
}

func TestApplySemantics(t *testing.T) {
	assert.Equal(t, int64(8), Apply(SUM, 3, 5))
	assert.Equal(t, int64(3), Apply(MIN, 3, 5))
	assert.Equal(t, int64(5), Apply(MAX, 3, 5))
	assert.Equal(t, int64(5), Apply(SEQ, 3, 5)) // SEQ's apply is max, per spec §4.3
}

// fakeIndex is a minimal in-memory accum.Index good enough to drive
// Snapshot without pulling in package txindex (which would create an
// import cycle back into this package's own tests).
type fakeIndex struct {
	buckets [][]StatusView
}

func newFakeIndex(h int) *fakeIndex { return &fakeIndex{buckets: make([][]StatusView, h)} }

func (f *fakeIndex) BucketCount() int { return len(f.buckets) }
func (f *fakeIndex) ForEachLiveStatus(b int, visit func(StatusView)) {
	for _, s := range f.buckets[b] {
		visit(s)
	}
}
func (f *fakeIndex) IsVisible(readerTs clock.Timestamp, s StatusView) bool {
	tc := s.CommitTs()
	switch {
	case s.StartTs() == readerTs:
		return true
	case tc > 0 && tc != clock.Uncommitted && tc < readerTs:
		return true
	case tc == clock.Aborted || tc >= readerTs:
		return false
	default:
		return false
	}
}

type fakeStatus struct{ s *txn.Status }

func (f fakeStatus) StartTs() clock.Timestamp  { return f.s.StartTs() }
func (f fakeStatus) CommitTs() clock.Timestamp { return f.s.CommitTs() }
func (f fakeStatus) WaitBrief(d time.Duration) bool { return f.s.WaitBrief(d) }
func (f fakeStatus) DeltasFor(accumIndex int) []DeltaView {
	var out []DeltaView
	for d := f.s.Delta; d != nil; d = d.Next {
		if d.AccumIndex == accumIndex {
			out = append(out, DeltaView{Step: d.Step, Value: d.Value})
		}
	}
	return out
}

func (f *fakeIndex) put(bucket int, s *txn.Status) {
	f.buckets[bucket] = append(f.buckets[bucket], fakeStatus{s: s})
}

// TestSnapshotScenario1 is spec §8 scenario 1: T1 commits A.add(5) at
// tc=101; a reader at ts=102 sees 5; the same-txn reader at ts=100 (T1's
// own start ts) also sees 5.
func TestSnapshotScenario1(t *testing.T) {
	idx := newFakeIndex(1)
	a := New(0, "tree", 0, SUM, 1)

	t1 := txn.New(100)
	a.Add(t1, 0, 5)
	t1.BeginCommit(101)
	t1.FinalizeCommit(101, time.Now())
	idx.put(0, t1)

	require.Equal(t, int64(5), a.Snapshot(102, 0, idx))
	require.Equal(t, int64(5), a.Snapshot(100, 0, idx))
}

// TestSnapshotScenario2 is spec §8 scenario 2: an uncommitted update is
// invisible to a later reader but always reflected in LiveValue.
func TestSnapshotScenario2(t *testing.T) {
	idx := newFakeIndex(1)
	a := New(0, "tree", 0, SUM, 1)

	t1 := txn.New(200)
	a.Add(t1, 0, 7)
	idx.put(0, t1)

	require.Equal(t, int64(0), a.Snapshot(201, 0, idx))
	require.Equal(t, int64(7), a.LiveValue())
}

func TestSnapshotAbortedInvisible(t *testing.T) {
	idx := newFakeIndex(1)
	a := New(0, "tree", 0, SUM, 1)

	t1 := txn.New(300)
	a.Add(t1, 0, 9)
	t1.Abort(time.Now())
	idx.put(0, t1)

	require.Equal(t, int64(0), a.Snapshot(301, 0, idx))
	require.Equal(t, int64(9), a.LiveValue(), "LiveValue reflects every update regardless of outcome")
}

// TestSnapshotStability is spec §8's "Snapshot stability": repeated
// Snapshot calls at a fixed readerTs return the same value regardless of a
// later concurrent commit.
func TestSnapshotStability(t *testing.T) {
	idx := newFakeIndex(1)
	a := New(0, "tree", 0, SUM, 1)

	t1 := txn.New(400)
	a.Add(t1, 0, 3)
	t1.BeginCommit(401)
	t1.FinalizeCommit(401, time.Now())
	idx.put(0, t1)

	readerTs := clock.Timestamp(402)
	first := a.Snapshot(readerTs, 0, idx)

	t2 := txn.New(500)
	a.Add(t2, 0, 1000)
	t2.BeginCommit(501)
	t2.FinalizeCommit(501, time.Now())
	idx.put(0, t2)

	second := a.Snapshot(readerTs, 0, idx)
	require.Equal(t, first, second, "snapshot at a fixed ts must not change after a later commit")
}

func TestSameTxnStepOrdering(t *testing.T) {
	idx := newFakeIndex(1)
	a := New(0, "tree", 0, SUM, 1)

	t1 := txn.New(600)
	a.Add(t1, 0, 1)
	a.Add(t1, 1, 10)
	a.Add(t1, 2, 100)
	idx.put(0, t1)

	require.Equal(t, int64(1), a.Snapshot(600, 0, idx))
	require.Equal(t, int64(11), a.Snapshot(600, 1, idx))
	require.Equal(t, int64(111), a.Snapshot(600, 2, idx))
}

func TestSeqAllocateUniqueUnderContention(t *testing.T) {
	a := New(0, "tree", 0, SEQ, 1)
	const goroutines = 8
	const perGoroutine = 250
	const n = goroutines * perGoroutine
	seen := make(chan int64, n)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(start clock.Timestamp) {
			defer wg.Done()
			s := txn.New(start)
			for i := 0; i < perGoroutine; i++ {
				seen <- a.Allocate(s, i)
			}
		}(clock.Timestamp(g + 1))
	}
	wg.Wait()
	close(seen)

	values := make(map[int64]struct{}, n)
	for v := range seen {
		_, dup := values[v]
		require.False(t, dup, "Allocate produced duplicate value %d", v)
		values[v] = struct{}{}
	}
	require.Len(t, values, n)
}

func TestMergeBucketFoldsByType(t *testing.T) {
	a := New(0, "tree", 0, MAX, 4)
	a.MergeBucket(0, 5)
	a.MergeBucket(0, 9)
	a.MergeBucket(1, 3)

	idx := newFakeIndex(4)
	require.Equal(t, int64(9), a.Snapshot(1000, 0, idx))
}

// TestMergeBucketMinFoldsFromIdentityNotZero guards against a MIN
// accumulator's snapshot collapsing to 0 instead of the true minimum: if
// bucketValues/baseValue started at 0 rather than the MIN identity, folding
// in only positive values would make Apply(MIN, 0, v) == 0 win every time.
func TestMergeBucketMinFoldsFromIdentityNotZero(t *testing.T) {
	a := New(0, "tree", 0, MIN, 4)
	a.MergeBucket(0, 5)
	a.MergeBucket(0, 3)
	a.MergeBucket(1, 9)

	idx := newFakeIndex(4)
	require.Equal(t, int64(3), a.Snapshot(1000, 0, idx))
}

// TestMergeBucketMaxFoldsFromIdentityWithNegativeValues guards against a
// MAX accumulator's snapshot collapsing to 0 instead of the true maximum
// when every contribution is negative: a 0-seeded base/bucket would make
// Apply(MAX, 0, v) == 0 win over every negative v.
func TestMergeBucketMaxFoldsFromIdentityWithNegativeValues(t *testing.T) {
	a := New(0, "tree", 0, MAX, 4)
	a.MergeBucket(0, -5)
	a.MergeBucket(0, -3)
	a.MergeBucket(1, -9)

	idx := newFakeIndex(4)
	require.Equal(t, int64(-3), a.Snapshot(1000, 0, idx))
}

func TestRegistryDefineIsIdempotentPerKey(t *testing.T) {
	r := NewRegistry(8)
	a1, err := r.Define("tree", 3, SUM)
	require.NoError(t, err)
	a2, err := r.Define("tree", 3, SUM)
	require.NoError(t, err)
	require.Same(t, a1, a2)

	_, err = r.Define("tree", 64, SUM)
	require.Error(t, err)
}

func TestCheckpointValueAndRestoreBase(t *testing.T) {
	a := New(0, "tree", 0, SUM, 1)
	a.Update(42)
	a.CheckpointValue(10, 42)

	idx := newFakeIndex(1)
	require.Equal(t, int64(42), a.Snapshot(11, 0, idx))

	a.RestoreBase(100)
	require.Equal(t, int64(100), a.LiveValue())
	require.Equal(t, int64(100), a.Snapshot(11, 0, idx))
}
