package pagemap

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinykeep/tinykeep/internal/clock"
)

func TestPublishResolveChainsVersions(t *testing.T) {
	m := New()
	key := Key{VolumeHandle: 1, PageAddress: 10}

	m.Publish(key, 100, 1000)
	m.Publish(key, 200, 2000)

	head := m.Resolve(key)
	require.NotNil(t, head)
	require.Equal(t, clock.Timestamp(200), head.Ts)
	require.Equal(t, int64(2000), head.JournalAddress)
	require.NotNil(t, head.Prev)
	require.Equal(t, clock.Timestamp(100), head.Prev.Ts)
	require.Equal(t, 1, m.Size())
}

func TestResolveUntrackedReturnsNil(t *testing.T) {
	m := New()
	require.Nil(t, m.Resolve(Key{VolumeHandle: 9, PageAddress: 9}))
}

func TestSnapshotReportsChainDepth(t *testing.T) {
	m := New()
	key := Key{VolumeHandle: 1, PageAddress: 1}
	m.Publish(key, 1, 10)
	m.Publish(key, 2, 20)
	m.Publish(key, 3, 30)
	m.Publish(Key{VolumeHandle: 2, PageAddress: 1}, 1, 40)

	stats := m.Snapshot()
	require.Equal(t, 2, stats.Chains)
	require.Equal(t, 4, stats.Versions)
	require.Equal(t, 3, stats.DeepestChain)
}

// fakeVolumes is an in-memory VolumeWriter recording every write.
type fakeVolumes struct {
	mu     sync.Mutex
	writes map[Key][]byte
	synced map[uint32]int
	failWrite bool
}

func newFakeVolumes() *fakeVolumes {
	return &fakeVolumes{writes: make(map[Key][]byte), synced: make(map[uint32]int)}
}

func (f *fakeVolumes) WritePage(volumeHandle uint32, pageAddress uint64, data []byte) error {
	if f.failWrite {
		return fmt.Errorf("simulated write failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.writes[Key{VolumeHandle: volumeHandle, PageAddress: pageAddress}] = cp
	return nil
}

func (f *fakeVolumes) Sync(volumeHandle uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced[volumeHandle]++
	return nil
}

// fakeJournal serves page images out of an in-memory map keyed by address,
// standing in for journal.Writer.ReadPageImage in these tests.
type fakeJournal struct {
	images map[int64]struct {
		vh   uint32
		pa   uint64
		data []byte
	}
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{images: make(map[int64]struct {
		vh   uint32
		pa   uint64
		data []byte
	})}
}

func (f *fakeJournal) put(addr int64, vh uint32, pa uint64, data []byte) {
	f.images[addr] = struct {
		vh   uint32
		pa   uint64
		data []byte
	}{vh, pa, data}
}

func (f *fakeJournal) ReadPageImage(journalAddress int64) (uint32, uint64, []byte, error) {
	rec, ok := f.images[journalAddress]
	if !ok {
		return 0, 0, nil, fmt.Errorf("no image at %d", journalAddress)
	}
	return rec.vh, rec.pa, rec.data, nil
}

// TestRunCycleCopiesEligiblePages is spec §4.5's core copy path: a page
// below both the checkpoint limit and the block boundary gets copied to
// its home volume and its chain entry retires.
func TestRunCycleCopiesEligiblePages(t *testing.T) {
	pm := New()
	volumes := newFakeVolumes()
	journal := newFakeJournal()

	key := Key{VolumeHandle: 1, PageAddress: 5}
	data := []byte("page data")
	journal.put(100, 1, 5, data)
	pm.Publish(key, clock.Timestamp(10), 100)

	var newBase int64
	c := NewCopier(pm, volumes, journal, Config{
		LastValidCheckpointTs: func() clock.Timestamp { return 1000 },
		CurrentBlockBoundary:  func() int64 { return 1000 },
		AdvanceBase:           func(nb int64) { newBase = nb },
	})

	result, err := c.RunCycle()
	require.NoError(t, err)
	require.Equal(t, 1, result.Scanned)
	require.Equal(t, 1, result.Copied)
	require.Empty(t, result.Errors)
	require.Equal(t, 0, result.StillDirty)

	require.Equal(t, data, volumes.writes[Key{VolumeHandle: 1, PageAddress: 5}])
	require.Equal(t, 1, volumes.synced[1])
	require.Nil(t, pm.Resolve(key), "a fully copied chain must be removed")
	require.Equal(t, int64(1000), newBase, "with no live chains left, newBase falls back to the block boundary")
}

// TestRunCycleDrainsMultiVersionChainOnce exercises spec §4.5 step 4's
// "if it is still the head of its chain, remove the entry" against a chain
// that already had an older, never-individually-copied version queued
// below the head when the cycle ran. Only the chain's current head is ever
// read and copied; once that succeeds, the whole entry — including the
// stale version beneath it — must be dropped, not merely trimmed.
func TestRunCycleDrainsMultiVersionChainOnce(t *testing.T) {
	pm := New()
	volumes := newFakeVolumes()
	journal := newFakeJournal()

	key := Key{VolumeHandle: 1, PageAddress: 5}
	journal.put(100, 1, 5, []byte("v1"))
	journal.put(200, 1, 5, []byte("v2"))
	pm.Publish(key, clock.Timestamp(10), 100)
	pm.Publish(key, clock.Timestamp(20), 200)
	require.Equal(t, 2, pm.Snapshot().Versions)

	c := NewCopier(pm, volumes, journal, Config{
		LastValidCheckpointTs: func() clock.Timestamp { return 1000 },
		CurrentBlockBoundary:  func() int64 { return 1000 },
	})

	result, err := c.RunCycle()
	require.NoError(t, err)
	require.Equal(t, 1, result.Copied)
	require.Equal(t, []byte("v2"), volumes.writes[key])
	require.Nil(t, pm.Resolve(key), "copying the head must drain the whole chain, including the older queued version")
}

func TestRunCycleSkipsPagesNewerThanCheckpoint(t *testing.T) {
	pm := New()
	volumes := newFakeVolumes()
	journal := newFakeJournal()

	key := Key{VolumeHandle: 1, PageAddress: 5}
	journal.put(100, 1, 5, []byte("x"))
	pm.Publish(key, clock.Timestamp(500), 100)

	c := NewCopier(pm, volumes, journal, Config{
		LastValidCheckpointTs: func() clock.Timestamp { return 50 }, // below the page's ts
		CurrentBlockBoundary:  func() int64 { return 1000 },
	})

	result, err := c.RunCycle()
	require.NoError(t, err)
	require.Equal(t, 0, result.Scanned)
	require.Equal(t, 0, result.Copied)
	require.NotNil(t, pm.Resolve(key))
}

func TestRunCycleAppendOnlyIsNoOp(t *testing.T) {
	pm := New()
	volumes := newFakeVolumes()
	journal := newFakeJournal()

	key := Key{VolumeHandle: 1, PageAddress: 5}
	journal.put(100, 1, 5, []byte("x"))
	pm.Publish(key, clock.Timestamp(10), 100)

	c := NewCopier(pm, volumes, journal, Config{AppendOnly: true})
	result, err := c.RunCycle()
	require.NoError(t, err)
	require.Equal(t, &Result{}, result)
	require.NotNil(t, pm.Resolve(key), "append-only mode must never touch the page map")
}

func TestRunCycleRecordsWriteErrorsWithoutAborting(t *testing.T) {
	pm := New()
	volumes := newFakeVolumes()
	volumes.failWrite = true
	journal := newFakeJournal()

	key := Key{VolumeHandle: 1, PageAddress: 5}
	journal.put(100, 1, 5, []byte("x"))
	pm.Publish(key, clock.Timestamp(10), 100)

	c := NewCopier(pm, volumes, journal, Config{
		LastValidCheckpointTs: func() clock.Timestamp { return 1000 },
		CurrentBlockBoundary:  func() int64 { return 1000 },
	})

	result, err := c.RunCycle()
	require.NoError(t, err)
	require.NotEmpty(t, result.Errors)
	require.NotNil(t, pm.Resolve(key), "a page whose write failed must remain tracked for retry")
}

func TestUrgencyCopyFastForcesMax(t *testing.T) {
	pm := New()
	c := NewCopier(pm, newFakeVolumes(), newFakeJournal(), Config{CopyFast: true})
	require.Equal(t, 10, c.Urgency(1, 1, 1))
}

func TestUrgencyClampedToRange(t *testing.T) {
	pm := New()
	c := NewCopier(pm, newFakeVolumes(), newFakeJournal(), Config{})
	require.Equal(t, 0, c.Urgency(0, 100, 1))
	require.Equal(t, 10, c.Urgency(100000, 1, 50))
}

func TestComputeNewBaseRespectsMinUncommittedStart(t *testing.T) {
	pm := New()
	volumes := newFakeVolumes()
	journal := newFakeJournal()

	// No dirty pages left, but an uncommitted transaction started earlier
	// than the block boundary; newBase must not pass it.
	c := NewCopier(pm, volumes, journal, Config{
		CurrentBlockBoundary: func() int64 { return 1000 },
		MinUncommittedStart:  func() clock.Timestamp { return 42 },
	})
	got := c.computeNewBase(1000)
	require.Equal(t, int64(42), got)
}
