package bufpool

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinykeep/tinykeep/internal/clock"
)

type fakeVolumes struct {
	pages map[PageID][]byte
}

func (f *fakeVolumes) ReadPage(id PageID) ([]byte, error) {
	data, ok := f.pages[id]
	if !ok {
		return nil, fmt.Errorf("no page %v", id)
	}
	return data, nil
}

type fakeWriter struct {
	writes []struct {
		ts   clock.Timestamp
		id   PageID
		data []byte
	}
}

func (f *fakeWriter) WritePage(ts clock.Timestamp, id PageID, data []byte) (int64, error) {
	f.writes = append(f.writes, struct {
		ts   clock.Timestamp
		id   PageID
		data []byte
	}{ts, id, data})
	return int64(len(f.writes)), nil
}

func TestGetReadsThroughOnMustRead(t *testing.T) {
	id := PageID{VolumeHandle: 1, PageAddress: 1}
	vols := &fakeVolumes{pages: map[PageID][]byte{id: []byte("disk data")}}
	p := New(vols, &fakeWriter{})

	b, err := p.Get(id, true)
	require.NoError(t, err)
	require.Equal(t, []byte("disk data"), b.Data)

	// A second Get for the same id must return the pooled buffer, not hit
	// the volume again.
	vols.pages[id] = []byte("changed on disk")
	b2, err := p.Get(id, true)
	require.NoError(t, err)
	require.Equal(t, []byte("disk data"), b2.Data)
	require.Same(t, b, b2)
}

func TestGetWithoutMustReadReturnsEmptyTransientBuffer(t *testing.T) {
	id := PageID{VolumeHandle: 1, PageAddress: 2}
	p := New(&fakeVolumes{pages: map[PageID][]byte{}}, &fakeWriter{})

	b, err := p.Get(id, false)
	require.NoError(t, err)
	require.Nil(t, b.Data)
}

func TestDirtyTransientExcludedFromEarliestDirty(t *testing.T) {
	id := PageID{VolumeHandle: 1, PageAddress: 3}
	p := New(&fakeVolumes{pages: map[PageID][]byte{}}, &fakeWriter{})

	b, err := p.Get(id, false)
	require.NoError(t, err)

	p.Dirty(b, Transient)
	require.Equal(t, clock.Timestamp(1<<63-1), p.EarliestDirtyTimestamp())

	p.Dirty(b, 50)
	require.Equal(t, clock.Timestamp(50), p.EarliestDirtyTimestamp())
}

func TestEarliestDirtyTimestampTracksMinimum(t *testing.T) {
	p := New(&fakeVolumes{pages: map[PageID][]byte{}}, &fakeWriter{})
	for i, ts := range []clock.Timestamp{100, 20, 300} {
		id := PageID{VolumeHandle: 1, PageAddress: uint64(i)}
		b, err := p.Get(id, false)
		require.NoError(t, err)
		p.Dirty(b, ts)
	}
	require.Equal(t, clock.Timestamp(20), p.EarliestDirtyTimestamp())
}

func TestFlushBuffersOnlyFlushesBelowUptoAndClearsDirty(t *testing.T) {
	w := &fakeWriter{}
	p := New(&fakeVolumes{pages: map[PageID][]byte{}}, w)

	idOld := PageID{VolumeHandle: 1, PageAddress: 1}
	idNew := PageID{VolumeHandle: 1, PageAddress: 2}

	bOld, err := p.Get(idOld, false)
	require.NoError(t, err)
	bOld.Data = []byte("old")
	p.Dirty(bOld, 10)

	bNew, err := p.Get(idNew, false)
	require.NoError(t, err)
	bNew.Data = []byte("new")
	p.Dirty(bNew, 1000)

	require.NoError(t, p.FlushBuffers(100))

	require.Len(t, w.writes, 1)
	require.Equal(t, idOld, w.writes[0].id)
	require.Equal(t, clock.Timestamp(1000), p.EarliestDirtyTimestamp(), "the page dirtied at 1000 must remain dirty")
}

func TestFlushBuffersSkipsTransientBuffers(t *testing.T) {
	w := &fakeWriter{}
	p := New(&fakeVolumes{pages: map[PageID][]byte{}}, w)
	id := PageID{VolumeHandle: 1, PageAddress: 1}

	b, err := p.Get(id, false)
	require.NoError(t, err)
	p.Dirty(b, Transient)

	require.NoError(t, p.FlushBuffers(1<<62))
	require.Empty(t, w.writes)
}
