package checkpoint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinykeep/tinykeep/internal/accum"
	"github.com/tinykeep/tinykeep/internal/clock"
	"github.com/tinykeep/tinykeep/internal/engineerr"
	"github.com/tinykeep/tinykeep/internal/journal"
	"github.com/tinykeep/tinykeep/internal/txindex"
)

type fakeFlusher struct {
	calls []clock.Timestamp
	err   error
}

func (f *fakeFlusher) FlushTransactions(before clock.Timestamp) error {
	f.calls = append(f.calls, before)
	return f.err
}

type fakeBuffers struct {
	mu       sync.Mutex
	earliest clock.Timestamp
	flushed  []clock.Timestamp
}

func newFakeBuffers() *fakeBuffers {
	return &fakeBuffers{earliest: clock.Timestamp(1<<63 - 1)}
}

func (b *fakeBuffers) FlushBuffers(upto clock.Timestamp) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushed = append(b.flushed, upto)
	return nil
}

func (b *fakeBuffers) EarliestDirtyTimestamp() clock.Timestamp {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.earliest
}

type fakeJournalWriter struct {
	mu  sync.Mutex
	cps []journal.Checkpoint
	err error
}

func (j *fakeJournalWriter) WriteCheckpoint(cp journal.Checkpoint) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.cps = append(j.cps, cp)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeFlusher, *fakeBuffers, *fakeJournalWriter) {
	t.Helper()
	allocator := clock.New()
	accums := accum.NewRegistry(4)
	txns := txindex.New(4, allocator, accums)
	flusher := &fakeFlusher{}
	buffers := newFakeBuffers()
	jw := &fakeJournalWriter{}
	m := New(allocator, txns, flusher, accums, buffers, jw, WithInterval(10*time.Second))
	return m, flusher, buffers, jw
}

// TestCreateCheckpointFullSequence drives the whole spec §4.6 algorithm:
// allocate -> flush transactions -> snapshot accumulators -> commit
// bookkeeping txn -> flush buffers -> drain against EarliestDirtyTimestamp.
func TestCreateCheckpointFullSequence(t *testing.T) {
	m, flusher, buffers, jw := newTestManager(t)

	a, err := m.accums.Define("tree", 0, accum.SUM)
	require.NoError(t, err)
	a.Update(42)

	err = m.CreateCheckpoint(context.Background())
	require.NoError(t, err)

	require.Len(t, flusher.calls, 1)
	require.Len(t, buffers.flushed, 1)
	require.Len(t, jw.cps, 1)
	require.True(t, jw.cps[0].Completed)
	require.Equal(t, flusher.calls[0], jw.cps[0].Ts)
}

func TestCreateCheckpointRejectsConcurrentRun(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	err := m.CreateCheckpoint(context.Background())
	require.ErrorIs(t, err, engineerr.ErrCheckpointInProgress)
}

func TestCreateCheckpointPropagatesFlushTransactionsError(t *testing.T) {
	m, flusher, _, _ := newTestManager(t)
	flusher.err = context.DeadlineExceeded

	err := m.CreateCheckpoint(context.Background())
	require.Error(t, err)
}

func TestWithOnCompleteCalledAfterCPWritten(t *testing.T) {
	allocator := clock.New()
	accums := accum.NewRegistry(4)
	txns := txindex.New(4, allocator, accums)
	flusher := &fakeFlusher{}
	buffers := newFakeBuffers()
	jw := &fakeJournalWriter{}

	var completedTs clock.Timestamp
	m := New(allocator, txns, flusher, accums, buffers, jw,
		WithInterval(10*time.Second),
		WithOnComplete(func(ts clock.Timestamp) { completedTs = ts }))

	require.NoError(t, m.CreateCheckpoint(context.Background()))
	require.Equal(t, jw.cps[0].Ts, completedTs)
}

func TestCloseWithFlushRunsFinalCheckpoint(t *testing.T) {
	m, _, _, jw := newTestManager(t)
	require.NoError(t, m.Close(context.Background(), true))
	require.Len(t, jw.cps, 1)
}

func TestCloseWithoutFlushSkipsCheckpoint(t *testing.T) {
	m, _, _, jw := newTestManager(t)
	require.NoError(t, m.Close(context.Background(), false))
	require.Empty(t, jw.cps)
}
