package recovery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinykeep/tinykeep/internal/clock"
	"github.com/tinykeep/tinykeep/internal/journal"
	"github.com/tinykeep/tinykeep/internal/pagemap"
)

func TestRecoverNoFilesReturnsEmptyResult(t *testing.T) {
	dir := t.TempDir()
	res, err := Recover(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.Equal(t, 0, res.PageMap.Size())
	require.Empty(t, res.LiveTransactions)
}

func TestRecoverErrorsWithoutAnyCheckpoint(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "j")
	w, err := journal.Open(base, journal.Options{})
	require.NoError(t, err)
	require.NoError(t, w.AppendTransactionStart(1))
	require.NoError(t, w.Close())

	_, err = Recover(base)
	require.Error(t, err)
}

// TestRecoverRebuildsPageMapAndLiveTransactions writes a representative
// sequence — identify volume/tree, begin a transaction, write a page,
// commit, then checkpoint — and verifies Recover rebuilds equivalent
// in-memory state from the on-disk records.
func TestRecoverRebuildsPageMapAndLiveTransactions(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "j")
	w, err := journal.Open(base, journal.Options{})
	require.NoError(t, err)

	require.NoError(t, w.IdentifyVolume(1, [16]byte{9}, "vol-a"))
	require.NoError(t, w.IdentifyTree(2, 1, "tree-a"))
	require.NoError(t, w.AppendTransactionStart(10))
	_, err = w.AppendPageImage(clock.Timestamp(10), 1, 55, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.AppendTransactionCommit(10, 11))
	require.NoError(t, w.WriteCheckpoint(journal.Checkpoint{Ts: 11}))
	require.NoError(t, w.Force())
	require.NoError(t, w.Close())

	res, err := Recover(base)
	require.NoError(t, err)

	require.Contains(t, res.Volumes, uint32(1))
	require.Equal(t, "vol-a", res.Volumes[1].Name)
	require.Contains(t, res.Trees, uint32(2))
	require.Equal(t, "tree-a", res.Trees[2].Name)

	head := res.PageMap.Resolve(pagemap.Key{VolumeHandle: 1, PageAddress: 55})
	require.NotNil(t, head)
	require.Equal(t, clock.Timestamp(10), head.Ts)

	tx, ok := res.LiveTransactions[10]
	require.True(t, ok)
	require.True(t, tx.Committed)
	require.Equal(t, clock.Timestamp(11), tx.CommitTs)

	require.Equal(t, clock.Timestamp(11), res.LastValidCheckpoint.Ts)
}

func TestRecoverMarksAbortedTransactions(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "j")
	w, err := journal.Open(base, journal.Options{})
	require.NoError(t, err)

	require.NoError(t, w.AppendTransactionStart(20))
	require.NoError(t, w.AppendTransactionAbort(20))
	require.NoError(t, w.WriteCheckpoint(journal.Checkpoint{Ts: 21}))
	require.NoError(t, w.Force())
	require.NoError(t, w.Close())

	res, err := Recover(base)
	require.NoError(t, err)

	tx, ok := res.LiveTransactions[20]
	require.True(t, ok)
	require.True(t, tx.Aborted)
	require.False(t, tx.Committed)
}

// TestRecoverIsIdempotent is spec §8's "running recovery twice yields
// identical in-memory maps" property.
func TestRecoverIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "j")
	w, err := journal.Open(base, journal.Options{})
	require.NoError(t, err)
	require.NoError(t, w.AppendTransactionStart(1))
	_, err = w.AppendPageImage(clock.Timestamp(1), 1, 1, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.AppendTransactionCommit(1, 2))
	require.NoError(t, w.WriteCheckpoint(journal.Checkpoint{Ts: 2}))
	require.NoError(t, w.Force())
	require.NoError(t, w.Close())

	res1, err := Recover(base)
	require.NoError(t, err)
	res2, err := Recover(base)
	require.NoError(t, err)

	require.Equal(t, res1.PageMap.Size(), res2.PageMap.Size())
	require.Equal(t, res1.LiveTransactions, res2.LiveTransactions)
	require.Equal(t, res1.LastValidCheckpoint, res2.LastValidCheckpoint)
	require.Equal(t, res1.BaseAddress, res2.BaseAddress)
}
